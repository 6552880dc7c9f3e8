// Package pipeline provides a small sequential-composition primitive: an
// ordered list of stages run one after another over a threaded value.
// Exactly the stages given at construction run, always, in order. This is
// distinct from the plugin registry's fan-out semantics, where the set of
// handlers depends on the module being processed.
package pipeline

import "context"

// Stage transforms the threaded value. A stage receives the accumulated
// result of the previous stage (or the original payload for the first
// stage) and returns the value forwarded to the next one. In-place
// mutation with `return v, nil` is fine; the runner forwards whatever is
// returned, so stages may also substitute a fresh value.
type Stage[T any] func(ctx context.Context, v T) (T, error)

// Pipeline is an immutable ordered list of stages.
type Pipeline[T any] struct {
	stages []Stage[T]
}

// New builds a pipeline from the given stages. The stage order is fixed for
// the pipeline's lifetime.
func New[T any](stages ...Stage[T]) *Pipeline[T] {
	owned := make([]Stage[T], len(stages))
	copy(owned, stages)
	return &Pipeline[T]{stages: owned}
}

// Len returns the number of stages.
func (p *Pipeline[T]) Len() int { return len(p.stages) }

// Run invokes each stage in order, threading the value through. The first
// stage failure aborts the remaining stages and is propagated unchanged.
// Context cancellation is checked between stages.
func (p *Pipeline[T]) Run(ctx context.Context, v T) (T, error) {
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return v, err
		}
		next, err := stage(ctx, v)
		if err != nil {
			return v, err
		}
		v = next
	}
	return v, nil
}
