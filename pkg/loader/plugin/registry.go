package plugin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/nucliweb/bit-loader/pkg/loader/module"
)

// Spec is a declarative registration descriptor: a plugin's name, matching
// rules, and per-hook handler batches, consumed by Register at wiring time.
// Hosts build Specs directly or load them from configuration.
type Spec struct {
	// Name identifies the plugin. Re-registering an existing name merges
	// the new rules and handlers into the existing plugin. Empty means
	// anonymous: the plugin applies globally unless Match rules are given.
	Name string
	// Match maps a rule dimension (e.g. "path") to glob patterns.
	Match map[string][]string
	// Hooks maps each hook kind to its ordered handler batch.
	Hooks map[Hook][]HandlerEntry
}

// Registry associates plugins with module metas and fans hook stages out to
// every matching handler. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins []*Plugin
	byName  map[string]*Plugin
	named   map[string]Handler
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A nil handler discards logs.
func NewRegistry(loggerHandler slog.Handler) *Registry {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	return &Registry{
		byName: make(map[string]*Plugin),
		named:  make(map[string]Handler),
		logger: slog.New(loggerHandler).With(slog.String("component", "pluginRegistry")),
	}
}

// RegisterNamedHandler stores fn under name on the registry's named-handler
// table, making it referenceable from HandlerEntry.Name and from
// configuration files. Registering an existing name replaces the previous
// function.
func (r *Registry) RegisterNamedHandler(name string, fn Handler) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: named handler requires a name and a function", ErrInvalidHandler)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.named[name]; exists {
		r.logger.Debug("Replacing named handler", slog.String("handler", name))
	}
	r.named[name] = fn
	return nil
}

// Register applies a declarative Spec. For a named Spec whose name is
// already registered, rules and handlers are merged into the existing
// plugin; otherwise a new plugin is appended in registration order.
// Validation is synchronous and atomic per handler batch: a Spec carrying
// one invalid entry registers none of that batch. Returns the (possibly
// pre-existing) plugin.
func (r *Registry) Register(spec Spec) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, merged := r.byName[spec.Name]
	if spec.Name == "" || !merged {
		p = &Plugin{name: spec.Name, resolve: r.lookupNamedLocked}
	}

	for dimension, patterns := range spec.Match {
		if err := p.AddMatchingRules(dimension, patterns); err != nil {
			return nil, err
		}
	}
	for kind, entries := range spec.Hooks {
		if err := p.AddHandlers(kind, entries...); err != nil {
			return nil, err
		}
	}

	if spec.Name != "" && merged {
		r.logger.Debug("Merged plugin registration", slog.String("plugin", spec.Name))
		return p, nil
	}
	r.plugins = append(r.plugins, p)
	if spec.Name != "" {
		r.byName[spec.Name] = p
	}
	r.logger.Debug("Registered plugin",
		slog.String("plugin", spec.Name),
		slog.Int("rules", len(spec.Match)),
	)
	return p, nil
}

// lookupNamedLocked resolves a named handler. Callers hold r.mu.
func (r *Registry) lookupNamedLocked(name string) (Handler, bool) {
	fn, ok := r.named[name]
	return fn, ok
}

// Plugin returns the plugin registered under name.
func (r *Registry) Plugin(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// RunHook fans the given hook stage out over every applicable plugin, in
// registration order, handlers in registration order within a plugin, each
// completing before the next starts. The first handler failure aborts the
// stage and is returned wrapped in ErrHandlerExecution; the original error
// remains reachable through errors.Is / errors.As.
//
// Routing: when the meta carries a non-empty explicit Plugins list, only
// the plugins named there apply, regardless of matching rules or global
// registration. Otherwise a plugin applies if its rules match the meta or
// it declares no rules at all. Plugins with no handler for the requested
// hook are skipped even when they match.
func (r *Registry) RunHook(ctx context.Context, kind Hook, meta *module.Meta) error {
	if !ValidHook(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidHook, kind)
	}
	type run struct {
		plugin   string
		handlers []boundHandler
	}
	r.mu.RLock()
	applicable := make([]run, 0, len(r.plugins))
	for _, p := range r.plugins {
		if len(meta.Plugins) > 0 {
			if p.name == "" || !slices.Contains(meta.Plugins, p.name) {
				continue
			}
		} else if !p.matches(meta) {
			continue
		}
		handlers := p.handlers[kind]
		if len(handlers) == 0 {
			continue
		}
		snapshot := make([]boundHandler, len(handlers))
		copy(snapshot, handlers)
		applicable = append(applicable, run{plugin: p.name, handlers: snapshot})
	}
	r.mu.RUnlock()

	for _, p := range applicable {
		for _, h := range p.handlers {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := h.fn(ctx, meta, h.options); err != nil {
				r.logger.Debug("Handler failed",
					slog.String("plugin", p.plugin),
					slog.String("hook", string(kind)),
					slog.String("module", meta.Name),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("%w: plugin %q, hook %q, module %q: %w",
					ErrHandlerExecution, p.plugin, kind, meta.Name, err)
			}
		}
	}
	return nil
}
