package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/nucliweb/bit-loader/pkg/loader"
	"github.com/nucliweb/bit-loader/pkg/loader/module"
)

// MapFetcher serves module source from an in-memory map, recording how many
// times each name was fetched. Names without an entry fail.
type MapFetcher struct {
	mu      sync.Mutex
	Sources map[string]string
	// Deps optionally maps a name to the dependencies the fetcher declares
	// on the meta, mimicking payloads that carry their own imports.
	Deps  map[string][]string
	calls map[string]int
}

// NewMapFetcher builds a fetcher over the given name-to-source map.
func NewMapFetcher(sources map[string]string) *MapFetcher {
	return &MapFetcher{Sources: sources, calls: make(map[string]int)}
}

// Fetch implements loader.Fetcher.
func (f *MapFetcher) Fetch(ctx context.Context, meta *module.Meta) error {
	f.mu.Lock()
	f.calls[meta.Name]++
	src, ok := f.Sources[meta.Name]
	deps := f.Deps[meta.Name]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no source for %q", meta.Name)
	}
	meta.SetSource(src)
	if len(deps) > 0 {
		meta.Deps = append(meta.Deps, deps...)
	}
	return nil
}

// Calls returns how many times name was fetched.
func (f *MapFetcher) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// EchoCompiler is a working compile collaborator for end-to-end tests: it
// turns a source meta into a factory module whose factory returns the source
// text, and passes factory and code metas straight through.
type EchoCompiler struct{}

// Compile implements loader.Compiler.
func (c *EchoCompiler) Compile(ctx context.Context, meta *module.Meta) (*module.Module, error) {
	cfg := module.FromMeta(meta)
	if src, ok := meta.Source(); ok {
		text := src
		cfg.Payload = module.FactoryPayload(func(deps ...any) (any, error) {
			return text, nil
		})
	}
	return module.New(cfg)
}

// HostLinker is a working link collaborator: it builds every dependency
// through the host, invokes the module's factory with the dependencies'
// code values, and assigns the result as the module's code.
type HostLinker struct{}

// Link implements loader.Linker.
func (l *HostLinker) Link(ctx context.Context, host loader.Host, mod *module.Module) (*module.Module, error) {
	if _, ok := mod.Code(); ok {
		return mod, nil
	}
	deps := mod.Deps()
	resolved := make([]any, 0, len(deps))
	for _, dep := range deps {
		depMod, err := host.DependencyModule(ctx, dep)
		if err != nil {
			return nil, err
		}
		code, _ := depMod.Code()
		resolved = append(resolved, code)
	}
	factory := mod.Factory()
	if factory == nil {
		return nil, fmt.Errorf("module %q has neither code nor factory", mod.Name())
	}
	code, err := factory(resolved...)
	if err != nil {
		return nil, err
	}
	if err := mod.SetCode(code); err != nil {
		return nil, err
	}
	return mod, nil
}
