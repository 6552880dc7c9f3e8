// Package loader implements the module-loading engine: a tri-state store
// tracking per-name lifecycle, a plugin registry fanning hook stages out to
// matching handlers, and an orchestrator that fetches, transforms, compiles,
// and links modules on demand with in-flight deduplication.
package loader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nucliweb/bit-loader/pkg/loader/module"
	"github.com/nucliweb/bit-loader/pkg/loader/pipeline"
	"github.com/nucliweb/bit-loader/pkg/loader/plugin"
	"github.com/nucliweb/bit-loader/pkg/loader/store"
)

// future is the in-flight fetch handle stored under the loading state.
// Concurrent fetches for the same name all wait on the same future.
type future struct {
	done chan struct{}
	meta *module.Meta
	err  error
}

func (f *future) wait(ctx context.Context) (*module.Meta, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.meta, f.err
	}
}

// buildFuture deduplicates concurrent compile+link work per name.
type buildFuture struct {
	done chan struct{}
	mod  *module.Module
	err  error
}

func (f *buildFuture) wait(ctx context.Context) (*module.Module, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.mod, f.err
	}
}

// ancestryKey carries the dependency chain of the current load through the
// context, for cycle detection. The chain is per load chain: cycles spanning
// independent concurrent loads are not detected and rely on the caller's
// context deadline.
type ancestryKey struct{}

func chainFrom(ctx context.Context) []string {
	chain, _ := ctx.Value(ancestryKey{}).([]string)
	return chain
}

func chainWith(ctx context.Context, name string) context.Context {
	chain := chainFrom(ctx)
	next := make([]string, len(chain)+1)
	copy(next, chain)
	next[len(chain)] = name
	return context.WithValue(ctx, ancestryKey{}, next)
}

func chainContains(ctx context.Context, name string) bool {
	for _, ancestor := range chainFrom(ctx) {
		if ancestor == name {
			return true
		}
	}
	return false
}

func cycleError(ctx context.Context, name string) error {
	path := append(chainFrom(ctx), name)
	return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(path, " -> "))
}

// Loader orchestrates module loading end to end. All methods are safe for
// concurrent use; fetches and builds for the same name are deduplicated so
// the work runs once and every caller receives the same result.
type Loader struct {
	opts     Options
	store    *store.Store
	registry *plugin.Registry
	cache    ModuleCache
	ignore   IgnoreMatcher
	hooks    Hooks
	logger   *slog.Logger

	mu     sync.Mutex
	builds map[string]*buildFuture
}

// NewLoader validates the options and creates a loader. Compiler and Linker
// are required; every other option defaults to a working no-op or in-process
// implementation.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Compiler == nil {
		return nil, fmt.Errorf("%w: a compile collaborator is required", ErrConfigValidation)
	}
	if opts.Linker == nil {
		return nil, fmt.Errorf("%w: a link collaborator is required", ErrConfigValidation)
	}
	handler := opts.Logger
	if handler == nil {
		handler = slog.NewTextHandler(io.Discard, nil)
	}
	registry := opts.Registry
	if registry == nil {
		registry = plugin.NewRegistry(opts.Logger)
	}
	ignore := opts.IgnoreMatcher
	if ignore == nil {
		ignore = &NoOpIgnoreMatcher{}
	}
	cache := opts.ModuleCache
	if cache == nil {
		cache = NewMemoryModuleCache()
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = &NoOpHooks{}
	}
	if opts.DefaultType == "" {
		opts.DefaultType = module.TypeUnknown
	}
	return &Loader{
		opts:     opts,
		store:    store.New(),
		registry: registry,
		cache:    cache,
		ignore:   ignore,
		hooks:    hooks,
		logger:   slog.New(handler).With(slog.String("component", "loader")),
		builds:   make(map[string]*buildFuture),
	}, nil
}

// Registry returns the plugin registry, for registering plugins and named
// handlers after construction.
func (l *Loader) Registry() *plugin.Registry { return l.registry }

// Cache returns the module cache holding finished modules.
func (l *Loader) Cache() ModuleCache { return l.cache }

// State reports which lifecycle state currently holds name, if any.
func (l *Loader) State(name string) (store.State, bool) { return l.store.GetState(name) }

// Meta returns the stored meta for name when it sits in pending or loaded
// state. Names that are unknown or still fetching return false.
func (l *Loader) Meta(name string) (*module.Meta, bool) {
	for _, st := range []store.State{store.StatePending, store.StateLoaded} {
		if item, ok := l.store.GetItem(st, name); ok {
			meta, ok := item.(*module.Meta)
			return meta, ok
		}
	}
	return nil, false
}

// Load returns the finished module for name, running as much of the
// pipeline as the name's current state requires: a cached module is
// returned immediately, an unknown name is fetched first, and a loaded,
// pending, or in-flight meta is driven the rest of the way to a compiled
// and linked module.
func (l *Loader) Load(ctx context.Context, name string) (*module.Module, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: module name is required", ErrConfigValidation)
	}
	if mod, ok := l.cache.Get(name); ok {
		return mod, nil
	}
	if err := l.ensureLoaded(ctx, name, nil); err != nil {
		return nil, err
	}
	return l.AsyncBuildModule(ctx, name)
}

// Preload loads every named module, in order, stopping at the first failure.
// It is the import-style entry point for warming the cache up front.
func (l *Loader) Preload(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, err := l.Load(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Fetch retrieves and pipelines the meta for name, leaving it in loaded
// state. Concurrent fetches for the same name share one in-flight future:
// the pipeline runs once and every caller receives the same meta. A name
// already pending or loaded is returned as is.
func (l *Loader) Fetch(ctx context.Context, name string) (*module.Meta, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: module name is required", ErrConfigValidation)
	}
	return l.fetch(ctx, name, nil, nil)
}

// FetchMeta pipelines a caller-seeded meta (path, dependencies, plugins, and
// attributes pre-populated) the way Fetch pipelines a bare name. Used by
// manifest loading. Seeds for names already known to the loader are ignored
// in favor of the stored meta.
func (l *Loader) FetchMeta(ctx context.Context, seed *module.Meta) (*module.Meta, error) {
	if seed == nil || seed.Name == "" {
		return nil, fmt.Errorf("%w: a named meta is required", ErrConfigValidation)
	}
	return l.fetch(ctx, seed.Name, seed, nil)
}

func (l *Loader) fetch(ctx context.Context, name string, seed, parent *module.Meta) (*module.Meta, error) {
	l.mu.Lock()
	if state, ok := l.store.GetState(name); ok {
		item, _ := l.store.GetItem(state, name)
		l.mu.Unlock()
		if state == store.StateLoading {
			return item.(*future).wait(ctx)
		}
		return item.(*module.Meta), nil
	}
	fut := &future{done: make(chan struct{})}
	l.store.SetItem(store.StateLoading, name, fut)
	l.mu.Unlock()
	l.stateChange(name, "", store.StateLoading)

	meta, err := l.doFetch(ctx, name, seed, parent)

	l.mu.Lock()
	l.store.RemoveItem(name)
	if err == nil {
		l.store.SetItem(store.StateLoaded, name, meta)
	}
	l.mu.Unlock()
	if err == nil {
		l.stateChange(name, store.StateLoading, store.StateLoaded)
	} else {
		l.stateChange(name, store.StateLoading, "")
		l.emit(newEvent(EventFetchError, name, err.Error()))
		l.logger.Error("Module fetch failed",
			slog.String("module", name),
			slog.String("error", err.Error()),
		)
	}
	fut.meta, fut.err = meta, err
	close(fut.done)
	return meta, err
}

// doFetch runs the fetch pipeline for a single name: resolve, fetch the
// payload, fan out the fetch hook, then thread the meta through the
// validate, transform, and dependency stages.
func (l *Loader) doFetch(ctx context.Context, name string, seed, parent *module.Meta) (*module.Meta, error) {
	meta := seed
	if meta == nil {
		var err error
		meta, err = module.NewMeta(name)
		if err != nil {
			return nil, err
		}
	}
	meta.Parent = parent
	ctx = chainWith(ctx, name)

	if l.opts.Resolver != nil {
		if err := l.opts.Resolver.Resolve(ctx, meta); err != nil {
			return nil, fmt.Errorf("resolving module %q: %w", name, err)
		}
	}
	if !l.ignore.Match(name, plugin.HookFetch) {
		if l.opts.Fetcher != nil {
			if err := l.opts.Fetcher.Fetch(ctx, meta); err != nil {
				return nil, fmt.Errorf("%w: module %q: %w", ErrFetchFailed, name, err)
			}
		}
		if err := l.registry.RunHook(ctx, plugin.HookFetch, meta); err != nil {
			return nil, err
		}
	}

	stages := pipeline.New(l.validateStage, l.transformStage, l.dependencyStage)
	out, err := stages.Run(ctx, meta)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// validateStage rejects metas that left the fetch stage without a payload.
func (l *Loader) validateStage(ctx context.Context, meta *module.Meta) (*module.Meta, error) {
	if meta.CompileReady() {
		return meta, nil
	}
	if l.opts.Fetcher == nil {
		return meta, fmt.Errorf("%w: module %q was never registered and no handler supplied a payload", ErrNoFetcher, meta.Name)
	}
	return meta, fmt.Errorf("%w: module %q has no payload after fetch", ErrInvalidMeta, meta.Name)
}

// transformStage fans the transform hook out over the meta. Metas that
// already carry a compiled artifact skip transformation.
func (l *Loader) transformStage(ctx context.Context, meta *module.Meta) (*module.Meta, error) {
	if meta.Compiled() || l.ignore.Match(meta.Name, plugin.HookTransform) {
		return meta, nil
	}
	if err := l.registry.RunHook(ctx, plugin.HookTransform, meta); err != nil {
		l.emit(newEvent(EventPipelineError, meta.Name, err.Error()))
		return meta, err
	}
	return meta, nil
}

// dependencyStage fans the dependency hook out, then brings every declared
// dependency to loaded state. A dependency naming one of its own ancestors
// fails the stage with ErrCyclicDependency.
func (l *Loader) dependencyStage(ctx context.Context, meta *module.Meta) (*module.Meta, error) {
	if !l.ignore.Match(meta.Name, plugin.HookDependency) {
		if err := l.registry.RunHook(ctx, plugin.HookDependency, meta); err != nil {
			l.emit(newEvent(EventPipelineError, meta.Name, err.Error()))
			return meta, err
		}
	}
	for _, dep := range meta.Deps {
		if err := l.ensureLoaded(ctx, dep, meta); err != nil {
			return meta, err
		}
	}
	return meta, nil
}

// ensureLoaded brings name to loaded state (or leaves it already cached),
// fetching it when unknown and resolving pending dependencies when needed.
func (l *Loader) ensureLoaded(ctx context.Context, name string, parent *module.Meta) error {
	if l.cache.Has(name) {
		return nil
	}
	if chainContains(ctx, name) {
		return cycleError(ctx, name)
	}
	state, ok := l.store.GetState(name)
	if !ok {
		_, err := l.fetch(ctx, name, nil, parent)
		return err
	}
	switch state {
	case store.StateLoaded:
		return nil
	case store.StatePending:
		_, err := l.LoadPending(ctx, name)
		return err
	default: // loading
		item, ok := l.store.GetItem(store.StateLoading, name)
		if !ok {
			// Fetch finished between the state lookup and here.
			return nil
		}
		_, err := item.(*future).wait(ctx)
		return err
	}
}

// Register records a module supplied directly by the host, bypassing fetch
// and transform entirely. Modules with dependencies land in pending state;
// dependency-free modules are immediately loaded. Registering a name the
// loader already knows fails with ErrAlreadyRegistered.
func (l *Loader) Register(name string, deps []string, factory module.Factory) (*module.Meta, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: module name is required", ErrConfigValidation)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: module %q requires a factory", ErrConfigValidation, name)
	}
	meta, err := module.NewMeta(name)
	if err != nil {
		return nil, err
	}
	meta.Deps = make([]string, len(deps))
	copy(meta.Deps, deps)
	meta.SetFactory(factory)

	state := store.StateLoaded
	if len(deps) > 0 {
		state = store.StatePending
	}

	l.mu.Lock()
	if l.cache.Has(name) || l.store.HasItem(name) {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	l.store.SetItem(state, name, meta)
	l.mu.Unlock()
	l.stateChange(name, "", state)
	l.logger.Debug("Registered module",
		slog.String("module", name),
		slog.Int("deps", len(deps)),
		slog.String("state", string(state)),
	)
	return meta, nil
}

// RegisterMeta records a pre-built meta the way Register records a factory.
// The meta must be compile-ready. Used by manifest loading, where payloads
// may be source text rather than factories.
func (l *Loader) RegisterMeta(meta *module.Meta) error {
	if meta == nil || meta.Name == "" {
		return fmt.Errorf("%w: a named meta is required", ErrConfigValidation)
	}
	if !meta.CompileReady() {
		return fmt.Errorf("%w: module %q carries no payload", ErrInvalidMeta, meta.Name)
	}
	state := store.StateLoaded
	if len(meta.Deps) > 0 {
		state = store.StatePending
	}
	l.mu.Lock()
	if l.cache.Has(meta.Name) || l.store.HasItem(meta.Name) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, meta.Name)
	}
	l.store.SetItem(state, meta.Name, meta)
	l.mu.Unlock()
	l.stateChange(meta.Name, "", state)
	return nil
}

// LoadPending resolves a pending meta's dependencies and promotes it to
// loaded state. Names not in pending state fail with ErrNotPending.
func (l *Loader) LoadPending(ctx context.Context, name string) (*module.Meta, error) {
	item, ok := l.store.GetItem(store.StatePending, name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotPending, name)
	}
	meta := item.(*module.Meta)

	depCtx := chainWith(ctx, name)
	for _, dep := range meta.Deps {
		if err := l.ensureLoaded(depCtx, dep, meta); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	if l.store.HasItemWithState(store.StatePending, name) {
		l.store.RemoveItem(name)
		l.store.SetItem(store.StateLoaded, name, meta)
		l.mu.Unlock()
		l.stateChange(name, store.StatePending, store.StateLoaded)
		return meta, nil
	}
	l.mu.Unlock()
	// A concurrent caller promoted (or consumed) the meta first.
	return meta, nil
}

// CompileMeta consumes the loaded meta for name and compiles it into an
// unlinked module. The meta leaves the store before compilation, so a
// failed compile leaves no residue and a later load retries cleanly. A name
// whose finished module already sits in the cache fails with
// ErrAlreadyCompiled; fetch it from the cache instead.
func (l *Loader) CompileMeta(ctx context.Context, name string) (*module.Module, error) {
	l.mu.Lock()
	if l.cache.Has(name) {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadyCompiled, name)
	}
	item, ok := l.store.GetItem(store.StateLoaded, name)
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNotLoaded, name)
	}
	l.store.RemoveItem(name)
	l.mu.Unlock()
	l.stateChange(name, store.StateLoaded, "")

	meta := item.(*module.Meta)
	if !l.ignore.Match(name, plugin.HookCompile) {
		if err := l.registry.RunHook(ctx, plugin.HookCompile, meta); err != nil {
			l.emit(newEvent(EventPipelineError, name, err.Error()))
			return nil, err
		}
	}
	if !meta.CompileReady() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMeta, name)
	}
	if _, ok := meta.Attrs["type"]; !ok {
		meta.SetAttr("type", string(l.opts.DefaultType))
	}
	mod, err := l.opts.Compiler.Compile(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("compiling module %q: %w", name, err)
	}
	if mod == nil {
		return nil, fmt.Errorf("%w: compiler returned nothing for %q", ErrNotModule, name)
	}
	return mod, nil
}

// LinkModule resolves a compiled module's dependencies through the loader
// and finalizes it, publishing the result into the module cache. A nil
// module fails with ErrNotModule. Finding the module's name back in pending
// state means something re-registered it while the build was in flight;
// that is reported as a diagnostic, never an error, and the built module
// wins.
func (l *Loader) LinkModule(ctx context.Context, mod *module.Module) (*module.Module, error) {
	if mod == nil {
		return nil, ErrNotModule
	}
	name := mod.Name()
	start := time.Now()

	if l.store.HasItemWithState(store.StatePending, name) {
		l.emit(newEvent(EventRegistrationRace, name,
			"module was re-registered while a build was in flight; the built module wins"))
		l.logger.Warn("Module re-registered during build",
			slog.String("module", name),
		)
	}

	linked, err := l.opts.Linker.Link(chainWith(ctx, name), l, mod)
	if err != nil {
		return nil, fmt.Errorf("linking module %q: %w", name, err)
	}
	if linked == nil {
		linked = mod
	}
	l.cache.Set(name, linked)
	if err := l.hooks.OnModuleLoaded(name, time.Since(start)); err != nil {
		l.logger.Error("Module-loaded hook failed",
			slog.String("module", name),
			slog.String("error", err.Error()),
		)
	}
	l.logger.Debug("Module linked",
		slog.String("module", name),
		slog.Duration("duration", time.Since(start)),
	)
	return linked, nil
}

// BuildModule synchronously compiles and links the loaded meta for name.
func (l *Loader) BuildModule(ctx context.Context, name string) (*module.Module, error) {
	mod, err := l.CompileMeta(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.LinkModule(ctx, mod)
}

// AsyncBuildModule drives name from whatever state it is in to a finished,
// cached module: loaded metas are built directly, pending metas have their
// dependencies resolved first, and in-flight fetches are awaited. Concurrent
// builds for the same name share one result.
func (l *Loader) AsyncBuildModule(ctx context.Context, name string) (*module.Module, error) {
	for {
		if mod, ok := l.cache.Get(name); ok {
			return mod, nil
		}
		l.mu.Lock()
		if bf, ok := l.builds[name]; ok {
			l.mu.Unlock()
			return bf.wait(ctx)
		}
		state, ok := l.store.GetState(name)
		if !ok {
			l.mu.Unlock()
			// A concurrent build may have finished between the cache
			// check and here.
			if mod, ok := l.cache.Get(name); ok {
				return mod, nil
			}
			return nil, fmt.Errorf("%w: %q", ErrNotLoaded, name)
		}
		if state == store.StateLoading {
			item, ok := l.store.GetItem(store.StateLoading, name)
			l.mu.Unlock()
			if ok {
				if _, err := item.(*future).wait(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}
		bf := &buildFuture{done: make(chan struct{})}
		l.builds[name] = bf
		l.mu.Unlock()

		var mod *module.Module
		var err error
		if state == store.StatePending {
			if _, err = l.LoadPending(ctx, name); err == nil {
				mod, err = l.BuildModule(ctx, name)
			}
		} else {
			mod, err = l.BuildModule(ctx, name)
		}

		l.mu.Lock()
		delete(l.builds, name)
		l.mu.Unlock()
		bf.mod, bf.err = mod, err
		close(bf.done)
		return mod, err
	}
}

// DependencyModule implements Host: it returns the finished module for a
// dependency requested during linking, building it on demand. The ancestry
// carried through the context turns self-referential dependency chains into
// ErrCyclicDependency instead of a deadlock.
func (l *Loader) DependencyModule(ctx context.Context, name string) (*module.Module, error) {
	if mod, ok := l.cache.Get(name); ok {
		return mod, nil
	}
	if chainContains(ctx, name) {
		return nil, cycleError(ctx, name)
	}
	if err := l.ensureLoaded(ctx, name, nil); err != nil {
		return nil, err
	}
	return l.AsyncBuildModule(ctx, name)
}

// Transform runs the transform hook over a caller-owned meta without
// touching the store or the cache. The meta must carry source text; a nil
// dependency list is defaulted to empty. The same meta is returned, mutated
// in place by the handlers.
func (l *Loader) Transform(ctx context.Context, meta *module.Meta) (*module.Meta, error) {
	if meta == nil || meta.Name == "" {
		return nil, fmt.Errorf("%w: a named meta is required", ErrConfigValidation)
	}
	if _, ok := meta.Source(); !ok {
		return nil, fmt.Errorf("%w: transform requires source text, module %q carries %s",
			ErrInvalidMeta, meta.Name, meta.Payload().Kind())
	}
	if meta.Deps == nil {
		meta.Deps = []string{}
	}
	if !l.ignore.Match(meta.Name, plugin.HookTransform) {
		if err := l.registry.RunHook(ctx, plugin.HookTransform, meta); err != nil {
			l.emit(newEvent(EventPipelineError, meta.Name, err.Error()))
			return nil, err
		}
	}
	return meta, nil
}

func (l *Loader) stateChange(name string, from, to store.State) {
	if err := l.hooks.OnStateChange(name, from, to); err != nil {
		l.logger.Error("State-change hook failed",
			slog.String("module", name),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Loader) emit(event Event) {
	if err := l.hooks.OnDiagnostic(event); err != nil {
		l.logger.Error("Diagnostic hook failed",
			slog.String("event", string(event.Kind)),
			slog.String("module", event.Module),
			slog.String("error", err.Error()),
		)
	}
}
