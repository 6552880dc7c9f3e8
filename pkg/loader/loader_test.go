package loader_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nucliweb/bit-loader/internal/testutil"
	"github.com/nucliweb/bit-loader/pkg/loader"
	"github.com/nucliweb/bit-loader/pkg/loader/module"
	"github.com/nucliweb/bit-loader/pkg/loader/plugin"
	"github.com/nucliweb/bit-loader/pkg/loader/store"
)

func newLoader(t *testing.T, mutate func(*loader.Options)) *loader.Loader {
	t.Helper()
	opts := loader.Options{
		Compiler: &testutil.EchoCompiler{},
		Linker:   &testutil.HostLinker{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	l, err := loader.NewLoader(opts)
	require.NoError(t, err)
	return l
}

// hookRecorder is a concurrency-safe Hooks implementation capturing calls.
type hookRecorder struct {
	mu          sync.Mutex
	transitions []string
	loaded      []string
	events      []loader.Event
}

func (h *hookRecorder) OnStateChange(name string, from, to store.State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = append(h.transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	return nil
}

func (h *hookRecorder) OnModuleLoaded(name string, duration time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = append(h.loaded, name)
	return nil
}

func (h *hookRecorder) OnDiagnostic(event loader.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func TestNewLoaderValidation(t *testing.T) {
	_, err := loader.NewLoader(loader.Options{Linker: &testutil.HostLinker{}})
	assert.ErrorIs(t, err, loader.ErrConfigValidation)

	_, err = loader.NewLoader(loader.Options{Compiler: &testutil.EchoCompiler{}})
	assert.ErrorIs(t, err, loader.ErrConfigValidation)

	_, err = loader.NewLoader(loader.Options{
		Compiler: &testutil.EchoCompiler{},
		Linker:   &testutil.HostLinker{},
	})
	assert.NoError(t, err)
}

func TestLoadEndToEnd(t *testing.T) {
	fetcher := testutil.NewMapFetcher(map[string]string{
		"app": "APP SOURCE",
		"lib": "LIB SOURCE",
	})
	fetcher.Deps = map[string][]string{"app": {"lib"}}
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	mod, err := l.Load(context.Background(), "app")
	require.NoError(t, err)
	require.NotNil(t, mod)

	code, ok := mod.Code()
	require.True(t, ok)
	assert.Equal(t, "APP SOURCE", code)

	// The dependency was built on demand during linking and cached.
	assert.True(t, l.Cache().Has("lib"))
	libMod, err := l.Load(context.Background(), "lib")
	require.NoError(t, err)
	libCode, _ := libMod.Code()
	assert.Equal(t, "LIB SOURCE", libCode)

	// Consumed metas leave the store entirely.
	_, ok = l.State("app")
	assert.False(t, ok)
}

func TestLoadIsIdempotent(t *testing.T) {
	fetcher := testutil.NewMapFetcher(map[string]string{"app": "X"})
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	first, err := l.Load(context.Background(), "app")
	require.NoError(t, err)
	second, err := l.Load(context.Background(), "app")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fetcher.Calls("app"))
}

func TestConcurrentLoadRunsPipelineOnce(t *testing.T) {
	fetcher := testutil.NewMapFetcher(map[string]string{"app": "X", "dep": "Y"})
	fetcher.Deps = map[string][]string{"app": {"dep"}}
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	const workers = 24
	results := make([]*module.Module, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Load(context.Background(), "app")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, fetcher.Calls("app"))
	assert.Equal(t, 1, fetcher.Calls("dep"))
}

func TestConcurrentFetchSharesInFlightResult(t *testing.T) {
	fetcher := testutil.NewMapFetcher(map[string]string{"app": "X"})
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	const workers = 16
	metas := make([]*module.Meta, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			metas[i], _ = l.Fetch(context.Background(), "app")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NotNil(t, metas[i])
		assert.Same(t, metas[0], metas[i])
	}
	assert.Equal(t, 1, fetcher.Calls("app"))

	state, ok := l.State("app")
	require.True(t, ok)
	assert.Equal(t, store.StateLoaded, state)
}

func TestFetchFailureLeavesNoResidue(t *testing.T) {
	fetcher := testutil.NewMapFetcher(map[string]string{})
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	_, err := l.Load(context.Background(), "app")
	require.Error(t, err)
	assert.ErrorIs(t, err, loader.ErrFetchFailed)

	// Nothing cached, nothing stored: a retry starts from scratch.
	_, ok := l.State("app")
	assert.False(t, ok)
	assert.False(t, l.Cache().Has("app"))

	fetcher.Sources["app"] = "NOW AVAILABLE"
	mod, err := l.Load(context.Background(), "app")
	require.NoError(t, err)
	code, _ := mod.Code()
	assert.Equal(t, "NOW AVAILABLE", code)
	assert.Equal(t, 2, fetcher.Calls("app"))
}

func TestFetcherErrorWrapsCause(t *testing.T) {
	boom := errors.New("registry unreachable")
	fetcher := &testutil.MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(boom)
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	_, err := l.Fetch(context.Background(), "app")
	require.Error(t, err)
	assert.ErrorIs(t, err, loader.ErrFetchFailed)
	assert.ErrorIs(t, err, boom)
	fetcher.AssertExpectations(t)
}

func TestLoadWithoutFetcher(t *testing.T) {
	l := newLoader(t, nil)
	_, err := l.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, loader.ErrNoFetcher)
}

func TestResolverSetsPath(t *testing.T) {
	resolver := &testutil.MockResolver{}
	resolver.On("Resolve", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		meta := args.Get(1).(*module.Meta)
		meta.Path = "src/" + meta.Name + ".js"
	}).Return(nil)
	fetcher := testutil.NewMapFetcher(map[string]string{"app": "X"})
	l := newLoader(t, func(o *loader.Options) {
		o.Resolver = resolver
		o.Fetcher = fetcher
	})

	meta, err := l.Fetch(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "src/app.js", meta.Path)
	resolver.AssertExpectations(t)
}

func TestRegisterStates(t *testing.T) {
	l := newLoader(t, nil)
	factory := func(deps ...any) (any, error) { return "v", nil }

	_, err := l.Register("standalone", nil, factory)
	require.NoError(t, err)
	state, ok := l.State("standalone")
	require.True(t, ok)
	assert.Equal(t, store.StateLoaded, state)

	_, err = l.Register("composite", []string{"standalone"}, factory)
	require.NoError(t, err)
	state, ok = l.State("composite")
	require.True(t, ok)
	assert.Equal(t, store.StatePending, state)

	_, err = l.Register("standalone", nil, factory)
	assert.ErrorIs(t, err, loader.ErrAlreadyRegistered)

	_, err = l.Register("", nil, factory)
	assert.ErrorIs(t, err, loader.ErrConfigValidation)
	_, err = l.Register("nofactory", nil, nil)
	assert.ErrorIs(t, err, loader.ErrConfigValidation)
}

func TestRegisteredGraphBuild(t *testing.T) {
	l := newLoader(t, nil)

	_, err := l.Register("a", nil, func(deps ...any) (any, error) { return "A", nil })
	require.NoError(t, err)
	_, err = l.Register("b", nil, func(deps ...any) (any, error) { return "B", nil })
	require.NoError(t, err)
	_, err = l.Register("app", []string{"a", "b"}, func(deps ...any) (any, error) {
		parts := make([]string, len(deps))
		for i, d := range deps {
			parts[i] = d.(string)
		}
		return strings.Join(parts, "+"), nil
	})
	require.NoError(t, err)

	mod, err := l.Load(context.Background(), "app")
	require.NoError(t, err)
	code, ok := mod.Code()
	require.True(t, ok)
	assert.Equal(t, "A+B", code)
}

func TestLoadPendingStates(t *testing.T) {
	l := newLoader(t, nil)
	factory := func(deps ...any) (any, error) { return nil, nil }

	_, err := l.LoadPending(context.Background(), "unknown")
	assert.ErrorIs(t, err, loader.ErrNotPending)

	_, err = l.Register("leaf", nil, factory)
	require.NoError(t, err)
	_, err = l.LoadPending(context.Background(), "leaf")
	assert.ErrorIs(t, err, loader.ErrNotPending)

	_, err = l.Register("branch", []string{"leaf"}, factory)
	require.NoError(t, err)
	meta, err := l.LoadPending(context.Background(), "branch")
	require.NoError(t, err)
	assert.Equal(t, "branch", meta.Name)

	state, ok := l.State("branch")
	require.True(t, ok)
	assert.Equal(t, store.StateLoaded, state)
}

func TestCompileMetaStateErrors(t *testing.T) {
	l := newLoader(t, nil)

	_, err := l.CompileMeta(context.Background(), "never-loaded")
	assert.ErrorIs(t, err, loader.ErrNotLoaded)

	_, err = l.Register("app", nil, func(deps ...any) (any, error) { return "v", nil })
	require.NoError(t, err)
	_, err = l.Load(context.Background(), "app")
	require.NoError(t, err)

	// Already built and cached: compile again is an error directing the
	// caller at the cache.
	_, err = l.CompileMeta(context.Background(), "app")
	assert.ErrorIs(t, err, loader.ErrAlreadyCompiled)
}

func TestCompileMetaConsumesTheMeta(t *testing.T) {
	l := newLoader(t, nil)
	_, err := l.Register("app", nil, func(deps ...any) (any, error) { return "v", nil })
	require.NoError(t, err)

	mod, err := l.CompileMeta(context.Background(), "app")
	require.NoError(t, err)
	require.NotNil(t, mod)

	_, ok := l.State("app")
	assert.False(t, ok)

	_, err = l.CompileMeta(context.Background(), "app")
	assert.ErrorIs(t, err, loader.ErrNotLoaded)
}

func TestCompileFailureAllowsRetry(t *testing.T) {
	boom := errors.New("syntax error")
	compiler := &testutil.MockCompiler{}
	compiler.On("Compile", mock.Anything, mock.Anything).Return(nil, boom)
	fetcher := testutil.NewMapFetcher(map[string]string{"app": "X"})
	l := newLoader(t, func(o *loader.Options) {
		o.Compiler = compiler
		o.Fetcher = fetcher
	})

	_, err := l.Load(context.Background(), "app")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// Nothing was cached and the meta is gone; a retry re-fetches.
	assert.False(t, l.Cache().Has("app"))
	_, ok := l.State("app")
	assert.False(t, ok)
}

func TestLinkModuleNil(t *testing.T) {
	l := newLoader(t, nil)
	_, err := l.LinkModule(context.Background(), nil)
	assert.ErrorIs(t, err, loader.ErrNotModule)
}

func TestLinkerFailureIsNotCached(t *testing.T) {
	boom := errors.New("factory blew up")
	linker := &testutil.MockLinker{}
	linker.On("Link", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom)
	l := newLoader(t, func(o *loader.Options) { o.Linker = linker })

	_, err := l.Register("app", nil, func(deps ...any) (any, error) { return "v", nil })
	require.NoError(t, err)

	_, err = l.Load(context.Background(), "app")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, l.Cache().Has("app"))
}

func TestRegistrationRaceDiagnostic(t *testing.T) {
	hooks := &testutil.MockHooks{}
	hooks.On("OnStateChange", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	hooks.On("OnModuleLoaded", mock.Anything, mock.Anything).Return(nil)
	var event loader.Event
	hooks.On("OnDiagnostic", mock.Anything).Run(func(args mock.Arguments) {
		event = args.Get(0).(loader.Event)
	}).Return(nil)

	l := newLoader(t, func(o *loader.Options) { o.Hooks = hooks })
	factory := func(deps ...any) (any, error) { return "v", nil }

	_, err := l.Register("app", nil, factory)
	require.NoError(t, err)
	mod, err := l.CompileMeta(context.Background(), "app")
	require.NoError(t, err)

	// Someone re-registers the name between compile and link.
	_, err = l.Register("app", []string{"extra"}, factory)
	require.NoError(t, err)

	linked, err := l.LinkModule(context.Background(), mod)
	require.NoError(t, err)
	assert.True(t, l.Cache().Has("app"))
	assert.Same(t, linked, mustGet(t, l.Cache(), "app"))

	hooks.AssertCalled(t, "OnDiagnostic", mock.Anything)
	assert.Equal(t, loader.EventRegistrationRace, event.Kind)
	assert.Equal(t, "app", event.Module)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Time.IsZero())
}

func mustGet(t *testing.T, cache loader.ModuleCache, name string) *module.Module {
	t.Helper()
	mod, ok := cache.Get(name)
	require.True(t, ok)
	return mod
}

func TestFetchCycleDetection(t *testing.T) {
	fetcher := testutil.NewMapFetcher(map[string]string{"a": "A", "b": "B"})
	fetcher.Deps = map[string][]string{"a": {"b"}, "b": {"a"}}
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	_, err := l.Load(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, loader.ErrCyclicDependency)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestRegisteredCycleDetection(t *testing.T) {
	l := newLoader(t, nil)
	factory := func(deps ...any) (any, error) { return nil, nil }
	_, err := l.Register("a", []string{"b"}, factory)
	require.NoError(t, err)
	_, err = l.Register("b", []string{"a"}, factory)
	require.NoError(t, err)

	_, err = l.Load(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, loader.ErrCyclicDependency)
}

func TestTransformRunsHandlersInPlace(t *testing.T) {
	l := newLoader(t, nil)
	_, err := l.Registry().Register(plugin.Spec{
		Name: "upper",
		Hooks: map[plugin.Hook][]plugin.HandlerEntry{
			plugin.HookTransform: {plugin.Func(func(ctx context.Context, meta *module.Meta, options map[string]any) error {
				src, _ := meta.Source()
				meta.SetSource(strings.ToUpper(src))
				return nil
			})},
		},
	})
	require.NoError(t, err)

	meta, err := module.NewMeta("snippet")
	require.NoError(t, err)
	meta.Deps = nil
	meta.SetSource("hello")

	out, err := l.Transform(context.Background(), meta)
	require.NoError(t, err)
	assert.Same(t, meta, out)
	src, _ := out.Source()
	assert.Equal(t, "HELLO", src)
	assert.NotNil(t, out.Deps)
	assert.Empty(t, out.Deps)
}

func TestTransformRequiresSource(t *testing.T) {
	l := newLoader(t, nil)

	_, err := l.Transform(context.Background(), nil)
	assert.ErrorIs(t, err, loader.ErrConfigValidation)

	meta, err := module.NewMeta("compiled")
	require.NoError(t, err)
	meta.SetFactory(func(deps ...any) (any, error) { return nil, nil })
	_, err = l.Transform(context.Background(), meta)
	assert.ErrorIs(t, err, loader.ErrInvalidMeta)
}

func TestExclusivePluginRoutingThroughFetch(t *testing.T) {
	var ran []string
	record := func(tag string) plugin.Handler {
		return func(ctx context.Context, meta *module.Meta, options map[string]any) error {
			ran = append(ran, tag)
			return nil
		}
	}
	fetcher := testutil.NewMapFetcher(map[string]string{"theme": "body{}"})
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	_, err := l.Registry().Register(plugin.Spec{
		Name:  "css",
		Match: map[string][]string{"path": {"**/*.css"}},
		Hooks: map[plugin.Hook][]plugin.HandlerEntry{plugin.HookTransform: {plugin.Func(record("css"))}},
	})
	require.NoError(t, err)
	_, err = l.Registry().Register(plugin.Spec{
		Name:  "less",
		Hooks: map[plugin.Hook][]plugin.HandlerEntry{plugin.HookTransform: {plugin.Func(record("less"))}},
	})
	require.NoError(t, err)

	seed, err := module.NewMeta("theme")
	require.NoError(t, err)
	seed.Path = "styles/theme.css"
	seed.Plugins = []string{"less"}

	_, err = l.FetchMeta(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, []string{"less"}, ran)
}

func TestIgnoreMatcherSkipsStage(t *testing.T) {
	transformed := 0
	fetcher := testutil.NewMapFetcher(map[string]string{
		"vendor/lib": "V",
		"app":        "A",
	})
	matcher, err := loader.NewRuleIgnoreMatcher(map[string][]plugin.Hook{
		"vendor/**": {plugin.HookTransform},
	})
	require.NoError(t, err)

	l := newLoader(t, func(o *loader.Options) {
		o.Fetcher = fetcher
		o.IgnoreMatcher = matcher
	})
	_, err = l.Registry().Register(plugin.Spec{
		Hooks: map[plugin.Hook][]plugin.HandlerEntry{
			plugin.HookTransform: {plugin.Func(func(ctx context.Context, meta *module.Meta, options map[string]any) error {
				transformed++
				return nil
			})},
		},
	})
	require.NoError(t, err)

	_, err = l.Fetch(context.Background(), "vendor/lib")
	require.NoError(t, err)
	assert.Zero(t, transformed)

	_, err = l.Fetch(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, 1, transformed)
}

func TestNewRuleIgnoreMatcherValidation(t *testing.T) {
	_, err := loader.NewRuleIgnoreMatcher(map[string][]plugin.Hook{"[bad": nil})
	assert.ErrorIs(t, err, loader.ErrConfigValidation)

	_, err = loader.NewRuleIgnoreMatcher(map[string][]plugin.Hook{"ok/**": {"resolve"}})
	assert.ErrorIs(t, err, loader.ErrConfigValidation)
}

func TestCompileHookRunsBeforeCompiler(t *testing.T) {
	l := newLoader(t, nil)
	_, err := l.Registry().Register(plugin.Spec{
		Name: "stamper",
		Hooks: map[plugin.Hook][]plugin.HandlerEntry{
			plugin.HookCompile: {plugin.Func(func(ctx context.Context, meta *module.Meta, options map[string]any) error {
				meta.SetAttr("stamped", true)
				return nil
			})},
		},
	})
	require.NoError(t, err)

	_, err = l.Register("app", nil, func(deps ...any) (any, error) { return "v", nil })
	require.NoError(t, err)

	mod, err := l.CompileMeta(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, true, mod.Settings()["stamped"])
}

func TestHooksObserveLifecycle(t *testing.T) {
	recorder := &hookRecorder{}
	fetcher := testutil.NewMapFetcher(map[string]string{"app": "X"})
	l := newLoader(t, func(o *loader.Options) {
		o.Fetcher = fetcher
		o.Hooks = recorder
	})

	_, err := l.Load(context.Background(), "app")
	require.NoError(t, err)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, []string{
		"app:->loading",
		"app:loading->loaded",
		"app:loaded->",
	}, recorder.transitions)
	assert.Equal(t, []string{"app"}, recorder.loaded)
	assert.Empty(t, recorder.events)
}

func TestPreloadStopsAtFirstFailure(t *testing.T) {
	fetcher := testutil.NewMapFetcher(map[string]string{"a": "A", "c": "C"})
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	err := l.Preload(context.Background(), "a", "b", "c")
	require.Error(t, err)
	assert.True(t, l.Cache().Has("a"))
	assert.False(t, l.Cache().Has("c"))
}

func TestAsyncBuildModuleUnknownName(t *testing.T) {
	l := newLoader(t, nil)
	_, err := l.AsyncBuildModule(context.Background(), "nowhere")
	assert.ErrorIs(t, err, loader.ErrNotLoaded)
}

func TestLoadHonorsCancelledContext(t *testing.T) {
	fetcher := testutil.NewMapFetcher(map[string]string{"app": "X"})
	l := newLoader(t, func(o *loader.Options) { o.Fetcher = fetcher })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Load(ctx, "app")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoggerReceivesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	l := newLoader(t, func(o *loader.Options) { o.Logger = handler })

	_, err := l.Register("app", nil, func(deps ...any) (any, error) { return "v", nil })
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "component=loader")
	assert.Contains(t, out, "Registered module")
	assert.Contains(t, out, "module=app")
}

func TestMemoryModuleCache(t *testing.T) {
	cache := loader.NewMemoryModuleCache()
	assert.False(t, cache.Has("app"))
	assert.Zero(t, cache.Len())

	mod, err := module.New(module.Config{Name: "app"})
	require.NoError(t, err)
	cache.Set("app", mod)

	assert.True(t, cache.Has("app"))
	got, ok := cache.Get("app")
	require.True(t, ok)
	assert.Same(t, mod, got)
	assert.Equal(t, 1, cache.Len())
}
