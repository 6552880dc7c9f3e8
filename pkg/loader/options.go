package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nucliweb/bit-loader/pkg/loader/module"
	"github.com/nucliweb/bit-loader/pkg/loader/plugin"
)

// Resolver normalizes a meta's name into a resolved path before fetching.
// Implementations set meta.Path (and may rewrite Name); the loader calls it
// once per fetch, before the fetch collaborator runs.
type Resolver interface {
	Resolve(ctx context.Context, meta *module.Meta) error
}

// Fetcher retrieves a module's payload. Implementations populate the meta
// (typically via SetSource) from whatever backing store they front. The
// loader treats fetching as optional: hosts that register every module up
// front never need one.
type Fetcher interface {
	Fetch(ctx context.Context, meta *module.Meta) error
}

// Compiler turns a compile-ready meta into an unlinked Module. The meta's
// payload is guaranteed compile-ready when Compile is called; compile hook
// handlers have already run.
type Compiler interface {
	Compile(ctx context.Context, meta *module.Meta) (*module.Module, error)
}

// Host gives a Linker access back into the loader so dependency modules can
// be built on demand during linking. The Loader implements Host.
type Host interface {
	// DependencyModule returns the finished module for name, compiling and
	// linking it first if needed. The named module must already be loaded
	// or pending.
	DependencyModule(ctx context.Context, name string) (*module.Module, error)
}

// Linker resolves a compiled module's dependencies and executes its factory,
// producing the finished module. Implementations obtain dependency modules
// through the Host.
type Linker interface {
	Link(ctx context.Context, host Host, mod *module.Module) (*module.Module, error)
}

// IgnoreMatcher decides whether a processing stage is skipped for a module.
// Stage is one of the plugin hook kinds.
type IgnoreMatcher interface {
	Match(name string, stage plugin.Hook) bool
}

// NoOpIgnoreMatcher ignores nothing.
type NoOpIgnoreMatcher struct{}

// Match implements IgnoreMatcher. It always returns false.
func (m *NoOpIgnoreMatcher) Match(name string, stage plugin.Hook) bool { return false }

// RuleIgnoreMatcher skips stages for modules whose name matches a glob
// pattern. Patterns use doublestar syntax. A rule with no stages applies to
// every stage.
type RuleIgnoreMatcher struct {
	rules []ignoreRule
}

type ignoreRule struct {
	pattern string
	stages  map[plugin.Hook]struct{}
}

// NewRuleIgnoreMatcher validates the patterns and builds a matcher. The
// stages map associates each pattern with the hook kinds it silences; a nil
// or empty slice means all stages.
func NewRuleIgnoreMatcher(rules map[string][]plugin.Hook) (*RuleIgnoreMatcher, error) {
	m := &RuleIgnoreMatcher{}
	for pattern, stages := range rules {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%w: invalid ignore pattern %q", ErrConfigValidation, pattern)
		}
		rule := ignoreRule{pattern: pattern}
		if len(stages) > 0 {
			rule.stages = make(map[plugin.Hook]struct{}, len(stages))
			for _, s := range stages {
				if !plugin.ValidHook(s) {
					return nil, fmt.Errorf("%w: unknown ignore stage %q for pattern %q", ErrConfigValidation, s, pattern)
				}
				rule.stages[s] = struct{}{}
			}
		}
		m.rules = append(m.rules, rule)
	}
	return m, nil
}

// Match implements IgnoreMatcher.
func (m *RuleIgnoreMatcher) Match(name string, stage plugin.Hook) bool {
	for _, rule := range m.rules {
		if rule.stages != nil {
			if _, ok := rule.stages[stage]; !ok {
				continue
			}
		}
		if ok, err := doublestar.Match(rule.pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// ModuleCache stores finished modules by name. The loader consults it before
// any load work and publishes every successfully built module into it.
// Implementations MUST be safe for concurrent use.
type ModuleCache interface {
	Has(name string) bool
	Get(name string) (*module.Module, bool)
	Set(name string, mod *module.Module)
}

// MemoryModuleCache is the default in-process ModuleCache.
type MemoryModuleCache struct {
	mu      sync.RWMutex
	modules map[string]*module.Module
}

// NewMemoryModuleCache creates an empty cache.
func NewMemoryModuleCache() *MemoryModuleCache {
	return &MemoryModuleCache{modules: make(map[string]*module.Module)}
}

// Has implements ModuleCache.
func (c *MemoryModuleCache) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.modules[name]
	return ok
}

// Get implements ModuleCache.
func (c *MemoryModuleCache) Get(name string) (*module.Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mod, ok := c.modules[name]
	return mod, ok
}

// Set implements ModuleCache.
func (c *MemoryModuleCache) Set(name string, mod *module.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[name] = mod
}

// Len returns the number of cached modules.
func (c *MemoryModuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.modules)
}

// Options configures a Loader. Compiler and Linker are required; everything
// else has a working default. Hosts typically populate Options from
// configuration (see the config package) and inject collaborators in code.
type Options struct {
	// Resolver normalizes names into paths before fetching. Optional.
	Resolver Resolver `mapstructure:"-"`
	// Fetcher retrieves payloads for modules that were not registered up
	// front. Optional; loading an unregistered module without one fails
	// with ErrNoFetcher.
	Fetcher Fetcher `mapstructure:"-"`
	// Compiler turns loaded metas into unlinked modules. Required.
	Compiler Compiler `mapstructure:"-"`
	// Linker resolves dependencies and finalizes modules. Required.
	Linker Linker `mapstructure:"-"`
	// Registry routes hook handlers to metas. Optional; defaults to an
	// empty registry.
	Registry *plugin.Registry `mapstructure:"-"`
	// IgnoreMatcher silences stages per module. Optional.
	IgnoreMatcher IgnoreMatcher `mapstructure:"-"`
	// ModuleCache stores finished modules. Optional; defaults to an
	// in-process map cache.
	ModuleCache ModuleCache `mapstructure:"-"`
	// Hooks observes loader activity. Optional.
	Hooks Hooks `mapstructure:"-"`
	// Logger receives structured logs. Nil discards them.
	Logger slog.Handler `mapstructure:"-"`
	// DefaultType is assumed for modules whose meta does not name one.
	DefaultType module.Type `mapstructure:"defaultType"`
}
