// Package plugin implements the registry and matcher that route hook
// handlers to module metas. A plugin bundles matching rules (glob patterns
// per dimension) with ordered handler lists per hook kind; the registry
// decides which plugins apply to a given meta and fans a stage out to every
// match.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nucliweb/bit-loader/pkg/loader/module"
)

// Hook identifies a processing stage handlers can attach to.
type Hook string

const (
	HookFetch      Hook = "fetch"
	HookTransform  Hook = "transform"
	HookDependency Hook = "dependency"
	HookCompile    Hook = "compile"
)

// Hooks lists every known hook kind.
var Hooks = []Hook{HookFetch, HookTransform, HookDependency, HookCompile}

// ValidHook reports whether kind is a known hook.
func ValidHook(kind Hook) bool {
	switch kind {
	case HookFetch, HookTransform, HookDependency, HookCompile:
		return true
	}
	return false
}

// Handler processes a module meta for one hook stage. Handlers mutate the
// meta in place; options is whatever was supplied at registration and may
// be nil.
type Handler func(ctx context.Context, meta *module.Meta, options map[string]any) error

// HandlerEntry is one item in a handler batch registration. Exactly one of
// Handler or Name must be set: Handler binds the function directly, Name
// refers to a handler previously registered on the registry's named-handler
// table. Options is passed verbatim to the handler on every invocation.
type HandlerEntry struct {
	Handler Handler
	Name    string
	Options map[string]any
}

// Func wraps a bare handler function as an entry with no options.
func Func(fn Handler) HandlerEntry { return HandlerEntry{Handler: fn} }

// Named refers to a registry-registered handler by name.
func Named(name string, options map[string]any) HandlerEntry {
	return HandlerEntry{Name: name, Options: options}
}

var (
	// ErrInvalidHandler is returned synchronously when a handler batch
	// contains an entry that is neither a function nor a resolvable name.
	// The whole batch is rejected; no entry from it is registered.
	ErrInvalidHandler = errors.New("invalid handler registration")

	// ErrUnknownHandler is returned when a named handler entry does not
	// resolve against the registry's named-handler table.
	ErrUnknownHandler = errors.New("unknown named handler")

	// ErrInvalidPattern is returned when a matching rule contains a
	// malformed glob pattern.
	ErrInvalidPattern = errors.New("invalid matching pattern")

	// ErrInvalidHook is returned when a handler batch targets an unknown
	// hook kind.
	ErrInvalidHook = errors.New("unknown hook kind")

	// ErrHandlerExecution wraps a handler failure during a hook run.
	ErrHandlerExecution = errors.New("plugin handler failed")
)

// boundHandler is a validated, resolved handler ready to run.
type boundHandler struct {
	fn       Handler
	identity uintptr
	options  map[string]any
}

// handlerIdentity keys the idempotent-add check. It reads the func value's
// data word, which is unique per closure; reflect.Value.Pointer would return
// the shared code pointer and collide for distinct closures of one literal.
func handlerIdentity(fn Handler) uintptr {
	return uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&fn)))
}

// Plugin is a named (or anonymous) bundle of hook handlers plus matching
// rules. Plugins are created and owned by a Registry; a plugin with no
// rules is unconditional and applies to every meta (subject to the
// exclusive-list routing described on Registry.RunHook).
//
// AddMatchingRules and AddHandlers are not synchronized against concurrent
// hook runs; once loading has started, mutate a plugin through
// Registry.Register merges instead.
type Plugin struct {
	name     string
	rules    map[string][]string
	handlers map[Hook][]boundHandler
	resolve  func(string) (Handler, bool)
}

// Name returns the plugin's name, empty for anonymous plugins.
func (p *Plugin) Name() string { return p.name }

// AddMatchingRules stores the pattern set under the given dimension
// (e.g. "path"). Registering the same dimension twice replaces the previous
// set. Patterns use doublestar glob syntax, so "**/*.css" matches nested
// paths. Malformed patterns fail the whole call with ErrInvalidPattern.
func (p *Plugin) AddMatchingRules(dimension string, patterns []string) error {
	if dimension == "" {
		return fmt.Errorf("%w: empty rule dimension", ErrInvalidPattern)
	}
	owned := make([]string, len(patterns))
	for i, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("%w: %q under dimension %q", ErrInvalidPattern, pat, dimension)
		}
		owned[i] = pat
	}
	if p.rules == nil {
		p.rules = make(map[string][]string)
	}
	p.rules[dimension] = owned
	return nil
}

// AddHandlers registers a batch of handlers under a hook kind. The batch is
// atomic: every entry is validated (and named entries resolved) before any
// is appended, so one invalid entry rejects the entire call and leaves the
// plugin untouched. Adding a handler already registered under the same hook
// is a no-op (idempotent add, keyed by function identity). An empty batch
// is valid and registers nothing.
func (p *Plugin) AddHandlers(kind Hook, entries ...HandlerEntry) error {
	if !ValidHook(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidHook, kind)
	}
	bound := make([]boundHandler, 0, len(entries))
	for i, entry := range entries {
		fn := entry.Handler
		if fn == nil && entry.Name != "" {
			if p.resolve == nil {
				return fmt.Errorf("%w: %q (plugin has no handler table)", ErrUnknownHandler, entry.Name)
			}
			resolved, ok := p.resolve(entry.Name)
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownHandler, entry.Name)
			}
			fn = resolved
		}
		if fn == nil {
			return fmt.Errorf("%w: entry %d for hook %q is neither a function nor a named handler", ErrInvalidHandler, i, kind)
		}
		bound = append(bound, boundHandler{
			fn:       fn,
			identity: handlerIdentity(fn),
			options:  entry.Options,
		})
	}
	if p.handlers == nil {
		p.handlers = make(map[Hook][]boundHandler)
	}
	existing := p.handlers[kind]
	for _, b := range bound {
		if hasIdentity(existing, b.identity) {
			continue
		}
		existing = append(existing, b)
	}
	p.handlers[kind] = existing
	return nil
}

func hasIdentity(handlers []boundHandler, identity uintptr) bool {
	for _, h := range handlers {
		if h.identity == identity {
			return true
		}
	}
	return false
}

// HandlerCount returns the number of handlers registered under kind.
func (p *Plugin) HandlerCount(kind Hook) int { return len(p.handlers[kind]) }

// matches reports whether this plugin's rules accept the meta. A plugin
// with no rules is global. The "path" dimension matches the meta's Path,
// falling back to Name when no path has been resolved; the "name" dimension
// matches Name; any other dimension matches a string attribute of the same
// key.
func (p *Plugin) matches(meta *module.Meta) bool {
	if len(p.rules) == 0 {
		return true
	}
	for dimension, patterns := range p.rules {
		candidate := p.candidate(meta, dimension)
		if candidate == "" {
			continue
		}
		for _, pattern := range patterns {
			if ok, err := doublestar.Match(pattern, candidate); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func (p *Plugin) candidate(meta *module.Meta, dimension string) string {
	switch dimension {
	case "path":
		if meta.Path != "" {
			return meta.Path
		}
		return meta.Name
	case "name":
		return meta.Name
	default:
		if v, ok := meta.Attrs[dimension]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
}
