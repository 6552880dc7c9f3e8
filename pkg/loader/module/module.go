// Package module defines the data records that flow through the loader:
// the mutable Meta describing a module in progress, and the finished
// Module handed to consumers.
package module

import (
	"errors"
	"fmt"
)

// Type is a behavioral tag the compile and link collaborators use to decide
// how a module's factory is invoked.
type Type string

const (
	TypeUnknown Type = "unknown"
	TypeAMD     Type = "amd"
	TypeCJS     Type = "cjs"
	TypeIIFE    Type = "iife"
)

// Factory produces a module's exported value from its resolved dependencies.
// The linker decides how it is called based on the module Type.
type Factory func(deps ...any) (any, error)

// PayloadKind discriminates what a Meta currently carries.
type PayloadKind int

const (
	// PayloadPending means nothing has been supplied yet; the meta is not
	// compile-ready.
	PayloadPending PayloadKind = iota
	// PayloadSource means the meta carries source text (possibly empty).
	PayloadSource
	// PayloadFactory means the meta carries a pre-compiled factory.
	PayloadFactory
	// PayloadCode means the meta carries an already-evaluated value.
	PayloadCode
)

// String returns the lowercase name of the payload kind.
func (k PayloadKind) String() string {
	switch k {
	case PayloadSource:
		return "source"
	case PayloadFactory:
		return "factory"
	case PayloadCode:
		return "code"
	default:
		return "pending"
	}
}

// Payload is a tagged variant holding whichever artifact a meta currently
// has. The tag, not field presence, decides whether a meta is compiled or
// source-bearing, so an empty source string is still a valid source.
type Payload struct {
	kind    PayloadKind
	source  string
	factory Factory
	code    any
}

// SourcePayload wraps source text. Empty text is allowed.
func SourcePayload(text string) Payload { return Payload{kind: PayloadSource, source: text} }

// FactoryPayload wraps a compiled factory.
func FactoryPayload(fn Factory) Payload { return Payload{kind: PayloadFactory, factory: fn} }

// CodePayload wraps an already-evaluated value.
func CodePayload(v any) Payload { return Payload{kind: PayloadCode, code: v} }

// Kind reports the payload's tag.
func (p Payload) Kind() PayloadKind { return p.kind }

// Source returns the source text and whether the payload carries one.
func (p Payload) Source() (string, bool) { return p.source, p.kind == PayloadSource }

// Factory returns the factory and whether the payload carries one.
func (p Payload) Factory() (Factory, bool) { return p.factory, p.kind == PayloadFactory }

// Code returns the evaluated value and whether the payload carries one.
func (p Payload) Code() (any, bool) { return p.code, p.kind == PayloadCode }

// ErrMissingName is returned when a meta or module is created without a name.
var ErrMissingName = errors.New("module name is required")

// ErrCodeAlreadySet is returned when a module's code is assigned twice.
var ErrCodeAlreadySet = errors.New("module code already set")

// Meta is the mutable intermediate record describing a module in progress.
// Pipeline stages mutate it in place: they may add fields and annotations
// but must never clear Name. Ownership transfers to the compiled Module
// once the compile collaborator consumes it.
type Meta struct {
	// Name is the unique key for this module. Required.
	Name string
	// Path is the resolved location, set by the resolve collaborator.
	Path string
	// Deps is the ordered list of dependency names.
	Deps []string
	// Plugins lists plugin names forced to apply to this meta. When
	// non-empty, routing is exclusive to the named plugins.
	Plugins []string
	// Attrs carries free-form annotations added by pipeline stages,
	// e.g. a detected language or encoding.
	Attrs map[string]any
	// Parent is the meta that requested this one, for relative resolution.
	// Never serialized, never required.
	Parent *Meta

	payload Payload
}

// NewMeta creates a meta for the given name with empty dependencies.
func NewMeta(name string) (*Meta, error) {
	if name == "" {
		return nil, ErrMissingName
	}
	return &Meta{
		Name:  name,
		Deps:  []string{},
		Attrs: make(map[string]any),
	}, nil
}

// Payload returns the current tagged payload.
func (m *Meta) Payload() Payload { return m.payload }

// SetSource replaces the payload with source text.
func (m *Meta) SetSource(text string) { m.payload = SourcePayload(text) }

// SetFactory replaces the payload with a compiled factory.
func (m *Meta) SetFactory(fn Factory) { m.payload = FactoryPayload(fn) }

// SetCode replaces the payload with an already-evaluated value.
func (m *Meta) SetCode(v any) { m.payload = CodePayload(v) }

// Source returns the meta's source text, if it carries one.
func (m *Meta) Source() (string, bool) { return m.payload.Source() }

// Compiled reports whether the meta already carries a terminal artifact
// (factory or code), which ends the fetch/transform/dependency pipeline
// early.
func (m *Meta) Compiled() bool {
	return m.payload.kind == PayloadFactory || m.payload.kind == PayloadCode
}

// CompileReady reports whether the meta can be handed to the compile
// collaborator: it is compiled already or carries source text.
func (m *Meta) CompileReady() bool {
	return m.payload.kind != PayloadPending
}

// SetAttr records a stage annotation, allocating the map if needed.
func (m *Meta) SetAttr(key string, value any) {
	if m.Attrs == nil {
		m.Attrs = make(map[string]any)
	}
	m.Attrs[key] = value
}

// Config describes a Module at construction time. Settings keeps the full
// original options so providers can introspect them later.
type Config struct {
	Type     Type
	Name     string
	Deps     []string
	Payload  Payload
	Settings map[string]any
}

// FromMeta builds a module Config from a finished meta.
func FromMeta(meta *Meta) Config {
	settings := make(map[string]any, len(meta.Attrs)+2)
	for k, v := range meta.Attrs {
		settings[k] = v
	}
	if meta.Path != "" {
		settings["path"] = meta.Path
	}
	if len(meta.Plugins) > 0 {
		plugins := make([]string, len(meta.Plugins))
		copy(plugins, meta.Plugins)
		settings["plugins"] = plugins
	}
	return Config{
		Type:     TypeUnknown,
		Name:     meta.Name,
		Deps:     meta.Deps,
		Payload:  meta.payload,
		Settings: settings,
	}
}

// Module is the final unit consumable by the host application. Its identity
// is immutable; code may be assigned at most once, either at construction
// or later by the linker.
type Module struct {
	typ      Type
	name     string
	deps     []string
	factory  Factory
	code     any
	codeSet  bool
	settings map[string]any
}

// New constructs a Module from a Config, copying the dependency list
// defensively.
func New(cfg Config) (*Module, error) {
	if cfg.Name == "" {
		return nil, ErrMissingName
	}
	typ := cfg.Type
	if typ == "" {
		typ = TypeUnknown
	}
	deps := make([]string, len(cfg.Deps))
	copy(deps, cfg.Deps)
	mod := &Module{
		typ:      typ,
		name:     cfg.Name,
		deps:     deps,
		settings: cfg.Settings,
	}
	switch cfg.Payload.kind {
	case PayloadFactory:
		mod.factory = cfg.Payload.factory
	case PayloadCode:
		mod.code = cfg.Payload.code
		mod.codeSet = true
	case PayloadSource:
		// Source survives in settings for introspection; the compile
		// collaborator is expected to have produced a factory or code
		// before constructing the module, but a source-only module is
		// not an error at this level.
		if mod.settings == nil {
			mod.settings = make(map[string]any, 1)
		}
		mod.settings["source"] = cfg.Payload.source
	}
	return mod, nil
}

// Name returns the module's unique name.
func (m *Module) Name() string { return m.name }

// Type returns the behavioral tag the linker uses to invoke the factory.
func (m *Module) Type() Type { return m.typ }

// Deps returns a copy of the dependency names.
func (m *Module) Deps() []string {
	deps := make([]string, len(m.deps))
	copy(deps, m.deps)
	return deps
}

// Factory returns the module's factory, or nil when the module was
// constructed from evaluated code.
func (m *Module) Factory() Factory { return m.factory }

// Code returns the evaluated value and whether it has been set.
func (m *Module) Code() (any, bool) { return m.code, m.codeSet }

// SetCode assigns the evaluated value. A second assignment fails: code is
// set at most once, either at construction or by the linker.
func (m *Module) SetCode(v any) error {
	if m.codeSet {
		return fmt.Errorf("%w: %q", ErrCodeAlreadySet, m.name)
	}
	m.code = v
	m.codeSet = true
	return nil
}

// Settings returns the original construction options for provider
// introspection. Callers must treat the map as read-only.
func (m *Module) Settings() map[string]any { return m.settings }
