// Package manifest parses module manifests — declarative lists of modules
// with their payloads, dependencies, and plugin assignments — from YAML,
// TOML, or JSON, validates them against a schema, and registers the result
// on a loader.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/nucliweb/bit-loader/pkg/loader"
	"github.com/nucliweb/bit-loader/pkg/loader/module"
)

var (
	// ErrParse wraps syntax errors in manifest documents.
	ErrParse = errors.New("parsing manifest")
	// ErrValidation wraps schema violations; the message lists every
	// failed constraint.
	ErrValidation = errors.New("invalid manifest")
	// ErrUnsupportedFormat is returned for unrecognized manifest formats.
	ErrUnsupportedFormat = errors.New("unsupported manifest format")
)

// schema is the JSON Schema every manifest must satisfy, whatever its
// source syntax.
const schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["modules"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "modules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "path": {"type": "string"},
          "source": {"type": "string"},
          "deps": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "plugins": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "attrs": {"type": "object"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// Entry is one module declaration in a manifest.
type Entry struct {
	Name    string         `yaml:"name" toml:"name" json:"name"`
	Path    string         `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty"`
	Source  string         `yaml:"source,omitempty" toml:"source,omitempty" json:"source,omitempty"`
	Deps    []string       `yaml:"deps,omitempty" toml:"deps,omitempty" json:"deps,omitempty"`
	Plugins []string       `yaml:"plugins,omitempty" toml:"plugins,omitempty" json:"plugins,omitempty"`
	Attrs   map[string]any `yaml:"attrs,omitempty" toml:"attrs,omitempty" json:"attrs,omitempty"`
}

// Manifest is a parsed, validated module manifest.
type Manifest struct {
	Version int     `yaml:"version,omitempty" toml:"version,omitempty" json:"version,omitempty"`
	Modules []Entry `yaml:"modules" toml:"modules" json:"modules"`
}

// Format identifies a manifest syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatForPath derives the manifest format from a file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// Parse decodes and validates a manifest document.
func Parse(data []byte, format Format) (*Manifest, error) {
	var raw any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
	case FormatTOML:
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		raw = doc
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if err := validate(raw); err != nil {
		return nil, err
	}

	// Round-trip through JSON so one set of struct tags covers all three
	// syntaxes after the schema has passed.
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	var m Manifest
	if err := json.Unmarshal(normalized, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return &m, nil
}

func validate(raw any) error {
	doc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewStringLoader(string(doc)),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

// Metas converts the manifest entries into module metas. Entries carrying
// source text become compile-ready source metas; entries without remain
// pending payloads for the fetch pipeline to fill in.
func (m *Manifest) Metas() ([]*module.Meta, error) {
	metas := make([]*module.Meta, 0, len(m.Modules))
	for _, entry := range m.Modules {
		meta, err := module.NewMeta(entry.Name)
		if err != nil {
			return nil, err
		}
		meta.Path = entry.Path
		if len(entry.Deps) > 0 {
			meta.Deps = append(meta.Deps, entry.Deps...)
		}
		if len(entry.Plugins) > 0 {
			meta.Plugins = append(meta.Plugins, entry.Plugins...)
		}
		for k, v := range entry.Attrs {
			meta.SetAttr(k, v)
		}
		if entry.Source != "" {
			meta.SetSource(entry.Source)
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Apply registers every manifest entry on the loader. Compile-ready entries
// go straight into the store; payload-less entries are fetched through the
// pipeline so a fetch collaborator or hook can supply their source.
func (m *Manifest) Apply(ctx context.Context, l *loader.Loader) error {
	metas, err := m.Metas()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if meta.CompileReady() {
			if err := l.RegisterMeta(meta); err != nil {
				return err
			}
			continue
		}
		if _, err := l.FetchMeta(ctx, meta); err != nil {
			return err
		}
	}
	return nil
}
