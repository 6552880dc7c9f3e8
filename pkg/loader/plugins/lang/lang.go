// Package lang provides a transform handler that classifies module source
// by programming language and annotates the meta, so later handlers and the
// compile collaborator can dispatch on it.
package lang

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"

	"github.com/nucliweb/bit-loader/pkg/loader/module"
	"github.com/nucliweb/bit-loader/pkg/loader/plugin"
)

// Meta attribute keys set by the handler.
const (
	AttrLanguage   = "language"
	AttrConfidence = "languageConfidence"
)

// PluginName is the name the Spec registers under.
const PluginName = "language"

// Detector classifies source text, preferring user overrides (extension to
// language) over content analysis.
type Detector struct {
	overrides map[string]string
}

// NewDetector normalizes the override map: lowercase extensions with a
// leading dot, lowercase language identifiers. Blank entries are dropped.
func NewDetector(overrides map[string]string) *Detector {
	normalized := make(map[string]string, len(overrides))
	for ext, language := range overrides {
		ext = strings.ToLower(strings.TrimSpace(ext))
		language = strings.ToLower(strings.TrimSpace(language))
		if ext == "" || ext == "." || language == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[ext] = language
	}
	return &Detector{overrides: normalized}
}

// Detect returns the language identifier (lowercase) and an indicative
// confidence: 1.0 for overrides, 0.8 for content analysis, 0.5 for
// extension or filename mapping, 0.0 for the plaintext fallback.
func (d *Detector) Detect(content []byte, path string) (string, float64) {
	if len(content) == 0 {
		return "unknown", 0.0
	}
	ext := strings.ToLower(filepath.Ext(path))
	if language, ok := d.overrides[ext]; ok {
		return language, 1.0
	}
	if language := enry.GetLanguage(filepath.Base(path), content); language != "" && language != "Text" {
		return strings.ToLower(language), 0.8
	}
	if language, safe := enry.GetLanguageByExtension(path); safe && language != "" && language != "Text" {
		return strings.ToLower(language), 0.5
	}
	if language, safe := enry.GetLanguageByFilename(path); safe && language != "" && language != "Text" {
		return strings.ToLower(language), 0.5
	}
	return "plaintext", 0.0
}

// Handler is the transform hook entry point. Metas without source text are
// passed through; binary-flagged metas are skipped.
func (d *Detector) Handler(ctx context.Context, meta *module.Meta, options map[string]any) error {
	src, ok := meta.Source()
	if !ok {
		return nil
	}
	if binary, ok := meta.Attrs["binary"].(bool); ok && binary {
		return nil
	}
	path := meta.Path
	if path == "" {
		path = meta.Name
	}
	language, confidence := d.Detect([]byte(src), path)
	meta.SetAttr(AttrLanguage, language)
	meta.SetAttr(AttrConfidence, confidence)
	return nil
}

// Spec builds a declarative registration for the detector. With no patterns
// the plugin applies globally; otherwise it matches module paths.
func Spec(d *Detector, pathPatterns ...string) plugin.Spec {
	spec := plugin.Spec{
		Name: PluginName,
		Hooks: map[plugin.Hook][]plugin.HandlerEntry{
			plugin.HookTransform: {plugin.Func(d.Handler)},
		},
	}
	if len(pathPatterns) > 0 {
		spec.Match = map[string][]string{"path": pathPatterns}
	}
	return spec
}
