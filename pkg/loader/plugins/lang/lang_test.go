package lang

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucliweb/bit-loader/pkg/loader/module"
	"github.com/nucliweb/bit-loader/pkg/loader/plugin"
)

const goSource = "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hi\")\n}\n"

func TestDetectByContent(t *testing.T) {
	d := NewDetector(nil)
	language, confidence := d.Detect([]byte(goSource), "cmd/main.go")
	assert.Equal(t, "go", language)
	assert.InDelta(t, 0.8, confidence, 0.001)
}

func TestDetectOverrideWins(t *testing.T) {
	d := NewDetector(map[string]string{".go": "golang-custom"})
	language, confidence := d.Detect([]byte(goSource), "cmd/main.go")
	assert.Equal(t, "golang-custom", language)
	assert.Equal(t, 1.0, confidence)
}

func TestDetectOverrideNormalization(t *testing.T) {
	d := NewDetector(map[string]string{
		" JSX ": " JavaScript ",
		"":      "dropped",
		".":     "dropped",
		".ok":   "",
	})
	language, confidence := d.Detect([]byte("x"), "component.jsx")
	assert.Equal(t, "javascript", language)
	assert.Equal(t, 1.0, confidence)
}

func TestDetectEmptyContent(t *testing.T) {
	d := NewDetector(nil)
	language, confidence := d.Detect(nil, "whatever.go")
	assert.Equal(t, "unknown", language)
	assert.Zero(t, confidence)
}

func TestDetectPlaintextFallback(t *testing.T) {
	d := NewDetector(nil)
	language, _ := d.Detect([]byte("just some words"), "notes.txt")
	assert.Equal(t, "plaintext", language)
}

func TestHandlerAnnotatesMeta(t *testing.T) {
	d := NewDetector(nil)
	meta, err := module.NewMeta("main")
	require.NoError(t, err)
	meta.Path = "cmd/main.go"
	meta.SetSource(goSource)

	require.NoError(t, d.Handler(context.Background(), meta, nil))
	assert.Equal(t, "go", meta.Attrs[AttrLanguage])
	assert.InDelta(t, 0.8, meta.Attrs[AttrConfidence].(float64), 0.001)
}

func TestHandlerFallsBackToNameAsPath(t *testing.T) {
	d := NewDetector(nil)
	meta, err := module.NewMeta("util/helpers.go")
	require.NoError(t, err)
	meta.SetSource(goSource)

	require.NoError(t, d.Handler(context.Background(), meta, nil))
	assert.Equal(t, "go", meta.Attrs[AttrLanguage])
}

func TestHandlerSkipsNonSourceAndBinary(t *testing.T) {
	d := NewDetector(nil)

	compiled, err := module.NewMeta("compiled")
	require.NoError(t, err)
	compiled.SetFactory(func(deps ...any) (any, error) { return nil, nil })
	require.NoError(t, d.Handler(context.Background(), compiled, nil))
	assert.NotContains(t, compiled.Attrs, AttrLanguage)

	binary, err := module.NewMeta("logo.png")
	require.NoError(t, err)
	binary.SetSource("\x89PNG")
	binary.SetAttr("binary", true)
	require.NoError(t, d.Handler(context.Background(), binary, nil))
	assert.NotContains(t, binary.Attrs, AttrLanguage)
}

func TestSpecRegistersTransformHandler(t *testing.T) {
	r := plugin.NewRegistry(nil)
	d := NewDetector(nil)

	p, err := r.Register(Spec(d))
	require.NoError(t, err)
	assert.Equal(t, PluginName, p.Name())
	assert.Equal(t, 1, p.HandlerCount(plugin.HookTransform))

	meta, err := module.NewMeta("main.go")
	require.NoError(t, err)
	meta.SetSource(goSource)
	require.NoError(t, r.RunHook(context.Background(), plugin.HookTransform, meta))
	assert.Equal(t, "go", meta.Attrs[AttrLanguage])
}
