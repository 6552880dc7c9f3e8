// Package encoding provides a transform handler that normalizes module
// source text to UTF-8. It detects the input encoding, converts the source,
// and annotates the meta with what it found; binary payloads are flagged
// and left untouched.
package encoding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/nucliweb/bit-loader/pkg/loader/module"
	"github.com/nucliweb/bit-loader/pkg/loader/plugin"
)

const (
	// sniffLen is the number of bytes http.DetectContentType inspects.
	sniffLen = 512
	// checkLen bounds the null-byte scan.
	checkLen = 1024
	// nullThreshold is the null-byte ratio above which content is binary.
	nullThreshold = 0.15
)

// Meta attribute keys set by the handler.
const (
	AttrEncoding = "encoding"
	AttrCertain  = "encodingCertain"
	AttrBinary   = "binary"
)

// PluginName is the name the Spec registers under.
const PluginName = "encoding"

var knownTextMIMEPrefixes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/javascript": true,
	"application/ecmascript": true,
	"application/yaml":       true,
	"application/toml":       true,
	"application/typescript": true,
	"image/svg+xml":          true,
}

// Normalizer converts module source to UTF-8. FallbackEncoding is assumed
// when detection is uncertain; empty means keep the uncertain guess.
type Normalizer struct {
	FallbackEncoding string
}

// Handler is the transform hook entry point. Compiled metas and payloads
// without source are passed through untouched. The "fallback" option
// overrides the normalizer's configured fallback per plugin registration.
func (n *Normalizer) Handler(ctx context.Context, meta *module.Meta, options map[string]any) error {
	src, ok := meta.Source()
	if !ok || src == "" {
		return nil
	}
	content := []byte(src)
	if IsBinary(content) {
		meta.SetAttr(AttrBinary, true)
		return nil
	}
	// Valid UTF-8 needs no conversion; the HTML charset sniffer would
	// otherwise default uncertain input to windows-1252 and mangle it.
	if utf8.Valid(content) {
		meta.SetAttr(AttrEncoding, "utf-8")
		meta.SetAttr(AttrCertain, true)
		return nil
	}

	fallback := n.FallbackEncoding
	if v, ok := options["fallback"].(string); ok && v != "" {
		fallback = v
	}

	utf8Content, name, certain, err := decode(content, fallback)
	if err != nil {
		return fmt.Errorf("normalizing encoding of module %q: %w", meta.Name, err)
	}
	meta.SetAttr(AttrEncoding, name)
	meta.SetAttr(AttrCertain, certain)
	if !bytes.Equal(utf8Content, content) {
		meta.SetSource(string(utf8Content))
	}
	return nil
}

func decode(content []byte, fallback string) ([]byte, string, bool, error) {
	enc, name, certain := charset.DetermineEncoding(content, "")
	if !certain && fallback != "" {
		if fallbackEnc, fallbackName := charset.Lookup(fallback); fallbackEnc != nil {
			enc, name, certain = fallbackEnc, fallbackName, true
		}
	}
	if enc == nil {
		if name == "" {
			name = "utf-8"
		}
		return content, name, certain, nil
	}
	reader := transform.NewReader(bytes.NewReader(content), enc.NewDecoder())
	utf8Content, err := io.ReadAll(reader)
	if err != nil {
		if name == "" {
			name = "unknown"
		}
		return content, name, certain, fmt.Errorf("converting from %q: %w", name, err)
	}
	if name == "" {
		name = "unknown"
	}
	return utf8Content, name, certain, nil
}

// IsBinary reports whether content looks like binary data, combining MIME
// sniffing over the first 512 bytes with a null-byte ratio over the first
// 1024.
func IsBinary(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	limit := min(len(content), sniffLen)
	if !isMIMETextBased(http.DetectContentType(content[:limit])) {
		return true
	}
	limit = min(len(content), checkLen)
	nulls := bytes.Count(content[:limit], []byte{0x00})
	return float64(nulls)/float64(limit) > nullThreshold
}

func isMIMETextBased(contentType string) bool {
	mimeType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	if knownTextMIMEPrefixes[mimeType] {
		return true
	}
	if strings.HasSuffix(mimeType, "+xml") || strings.HasSuffix(mimeType, "+json") {
		return true
	}
	// Octet-stream may still be text; the null-byte check decides.
	return mimeType == "application/octet-stream"
}

// Spec builds a declarative registration for the normalizer. With no
// patterns the plugin applies globally; otherwise it matches module paths.
func Spec(n *Normalizer, pathPatterns ...string) plugin.Spec {
	spec := plugin.Spec{
		Name: PluginName,
		Hooks: map[plugin.Hook][]plugin.HandlerEntry{
			plugin.HookTransform: {plugin.Func(n.Handler)},
		},
	}
	if len(pathPatterns) > 0 {
		spec.Match = map[string][]string{"path": pathPatterns}
	}
	return spec
}
