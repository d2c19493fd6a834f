// ABOUTME: Renders envelope markdown to sanitized HTML for Matrix formatted_body
// ABOUTME: goldmark converts, bluemonday strips anything a client should not render

package matrix

import (
	"bytes"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdown = goldmark.New(goldmark.WithRendererOptions(html.WithUnsafe()))

	// Raw <details>/<summary> from the folded envelope pass through goldmark
	// unescaped and are then filtered here.
	sanitizer = func() *bluemonday.Policy {
		p := bluemonday.UGCPolicy()
		p.AllowElements("details", "summary")
		return p
	}()
)

// renderHTML converts text to sanitized HTML. ok is false when conversion
// fails, in which case the plain body alone should be sent.
func renderHTML(text string) (string, bool) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	return sanitizer.Sanitize(buf.String()), true
}
