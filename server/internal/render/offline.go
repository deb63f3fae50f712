package render

import (
	"bytes"
	"context"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

// Offline renders locally with goldmark. Output approximates GitHub's:
// GFM tables, task lists, strikethrough and autolinks, heading anchors, and
// soft line breaks kept as <br>.
type Offline struct {
	md goldmark.Markdown
}

// NewOffline creates an Offline renderer.
func NewOffline() *Offline {
	return &Offline{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
				html.WithXHTML(),
				// Local READMEs commonly embed HTML (badges, centered logos).
				html.WithUnsafe(),
			),
		),
	}
}

// Render implements Renderer.
func (o *Offline) Render(_ context.Context, text string) (string, error) {
	var buf bytes.Buffer
	if err := o.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("render: offline: %w", err)
	}
	return buf.String(), nil
}
