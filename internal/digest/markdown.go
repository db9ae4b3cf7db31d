package digest

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// The converter configuration never changes; goldmark keeps per-call state
// in Convert, so one instance is shared.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return markdownInstance
}

// toHTML converts markdown to HTML. Raw HTML in the source is dropped.
func toHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := getMarkdown().Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
	`<`, `\<`,
	`>`, `\>`,
	`#`, `\#`,
	`|`, `\|`,
)

// escapeMarkdown neutralizes catalog-supplied text inside markdown.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// link renders a markdown link, or just the text when href is empty.
func link(text, href string) string {
	if href == "" {
		return escapeMarkdown(text)
	}
	return "[" + escapeMarkdown(text) + "](" + strings.ReplaceAll(href, " ", "%20") + ")"
}

// plainLink renders "text (href)" for the plain text body.
func plainLink(text, href string) string {
	if href == "" {
		return text
	}
	return text + " (" + href + ")"
}
