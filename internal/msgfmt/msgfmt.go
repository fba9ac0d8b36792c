// Package msgfmt renders message bodies for display. Text messages
// support a markdown subset; untrusted input stays escaped.
package msgfmt

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
)

// RenderHTML converts a message body's markdown to HTML. Raw HTML in
// the input is escaped by the renderer, never passed through.
func RenderHTML(body string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return buf.String(), nil
}

// Preview flattens a message body to a single plain-text line for the
// conversation list, truncated to max runes. The line is rendered and
// the markup flattened away, so markers inside code spans survive.
func Preview(body string, max int) string {
	line := body
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	rendered, err := RenderHTML(line)
	if err != nil {
		rendered = line
	}
	line = html.UnescapeString(strings.TrimSpace(stripTags(rendered)))
	if max > 0 {
		runes := []rune(line)
		if len(runes) > max {
			line = string(runes[:max-1]) + "…"
		}
	}
	return line
}

// stripTags keeps only the text content of rendered HTML.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
