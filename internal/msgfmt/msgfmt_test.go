package msgfmt

import (
	"strings"
	"testing"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string // substring of the output
	}{
		{"bold", "hello **world**", "<strong>world</strong>"},
		{"strikethrough", "~~gone~~", "<del>gone</del>"},
		{"autolink", "see https://example.com now", `<a href="https://example.com"`},
		{"code", "`x := 1`", "<code>x := 1</code>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderHTML(tt.in)
			if err != nil {
				t.Fatalf("RenderHTML() error: %v", err)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("RenderHTML(%q) = %q, want substring %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRenderHTML_EscapesRawHTML(t *testing.T) {
	got, err := RenderHTML(`<script>alert(1)</script>`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "<script>") {
		t.Errorf("raw HTML passed through: %q", got)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"plain", "hello there", 80, "hello there"},
		{"first line only", "line one\nline two", 80, "line one"},
		{"markers stripped", "**important** _note_", 80, "important note"},
		{"code span kept", "`x := 1`", 80, "x := 1"},
		{"angle brackets survive", "2 < 3", 80, "2 < 3"},
		{"truncated", "abcdefghij", 5, "abcd…"},
		{"no limit", "abcdefghij", 0, "abcdefghij"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.in, tt.max); got != tt.want {
				t.Errorf("Preview(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}
