package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"escapes", "a < b & c", "a &lt; b &amp; c"},
		{"bold", "**bold** text", "<b>bold</b> text"},
		{"italic", "an *italic* word", "an <i>italic</i> word"},
		{"strike", "~~gone~~", "<s>gone</s>"},
		{"heading", "## Title", "<b>Title</b>"},
		{"link", "[docs](https://example.com/a)", `<a href="https://example.com/a">docs</a>`},
		{"inline code", "run `a<b` now", "run <code>a&lt;b</code> now"},
		{"code block untouched", "```go\nx := **y**\n```", "<pre>x := **y**</pre>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, markdownToTelegramHTML(tt.in))
		})
	}
}

func TestMarkdownToWhatsApp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"**bold**", "*bold*"},
		{"an *italic* word", "an _italic_ word"},
		{"**bold** and *italic*", "*bold* and _italic_"},
		{"~~gone~~", "~gone~"},
		{"# Title", "*Title*"},
		{"[docs](https://example.com)", "docs (https://example.com)"},
		{"```\ncode\n```", "```\ncode\n```"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, markdownToWhatsApp(tt.in), tt.in)
	}
}
