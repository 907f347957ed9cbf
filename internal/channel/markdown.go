package channel

import (
	"html"
	"regexp"
	"strings"
)

var (
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`\n]+)`")
	mdBold       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	mdBoldUnder  = regexp.MustCompile(`__([^_\n]+)__`)
	mdItalic     = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+)\*`)
	mdStrike     = regexp.MustCompile(`~~([^~\n]+)~~`)
	mdLink       = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// markdownToTelegramHTML converts the common Markdown subset agents emit into
// Telegram's HTML parse mode. Everything else is HTML-escaped.
func markdownToTelegramHTML(text string) string {
	// Code spans are swapped for placeholders so their content is not
	// touched by the inline rules below.
	var code []string
	stash := func(s string) string {
		code = append(code, s)
		return "\x00" + string(rune('A'+len(code)-1)) + "\x00"
	}
	text = mdCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		inner := mdCodeBlock.FindStringSubmatch(m)[1]
		return stash("<pre>" + html.EscapeString(strings.TrimSuffix(inner, "\n")) + "</pre>")
	})
	text = mdInlineCode.ReplaceAllStringFunc(text, func(m string) string {
		return stash("<code>" + html.EscapeString(mdInlineCode.FindStringSubmatch(m)[1]) + "</code>")
	})

	text = html.EscapeString(text)
	text = mdHeading.ReplaceAllString(text, "<b>$1</b>")
	text = mdBold.ReplaceAllString(text, "<b>$1</b>")
	text = mdBoldUnder.ReplaceAllString(text, "<b>$1</b>")
	text = mdItalic.ReplaceAllString(text, "$1<i>$2</i>")
	text = mdStrike.ReplaceAllString(text, "<s>$1</s>")
	text = mdLink.ReplaceAllString(text, `<a href="$2">$1</a>`)

	for i, c := range code {
		text = strings.Replace(text, "\x00"+string(rune('A'+i))+"\x00", c, 1)
	}
	return text
}

// markdownToWhatsApp rewrites Markdown emphasis into WhatsApp's dialect
// (*bold*, _italic_, ~strike~). Code fences are already supported natively.
func markdownToWhatsApp(text string) string {
	text = mdItalic.ReplaceAllString(text, "${1}_${2}_")
	text = mdHeading.ReplaceAllString(text, "*$1*")
	text = mdBold.ReplaceAllString(text, "*$1*")
	text = mdBoldUnder.ReplaceAllString(text, "*$1*")
	text = mdStrike.ReplaceAllString(text, "~$1~")
	text = mdLink.ReplaceAllString(text, "$1 ($2)")
	return text
}
