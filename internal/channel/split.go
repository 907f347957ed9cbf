package channel

import (
	"strings"
	"unicode/utf8"
)

// Per-platform message-length ceilings, in characters.
const (
	whatsappMaxMsgLen = 4096
	telegramMaxMsgLen = 4096
	imessageMaxMsgLen = 8000 // soft cap for readability
)

var sentenceBreaks = []string{"\n", ". ", "! ", "? "}

// splitMessage cuts text into chunks of at most maxLen characters. Each cut
// prefers, in order, the last paragraph break, the last sentence or line
// break, then the last space, but only past the half-way point of the chunk;
// otherwise it cuts hard. Concatenating the chunks yields text unchanged.
func splitMessage(text string, maxLen int) []string {
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		end := byteOffset(text, maxLen)
		if end == len(text) {
			chunks = append(chunks, text)
			break
		}
		cut := findCut(text[:end])
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// findCut returns the byte length of the next chunk taken from window.
func findCut(window string) int {
	half := len(window) / 2

	if i := strings.LastIndex(window, "\n\n"); i >= 0 && i+2 > half {
		return i + 2
	}

	best := -1
	for _, sep := range sentenceBreaks {
		if i := strings.LastIndex(window, sep); i >= 0 && i+len(sep) > best {
			best = i + len(sep)
		}
	}
	if best > half {
		return best
	}

	if i := strings.LastIndexByte(window, ' '); i >= 0 && i+1 > half {
		return i + 1
	}
	return len(window)
}

// byteOffset returns the byte index just past the first n characters of s.
// Invalid UTF-8 bytes count as one character each.
func byteOffset(s string, n int) int {
	off := 0
	for i := 0; i < n && off < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[off:])
		off += size
	}
	return off
}
