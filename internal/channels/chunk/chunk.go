// Package chunk splits outbound text into platform-sized pieces, preferring
// paragraph breaks, then line breaks, then whitespace, with a hard cut as the
// last resort.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultLimit is the fallback chunk size when a platform limit is unknown.
const DefaultLimit = 4000

// Split breaks text into chunks of at most limit bytes. The chunks
// concatenate back to the input: break separators stay on the tail of the
// preceding chunk, and hard cuts land on rune boundaries.
func Split(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		cut := pickBreak(remaining, limit)
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// pickBreak returns the cut index for the next chunk: just past the last
// paragraph break within the limit, else past the last newline, else past the
// last whitespace rune, else a hard cut at the last rune boundary.
func pickBreak(remaining string, limit int) int {
	window := remaining[:limit]
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}
	if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
		return idx + 1
	}
	lastSpace := -1
	for i, r := range window {
		if unicode.IsSpace(r) {
			lastSpace = i + utf8.RuneLen(r)
		}
	}
	if lastSpace > 0 {
		return lastSpace
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(remaining[cut]) {
		cut--
	}
	if cut == 0 {
		return limit
	}
	return cut
}
