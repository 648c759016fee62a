package channels

import (
	"strings"
	"unicode"
)

// MaxMessageLength is Telegram's per-message character ceiling.
const MaxMessageLength = 4096

// minSplitFraction keeps boundary hunting from producing tiny fragments: a
// newline or space is only honoured in the last 70% of the window.
const minSplitFraction = 0.3

// SplitMessage breaks text into chunks of at most limit runes. Each cut
// prefers the last newline in the window, then the last space, then a hard
// cut at the limit. Leading whitespace on follow-up chunks is dropped.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	floor := int(float64(limit) * minSplitFraction)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		window := runes[:limit]
		cut := lastBoundary(window, '\n', floor)
		if cut < 0 {
			cut = lastBoundary(window, ' ', floor)
		}
		if cut < 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace))

		rest := runes[cut:]
		for len(rest) > 0 && unicode.IsSpace(rest[0]) {
			rest = rest[1:]
		}
		runes = rest
	}
	return chunks
}

// lastBoundary returns the index just past the last occurrence of sep at or
// beyond floor, or -1.
func lastBoundary(window []rune, sep rune, floor int) int {
	for i := len(window) - 1; i >= floor; i-- {
		if window[i] == sep {
			return i + 1
		}
	}
	return -1
}
