// Package outbound prepares agent replies for delivery: size-bounded chunking
// with markdown-aware split points, HTML rendering with a plain-text fallback,
// and the retry policy for failed sends.
package outbound

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxChunkLen is Telegram's message size limit.
	MaxChunkLen = 4096

	// EmptyPlaceholder replaces an all-whitespace reply so the user still
	// sees that the agent finished.
	EmptyPlaceholder = "(empty response)"
)

// Chunks splits text into trimmed pieces of at most maxLen bytes. Split points
// prefer the latest newline in the window [0.4·maxLen, maxLen], then the
// latest space there, then a hard cut.
func Chunks(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxChunkLen
	}
	rest := strings.TrimSpace(text)
	if rest == "" {
		return []string{EmptyPlaceholder}
	}
	var out []string
	for len(rest) > maxLen {
		cut := splitIndex(rest, maxLen)
		if chunk := strings.TrimSpace(rest[:cut]); chunk != "" {
			out = append(out, chunk)
		}
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		out = append(out, rest)
	}
	if len(out) == 0 {
		return []string{EmptyPlaceholder}
	}
	return out
}

func splitIndex(s string, maxLen int) int {
	window := s[:maxLen]
	floor := maxLen * 2 / 5
	if idx := strings.LastIndexByte(window, '\n'); idx >= floor {
		return idx
	}
	if idx := strings.LastIndexByte(window, ' '); idx >= floor {
		return idx
	}
	// Hard cut: back up to a rune boundary so multi-byte text stays valid.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return maxLen
	}
	return cut
}
