package rag

import (
	"strings"
	"unicode/utf8"

	"github.com/poiesic/neurosim/core"
)

const (
	entryPrefix    = "- "
	entrySeparator = "\n\n"
)

// BuildContext renders results, best first, as "- <text>" entries separated by
// a blank line, keeping the total within maxChars characters. Lower-ranked
// entries are dropped first. If even the best entry is too long, its text is
// cut to fit. Returns the context and the number of chunks it uses.
func BuildContext(results []*core.SearchResult, maxChars int) (string, int) {
	var (
		sb    strings.Builder
		total int
		used  int
	)
	for _, res := range results {
		if res == nil || res.Chunk == nil {
			continue
		}
		text := strings.TrimSpace(res.Chunk.Text)
		if text == "" {
			continue
		}
		cost := utf8.RuneCountInString(entryPrefix) + utf8.RuneCountInString(text)
		if used > 0 {
			cost += utf8.RuneCountInString(entrySeparator)
		}

		if total+cost > maxChars {
			if used > 0 {
				break
			}
			room := maxChars - utf8.RuneCountInString(entryPrefix)
			if room <= 0 {
				break
			}
			text = truncateRunes(text, room)
			cost = utf8.RuneCountInString(entryPrefix) + utf8.RuneCountInString(text)
		}

		if used > 0 {
			sb.WriteString(entrySeparator)
		}
		sb.WriteString(entryPrefix)
		sb.WriteString(text)
		total += cost
		used++
	}
	return sb.String(), used
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
