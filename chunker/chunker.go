// Package chunker splits text into bounded, overlapping candidates for embedding.
//
// All sizes and positions are counted in characters (Unicode code points),
// never bytes. Candidates reassemble to the input exactly: the first
// candidate's text followed by every later candidate's text with its first
// Overlap characters removed equals the original text.
package chunker

import (
	"unicode"

	"github.com/poiesic/neurosim/core"
)

const (
	DefaultMaxSize = 1000
	DefaultOverlap = 200
)

// Chunker applies fixed size and overlap parameters.
type Chunker struct {
	maxSize int
	overlap int
}

// NewChunker validates the parameters and returns a configured Chunker.
func NewChunker(maxSize, overlap int) (*Chunker, error) {
	if err := core.ValidateChunkParams(maxSize, overlap); err != nil {
		return nil, err
	}
	return &Chunker{maxSize: maxSize, overlap: overlap}, nil
}

// Split splits text with the chunker's parameters.
func (c *Chunker) Split(text string) ([]core.ChunkCandidate, error) {
	return Split(text, c.maxSize, c.overlap)
}

// MaxSize returns the maximum candidate length in characters.
func (c *Chunker) MaxSize() int { return c.maxSize }

// Overlap returns the target overlap in characters.
func (c *Chunker) Overlap() int { return c.overlap }

// span is a half-open range of rune indexes. cont marks a piece that
// continues a unit cut at maxSize.
type span struct {
	start, end int
	cont       bool
}

func (s span) len() int { return s.end - s.start }

// Split partitions text into candidates of at most maxSize characters.
//
// Text is first cut into units at line breaks and sentence ends, with trailing
// whitespace kept on the preceding unit. Units are packed greedily into a
// window; when the next unit does not fit, the window is emitted and the next
// one starts overlap characters before its end, moved forward to the first
// word start inside that region if there is one. If the next unit cannot fit
// even after the overlap, the next window starts with no overlap. Units longer
// than maxSize are first hard-split every maxSize characters, and a window
// starting with one of the later pieces never overlaps its predecessor.
//
// Requires maxSize > overlap >= 0. Empty text yields an empty slice.
func Split(text string, maxSize, overlap int) ([]core.ChunkCandidate, error) {
	if err := core.ValidateChunkParams(maxSize, overlap); err != nil {
		return nil, err
	}
	candidates := []core.ChunkCandidate{}
	if text == "" {
		return candidates, nil
	}

	runes := []rune(text)
	emit := func(w span, ov int) {
		candidates = append(candidates, core.ChunkCandidate{
			Text:    string(runes[w.start:w.end]),
			Offset:  w.start,
			Length:  w.len(),
			Overlap: ov,
		})
	}

	var (
		window span
		ov     int
	)
	for _, u := range splitUnits(runes, maxSize) {
		if window.len()+u.len() <= maxSize {
			window.end = u.end
			continue
		}
		emit(window, ov)

		next := max(window.end-overlap, window.start)
		if overlap > 0 {
			next = snapToWordStart(runes, next, window.end)
		}
		ov = window.end - next
		if u.cont || ov+u.len() > maxSize {
			next, ov = window.end, 0
		}
		window = span{start: next, end: u.end}
	}
	emit(window, ov)
	return candidates, nil
}

// Reassemble inverts Split.
func Reassemble(candidates []core.ChunkCandidate) string {
	var out []rune
	for _, c := range candidates {
		out = append(out, []rune(c.Text)[c.Overlap:]...)
	}
	return string(out)
}

// splitUnits segments runes into contiguous units no longer than maxSize.
func splitUnits(runes []rune, maxSize int) []span {
	var units []span
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isBoundary(runes, i) {
			continue
		}
		end := i + 1
		for end < len(runes) && unicode.IsSpace(runes[end]) {
			end++
		}
		units = appendBounded(units, span{start: start, end: end}, maxSize)
		start = end
		i = end - 1
	}
	if start < len(runes) {
		units = appendBounded(units, span{start: start, end: len(runes)}, maxSize)
	}
	return units
}

// isBoundary reports whether a unit ends after runes[i].
func isBoundary(runes []rune, i int) bool {
	switch runes[i] {
	case '\n':
		return true
	case '.', '!', '?', '…':
		return i+1 < len(runes) && unicode.IsSpace(runes[i+1])
	}
	return false
}

// appendBounded appends u, hard-split into pieces of exactly maxSize
// characters followed by any shorter remainder.
func appendBounded(units []span, u span, maxSize int) []span {
	for u.len() > maxSize {
		units = append(units, span{start: u.start, end: u.start + maxSize, cont: u.cont})
		u.start += maxSize
		u.cont = true
	}
	if u.len() > 0 {
		units = append(units, u)
	}
	return units
}

// snapToWordStart returns the first word start in [from, limit), or from if none.
func snapToWordStart(runes []rune, from, limit int) int {
	for p := from; p < limit; p++ {
		if p > 0 && unicode.IsSpace(runes[p-1]) && !unicode.IsSpace(runes[p]) {
			return p
		}
	}
	return from
}
