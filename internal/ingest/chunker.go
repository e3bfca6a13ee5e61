package ingest

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the chunk budget in characters.
const DefaultChunkSize = 1000

// Chunker packs words greedily into chunks. The budget counts the runes of
// words only; separators are not counted.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker with a budget of size characters that repeats
// the last overlap words of a chunk at the start of the next one.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the chunks of text in order, or nil for blank text.
// A word longer than the budget becomes a chunk of its own.
func (c *Chunker) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	var cur []string
	n := 0
	for _, w := range words {
		wn := utf8.RuneCountInString(w)
		if n+wn >= c.size && len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, " "))
			cur = c.carry(cur)
			n = 0
			for _, k := range cur {
				n += utf8.RuneCountInString(k)
			}
		}
		cur = append(cur, w)
		n += wn
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, " "))
	}
	return chunks
}

func (c *Chunker) carry(prev []string) []string {
	if c.overlap == 0 {
		return nil
	}
	start := len(prev) - c.overlap
	if start < 1 {
		start = 1
	}
	return append([]string(nil), prev[start:]...)
}
