// Package keyword provides the lexical fallback index over chunk texts.
package keyword

import "strconv"

// Hit is a single keyword search hit.
type Hit struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Chunk   int     `json:"chunk"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// ChunkID is the document ID of chunk n of source.
func ChunkID(source string, n int) string {
	return source + "#" + strconv.Itoa(n)
}

// chunkDoc is the indexed form of a chunk.
type chunkDoc struct {
	Source  string `json:"source"`
	Chunk   int    `json:"chunk"`
	Content string `json:"content"`
}
