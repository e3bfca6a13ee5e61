// Package rag bridges document ingestion and similarity queries: it feeds
// corpus units into the vector store and turns queries into context snippets.
package rag

import (
	"context"
	"time"

	"github.com/hyperjump/sodan/internal/keyword"
	"github.com/hyperjump/sodan/internal/vector"
)

// DefaultThreshold is the minimum cosine score for a snippet.
const DefaultThreshold = 0.5

// DefaultContextTopK is the number of snippets joined by BuildContext callers
// that have no configured value.
const DefaultContextTopK = 3

// Unit is one ingestible source. Chunks is empty in listings and filled by
// Corpus.Load.
type Unit struct {
	Source  string
	Title   string
	ModTime time.Time
	Size    int64
	Chunks  []string
}

// Corpus is a collection of ingestible units.
type Corpus interface {
	// Units lists every unit without loading its content.
	Units(ctx context.Context) ([]Unit, error)
	// Load extracts and chunks one unit.
	Load(ctx context.Context, identifier string) (Unit, error)
	// Resolve maps an identifier to the source name units are stored under.
	Resolve(identifier string) string
}

// Store is the subset of vector.Store the orchestrator uses.
type Store interface {
	ReplaceSource(ctx context.Context, source string, texts []string, metadata []map[string]string) error
	Search(ctx context.Context, query string, topK int, threshold float64) ([]vector.Result, error)
	DeleteBySource(ctx context.Context, source string) (int, error)
	Chunks(source string) []vector.Chunk
	Clear(ctx context.Context) error
}

// KeywordIndex is the lexical fallback index.
type KeywordIndex interface {
	Index(ctx context.Context, source string, chunks []string) error
	DeleteSource(ctx context.Context, source string) error
	Search(ctx context.Context, query string, limit int) ([]keyword.Hit, error)
	Clear(ctx context.Context) error
}

// Snippet is one retrieved chunk. Lexical marks keyword fallback hits,
// whose Score is a Bleve relevance score rather than a cosine similarity.
type Snippet struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
	Lexical bool    `json:"lexical,omitempty"`
}
