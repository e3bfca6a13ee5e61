// Package storage records which sources have been ingested, so unchanged
// sources can be skipped across restarts.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a source has no registry record.
var ErrNotFound = errors.New("source not found")

// Source is the registry record of one ingested source.
type Source struct {
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	ModTime    time.Time `json:"mod_time"`
	Size       int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Unchanged reports whether the record matches the given modification time and size.
func (s *Source) Unchanged(modTime time.Time, size int64) bool {
	return s.Size == size && s.ModTime.Equal(modTime)
}

// SourceChunk is one chunk text recorded for a source.
type SourceChunk struct {
	Source string `json:"source"`
	Index  int    `json:"index"`
	Text   string `json:"text"`
}

// Storage defines source registry persistence operations.
type Storage interface {
	// UpsertSource replaces the record and chunk rows of src.Path.
	UpsertSource(ctx context.Context, src *Source, chunks []string) error
	GetSource(ctx context.Context, path string) (*Source, error)
	DeleteSource(ctx context.Context, path string) error
	ListSources(ctx context.Context, offset, limit int) ([]*Source, error)
	ChunksBySource(ctx context.Context, path string) ([]*SourceChunk, error)

	// Stats
	CountSources(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)

	// Clear removes every record.
	Clear(ctx context.Context) error
	Close() error
}
