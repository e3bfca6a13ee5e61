package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		path TEXT PRIMARY KEY,
		title TEXT,
		mod_time INTEGER NOT NULL,
		size INTEGER NOT NULL,
		chunk_count INTEGER NOT NULL,
		indexed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sources_indexed_at ON sources(indexed_at);

	CREATE TABLE IF NOT EXISTS source_chunks (
		source TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (source, chunk_index),
		FOREIGN KEY (source) REFERENCES sources(path) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertSource inserts or replaces the source record and its chunk rows in one transaction.
func (s *SQLiteStorage) UpsertSource(ctx context.Context, src *Source, chunks []string) error {
	if src.IndexedAt.IsZero() {
		src.IndexedAt = time.Now()
	}
	src.ChunkCount = len(chunks)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_chunks WHERE source = ?`, src.Path); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sources (path, title, mod_time, size, chunk_count, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   title = excluded.title, mod_time = excluded.mod_time, size = excluded.size,
		   chunk_count = excluded.chunk_count, indexed_at = excluded.indexed_at`,
		src.Path, src.Title, src.ModTime.UnixNano(), src.Size, src.ChunkCount, src.IndexedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO source_chunks (source, chunk_index, content) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, text := range chunks {
		if _, err := stmt.ExecContext(ctx, src.Path, i, text); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// GetSource returns the record for path, or ErrNotFound.
func (s *SQLiteStorage) GetSource(ctx context.Context, path string) (*Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, title, mod_time, size, chunk_count, indexed_at
		 FROM sources WHERE path = ?`, path)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return src, err
}

// DeleteSource removes the record and chunk rows for path. Missing paths are not an error.
func (s *SQLiteStorage) DeleteSource(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE path = ?`, path)
	return err
}

// ListSources returns records ordered by path with offset and limit.
func (s *SQLiteStorage) ListSources(ctx context.Context, offset, limit int) ([]*Source, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, title, mod_time, size, chunk_count, indexed_at
		 FROM sources ORDER BY path LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make([]*Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ChunksBySource returns the chunk rows of path ordered by index.
func (s *SQLiteStorage) ChunksBySource(ctx context.Context, path string) ([]*SourceChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, chunk_index, content FROM source_chunks
		 WHERE source = ? ORDER BY chunk_index`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := make([]*SourceChunk, 0)
	for rows.Next() {
		var c SourceChunk
		if err := rows.Scan(&c.Source, &c.Index, &c.Text); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// CountSources returns the total number of sources.
func (s *SQLiteStorage) CountSources(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&count)
	return count, err
}

// CountChunks returns the total number of chunk rows.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_chunks`).Scan(&count)
	return count, err
}

// Clear removes every source and chunk row.
func (s *SQLiteStorage) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM source_chunks`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources`); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(r rowScanner) (*Source, error) {
	var src Source
	var title sql.NullString
	var modTime, indexedAt int64
	if err := r.Scan(&src.Path, &title, &modTime, &src.Size, &src.ChunkCount, &indexedAt); err != nil {
		return nil, err
	}
	src.Title = title.String
	src.ModTime = time.Unix(0, modTime)
	src.IndexedAt = time.Unix(0, indexedAt)
	return &src, nil
}
