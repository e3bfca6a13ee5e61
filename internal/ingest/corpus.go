package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/hyperjump/sodan/internal/models"
	"github.com/hyperjump/sodan/internal/rag"
	"go.uber.org/zap"
)

// DirectoryCorpus serves the files under a root directory whose extension
// is in an allow-list. Sources are absolute file paths.
type DirectoryCorpus struct {
	root       string
	extensions []string
	extractor  *Extractor
	chunker    *Chunker
	logger     *zap.Logger
}

var _ rag.Corpus = (*DirectoryCorpus)(nil)

// CorpusOption configures a DirectoryCorpus.
type CorpusOption func(*DirectoryCorpus)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) CorpusOption {
	return func(c *DirectoryCorpus) { c.logger = l }
}

// WithChunker replaces the default chunker.
func WithChunker(ch *Chunker) CorpusOption {
	return func(c *DirectoryCorpus) { c.chunker = ch }
}

// NewDirectoryCorpus returns a corpus over root.
func NewDirectoryCorpus(root string, extensions []string, opts ...CorpusOption) (*DirectoryCorpus, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	c := &DirectoryCorpus{
		root:       abs,
		extensions: extensions,
		extractor:  NewExtractor(),
		chunker:    NewChunker(DefaultChunkSize, 0),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Root returns the absolute corpus directory.
func (c *DirectoryCorpus) Root() string { return c.root }

// Extensions returns the allowed extensions.
func (c *DirectoryCorpus) Extensions() []string { return c.extensions }

// Units lists the regular files under the root, sorted by path, without
// loading their content. A missing root yields no units.
func (c *DirectoryCorpus) Units(ctx context.Context) ([]rag.Unit, error) {
	units := make([]rag.Unit, 0)
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == c.root && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			c.logger.Warn("skipping unreadable path", zap.String("path", path), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !HasExtension(path, c.extensions) {
			return nil
		}
		// Resolve symlinks so only regular files are served.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		units = append(units, rag.Unit{
			Source:  path,
			Title:   filepath.Base(path),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Source < units[j].Source })
	return units, nil
}

// Load extracts and chunks one file. source may be relative to the root.
func (c *DirectoryCorpus) Load(ctx context.Context, source string) (rag.Unit, error) {
	if err := ctx.Err(); err != nil {
		return rag.Unit{}, err
	}
	path := c.Resolve(source)
	if !HasExtension(path, c.extensions) {
		return rag.Unit{}, fmt.Errorf("%w: extension of %s not in allowed list", models.ErrArgumentMismatch, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return rag.Unit{}, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return rag.Unit{}, fmt.Errorf("not a regular file: %s", path)
	}
	text, err := c.extractor.Extract(path)
	if err != nil {
		return rag.Unit{}, fmt.Errorf("extract content: %w", err)
	}
	chunks := c.chunker.Split(Preprocess(text))
	c.logger.Debug("file loaded", zap.String("path", path), zap.Int("chunks", len(chunks)))
	return rag.Unit{
		Source:  path,
		Title:   filepath.Base(path),
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Chunks:  chunks,
	}, nil
}

// Resolve maps an identifier to the absolute path used as its source.
func (c *DirectoryCorpus) Resolve(source string) string {
	if filepath.IsAbs(source) {
		return filepath.Clean(source)
	}
	return filepath.Join(c.root, source)
}
