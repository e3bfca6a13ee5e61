package rag

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/sodan/internal/storage"
	"go.uber.org/zap"
)

// Orchestrator ingests corpus units into the vector store and answers
// queries against it.
type Orchestrator struct {
	store     Store
	corpus    Corpus
	registry  storage.Storage
	keywords  KeywordIndex
	threshold float64
	logger    *zap.Logger

	initMu sync.Mutex
	ready  atomic.Bool

	// mu keeps the delete and add of one source together.
	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRegistry records ingested sources so unchanged ones are skipped on
// the next Initialize, including across restarts.
func WithRegistry(r storage.Storage) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithKeywordIndex enables the lexical fallback for queries with no
// semantic hit.
func WithKeywordIndex(k KeywordIndex) Option {
	return func(o *Orchestrator) { o.keywords = k }
}

// WithThreshold overrides the minimum similarity score of search results.
func WithThreshold(t float64) Option {
	return func(o *Orchestrator) { o.threshold = t }
}

// New creates an orchestrator over store and corpus.
func New(store Store, corpus Corpus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		corpus:    corpus,
		threshold: DefaultThreshold,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initialize ingests every corpus unit once per process. Units that fail
// are logged and skipped. Concurrent callers wait for the first call; later
// calls after a success return immediately.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.initMu.Lock()
	defer o.initMu.Unlock()
	if o.ready.Load() {
		return nil
	}

	start := time.Now()
	units, err := o.corpus.Units(ctx)
	if err != nil {
		return fmt.Errorf("list corpus: %w", err)
	}
	var ingested, unchanged, failed int
	listed := make(map[string]bool, len(units))
	for i := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		u := units[i]
		listed[u.Source] = true
		if o.unchanged(ctx, u) {
			unchanged++
			continue
		}
		if _, err := o.ingest(ctx, u.Source); err != nil {
			failed++
			o.logger.Warn("skipping unit", zap.String("source", u.Source), zap.Error(err))
			continue
		}
		ingested++
	}
	removed := o.pruneVanished(ctx, listed)

	o.ready.Store(true)
	o.logger.Info("corpus initialized",
		zap.Int("units", len(units)),
		zap.Int("ingested", ingested),
		zap.Int("unchanged", unchanged),
		zap.Int("failed", failed),
		zap.Int("removed", removed),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// unchanged reports whether the registry already holds u at its current
// modification time and size, with all of its chunks in the store.
func (o *Orchestrator) unchanged(ctx context.Context, u Unit) bool {
	if o.registry == nil {
		return false
	}
	rec, err := o.registry.GetSource(ctx, u.Source)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("registry lookup failed", zap.String("source", u.Source), zap.Error(err))
		}
		return false
	}
	return rec.Unchanged(u.ModTime, u.Size) && len(o.store.Chunks(u.Source)) == rec.ChunkCount
}

// pruneVanished drops registry sources that are no longer in the corpus.
func (o *Orchestrator) pruneVanished(ctx context.Context, listed map[string]bool) int {
	if o.registry == nil {
		return 0
	}
	recs, err := o.registry.ListSources(ctx, 0, 0)
	if err != nil {
		o.logger.Warn("registry listing failed", zap.Error(err))
		return 0
	}
	removed := 0
	for _, rec := range recs {
		if listed[rec.Path] {
			continue
		}
		if _, err := o.RemoveDocument(ctx, rec.Path); err != nil {
			o.logger.Warn("failed to remove vanished source", zap.String("source", rec.Path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// ingest loads one unit and replaces whatever the store held for it.
func (o *Orchestrator) ingest(ctx context.Context, identifier string) (int, error) {
	unit, err := o.corpus.Load(ctx, identifier)
	if err != nil {
		return 0, err
	}
	metadata := make([]map[string]string, len(unit.Chunks))
	for i := range unit.Chunks {
		metadata[i] = map[string]string{"title": unit.Title, "chunk": strconv.Itoa(i)}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.store.ReplaceSource(ctx, unit.Source, unit.Chunks, metadata); err != nil {
		return 0, err
	}
	if o.keywords != nil {
		if err := o.keywords.DeleteSource(ctx, unit.Source); err != nil {
			o.logger.Warn("keyword delete failed", zap.String("source", unit.Source), zap.Error(err))
		}
		if err := o.keywords.Index(ctx, unit.Source, unit.Chunks); err != nil {
			o.logger.Warn("keyword index failed", zap.String("source", unit.Source), zap.Error(err))
		}
	}
	if o.registry != nil {
		rec := &storage.Source{
			Path:       unit.Source,
			Title:      unit.Title,
			ModTime:    unit.ModTime,
			Size:       unit.Size,
			ChunkCount: len(unit.Chunks),
			IndexedAt:  time.Now(),
		}
		if err := o.registry.UpsertSource(ctx, rec, unit.Chunks); err != nil {
			o.logger.Warn("registry update failed", zap.String("source", unit.Source), zap.Error(err))
		}
	}
	o.logger.Debug("unit ingested", zap.String("source", unit.Source), zap.Int("chunks", len(unit.Chunks)))
	return len(unit.Chunks), nil
}

// AddDocument ingests one unit, replacing any chunks stored for it.
func (o *Orchestrator) AddDocument(ctx context.Context, identifier string) error {
	if _, err := o.ingest(ctx, identifier); err != nil {
		return fmt.Errorf("failed to add document %s: %w", identifier, err)
	}
	return nil
}

// RemoveDocument deletes every chunk of a unit and forgets its registry
// record. It returns the number of chunks removed.
func (o *Orchestrator) RemoveDocument(ctx context.Context, identifier string) (int, error) {
	source := o.corpus.Resolve(identifier)

	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.store.DeleteBySource(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("failed to remove document %s: %w", identifier, err)
	}
	if o.keywords != nil {
		if err := o.keywords.DeleteSource(ctx, source); err != nil {
			o.logger.Warn("keyword delete failed", zap.String("source", source), zap.Error(err))
		}
	}
	if o.registry != nil {
		if err := o.registry.DeleteSource(ctx, source); err != nil && !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("registry delete failed", zap.String("source", source), zap.Error(err))
		}
	}
	o.logger.Debug("unit removed", zap.String("source", source), zap.Int("chunks", n))
	return n, nil
}

// Search initializes the corpus if needed and returns up to topK snippets
// scoring at least the threshold. With a keyword index and no semantic hit,
// keyword hits are returned instead.
func (o *Orchestrator) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	if err := o.Initialize(ctx); err != nil {
		return nil, err
	}
	results, err := o.store.Search(ctx, query, topK, o.threshold)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{Content: r.Text, Score: r.Score, Source: r.Source})
	}
	if len(snippets) > 0 || o.keywords == nil || topK <= 0 {
		return snippets, nil
	}

	hits, err := o.keywords.Search(ctx, query, topK)
	if err != nil {
		o.logger.Warn("keyword fallback failed", zap.String("query", query), zap.Error(err))
		return snippets, nil
	}
	for _, h := range hits {
		snippets = append(snippets, Snippet{Content: h.Content, Score: h.Score, Source: h.Source, Lexical: true})
	}
	o.logger.Debug("keyword fallback used", zap.String("query", query), zap.Int("hits", len(hits)))
	return snippets, nil
}

// BuildContext returns the contents of the top snippets for question,
// separated by blank lines. It is empty when nothing relevant was found.
func (o *Orchestrator) BuildContext(ctx context.Context, question string, topK int) (string, error) {
	snippets, err := o.Search(ctx, question, topK)
	if err != nil {
		return "", err
	}
	return JoinSnippets(snippets), nil
}

// JoinSnippets joins snippet contents with a blank line.
func JoinSnippets(snippets []Snippet) string {
	parts := make([]string, len(snippets))
	for i, s := range snippets {
		parts[i] = s.Content
	}
	return strings.Join(parts, "\n\n")
}

// Reset empties the store, the keyword index and the registry. The corpus
// is not re-ingested until AddDocument is called or the process restarts.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear vector index: %w", err)
	}
	if o.keywords != nil {
		if err := o.keywords.Clear(ctx); err != nil {
			return fmt.Errorf("clear keyword index: %w", err)
		}
	}
	if o.registry != nil {
		if err := o.registry.Clear(ctx); err != nil {
			return fmt.Errorf("clear registry: %w", err)
		}
	}
	o.logger.Info("index reset")
	return nil
}

// Ready reports whether Initialize has completed.
func (o *Orchestrator) Ready() bool {
	return o.ready.Load()
}
