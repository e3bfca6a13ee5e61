// Package vector stores chunk embeddings with their texts and metadata and
// answers exact cosine similarity queries. State is persisted as a snapshot
// after every mutation.
package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperjump/sodan/internal/models"
	"go.uber.org/zap"
)

// Encoder turns texts into unit-length vectors. embedding.Service satisfies it.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
	Dimensions() int
}

// Chunk is one stored text with its source and metadata.
type Chunk struct {
	ID       int64             `json:"id"`
	Text     string            `json:"text"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is a search hit.
type Result struct {
	ID       int64             `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes the store.
type Stats struct {
	Count     int      `json:"count"`
	Dimension int      `json:"dimension"`
	Sources   []string `json:"sources"`
}

// UnknownSource is reported by Stats for chunks stored without a source.
const UnknownSource = "unknown"

// state is an immutable snapshot of the store; chunks[i] belongs to index position i.
type state struct {
	index  *FlatIndex
	chunks []Chunk
	nextID int64
}

// Store is the vector index. Mutations are serialized; searches run
// concurrently against the last committed state.
type Store struct {
	dir       string
	encoder   Encoder
	logger    *zap.Logger
	batchSize int

	writeMu sync.Mutex // serializes mutations, held across embedding and persistence
	mu      sync.RWMutex
	cur     *state
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithBatchSize sets the sub-batch size passed to the encoder.
func WithBatchSize(n int) StoreOption {
	return func(s *Store) { s.batchSize = n }
}

// NewStore opens the store persisted under dir. A missing snapshot yields an
// empty store. An inconsistent snapshot is logged and also yields an empty
// store; it never fails construction.
func NewStore(dir string, encoder Encoder, opts ...StoreOption) (*Store, error) {
	dim := encoder.Dimensions()
	empty, err := NewFlatIndex(dim)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir, encoder: encoder, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.cur = &state{index: empty}

	if dir == "" {
		return s, nil
	}
	st, err := readSnapshot(dir, dim)
	switch {
	case err != nil:
		s.logger.Warn("vector snapshot unusable, starting empty",
			zap.String("dir", dir),
			zap.Error(fmt.Errorf("%w: %v", models.ErrIndexCorrupt, err)))
	case st != nil:
		s.cur = st
		s.logger.Info("vector snapshot loaded",
			zap.String("dir", dir),
			zap.Int("chunks", len(st.chunks)))
	}
	return s, nil
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// commit persists next and publishes it. On a write failure the committed
// state is left as it was.
func (s *Store) commit(ctx context.Context, next *state) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.dir != "" {
		gen, err := writeSnapshot(s.dir, next)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		if err := pruneGenerations(s.dir, gen); err != nil {
			s.logger.Warn("failed to remove old snapshot generations", zap.Error(err))
		}
	}
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}

// AddDocuments embeds texts and appends them under source. metadata, when
// non-nil, must be parallel to texts. The snapshot is written before it returns.
func (s *Store) AddDocuments(ctx context.Context, texts []string, metadata []map[string]string, source string) error {
	if metadata != nil && len(metadata) != len(texts) {
		return fmt.Errorf("%w: %d texts, %d metadata entries", models.ErrArgumentMismatch, len(texts), len(metadata))
	}
	if len(texts) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	vecs, err := s.encoder.EncodeBatch(ctx, texts, s.batchSize)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(texts) {
		return fmt.Errorf("embed documents: got %d vectors for %d texts", len(vecs), len(texts))
	}

	cur := s.snapshot()
	next := &state{
		index:  cur.index.Clone(),
		chunks: append(make([]Chunk, 0, len(cur.chunks)+len(texts)), cur.chunks...),
		nextID: cur.nextID,
	}
	for i, text := range texts {
		id := next.nextID
		if err := next.index.Add(id, normalized(vecs[i])); err != nil {
			return fmt.Errorf("add document %d: %w", i, err)
		}
		var meta map[string]string
		if metadata != nil {
			meta = copyMeta(metadata[i])
		}
		next.chunks = append(next.chunks, Chunk{ID: id, Text: text, Source: source, Metadata: meta})
		next.nextID++
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.logger.Debug("documents added",
		zap.String("source", source),
		zap.Int("chunks", len(texts)),
		zap.Int("total", len(next.chunks)))
	return nil
}

// Search embeds query and returns at most topK chunks scoring at least
// threshold, best first, ties broken by ascending ID. An empty store returns
// an empty result without embedding the query.
func (s *Store) Search(ctx context.Context, query string, topK int, threshold float64) ([]Result, error) {
	if s.snapshot().index.Len() == 0 || topK <= 0 {
		return []Result{}, nil
	}
	vec, err := s.encoder.Encode(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.SearchVector(ctx, vec, topK, threshold)
}

// SearchVector is Search for a pre-computed query vector.
func (s *Store) SearchVector(ctx context.Context, vec []float32, topK int, threshold float64) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.snapshot()
	if st.index.Len() == 0 || topK <= 0 {
		return []Result{}, nil
	}
	if len(vec) != st.index.Dimensions() {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			models.ErrArgumentMismatch, len(vec), st.index.Dimensions())
	}
	hits, err := st.index.Search(normalized(vec), topK, threshold)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		c := st.chunks[h.Pos]
		results[i] = Result{ID: c.ID, Text: c.Text, Score: h.Score, Source: c.Source, Metadata: copyMeta(c.Metadata)}
	}
	return results, nil
}

// DeleteBySource removes every chunk stored under source and rebuilds the
// index from the survivors. It returns the number of chunks removed.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.snapshot()
	survivors := make([]Chunk, 0, len(cur.chunks))
	for _, c := range cur.chunks {
		if c.Source != source {
			survivors = append(survivors, c)
		}
	}
	removed := len(cur.chunks) - len(survivors)
	if removed == 0 {
		return 0, nil
	}
	if err := s.rebuildFrom(ctx, survivors, cur.nextID); err != nil {
		return 0, err
	}
	s.logger.Info("source deleted", zap.String("source", source), zap.Int("chunks", removed))
	return removed, nil
}

// ReplaceSource swaps the chunks stored under source for texts in one
// commit. Survivors are re-embedded and renumbered as in DeleteBySource; the
// new chunks get fresh IDs. On any failure the committed state is unchanged.
// Empty texts removes the source.
func (s *Store) ReplaceSource(ctx context.Context, source string, texts []string, metadata []map[string]string) error {
	if metadata != nil && len(metadata) != len(texts) {
		return fmt.Errorf("%w: %d texts, %d metadata entries", models.ErrArgumentMismatch, len(texts), len(metadata))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.snapshot()
	survivors := make([]Chunk, 0, len(cur.chunks))
	for _, c := range cur.chunks {
		if c.Source != source {
			survivors = append(survivors, c)
		}
	}
	removed := len(cur.chunks) - len(survivors)
	if removed == 0 && len(texts) == 0 {
		return nil
	}

	// Survivors keep their vectors when nothing was removed.
	reembed := survivors
	if removed == 0 {
		reembed = nil
	}
	all := make([]string, 0, len(reembed)+len(texts))
	for _, c := range reembed {
		all = append(all, c.Text)
	}
	all = append(all, texts...)

	var vecs [][]float32
	if len(all) > 0 {
		var err error
		vecs, err = s.encoder.EncodeBatch(ctx, all, s.batchSize)
		if err != nil {
			return fmt.Errorf("embed documents: %w", err)
		}
		if len(vecs) != len(all) {
			return fmt.Errorf("embed documents: got %d vectors for %d texts", len(vecs), len(all))
		}
	}

	var next *state
	if removed == 0 {
		next = &state{
			index:  cur.index.Clone(),
			chunks: append(make([]Chunk, 0, len(cur.chunks)+len(texts)), cur.chunks...),
			nextID: cur.nextID,
		}
	} else {
		idx, err := NewFlatIndex(s.encoder.Dimensions())
		if err != nil {
			return err
		}
		next = &state{index: idx, chunks: make([]Chunk, 0, len(survivors)+len(texts)), nextID: cur.nextID}
		for i, c := range survivors {
			if err := idx.Add(int64(i), normalized(vecs[i])); err != nil {
				return fmt.Errorf("rebuild chunk %d: %w", i, err)
			}
			c.ID = int64(i)
			next.chunks = append(next.chunks, c)
		}
		if int64(len(survivors)) > next.nextID {
			next.nextID = int64(len(survivors))
		}
		vecs = vecs[len(survivors):]
	}

	for i, text := range texts {
		id := next.nextID
		if err := next.index.Add(id, normalized(vecs[i])); err != nil {
			return fmt.Errorf("add document %d: %w", i, err)
		}
		var meta map[string]string
		if metadata != nil {
			meta = copyMeta(metadata[i])
		}
		next.chunks = append(next.chunks, Chunk{ID: id, Text: text, Source: source, Metadata: meta})
		next.nextID++
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.logger.Debug("source replaced",
		zap.String("source", source),
		zap.Int("removed", removed),
		zap.Int("added", len(texts)),
		zap.Int("total", len(next.chunks)))
	return nil
}

// Rebuild re-embeds every stored text, renumbers IDs densely from 0 in
// positional order and rewrites the snapshot.
func (s *Store) Rebuild(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.snapshot()
	return s.rebuildFrom(ctx, cur.chunks, cur.nextID)
}

// rebuildFrom must be called with writeMu held. The next-ID counter is
// carried over so IDs issued later never collide with earlier ones.
func (s *Store) rebuildFrom(ctx context.Context, chunks []Chunk, nextID int64) error {
	idx, err := NewFlatIndex(s.encoder.Dimensions())
	if err != nil {
		return err
	}
	next := &state{index: idx, chunks: make([]Chunk, len(chunks)), nextID: nextID}
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := s.encoder.EncodeBatch(ctx, texts, s.batchSize)
		if err != nil {
			return fmt.Errorf("rebuild embeddings: %w", err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("rebuild embeddings: got %d vectors for %d texts", len(vecs), len(texts))
		}
		for i, c := range chunks {
			if err := idx.Add(int64(i), normalized(vecs[i])); err != nil {
				return fmt.Errorf("rebuild chunk %d: %w", i, err)
			}
			c.ID = int64(i)
			next.chunks[i] = c
		}
	}
	if int64(len(chunks)) > next.nextID {
		next.nextID = int64(len(chunks))
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.logger.Info("vector index rebuilt", zap.Int("chunks", len(chunks)))
	return nil
}

// Clear removes every chunk and persists the empty index.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	idx, err := NewFlatIndex(s.encoder.Dimensions())
	if err != nil {
		return err
	}
	return s.commit(ctx, &state{index: idx, nextID: s.snapshot().nextID})
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	return s.snapshot().index.Len()
}

// Stats returns the chunk count, dimension and distinct sources (sorted).
func (s *Store) Stats() Stats {
	st := s.snapshot()
	seen := make(map[string]bool)
	sources := make([]string, 0)
	for _, c := range st.chunks {
		src := c.Source
		if src == "" {
			src = UnknownSource
		}
		if !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return Stats{Count: len(st.chunks), Dimension: st.index.Dimensions(), Sources: sources}
}

// Chunks returns copies of the chunks stored under source, in insertion order.
func (s *Store) Chunks(source string) []Chunk {
	st := s.snapshot()
	out := make([]Chunk, 0)
	for _, c := range st.chunks {
		if c.Source == source {
			c.Metadata = copyMeta(c.Metadata)
			out = append(out, c)
		}
	}
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
