package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

const deleteBatchSize = 500

// BleveIndex indexes chunk texts with Bleve, one document per chunk keyed
// by ChunkID.
type BleveIndex struct {
	index     bleve.Index
	fuzziness int
}

// Option configures a BleveIndex.
type Option func(*BleveIndex)

// WithFuzziness enables typo-tolerant matching within the given edit
// distance (1 or 2). 0 disables it.
func WithFuzziness(n int) Option {
	return func(b *BleveIndex) {
		if n >= 0 && n <= 2 {
			b.fuzziness = n
		}
	}
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	// Standard analyzer: lowercase and tokenize without stemming, so "bayes"
	// matches "Bayes" but not "Bayesian".
	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	doc.AddFieldMappingsAt("content", content)

	doc.AddFieldMappingsAt("source", bleve.NewKeywordFieldMapping())
	doc.AddFieldMappingsAt("chunk", bleve.NewNumericFieldMapping())

	im.DefaultMapping = doc
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path gives
// an in-memory index.
func NewBleveIndex(path string, opts ...Option) (*BleveIndex, error) {
	var (
		index bleve.Index
		err   error
	)
	switch {
	case path == "":
		index, err = bleve.NewMemOnly(newMapping())
	default:
		if _, statErr := os.Stat(path); statErr == nil {
			index, err = bleve.Open(path)
		} else {
			index, err = bleve.New(path, newMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open Bleve index: %w", err)
	}
	b := &BleveIndex{index: index}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Index adds the chunks of source in one batch.
func (b *BleveIndex) Index(ctx context.Context, source string, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for i, text := range chunks {
		if err := batch.Index(ChunkID(source, i), chunkDoc{Source: source, Chunk: i, Content: text}); err != nil {
			return fmt.Errorf("index chunk %d: %w", i, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// DeleteSource removes every chunk of source.
func (b *BleveIndex) DeleteSource(ctx context.Context, source string) error {
	q := bleve.NewTermQuery(source)
	q.SetField("source")
	return b.deleteMatching(ctx, q)
}

// Clear removes every chunk.
func (b *BleveIndex) Clear(ctx context.Context) error {
	return b.deleteMatching(ctx, bleve.NewMatchAllQuery())
}

func (b *BleveIndex) deleteMatching(ctx context.Context, q blevequery.Query) error {
	for {
		req := bleve.NewSearchRequest(q)
		req.Size = deleteBatchSize
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("Bleve search failed: %w", err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := b.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return fmt.Errorf("Bleve delete failed: %w", err)
		}
	}
}

// Search runs a match query over chunk contents and returns up to limit
// hits, best first.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}
	var q blevequery.Query
	if b.fuzziness > 0 {
		q = buildFuzzyQuery(query, b.fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField("content")
		q = mq
	}
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"source", "chunk", "content"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		hit.Source, _ = h.Fields["source"].(string)
		hit.Content, _ = h.Fields["content"].(string)
		if n, ok := h.Fields["chunk"].(float64); ok {
			hit.Chunk = int(n)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// buildFuzzyQuery ORs a fuzzy query per lowercased term of queryStr.
func buildFuzzyQuery(queryStr string, fuzziness int) blevequery.Query {
	terms := strings.Fields(strings.ToLower(queryStr))
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField("content")
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
