package embedding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperjump/sodan/internal/cache"
	"github.com/hyperjump/sodan/pkg/utils"
	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is the sub-batch size used when EncodeBatch is given a non-positive size.
	DefaultBatchSize = 32
	// DefaultCacheSize is the number of texts memoized by EncodeCached.
	DefaultCacheSize = 1000
)

// Service wraps a model handle with batching, an LRU encode cache and
// serialized model access. It is safe for concurrent use.
type Service struct {
	model     Embedder
	batchSize int
	cache     *cache.Cache[string, []float32]
	logger    *zap.Logger
	mu        sync.Mutex // one model call in flight at a time
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	batchSize int
	cacheSize int
	logger    *zap.Logger
}

// WithBatchSize sets the default sub-batch size.
func WithBatchSize(n int) ServiceOption {
	return func(o *serviceOptions) { o.batchSize = n }
}

// WithCacheSize sets the capacity of the encode cache.
func WithCacheSize(n int) ServiceOption {
	return func(o *serviceOptions) { o.cacheSize = n }
}

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// NewService returns a Service over model. The service takes ownership of
// model and closes it in Close.
func NewService(model Embedder, opts ...ServiceOption) *Service {
	o := serviceOptions{batchSize: DefaultBatchSize, cacheSize: DefaultCacheSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.cacheSize <= 0 {
		o.cacheSize = DefaultCacheSize
	}
	return &Service{
		model:     model,
		batchSize: o.batchSize,
		cache:     cache.NewLRU[string, []float32](o.cacheSize),
		logger:    o.logger,
	}
}

// Encode returns the unit-length embedding of text.
func (s *Service) Encode(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	vec, err := s.model.Embed(ctx, text)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return s.finish(vec)
}

// EncodeBatch embeds texts in sub-batches of batchSize (the service default
// when batchSize <= 0) and returns vectors in input order. A failing
// sub-batch is reported with its index range. Empty input returns an empty
// result.
func (s *Service) EncodeBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		vecs, err := s.model.EmbedBatch(ctx, texts[start:end])
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("encode batch [%d:%d]: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("encode batch [%d:%d]: model returned %d vectors", start, end, len(vecs))
		}
		for _, vec := range vecs {
			v, err := s.finish(vec)
			if err != nil {
				return nil, fmt.Errorf("encode batch [%d:%d]: %w", start, end, err)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// EncodeCached is Encode memoized by exact text. The cache has no TTL and is
// cleared only by ClearCache.
func (s *Service) EncodeCached(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.cache.Get(text); ok {
		return append([]float32(nil), vec...), nil
	}
	vec, err := s.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.Set(text, append([]float32(nil), vec...))
	return vec, nil
}

// ClearCache empties the encode cache.
func (s *Service) ClearCache() {
	s.cache.Clear()
	s.logger.Debug("embedding cache cleared")
}

// CacheLen returns the number of memoized texts.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

// Dimensions returns the embedding dimension.
func (s *Service) Dimensions() int {
	return s.model.Dimensions()
}

// ModelInfo describes the underlying model.
func (s *Service) ModelInfo() ModelInfo {
	if m, ok := s.model.(interface{ Info() ModelInfo }); ok {
		return m.Info()
	}
	return ModelInfo{Provider: "custom", Dimensions: s.model.Dimensions()}
}

// Ranked is a text scored against a query by RankTexts.
type Ranked struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Index int     `json:"index"`
}

// RankTexts scores texts against query and returns those with score >=
// threshold, best first, at most topK (all when topK <= 0).
func (s *Service) RankTexts(ctx context.Context, query string, texts []string, threshold float64, topK int) ([]Ranked, error) {
	if len(texts) == 0 {
		return []Ranked{}, nil
	}
	q, err := s.Encode(ctx, query)
	if err != nil {
		return nil, err
	}
	vecs, err := s.EncodeBatch(ctx, texts, 0)
	if err != nil {
		return nil, err
	}
	ranked := make([]Ranked, 0, len(texts))
	for i, vec := range vecs {
		score := CosineSimilarity(q, vec)
		if score >= threshold {
			ranked = append(ranked, Ranked{Text: texts[i], Score: score, Index: i})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

// Close releases the model.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Close()
}

func (s *Service) finish(vec []float32) ([]float32, error) {
	if d := s.model.Dimensions(); len(vec) != d {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(vec), d)
	}
	out := append([]float32(nil), vec...)
	utils.NormalizeL2(out)
	return out, nil
}
