package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hyperjump/sodan/internal/config"
	"github.com/hyperjump/sodan/internal/models"
)

// countingEmbedder wraps HashEmbedder, counting calls and detecting overlap.
type countingEmbedder struct {
	*HashEmbedder
	embedCalls  atomic.Int32
	batchCalls  atomic.Int32
	batchSizes  []int
	inFlight    atomic.Int32
	overlapped  atomic.Bool
	failOn      string
	unnormalize bool
	mu          sync.Mutex
}

func newCountingEmbedder(dim int) *countingEmbedder {
	return &countingEmbedder{HashEmbedder: NewHashEmbedder(dim)}
}

func (c *countingEmbedder) enter() {
	if c.inFlight.Add(1) > 1 {
		c.overlapped.Store(true)
	}
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.enter()
	defer c.inFlight.Add(-1)
	c.embedCalls.Add(1)
	vec, err := c.HashEmbedder.Embed(ctx, text)
	if err == nil && c.unnormalize {
		for i := range vec {
			vec[i] *= 3
		}
	}
	return vec, err
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.enter()
	defer c.inFlight.Add(-1)
	c.batchCalls.Add(1)
	c.mu.Lock()
	c.batchSizes = append(c.batchSizes, len(texts))
	c.mu.Unlock()
	for _, t := range texts {
		if c.failOn != "" && t == c.failOn {
			return nil, errors.New("bad input")
		}
	}
	return c.HashEmbedder.EmbedBatch(ctx, texts)
}

func vecNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestService_EncodeDimensionAndNorm(t *testing.T) {
	model := newCountingEmbedder(16)
	model.unnormalize = true
	svc := NewService(model)
	for _, text := range []string{"a", "hello world", "Привет, мир", "   "} {
		vec, err := svc.Encode(context.Background(), text)
		if err != nil {
			t.Fatal(err)
		}
		if len(vec) != 16 {
			t.Errorf("Encode(%q): len=%d, want 16", text, len(vec))
		}
		if n := vecNorm(vec); math.Abs(n-1) > 1e-5 {
			t.Errorf("Encode(%q): norm=%f, want 1", text, n)
		}
	}
}

func TestService_EncodeBatchSubBatchesInOrder(t *testing.T) {
	model := newCountingEmbedder(8)
	svc := NewService(model)
	ctx := context.Background()
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}
	vecs, err := svc.EncodeBatch(ctx, texts, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	if got := model.batchCalls.Load(); got != 3 {
		t.Errorf("batch calls=%d, want 3", got)
	}
	want := []int{4, 4, 2}
	for i, n := range model.batchSizes {
		if n != want[i] {
			t.Errorf("sub-batch %d size=%d, want %d", i, n, want[i])
		}
	}
	for i, text := range texts {
		single, err := svc.Encode(ctx, text)
		if err != nil {
			t.Fatal(err)
		}
		if CosineSimilarity(single, vecs[i]) < 0.9999 {
			t.Errorf("vector %d does not match Encode(%q)", i, text)
		}
	}
}

func TestService_EncodeBatchEmpty(t *testing.T) {
	svc := NewService(NewHashEmbedder(4))
	vecs, err := svc.EncodeBatch(context.Background(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if vecs == nil || len(vecs) != 0 {
		t.Errorf("want empty non-nil result, got %v", vecs)
	}
}

func TestService_EncodeBatchReportsRange(t *testing.T) {
	model := newCountingEmbedder(4)
	model.failOn = "bad"
	svc := NewService(model)
	_, err := svc.EncodeBatch(context.Background(), []string{"a", "b", "c", "bad", "e"}, 2)
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "encode batch [2:4]"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q should mention %q", err, want)
	}
}

func TestService_EncodeBatchCancelled(t *testing.T) {
	svc := NewService(NewHashEmbedder(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.EncodeBatch(ctx, []string{"a"}, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("err=%v, want context.Canceled", err)
	}
}

func TestService_EncodeCached(t *testing.T) {
	model := newCountingEmbedder(4)
	svc := NewService(model, WithCacheSize(2))
	ctx := context.Background()

	first, err := svc.EncodeCached(ctx, "same")
	if err != nil {
		t.Fatal(err)
	}
	first[0] = 42 // callers must not be able to corrupt the cache
	second, err := svc.EncodeCached(ctx, "same")
	if err != nil {
		t.Fatal(err)
	}
	if got := model.embedCalls.Load(); got != 1 {
		t.Errorf("model calls=%d, want 1", got)
	}
	if second[0] == 42 {
		t.Error("cached vector was mutated through a returned slice")
	}
	if svc.CacheLen() != 1 {
		t.Errorf("CacheLen=%d, want 1", svc.CacheLen())
	}

	svc.ClearCache()
	if svc.CacheLen() != 0 {
		t.Errorf("CacheLen after clear=%d", svc.CacheLen())
	}
	if _, err := svc.EncodeCached(ctx, "same"); err != nil {
		t.Fatal(err)
	}
	if got := model.embedCalls.Load(); got != 2 {
		t.Errorf("model calls after clear=%d, want 2", got)
	}
}

func TestService_SerializesModelAccess(t *testing.T) {
	model := newCountingEmbedder(8)
	svc := NewService(model)
	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if i%2 == 0 {
					_, _ = svc.Encode(ctx, fmt.Sprintf("%d-%d", g, i))
				} else {
					_, _ = svc.EncodeBatch(ctx, []string{"x", "y", "z"}, 2)
				}
			}
		}(g)
	}
	wg.Wait()
	if model.overlapped.Load() {
		t.Error("model was called concurrently")
	}
}

func TestService_RankTexts(t *testing.T) {
	svc := NewService(NewHashEmbedder(64))
	ctx := context.Background()
	same, err := svc.RankTexts(ctx, "membership fees", []string{"membership fees"}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(same) != 1 || math.Abs(same[0].Score-1) > 1e-5 {
		t.Errorf("identical texts: %+v, want score 1", same)
	}

	texts := []string{"alpha", "beta", "membership fees", "gamma"}
	ranked, err := svc.RankTexts(ctx, "membership fees", texts, 0.99, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 || ranked[0].Index != 2 {
		t.Errorf("RankTexts=%+v, want only index 2", ranked)
	}

	all, err := svc.RankTexts(ctx, "membership fees", texts, -1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Index != 2 {
		t.Errorf("RankTexts topK=2: %+v", all)
	}
}

func TestService_ModelInfo(t *testing.T) {
	svc := NewService(NewHashEmbedder(12))
	info := svc.ModelInfo()
	if info.Provider != ProviderHash || info.Dimensions != 12 {
		t.Errorf("ModelInfo=%+v", info)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-2, 0}, -1},
		{"zero norm", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("CosineSimilarity=%f, want %f", got, tt.want)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	emb, err := Open(&config.EmbeddingConfig{Provider: ProviderHash, Dimensions: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if emb.Dimensions() != 8 {
		t.Errorf("Dimensions=%d", emb.Dimensions())
	}

	if _, err := Open(&config.EmbeddingConfig{Provider: "word2vec"}, nil); err == nil {
		t.Error("unknown provider should fail")
	}

	missing := filepath.Join(t.TempDir(), "missing.onnx")
	_, err = Open(&config.EmbeddingConfig{
		Provider:          ProviderONNX,
		ModelPath:         missing,
		FallbackModelPath: missing + ".fallback",
		Dimensions:        8,
		MaxTokens:         16,
	}, nil)
	if !errors.Is(err, models.ErrModelUnavailable) {
		t.Errorf("err=%v, want ErrModelUnavailable", err)
	}
}
