package benchmark

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/hyperjump/sodan/internal/embedding"
	"github.com/hyperjump/sodan/internal/ingest"
	"github.com/hyperjump/sodan/internal/vector"
)

const dim = 384

func newStore(b *testing.B, chunks int) *vector.Store {
	b.Helper()
	svc := embedding.NewService(embedding.NewHashEmbedder(dim))
	s, err := vector.NewStore(b.TempDir(), svc, vector.WithBatchSize(128))
	if err != nil {
		b.Fatal(err)
	}
	texts := make([]string, chunks)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d about topic %d and section %d", i, i%37, i%11)
	}
	if err := s.AddDocuments(context.Background(), texts, nil, "bench.txt"); err != nil {
		b.Fatal(err)
	}
	return s
}

func BenchmarkStoreSearch(b *testing.B) {
	s := newStore(b, 1000)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Search(ctx, "topic 12 and section 3", 10, 0)
	}
}

func BenchmarkStoreSearchVector(b *testing.B) {
	s := newStore(b, 1000)
	ctx := context.Background()
	query, _ := embedding.NewHashEmbedder(dim).Embed(ctx, "topic 12 and section 3")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.SearchVector(ctx, query, 10, 0)
	}
}

func BenchmarkFlatIndexSearch(b *testing.B) {
	idx, _ := vector.NewFlatIndex(dim)
	for i := 0; i < 1000; i++ {
		v := make([]float32, dim)
		v[i%dim] = 1
		v[(i+1)%dim] = float32(i) / 1000
		_ = idx.Add(int64(i), v)
	}
	query := make([]float32, dim)
	query[0] = 1
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Search(query, 10, 0)
	}
}

func BenchmarkHashEmbedder_Embed(b *testing.B) {
	e := embedding.NewHashEmbedder(dim)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, "benchmark query text for embedding")
	}
}

func BenchmarkServiceEncodeCached(b *testing.B) {
	svc := embedding.NewService(embedding.NewHashEmbedder(dim))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = svc.EncodeCached(ctx, "benchmark query text for embedding")
	}
}

func BenchmarkChunkerSplit(b *testing.B) {
	text := strings.Repeat("Employees accrue vacation days monthly. ", 500)
	ch := ingest.NewChunker(1000, 200)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ch.Split(text)
	}
}
