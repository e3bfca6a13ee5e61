package keyword

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestIndex(t *testing.T, opts ...Option) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex(filepath.Join(t.TempDir(), "bleve"), opts...)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestBleveIndex_SearchFindsContent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	chunks := []string{
		"This report mentions Omnisyan and other findings.",
		"The Bayes app is also referenced.",
	}
	if err := idx.Index(ctx, "/docs/report.docx", chunks); err != nil {
		t.Fatalf("Index: %v", err)
	}

	hits, err := idx.Search(ctx, "Omnisyan", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one hit for \"Omnisyan\", got %+v", hits)
	}
	h := hits[0]
	if h.ID != "/docs/report.docx#0" || h.Source != "/docs/report.docx" || h.Chunk != 0 || h.Content != chunks[0] || h.Score <= 0 {
		t.Errorf("hit = %+v", h)
	}

	// No stemming: "bayes" matches "Bayes" in chunk 1.
	hits, err = idx.Search(ctx, "bayes", 10)
	if err != nil {
		t.Fatalf("Search bayes: %v", err)
	}
	if len(hits) != 1 || hits[0].Chunk != 1 {
		t.Errorf("bayes hits = %+v", hits)
	}
}

func TestBleveIndex_DeleteSource(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	_ = idx.Index(ctx, "a.txt", []string{"shared term alpha", "shared term beta"})
	_ = idx.Index(ctx, "b.txt", []string{"shared term gamma"})

	if err := idx.DeleteSource(ctx, "a.txt"); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	hits, _ := idx.Search(ctx, "shared", 10)
	if len(hits) != 1 || hits[0].Source != "b.txt" {
		t.Errorf("after delete: %+v", hits)
	}
	if n, _ := idx.DocCount(); n != 1 {
		t.Errorf("DocCount = %d, want 1", n)
	}
	if err := idx.DeleteSource(ctx, "never-indexed"); err != nil {
		t.Errorf("deleting an unknown source: %v", err)
	}
}

func TestBleveIndex_Clear(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	_ = idx.Index(ctx, "a.txt", []string{"one", "two", "three"})

	if err := idx.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := idx.DocCount(); n != 0 {
		t.Errorf("DocCount = %d after Clear", n)
	}
}

func TestBleveIndex_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleve")
	ctx := context.Background()

	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = idx.Index(ctx, "a.txt", []string{"persistent words"})
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	idx, err = NewBleveIndex(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	hits, _ := idx.Search(ctx, "persistent", 5)
	if len(hits) != 1 {
		t.Errorf("expected hit after reopen, got %+v", hits)
	}
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		fuzziness int
		want      int
	}{
		{"exact misses typo", 0, 0},
		{"fuzzy finds typo", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := NewBleveIndex("", WithFuzziness(tt.fuzziness))
			if err != nil {
				t.Fatal(err)
			}
			defer idx.Close()
			_ = idx.Index(ctx, "a.txt", []string{"membership renewal form"})
			hits, err := idx.Search(ctx, "membrship", 5)
			if err != nil {
				t.Fatal(err)
			}
			if len(hits) != tt.want {
				t.Errorf("got %d hits, want %d", len(hits), tt.want)
			}
		})
	}
}

func TestBleveIndex_SearchEdgeCases(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	_ = idx.Index(ctx, "a.txt", []string{"content"})

	for _, q := range []string{"", "   "} {
		hits, err := idx.Search(ctx, q, 5)
		if err != nil || len(hits) != 0 {
			t.Errorf("Search(%q) = %v, %v", q, hits, err)
		}
	}
	if hits, _ := idx.Search(ctx, "content", 0); len(hits) != 0 {
		t.Error("limit 0 should return nothing")
	}
	if err := idx.Index(ctx, "empty.txt", nil); err != nil {
		t.Errorf("indexing no chunks: %v", err)
	}
}

func TestChunkID(t *testing.T) {
	if got := ChunkID("/a/b.txt", 3); got != "/a/b.txt#3" {
		t.Errorf("ChunkID = %q", got)
	}
}
