package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/sodan/internal/embedding"
	"github.com/hyperjump/sodan/internal/ingest"
	"github.com/hyperjump/sodan/internal/keyword"
	"github.com/hyperjump/sodan/internal/rag"
	"github.com/hyperjump/sodan/internal/storage"
	"github.com/hyperjump/sodan/internal/vector"
	"github.com/stretchr/testify/require"
)

const e2eDimensions = 64

type env struct {
	docs     string
	data     string
	registry *storage.SQLiteStorage
	store    *vector.Store
	keywords *keyword.BleveIndex
	rag      *rag.Orchestrator
}

// writeCorpus writes every document in the next format of FileExtensions
// and returns the file path per document name.
func writeCorpus(t *testing.T, dir string, c *Corpus) map[string]string {
	t.Helper()
	paths := make(map[string]string, len(c.Documents))
	for i, d := range c.Documents {
		ext := FileExtensions[i%len(FileExtensions)]
		content, err := EncodeFile(ext, d.Content)
		require.NoError(t, err)
		path := filepath.Join(dir, d.Name+ext)
		require.NoError(t, os.WriteFile(path, content, 0644))
		paths[d.Name] = path
	}
	return paths
}

// open builds the retrieval stack over docs with state kept under data.
func open(t *testing.T, docs, data string) *env {
	t.Helper()
	registry, err := storage.NewSQLiteStorage(filepath.Join(data, "sodan.db"))
	require.NoError(t, err)
	svc := embedding.NewService(embedding.NewHashEmbedder(e2eDimensions))
	store, err := vector.NewStore(filepath.Join(data, "vector_index"), svc)
	require.NoError(t, err)
	kw, err := keyword.NewBleveIndex(filepath.Join(data, "keyword"), keyword.WithFuzziness(1))
	require.NoError(t, err)
	corpus, err := ingest.NewDirectoryCorpus(docs, nil)
	require.NoError(t, err)

	e := &env{
		docs:     docs,
		data:     data,
		registry: registry,
		store:    store,
		keywords: kw,
		rag:      rag.New(store, corpus, rag.WithRegistry(registry), rag.WithKeywordIndex(kw)),
	}
	t.Cleanup(e.close)
	return e
}

func (e *env) close() {
	_ = e.keywords.Close()
	_ = e.registry.Close()
}

func setup(t *testing.T) (*env, *Corpus, map[string]string) {
	t.Helper()
	root := t.TempDir()
	docs := filepath.Join(root, "documents")
	require.NoError(t, os.MkdirAll(docs, 0755))
	c := BuildCorpus()
	paths := writeCorpus(t, docs, c)
	e := open(t, docs, filepath.Join(root, "data"))
	require.NoError(t, e.rag.Initialize(context.Background()))
	return e, c, paths
}

func TestE2E_SemanticExactMatch(t *testing.T) {
	e, c, paths := setup(t)
	ctx := context.Background()
	require.Equal(t, len(c.Documents), e.store.Len())

	for _, d := range c.Documents {
		t.Run(d.Name, func(t *testing.T) {
			results, err := e.rag.Search(ctx, d.Content, 3)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			require.Equal(t, paths[d.Name], results[0].Source)
			require.False(t, results[0].Lexical)
			require.InDelta(t, 1.0, results[0].Score, 1e-4)
		})
	}
}

func TestE2E_KeywordFallback(t *testing.T) {
	e, c, paths := setup(t)
	ctx := context.Background()

	for _, d := range c.Documents {
		t.Run(d.Marker, func(t *testing.T) {
			results, err := e.rag.Search(ctx, d.Marker, 3)
			require.NoError(t, err)
			require.NotEmpty(t, results, "marker %q should hit through the keyword index", d.Marker)
			require.True(t, results[0].Lexical)
			require.Equal(t, paths[d.Name], results[0].Source)
			require.Contains(t, strings.ToLower(results[0].Content), d.Marker)
		})
	}
}

func TestE2E_BuildContext(t *testing.T) {
	e, c, _ := setup(t)
	d := c.Documents[3]

	got, err := e.rag.BuildContext(context.Background(), d.Content, rag.DefaultContextTopK)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, d.Content), "context should start with the matching chunk: %q", got)

	empty, err := e.rag.BuildContext(context.Background(), "", rag.DefaultContextTopK)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestE2E_RestartSkipsUnchangedFiles(t *testing.T) {
	e, c, paths := setup(t)
	ctx := context.Background()
	before := e.store.Len()
	e.close()

	changed := c.Documents[0]
	require.NoError(t, os.WriteFile(paths[changed.Name], []byte("Vacation accrual was replaced by unlimited leave."), 0644))
	removed := c.Documents[1]
	require.NoError(t, os.Remove(paths[removed.Name]))

	e2 := open(t, e.docs, e.data)
	require.Equal(t, before, e2.store.Len(), "snapshot should be reloaded")
	require.NoError(t, e2.rag.Initialize(ctx))
	require.Equal(t, before-1, e2.store.Len())

	n, err := e2.registry.CountSources(ctx)
	require.NoError(t, err)
	require.EqualValues(t, len(c.Documents)-1, n)

	results, err := e2.rag.Search(ctx, "Vacation accrual was replaced by unlimited leave.", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, paths[changed.Name], results[0].Source)

	results, err = e2.rag.Search(ctx, removed.Marker, 3)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, paths[removed.Name], r.Source)
	}
}

func TestE2E_RemoveAndReset(t *testing.T) {
	e, c, paths := setup(t)
	ctx := context.Background()
	d := c.Documents[5]

	n, err := e.rag.RemoveDocument(ctx, paths[d.Name])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	results, err := e.rag.Search(ctx, d.Content, 3)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, paths[d.Name], r.Source)
	}

	require.NoError(t, e.rag.AddDocument(ctx, filepath.Base(paths[d.Name])))
	results, err = e.rag.Search(ctx, d.Content, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, paths[d.Name], results[0].Source)

	require.NoError(t, e.rag.Reset(ctx))
	require.Equal(t, 0, e.store.Len())
	count, err := e.keywords.DocCount()
	require.NoError(t, err)
	require.Zero(t, count)
	results, err = e.rag.Search(ctx, d.Marker, 3)
	require.NoError(t, err)
	require.Empty(t, results)
}
