package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/sodan/internal/config"
	"github.com/hyperjump/sodan/internal/consult"
	"github.com/hyperjump/sodan/internal/embedding"
	"github.com/hyperjump/sodan/internal/ingest"
	"github.com/hyperjump/sodan/internal/keyword"
	"github.com/hyperjump/sodan/internal/llm"
	"github.com/hyperjump/sodan/internal/rag"
	"github.com/hyperjump/sodan/internal/storage"
	"github.com/hyperjump/sodan/internal/vector"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Components holds the initialized services of one process.
type Components struct {
	Config     *config.Config
	Registry   *storage.SQLiteStorage
	Embedder   *embedding.Service
	Index      *vector.Store
	Keywords   *keyword.BleveIndex
	Corpus     *ingest.DirectoryCorpus
	RAG        *rag.Orchestrator
	LLM        *llm.Client
	Consultant *consult.Consultant
}

// Close releases every component, reporting all failures.
func (c *Components) Close() error {
	var err error
	if c.LLM != nil {
		err = multierr.Append(err, c.LLM.Close())
	}
	if c.Keywords != nil {
		err = multierr.Append(err, c.Keywords.Close())
	}
	if c.Embedder != nil {
		err = multierr.Append(err, c.Embedder.Close())
	}
	if c.Registry != nil {
		err = multierr.Append(err, c.Registry.Close())
	}
	return err
}

// llmConfig maps the file configuration onto the client configuration.
func llmConfig(cfg *config.LLMConfig) llm.Config {
	return llm.Config{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		CacheTTL:          cfg.CacheTTL,
		CacheSize:         cfg.CacheSize,
		MaxConns:          cfg.MaxConns,
		IdleConns:         cfg.MaxIdleConns,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	var err error

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	c.Registry, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	model, err := embedding.Open(&cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedder = embedding.NewService(model,
		embedding.WithBatchSize(cfg.Embedding.BatchSize),
		embedding.WithCacheSize(cfg.Embedding.CacheSize),
		embedding.WithLogger(logger),
	)

	c.Index, err = vector.NewStore(cfg.Storage.IndexPath, c.Embedder,
		vector.WithLogger(logger),
		vector.WithBatchSize(cfg.Embedding.BatchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	logger.Info("vector index loaded",
		zap.String("path", cfg.Storage.IndexPath),
		zap.Int("chunks", c.Index.Len()),
		zap.Int("dimensions", c.Embedder.Dimensions()))

	c.Corpus, err = ingest.NewDirectoryCorpus(cfg.Retrieval.DocumentsPath, cfg.Retrieval.Extensions,
		ingest.WithChunker(ingest.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap)),
		ingest.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize corpus: %w", err)
	}

	ragOpts := []rag.Option{
		rag.WithLogger(logger),
		rag.WithRegistry(c.Registry),
		rag.WithThreshold(cfg.Retrieval.ScoreThreshold),
	}
	if cfg.Retrieval.KeywordFallback {
		c.Keywords, err = keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath, keyword.WithFuzziness(1))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
		}
		ragOpts = append(ragOpts, rag.WithKeywordIndex(c.Keywords))
	}
	c.RAG = rag.New(c.Index, c.Corpus, ragOpts...)

	if cfg.LLM.APIKey == "" {
		logger.Warn("no API key configured; completions will fail (set DEEPSEEK_API_KEY)")
	}
	c.LLM = llm.NewClient(llmConfig(&cfg.LLM), llm.WithLogger(logger))
	c.Consultant = consult.New(c.RAG, c.LLM,
		consult.WithLogger(logger),
		consult.WithTopK(cfg.Retrieval.ContextTopK),
	)
	ok = true
	return c, nil
}
