// Package embedding maps text to normalized embedding vectors.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/sodan/internal/config"
	"github.com/hyperjump/sodan/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Embedder is a model handle that produces vector embeddings for text.
// Implementations need not be safe for concurrent use; Service serializes access.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Provider   string `json:"provider"`
	ModelPath  string `json:"model_path,omitempty"`
	Dimensions int    `json:"dimensions"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

// Provider names accepted by Open.
const (
	ProviderONNX = "onnx"
	ProviderHash = "hash"
)

// Open constructs the embedder selected by cfg. For ONNX the primary model is
// tried first, then the fallback model. If no model loads, the returned error
// wraps models.ErrModelUnavailable.
func Open(cfg *config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case ProviderHash:
		return NewHashEmbedder(cfg.Dimensions), nil
	case ProviderONNX, "":
		if cfg.LibraryPath != "" {
			SetONNXLibraryPath(cfg.LibraryPath)
		}
		paths := []string{cfg.ModelPath}
		if cfg.FallbackModelPath != "" && cfg.FallbackModelPath != cfg.ModelPath {
			paths = append(paths, cfg.FallbackModelPath)
		}
		var errs error
		for _, path := range paths {
			emb, err := NewONNXEmbedder(path, cfg.Dimensions, cfg.MaxTokens)
			if err == nil {
				logger.Info("embedding model loaded",
					zap.String("model_path", path),
					zap.Int("dimensions", cfg.Dimensions))
				return emb, nil
			}
			logger.Warn("embedding model failed to load", zap.String("model_path", path), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrModelUnavailable, errs)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: onnx, hash)", cfg.Provider)
	}
}
