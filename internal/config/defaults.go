package config

import "time"

// Defaults shared with the packages that consume the config.
const (
	DefaultBaseURL     = "https://api.deepseek.com/v1"
	DefaultModel       = "deepseek-chat"
	DefaultMaxTokens   = 2000
	DefaultTemperature = 0.7
	DefaultThreshold   = 0.5
)

// DefaultExtensions are the document types ingested when none are configured.
var DefaultExtensions = []string{".txt", ".md", ".rst", ".pdf", ".docx", ".xlsx", ".rtf", ".odt"}

// ApplyDefaults sets default values for any zero values in cfg.
// Storage paths other than DataDir are derived when the config is loaded.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 2 * time.Minute
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "onnx"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "models/paraphrase-multilingual-MiniLM-L12-v2.onnx"
	}
	if cfg.Embedding.FallbackModelPath == "" {
		cfg.Embedding.FallbackModelPath = "models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}

	if cfg.Retrieval.DocumentsPath == "" {
		cfg.Retrieval.DocumentsPath = "documents"
	}
	if cfg.Retrieval.Extensions == nil {
		cfg.Retrieval.Extensions = append([]string(nil), DefaultExtensions...)
	}
	if cfg.Retrieval.ChunkSize == 0 {
		cfg.Retrieval.ChunkSize = 1000
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.ScoreThreshold == 0 {
		cfg.Retrieval.ScoreThreshold = DefaultThreshold
	}
	if cfg.Retrieval.ContextTopK == 0 {
		cfg.Retrieval.ContextTopK = 3
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = DefaultBaseURL
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = DefaultMaxTokens
	}
	if cfg.LLM.Temperature == nil {
		t := DefaultTemperature
		cfg.LLM.Temperature = &t
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 30 * time.Second
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.CacheTTL == 0 {
		cfg.LLM.CacheTTL = time.Hour
	}
	if cfg.LLM.CacheSize == 0 {
		cfg.LLM.CacheSize = 1000
	}
	if cfg.LLM.MaxConns == 0 {
		cfg.LLM.MaxConns = 10
	}
	if cfg.LLM.MaxIdleConns == 0 {
		cfg.LLM.MaxIdleConns = 5
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	// Recursive defaults to true when watching is enabled.
	if cfg.Watch.Enabled && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
