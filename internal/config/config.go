// Package config provides configuration loading and structs for the Sodan server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	LLM       LLMConfig       `yaml:"llm"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds paths for the registry database and the indices.
// Empty paths are derived from DataDir.
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	DatabasePath     string `yaml:"database_path"`
	IndexPath        string `yaml:"index_path"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
}

// EmbeddingConfig holds embedder settings.
type EmbeddingConfig struct {
	Provider          string `yaml:"provider"`
	ModelPath         string `yaml:"model_path"`
	FallbackModelPath string `yaml:"fallback_model_path"`
	LibraryPath       string `yaml:"library_path"`
	Dimensions        int    `yaml:"dimensions"`
	MaxTokens         int    `yaml:"max_tokens"`
	BatchSize         int    `yaml:"batch_size"`
	CacheSize         int    `yaml:"cache_size"`
}

// RetrievalConfig holds ingestion and search settings.
type RetrievalConfig struct {
	DocumentsPath   string   `yaml:"documents_path"`
	Extensions      []string `yaml:"extensions"`
	ChunkSize       int      `yaml:"chunk_size"`
	ChunkOverlap    int      `yaml:"chunk_overlap"`
	TopK            int      `yaml:"top_k"`
	ScoreThreshold  float64  `yaml:"score_threshold"`
	ContextTopK     int      `yaml:"context_top_k"`
	KeywordFallback bool     `yaml:"keyword_fallback"`
}

// LLMConfig holds chat-completion client settings.
type LLMConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       *float64      `yaml:"temperature"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CacheSize         int           `yaml:"cache_size"`
	MaxConns          int           `yaml:"max_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// TemperatureOrDefault returns the configured temperature, or DefaultTemperature when unset.
func (l *LLMConfig) TemperatureOrDefault() float64 {
	if l.Temperature != nil {
		return *l.Temperature
	}
	return DefaultTemperature
}

// WatchConfig holds document directory watch settings.
type WatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Recursive *bool         `yaml:"recursive"`
	Debounce  time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, applies defaults and
// environment overrides, and expands paths relative to the file.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := finish(&cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration with environment overrides,
// with relative paths resolved against the working directory.
func Default() (*Config, error) {
	var cfg Config
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	if err := finish(&cfg, dir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config, baseDir string) error {
	if err := ApplyEnv(cfg); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}
	ApplyDefaults(cfg)

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, baseDir)
	cfg.Storage.DatabasePath = pathOrDerived(cfg.Storage.DatabasePath, baseDir, cfg.Storage.DataDir, "sodan.db")
	cfg.Storage.IndexPath = pathOrDerived(cfg.Storage.IndexPath, baseDir, cfg.Storage.DataDir, "vector_index")
	cfg.Storage.KeywordIndexPath = pathOrDerived(cfg.Storage.KeywordIndexPath, baseDir, cfg.Storage.DataDir, "keyword")
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, baseDir)
	cfg.Embedding.FallbackModelPath = expandPath(cfg.Embedding.FallbackModelPath, baseDir)
	cfg.Embedding.LibraryPath = expandPath(cfg.Embedding.LibraryPath, baseDir)
	cfg.Retrieval.DocumentsPath = expandPath(cfg.Retrieval.DocumentsPath, baseDir)
	return nil
}

func pathOrDerived(path, baseDir, dataDir, name string) string {
	if path == "" {
		return filepath.Join(dataDir, name)
	}
	return expandPath(path, baseDir)
}

// LoadEnvFiles loads KEY=VALUE pairs from the given .env files into the
// process environment without overriding variables that are already set.
// Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv applies environment overrides to cfg. Unparseable numeric values
// are skipped and reported in the returned error.
func ApplyEnv(cfg *Config) error {
	var errs []error
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("DEEPSEEK_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AI_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AI_MAX_TOKENS: %w", err))
		} else {
			cfg.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("AI_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("AI_TEMPERATURE: %w", err))
		} else {
			cfg.LLM.Temperature = &f
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
		if cfg.LogLevel == "debug" {
			cfg.Debug = true
		}
	}
	return multierr.Combine(errs...)
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Embedding.Provider {
	case "onnx", "hash":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider must be onnx or hash, got %q", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive"))
	}
	if c.Retrieval.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.chunk_size must be positive"))
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		errs = append(errs, fmt.Errorf("retrieval.chunk_overlap must be in [0, chunk_size)"))
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.ContextTopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k and context_top_k must be positive"))
	}
	if c.Retrieval.ScoreThreshold < -1 || c.Retrieval.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("retrieval.score_threshold must be in [-1, 1]"))
	}
	if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("llm.base_url is not a valid URL: %q", c.LLM.BaseURL))
	}
	if t := c.LLM.TemperatureOrDefault(); t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be in [0, 2], got %g", t))
	}
	if c.LLM.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("llm.max_retries must be at least 1"))
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("llm.requests_per_second must not be negative"))
	}
	return multierr.Combine(errs...)
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "~/" are
// relative to the home directory; other relative paths are relative to baseDir.
// Empty paths stay empty.
func expandPath(path string, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(baseDir, path)
}
