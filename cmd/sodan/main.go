// Package main is the Sodan CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/sodan/internal/cli"
	"github.com/hyperjump/sodan/internal/config"
	"github.com/hyperjump/sodan/internal/consult"
	"github.com/hyperjump/sodan/internal/ingest"
	"github.com/hyperjump/sodan/internal/rag"
	"github.com/hyperjump/sodan/internal/server"
	"github.com/hyperjump/sodan/internal/storage"
	"github.com/hyperjump/sodan/internal/watcher"
	"github.com/hyperjump/sodan/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig reads .env, then the config file at path. A missing file at
// the default path yields the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadEnvFiles(".env"); err != nil {
		return nil, err
	}
	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(path); statErr != nil && path == defaultConfigPath {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "ask":
		runAsk(os.Args[2:])
	case "index":
		runIndex(os.Args[2:])
	case "delete":
		runDelete(os.Args[2:])
	case "rebuild":
		runRebuild(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("sodan version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads the config, builds the logger and initializes components.
func setup(configPath string, debug bool) (*Components, *zap.Logger) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if debug {
		cfg.Debug = true
	}
	logger, err := utils.NewLoggerWithLevel(cfg.Debug, cfg.LogLevel)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return components, logger
}

func closeAll(components *Components, logger *zap.Logger) {
	if err := components.Close(); err != nil {
		logger.Warn("shutdown errors", zap.Error(err))
	}
	_ = logger.Sync()
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	c, logger := setup(*configPath, *debug)
	defer closeAll(c, logger)
	cfg := c.Config

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Searches wait for this on first use; starting it here warms the index.
	go func() {
		if err := c.RAG.Initialize(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("corpus initialization failed", zap.Error(err))
		}
	}()

	deps := server.Deps{
		RAG:        c.RAG,
		Index:      c.Index,
		Embedder:   c.Embedder,
		Consultant: c.Consultant,
		LLM:        c.LLM,
		Registry:   c.Registry,
	}
	if cfg.Watch.Enabled {
		w := watcher.New([]string{cfg.Retrieval.DocumentsPath}, c.RAG,
			watcher.WithExtensions(cfg.Retrieval.Extensions),
			watcher.WithRecursive(cfg.Watch.RecursiveOrDefault()),
			watcher.WithDebounce(cfg.Watch.Debounce),
			watcher.WithLogger(logger),
		)
		if err := w.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer w.Stop()
		deps.Watch = w
	}

	srv := server.NewServer(deps, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
}

// buildQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// argsReorder moves flags that follow the positional words to the front,
// since flag parsing stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseFormat(s)
	if err != nil {
		fatalf("%v", err)
	}
	return format
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the index directly)")
	limit := fs.Int("limit", 0, "number of results (default from config)")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sodan search [flags] <query>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(args))

	query := buildQuery(fs.Args())
	if query == "" {
		fs.Usage()
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	start := time.Now()
	var results []rag.Snippet
	if *serverURL != "" {
		var out struct {
			Results []rag.Snippet `json:"results"`
		}
		body := map[string]interface{}{"query": query, "top_k": *limit}
		if err := postJSON(*serverURL+"/api/v1/search", body, &out); err != nil {
			fatalf("Search failed: %v", err)
		}
		results = out.Results
	} else {
		c, logger := setup(*configPath, false)
		defer closeAll(c, logger)
		topK := *limit
		if topK <= 0 {
			topK = c.Config.Retrieval.TopK
		}
		var err error
		results, err = c.RAG.Search(context.Background(), query, topK)
		if err != nil {
			fatalf("Search failed: %v", err)
		}
	}
	if err := cli.WriteSearchResults(os.Stdout, cli.NewSearchOutput(query, results, time.Since(start)), format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runAsk(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the index directly)")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sodan ask [flags] <question>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(args))

	question := buildQuery(fs.Args())
	if question == "" {
		fs.Usage()
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	var answer *consult.Answer
	if *serverURL != "" {
		answer = &consult.Answer{}
		if err := postJSON(*serverURL+"/api/v1/ask", map[string]string{"question": question}, answer); err != nil {
			fatalf("Ask failed: %v", err)
		}
	} else {
		c, logger := setup(*configPath, false)
		defer closeAll(c, logger)
		var err error
		answer, err = c.Consultant.Ask(context.Background(), question)
		if err != nil {
			fatalf("Ask failed: %v", err)
		}
	}
	if err := cli.WriteAnswer(os.Stdout, answer, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(args)

	c, logger := setup(*configPath, false)
	defer closeAll(c, logger)
	ctx := context.Background()

	if fs.NArg() < 1 {
		if err := c.RAG.Initialize(ctx); err != nil {
			fatalf("Indexing failed: %v", err)
		}
		fmt.Printf("Indexed %s (%d chunks)\n", c.Corpus.Root(), c.Index.Len())
		return
	}

	path := fs.Arg(0)
	info, err := os.Stat(path)
	if err != nil {
		fatalf("Failed to stat path: %v", err)
	}
	if !info.IsDir() {
		if err := c.RAG.AddDocument(ctx, absPath(path)); err != nil {
			fatalf("Indexing failed: %v", err)
		}
		fmt.Printf("Document indexed successfully: %s\n", absPath(path))
		return
	}
	n, failed := indexDirectory(ctx, c, logger, path)
	fmt.Printf("Indexed %d file(s) from %s (%d failed)\n", n, path, failed)
}

// indexDirectory adds every file under dir with an allowed extension.
func indexDirectory(ctx context.Context, c *Components, logger *zap.Logger, dir string) (indexed, failed int) {
	exts := c.Config.Retrieval.Extensions
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !ingest.HasExtension(path, exts) {
			return nil
		}
		if err := c.RAG.AddDocument(ctx, absPath(path)); err != nil {
			logger.Warn("skipping file", zap.String("path", path), zap.Error(err))
			failed++
			return nil
		}
		indexed++
		return nil
	})
	return indexed, failed
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Println("Usage: sodan delete [flags] <source>")
		os.Exit(1)
	}
	source := fs.Arg(0)

	c, logger := setup(*configPath, false)
	defer closeAll(c, logger)

	n, err := c.RAG.RemoveDocument(context.Background(), source)
	if err != nil {
		fatalf("Deletion failed: %v", err)
	}
	fmt.Printf("Removed %d chunk(s) of %s\n", n, source)
}

func runRebuild(args []string) {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(args)

	c, logger := setup(*configPath, false)
	defer closeAll(c, logger)

	start := time.Now()
	if err := c.Index.Rebuild(context.Background()); err != nil {
		fatalf("Rebuild failed: %v", err)
	}
	fmt.Printf("Rebuilt %d chunk(s) in %s\n", c.Index.Len(), time.Since(start).Round(time.Millisecond))
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	sources := fs.Bool("sources", false, "list indexed sources")
	_ = fs.Parse(args)
	format := parseFormat(*outputFormat)

	c, logger := setup(*configPath, false)
	defer closeAll(c, logger)
	ctx := context.Background()

	if *sources {
		list, err := c.Registry.ListSources(ctx, 0, 0)
		if err != nil {
			fatalf("List sources failed: %v", err)
		}
		if err := cli.WriteSources(os.Stdout, list, format); err != nil {
			fatalf("Output failed: %v", err)
		}
		return
	}

	docCount, err := c.Registry.CountSources(ctx)
	if err != nil {
		fatalf("Count sources failed: %v", err)
	}
	chunkCount, err := c.Registry.CountChunks(ctx)
	if err != nil {
		fatalf("Count chunks failed: %v", err)
	}
	st := c.Config.Storage
	disk, _ := storage.DiskUsageBytes(st.DatabasePath, st.IndexPath, st.KeywordIndexPath)
	status := &cli.Status{
		Index:          c.Index.Stats(),
		Documents:      docCount,
		Chunks:         chunkCount,
		DiskUsageBytes: disk,
		Embedding:      c.Embedder.ModelInfo(),
		Model:          c.LLM.Model(),
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// postJSON posts body to url and decodes a 200 response into out.
func postJSON(url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printUsage() {
	fmt.Println(`sodan - document consultant: semantic retrieval with chat completions

Usage:
  sodan server [flags]            Start the HTTP server
  sodan search [flags] <query>    Search indexed documents
  sodan ask [flags] <question>    Answer a question from the documents
  sodan index [flags] [path]      Index the documents directory, a file or a directory
  sodan delete [flags] <source>   Remove a source from the index
  sodan rebuild [flags]           Re-embed every stored chunk
  sodan status [flags]            Show index and registry status
  sodan version                   Show version
  sodan help                      Show this help

Common Flags:
  --config string    Config file path (default: config.yaml; built-in defaults when absent)

Server Flags:
  --debug            Enable debug logging

Search and Ask Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open the index directly.
  --limit int        Number of search results (default from config)
  --output string    Output format: text, compact or json (default: text)

Status Flags:
  --output string    Output format: text, compact or json (default: text)
  --sources          List indexed sources instead of totals

Environment:
  DEEPSEEK_API_KEY, DEEPSEEK_BASE_URL, DEEPSEEK_MODEL, AI_MAX_TOKENS,
  AI_TEMPERATURE, LOG_LEVEL. Values are also read from ./.env.

Examples:
  sodan server
  sodan index
  sodan search "vacation policy"
  sodan ask --output json "How many vacation days do new employees get?"
  sodan delete handbook.pdf
  sodan status --sources`)
}
