// Package cli formats command output for the sodan binary.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/sodan/internal/consult"
	"github.com/hyperjump/sodan/internal/embedding"
	"github.com/hyperjump/sodan/internal/rag"
	"github.com/hyperjump/sodan/internal/storage"
	"github.com/hyperjump/sodan/internal/vector"
	"github.com/hyperjump/sodan/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const (
	snippetPreviewLen = 200
	separator         = "─────────────────────────────────────────────────────────"
)

// ParseFormat validates a format name. Empty means text.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return OutputText, nil
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, compact or json)", s)
	}
}

// SearchOutput is the result of one search command.
type SearchOutput struct {
	Query   string        `json:"query"`
	Results []rag.Snippet `json:"results"`
	TookMs  int64         `json:"took_ms"`
}

// NewSearchOutput builds a SearchOutput with a non-nil result list.
func NewSearchOutput(query string, results []rag.Snippet, took time.Duration) *SearchOutput {
	if results == nil {
		results = []rag.Snippet{}
	}
	return &SearchOutput{Query: query, Results: results, TookMs: took.Milliseconds()}
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, out *SearchOutput, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, out)
	case OutputCompact:
		for i, r := range out.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", i+1, r.Score, r.Source, oneLine(r.Content, 80))
		}
		return nil
	default:
		fmt.Fprintf(w, "\nFound %d results in %dms\n\n", len(out.Results), out.TookMs)
		for i, r := range out.Results {
			writeOneResult(w, i+1, r)
		}
		return nil
	}
}

func writeOneResult(w io.Writer, rank int, r rag.Snippet) {
	kind := "semantic"
	if r.Lexical {
		kind = "keyword"
	}
	fmt.Fprintln(w, separator)
	fmt.Fprintf(w, "[%s] Rank: %d | Score: %.4f\n", kind, rank, r.Score)
	fmt.Fprintf(w, "Source: %s\n", r.Source)
	fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(r.Content, snippetPreviewLen))
}

// WriteAnswer writes a consultant answer to w in the given format.
func WriteAnswer(w io.Writer, a *consult.Answer, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, a)
	case OutputCompact:
		fmt.Fprintln(w, a.Text)
		return nil
	default:
		fmt.Fprintf(w, "\n%s\n\n", a.Text)
		if len(a.Sources) == 0 {
			fmt.Fprintln(w, "No relevant documents were found.")
			return nil
		}
		fmt.Fprintln(w, "Sources:")
		for _, s := range a.Sources {
			fmt.Fprintf(w, "  - %s\n", s)
		}
		if a.Cached {
			fmt.Fprintln(w, "(cached)")
		}
		return nil
	}
}

// Status summarizes the local index.
type Status struct {
	Index          vector.Stats        `json:"index"`
	Documents      int64               `json:"documents"`
	Chunks         int64               `json:"chunks"`
	DiskUsageBytes int64               `json:"disk_usage_bytes"`
	Embedding      embedding.ModelInfo `json:"embedding"`
	Model          string              `json:"model"`
}

// WriteStatus writes st to w in the given format.
func WriteStatus(w io.Writer, st *Status, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, st)
	case OutputCompact:
		fmt.Fprintf(w, "documents=%d chunks=%d vectors=%d dim=%d disk=%d\n",
			st.Documents, st.Chunks, st.Index.Count, st.Index.Dimension, st.DiskUsageBytes)
		return nil
	default:
		fmt.Fprintf(w, "Documents:       %d\n", st.Documents)
		fmt.Fprintf(w, "Chunks:          %d\n", st.Chunks)
		fmt.Fprintf(w, "Vectors:         %d (dimension %d)\n", st.Index.Count, st.Index.Dimension)
		fmt.Fprintf(w, "Sources indexed: %d\n", len(st.Index.Sources))
		fmt.Fprintf(w, "Disk usage:      %s\n", FormatBytes(st.DiskUsageBytes))
		fmt.Fprintf(w, "Embedder:        %s %s\n", st.Embedding.Provider, st.Embedding.ModelPath)
		fmt.Fprintf(w, "Chat model:      %s\n", st.Model)
		return nil
	}
}

// WriteSources lists registry records.
func WriteSources(w io.Writer, sources []*storage.Source, format OutputFormat) error {
	if format == OutputJSON {
		if sources == nil {
			sources = []*storage.Source{}
		}
		return writeJSON(w, sources)
	}
	for _, s := range sources {
		fmt.Fprintf(w, "%s\t%d chunks\t%s\n", s.Path, s.ChunkCount, s.IndexedAt.Format(time.RFC3339))
	}
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// oneLine collapses whitespace and truncates to maxLen runes.
func oneLine(s string, maxLen int) string {
	return utils.Truncate(strings.Join(strings.Fields(s), " "), maxLen)
}
