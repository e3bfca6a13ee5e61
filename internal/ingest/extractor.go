// Package ingest turns files into chunk texts: format extraction, whitespace
// normalization and chunk splitting, plus a directory-backed corpus.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Extractor extracts plain text from document files.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract reads the file at path and returns its text content.
func (e *Extractor) Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".rtf" || ext == ".odt" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return catText(path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, ext)
}

// ExtractBytes extracts text from content based on the given extension,
// which includes the leading dot. Unknown extensions are read as plain text.
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	switch strings.ToLower(ext) {
	case ".pdf":
		return pdfText(content)
	case ".docx":
		return wordText(content)
	case ".xlsx":
		return spreadsheetText(content)
	case ".rtf", ".odt":
		return catBytes(content, ext)
	default:
		return plainText(content), nil
	}
}

// HasExtension reports whether path has one of exts (case-insensitive, with
// or without the leading dot). An empty list allows every path.
func HasExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, a := range exts {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}
