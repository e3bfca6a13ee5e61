package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunker_Split(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
		text    string
		want    []string
	}{
		{"blank", 10, 0, "   \n\t  ", nil},
		{"fits", 100, 0, "one two three", []string{"one two three"}},
		// Budget counts word characters: 3+3 = 6 < 10, adding "three" reaches 11.
		{"greedy packing", 10, 0, "one two three four", []string{"one two", "three four"}},
		{"long word alone", 4, 0, "a enormous b", []string{"a", "enormous", "b"}},
		// Runes, not bytes: "дом" is 3 characters and 6 bytes.
		{"cyrillic counts characters", 10, 0, "дом сад лес", []string{"дом сад лес"}},
		{"overlap", 10, 1, "one two three four five", []string{"one two", "two three", "three four", "four five"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewChunker(tt.size, tt.overlap).Split(tt.text)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("Split = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChunker_NoWordsLost(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	chunks := NewChunker(DefaultChunkSize, 0).Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	var words int
	for _, c := range chunks {
		chars := len(strings.ReplaceAll(c, " ", ""))
		if chars >= DefaultChunkSize {
			t.Errorf("chunk has %d word characters, budget %d", chars, DefaultChunkSize)
		}
		words += len(strings.Fields(c))
	}
	if words != 1000 {
		t.Errorf("chunks hold %d words, want 1000", words)
	}
}

func TestPreprocess(t *testing.T) {
	if got := Preprocess("  a \n\n b\t c  "); got != "a b c" {
		t.Errorf("Preprocess = %q", got)
	}
	if Preprocess(" \n ") != "" {
		t.Error("blank text should become empty")
	}
}

func TestChunker_CyrillicBudget(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("строительство ", 200))
	chunks := NewChunker(DefaultChunkSize, 0).Split(text)
	// 13 characters per word: 76 words fit under the budget (988), 77 would reach 1001.
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	first := strings.ReplaceAll(chunks[0], " ", "")
	if n := utf8.RuneCountInString(first); n != 76*13 {
		t.Errorf("first chunk has %d characters, want %d", n, 76*13)
	}
}
