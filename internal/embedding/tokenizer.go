package embedding

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

const (
	maxWordRunes     = 100
	continuationMark = "##"
)

// WordPieceTokenizer is the uncased BERT tokenizer: basic splitting on
// whitespace and punctuation, lowercasing with accents stripped, then greedy
// longest-match word pieces from the model vocabulary.
type WordPieceTokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	pad   int64
	unk   int64
}

// NewWordPieceTokenizer builds a tokenizer from vocabulary tokens, where the
// ID of a token is its position. [CLS], [SEP] and [UNK] must be present.
func NewWordPieceTokenizer(tokens []string) (*WordPieceTokenizer, error) {
	vocab := make(map[string]int64, len(tokens))
	for i, tok := range tokens {
		if _, dup := vocab[tok]; !dup {
			vocab[tok] = int64(i)
		}
	}
	t := &WordPieceTokenizer{vocab: vocab}
	for _, sp := range []struct {
		name string
		dst  *int64
	}{{"[CLS]", &t.cls}, {"[SEP]", &t.sep}, {"[UNK]", &t.unk}} {
		id, ok := vocab[sp.name]
		if !ok {
			return nil, fmt.Errorf("vocabulary has no %s token", sp.name)
		}
		*sp.dst = id
	}
	t.pad = vocab["[PAD]"]
	return t, nil
}

// LoadVocab reads a vocab.txt file, one token per line.
func LoadVocab(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	t, err := NewWordPieceTokenizer(tokens)
	if err != nil {
		return nil, fmt.Errorf("vocabulary %s: %w", path, err)
	}
	return t, nil
}

// VocabPath returns the vocabulary of the model at modelPath: a
// "<model>.vocab.txt" file when one exists, otherwise vocab.txt in the
// model's directory.
func VocabPath(modelPath string) string {
	own := strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".vocab.txt"
	if _, err := os.Stat(own); err == nil {
		return own
	}
	return filepath.Join(filepath.Dir(modelPath), "vocab.txt")
}

// Tokenize returns padded inputs of length maxTokens: [CLS], the word pieces
// of text truncated to maxTokens-2, then [SEP].
func (t *WordPieceTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens < 2 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)
	for i := range inputIDs {
		inputIDs[i] = t.pad
	}

	pieces := t.Pieces(text)
	if len(pieces) > maxTokens-2 {
		pieces = pieces[:maxTokens-2]
	}
	inputIDs[0] = t.cls
	copy(inputIDs[1:], pieces)
	inputIDs[len(pieces)+1] = t.sep
	for i := 0; i < len(pieces)+2; i++ {
		attentionMask[i] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}

// Pieces returns the word-piece IDs of text without special tokens.
func (t *WordPieceTokenizer) Pieces(text string) []int64 {
	var ids []int64
	for _, word := range basicTokens(text) {
		ids = append(ids, t.wordPieces(word)...)
	}
	return ids
}

// wordPieces splits one word by greedy longest match. A word with any
// unmatched remainder becomes a single [UNK].
func (t *WordPieceTokenizer) wordPieces(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []int64{t.unk}
	}
	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		found := false
		for ; end > start; end-- {
			sub := string(runes[start:end])
			if start > 0 {
				sub = continuationMark + sub
			}
			if id, ok := t.vocab[sub]; ok {
				ids = append(ids, id)
				found = true
				break
			}
		}
		if !found {
			return []int64{t.unk}
		}
		start = end
	}
	return ids
}

// basicTokens lowercases text, strips accents and splits it on whitespace,
// punctuation and CJK ideographs.
func basicTokens(text string) []string {
	var b strings.Builder
	for _, r := range norm.NFD.String(strings.ToLower(text)) {
		switch {
		case r == 0 || r == unicode.ReplacementChar || (unicode.IsControl(r) && !unicode.IsSpace(r)):
		case unicode.Is(unicode.Mn, r):
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case isPunct(r) || unicode.Is(unicode.Han, r):
			b.WriteByte(' ')
			b.WriteRune(r)
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Fields(b.String())
}

// isPunct treats every non-alphanumeric ASCII symbol as punctuation, as BERT does.
func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// HashString returns a deterministic non-negative hash of s.
func HashString(s string) int {
	var h uint64
	for _, c := range s {
		h = 31*h + uint64(c)
	}
	return int(h & 0x7fffffff)
}
