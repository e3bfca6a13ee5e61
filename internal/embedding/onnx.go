//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/sodan/internal/models"
	"github.com/hyperjump/sodan/pkg/utils"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXEmbedder runs a sentence-embedding model with ONNX Runtime. It requires
// CGO, the onnxruntime shared library and the model's WordPiece vocabulary
// (see VocabPath). Input longer than maxTokens word pieces is truncated.
type ONNXEmbedder struct {
	modelPath  string
	dimensions int
	maxTokens  int
	tokenizer  Tokenizer
	session    *ort.AdvancedSession
	// Pre-allocated tensors for Run(); input data is overwritten per call.
	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	tokenTypeIDsTensor  *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
	mu                  sync.Mutex
}

var ortInitMu sync.Mutex

// SetONNXLibraryPath points ONNX Runtime at a specific shared library.
// Must be called before the first NewONNXEmbedder.
func SetONNXLibraryPath(path string) {
	ort.SetSharedLibraryPath(path)
}

// NewONNXEmbedder loads the model at modelPath. Errors wrap models.ErrModelUnavailable.
func NewONNXEmbedder(modelPath string, dimensions, maxTokens int) (*ONNXEmbedder, error) {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	ortInitMu.Lock()
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			ortInitMu.Unlock()
			return nil, fmt.Errorf("%w: initialize ONNX runtime: %v", models.ErrModelUnavailable, err)
		}
	}
	ortInitMu.Unlock()

	tokenizer, err := LoadVocab(VocabPath(modelPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	inputIDs, attentionMask, tokenTypeIDs := tokenizer.Tokenize("", maxTokens)
	shape := ort.NewShape(1, int64(maxTokens))

	e := &ONNXEmbedder{
		modelPath:  modelPath,
		dimensions: dimensions,
		maxTokens:  maxTokens,
		tokenizer:  tokenizer,
	}
	if e.inputIDsTensor, err = ort.NewTensor(shape, inputIDs); err != nil {
		return nil, e.fail("create input_ids tensor", err)
	}
	if e.attentionMaskTensor, err = ort.NewTensor(shape, attentionMask); err != nil {
		return nil, e.fail("create attention_mask tensor", err)
	}
	if e.tokenTypeIDsTensor, err = ort.NewTensor(shape, tokenTypeIDs); err != nil {
		return nil, e.fail("create token_type_ids tensor", err)
	}
	if e.outputTensor, err = ort.NewTensor(ort.NewShape(1, int64(dimensions)), make([]float32, dimensions)); err != nil {
		return nil, e.fail("create output tensor", err)
	}

	e.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"output"},
		[]ort.ArbitraryTensor{e.inputIDsTensor, e.attentionMaskTensor, e.tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{e.outputTensor},
		nil,
	)
	if err != nil {
		return nil, e.fail("create ONNX session", err)
	}
	return e, nil
}

func (e *ONNXEmbedder) fail(step string, err error) error {
	_ = e.Close()
	return fmt.Errorf("%w: %s %s: %v", models.ErrModelUnavailable, step, e.modelPath, err)
}

// Embed returns the normalized embedding for text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	inputIDs, attentionMask, tokenTypeIDs := e.tokenizer.Tokenize(text, e.maxTokens)
	copy(e.inputIDsTensor.GetData(), inputIDs)
	copy(e.attentionMaskTensor.GetData(), attentionMask)
	copy(e.tokenTypeIDsTensor.GetData(), tokenTypeIDs)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	embedding := make([]float32, e.dimensions)
	copy(embedding, e.outputTensor.GetData()[:e.dimensions])
	utils.NormalizeL2(embedding)
	return embedding, nil
}

// EmbedBatch runs the model once per text; the session has a fixed batch dimension of 1.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Info describes the loaded model.
func (e *ONNXEmbedder) Info() ModelInfo {
	return ModelInfo{
		Provider:   ProviderONNX,
		ModelPath:  e.modelPath,
		Dimensions: e.dimensions,
		MaxTokens:  e.maxTokens,
	}
}

// Close destroys the session and tensors.
func (e *ONNXEmbedder) Close() error {
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputIDsTensor != nil {
		_ = e.inputIDsTensor.Destroy()
		e.inputIDsTensor = nil
	}
	if e.attentionMaskTensor != nil {
		_ = e.attentionMaskTensor.Destroy()
		e.attentionMaskTensor = nil
	}
	if e.tokenTypeIDsTensor != nil {
		_ = e.tokenTypeIDsTensor.Destroy()
		e.tokenTypeIDsTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
