// Package consult answers questions from retrieved document context.
package consult

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/sodan/internal/llm"
	"github.com/hyperjump/sodan/internal/models"
	"github.com/hyperjump/sodan/internal/rag"
	"github.com/hyperjump/sodan/pkg/utils"
	"go.uber.org/zap"
)

// contextPreviewLen bounds Answer.ContextUsed.
const contextPreviewLen = 500

// SystemPrompt instructs the model to answer from the supplied documents only.
const SystemPrompt = "You are a professional consultant. Give accurate, professional and useful " +
	"answers about the documents you are given.\n\n" +
	"Rules:\n" +
	"1. Use only the information from the provided documents.\n" +
	"2. If the information is insufficient, say so honestly.\n" +
	"3. Be professional but accessible.\n" +
	"4. Structure the answer with sections and lists.\n" +
	"5. Recommend contacting a specialist when needed."

const noContextNote = "\n\nNo relevant document information was found for this question."

// SummaryPrompt asks for a structured summary of a document.
const SummaryPrompt = "Write a short summary of the following document. " +
	"Highlight the main points, requirements and procedures. " +
	"The answer must be structured and no longer than 500 words."

// CompliancePrompt frames the model as a reviewer of regulatory requirements.
const CompliancePrompt = "You are an expert in checking compliance with self-regulatory " +
	"organization requirements."

// Retriever finds context snippets for a question.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]rag.Snippet, error)
}

// Completer generates an answer from a question and context.
type Completer interface {
	GenerateResponse(ctx context.Context, question, contextText, systemPrompt string) (*llm.Response, error)
}

// Answer is a generated answer with the sources it drew on. Empty Sources
// means no relevant document information was found.
type Answer struct {
	Text        string        `json:"text"`
	Sources     []string      `json:"sources"`
	Snippets    []rag.Snippet `json:"snippets,omitempty"`
	ContextUsed string        `json:"context_used,omitempty"`
	Model       string        `json:"model,omitempty"`
	Cached      bool          `json:"cached"`
}

// Consultant runs the query path: retrieval, then completion.
type Consultant struct {
	retriever Retriever
	completer Completer
	topK      int
	logger    *zap.Logger
}

// Option configures a Consultant.
type Option func(*Consultant)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Consultant) { c.logger = l }
}

// WithTopK sets how many snippets make up the context.
func WithTopK(k int) Option {
	return func(c *Consultant) {
		if k > 0 {
			c.topK = k
		}
	}
}

// New creates a consultant.
func New(retriever Retriever, completer Completer, opts ...Option) *Consultant {
	c := &Consultant{
		retriever: retriever,
		completer: completer,
		topK:      rag.DefaultContextTopK,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask answers question from the top retrieved snippets. Retrieval and
// provider failures are returned; an empty context still asks the model.
func (c *Consultant) Ask(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", models.ErrArgumentMismatch)
	}
	snippets, err := c.retriever.Search(ctx, question, c.topK)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	contextText := rag.JoinSnippets(snippets)

	prompt := SystemPrompt
	if contextText == "" {
		prompt += noContextNote
		c.logger.Debug("no document context found", zap.String("question", question))
	}
	resp, err := c.completer.GenerateResponse(ctx, question, contextText, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &Answer{
		Text:        resp.Content,
		Sources:     sources(snippets),
		Snippets:    snippets,
		ContextUsed: utils.Truncate(contextText, contextPreviewLen),
		Model:       resp.Model,
		Cached:      resp.Cached,
	}, nil
}

// Summarize returns a summary of content.
func (c *Consultant) Summarize(ctx context.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty document", models.ErrArgumentMismatch)
	}
	resp, err := c.completer.GenerateResponse(ctx, SummaryPrompt, content, "")
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	return resp.Content, nil
}

// CheckCompliance asks the model to assess input against requirements and
// recommend improvements. No document context is retrieved.
func (c *Consultant) CheckCompliance(ctx context.Context, input, requirements string) (string, error) {
	input, requirements = strings.TrimSpace(input), strings.TrimSpace(requirements)
	if input == "" || requirements == "" {
		return "", fmt.Errorf("%w: input and requirements are both required", models.ErrArgumentMismatch)
	}
	question := "Check whether the following information complies with the requirements.\n\n" +
		"Information to check:\n" + input + "\n\n" +
		"Requirements:\n" + requirements + "\n\n" +
		"Give a detailed assessment of compliance and recommendations for improvement."
	resp, err := c.completer.GenerateResponse(ctx, question, "", CompliancePrompt)
	if err != nil {
		return "", fmt.Errorf("check compliance: %w", err)
	}
	return resp.Content, nil
}

// sources lists distinct snippet sources in first-seen order.
func sources(snippets []rag.Snippet) []string {
	out := make([]string, 0, len(snippets))
	seen := make(map[string]bool, len(snippets))
	for _, s := range snippets {
		if !seen[s.Source] {
			seen[s.Source] = true
			out = append(out, s.Source)
		}
	}
	return out
}
