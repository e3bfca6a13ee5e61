package consult

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hyperjump/sodan/internal/llm"
	"github.com/hyperjump/sodan/internal/models"
	"github.com/hyperjump/sodan/internal/rag"
)

type stubRetriever struct {
	snippets []rag.Snippet
	err      error
	topK     int
}

func (s *stubRetriever) Search(ctx context.Context, query string, topK int) ([]rag.Snippet, error) {
	s.topK = topK
	return s.snippets, s.err
}

type call struct{ question, contextText, prompt string }

type stubCompleter struct {
	calls []call
	err   error
}

func (s *stubCompleter) GenerateResponse(ctx context.Context, question, contextText, systemPrompt string) (*llm.Response, error) {
	s.calls = append(s.calls, call{question, contextText, systemPrompt})
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: "answer", Model: "deepseek-chat"}, nil
}

func TestAsk(t *testing.T) {
	r := &stubRetriever{snippets: []rag.Snippet{
		{Content: "fees are due in january", Score: 0.9, Source: "/docs/fees.pdf"},
		{Content: "late fees apply", Score: 0.8, Source: "/docs/fees.pdf"},
		{Content: "clubhouse hours", Score: 0.6, Source: "/docs/club.txt"},
	}}
	comp := &stubCompleter{}
	c := New(r, comp)

	ans, err := c.Ask(context.Background(), "  when are fees due?  ")
	if err != nil {
		t.Fatal(err)
	}
	if r.topK != rag.DefaultContextTopK {
		t.Errorf("topK = %d", r.topK)
	}
	if ans.Text != "answer" || ans.Model != "deepseek-chat" {
		t.Errorf("answer: %+v", ans)
	}
	if strings.Join(ans.Sources, ",") != "/docs/fees.pdf,/docs/club.txt" {
		t.Errorf("sources: %v", ans.Sources)
	}
	got := comp.calls[0]
	if got.question != "when are fees due?" || got.prompt != SystemPrompt {
		t.Errorf("call: %+v", got)
	}
	if got.contextText != "fees are due in january\n\nlate fees apply\n\nclubhouse hours" {
		t.Errorf("context: %q", got.contextText)
	}
}

func TestAsk_NoContext(t *testing.T) {
	comp := &stubCompleter{}
	c := New(&stubRetriever{}, comp, WithTopK(5))

	ans, err := c.Ask(context.Background(), "anything?")
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 0 || ans.ContextUsed != "" {
		t.Errorf("expected no sources: %+v", ans)
	}
	if !strings.HasSuffix(comp.calls[0].prompt, noContextNote) {
		t.Errorf("model should be told no context was found: %q", comp.calls[0].prompt)
	}
}

func TestAsk_Errors(t *testing.T) {
	c := New(&stubRetriever{}, &stubCompleter{})
	if _, err := c.Ask(context.Background(), " "); !errors.Is(err, models.ErrArgumentMismatch) {
		t.Errorf("empty question: %v", err)
	}

	boom := errors.New("index unavailable")
	c = New(&stubRetriever{err: boom}, &stubCompleter{})
	if _, err := c.Ask(context.Background(), "q"); !errors.Is(err, boom) {
		t.Errorf("retrieval failure should surface, got %v", err)
	}

	c = New(&stubRetriever{}, &stubCompleter{err: models.ErrTransientProvider})
	if _, err := c.Ask(context.Background(), "q"); !errors.Is(err, models.ErrTransientProvider) {
		t.Errorf("provider failure should surface, got %v", err)
	}
}

func TestAsk_ContextPreviewTruncated(t *testing.T) {
	long := strings.Repeat("x", 2*contextPreviewLen)
	c := New(&stubRetriever{snippets: []rag.Snippet{{Content: long, Source: "s"}}}, &stubCompleter{})
	ans, err := c.Ask(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.ContextUsed) != contextPreviewLen+3 {
		t.Errorf("preview length = %d", len(ans.ContextUsed))
	}
}

func TestSummarize(t *testing.T) {
	comp := &stubCompleter{}
	c := New(&stubRetriever{}, comp)

	out, err := c.Summarize(context.Background(), "document body")
	if err != nil || out != "answer" {
		t.Fatalf("Summarize = %q, %v", out, err)
	}
	if comp.calls[0].question != SummaryPrompt || comp.calls[0].contextText != "document body" {
		t.Errorf("call: %+v", comp.calls[0])
	}
	if _, err := c.Summarize(context.Background(), "\n"); !errors.Is(err, models.ErrArgumentMismatch) {
		t.Errorf("empty document: %v", err)
	}
}

func TestCheckCompliance(t *testing.T) {
	comp := &stubCompleter{}
	c := New(&stubRetriever{}, comp)

	out, err := c.CheckCompliance(context.Background(), "we insure members for 1M", "members must be insured for at least 2M")
	if err != nil || out != "answer" {
		t.Fatalf("CheckCompliance = %q, %v", out, err)
	}
	got := comp.calls[0]
	if got.prompt != CompliancePrompt || got.contextText != "" {
		t.Errorf("call: %+v", got)
	}
	for _, want := range []string{"we insure members for 1M", "at least 2M", "recommendations"} {
		if !strings.Contains(got.question, want) {
			t.Errorf("question %q missing %q", got.question, want)
		}
	}

	for _, tc := range []struct{ input, reqs string }{{"", "rules"}, {"facts", " "}} {
		if _, err := c.CheckCompliance(context.Background(), tc.input, tc.reqs); !errors.Is(err, models.ErrArgumentMismatch) {
			t.Errorf("CheckCompliance(%q, %q) = %v", tc.input, tc.reqs, err)
		}
	}
	if len(comp.calls) != 1 {
		t.Errorf("completer calls = %d", len(comp.calls))
	}

	comp.err = models.ErrTransientProvider
	if _, err := c.CheckCompliance(context.Background(), "a", "b"); !errors.Is(err, models.ErrTransientProvider) {
		t.Errorf("provider failure: %v", err)
	}
}
