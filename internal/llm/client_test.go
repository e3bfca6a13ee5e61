package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/sodan/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okBody = `{"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],"model":"deepseek-chat","usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`

// scriptedServer answers each request with the next scripted status, then
// with 200 once the script runs out.
type scriptedServer struct {
	*httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	script []int
	bodies []chatRequest
	auth   []string
}

func newScriptedServer(t *testing.T, script ...int) *scriptedServer {
	t.Helper()
	s := &scriptedServer{script: script}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.calls.Add(1)) - 1
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.bodies = append(s.bodies, req)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		if r.URL.Path != "/chat/completions" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if n < len(s.script) && s.script[n] != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(s.script[n])
			fmt.Fprintf(w, `{"error":{"message":"status %d","type":"test_error"}}`, s.script[n])
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, okBody)
	}))
	t.Cleanup(s.Close)
	return s
}

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

func newTestClient(t *testing.T, url string, opts ...Option) (*Client, *recordingSleeper) {
	t.Helper()
	sl := &recordingSleeper{}
	c := NewClient(Config{BaseURL: url, APIKey: "test-key"}, append([]Option{WithSleeper(sl.sleep)}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c, sl
}

func userMsg(s string) []Message { return []Message{{Role: RoleUser, Content: s}} }

func TestComplete_Success(t *testing.T) {
	srv := newScriptedServer(t)
	c, _ := newTestClient(t, srv.URL)

	resp, err := c.Complete(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "deepseek-chat", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}, resp.Usage)
	assert.False(t, resp.Cached)

	require.Len(t, srv.bodies, 1)
	body := srv.bodies[0]
	assert.Equal(t, DefaultModel, body.Model)
	assert.Equal(t, DefaultMaxTokens, body.MaxTokens)
	assert.InDelta(t, DefaultTemperature, body.Temperature, 1e-9)
	assert.False(t, body.Stream)
	assert.Equal(t, "Bearer test-key", srv.auth[0])
}

func TestComplete_AnySuccessStatus(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusAccepted, http.StatusNonAuthoritativeInfo} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = io.WriteString(w, okBody)
			}))
			t.Cleanup(srv.Close)
			c, sl := newTestClient(t, srv.URL)

			resp, err := c.Complete(context.Background(), Request{Messages: userMsg("hi")})
			require.NoError(t, err)
			assert.Equal(t, "hello", resp.Content)
			assert.Empty(t, sl.delays, "a 2xx answer must not be retried")
		})
	}
}

func TestComplete_CacheHitSkipsNetwork(t *testing.T) {
	srv := newScriptedServer(t)
	c, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Complete(ctx, Request{Messages: userMsg("same")})
	require.NoError(t, err)
	second, err := c.Complete(ctx, Request{Messages: userMsg("same")})
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.calls.Load())
	assert.True(t, second.Cached)
	assert.Equal(t, "hello", second.Content)
	assert.Equal(t, 1, c.CacheLen())
}

func TestComplete_CacheKeyIncludesSamplingSettings(t *testing.T) {
	srv := newScriptedServer(t)
	c, _ := newTestClient(t, srv.URL)
	ctx := context.Background()
	zero := 0.0

	reqs := []Request{
		{Messages: userMsg("q")},
		{Messages: userMsg("q"), Temperature: &zero},
		{Messages: userMsg("q"), MaxTokens: 10},
		{Messages: userMsg("q"), Model: "deepseek-reasoner"},
	}
	for _, r := range reqs {
		_, err := c.Complete(ctx, r)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(4), srv.calls.Load())
	assert.InDelta(t, 0.0, srv.bodies[1].Temperature, 1e-9)
}

func TestComplete_CacheExpires(t *testing.T) {
	srv := newScriptedServer(t)
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c, _ := newTestClient(t, srv.URL, WithClock(clock))
	ctx := context.Background()

	_, _ = c.Complete(ctx, Request{Messages: userMsg("q")})
	mu.Lock()
	now = now.Add(DefaultCacheTTL - time.Second)
	mu.Unlock()
	_, _ = c.Complete(ctx, Request{Messages: userMsg("q")})
	assert.Equal(t, int32(1), srv.calls.Load(), "entry still valid")

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	_, _ = c.Complete(ctx, Request{Messages: userMsg("q")})
	assert.Equal(t, int32(2), srv.calls.Load(), "entry expired")
}

func TestPurgeExpiredCache(t *testing.T) {
	srv := newScriptedServer(t)
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	c, _ := newTestClient(t, srv.URL, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	ctx := context.Background()

	_, _ = c.Complete(ctx, Request{Messages: userMsg("old")})
	advance(DefaultCacheTTL / 2)
	_, _ = c.Complete(ctx, Request{Messages: userMsg("new")})
	advance(DefaultCacheTTL/2 + time.Second)

	assert.Equal(t, 1, c.PurgeExpiredCache())
	assert.Equal(t, 1, c.CacheLen())
	assert.Zero(t, c.PurgeExpiredCache())

	resp, err := c.Complete(ctx, Request{Messages: userMsg("new")})
	require.NoError(t, err)
	assert.True(t, resp.Cached)
}

func TestComplete_ClearCache(t *testing.T) {
	srv := newScriptedServer(t)
	c, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, _ = c.Complete(ctx, Request{Messages: userMsg("q")})
	c.ClearCache()
	assert.Equal(t, 0, c.CacheLen())
	_, _ = c.Complete(ctx, Request{Messages: userMsg("q")})
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestComplete_RateLimitBackoff(t *testing.T) {
	srv := newScriptedServer(t, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK)
	c, sl := newTestClient(t, srv.URL)

	resp, err := c.Complete(context.Background(), Request{Messages: userMsg("q")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, int32(3), srv.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.delays)
	assert.GreaterOrEqual(t, sl.total(), 3*time.Second)
}

func TestComplete_ServerErrorsExhaustRetries(t *testing.T) {
	srv := newScriptedServer(t, 500, 502, 503, 200)
	c, sl := newTestClient(t, srv.URL)

	_, err := c.Complete(context.Background(), Request{Messages: userMsg("q")})
	require.Error(t, err)
	assert.Equal(t, int32(DefaultMaxRetries), srv.calls.Load())
	// No delay after the final attempt.
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sl.delays)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 503, apiErr.StatusCode, "last observed error is returned")
	assert.ErrorIs(t, err, models.ErrTransientProvider)
	assert.True(t, IsTransient(err))
}

func TestComplete_PermanentErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		auth   bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newScriptedServer(t, tt.status)
			c, sl := newTestClient(t, srv.URL)

			_, err := c.Complete(context.Background(), Request{Messages: userMsg("q")})
			require.Error(t, err)
			assert.Equal(t, int32(1), srv.calls.Load())
			assert.Empty(t, sl.delays)
			assert.ErrorIs(t, err, models.ErrPermanentProvider)
			assert.Equal(t, tt.auth, IsAuthError(err))
			assert.False(t, IsRateLimited(err))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, fmt.Sprintf("status %d", tt.status), apiErr.Message)
			assert.Equal(t, "test_error", apiErr.Type)
		})
	}
}

func TestComplete_TimeoutRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	sl := &recordingSleeper{}
	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, WithSleeper(sl.sleep))
	defer c.Close()

	resp, err := c.Complete(context.Background(), Request{Messages: userMsg("q")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{time.Second}, sl.delays)
}

func TestComplete_TransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, sl := newTestClient(t, url)
	_, err := c.Complete(context.Background(), Request{Messages: userMsg("q")})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransientProvider)
	assert.Len(t, sl.delays, DefaultMaxRetries-1)
}

func TestComplete_CancelledContext(t *testing.T) {
	srv := newScriptedServer(t, 500, 500, 500)
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(Config{BaseURL: srv.URL}, WithSleeper(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))
	defer c.Close()

	_, err := c.Complete(ctx, Request{Messages: userMsg("q")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestComplete_NoMessages(t *testing.T) {
	c := NewClient(Config{})
	defer c.Close()
	_, err := c.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, models.ErrArgumentMismatch)
}

func TestComplete_Stream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			http.Error(w, "expected stream", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`data: {"model":"deepseek-chat","choices":[{"delta":{"content":"Hel"}}]}`,
			``,
			`: keep-alive`,
			`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`,
			`data: [DONE]`,
		} {
			fmt.Fprintln(w, line)
		}
	}))
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL)

	var deltas []string
	req := Request{Messages: userMsg("q"), Stream: true, OnDelta: func(s string) { deltas = append(deltas, s) }}
	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 4, resp.Usage.TotalTokens)

	// Streams bypass the cache in both directions.
	_, err = c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.CacheLen())
}

func TestReadStream_Truncated(t *testing.T) {
	_, err := readStream(strings.NewReader("data: {\"choices\":[]}\n"), nil)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSimpleChatAndGenerateResponse(t *testing.T) {
	srv := newScriptedServer(t)
	c, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	out, err := c.SimpleChat(ctx, "hi", "be brief")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, []Message{{RoleSystem, "be brief"}, {RoleUser, "hi"}}, srv.bodies[0].Messages)

	_, err = c.GenerateResponse(ctx, "what are the fees?", "fees are 10", "")
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{RoleSystem, DefaultSystemPrompt},
		{RoleSystem, "document info:\nfees are 10"},
		{RoleUser, "what are the fees?"},
	}, srv.bodies[1].Messages)

	_, err = c.GenerateResponse(ctx, "anything?", "", "custom")
	require.NoError(t, err)
	assert.Equal(t, []Message{{RoleSystem, "custom"}, {RoleUser, "anything?"}}, srv.bodies[2].Messages)
}

func TestClose(t *testing.T) {
	srv := newScriptedServer(t)
	c := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Complete(context.Background(), Request{Messages: userMsg("q")})
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, int32(0), srv.calls.Load())
}

func TestDefaultBackoff(t *testing.T) {
	rateLimited := &APIError{StatusCode: http.StatusTooManyRequests}
	assert.Equal(t, time.Second, DefaultBackoff(0, rateLimited))
	assert.Equal(t, 4*time.Second, DefaultBackoff(2, rateLimited))
	assert.Equal(t, time.Second, DefaultBackoff(2, &APIError{StatusCode: 500}))
}

func TestNewAPIError(t *testing.T) {
	e := newAPIError(http.StatusBadGateway, []byte("upstream down"))
	assert.Equal(t, "upstream down", e.Message)
	assert.ErrorIs(t, e, models.ErrTransientProvider)

	e = newAPIError(http.StatusTeapot, nil)
	assert.Equal(t, http.StatusText(http.StatusTeapot), e.Message)
	assert.ErrorIs(t, e, models.ErrPermanentProvider)
}

func TestRateLimiterThrottles(t *testing.T) {
	srv := newScriptedServer(t)
	c := NewClient(Config{BaseURL: srv.URL, RequestsPerSecond: 1000})
	defer c.Close()
	require.NotNil(t, c.limiter)

	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), Request{Messages: userMsg(fmt.Sprint(i))})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), srv.calls.Load())
}
