// Package llm is a client for OpenAI-compatible chat completion endpoints
// with response caching, bounded retries and error classification.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyperjump/sodan/internal/cache"
	"github.com/hyperjump/sodan/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBody = 64 << 10

// Client calls /chat/completions. It is safe for concurrent use.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	cache    *cache.Cache[string, *Response]
	limiter  *rate.Limiter
	sleep    Sleeper
	backoff  Backoff
	now      func() time.Time
	logger   *zap.Logger
	closed   atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithSleeper replaces the wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithClock sets the time source of the response cache.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithBackoff replaces the delay policy between attempts.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// NewClient creates a client. Zero config fields take the package defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConns:        cfg.IdleConns,
		MaxIdleConnsPerHost: cfg.IdleConns,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		http:     &http.Client{Transport: transport},
		sleep:    sleepContext,
		backoff:  DefaultBackoff,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = cache.NewTTL[string, *Response](cfg.CacheTTL, cfg.CacheSize, cache.WithClock(c.now))
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// Model returns the default model name.
func (c *Client) Model() string { return c.cfg.Model }

// payload resolves request defaults into the wire request.
func (c *Client) payload(req Request) chatRequest {
	p := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: *c.cfg.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	if p.Model == "" {
		p.Model = c.cfg.Model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = c.cfg.MaxTokens
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	return p
}

// cacheKey hashes the ordered messages with the model and sampling settings.
func cacheKey(p chatRequest) string {
	keyed := struct {
		Messages    []Message `json:"messages"`
		Model       string    `json:"model"`
		Temperature float64   `json:"temperature"`
		MaxTokens   int       `json:"max_tokens"`
	}{p.Messages, p.Model, p.Temperature, p.MaxTokens}
	data, _ := json.Marshal(keyed)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Complete sends a chat completion request. Non-streaming responses are
// served from and stored in the cache. Transient failures are retried up
// to the configured attempt count; permanent failures return at once.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: request has no messages", models.ErrArgumentMismatch)
	}
	p := c.payload(req)

	var key string
	if !p.Stream {
		key = cacheKey(p)
		if hit, ok := c.cache.Get(key); ok {
			c.logger.Debug("completion cache hit", zap.String("key", key[:8]))
			out := *hit
			out.Cached = true
			return &out, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := c.attempt(ctx, p, req.OnDelta)
		if err == nil {
			if !p.Stream {
				stored := *resp
				c.cache.Set(key, &stored)
			}
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}
		delay := c.backoff(attempt, err)
		c.logger.Warn("completion attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	if lastErr == nil {
		return nil, ErrAllAttemptsFailed
	}
	return nil, fmt.Errorf("completion failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// attempt performs one HTTP exchange under the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, p chatRequest, onDelta func(string)) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", models.ErrArgumentMismatch, err)
	}
	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", models.ErrPermanentProvider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if p.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, newAPIError(resp.StatusCode, body)
	}

	if p.Stream {
		delivered := false
		out, err := readStream(resp.Body, func(s string) {
			delivered = true
			if onDelta != nil {
				onDelta(s)
			}
		})
		if err != nil {
			if delivered {
				// Fragments already reached the caller; a retry would repeat them.
				return nil, fmt.Errorf("%w: stream interrupted: %v", models.ErrPermanentProvider, err)
			}
			return nil, transportError(err)
		}
		if out.Model == "" {
			out.Model = p.Model
		}
		return out, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", models.ErrPermanentProvider, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", models.ErrPermanentProvider)
	}
	return &Response{
		Content:      cr.Choices[0].Message.Content,
		Model:        cr.Model,
		Usage:        cr.Usage,
		FinishReason: cr.Choices[0].FinishReason,
	}, nil
}

// SimpleChat sends one user message, preceded by systemPrompt when set,
// and returns the reply text.
func (c *Client) SimpleChat(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	var msgs []Message
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: userMessage})
	resp, err := c.Complete(ctx, Request{Messages: msgs})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// DefaultSystemPrompt is used by GenerateResponse when no prompt is given.
const DefaultSystemPrompt = "You are a document consultant. Answer accurately and professionally, " +
	"using only the information provided."

// GenerateResponse answers question using contextText as reference
// material. The system prompt comes first, then the context as a second
// system message when non-empty, then the question.
func (c *Client) GenerateResponse(ctx context.Context, question, contextText, systemPrompt string) (*Response, error) {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	msgs := []Message{{Role: RoleSystem, Content: systemPrompt}}
	if contextText != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: "document info:\n" + contextText})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: question})
	return c.Complete(ctx, Request{Messages: msgs})
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.cache.Clear()
	c.logger.Info("completion cache cleared")
}

// PurgeExpiredCache drops cached responses older than the cache TTL and
// returns how many were removed.
func (c *Client) PurgeExpiredCache() int {
	n := c.cache.Purge()
	if n > 0 {
		c.logger.Info("expired completions purged", zap.Int("count", n))
	}
	return n
}

// CacheLen returns the number of cached responses.
func (c *Client) CacheLen() int {
	return c.cache.Len()
}

// Close releases idle pooled connections. Later calls fail with ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.http.CloseIdleConnections()
	return nil
}
