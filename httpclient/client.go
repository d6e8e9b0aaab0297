// Package httpclient wraps a single HTTP transport with rate limiting,
// circuit breaking, per-attempt timeouts and retry with exponential backoff.
// Lifecycle events are emitted to an instrumentation hook.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/ratelimit"
	"github.com/jbelanger/exitbook/resilience"
)

// Events receives request lifecycle notifications. instrument.Collector
// satisfies this interface.
type Events interface {
	RecordRequestStarted(provider string)
	RecordRequestCompleted(provider string, err error)
	RecordRetry(provider string)
	RecordRateLimitWait(key string, d time.Duration)
}

type nopEvents struct{}

func (nopEvents) RecordRequestStarted(string)               {}
func (nopEvents) RecordRequestCompleted(string, error)      {}
func (nopEvents) RecordRetry(string)                        {}
func (nopEvents) RecordRateLimitWait(string, time.Duration) {}

// RetryPolicy controls backoff between attempts.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryPolicy returns the default: 3 retries, 500ms initial delay
// doubling up to 30s with 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * (2*rand.Float64() - 1)
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Config configures a Client.
type Config struct {
	ProviderName   string
	BaseURL        string
	AttemptTimeout time.Duration
	Retry          RetryPolicy
	DefaultHeaders map[string]string
}

// Client is the fault-tolerant HTTP client used by every source client. One
// Client serves one provider; the rate-limit key is the provider name.
type Client struct {
	name           string
	baseURL        string
	transport      *http.Client
	breaker        *resilience.CircuitBreaker
	retry          RetryPolicy
	attemptTimeout time.Duration
	headers        map[string]string
	events         Events
	logger         *logging.ComponentLogger

	mu      sync.Mutex
	limiter *ratelimit.Limiter
}

// New creates a client around the shared transport.
func New(cfg Config, transport *http.Client, limiter *ratelimit.Limiter, breaker *resilience.CircuitBreaker, events Events, logger *logging.ComponentLogger) *Client {
	if transport == nil {
		transport = &http.Client{}
	}
	if events == nil {
		events = nopEvents{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Client{
		name:           cfg.ProviderName,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		transport:      transport,
		breaker:        breaker,
		retry:          cfg.Retry,
		attemptTimeout: cfg.AttemptTimeout,
		headers:        cfg.DefaultHeaders,
		events:         events,
		logger:         logger,
		limiter:        limiter,
	}
}

// WithRateLimit runs fn with a temporary rate limiter installed, restoring
// the prior limiter on every exit path including panics.
func (c *Client) WithRateLimit(limiter *ratelimit.Limiter, fn func() error) error {
	c.mu.Lock()
	prior := c.limiter
	c.limiter = limiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.limiter = prior
		c.mu.Unlock()
	}()
	return fn()
}

func (c *Client) currentLimiter() *ratelimit.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiter
}

// Request describes one logical request. Body is buffered so retried
// attempts can resend it; only requests marked Retriable are retried.
type Request struct {
	Method    string
	Path      string
	Body      []byte
	Headers   map[string]string
	Retriable bool
}

// Get performs a rate-limited, circuit-protected GET with retries and
// returns the response body. GET is idempotent, so transient failures are
// retried per the policy.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Retriable: true})
}

// Post performs a single non-retried POST. Used for RPC-style endpoints
// where the request may not be idempotent.
func (c *Client) Post(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path})
}

// Do executes a request through the full rate-limit, circuit and retry
// stack.
func (c *Client) Do(ctx context.Context, r Request) ([]byte, error) {
	url := r.Path
	if !strings.HasPrefix(r.Path, "http") {
		url = c.baseURL + r.Path
	}

	maxAttempts := 1
	if r.Retriable {
		maxAttempts = c.retry.MaxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.events.RecordRetry(c.name)
			delay := c.retry.delay(attempt - 1)
			if ra := retryAfterOf(lastErr); ra > delay {
				delay = ra
			}
			c.logger.Warn().
				Str("provider", c.name).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Err(lastErr).
				Msg("Request failed, retrying")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, model.WrapError(model.ErrCodeCancelled, "request cancelled during backoff", ctx.Err())
			case <-timer.C:
			}
		}

		body, err := c.attempt(ctx, r, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if model.IsCancellation(err) {
			return nil, err
		}
		switch model.CodeOf(err) {
		case model.ErrCodeProviderTransient, model.ErrCodeRateLimited:
			continue
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, r Request, url string) ([]byte, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, model.NewError(model.ErrCodeCircuitOpen,
			fmt.Sprintf("circuit open for provider %s", c.name))
	}

	if limiter := c.currentLimiter(); limiter != nil {
		waited, err := limiter.WaitToken(ctx, c.name)
		if waited > 0 {
			c.events.RecordRateLimitWait(c.name, waited)
		}
		if err != nil {
			return nil, model.WrapError(model.ErrCodeCancelled, "cancelled waiting for rate limit token", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	var reqBody io.Reader
	if len(r.Body) > 0 {
		reqBody = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, r.Method, url, reqBody)
	if err != nil {
		return nil, model.WrapError(model.ErrCodeValidation, "invalid request", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	c.events.RecordRequestStarted(c.name)
	resp, err := c.transport.Do(req)
	if err != nil {
		classified := c.classifyTransportError(ctx, err)
		c.events.RecordRequestCompleted(c.name, classified)
		return nil, classified
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	outcome := c.classifyResponse(resp, body, readErr)
	if outcome != nil {
		c.events.RecordRequestCompleted(c.name, outcome)
		return nil, outcome
	}

	c.events.RecordRequestCompleted(c.name, nil)
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	return body, nil
}

func (c *Client) classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return model.WrapError(model.ErrCodeCancelled, "request cancelled", ctx.Err())
	}
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.WrapError(model.ErrCodeProviderTransient, "request timed out", err)
	}
	return model.WrapError(model.ErrCodeProviderTransient, "network error", err)
}

func (c *Client) classifyResponse(resp *http.Response, body []byte, readErr error) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if c.breaker != nil {
			c.breaker.RecordRateLimited(retryAfter)
		}
		e := model.NewError(model.ErrCodeRateLimited,
			fmt.Sprintf("provider %s rate limited", c.name))
		return e.WithDetail("retry_after", retryAfter.String())
	case resp.StatusCode >= 500:
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return model.NewError(model.ErrCodeProviderTransient,
			fmt.Sprintf("provider %s returned %d", c.name, resp.StatusCode)).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", truncate(string(body), 256))
	case resp.StatusCode >= 400:
		// Terminal: not counted against the circuit.
		return model.NewError(model.ErrCodeProviderTerminal,
			fmt.Sprintf("provider %s returned %d", c.name, resp.StatusCode)).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", truncate(string(body), 256))
	case readErr != nil:
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return model.WrapError(model.ErrCodeProviderTransient, "failed reading response body", readErr)
	default:
		return nil
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func retryAfterOf(err error) time.Duration {
	var ce *model.Error
	if !errors.As(err, &ce) || ce.Code != model.ErrCodeRateLimited {
		return 0
	}
	if s, ok := ce.Details["retry_after"].(string); ok {
		if d, parseErr := time.ParseDuration(s); parseErr == nil {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
