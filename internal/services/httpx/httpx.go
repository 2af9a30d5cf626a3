package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Shared HTTP plumbing for service integrations: JSON in/out, a per-host
// rate limiter and retry with exponential backoff for transient failures.

// APIError is returned for non-2xx responses. The parsed body is kept so
// integrations can sniff provider-specific error payloads (e.g. Spotify's
// NO_ACTIVE_DEVICE reason).
type APIError struct {
	StatusCode int
	Body       gjson.Result
}

func (e *APIError) Error() string {
	msg := e.Body.Get("message").String()
	if msg == "" {
		msg = e.Body.Get("error.message").String()
	}
	if msg == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, msg)
}

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the retry configuration integrations use.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Request describes one outbound JSON call.
type Request struct {
	Method  string
	URL     string
	Token   string            // bearer token, empty for unauthenticated calls
	Body    any               // marshalled to JSON when non-nil
	RawBody []byte            // pre-marshalled body, wins over Body
	Headers map[string]string // extra headers (e.g. Notion-Version, Client-Id)
}

// Client is a rate-limited JSON client shared by all integrations.
type Client struct {
	http   *http.Client
	retry  RetryConfig
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perHost  rate.Limit
	burst    int
}

// New creates a Client with a bounded request timeout so a hung provider
// cannot stall the calling automation past that duration.
func New(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http:     &http.Client{Timeout: 15 * time.Second},
		retry:    DefaultRetryConfig(),
		logger:   log,
		limiters: make(map[string]*rate.Limiter),
		perHost:  rate.Limit(5), // 5 req/s per provider host
		burst:    10,
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(c.perHost, c.burst)
		c.limiters[host] = l
	}
	return l
}

// DoJSON performs the request and returns the parsed response body.
// Transient failures (network errors, 429, 5xx) are retried with
// exponential backoff; other non-2xx statuses return an *APIError.
func (c *Client) DoJSON(ctx context.Context, req Request) (gjson.Result, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("invalid request url: %w", err)
	}

	if err := c.limiter(parsed.Host).Wait(ctx); err != nil {
		return gjson.Result{}, err
	}

	var body []byte
	switch {
	case req.RawBody != nil:
		body = req.RawBody
	case req.Body != nil:
		body, err = json.Marshal(req.Body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("could not marshal request body: %w", err)
		}
	}

	var result gjson.Result
	err = c.retryOperation(ctx, func() (bool, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		if req.Token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.Token)
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		httpReq.Header.Set("Accept", "application/json")
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return true, err // network error, retryable
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return true, err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return true, &APIError{StatusCode: resp.StatusCode, Body: gjson.ParseBytes(respBody)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return false, &APIError{StatusCode: resp.StatusCode, Body: gjson.ParseBytes(respBody)}
		}

		result = gjson.ParseBytes(respBody)
		return false, nil
	})
	if err != nil {
		return gjson.Result{}, err
	}

	return result, nil
}

// retryOperation retries an operation with exponential backoff. The
// operation reports whether its failure is worth retrying.
func (c *Client) retryOperation(ctx context.Context, operation func() (retryable bool, err error)) error {
	var lastErr error
	delay := c.retry.BaseDelay

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		retryable, err := operation()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}

		if attempt < c.retry.MaxRetries {
			if delay > c.retry.MaxDelay {
				delay = c.retry.MaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("request failed after %d retries: %w", c.retry.MaxRetries, lastErr)
}
