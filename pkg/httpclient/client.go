// Package httpclient is the HTTP seam under the LLM and embedding
// providers. It retries the transient failures a model endpoint actually
// produces: rate limits are waited out using the provider's own headers,
// server hiccups and dropped connections get exponential backoff, and
// every other response is handed back untouched so the provider can turn
// it into a typed error.
//
// The retry budget here is deliberately small. A model call that keeps
// failing is a task failure, and task retries belong to the orchestrator,
// not the transport.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Client wraps http.Client with provider-aware retries. One Client is
// built per provider instance; the provider name labels logs and errors.
type Client struct {
	provider   string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client (timeouts live there).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithMaxRetries sets how many times a failed attempt is repeated.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff step; later steps double it.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithMaxDelay caps the wait between attempts, including waits requested
// by rate-limit headers.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) { c.maxDelay = d }
}

// New builds a Client for the named provider.
func New(provider string, opts ...Option) *Client {
	c := &Client{
		provider:   provider,
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		maxDelay:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryable classifies a status code: whether it is worth another
// attempt, and whether the provider's rate-limit headers should dictate
// the wait.
func retryable(status int) (retry, rateLimited bool) {
	switch status {
	case http.StatusTooManyRequests:
		return true, true
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true, false
	case 529: // anthropic overloaded_error
		return true, false
	}
	return false, false
}

// Do executes the request, replaying the body across attempts. Any
// response the caller can act on (success or a non-transient failure) is
// returned with a nil error; the error return is reserved for transport
// failures, cancellation, and an exhausted retry budget.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	retryErr := &RetryableError{Provider: c.provider}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := c.client.Do(req)

		var delay time.Duration
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			retryErr.StatusCode = 0
			retryErr.Detail = ""
			retryErr.Err = err
			delay = c.backoff(attempt)
		} else {
			retry, limited := retryable(resp.StatusCode)
			if !retry {
				return resp, nil
			}
			retryErr.StatusCode = resp.StatusCode
			retryErr.Detail = errorSnippet(resp.Body)
			retryErr.Err = nil
			resp.Body.Close()

			delay = c.backoff(attempt)
			if limited {
				if wait := parseRateLimit(resp.Header).Wait(); wait > 0 {
					delay = min(wait, c.maxDelay)
				}
			}
		}

		retryErr.Attempts = attempt + 1
		if attempt == c.maxRetries {
			break
		}

		slog.Info("Provider call failed transiently, retrying",
			"provider", c.provider,
			"status", retryErr.StatusCode,
			"delay", delay,
			"attempt", attempt+1,
			"max", c.maxRetries+1,
			"detail", retryErr.Detail)

		if err := sleep(req.Context(), delay); err != nil {
			return nil, err
		}
	}

	return nil, retryErr
}

// backoff doubles the base delay per attempt with a little jitter, capped
// at maxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay << attempt
	delay += time.Duration(rand.Float64() * float64(delay) * 0.1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

// bufferBody drains the request body so it can be replayed on retries.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.Body.Close()
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

// sleep waits out the delay, honoring cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// errorSnippet pulls a short detail out of an error body: the message of
// the {"error": {"message": ...}} envelope both wired providers send,
// else a truncated prefix of the raw text.
func errorSnippet(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}

	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
