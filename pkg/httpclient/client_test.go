package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(opts ...Option) *Client {
	base := []Option{
		WithMaxRetries(3),
		WithBaseDelay(time.Millisecond),
		WithMaxDelay(20 * time.Millisecond),
	}
	return New("openai", append(base, opts...)...)
}

func TestDoSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := testClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoRetriesRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"a":1}`))
	require.NoError(t, err)

	resp, err := testClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 2, attempts)
}

func TestDoRetriesServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := testClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 2, attempts)
}

func TestDoClientErrorReturnedToCaller(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := testClient().Do(req)
	require.NoError(t, err, "non-transient responses are the provider's to interpret")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, attempts, "4xx is never retried")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bad key", "body stays readable for the caller")
}

func TestDoExhaustedBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := testClient(WithMaxRetries(2)).Do(req)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, IsRetryable(err))

	re, ok := err.(*RetryableError)
	require.True(t, ok)
	assert.Equal(t, "openai", re.Provider)
	assert.Equal(t, http.StatusServiceUnavailable, re.StatusCode)
	assert.Equal(t, 3, re.Attempts)
	assert.Equal(t, "overloaded", re.Detail)
	assert.Contains(t, re.Error(), "openai")
}

func TestDoReplaysBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		if len(bodies) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := testClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, bodies, 2)
	assert.Equal(t, "payload", bodies[0])
	assert.Equal(t, "payload", bodies[1])
}

func TestDoRetriesTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close() // nothing listens anymore

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	_, err = testClient(WithMaxRetries(1)).Do(req)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	re, ok := err.(*RetryableError)
	require.True(t, ok)
	assert.Zero(t, re.StatusCode)
	assert.Equal(t, 2, re.Attempts)
	assert.Error(t, re.Unwrap())
}

func TestDoCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = testClient().Do(req)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		status      int
		retry       bool
		rateLimited bool
	}{
		{http.StatusTooManyRequests, true, true},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusGatewayTimeout, true, false},
		{529, true, false},
		{http.StatusUnauthorized, false, false},
		{http.StatusBadRequest, false, false},
		{http.StatusNotFound, false, false},
	}
	for _, tt := range tests {
		retry, limited := retryable(tt.status)
		assert.Equal(t, tt.retry, retry, tt.status)
		assert.Equal(t, tt.rateLimited, limited, tt.status)
	}
}

func TestParseRateLimitRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")

	info := parseRateLimit(h)
	assert.Equal(t, 7*time.Second, info.RetryAfter)
	assert.Equal(t, 7*time.Second, info.Wait())
}

func TestParseRateLimitOpenAIReset(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-reset-requests", "40ms")

	info := parseRateLimit(h)
	require.False(t, info.ResetAt.IsZero())
	assert.Greater(t, info.Wait(), time.Duration(0))
	assert.LessOrEqual(t, info.Wait(), 40*time.Millisecond)
}

func TestParseRateLimitAnthropicReset(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-reset", time.Now().Add(time.Minute).Format(time.RFC3339))

	info := parseRateLimit(h)
	assert.Greater(t, info.Wait(), 50*time.Second)
}

func TestRateLimitRetryAfterWins(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")
	h.Set("x-ratelimit-reset-requests", "10m")

	assert.Equal(t, 2*time.Second, parseRateLimit(h).Wait())
}

func TestRateLimitNoHint(t *testing.T) {
	assert.Zero(t, parseRateLimit(http.Header{}).Wait())
}

func TestErrorSnippet(t *testing.T) {
	assert.Equal(t, "quota exceeded",
		errorSnippet(strings.NewReader(`{"error":{"message":"quota exceeded","type":"rate_limit"}}`)))

	assert.Equal(t, "plain failure text", errorSnippet(strings.NewReader("plain failure text")))

	long := strings.Repeat("x", 300)
	snippet := errorSnippet(strings.NewReader(long))
	assert.Len(t, snippet, 203)
	assert.True(t, strings.HasSuffix(snippet, "..."))

	assert.Empty(t, errorSnippet(strings.NewReader("")))
}

func TestRetryableErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	err := &RetryableError{Provider: "anthropic", Attempts: 4, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "anthropic")
}
