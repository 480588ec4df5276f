package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimit is what the wired providers communicate about the current
// rate-limit window. Both send retry-after on 429s; the reset headers
// differ per provider and are normalized here.
type RateLimit struct {
	RetryAfter time.Duration // explicit wait requested by the server
	ResetAt    time.Time     // end of the current window, zero when unknown
}

// Wait returns how long to hold off before the next attempt, zero when
// the headers carried no usable hint.
func (r RateLimit) Wait() time.Duration {
	if r.RetryAfter > 0 {
		return r.RetryAfter
	}
	if !r.ResetAt.IsZero() {
		if d := time.Until(r.ResetAt); d > 0 {
			return d
		}
	}
	return 0
}

// parseRateLimit normalizes the rate-limit headers of both wired
// providers. OpenAI sends x-ratelimit-reset-* as Go-style durations
// ("20ms", "6m0s"); Anthropic sends anthropic-ratelimit-*-reset as
// RFC3339 timestamps.
func parseRateLimit(h http.Header) RateLimit {
	var info RateLimit

	if v := h.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			info.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	for _, key := range []string{
		"x-ratelimit-reset-requests",
		"x-ratelimit-reset-tokens",
	} {
		if v := h.Get(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				info.ResetAt = time.Now().Add(d)
				return info
			}
		}
	}

	for _, key := range []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
	} {
		if v := h.Get(key); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				info.ResetAt = t
				return info
			}
		}
	}

	return info
}
