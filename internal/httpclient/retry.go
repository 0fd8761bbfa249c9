package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls when DoWithRetry re-sends a request. Creative
// downloads use a single attempt (a missing asset degrades to a fallback);
// campaign selection retries, since there is nothing to degrade to.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	// Values < 1 mean 1.
	MaxAttempts int
	// Retry429: on 429 Too Many Requests, wait Retry-After (capped at
	// Max429Wait) before the next attempt.
	Retry429   bool
	Max429Wait time.Duration
	// Retry5xx: on 5xx, wait Backoff5xx scaled by the attempt number
	// (1x, 2x, 3x ...) before the next attempt.
	Retry5xx   bool
	Backoff5xx time.Duration
}

// DefaultRetryPolicy retries 429 (cap 60s) and 5xx (growing from 1s), three
// attempts total.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Retry429:    true,
	Max429Wait:  60 * time.Second,
	Retry5xx:    true,
	Backoff5xx:  1 * time.Second,
}

// SingleAttempt never retries; per-asset downloads rely on fallback paths
// instead of hammering the CDN.
var SingleAttempt = RetryPolicy{MaxAttempts: 1}

// DoWithRetry performs req, retrying 429/5xx responses per policy. 4xx other
// than 429 are never retried. Transport errors are returned immediately.
// Caller must close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		code := resp.StatusCode
		retryable := (code == http.StatusTooManyRequests && policy.Retry429) ||
			(code >= 500 && policy.Retry5xx)
		if !retryable || attempt >= attempts {
			return resp, nil
		}

		var wait time.Duration
		if code == http.StatusTooManyRequests {
			wait = parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait)
		} else {
			wait = time.Duration(attempt) * policy.Backoff5xx
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		// Rebuild the request; any request body was consumed by the first send.
		req2, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
		if err != nil {
			return nil, err
		}
		for k, v := range req.Header {
			req2.Header[k] = v
		}
		req = req2
	}
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns duration capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	// RFC 1123 date
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}
