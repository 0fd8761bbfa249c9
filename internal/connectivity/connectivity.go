// Package connectivity answers "is the device online" for the fallback
// resolver. The result of one probe is trusted for a short TTL so showing an
// ad never costs more than one network round trip.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/adforge/ad-delivery/internal/httpclient"
)

// Checker reports device connectivity.
type Checker interface {
	Online(ctx context.Context) bool
}

// Static is a fixed answer, for tests and hosts that track connectivity
// themselves.
type Static bool

func (s Static) Online(context.Context) bool { return bool(s) }

// HTTPChecker probes a well-known URL. Some endpoints reject HEAD, so a GET
// with an immediately-discarded body is used, same trick as captive-portal
// detectors.
type HTTPChecker struct {
	URL     string
	Client  *http.Client
	TTL     time.Duration
	Timeout time.Duration

	mu       sync.Mutex
	lastAt   time.Time
	lastSeen bool
}

func (c *HTTPChecker) Online(ctx context.Context) bool {
	c.mu.Lock()
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if !c.lastAt.IsZero() && time.Since(c.lastAt) < ttl {
		seen := c.lastSeen
		c.mu.Unlock()
		return seen
	}
	c.mu.Unlock()

	online := c.probe(ctx)

	c.mu.Lock()
	c.lastAt = time.Now()
	c.lastSeen = online
	c.mu.Unlock()
	return online
}

func (c *HTTPChecker) probe(ctx context.Context) bool {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	client := c.Client
	if client == nil {
		client = httpclient.WithTimeout(timeout)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode < 500
}
