// Package campaign fetches the campaign document from the origin and keeps
// the last good copy in the local store, so a network outage degrades to the
// previous campaign instead of no ads.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/adforge/ad-delivery/internal/creative"
	"github.com/adforge/ad-delivery/internal/events"
	"github.com/adforge/ad-delivery/internal/httpclient"
	"github.com/adforge/ad-delivery/internal/store"
)

// ErrNotModified is returned internally when the origin responds 304.
var ErrNotModified = errors.New("campaign: 304 not modified")

// ErrNoCampaign is returned when neither the origin nor the local store can
// produce a campaign.
var ErrNoCampaign = errors.New("campaign: none available")

const stateKey = "last_campaign"

// state is the durable record of the last successful fetch: the raw body plus
// the cache validators for the next conditional request.
type state struct {
	ETag         string          `json:"etag,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
	FetchedAt    time.Time       `json:"fetched_at,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
}

// Client fetches campaigns with conditional GETs and a persisted fallback.
type Client struct {
	URL    string
	Client *http.Client
	KV     store.KV
	Sink   events.Sink
	Retry  httpclient.RetryPolicy
}

// New builds a Client with the default retry policy.
func New(url string, client *http.Client, kv store.KV, sink events.Sink) *Client {
	if client == nil {
		client = httpclient.Default()
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Client{URL: url, Client: client, KV: kv, Sink: sink, Retry: httpclient.DefaultRetryPolicy}
}

// Fetch returns the current campaign. A 304 from the origin or any network
// failure falls back to the stored copy; a 200 replaces it. The returned
// campaign must be treated as read-only.
func (c *Client) Fetch(ctx context.Context) (*creative.Campaign, error) {
	st := c.loadState()

	body, newState, err := c.conditionalGet(ctx, st)
	switch {
	case err == nil:
		camp, perr := parse(body)
		if perr != nil {
			c.Sink.Report("campaign parse failed", events.SeverityError, nil)
			log.Printf("campaign: parse %s: %v", c.URL, perr)
			return c.fromState(st, perr)
		}
		c.saveState(newState)
		return camp, nil
	case errors.Is(err, ErrNotModified):
		camp, perr := parse(st.Body)
		if perr != nil {
			// Origin says unchanged but the stored copy is unusable; drop the
			// validators so the next fetch gets a full response.
			c.saveState(state{})
			return nil, fmt.Errorf("campaign: stored copy invalid after 304: %w", perr)
		}
		return camp, nil
	default:
		c.Sink.Report("campaign fetch failed", events.SeverityWarning, nil)
		log.Printf("campaign: fetch %s: %v", c.URL, err)
		return c.fromState(st, err)
	}
}

// Cached returns the stored campaign without touching the network.
func (c *Client) Cached() (*creative.Campaign, error) {
	st := c.loadState()
	if len(st.Body) == 0 {
		return nil, ErrNoCampaign
	}
	return parse(st.Body)
}

func (c *Client) conditionalGet(ctx context.Context, st state) (json.RawMessage, state, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, state{}, fmt.Errorf("campaign: build request: %w", err)
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	req.Header.Set("Accept", "application/json")
	if st.ETag != "" {
		req.Header.Set("If-None-Match", st.ETag)
	}
	if st.LastModified != "" {
		req.Header.Set("If-Modified-Since", st.LastModified)
	}

	resp, err := httpclient.DoWithRetry(ctx, c.Client, req, c.Retry)
	if err != nil {
		return nil, state{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, state{}, ErrNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return nil, state{}, fmt.Errorf("campaign: %s: unexpected status %d", c.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, state{}, fmt.Errorf("campaign: read body: %w", err)
	}
	return body, state{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    time.Now(),
		Body:         body,
	}, nil
}

// fromState degrades to the stored copy, wrapping cause when there is none.
func (c *Client) fromState(st state, cause error) (*creative.Campaign, error) {
	if len(st.Body) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoCampaign, cause)
	}
	camp, perr := parse(st.Body)
	if perr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCampaign, cause)
	}
	log.Printf("campaign: serving stored copy from %s", st.FetchedAt.Format(time.RFC3339))
	return camp, nil
}

func (c *Client) loadState() state {
	if c.KV == nil {
		return state{}
	}
	raw, ok, err := c.KV.Get(stateKey)
	if err != nil || !ok {
		return state{}
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Printf("campaign: unreadable state, refetching: %v", err)
		return state{}
	}
	return st
}

func (c *Client) saveState(st state) {
	if c.KV == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.KV.Put(stateKey, raw); err != nil {
		log.Printf("campaign: persist state: %v", err)
	}
}

func parse(body json.RawMessage) (*creative.Campaign, error) {
	if len(body) == 0 {
		return nil, ErrNoCampaign
	}
	var camp creative.Campaign
	if err := json.Unmarshal(body, &camp); err != nil {
		return nil, err
	}
	return &camp, nil
}
