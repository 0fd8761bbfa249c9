// Package fetcher performs deduplicated, isolated downloads of campaign
// creatives into the local cache, updating the cache index and signalling
// per-format readiness.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/adforge/ad-delivery/internal/cacheindex"
	"github.com/adforge/ad-delivery/internal/creative"
	"github.com/adforge/ad-delivery/internal/events"
	"github.com/adforge/ad-delivery/internal/httpclient"
	"github.com/adforge/ad-delivery/internal/safeurl"
)

// Fetcher downloads the wanted assets for an ad format. Zero-value fields
// get safe defaults on first use.
type Fetcher struct {
	Index      *cacheindex.Index
	Client     *http.Client
	Sink       events.Sink
	CacheDir   string
	BaseDomain string

	// Timeout bounds each asset download (single request, fixed timeout).
	Timeout time.Duration
	// WriteRetries / WriteRetryBackoff drive the write-with-retry policy for
	// cache files hit by sharing/lock errors.
	WriteRetries      int
	WriteRetryBackoff time.Duration

	HostSem *httpclient.HostSemaphore
	Rate    *httpclient.RateLimiter

	// OnFormatReady, if set, fires after every wanted asset for a format has
	// settled (success and failure both count), even when nothing was fetched.
	OnFormatReady func(creative.AdFormat)

	// mu guards inFlight together with the already-cached check, so "already
	// downloading" and "already cached" stay atomic with respect to each other.
	mu       sync.Mutex
	inFlight map[creative.CacheKey]struct{}
}

type wantedAsset struct {
	ref creative.MediaRef
	typ creative.AssetType
}

// CacheAssetsForFormat locates the first ad of the campaign matching format,
// downloads its not-yet-cached assets concurrently, and returns the number of
// newly cached files once every launched fetch has settled. Individual asset
// failures are logged and reported, never propagated: one bad creative must
// not block its siblings or the format-ready signal.
func (f *Fetcher) CacheAssetsForFormat(ctx context.Context, c *creative.Campaign, format creative.AdFormat) int {
	defer f.signalReady(format)

	group, ad := c.FirstAd(format)
	if ad == nil {
		log.Printf("fetcher: no %s ad in campaign", format)
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	cached := 0
	for _, w := range wantedAssets(ad) {
		if w.ref.URL == "" {
			continue
		}
		key := assetKey(ad, w)
		if !f.claim(key) {
			continue // already cached or already downloading
		}
		wg.Add(1)
		go func(w wantedAsset, key creative.CacheKey) {
			defer wg.Done()
			defer f.release(key)
			if f.fetchOne(ctx, group, ad, w, key) {
				mu.Lock()
				cached++
				mu.Unlock()
			}
		}(w, key)
	}
	wg.Wait()
	return cached
}

// wantedAssets derives up to three assets: the main visual(s) and the logo.
// Main image/video are classified by declared type, falling back to URL
// extension heuristics; the logo slot is always a logo.
func wantedAssets(ad *creative.AdCreative) []wantedAsset {
	out := make([]wantedAsset, 0, 3)
	if ad.MainImage.URL != "" {
		out = append(out, wantedAsset{ref: ad.MainImage, typ: ad.MainImage.AssetTypeOrClassify()})
	}
	if ad.MainVideo.URL != "" {
		out = append(out, wantedAsset{ref: ad.MainVideo, typ: ad.MainVideo.AssetTypeOrClassify()})
	}
	if ad.Logo.URL != "" {
		out = append(out, wantedAsset{ref: ad.Logo, typ: creative.AssetLogo})
	}
	return out
}

func assetKey(ad *creative.AdCreative, w wantedAsset) creative.CacheKey {
	return creative.NewCacheKey(ad.Format, w.typ, assetID(ad, w))
}

func assetID(ad *creative.AdCreative, w wantedAsset) string {
	if w.ref.ID != "" {
		return w.ref.ID
	}
	if ad.ID != "" {
		return ad.ID + "-" + string(w.typ)
	}
	return ""
}

// claim atomically checks "already cached" and "already downloading" and, when
// neither holds, marks key in flight. Two concurrent requests for the same
// key therefore lead to exactly one download.
func (f *Fetcher) claim(key creative.CacheKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight == nil {
		f.inFlight = make(map[creative.CacheKey]struct{})
	}
	if _, busy := f.inFlight[key]; busy {
		return false
	}
	if f.Index.Has(key) {
		return false
	}
	f.inFlight[key] = struct{}{}
	return true
}

// release always runs, success or failure; the in-flight set is never
// persisted and never leaks keys.
func (f *Fetcher) release(key creative.CacheKey) {
	f.mu.Lock()
	delete(f.inFlight, key)
	f.mu.Unlock()
}

func (f *Fetcher) fetchOne(ctx context.Context, group *creative.AdGroup, ad *creative.AdCreative, w wantedAsset, key creative.CacheKey) bool {
	url := safeurl.Resolve(f.BaseDomain, w.ref.URL)
	if url == "" || !safeurl.IsHTTPOrHTTPS(url) {
		f.sink().Report("asset url rejected", events.SeverityWarning, map[string]string{"key": key.String()})
		log.Printf("fetcher: rejected url for %s", key)
		return false
	}

	if f.HostSem != nil {
		release := f.HostSem.Acquire(url)
		defer release()
	}

	data, err := f.download(ctx, url)
	if err != nil {
		f.sink().Report("asset download failed", events.SeverityWarning, map[string]string{"key": key.String()})
		log.Printf("fetcher: download %s url=%s: %v", key, safeurl.Redact(url), err)
		return false
	}

	path, err := WriteUnique(f.CacheDir, key, extFromURL(url), data, f.writeRetries(), f.writeBackoff())
	if err != nil {
		f.sink().Report("asset write failed", events.SeverityError, map[string]string{"key": key.String()})
		log.Printf("fetcher: write %s: %v", key, err)
		return false
	}

	entry := creative.CacheEntry{
		ID:          key.AssetID,
		Type:        w.typ,
		Format:      ad.Format,
		LocalPath:   path,
		OriginalURL: url,
		Width:       w.ref.Width,
		Height:      w.ref.Height,
		AltText:     w.ref.AltText,
		CachedAt:    time.Now(),

		AdID:            ad.ID,
		HeaderText:      ad.MainHeader,
		ButtonText:      ad.ActionButton,
		DescriptionText: ad.Description,
	}
	if group != nil {
		entry.ClickURL = group.ClickURL
	}
	f.Index.Put(key, entry)
	log.Printf("fetcher: cached %s -> %s (%d bytes)", key, path, len(data))
	return true
}

// download performs a single GET with the configured fixed timeout.
func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	client := f.Client
	if client == nil {
		client = httpclient.Default()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: %s", safeurl.Redact(url), resp.Status)
	}
	return io.ReadAll(f.Rate.Reader(ctx, resp.Body))
}

func (f *Fetcher) signalReady(format creative.AdFormat) {
	log.Printf("fetcher: format ready %s", format)
	if f.OnFormatReady != nil {
		f.OnFormatReady(format)
	}
}

func (f *Fetcher) sink() events.Sink {
	if f.Sink == nil {
		return events.Nop{}
	}
	return f.Sink
}

func (f *Fetcher) writeRetries() int {
	if f.WriteRetries <= 0 {
		return 3
	}
	return f.WriteRetries
}

func (f *Fetcher) writeBackoff() time.Duration {
	if f.WriteRetryBackoff <= 0 {
		return 100 * time.Millisecond
	}
	return f.WriteRetryBackoff
}
