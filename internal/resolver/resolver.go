// Package resolver decides what an ad placement actually shows: video
// (cached or streamed), a cached image, or nothing. Evaluated fresh on every
// show, degrading along video -> cached image -> hidden so the unit is never
// blank.
package resolver

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/adforge/ad-delivery/internal/cacheindex"
	"github.com/adforge/ad-delivery/internal/connectivity"
	"github.com/adforge/ad-delivery/internal/creative"
	"github.com/adforge/ad-delivery/internal/events"
	"github.com/adforge/ad-delivery/internal/fetcher"
	"github.com/adforge/ad-delivery/internal/httpclient"
	"github.com/adforge/ad-delivery/internal/probe"
	"github.com/adforge/ad-delivery/internal/safeurl"
)

// Kind is the outcome of a resolution.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
	KindNone  Kind = "none"
)

// Displayable tells the playback controller what to put on screen.
type Displayable struct {
	Kind Kind

	// Image is the cached fallback image. For KindImage it is the content;
	// for KindVideo it is shown while the video prepares so the unit is
	// never blank (fallback-while-loading). May be nil for KindVideo.
	Image *creative.CacheEntry

	// Exactly one of VideoPath/VideoURL is meaningful for KindVideo:
	// VideoPath when the file was cached locally, VideoURL when streaming.
	VideoPath string
	VideoURL  string
	Streaming bool
}

// Resolver applies the fallback decision policy.
type Resolver struct {
	Index   *cacheindex.Index
	Checker connectivity.Checker
	Client  *http.Client
	Sink    events.Sink

	CacheDir string
	// VideoCacheLimitBytes: videos with a known size at or under this are
	// downloaded before playback; larger or unknown sizes stream directly.
	VideoCacheLimitBytes int64
	ProbeTimeout         time.Duration
	DownloadTimeout      time.Duration
	WriteRetries         int
	WriteRetryBackoff    time.Duration
}

// LoadMainAsset resolves the main visual for ad in the given format.
//
// Order: connectivity decides whether video is preferred; a cached image is
// surfaced regardless (fallback-while-loading); a preferred video is cached
// when small enough, streamed otherwise; with no video and no cached image
// the outcome is KindNone and the unit stays hidden.
func (r *Resolver) LoadMainAsset(ctx context.Context, ad *creative.Ad, format creative.AdFormat) Displayable {
	if ad == nil {
		r.sink().Report("resolve without ad", events.SeverityError, nil)
		return Displayable{Kind: KindNone}
	}

	online := r.Checker != nil && r.Checker.Online(ctx)
	videoURL := ad.VideoURL
	preferVideo := online && videoURL != "" && safeurl.IsHTTPOrHTTPS(videoURL)

	var image *creative.CacheEntry
	if e, ok := r.Index.Get(format, creative.AssetImage); ok && e.Valid() {
		image = &e
	}

	if preferVideo {
		d := r.resolveVideo(ctx, ad, format, videoURL)
		d.Image = image
		return d
	}

	if image != nil {
		return Displayable{Kind: KindImage, Image: image}
	}

	r.sink().Report("no cached image", events.SeverityWarning, map[string]string{"format": string(format)})
	log.Printf("resolver: no content for %s (online=%t video=%t)", format, online, videoURL != "")
	return Displayable{Kind: KindNone}
}

func (r *Resolver) resolveVideo(ctx context.Context, ad *creative.Ad, format creative.AdFormat, videoURL string) Displayable {
	// A video already cached for this format plays from disk, no probe needed.
	if e, ok := r.Index.Get(format, creative.AssetVideo); ok && e.Valid() && e.OriginalURL == videoURL {
		return Displayable{Kind: KindVideo, VideoPath: e.LocalPath}
	}

	meta := probe.Metadata{Length: -1}
	m, err := probe.Fetch(ctx, r.Client, videoURL, r.ProbeTimeout)
	if err != nil {
		r.sink().Report("video head request failed", events.SeverityWarning, nil)
		log.Printf("resolver: probe %s: %v", safeurl.Redact(videoURL), err)
	} else {
		meta = m
	}
	// Advisory only: an odd extension/MIME is logged, never blocks playback.
	if !probe.LooksLikeVideo(videoURL, meta.ContentType) {
		r.sink().Report("unrecognized video format", events.SeverityWarning, map[string]string{"content_type": meta.ContentType})
		log.Printf("resolver: unrecognized video format url=%s type=%q", safeurl.Redact(videoURL), meta.ContentType)
	}

	if meta.Length >= 0 && meta.Length <= r.videoLimit() {
		if path, err := r.cacheVideo(ctx, ad, format, videoURL); err == nil {
			return Displayable{Kind: KindVideo, VideoPath: path}
		} else {
			r.sink().Report("video cache failed", events.SeverityWarning, nil)
			log.Printf("resolver: cache video %s: %v", safeurl.Redact(videoURL), err)
		}
	}
	return Displayable{Kind: KindVideo, VideoURL: videoURL, Streaming: true}
}

// cacheVideo is the one-shot, non-deduplicated cache write for small videos:
// download, write under a fresh name, record an index entry so the next show
// plays from disk.
func (r *Resolver) cacheVideo(ctx context.Context, ad *creative.Ad, format creative.AdFormat, videoURL string) (string, error) {
	timeout := r.DownloadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	client := r.Client
	if client == nil {
		client = httpclient.Default()
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: %s", safeurl.Redact(videoURL), resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	key := creative.NewCacheKey(format, creative.AssetVideo, ad.ID)
	path, err := fetcher.WriteUnique(r.CacheDir, key, ".mp4", data, r.writeRetries(), r.writeBackoff())
	if err != nil {
		return "", err
	}
	r.Index.Put(key, creative.CacheEntry{
		ID:          key.AssetID,
		Type:        creative.AssetVideo,
		Format:      format,
		LocalPath:   path,
		OriginalURL: videoURL,
		ClickURL:    ad.ClickURL,
		CachedAt:    time.Now(),
		AdID:        ad.ID,
	})
	return path, nil
}

func (r *Resolver) videoLimit() int64 {
	if r.VideoCacheLimitBytes <= 0 {
		return 15 << 20
	}
	return r.VideoCacheLimitBytes
}

func (r *Resolver) writeRetries() int {
	if r.WriteRetries <= 0 {
		return 3
	}
	return r.WriteRetries
}

func (r *Resolver) writeBackoff() time.Duration {
	if r.WriteRetryBackoff <= 0 {
		return 100 * time.Millisecond
	}
	return r.WriteRetryBackoff
}

func (r *Resolver) sink() events.Sink {
	if r.Sink == nil {
		return events.Nop{}
	}
	return r.Sink
}
