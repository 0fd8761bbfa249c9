// Package probe performs lightweight metadata probes against creative URLs:
// a HEAD-style request yielding content length and content type, used by the
// fallback resolver to decide between caching and streaming a video.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/adforge/ad-delivery/internal/httpclient"
)

// Metadata is what a probe could learn about a remote asset.
// Length is -1 when the origin did not report a size.
type Metadata struct {
	Length      int64
	ContentType string
}

// Fetch probes url with HEAD, falling back to a one-byte ranged GET for
// origins that reject HEAD. Timeout guards the whole probe.
func Fetch(ctx context.Context, client *http.Client, url string, timeout time.Duration) (Metadata, error) {
	if client == nil {
		client = httpclient.Default()
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	meta, err := head(ctx, client, url)
	if err == nil {
		return meta, nil
	}
	return rangedGet(ctx, client, url)
}

func head(ctx context.Context, client *http.Client, url string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Metadata{Length: -1}, err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	resp, err := client.Do(req)
	if err != nil {
		return Metadata{Length: -1}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Metadata{Length: -1}, fmt.Errorf("probe: HEAD %d", resp.StatusCode)
	}
	return Metadata{
		Length:      contentLength(resp.Header.Get("Content-Length")),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func rangedGet(ctx context.Context, client *http.Client, url string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{Length: -1}, err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return Metadata{Length: -1}, err
	}
	defer resp.Body.Close()
	meta := Metadata{Length: -1, ContentType: resp.Header.Get("Content-Type")}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Content-Range: bytes 0-0/12345
		cr := resp.Header.Get("Content-Range")
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			meta.Length = contentLength(cr[i+1:])
		}
		return meta, nil
	case http.StatusOK:
		meta.Length = contentLength(resp.Header.Get("Content-Length"))
		return meta, nil
	}
	return meta, fmt.Errorf("probe: GET %d", resp.StatusCode)
}

func contentLength(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// LooksLikeVideo is the advisory format check: a recognized video extension
// or MIME type passes. Failing it logs a warning upstream but never blocks
// playback.
func LooksLikeVideo(url, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "video/") || strings.Contains(ct, "application/mp4") {
		return true
	}
	p := url
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".mp4", ".webm", ".mov", ".avi", ".m4v":
		return true
	}
	return false
}
