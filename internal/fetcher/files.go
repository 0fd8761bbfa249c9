package fetcher

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/adforge/ad-delivery/internal/creative"
)

// maxCollisionSuffix bounds the uniquely-named-file loop; two fetches landing
// on the same nanosecond timestamp is already rare.
const maxCollisionSuffix = 8

// writeFile is swapped in tests to simulate sharing/lock errors.
var writeFile = os.WriteFile

// WriteUnique writes data to a fresh, timestamp-qualified file in dir and
// returns its path. Concurrent writers never share a destination: the name
// embeds the cache key and UnixNano, with a bounded suffix loop for the
// pathological collision case.
func WriteUnique(dir string, key creative.CacheKey, ext string, data []byte, retries int, backoff time.Duration) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	base := fmt.Sprintf("%s_%s_%s_%d", key.Format, key.Type, sanitize(key.AssetID), time.Now().UnixNano())
	name := base + ext
	for i := 1; ; i++ {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := writeWithRetry(p, data, retries, backoff); err != nil {
				return "", err
			}
			return p, nil
		}
		if i > maxCollisionSuffix {
			return "", fmt.Errorf("fetcher: no free filename for %s", base)
		}
		name = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

// writeWithRetry retries transient write failures (sharing violations,
// scanners briefly locking the file) with growing backoff before giving up.
func writeWithRetry(path string, data []byte, retries int, backoff time.Duration) error {
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		err = writeFile(path, data, 0644)
		if err == nil {
			return nil
		}
		if attempt < retries {
			time.Sleep(time.Duration(attempt) * backoff)
		}
	}
	return fmt.Errorf("fetcher: write %s after %d attempts: %w", path, retries, err)
}

// extFromURL returns the URL's file extension, or .bin when it has none.
func extFromURL(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" && len(ext) <= 6 {
		return ext
	}
	return ".bin"
}

func sanitize(id string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if s == "" {
		s = "default"
	}
	return s
}
