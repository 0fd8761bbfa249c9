// Package config loads ad-delivery settings from the environment.
// Business thresholds (video cache limit, countdown floors, drift windows)
// are configuration with product-default values, not code constants.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds campaign, cache, playback, and sync-monitor settings.
// Load from env; call LoadEnvFile(".env") first to use a .env file.
type Config struct {
	// Campaign provider
	CampaignURL string // campaign selection endpoint
	BaseDomain  string // base for relative creative URLs, e.g. ads.example.com

	// Paths
	CacheDir string // downloaded creative files
	DataPath string // SQLite KV store (cache index + last campaign)

	// Downloads
	DownloadTimeout   time.Duration
	ProbeTimeout      time.Duration
	WriteRetries      int           // attempts for cache file writes on sharing/lock errors
	WriteRetryBackoff time.Duration // first retry delay; grows per attempt
	HostConcurrency   int           // max concurrent downloads per host
	DownloadRateBytes int           // bytes/sec across all downloads; 0 = unlimited

	// Fallback resolver
	VideoCacheLimitBytes int64 // videos at or under this size are cached before playback; larger ones stream

	// Playback
	CloseFloorInterstitial    time.Duration // minimum close delay for interstitials
	CloseFloorRewarded        time.Duration // minimum close delay for rewarded ads
	InterstitialVideoFraction float64       // portion of video duration gating interstitial close
	MaxSurfaceDim             int           // cap on render surface width/height

	// Sync monitor
	SyncInterval      time.Duration // wall-clock sample interval
	SyncWarmupSamples int           // samples skipped for stabilization
	SyncDriftMajor    time.Duration // drift above this counts toward escalation
	SyncDriftRecover  time.Duration // drift at or under this resets the counter
	SyncEscalateAfter int           // consecutive major-drift samples before force-mute
	SyncMaxSamples    int           // monitor stops after this many samples

	// Connectivity probe
	ConnectivityURL string
	ConnectivityTTL time.Duration // how long one probe result is trusted
}

// Load reads config from environment with product defaults.
func Load() *Config {
	c := &Config{
		CampaignURL: os.Getenv("AD_DELIVERY_CAMPAIGN_URL"),
		BaseDomain:  os.Getenv("AD_DELIVERY_BASE_DOMAIN"),

		CacheDir: getEnv("AD_DELIVERY_CACHE", "/var/cache/ad-delivery"),
		DataPath: getEnv("AD_DELIVERY_DATA", "./ad-delivery.db"),

		DownloadTimeout:   getEnvDuration("AD_DELIVERY_DOWNLOAD_TIMEOUT", 30*time.Second),
		ProbeTimeout:      getEnvDuration("AD_DELIVERY_PROBE_TIMEOUT", 8*time.Second),
		WriteRetries:      getEnvInt("AD_DELIVERY_WRITE_RETRIES", 3),
		WriteRetryBackoff: getEnvDuration("AD_DELIVERY_WRITE_RETRY_BACKOFF", 100*time.Millisecond),
		HostConcurrency:   getEnvInt("AD_DELIVERY_HOST_CONCURRENCY", 4),
		DownloadRateBytes: getEnvInt("AD_DELIVERY_DOWNLOAD_RATE_BYTES", 0),

		VideoCacheLimitBytes: getEnvInt64("AD_DELIVERY_VIDEO_CACHE_LIMIT", 15<<20),

		CloseFloorInterstitial:    getEnvDuration("AD_DELIVERY_CLOSE_FLOOR_INTERSTITIAL", 5*time.Second),
		CloseFloorRewarded:        getEnvDuration("AD_DELIVERY_CLOSE_FLOOR_REWARDED", 20*time.Second),
		InterstitialVideoFraction: getEnvFloat("AD_DELIVERY_INTERSTITIAL_VIDEO_FRACTION", 0.8),
		MaxSurfaceDim:             getEnvInt("AD_DELIVERY_MAX_SURFACE_DIM", 1920),

		SyncInterval:      getEnvDuration("AD_DELIVERY_SYNC_INTERVAL", time.Second),
		SyncWarmupSamples: getEnvInt("AD_DELIVERY_SYNC_WARMUP_SAMPLES", 2),
		SyncDriftMajor:    getEnvDuration("AD_DELIVERY_SYNC_DRIFT_MAJOR", 300*time.Millisecond),
		SyncDriftRecover:  getEnvDuration("AD_DELIVERY_SYNC_DRIFT_RECOVER", 500*time.Millisecond),
		SyncEscalateAfter: getEnvInt("AD_DELIVERY_SYNC_ESCALATE_AFTER", 3),
		SyncMaxSamples:    getEnvInt("AD_DELIVERY_SYNC_MAX_SAMPLES", 900),

		ConnectivityURL: getEnv("AD_DELIVERY_CONNECTIVITY_URL", "https://clients3.google.com/generate_204"),
		ConnectivityTTL: getEnvDuration("AD_DELIVERY_CONNECTIVITY_TTL", 30*time.Second),
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = 3
	}
	if c.HostConcurrency <= 0 {
		c.HostConcurrency = 4
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Second
	}
	if c.SyncEscalateAfter <= 0 {
		c.SyncEscalateAfter = 3
	}
	if c.SyncMaxSamples <= 0 {
		c.SyncMaxSamples = 900
	}
	if c.InterstitialVideoFraction <= 0 || c.InterstitialVideoFraction > 1 {
		c.InterstitialVideoFraction = 0.8
	}
	return c
}

// LoadEnvFile applies KEY=value pairs from an optional .env-style file to the
// process environment before Load reads it. A missing file is not an error:
// hosts that configure through real environment variables never create one.
// Blank lines, comments, and lines without "=" are ignored; values may be
// single- or double-quoted.
func LoadEnvFile(path string) error {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		os.Setenv(key, trimQuotes(strings.TrimSpace(value)))
	}
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if q := s[0]; (q == '"' || q == '\'') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare number = seconds, for operators who skip the unit suffix.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
