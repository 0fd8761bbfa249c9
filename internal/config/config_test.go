package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.VideoCacheLimitBytes != 15<<20 {
		t.Errorf("VideoCacheLimitBytes = %d, want %d", c.VideoCacheLimitBytes, 15<<20)
	}
	if c.CloseFloorInterstitial != 5*time.Second {
		t.Errorf("CloseFloorInterstitial = %v", c.CloseFloorInterstitial)
	}
	if c.CloseFloorRewarded != 20*time.Second {
		t.Errorf("CloseFloorRewarded = %v", c.CloseFloorRewarded)
	}
	if c.InterstitialVideoFraction != 0.8 {
		t.Errorf("InterstitialVideoFraction = %v", c.InterstitialVideoFraction)
	}
	if c.SyncInterval != time.Second || c.SyncWarmupSamples != 2 {
		t.Errorf("sync sampling defaults: interval=%v warmup=%d", c.SyncInterval, c.SyncWarmupSamples)
	}
	if c.SyncDriftMajor != 300*time.Millisecond || c.SyncDriftRecover != 500*time.Millisecond {
		t.Errorf("drift defaults: major=%v recover=%v", c.SyncDriftMajor, c.SyncDriftRecover)
	}
	if c.WriteRetries != 3 {
		t.Errorf("WriteRetries = %d", c.WriteRetries)
	}
}

func TestLoad_overrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("AD_DELIVERY_CAMPAIGN_URL", "https://ads.example.com/campaign")
	os.Setenv("AD_DELIVERY_BASE_DOMAIN", "ads.example.com")
	os.Setenv("AD_DELIVERY_VIDEO_CACHE_LIMIT", "1048576")
	os.Setenv("AD_DELIVERY_CLOSE_FLOOR_REWARDED", "30s")
	os.Setenv("AD_DELIVERY_SYNC_DRIFT_MAJOR", "250ms")
	c := Load()
	if c.CampaignURL != "https://ads.example.com/campaign" {
		t.Errorf("CampaignURL = %q", c.CampaignURL)
	}
	if c.VideoCacheLimitBytes != 1<<20 {
		t.Errorf("VideoCacheLimitBytes = %d", c.VideoCacheLimitBytes)
	}
	if c.CloseFloorRewarded != 30*time.Second {
		t.Errorf("CloseFloorRewarded = %v", c.CloseFloorRewarded)
	}
	if c.SyncDriftMajor != 250*time.Millisecond {
		t.Errorf("SyncDriftMajor = %v", c.SyncDriftMajor)
	}
}

func TestLoad_durationWithoutUnit(t *testing.T) {
	os.Clearenv()
	os.Setenv("AD_DELIVERY_CLOSE_FLOOR_INTERSTITIAL", "7")
	c := Load()
	if c.CloseFloorInterstitial != 7*time.Second {
		t.Errorf("bare seconds should parse: %v", c.CloseFloorInterstitial)
	}
}

func TestLoadEnvFile_feedsLoad(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), ".env")
	content := "# local overrides\n" +
		"AD_DELIVERY_BASE_DOMAIN=ads.example.com\n" +
		"AD_DELIVERY_CACHE='/tmp/ad cache'\n" +
		"AD_DELIVERY_CLOSE_FLOOR_REWARDED=\"25s\"\n" +
		"this line is not a pair\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	c := Load()
	if c.BaseDomain != "ads.example.com" {
		t.Errorf("BaseDomain = %q", c.BaseDomain)
	}
	if c.CacheDir != "/tmp/ad cache" {
		t.Errorf("quoted value not unwrapped: %q", c.CacheDir)
	}
	if c.CloseFloorRewarded != 25*time.Second {
		t.Errorf("CloseFloorRewarded = %v", c.CloseFloorRewarded)
	}
}

func TestLoadEnvFile_missingIsNotAnError(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "no-such.env")); err != nil {
		t.Fatalf("missing .env: %v", err)
	}
}

func TestLoad_garbageFallsBackToDefaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("AD_DELIVERY_INTERSTITIAL_VIDEO_FRACTION", "2.5")
	os.Setenv("AD_DELIVERY_SYNC_ESCALATE_AFTER", "-1")
	c := Load()
	if c.InterstitialVideoFraction != 0.8 {
		t.Errorf("out-of-range fraction should reset: %v", c.InterstitialVideoFraction)
	}
	if c.SyncEscalateAfter != 3 {
		t.Errorf("negative escalate-after should reset: %d", c.SyncEscalateAfter)
	}
}
