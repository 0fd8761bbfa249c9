// Command ad-delivery: campaign fetch, creative cache maintenance, and a
// console playback demo.
//
//	fetch  Fetch the campaign and cache creatives per format
//	list   Print the cache index
//	evict  Remove one cached asset (or -all) together with its files
//	probe  HEAD a creative URL, report size and content type
//	demo   Resolve one ad and play it on a console surface
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adforge/ad-delivery/internal/cacheindex"
	"github.com/adforge/ad-delivery/internal/campaign"
	"github.com/adforge/ad-delivery/internal/config"
	"github.com/adforge/ad-delivery/internal/connectivity"
	"github.com/adforge/ad-delivery/internal/creative"
	"github.com/adforge/ad-delivery/internal/events"
	"github.com/adforge/ad-delivery/internal/fetcher"
	"github.com/adforge/ad-delivery/internal/httpclient"
	"github.com/adforge/ad-delivery/internal/playback"
	"github.com/adforge/ad-delivery/internal/probe"
	"github.com/adforge/ad-delivery/internal/resolver"
	"github.com/adforge/ad-delivery/internal/store"
)

func main() {
	_ = config.LoadEnvFile(".env")

	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	fetchFormat := fetchCmd.String("format", "", "Only this format (banner|interstitial|rewarded); default all")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listFormat := listCmd.String("format", "", "Only entries for this format")

	evictCmd := flag.NewFlagSet("evict", flag.ExitOnError)
	evictID := evictCmd.String("id", "", "Asset ID to evict")
	evictAll := evictCmd.Bool("all", false, "Evict everything")

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeURL := probeCmd.String("url", "", "Creative URL to probe")
	probeTimeout := probeCmd.Duration("timeout", 8*time.Second, "Probe timeout")

	demoCmd := flag.NewFlagSet("demo", flag.ExitOnError)
	demoFormat := demoCmd.String("format", "interstitial", "Format to play (banner|interstitial|rewarded)")
	demoOffline := demoCmd.Bool("offline", false, "Skip the connectivity probe, resolve from cache only")
	demoMetrics := demoCmd.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <fetch|list|evict|probe|demo> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  fetch  Fetch the campaign and cache creatives per format\n")
		fmt.Fprintf(os.Stderr, "  list   Print the cache index\n")
		fmt.Fprintf(os.Stderr, "  evict  Remove one cached asset (-id) or everything (-all)\n")
		fmt.Fprintf(os.Stderr, "  probe  HEAD a creative URL, report size and content type\n")
		fmt.Fprintf(os.Stderr, "  demo   Resolve one ad and play it on a console surface\n")
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "fetch":
		_ = fetchCmd.Parse(os.Args[2:])
		if cfg.CampaignURL == "" {
			log.Printf("Set AD_DELIVERY_CAMPAIGN_URL (or .env) to fetch")
			os.Exit(1)
		}
		app := openApp(cfg)
		defer app.close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		camp, err := app.campaigns.Fetch(ctx)
		if err != nil {
			log.Printf("Campaign fetch failed: %v", err)
			os.Exit(1)
		}
		formats := allFormats()
		if *fetchFormat != "" {
			formats = []creative.AdFormat{parseFormat(*fetchFormat)}
		}
		total := 0
		for _, format := range formats {
			n := app.fetcher.CacheAssetsForFormat(ctx, camp, format)
			log.Printf("Cached %d asset(s) for %s", n, format)
			total += n
		}
		log.Printf("Done: %d new asset(s), %d in index", total, app.index.Len())

	case "list":
		_ = listCmd.Parse(os.Args[2:])
		app := openApp(cfg)
		defer app.close()

		var entries []creative.CacheEntry
		if *listFormat != "" {
			entries = app.index.List(parseFormat(*listFormat))
		} else {
			entries = app.index.ListAll()
		}
		if len(entries) == 0 {
			fmt.Println("Cache is empty")
			return
		}
		for _, e := range entries {
			valid := "ok"
			if !e.Valid() {
				valid = "MISSING FILE"
			}
			fmt.Printf("%-14s %-6s id=%-20s %s (%s)\n", e.Format, e.Type, e.ID, e.LocalPath, valid)
		}

	case "evict":
		_ = evictCmd.Parse(os.Args[2:])
		app := openApp(cfg)
		defer app.close()

		switch {
		case *evictAll:
			n := app.index.Len()
			app.index.Clear()
			log.Printf("Evicted %d entr(ies)", n)
		case *evictID != "":
			if app.index.Remove(*evictID) {
				log.Printf("Evicted %s", *evictID)
			} else {
				log.Printf("No cached asset with id %q", *evictID)
				os.Exit(1)
			}
		default:
			log.Printf("Need -id <asset> or -all")
			os.Exit(1)
		}

	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		if *probeURL == "" {
			log.Printf("Need -url")
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), *probeTimeout+time.Second)
		defer cancel()
		meta, err := probe.Fetch(ctx, httpclient.Default(), *probeURL, *probeTimeout)
		if err != nil {
			log.Printf("Probe failed: %v", err)
			os.Exit(1)
		}
		size := "unknown"
		if meta.Length >= 0 {
			size = fmt.Sprintf("%d bytes", meta.Length)
		}
		fmt.Printf("%s: %s, type=%q, video=%t\n", *probeURL, size, meta.ContentType, probe.LooksLikeVideo(*probeURL, meta.ContentType))

	case "demo":
		_ = demoCmd.Parse(os.Args[2:])
		runDemo(cfg, parseFormat(*demoFormat), *demoOffline, *demoMetrics)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

// app bundles the pieces every subcommand needs: the KV store, the loaded
// cache index, the campaign client and the asset fetcher.
type app struct {
	kv        store.KV
	index     *cacheindex.Index
	campaigns *campaign.Client
	fetcher   *fetcher.Fetcher
	sink      events.Sink
}

func openApp(cfg *config.Config) *app {
	kv, err := store.OpenSQLite(cfg.DataPath)
	if err != nil {
		log.Printf("Open data store %s: %v", cfg.DataPath, err)
		os.Exit(1)
	}
	sink := events.Multi{events.Logger{}}
	idx := cacheindex.New(kv, sink)
	if err := idx.Load(); err != nil {
		log.Printf("Load cache index: %v", err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		log.Printf("Create cache dir %s: %v", cfg.CacheDir, err)
		os.Exit(1)
	}
	client := httpclient.Default()
	return &app{
		kv:        kv,
		index:     idx,
		campaigns: campaign.New(cfg.CampaignURL, client, kv, sink),
		fetcher: &fetcher.Fetcher{
			Index:             idx,
			Client:            client,
			Sink:              sink,
			CacheDir:          cfg.CacheDir,
			BaseDomain:        cfg.BaseDomain,
			Timeout:           cfg.DownloadTimeout,
			WriteRetries:      cfg.WriteRetries,
			WriteRetryBackoff: cfg.WriteRetryBackoff,
			HostSem:           httpclient.NewHostSemaphore(cfg.HostConcurrency),
			Rate:              httpclient.NewRateLimiter(cfg.DownloadRateBytes),
			OnFormatReady: func(f creative.AdFormat) {
				log.Printf("Format %s ready", f)
			},
		},
		sink: sink,
	}
}

func (a *app) close() {
	if err := a.kv.Close(); err != nil {
		log.Printf("Close data store: %v", err)
	}
}

func allFormats() []creative.AdFormat {
	return []creative.AdFormat{creative.FormatBanner, creative.FormatInterstitial, creative.FormatRewarded}
}

func parseFormat(s string) creative.AdFormat {
	f := creative.AdFormat(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		log.Printf("Unknown format %q (want banner, interstitial or rewarded)", s)
		os.Exit(1)
	}
	return f
}

// runDemo resolves one ad and plays it end to end on a console surface with
// a simulated video player, until the ad closes or SIGINT/SIGTERM arrives.
func runDemo(cfg *config.Config, format creative.AdFormat, offline bool, metricsAddr string) {
	app := openApp(cfg)
	defer app.close()

	sink := app.sink.(events.Multi)
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := events.NewPrometheus(reg)
		if err != nil {
			log.Printf("Metrics setup: %v", err)
			os.Exit(1)
		}
		sink = append(sink, prom)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Printf("Metrics on http://%s/metrics", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("Metrics server: %v", err)
			}
		}()
	}

	var checker connectivity.Checker = connectivity.Static(false)
	if !offline {
		checker = &connectivity.HTTPChecker{
			URL:     cfg.ConnectivityURL,
			Client:  httpclient.Default(),
			TTL:     cfg.ConnectivityTTL,
			Timeout: cfg.ProbeTimeout,
		}
	}
	res := &resolver.Resolver{
		Index:                app.index,
		Checker:              checker,
		Client:               httpclient.Default(),
		Sink:                 sink,
		CacheDir:             cfg.CacheDir,
		VideoCacheLimitBytes: cfg.VideoCacheLimitBytes,
		ProbeTimeout:         cfg.ProbeTimeout,
		DownloadTimeout:      cfg.DownloadTimeout,
		WriteRetries:         cfg.WriteRetries,
		WriteRetryBackoff:    cfg.WriteRetryBackoff,
	}

	done := make(chan struct{})
	var once sync.Once
	var player *consolePlayer
	ctrl := playback.New(res, &consoleSurface{}, func() playback.VideoPlayer {
		player = newConsolePlayer(15 * time.Second)
		return player
	}, sink, playback.Callbacks{
		OnShown:        func(f creative.AdFormat) { log.Printf("demo: shown %s", f) },
		OnClick:        func(url string) { log.Printf("demo: click -> %s", url) },
		OnRewardEarned: func() { log.Printf("demo: reward earned") },
		OnClose: func(f creative.AdFormat) {
			log.Printf("demo: closed %s", f)
			once.Do(func() { close(done) })
		},
	}, playback.Policy{
		CloseFloorInterstitial:    cfg.CloseFloorInterstitial,
		CloseFloorRewarded:        cfg.CloseFloorRewarded,
		InterstitialVideoFraction: cfg.InterstitialVideoFraction,
		MaxSurfaceDim:             cfg.MaxSurfaceDim,
		Sync: playback.SyncConfig{
			Interval:      cfg.SyncInterval,
			WarmupSamples: cfg.SyncWarmupSamples,
			DriftMajor:    cfg.SyncDriftMajor,
			DriftRecover:  cfg.SyncDriftRecover,
			EscalateAfter: cfg.SyncEscalateAfter,
			MaxSamples:    cfg.SyncMaxSamples,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ad := demoAd(app, format)
	if ad == nil {
		log.Printf("Nothing cached for %s; run fetch first", format)
		os.Exit(1)
	}
	if err := ctrl.ShowAd(ctx, ad, format); err != nil {
		log.Printf("Show failed: %v", err)
		os.Exit(1)
	}

	// Report simulated video completion and auto-close as soon as the
	// countdown allows, so the demo terminates on its own.
	go func() {
		tick := time.NewTicker(500 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if player != nil && player.finished() {
					ctrl.VideoFinished()
				}
				if ctrl.Close() {
					return
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case s := <-sig:
		log.Printf("Signal %v, hiding", s)
		ctrl.HideAd()
	}
}

// demoAd reconstructs an ad view from the cache, falling back to the stored
// campaign when the cache has no usable entries.
func demoAd(app *app, format creative.AdFormat) *creative.Ad {
	if ad := creative.AssembleAd(app.index.List(format), format); ad != nil {
		return ad
	}
	camp, err := app.campaigns.Cached()
	if err != nil {
		return nil
	}
	group, c := camp.FirstAd(format)
	return creative.AdFromCreative(group, c)
}

// consoleSurface prints what a real placement would render.
type consoleSurface struct{}

func (consoleSurface) ShowImage(e *creative.CacheEntry) { log.Printf("surface: image %s", e.LocalPath) }
func (consoleSurface) ClearImage()                      { log.Printf("surface: image cleared") }
func (consoleSurface) AttachVideo(playback.VideoPlayer) { log.Printf("surface: video attached") }
func (consoleSurface) DetachVideo()                     { log.Printf("surface: video detached") }
func (consoleSurface) SetCloseControl(enabled bool, remaining time.Duration) {
	if enabled {
		log.Printf("surface: close enabled")
	} else {
		log.Printf("surface: close in %s", remaining.Round(time.Second))
	}
}
func (consoleSurface) SetVisible(v bool) { log.Printf("surface: visible=%t", v) }
func (consoleSurface) SetSize(w, h int)  { log.Printf("surface: size %dx%d", w, h) }

// consolePlayer simulates playback in real time: position advances with the
// wall clock until the configured duration elapses.
type consolePlayer struct {
	mu      sync.Mutex
	dur     time.Duration
	started time.Time
	playing bool
	muted   bool
	source  string
}

func newConsolePlayer(dur time.Duration) *consolePlayer {
	return &consolePlayer{dur: dur}
}

func (p *consolePlayer) PrepareFile(path string) error {
	p.source = path
	log.Printf("player: prepared file %s", path)
	return nil
}

func (p *consolePlayer) PrepareStream(url string) error {
	p.source = url
	log.Printf("player: prepared stream %s", url)
	return nil
}

func (p *consolePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = time.Now()
	p.playing = true
	log.Printf("player: playing %s (%s)", p.source, p.dur)
	return nil
}

func (p *consolePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
}

func (p *consolePlayer) Release() { log.Printf("player: released") }

func (p *consolePlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return 0
	}
	pos := time.Since(p.started)
	if pos > p.dur {
		return p.dur
	}
	return pos
}

func (p *consolePlayer) Duration() time.Duration { return p.dur }

// The simulated source carries no real container metadata; a fixed 720p
// keeps the surface sizing path exercised.
func (p *consolePlayer) Width() int  { return 1280 }
func (p *consolePlayer) Height() int { return 720 }

func (p *consolePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && time.Since(p.started) < p.dur
}

func (p *consolePlayer) Buffering() bool { return false }

// finished reports whether simulated playback ran to the end.
func (p *consolePlayer) finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.started.IsZero() && time.Since(p.started) >= p.dur
}

func (p *consolePlayer) SetMuted(m bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = m
	log.Printf("player: muted=%t", m)
}

func (p *consolePlayer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}
