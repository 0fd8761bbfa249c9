package playback

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adforge/ad-delivery/internal/cacheindex"
	"github.com/adforge/ad-delivery/internal/connectivity"
	"github.com/adforge/ad-delivery/internal/creative"
	"github.com/adforge/ad-delivery/internal/events"
	"github.com/adforge/ad-delivery/internal/resolver"
	"github.com/adforge/ad-delivery/internal/store"
)

type fakeSurface struct {
	visible        bool
	image          *creative.CacheEntry
	video          VideoPlayer
	closeEnabled   bool
	closeRemaining time.Duration
	width, height  int
}

func (s *fakeSurface) ShowImage(e *creative.CacheEntry) { s.image = e }
func (s *fakeSurface) ClearImage()                      { s.image = nil }
func (s *fakeSurface) AttachVideo(p VideoPlayer)        { s.video = p }
func (s *fakeSurface) DetachVideo()                     { s.video = nil }
func (s *fakeSurface) SetCloseControl(enabled bool, remaining time.Duration) {
	s.closeEnabled = enabled
	s.closeRemaining = remaining
}
func (s *fakeSurface) SetVisible(v bool) { s.visible = v }
func (s *fakeSurface) SetSize(w, h int)  { s.width, s.height = w, h }

type fakePlayer struct {
	preparedFile string
	streamedURL  string
	playing      bool
	stopped      bool
	released     bool
	muted        bool
	buffering    bool
	pos          time.Duration
	dur          time.Duration
	width        int
	height       int
	prepareErr   error
	playErr      error
}

func (p *fakePlayer) PrepareFile(path string) error  { p.preparedFile = path; return p.prepareErr }
func (p *fakePlayer) PrepareStream(url string) error { p.streamedURL = url; return p.prepareErr }
func (p *fakePlayer) Play() error {
	if p.playErr != nil {
		return p.playErr
	}
	p.playing = true
	return nil
}
func (p *fakePlayer) Stop()                   { p.playing = false; p.stopped = true }
func (p *fakePlayer) Release()                { p.released = true }
func (p *fakePlayer) Position() time.Duration { return p.pos }
func (p *fakePlayer) Duration() time.Duration { return p.dur }
func (p *fakePlayer) Width() int              { return p.width }
func (p *fakePlayer) Height() int             { return p.height }
func (p *fakePlayer) Playing() bool           { return p.playing }
func (p *fakePlayer) Buffering() bool         { return p.buffering }
func (p *fakePlayer) SetMuted(m bool)         { p.muted = m }
func (p *fakePlayer) Muted() bool             { return p.muted }

type testRig struct {
	ctrl    *Controller
	idx     *cacheindex.Index
	surface *fakeSurface
	player  *fakePlayer
	dir     string

	rewards int
	closes  int
	shows   int
	clicks  []string
}

func newRig(t *testing.T, online bool) *testRig {
	t.Helper()
	r := &testRig{
		idx:     cacheindex.New(store.NewMemory(), events.Nop{}),
		surface: &fakeSurface{},
		player:  &fakePlayer{dur: 10 * time.Second},
		dir:     t.TempDir(),
	}
	res := &resolver.Resolver{
		Index:    r.idx,
		Checker:  connectivity.Static(online),
		Client:   http.DefaultClient,
		Sink:     events.Nop{},
		CacheDir: r.dir,
	}
	cb := Callbacks{
		OnShown:        func(creative.AdFormat) { r.shows++ },
		OnClose:        func(creative.AdFormat) { r.closes++ },
		OnClick:        func(url string) { r.clicks = append(r.clicks, url) },
		OnRewardEarned: func() { r.rewards++ },
	}
	r.ctrl = New(res, r.surface, func() VideoPlayer { return r.player }, events.Nop{}, cb, DefaultPolicy())
	return r
}

func (r *testRig) cacheAsset(t *testing.T, typ creative.AssetType, format creative.AdFormat, url string) creative.CacheEntry {
	t.Helper()
	p := filepath.Join(r.dir, string(format)+"_"+string(typ))
	if err := os.WriteFile(p, []byte("asset"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := creative.CacheEntry{
		ID:          "a-" + string(typ),
		Type:        typ,
		Format:      format,
		LocalPath:   p,
		OriginalURL: url,
		CachedAt:    time.Now(),
	}
	r.idx.Put(e.Key(), e)
	return e
}

const videoURL = "https://cdn.example.com/v.mp4"

func TestShowAd_bannerImmediatelyClosable(t *testing.T) {
	r := newRig(t, false)
	r.cacheAsset(t, creative.AssetImage, creative.FormatBanner, "")
	ad := &creative.Ad{ID: "a1", Format: creative.FormatBanner, ClickURL: "https://x.example.com"}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatBanner); err != nil {
		t.Fatal(err)
	}
	if r.ctrl.State() != StateImageShown {
		t.Fatalf("state = %s", r.ctrl.State())
	}
	if !r.surface.visible || r.surface.image == nil {
		t.Fatal("image not on surface")
	}
	if !r.surface.closeEnabled {
		t.Fatal("banner close not enabled immediately")
	}
	if r.shows != 1 {
		t.Fatalf("OnShown fired %d times", r.shows)
	}
	if !r.ctrl.Close() {
		t.Fatal("close refused")
	}
	if r.closes != 1 || r.ctrl.State() != StateIdle || r.surface.visible {
		t.Fatalf("close teardown: closes=%d state=%s visible=%t", r.closes, r.ctrl.State(), r.surface.visible)
	}
}

func TestShowAd_interstitialImageCountdown(t *testing.T) {
	r := newRig(t, false)
	r.cacheAsset(t, creative.AssetImage, creative.FormatInterstitial, "")
	ad := &creative.Ad{ID: "a1", Format: creative.FormatInterstitial}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial); err != nil {
		t.Fatal(err)
	}
	if r.surface.closeEnabled {
		t.Fatal("close enabled before countdown")
	}
	if r.ctrl.Close() {
		t.Fatal("close accepted during countdown")
	}

	base := time.Now()
	r.ctrl.Tick(base.Add(2 * time.Second))
	if r.surface.closeEnabled {
		t.Fatal("close enabled at 2s, floor is 5s")
	}
	r.ctrl.Tick(base.Add(7 * time.Second))
	if !r.surface.closeEnabled {
		t.Fatal("close still disabled past the floor")
	}
	if r.rewards != 0 {
		t.Fatalf("interstitial granted %d rewards", r.rewards)
	}
	if !r.ctrl.Close() {
		t.Fatal("close refused after countdown")
	}
}

func TestShowAd_interstitialVideoCountdownUsesDuration(t *testing.T) {
	r := newRig(t, true)
	r.player.dur = 10 * time.Second // 0.8 * 10s = 8s > 5s floor
	r.cacheAsset(t, creative.AssetVideo, creative.FormatInterstitial, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatInterstitial, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial); err != nil {
		t.Fatal(err)
	}
	if r.ctrl.State() != StateVideoPlaying {
		t.Fatalf("state = %s", r.ctrl.State())
	}
	if r.player.preparedFile == "" {
		t.Fatal("cached video not prepared from disk")
	}

	base := time.Now()
	r.ctrl.Tick(base.Add(6 * time.Second))
	if r.surface.closeEnabled {
		t.Fatal("close enabled at 6s, want 8s for a 10s video")
	}
	r.ctrl.Tick(base.Add(9 * time.Second))
	if !r.surface.closeEnabled {
		t.Fatal("close disabled past 80% of the video")
	}
}

func TestVideoFinished_interstitialKeepsCountdown(t *testing.T) {
	r := newRig(t, true)
	r.player.dur = 3 * time.Second // below the 5s floor
	r.cacheAsset(t, creative.AssetVideo, creative.FormatInterstitial, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatInterstitial, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial); err != nil {
		t.Fatal(err)
	}
	base := time.Now()

	// A short video ending does not bypass the close floor.
	r.ctrl.Tick(base.Add(3 * time.Second))
	r.ctrl.VideoFinished()
	if r.surface.closeEnabled {
		t.Fatal("close enabled at video end, floor is 5s")
	}
	if r.ctrl.Close() {
		t.Fatal("close accepted before the floor")
	}
	if r.rewards != 0 {
		t.Fatalf("interstitial granted %d rewards", r.rewards)
	}
	r.ctrl.Tick(base.Add(6 * time.Second))
	if !r.surface.closeEnabled {
		t.Fatal("close still disabled past the floor")
	}
}

func TestRewardedVideo_rewardAtCountdownEnd(t *testing.T) {
	r := newRig(t, true)
	r.player.dur = 30 * time.Second
	r.cacheAsset(t, creative.AssetVideo, creative.FormatRewarded, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatRewarded, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatRewarded); err != nil {
		t.Fatal(err)
	}

	// The countdown running out grants the reward even when the player
	// never reports the end of the video.
	r.ctrl.Tick(time.Now().Add(31 * time.Second))
	if !r.surface.closeEnabled {
		t.Fatal("close disabled after the countdown elapsed")
	}
	if r.rewards != 1 {
		t.Fatalf("rewards = %d at countdown end", r.rewards)
	}

	// A late finish event must not re-grant.
	r.ctrl.VideoFinished()
	if r.rewards != 1 {
		t.Fatalf("rewards = %d, want exactly 1", r.rewards)
	}
}

func TestShowAd_videoSizesSurface(t *testing.T) {
	r := newRig(t, true)
	r.player.width, r.player.height = 3840, 2160
	r.cacheAsset(t, creative.AssetVideo, creative.FormatInterstitial, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatInterstitial, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial); err != nil {
		t.Fatal(err)
	}
	if r.surface.width != 1920 || r.surface.height != 1080 {
		t.Fatalf("surface = %dx%d, want 1920x1080", r.surface.width, r.surface.height)
	}
	if r.surface.video == nil {
		t.Fatal("video not attached")
	}
}

func TestShowAd_bannerVideoWaitsForStart(t *testing.T) {
	r := newRig(t, true)
	r.cacheAsset(t, creative.AssetVideo, creative.FormatBanner, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatBanner, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatBanner); err != nil {
		t.Fatal(err)
	}
	if r.player.playing {
		t.Fatal("banner video started without StartVideo")
	}
	if r.ctrl.State() != StateVideoPreparing {
		t.Fatalf("state = %s", r.ctrl.State())
	}
	if r.surface.video == nil || r.shows != 1 {
		t.Fatalf("prepared banner not showing: video=%v shows=%d", r.surface.video, r.shows)
	}
	if !r.surface.closeEnabled {
		t.Fatal("banner close not enabled immediately")
	}

	if err := r.ctrl.StartVideo(); err != nil {
		t.Fatal(err)
	}
	if !r.player.playing || r.ctrl.State() != StateVideoPlaying {
		t.Fatalf("StartVideo: playing=%t state=%s", r.player.playing, r.ctrl.State())
	}
}

func TestRewardedVideo_rewardExactlyOnce(t *testing.T) {
	r := newRig(t, true)
	r.player.dur = 30 * time.Second
	r.cacheAsset(t, creative.AssetVideo, creative.FormatRewarded, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatRewarded, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatRewarded); err != nil {
		t.Fatal(err)
	}
	if r.ctrl.Close() {
		t.Fatal("rewarded closable before the video finished")
	}

	r.ctrl.VideoFinished()
	if r.rewards != 1 {
		t.Fatalf("rewards = %d after finish", r.rewards)
	}
	if !r.surface.closeEnabled {
		t.Fatal("close disabled after video finished")
	}

	// Duplicate finish events and extra ticks must not re-grant.
	r.ctrl.VideoFinished()
	r.ctrl.Tick(time.Now().Add(time.Minute))
	if r.rewards != 1 {
		t.Fatalf("rewards = %d, want exactly 1", r.rewards)
	}
	if !r.ctrl.Close() || r.closes != 1 {
		t.Fatal("close after finish failed")
	}
}

func TestRewardedImage_rewardAtCountdownEnd(t *testing.T) {
	r := newRig(t, false)
	r.cacheAsset(t, creative.AssetImage, creative.FormatRewarded, "")
	ad := &creative.Ad{ID: "a1", Format: creative.FormatRewarded}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatRewarded); err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	r.ctrl.Tick(base.Add(10 * time.Second))
	if r.rewards != 0 {
		t.Fatalf("reward granted at 10s, floor is 20s")
	}
	r.ctrl.Tick(base.Add(25 * time.Second))
	if r.rewards != 1 {
		t.Fatalf("rewards = %d at countdown end", r.rewards)
	}
	r.ctrl.Tick(base.Add(60 * time.Second))
	if r.rewards != 1 {
		t.Fatalf("rewards = %d, want exactly 1", r.rewards)
	}
}

func TestVideoPrepareError_fallsBackToImage(t *testing.T) {
	r := newRig(t, true)
	r.player.prepareErr = errors.New("codec missing")
	r.cacheAsset(t, creative.AssetVideo, creative.FormatInterstitial, videoURL)
	r.cacheAsset(t, creative.AssetImage, creative.FormatInterstitial, "")
	ad := &creative.Ad{ID: "a1", Format: creative.FormatInterstitial, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial); err != nil {
		t.Fatal(err)
	}
	if r.ctrl.State() != StateImageShown {
		t.Fatalf("state = %s, want image fallback", r.ctrl.State())
	}
	if r.surface.image == nil || !r.surface.visible {
		t.Fatal("fallback image not on surface")
	}
	if r.shows != 1 {
		t.Fatalf("OnShown fired %d times", r.shows)
	}
	if !r.player.released {
		t.Fatal("failed player not released")
	}
}

func TestVideoPrepareError_noImageHides(t *testing.T) {
	r := newRig(t, true)
	r.player.prepareErr = errors.New("codec missing")
	r.cacheAsset(t, creative.AssetVideo, creative.FormatInterstitial, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatInterstitial, VideoURL: videoURL}

	err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial)
	if !errors.Is(err, ErrNoFill) {
		t.Fatalf("err = %v, want ErrNoFill", err)
	}
	if r.ctrl.State() != StateIdle || r.surface.visible {
		t.Fatal("surface not hidden after unrecoverable video failure")
	}
	if r.shows != 0 {
		t.Fatalf("OnShown fired %d times for a session that never displayed", r.shows)
	}
}

func TestVideoError_midPlayFallsBack(t *testing.T) {
	r := newRig(t, true)
	r.cacheAsset(t, creative.AssetVideo, creative.FormatInterstitial, videoURL)
	r.cacheAsset(t, creative.AssetImage, creative.FormatInterstitial, "")
	ad := &creative.Ad{ID: "a1", Format: creative.FormatInterstitial, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial); err != nil {
		t.Fatal(err)
	}
	r.ctrl.VideoError(errors.New("decoder died"))
	if r.ctrl.State() != StateImageShown {
		t.Fatalf("state = %s, want image fallback", r.ctrl.State())
	}
	if r.surface.video != nil {
		t.Fatal("video still attached")
	}
	if !r.player.released {
		t.Fatal("failed player not released")
	}
}

func TestShowAd_noFill(t *testing.T) {
	r := newRig(t, false)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatBanner}

	err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatBanner)
	if !errors.Is(err, ErrNoFill) {
		t.Fatalf("err = %v, want ErrNoFill", err)
	}
	if r.surface.visible || r.shows != 0 {
		t.Fatal("no-fill must not show anything")
	}
}

func TestHideAd_idempotentTeardown(t *testing.T) {
	r := newRig(t, true)
	r.cacheAsset(t, creative.AssetVideo, creative.FormatRewarded, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatRewarded, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatRewarded); err != nil {
		t.Fatal(err)
	}
	r.ctrl.HideAd()
	if r.ctrl.State() != StateIdle {
		t.Fatalf("state = %s", r.ctrl.State())
	}
	if !r.player.stopped || !r.player.released {
		t.Fatal("player not torn down")
	}
	if r.surface.visible || r.surface.image != nil || r.surface.video != nil {
		t.Fatal("surface not cleared")
	}
	r.ctrl.HideAd() // second hide is a no-op
	r.ctrl.Tick(time.Now().Add(time.Hour))
	if r.rewards != 0 || r.closes != 0 {
		t.Fatalf("callbacks after teardown: rewards=%d closes=%d", r.rewards, r.closes)
	}
}

func TestShowAd_replacesRunningSession(t *testing.T) {
	r := newRig(t, true)
	r.cacheAsset(t, creative.AssetVideo, creative.FormatInterstitial, videoURL)
	ad := &creative.Ad{ID: "a1", Format: creative.FormatInterstitial, VideoURL: videoURL}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial); err != nil {
		t.Fatal(err)
	}
	first := r.ctrl.SessionID()
	firstPlayer := r.player

	r.player = &fakePlayer{dur: 10 * time.Second}
	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatInterstitial); err != nil {
		t.Fatal(err)
	}
	if id := r.ctrl.SessionID(); id == "" || id == first {
		t.Fatalf("second show reused session %q", id)
	}
	if !firstPlayer.released {
		t.Fatal("first session's player not released")
	}
}

func TestClick_reportsClickURL(t *testing.T) {
	r := newRig(t, false)
	r.cacheAsset(t, creative.AssetImage, creative.FormatBanner, "")
	ad := &creative.Ad{ID: "a1", Format: creative.FormatBanner, ClickURL: "https://x.example.com/buy"}

	if err := r.ctrl.ShowAd(context.Background(), ad, creative.FormatBanner); err != nil {
		t.Fatal(err)
	}
	r.ctrl.Click()
	if len(r.clicks) != 1 || r.clicks[0] != ad.ClickURL {
		t.Fatalf("clicks = %v", r.clicks)
	}
}

func TestCapDims(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{1280, 720, 1920, 1280, 720},
		{3840, 2160, 1920, 1920, 1080},
		{2160, 3840, 1920, 1080, 1920},
		{0, 0, 1920, 0, 0},
		{4000, 4000, 0, 4000, 4000},
	}
	for _, tt := range tests {
		w, h := CapDims(tt.w, tt.h, tt.max)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("CapDims(%d, %d, %d) = (%d, %d), want (%d, %d)",
				tt.w, tt.h, tt.max, w, h, tt.wantW, tt.wantH)
		}
	}
}
