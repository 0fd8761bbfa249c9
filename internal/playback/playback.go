// Package playback runs the ad display state machine: resolve content, show
// it on a surface, enforce per-format close countdowns, grant rewards, and
// watch video A/V sync. One Controller drives one placement.
package playback

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adforge/ad-delivery/internal/creative"
	"github.com/adforge/ad-delivery/internal/events"
	"github.com/adforge/ad-delivery/internal/resolver"
)

// ErrNoFill is returned by ShowAd when nothing is displayable: no video
// preferred and no cached image. The surface stays hidden.
var ErrNoFill = errors.New("no ad content to display")

// State is the controller's current phase. Transitions only move forward
// within a session; HideAd resets to StateIdle from anywhere.
type State string

const (
	StateIdle           State = "idle"
	StateLoading        State = "loading"
	StateVideoPreparing State = "video_preparing"
	StateVideoPlaying   State = "video_playing"
	StateVideoFinished  State = "video_finished"
	StateImageShown     State = "image_shown"
)

// Surface is the rendering target for a placement. Implementations are
// platform UI; the controller calls them with its lock held, so they must
// not call back into the controller.
type Surface interface {
	ShowImage(e *creative.CacheEntry)
	ClearImage()
	AttachVideo(p VideoPlayer)
	DetachVideo()

	// SetCloseControl drives the close button: disabled with a countdown
	// remaining, or enabled once the countdown has elapsed.
	SetCloseControl(enabled bool, remaining time.Duration)
	SetVisible(visible bool)
	SetSize(width, height int)
}

// VideoPlayer abstracts the platform media player. Prepare blocks until the
// source is ready to play or fails; dimensions are known once prepared
// (zero when the container does not carry them).
type VideoPlayer interface {
	PrepareFile(path string) error
	PrepareStream(url string) error
	Play() error
	Stop()
	Release()

	Position() time.Duration
	Duration() time.Duration
	Width() int
	Height() int
	Playing() bool
	Buffering() bool

	SetMuted(muted bool)
	Muted() bool
}

// Callbacks notify the embedding application. All are optional and are
// invoked without the controller lock.
type Callbacks struct {
	OnShown        func(format creative.AdFormat)
	OnClose        func(format creative.AdFormat)
	OnClick        func(url string)
	OnRewardEarned func()
}

// Policy holds the close-gating knobs.
type Policy struct {
	// CloseFloorInterstitial is the minimum close delay for interstitials.
	CloseFloorInterstitial time.Duration
	// CloseFloorRewarded is the minimum close delay for rewarded ads.
	CloseFloorRewarded time.Duration
	// InterstitialVideoFraction of the video duration must elapse before an
	// interstitial video becomes closable (subject to the floor).
	InterstitialVideoFraction float64
	// MaxSurfaceDim caps the surface edge length, aspect preserved.
	MaxSurfaceDim int

	Sync SyncConfig
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		CloseFloorInterstitial:    5 * time.Second,
		CloseFloorRewarded:        20 * time.Second,
		InterstitialVideoFraction: 0.8,
		MaxSurfaceDim:             1920,
		Sync:                      DefaultSyncConfig(),
	}
}

// formatRule is one row of the per-format policy table: whether a prepared
// video starts on its own and how the close delay is computed.
type formatRule struct {
	// AutoPlay: prepared videos start immediately. Banners wait for
	// StartVideo from the host.
	AutoPlay   bool
	closeDelay func(pol Policy, isVideo bool, videoDur time.Duration) time.Duration
}

var formatRules = map[creative.AdFormat]formatRule{
	creative.FormatBanner: {
		AutoPlay:   false,
		closeDelay: func(Policy, bool, time.Duration) time.Duration { return 0 },
	},
	creative.FormatInterstitial: {
		AutoPlay: true,
		closeDelay: func(pol Policy, isVideo bool, videoDur time.Duration) time.Duration {
			if isVideo {
				frac := time.Duration(float64(videoDur) * pol.InterstitialVideoFraction)
				return maxDur(pol.CloseFloorInterstitial, frac)
			}
			return pol.CloseFloorInterstitial
		},
	},
	creative.FormatRewarded: {
		AutoPlay: true,
		closeDelay: func(pol Policy, isVideo bool, videoDur time.Duration) time.Duration {
			if isVideo {
				return maxDur(pol.CloseFloorRewarded, videoDur)
			}
			return pol.CloseFloorRewarded
		},
	},
}

type session struct {
	id     string
	format creative.AdFormat
	ad     *creative.Ad

	isVideo   bool
	streaming bool
	fallback  *creative.CacheEntry

	closeRemaining time.Duration
	closeEnabled   bool
	countdownSet   bool
	lastTick       time.Time

	shownFired  bool
	rewardFired bool

	player  VideoPlayer
	monitor *Monitor
}

// Controller is the ad display state machine for one placement.
type Controller struct {
	Resolver  *resolver.Resolver
	Surface   Surface
	NewPlayer func() VideoPlayer
	Sink      events.Sink
	Callbacks Callbacks
	Policy    Policy

	mu    sync.Mutex
	state State
	sess  *session
}

// New builds a Controller. newPlayer may be nil when only image ads are
// expected.
func New(res *resolver.Resolver, surface Surface, newPlayer func() VideoPlayer, sink events.Sink, cb Callbacks, pol Policy) *Controller {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Controller{
		Resolver:  res,
		Surface:   surface,
		NewPlayer: newPlayer,
		Sink:      sink,
		Callbacks: cb,
		Policy:    pol,
		state:     StateIdle,
	}
}

// State returns the current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the current session's ID, or "" when idle.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// ShowAd resolves and displays ad. Any session in progress is fully torn
// down first, so repeated calls behave like hide-then-show.
//
// on-shown fires once per session: immediately for image content, and for
// video only after the player has prepared, so a failed video that also has
// no fallback image never reports a show.
func (c *Controller) ShowAd(ctx context.Context, ad *creative.Ad, format creative.AdFormat) error {
	c.mu.Lock()
	c.hideLocked()
	c.state = StateLoading
	s := &session{id: uuid.NewString(), format: format, ad: ad, lastTick: time.Now()}
	c.sess = s
	c.mu.Unlock()

	// Resolution does network work; keep the lock dropped.
	d := c.Resolver.LoadMainAsset(ctx, ad, format)

	c.mu.Lock()
	if c.sess != s {
		// Torn down or replaced while resolving.
		c.mu.Unlock()
		return nil
	}
	if d.Kind == resolver.KindNone {
		c.hideLocked()
		c.mu.Unlock()
		c.Sink.Report("no fill", events.SeverityInfo, map[string]string{"format": string(format)})
		return ErrNoFill
	}

	s.fallback = d.Image
	c.Surface.SetVisible(true)
	if d.Image != nil {
		w, h := CapDims(d.Image.Width, d.Image.Height, c.Policy.MaxSurfaceDim)
		if w > 0 && h > 0 {
			c.Surface.SetSize(w, h)
		}
		c.Surface.ShowImage(d.Image)
	}

	if d.Kind == resolver.KindVideo {
		c.state = StateVideoPreparing
		c.mu.Unlock()
		return c.startVideo(s, d)
	}

	c.state = StateImageShown
	shown := c.fireShownLocked(s)
	c.startCountdownLocked(s, 0)
	c.mu.Unlock()
	runCallbacks(shown)
	return nil
}

// startVideo prepares the player, sizes and attaches the surface, and starts
// playback for auto-play formats. Prepare failures degrade via videoFailed.
func (c *Controller) startVideo(s *session, d resolver.Displayable) error {
	if c.NewPlayer == nil {
		return c.videoFailed(s, errors.New("no video player configured"))
	}
	p := c.NewPlayer()
	var err error
	if d.Streaming {
		s.streaming = true
		err = p.PrepareStream(d.VideoURL)
	} else {
		err = p.PrepareFile(d.VideoPath)
	}
	if err != nil {
		p.Release()
		return c.videoFailed(s, err)
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		p.Stop()
		p.Release()
		return nil
	}
	s.isVideo = true
	s.player = p
	if w, h := CapDims(p.Width(), p.Height(), c.Policy.MaxSurfaceDim); w > 0 && h > 0 {
		c.Surface.SetSize(w, h)
	}
	c.Surface.AttachVideo(p)
	if formatRules[s.format].AutoPlay {
		c.mu.Unlock()
		return c.playVideo(s)
	}
	// Prepared but waiting on the host; the unit is showing and the
	// countdown runs from here.
	shown := c.fireShownLocked(s)
	c.startCountdownLocked(s, p.Duration())
	c.mu.Unlock()
	runCallbacks(shown)
	return nil
}

// StartVideo begins playback of a prepared, non-auto-play video. Auto-play
// formats never need it; a no-op in any other state.
func (c *Controller) StartVideo() error {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.isVideo || c.state != StateVideoPreparing {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.playVideo(s)
}

func (c *Controller) playVideo(s *session) error {
	c.mu.Lock()
	if c.sess != s || s.player == nil {
		c.mu.Unlock()
		return nil
	}
	p := s.player
	c.mu.Unlock()

	if err := p.Play(); err != nil {
		c.mu.Lock()
		if c.sess == s {
			s.player = nil
			c.Surface.DetachVideo()
		}
		c.mu.Unlock()
		p.Release()
		return c.videoFailed(s, err)
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		p.Stop()
		p.Release()
		return nil
	}
	s.monitor = NewMonitor(p, c.Sink, c.Policy.Sync)
	c.state = StateVideoPlaying
	shown := c.fireShownLocked(s)
	c.startCountdownLocked(s, p.Duration())
	c.mu.Unlock()
	runCallbacks(shown)
	return nil
}

// videoFailed degrades a failed video to the cached image, or hides when
// there is none.
func (c *Controller) videoFailed(s *session, err error) error {
	c.Sink.Report("video playback failed", events.SeverityWarning, nil)
	log.Printf("playback: video failed session=%s: %v", s.id, err)

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return nil
	}
	if s.fallback != nil && s.fallback.Valid() {
		s.isVideo = false
		c.state = StateImageShown
		shown := c.fireShownLocked(s)
		c.startCountdownLocked(s, 0)
		c.mu.Unlock()
		runCallbacks(shown)
		return nil
	}
	c.hideLocked()
	c.mu.Unlock()
	return ErrNoFill
}

// VideoFinished transitions a completed video to its end state. For rewarded
// ads this is the reward moment and close becomes available regardless of
// the remaining countdown; other formats keep their countdown running.
func (c *Controller) VideoFinished() {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.isVideo || c.state != StateVideoPlaying {
		c.mu.Unlock()
		return
	}
	c.state = StateVideoFinished
	s.monitor = nil
	if s.fallback != nil && s.fallback.Valid() {
		c.Surface.DetachVideo()
		c.Surface.ShowImage(s.fallback)
	}
	var reward func()
	if s.format == creative.FormatRewarded {
		s.closeRemaining = 0
		s.closeEnabled = true
		c.Surface.SetCloseControl(true, 0)
		if !s.rewardFired {
			s.rewardFired = true
			reward = c.Callbacks.OnRewardEarned
		}
	}
	c.mu.Unlock()
	runCallbacks(reward)
}

// VideoError reports a runtime player failure. Mid-play errors degrade to
// the cached image just like prepare failures.
func (c *Controller) VideoError(err error) {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.isVideo {
		c.mu.Unlock()
		return
	}
	if s.player != nil {
		s.player.Stop()
		s.player.Release()
		s.player = nil
	}
	s.monitor = nil
	c.Surface.DetachVideo()
	c.mu.Unlock()
	c.videoFailed(s, err)
}

// Click reports a tap on the ad content.
func (c *Controller) Click() {
	c.mu.Lock()
	var url string
	if c.sess != nil && c.sess.ad != nil {
		url = c.sess.ad.ClickURL
	}
	cb := c.Callbacks.OnClick
	c.mu.Unlock()
	if url != "" && cb != nil {
		cb(url)
	}
}

// Close attempts to dismiss the ad. It is refused while the countdown is
// still running; banners are always closable.
func (c *Controller) Close() bool {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return false
	}
	if !s.closeEnabled {
		c.mu.Unlock()
		return false
	}
	format := s.format
	c.hideLocked()
	cb := c.Callbacks.OnClose
	c.mu.Unlock()
	if cb != nil {
		cb(format)
	}
	return true
}

// HideAd tears the current session down completely: player stopped and
// released, surface cleared and hidden, timers cancelled. Safe to call in
// any state, any number of times.
func (c *Controller) HideAd() {
	c.mu.Lock()
	c.hideLocked()
	c.mu.Unlock()
}

func (c *Controller) hideLocked() {
	s := c.sess
	if s == nil {
		c.state = StateIdle
		return
	}
	if s.player != nil {
		s.player.Stop()
		s.player.Release()
		s.player = nil
	}
	s.monitor = nil
	c.sess = nil
	c.state = StateIdle
	if c.Surface != nil {
		c.Surface.DetachVideo()
		c.Surface.ClearImage()
		c.Surface.SetCloseControl(false, 0)
		c.Surface.SetVisible(false)
	}
}

// startCountdownLocked computes the close delay for the session. videoDur is
// zero for image content.
func (c *Controller) startCountdownLocked(s *session, videoDur time.Duration) {
	d := c.closeDelay(s.format, s.isVideo || videoDur > 0, videoDur)
	s.countdownSet = true
	s.lastTick = time.Now()
	if d <= 0 {
		s.closeRemaining = 0
		s.closeEnabled = true
		c.Surface.SetCloseControl(true, 0)
		return
	}
	s.closeRemaining = d
	s.closeEnabled = false
	c.Surface.SetCloseControl(false, d)
}

func (c *Controller) closeDelay(format creative.AdFormat, isVideo bool, videoDur time.Duration) time.Duration {
	rule, ok := formatRules[format]
	if !ok {
		return 0
	}
	return rule.closeDelay(c.Policy, isVideo, videoDur)
}

// Tick advances the close countdown to now. Driven by Run in production and
// called directly in tests. Reaching zero on a rewarded session grants the
// reward; the once-only flag keeps a later VideoFinished from re-granting.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.countdownSet || s.closeEnabled {
		c.mu.Unlock()
		return
	}
	elapsed := now.Sub(s.lastTick)
	s.lastTick = now
	if elapsed < 0 {
		c.mu.Unlock()
		return
	}
	s.closeRemaining -= elapsed
	if s.closeRemaining > 0 {
		c.Surface.SetCloseControl(false, s.closeRemaining)
		c.mu.Unlock()
		return
	}
	s.closeRemaining = 0
	s.closeEnabled = true
	c.Surface.SetCloseControl(true, 0)
	var reward func()
	if s.format == creative.FormatRewarded && !s.rewardFired {
		s.rewardFired = true
		reward = c.Callbacks.OnRewardEarned
	}
	c.mu.Unlock()
	runCallbacks(reward)
}

// Sample feeds the sync monitor one observation. Driven by Run in
// production and called directly in tests.
func (c *Controller) Sample(now time.Time) {
	c.mu.Lock()
	var m *Monitor
	if c.sess != nil && c.state == StateVideoPlaying {
		m = c.sess.monitor
	}
	c.mu.Unlock()
	if m != nil {
		m.Sample(now)
	}
}

// Run drives the countdown and the sync monitor until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	syncEvery := c.Policy.Sync.Interval
	if syncEvery <= 0 {
		syncEvery = time.Second
	}
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	sample := time.NewTicker(syncEvery)
	defer sample.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			c.Tick(now)
		case now := <-sample.C:
			c.Sample(now)
		}
	}
}

func (c *Controller) fireShownLocked(s *session) func() {
	if s.shownFired {
		return nil
	}
	s.shownFired = true
	if c.Callbacks.OnShown == nil {
		return nil
	}
	cb := c.Callbacks.OnShown
	format := s.format
	return func() { cb(format) }
}

func runCallbacks(fns ...func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// CapDims scales (w, h) down so neither edge exceeds max, preserving aspect.
// Unknown (zero) dims pass through.
func CapDims(w, h, max int) (int, int) {
	if max <= 0 || w <= 0 || h <= 0 || (w <= max && h <= max) {
		return w, h
	}
	if w >= h {
		return max, h * max / w
	}
	return w * max / h, max
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
