package playback

import (
	"log"
	"time"

	"github.com/adforge/ad-delivery/internal/events"
)

// SyncConfig tunes A/V desync detection.
type SyncConfig struct {
	// Interval between samples.
	Interval time.Duration
	// WarmupSamples are discarded at the start of playback while the player
	// position settles.
	WarmupSamples int
	// DriftMajor is the per-sample drift that counts toward escalation.
	DriftMajor time.Duration
	// DriftRecover is the drift at or under which the counter resets and a
	// forced mute is lifted.
	DriftRecover time.Duration
	// EscalateAfter consecutive major-drift samples trigger the mute.
	EscalateAfter int
	// MaxSamples bounds the monitor's lifetime; 0 means unbounded.
	MaxSamples int
}

// DefaultSyncConfig mirrors the shipped configuration defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:      time.Second,
		WarmupSamples: 2,
		DriftMajor:    300 * time.Millisecond,
		DriftRecover:  500 * time.Millisecond,
		EscalateAfter: 3,
		MaxSamples:    900,
	}
}

// Monitor compares video position advance against wall-clock advance. When
// playback lags the clock persistently the audio is force-muted so the user
// does not hear out-of-sync sound; when sync recovers the previous mute
// state is restored. A user mute is never overridden.
//
// Not safe for concurrent use; the controller serializes Sample calls.
type Monitor struct {
	cfg    SyncConfig
	player VideoPlayer
	sink   events.Sink

	samples     int
	consecutive int
	baselineSet bool
	lastNow     time.Time
	lastPos     time.Duration

	mutedByUs bool
	userMuted bool
}

// NewMonitor builds a monitor over player.
func NewMonitor(player VideoPlayer, sink events.Sink, cfg SyncConfig) *Monitor {
	if sink == nil {
		sink = events.Nop{}
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 3
	}
	return &Monitor{cfg: cfg, player: player, sink: sink}
}

// Sample takes one observation at wall-clock time now.
func (m *Monitor) Sample(now time.Time) {
	if m.cfg.MaxSamples > 0 && m.samples >= m.cfg.MaxSamples {
		return
	}
	m.samples++

	// Warmup: the first samples after start are noise while the pipeline
	// fills. Skip them without recording a baseline.
	if m.samples <= m.cfg.WarmupSamples {
		return
	}
	// A buffering or paused player legitimately stalls; drop the baseline so
	// the stall is not read as drift once playback resumes.
	if m.player.Buffering() || !m.player.Playing() {
		m.baselineSet = false
		return
	}

	pos := m.player.Position()
	if !m.baselineSet {
		m.baselineSet = true
		m.lastNow = now
		m.lastPos = pos
		return
	}

	wall := now.Sub(m.lastNow)
	advance := pos - m.lastPos
	m.lastNow = now
	m.lastPos = pos
	drift := wall - advance
	if drift < 0 {
		drift = -drift
	}

	if drift > m.cfg.DriftMajor {
		m.consecutive++
		if m.consecutive >= m.cfg.EscalateAfter && !m.mutedByUs {
			m.userMuted = m.player.Muted()
			if !m.userMuted {
				m.player.SetMuted(true)
				m.mutedByUs = true
				m.sink.Report("av drift mute", events.SeverityWarning, map[string]string{
					"drift": drift.String(),
				})
				log.Printf("playback: muting, a/v drift %s over %d samples", drift, m.consecutive)
			}
		}
		return
	}
	if drift <= m.cfg.DriftRecover {
		m.consecutive = 0
		if m.mutedByUs {
			m.mutedByUs = false
			m.player.SetMuted(false)
			log.Printf("playback: a/v sync recovered, unmuting")
		}
	}
}
