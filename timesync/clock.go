// Package timesync keeps multiple sink mixers that share an output
// sample rate playing the same media timestamp at the same wall-clock
// instant. One global clock exists per sample rate; each participating
// sink attaches a coordinator that waits on a barrier before releasing a
// chunk and reports its release error back for drift trimming.
package timesync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts the monotonic clock for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard time package.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// ClockConfig holds the sync clock tunables.
type ClockConfig struct {
	// BarrierTimeout bounds any single barrier wait.
	BarrierTimeout time.Duration `yaml:"barrier_timeout"`
	// MaxRateAdjustPPM bounds the per-sink trim suggestion.
	MaxRateAdjustPPM float64 `yaml:"max_rate_adjust_ppm"`
	// Smoothing is the EWMA factor applied to trim updates.
	Smoothing float64 `yaml:"smoothing"`
}

// DefaultClockConfig returns production defaults.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		BarrierTimeout:   20 * time.Millisecond,
		MaxRateAdjustPPM: 200,
		Smoothing:        0.1,
	}
}

// Clock is the global sync clock for one output sample rate. The first
// chunk released through any member establishes the reference mapping
// from media timestamps to wall-clock release times.
type Clock struct {
	sampleRate uint32
	cfg        ClockConfig
	tp         TimeProvider

	mu       sync.Mutex
	refSet   bool
	refRTP   uint32
	refTime  time.Time
	members  map[string]*Coordinator
	progress chan struct{} // closed and replaced on every member advance

	barrierTimeouts atomic.Uint64
}

// NewClock creates a sync clock for one sample rate.
func NewClock(sampleRate uint32, cfg ClockConfig, tp TimeProvider) *Clock {
	def := DefaultClockConfig()
	if cfg.BarrierTimeout <= 0 {
		cfg.BarrierTimeout = def.BarrierTimeout
	}
	if cfg.MaxRateAdjustPPM <= 0 {
		cfg.MaxRateAdjustPPM = def.MaxRateAdjustPPM
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	return &Clock{
		sampleRate: sampleRate,
		cfg:        cfg,
		tp:         tp,
		members:    make(map[string]*Coordinator),
		progress:   make(chan struct{}),
	}
}

// SampleRate returns the rate this clock serves.
func (c *Clock) SampleRate() uint32 { return c.sampleRate }

// BarrierTimeouts returns the cumulative timeout count across members.
func (c *Clock) BarrierTimeouts() uint64 { return c.barrierTimeouts.Load() }

// releaseTime maps a media timestamp to its expected wall-clock release.
// The reference is established on first use.
func (c *Clock) releaseTime(rtp uint32, now time.Time) time.Time {
	if !c.refSet {
		c.refSet = true
		c.refRTP = rtp
		c.refTime = now
		return now
	}
	// Signed difference tolerates timestamp wraparound.
	diff := int32(rtp - c.refRTP)
	return c.refTime.Add(time.Duration(diff) * time.Second / time.Duration(c.sampleRate))
}

func (c *Clock) broadcastLocked() {
	close(c.progress)
	c.progress = make(chan struct{})
}

// allReachedLocked reports whether every enabled member has reached at
// least target.
func (c *Clock) allReachedLocked(target uint32) bool {
	for _, m := range c.members {
		if int32(m.reached.Load()-target) < 0 {
			return false
		}
	}
	return true
}

func (c *Clock) register(m *Coordinator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[m.sinkID] = m
	c.broadcastLocked()
	logrus.WithFields(logrus.Fields{
		"function":    "Clock.register",
		"sink_id":     m.sinkID,
		"sample_rate": c.sampleRate,
		"members":     len(c.members),
	}).Info("Sink joined sync group")
}

func (c *Clock) unregister(m *Coordinator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, m.sinkID)
	c.broadcastLocked()
	logrus.WithFields(logrus.Fields{
		"function":    "Clock.unregister",
		"sink_id":     m.sinkID,
		"sample_rate": c.sampleRate,
		"members":     len(c.members),
	}).Info("Sink left sync group")
}
