package timesync

import (
	"sync"
	"sync/atomic"
	"time"
)

// BarrierResult reports why a barrier wait returned.
type BarrierResult int

const (
	// BarrierAllReached: every registered coordinator arrived.
	BarrierAllReached BarrierResult = iota
	// BarrierDeadline: the reference release time for the timestamp
	// elapsed before everyone arrived.
	BarrierDeadline
	// BarrierTimeout: the configured timeout elapsed; audio proceeds
	// rather than stalling.
	BarrierTimeout
	// BarrierDisabled: the coordinator is not registered with a clock.
	BarrierDisabled
)

func (r BarrierResult) String() string {
	switch r {
	case BarrierAllReached:
		return "all_reached"
	case BarrierDeadline:
		return "deadline"
	case BarrierTimeout:
		return "timeout"
	case BarrierDisabled:
		return "disabled"
	}
	return "unknown"
}

// Coordinator is one sink's handle on its sample-rate sync group.
type Coordinator struct {
	sinkID string
	clock  *Clock

	mu      sync.Mutex
	enabled bool

	reached atomic.Uint32

	trimMu  sync.Mutex
	trimPPM float64

	timeouts atomic.Uint64
}

// NewCoordinator creates a coordinator for a sink against a clock. The
// coordinator starts disabled; Enable registers it with the group.
func NewCoordinator(sinkID string, clock *Clock) *Coordinator {
	return &Coordinator{sinkID: sinkID, clock: clock}
}

// SinkID returns the owning sink's id.
func (co *Coordinator) SinkID() string { return co.sinkID }

// Enable registers with the global clock; the sink participates in
// barriers from the next chunk on.
func (co *Coordinator) Enable() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.enabled {
		return
	}
	co.enabled = true
	co.clock.register(co)
}

// Disable unregisters from the clock. Pending waiters in the group are
// released on the next progress broadcast.
func (co *Coordinator) Disable() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if !co.enabled {
		return
	}
	co.enabled = false
	co.clock.unregister(co)
}

// Enabled reports registration state.
func (co *Coordinator) Enabled() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.enabled
}

// Timeouts returns this coordinator's barrier timeout count.
func (co *Coordinator) Timeouts() uint64 { return co.timeouts.Load() }

// WaitForBarrier blocks until every group member has reached targetRTP,
// the reference release time for targetRTP arrives, or the configured
// barrier timeout elapses, whichever is first.
//
// Parameters:
//   - targetRTP: The media timestamp about to be released
//
// Returns:
//   - BarrierResult: Which condition released the wait
func (co *Coordinator) WaitForBarrier(targetRTP uint32) BarrierResult {
	co.mu.Lock()
	enabled := co.enabled
	co.mu.Unlock()
	if !enabled {
		return BarrierDisabled
	}

	c := co.clock
	co.reached.Store(targetRTP)

	c.mu.Lock()
	now := c.tp.Now()
	release := c.releaseTime(targetRTP, now)
	c.broadcastLocked()
	if c.allReachedLocked(targetRTP) {
		c.mu.Unlock()
		return BarrierAllReached
	}
	progress := c.progress
	c.mu.Unlock()

	timeout := time.NewTimer(c.cfg.BarrierTimeout)
	defer timeout.Stop()

	var deadline *time.Timer
	var deadlineCh <-chan time.Time
	if wait := release.Sub(now); wait > 0 {
		deadline = time.NewTimer(wait)
		defer deadline.Stop()
		deadlineCh = deadline.C
	} else {
		// Release time already passed: do not hold the audio back.
		return BarrierDeadline
	}

	for {
		select {
		case <-progress:
			c.mu.Lock()
			if c.allReachedLocked(targetRTP) {
				c.mu.Unlock()
				return BarrierAllReached
			}
			progress = c.progress
			c.mu.Unlock()
		case <-deadlineCh:
			return BarrierDeadline
		case <-timeout.C:
			co.timeouts.Add(1)
			c.barrierTimeouts.Add(1)
			return BarrierTimeout
		}
	}
}

// ReportRelease feeds the observed release error for a timestamp back to
// the clock. A positive error (released late) produces a positive trim so
// the sink's sources speed up; suggestions are smoothed and bounded.
func (co *Coordinator) ReportRelease(targetRTP uint32, actual time.Time) {
	c := co.clock
	c.mu.Lock()
	expected := c.releaseTime(targetRTP, actual)
	c.mu.Unlock()

	errMs := float64(actual.Sub(expected)) / float64(time.Millisecond)
	suggestion := errMs * 10 // ppm per ms of error
	if suggestion > c.cfg.MaxRateAdjustPPM {
		suggestion = c.cfg.MaxRateAdjustPPM
	}
	if suggestion < -c.cfg.MaxRateAdjustPPM {
		suggestion = -c.cfg.MaxRateAdjustPPM
	}

	co.trimMu.Lock()
	co.trimPPM += c.cfg.Smoothing * (suggestion - co.trimPPM)
	co.trimMu.Unlock()
}

// Trim returns the smoothed rate-trim suggestion in ppm. The sources
// feeding this sink apply it additively to their resampler ratio.
func (co *Coordinator) Trim() float64 {
	co.trimMu.Lock()
	defer co.trimMu.Unlock()
	return co.trimPPM
}
