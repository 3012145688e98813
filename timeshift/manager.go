package timeshift

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/packet"
	"github.com/opd-ai/audiorouter/ring"
)

// ErrAlreadyRunning is returned when Start is called twice.
var ErrAlreadyRunning = errors.New("timeshift manager already running")

// ErrNotRunning is returned when Stop is called before Start.
var ErrNotRunning = errors.New("timeshift manager not running")

// ErrUnknownProcessor is returned for operations on an unregistered
// processor instance.
var ErrUnknownProcessor = errors.New("unknown processor instance")

// TimeProvider abstracts the monotonic clock for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard time package.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Config holds the manager tunables.
type Config struct {
	// Retention is how long packets stay in the global buffer.
	Retention time.Duration `yaml:"retention"`
	// InboundHighWater caps the producer-side queue; AddPacket drops
	// beyond it.
	InboundHighWater int `yaml:"inbound_high_water"`
	// LoopMaxSleep caps the dispatcher's sleep between iterations.
	LoopMaxSleep time.Duration `yaml:"loop_max_sleep"`
	// SessionResetThreshold is the silence gap after which a stream's
	// pacing anchor is re-established.
	SessionResetThreshold time.Duration `yaml:"session_reset_threshold"`
	// JitterAlpha is the EWMA factor of the arrival jitter estimator.
	JitterAlpha float64 `yaml:"jitter_alpha"`
	// Pace configures the per-stream playback rate controller.
	Pace PaceConfig `yaml:"pace"`
}

// DefaultConfig returns production defaults: 300 s retention, 4096-packet
// inbound queue, 10 ms dispatcher sleep cap.
func DefaultConfig() Config {
	return Config{
		Retention:             300 * time.Second,
		InboundHighWater:      4096,
		LoopMaxSleep:          10 * time.Millisecond,
		SessionResetThreshold: 2 * time.Second,
		JitterAlpha:           1.0 / 16,
		Pace:                  DefaultPaceConfig(),
	}
}

// streamState is the per-source-tag pacing state shared by all cursors
// reading that stream.
type streamState struct {
	jitter      *JitterEstimator
	pace        *PaceController
	rate        float64 // last computed effective rate multiplier
	lastArrival time.Time
	packets     uint64
}

// cursor is one registered processor's read position.
type cursor struct {
	instanceID string
	sourceTag  string

	nextSeq uint64

	// shift is how far behind the live edge this cursor plays:
	// delay − timeshift (a negative timeshift rewinds further back).
	delay     time.Duration
	timeshift time.Duration

	// Pacing anchor mapping source arrival time to local release time.
	anchored     bool
	anchorSource time.Time
	anchorLocal  time.Time

	lastFormat packet.Format
	hasFormat  bool

	rings map[string]*ring.PacketRing // keyed by sink id

	delivered     uint64
	laggingEvents uint64
	underruns     uint64
}

func (c *cursor) shift() time.Duration {
	return c.delay - c.timeshift
}

// StreamStats is a snapshot of one stream's pacing state.
type StreamStats struct {
	SourceTag       string
	ArrivalJitterMs float64
	PlaybackRate    float64
	PacketsIngested uint64
}

// CursorStats is a snapshot of one processor cursor.
type CursorStats struct {
	InstanceID    string
	SourceTag     string
	Delivered     uint64
	LaggingEvents uint64
	BufferDepthMs float64
}

// Stats is the manager-level snapshot.
type Stats struct {
	RetainedPackets     int
	TotalInboundDropped uint64
	TotalIngested       uint64
	StreamLaggingEvents uint64
	Streams             []StreamStats
	Cursors             []CursorStats
}

// Manager owns the global buffer and the dispatcher thread.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	buffer  *Buffer
	cursors map[string]*cursor // keyed by instance id
	streams map[string]*streamState

	inbound        chan *packet.Tagged
	inboundDropped atomic.Uint64
	ingested       atomic.Uint64
	lagging        atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	timeProvider TimeProvider
}

// NewManager creates a timeshift manager. Zero config fields take their
// defaults; a nil time provider uses the system clock.
func NewManager(cfg Config, tp TimeProvider) *Manager {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.InboundHighWater <= 0 {
		cfg.InboundHighWater = def.InboundHighWater
	}
	if cfg.LoopMaxSleep <= 0 {
		cfg.LoopMaxSleep = def.LoopMaxSleep
	}
	if cfg.SessionResetThreshold <= 0 {
		cfg.SessionResetThreshold = def.SessionResetThreshold
	}
	if cfg.JitterAlpha <= 0 {
		cfg.JitterAlpha = def.JitterAlpha
	}
	if tp == nil {
		tp = DefaultTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function":           "NewManager",
		"retention":          cfg.Retention,
		"inbound_high_water": cfg.InboundHighWater,
		"loop_max_sleep":     cfg.LoopMaxSleep,
	}).Info("Creating timeshift manager")

	return &Manager{
		cfg:          cfg,
		buffer:       NewBuffer(),
		cursors:      make(map[string]*cursor),
		streams:      make(map[string]*streamState),
		inbound:      make(chan *packet.Tagged, cfg.InboundHighWater),
		timeProvider: tp,
	}
}

// Start launches the dispatcher thread.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.dispatchLoop()
	logrus.WithFields(logrus.Fields{
		"function": "Manager.Start",
	}).Info("Timeshift dispatcher started")
	return nil
}

// Stop halts the dispatcher and waits for it to exit.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	close(m.stopCh)
	m.wg.Wait()
	logrus.WithFields(logrus.Fields{
		"function": "Manager.Stop",
	}).Info("Timeshift dispatcher stopped")
	return nil
}

// AddPacket enqueues a packet from a receiver. Non-blocking: when the
// inbound queue is at its high-water mark the packet is dropped and
// counted.
func (m *Manager) AddPacket(p *packet.Tagged) bool {
	select {
	case m.inbound <- p:
		return true
	default:
		m.inboundDropped.Add(1)
		return false
	}
}

// RegisterProcessor creates a cursor for a processor instance, positioned
// delay and timeshift behind the live edge, clamped to retention.
func (m *Manager) RegisterProcessor(instanceID, sourceTag string, delay time.Duration, timeshift time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cursors[instanceID]; exists {
		return fmt.Errorf("processor %q already registered", instanceID)
	}

	c := &cursor{
		instanceID: instanceID,
		sourceTag:  sourceTag,
		delay:      delay,
		timeshift:  timeshift,
		rings:      make(map[string]*ring.PacketRing),
	}
	m.repositionLocked(c, false)
	m.cursors[instanceID] = c
	m.ensureStreamLocked(sourceTag)

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.RegisterProcessor",
		"instance_id": instanceID,
		"source_tag":  sourceTag,
		"delay":       delay,
		"timeshift":   timeshift,
	}).Info("Processor cursor registered")
	return nil
}

// UnregisterProcessor removes a cursor; retention is recomputed on the
// next dispatcher iteration.
func (m *Manager) UnregisterProcessor(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[instanceID]; !ok {
		return ErrUnknownProcessor
	}
	delete(m.cursors, instanceID)
	logrus.WithFields(logrus.Fields{
		"function":    "Manager.UnregisterProcessor",
		"instance_id": instanceID,
	}).Info("Processor cursor removed")
	return nil
}

// AttachSinkRing connects a downstream packet ring for one sink to a
// processor's cursor.
func (m *Manager) AttachSinkRing(instanceID, sinkID string, r *ring.PacketRing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[instanceID]
	if !ok {
		return ErrUnknownProcessor
	}
	c.rings[sinkID] = r
	return nil
}

// DetachSinkRing disconnects a sink's ring immediately.
func (m *Manager) DetachSinkRing(instanceID, sinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[instanceID]
	if !ok {
		return ErrUnknownProcessor
	}
	delete(c.rings, sinkID)
	return nil
}

// UpdateProcessorDelay repositions a cursor for a new delay.
func (m *Manager) UpdateProcessorDelay(instanceID string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[instanceID]
	if !ok {
		return ErrUnknownProcessor
	}
	c.delay = delay
	m.repositionLocked(c, true)
	return nil
}

// UpdateProcessorTimeshift repositions a cursor for a new timeshift. A
// negative timeshift rewinds into the retained past; positive values
// clamp at the live edge.
func (m *Manager) UpdateProcessorTimeshift(instanceID string, timeshift time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[instanceID]
	if !ok {
		return ErrUnknownProcessor
	}
	c.timeshift = timeshift
	m.repositionLocked(c, true)
	return nil
}

// repositionLocked seeks a cursor to (now − delay + timeshift). When the
// requested point is no longer retained the cursor clamps to the oldest
// packet and, for explicit repositions, a lagging event is reported.
func (m *Manager) repositionLocked(c *cursor, reportClamp bool) {
	now := m.timeProvider.Now()
	target := now.Add(-c.shift())
	seq, clamped := m.buffer.SeekReceivedAt(c.sourceTag, target)
	c.nextSeq = seq
	c.anchored = false
	if clamped && reportClamp {
		c.laggingEvents++
		m.lagging.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":    "Manager.reposition",
			"instance_id": c.instanceID,
			"source_tag":  c.sourceTag,
			"shift":       c.shift(),
		}).Warn("Requested position beyond retention; cursor clamped to oldest packet")
	}
}

// PlaybackRate returns the current effective playback rate for a source
// tag. Source processors poll this so their resampler ratio stays
// coherent with dispatch pacing.
func (m *Manager) PlaybackRate(sourceTag string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[sourceTag]; ok && s.rate != 0 {
		return s.rate
	}
	return 1
}

func (m *Manager) ensureStreamLocked(tag string) *streamState {
	s, ok := m.streams[tag]
	if !ok {
		s = &streamState{
			jitter: NewJitterEstimator(m.cfg.JitterAlpha),
			pace:   NewPaceController(m.cfg.Pace),
			rate:   1,
		}
		m.streams[tag] = s
	}
	return s
}

// dispatchLoop is the single dispatcher thread: drain inbound, deliver
// due packets to cursors, evict expired head packets, sleep until the
// nearest due time.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		m.drainInboundLocked()
		now := m.timeProvider.Now()
		nextDue := m.deliverDueLocked(now)
		m.evictLocked(now)
		m.mu.Unlock()

		sleep := time.Until(nextDue)
		if sleep > m.cfg.LoopMaxSleep || sleep <= 0 {
			sleep = m.cfg.LoopMaxSleep
		}

		select {
		case <-m.stopCh:
			return
		case p := <-m.inbound:
			m.mu.Lock()
			m.ingestLocked(p)
			m.drainInboundLocked()
			m.mu.Unlock()
		case <-time.After(sleep):
		}
	}
}

func (m *Manager) drainInboundLocked() {
	for {
		select {
		case p := <-m.inbound:
			m.ingestLocked(p)
		default:
			return
		}
	}
}

func (m *Manager) ingestLocked(p *packet.Tagged) {
	s := m.ensureStreamLocked(p.SourceTag)
	if !s.lastArrival.IsZero() && p.ReceivedAt.Sub(s.lastArrival) > m.cfg.SessionResetThreshold {
		// Long silence: restart pacing for every cursor on this tag.
		s.jitter.Reset()
		s.pace.Reset()
		s.rate = 1
		for _, c := range m.cursors {
			if c.sourceTag == p.SourceTag {
				c.anchored = false
			}
		}
	}
	s.jitter.Observe(p.ReceivedAt, p.Format.PacketDuration())
	s.lastArrival = p.ReceivedAt
	s.packets++
	m.ingested.Add(1)
	m.buffer.Append(p)
}

// deliverDueLocked walks every cursor, forwarding packets whose release
// time has arrived, and returns the nearest future due time.
func (m *Manager) deliverDueLocked(now time.Time) time.Time {
	nextDue := now.Add(m.cfg.LoopMaxSleep)

	for _, c := range m.cursors {
		s := m.ensureStreamLocked(c.sourceTag)
		for {
			p := m.buffer.NextForTag(c.sourceTag, c.nextSeq)
			if p == nil {
				break
			}

			if !c.anchored {
				c.anchored = true
				c.anchorSource = p.ReceivedAt
				release := p.ReceivedAt.Add(c.shift())
				if release.Before(now) {
					release = now
				}
				c.anchorLocal = release
			}

			due := c.anchorLocal.Add(time.Duration(float64(p.ReceivedAt.Sub(c.anchorSource)) / s.rate))
			if due.After(now) {
				if due.Before(nextDue) {
					nextDue = due
				}
				break
			}

			m.deliverLocked(c, p)
			c.nextSeq = p.Seq + 1
		}

		m.updatePaceLocked(c, s, now)
	}
	return nextDue
}

// deliverLocked forwards one packet to every attached sink ring,
// preceding it with a reconfig marker when the stream format changed.
func (m *Manager) deliverLocked(c *cursor, p *packet.Tagged) {
	if c.hasFormat && !c.lastFormat.Equal(p.Format) {
		marker := &packet.Tagged{
			Kind:       packet.KindReconfig,
			SourceTag:  p.SourceTag,
			ReceivedAt: p.ReceivedAt,
			Format:     p.Format,
		}
		for _, r := range c.rings {
			r.Push(marker)
		}
		// Format change restarts the pacing anchor.
		c.anchored = false
		logrus.WithFields(logrus.Fields{
			"function":    "Manager.deliver",
			"instance_id": c.instanceID,
			"source_tag":  p.SourceTag,
			"old_format":  c.lastFormat.String(),
			"new_format":  p.Format.String(),
		}).Info("Stream format changed; reconfig marker dispatched")
	}
	c.lastFormat = p.Format
	c.hasFormat = true

	for _, r := range c.rings {
		r.Push(p.Clone())
	}
	c.delivered++
}

// updatePaceLocked recomputes the stream playback rate from this cursor's
// buffer depth and schedule lag.
func (m *Manager) updatePaceLocked(c *cursor, s *streamState, now time.Time) {
	newest := m.buffer.newestFor(c.sourceTag)
	if newest == nil || !c.anchored {
		return
	}
	pending := m.buffer.NextForTag(c.sourceTag, c.nextSeq)
	if pending == nil {
		return
	}
	depth := newest.ReceivedAt.Sub(pending.ReceivedAt) - c.shift()
	due := c.anchorLocal.Add(time.Duration(float64(pending.ReceivedAt.Sub(c.anchorSource)) / s.rate))
	lag := now.Sub(due)

	depthMs := float64(depth) / float64(time.Millisecond)
	lagMs := float64(lag) / float64(time.Millisecond)
	if lagMs < 0 {
		lagMs = 0
	}

	if lagMs > float64(m.cfg.Retention)/float64(time.Millisecond) {
		// Cursor fell past retention: clamp forward and mark an underrun.
		c.nextSeq = m.buffer.OldestSeq()
		c.anchored = false
		c.laggingEvents++
		c.underruns++
		m.lagging.Add(1)
		return
	}

	s.rate = s.pace.Update(depthMs, lagMs)
}

// evictLocked drops expired head packets that every cursor has passed.
func (m *Manager) evictLocked(now time.Time) {
	minSeq := m.buffer.NextSeq()
	for _, c := range m.cursors {
		if c.nextSeq < minSeq {
			minSeq = c.nextSeq
		}
	}
	cutoff := now.Add(-m.cfg.Retention)
	m.buffer.EvictBefore(cutoff, minSeq)

	// A cursor pinned at the head past retention is forcibly advanced so
	// the buffer cannot grow without bound.
	if m.buffer.Len() > 0 {
		oldest := m.buffer.OldestSeq()
		head := m.buffer.Get(oldest)
		if head != nil && head.ReceivedAt.Before(cutoff) {
			// First packet still inside the retention window.
			keep := oldest
			for p := head; p != nil && p.ReceivedAt.Before(cutoff); p = m.buffer.Get(keep) {
				keep++
			}
			for _, c := range m.cursors {
				if c.nextSeq < keep {
					c.nextSeq = keep
					c.anchored = false
					c.laggingEvents++
					m.lagging.Add(1)
				}
			}
			m.buffer.EvictBefore(cutoff, m.minCursorSeqLocked())
		}
	}
}

func (m *Manager) minCursorSeqLocked() uint64 {
	minSeq := m.buffer.NextSeq()
	for _, c := range m.cursors {
		if c.nextSeq < minSeq {
			minSeq = c.nextSeq
		}
	}
	return minSeq
}

// Snapshot returns current counters and per-stream state.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		RetainedPackets:     m.buffer.Len(),
		TotalInboundDropped: m.inboundDropped.Load(),
		TotalIngested:       m.ingested.Load(),
		StreamLaggingEvents: m.lagging.Load(),
	}
	for tag, s := range m.streams {
		st.Streams = append(st.Streams, StreamStats{
			SourceTag:       tag,
			ArrivalJitterMs: s.jitter.JitterMs(),
			PlaybackRate:    s.rate,
			PacketsIngested: s.packets,
		})
	}
	for _, c := range m.cursors {
		cs := CursorStats{
			InstanceID:    c.instanceID,
			SourceTag:     c.sourceTag,
			Delivered:     c.delivered,
			LaggingEvents: c.laggingEvents,
		}
		if newest := m.buffer.newestFor(c.sourceTag); newest != nil {
			if pending := m.buffer.NextForTag(c.sourceTag, c.nextSeq); pending != nil {
				cs.BufferDepthMs = float64(newest.ReceivedAt.Sub(pending.ReceivedAt)) / float64(time.Millisecond)
			}
		}
		st.Cursors = append(st.Cursors, cs)
	}
	return st
}
