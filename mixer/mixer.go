package mixer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/dsp"
	"github.com/opd-ai/audiorouter/packet"
	"github.com/opd-ai/audiorouter/ring"
	"github.com/opd-ai/audiorouter/timesync"
)

// ErrAlreadyRunning is returned when Start is called on a running mixer.
var ErrAlreadyRunning = errors.New("mixer already running")

// Config describes one sink mixer.
type Config struct {
	SinkID       string
	OutputFormat packet.Format

	MP3Enabled  bool
	MP3MaxQueue int

	TimeSync      bool
	TimeSyncDelay time.Duration

	// UnderrunHoldTimeout is how long an active lane may starve before
	// it is excluded from mixing (held silent, not removed).
	UnderrunHoldTimeout time.Duration
	// MaxReadyChunksPerSource caps the per-lane ready queue.
	MaxReadyChunksPerSource int
	// MaxReadyQueueDuration caps the same queue by audio duration.
	MaxReadyQueueDuration time.Duration

	PollTimeout time.Duration
}

// lane is one connected source's input path.
type lane struct {
	instanceID  string
	ring        *ring.ChunkRing
	ready       []*packet.Chunk
	lastChunkAt time.Time
	held        bool
	underruns   uint64
}

// LaneStats is a per-input snapshot.
type LaneStats struct {
	InstanceID string
	Held       bool
	Underruns  uint64
	RingDrops  uint64
}

// Stats is the mixer snapshot.
type Stats struct {
	SinkID          string
	ChunksMixed     uint64
	BufferUnderruns uint64
	SenderErrors    uint64
	MP3QueueDrops   uint64
	BarrierTimeouts uint64
	Lanes           []LaneStats
	Listeners       int
}

// Mixer is one Sink Audio Mixer.
type Mixer struct {
	cfg Config

	mu        sync.Mutex
	lanes     map[string]*lane
	senders   map[string]Emitter
	listeners map[string]Emitter

	coordinator *timesync.Coordinator
	coordMu     sync.Mutex

	mp3    *MP3Tee
	dither *dsp.Ditherer

	playoutRTP uint32
	lastEmit   time.Time

	chunksMixed  atomic.Uint64
	underruns    atomic.Uint64
	senderErrors atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMixer creates a sink mixer.
//
// Parameters:
//   - cfg: Sink configuration; SinkID and a valid OutputFormat required
//
// Returns:
//   - *Mixer: The new mixer
//   - error: When the configuration is unusable
func NewMixer(cfg Config) (*Mixer, error) {
	if cfg.SinkID == "" {
		return nil, fmt.Errorf("sink id cannot be empty")
	}
	if err := cfg.OutputFormat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid output format: %w", err)
	}
	if cfg.UnderrunHoldTimeout <= 0 {
		cfg.UnderrunHoldTimeout = 150 * time.Millisecond
	}
	if cfg.MaxReadyChunksPerSource <= 0 {
		cfg.MaxReadyChunksPerSource = 8
	}
	if cfg.MaxReadyQueueDuration <= 0 {
		cfg.MaxReadyQueueDuration = 200 * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Millisecond
	}

	m := &Mixer{
		cfg:       cfg,
		lanes:     make(map[string]*lane),
		senders:   make(map[string]Emitter),
		listeners: make(map[string]Emitter),
		dither:    dsp.NewDitherer(time.Now().UnixNano(), 0.5),
	}
	if cfg.MP3Enabled {
		tee, err := NewMP3Tee(int(cfg.OutputFormat.SampleRate), int(cfg.OutputFormat.Channels), cfg.MP3MaxQueue)
		if err != nil {
			return nil, fmt.Errorf("mp3 encoder setup: %w", err)
		}
		m.mp3 = tee
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewMixer",
		"sink_id":       cfg.SinkID,
		"output_format": cfg.OutputFormat.String(),
		"mp3":           cfg.MP3Enabled,
		"time_sync":     cfg.TimeSync,
	}).Info("Sink audio mixer created")
	return m, nil
}

// SinkID returns the sink's id.
func (m *Mixer) SinkID() string { return m.cfg.SinkID }

// OutputFormat returns the sink's declared output format.
func (m *Mixer) OutputFormat() packet.Format { return m.cfg.OutputFormat }

// AddInputRing connects a source lane.
func (m *Mixer) AddInputRing(instanceID string, r *ring.ChunkRing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lanes[instanceID] = &lane{instanceID: instanceID, ring: r, lastChunkAt: time.Now()}
	logrus.WithFields(logrus.Fields{
		"function":    "Mixer.AddInputRing",
		"sink_id":     m.cfg.SinkID,
		"instance_id": instanceID,
	}).Info("Input lane connected")
}

// RemoveInputRing disconnects a source lane immediately.
func (m *Mixer) RemoveInputRing(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lanes, instanceID)
}

// AddSender attaches an egress under a name.
func (m *Mixer) AddSender(name string, e Emitter) error {
	if err := e.Setup(); err != nil {
		return fmt.Errorf("sender %q setup: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[name] = e
	return nil
}

// RemoveSender detaches and closes an egress.
func (m *Mixer) RemoveSender(name string) {
	m.mu.Lock()
	e, ok := m.senders[name]
	delete(m.senders, name)
	m.mu.Unlock()
	if ok {
		if err := e.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Mixer.RemoveSender",
				"sink_id":  m.cfg.SinkID,
				"sender":   name,
				"error":    err.Error(),
			}).Warn("Sender close failed")
		}
	}
}

// AddListener attaches an ephemeral consumer (e.g. a WebRTC peer) that
// receives the same mixed frames as the senders.
func (m *Mixer) AddListener(listenerID string, e Emitter) error {
	if err := e.Setup(); err != nil {
		return fmt.Errorf("listener %q setup: %w", listenerID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[listenerID] = e
	return nil
}

// RemoveListener detaches and closes a listener.
func (m *Mixer) RemoveListener(listenerID string) {
	m.mu.Lock()
	e, ok := m.listeners[listenerID]
	delete(m.listeners, listenerID)
	m.mu.Unlock()
	if ok {
		_ = e.Close()
	}
}

// SetCoordinator installs (or clears) the sync coordinator used when the
// sink participates in multi-sink playback alignment.
func (m *Mixer) SetCoordinator(c *timesync.Coordinator) {
	m.coordMu.Lock()
	defer m.coordMu.Unlock()
	m.coordinator = c
}

// Coordinator returns the installed coordinator, or nil.
func (m *Mixer) Coordinator() *timesync.Coordinator {
	m.coordMu.Lock()
	defer m.coordMu.Unlock()
	return m.coordinator
}

// MP3 returns the sink's MP3 tee, or nil when MP3 is disabled.
func (m *Mixer) MP3() *MP3Tee { return m.mp3 }

// Start launches the mixer thread.
func (m *Mixer) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	m.stopCh = make(chan struct{})
	m.lastEmit = time.Now()
	m.wg.Add(1)
	go m.run()
	return nil
}

// Stop halts the mixer thread and closes every sender and listener.
func (m *Mixer) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	senders := make([]Emitter, 0, len(m.senders))
	for _, e := range m.senders {
		senders = append(senders, e)
	}
	listeners := make([]Emitter, 0, len(m.listeners))
	for _, e := range m.listeners {
		listeners = append(listeners, e)
	}
	m.mu.Unlock()

	for _, e := range senders {
		_ = e.Close()
	}
	for _, e := range listeners {
		_ = e.Close()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Mixer.Stop",
		"sink_id":  m.cfg.SinkID,
	}).Info("Sink audio mixer stopped")
}

// run is the mixer thread.
func (m *Mixer) run() {
	defer m.wg.Done()
	chunkDur := time.Duration(m.cfg.OutputFormat.ChunkFrames()) * time.Second /
		time.Duration(m.cfg.OutputFormat.SampleRate)

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		now := time.Now()
		frame, wait := m.tryMix(now)
		if frame != nil {
			m.emit(frame)
			continue
		}

		// Nothing mixable. Emit silence once all inputs have been quiet
		// past the hold timeout, at chunk cadence.
		if m.shouldEmitSilence(now, chunkDur) {
			m.underruns.Add(1)
			m.emit(m.silentFrame())
			continue
		}

		if wait <= 0 || wait > m.cfg.PollTimeout {
			wait = m.cfg.PollTimeout
		}
		select {
		case <-m.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// tryMix pulls lane rings and, when the alignment rules allow, sums one
// chunk across the contributing lanes. Returns (nil, suggestedWait) when
// no frame can be produced yet.
func (m *Mixer) tryMix(now time.Time) (*Frame, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.lanes) == 0 {
		return nil, 0
	}

	ready := 0
	waiting := 0
	for _, l := range m.lanes {
		m.fillLaneLocked(l, now)
		if len(l.ready) > 0 {
			ready++
			continue
		}
		if !l.held {
			if now.Sub(l.lastChunkAt) > m.cfg.UnderrunHoldTimeout {
				l.held = true
				logrus.WithFields(logrus.Fields{
					"function":    "Mixer.tryMix",
					"sink_id":     m.cfg.SinkID,
					"instance_id": l.instanceID,
				}).Debug("Lane starved past hold timeout; excluded from mixing")
			} else {
				waiting++
			}
		}
	}

	if ready == 0 {
		return nil, 0
	}
	if waiting > 0 {
		// A recently-active lane is momentarily behind: give it until
		// the hold timeout before mixing without it.
		return nil, m.cfg.PollTimeout
	}

	return m.sumLocked(), 0
}

// fillLaneLocked drains a lane's ring into its ready queue within the
// count and duration caps.
func (m *Mixer) fillLaneLocked(l *lane, now time.Time) {
	for len(l.ready) < m.cfg.MaxReadyChunksPerSource {
		if m.readyDuration(l) >= m.cfg.MaxReadyQueueDuration {
			break
		}
		c := l.ring.Pop(0)
		if c == nil {
			break
		}
		l.ready = append(l.ready, c)
		l.lastChunkAt = now
		if l.held {
			l.held = false
		}
	}
}

func (m *Mixer) readyDuration(l *lane) time.Duration {
	var d time.Duration
	for _, c := range l.ready {
		d += c.Duration()
	}
	return d
}

// sumLocked mixes the head chunk of every ready lane into one frame.
// Held lanes contribute silence and count an underrun.
func (m *Mixer) sumLocked() *Frame {
	out := m.cfg.OutputFormat
	samples := out.ChunkFrames() * int(out.Channels)
	acc := make([]int32, samples)

	for _, l := range m.lanes {
		if len(l.ready) == 0 {
			if l.held {
				l.underruns++
			}
			continue
		}
		c := l.ready[0]
		l.ready = l.ready[1:]
		n := len(c.Data)
		if n > samples {
			n = samples
		}
		for i := 0; i < n; i++ {
			acc[i] = dsp.SaturatingAdd(acc[i], c.Data[i])
		}
	}

	return m.frameFromPCM(acc)
}

func (m *Mixer) silentFrame() *Frame {
	out := m.cfg.OutputFormat
	return m.frameFromPCM(make([]int32, out.ChunkFrames()*int(out.Channels)))
}

func (m *Mixer) frameFromPCM(acc []int32) *Frame {
	out := m.cfg.OutputFormat
	raw, err := dsp.EncodeSamples(acc, out.BitDepth, m.dither)
	if err != nil {
		raw = nil
	}
	f := &Frame{
		Format:     out,
		PlayoutRTP: m.playoutRTP,
		PCM32:      acc,
		Bytes:      raw,
	}
	m.playoutRTP += uint32(out.ChunkFrames())
	return f
}

// shouldEmitSilence reports whether every lane has starved past the hold
// timeout and the silence cadence is due.
func (m *Mixer) shouldEmitSilence(now time.Time, chunkDur time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lanes) == 0 {
		return false
	}
	if len(m.senders) == 0 && len(m.listeners) == 0 {
		return false
	}
	// Silence starts once every lane has starved past the hold timeout,
	// then flows at chunk cadence so downstream receivers keep clocking.
	if now.Sub(m.lastEmit) < chunkDur {
		return false
	}
	for _, l := range m.lanes {
		if len(l.ready) > 0 || now.Sub(l.lastChunkAt) <= m.cfg.UnderrunHoldTimeout {
			return false
		}
	}
	return true
}

// emit waits at the sync barrier when configured, then fans the frame
// out to every sender, listener and the MP3 tee in mix order.
func (m *Mixer) emit(f *Frame) {
	if m.cfg.TimeSync {
		if co := m.Coordinator(); co != nil {
			co.WaitForBarrier(f.PlayoutRTP)
			co.ReportRelease(f.PlayoutRTP, time.Now())
		}
	}

	if m.mp3 != nil {
		m.mp3.Encode(f)
	}

	m.mu.Lock()
	emitters := make([]Emitter, 0, len(m.senders)+len(m.listeners))
	for _, e := range m.senders {
		emitters = append(emitters, e)
	}
	for _, e := range m.listeners {
		emitters = append(emitters, e)
	}
	m.lastEmit = time.Now()
	m.mu.Unlock()

	for _, e := range emitters {
		if err := e.SendChunk(f); err != nil {
			m.senderErrors.Add(1)
		}
	}
	m.chunksMixed.Add(1)
}

// Snapshot returns the mixer's counters.
func (m *Mixer) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		SinkID:          m.cfg.SinkID,
		ChunksMixed:     m.chunksMixed.Load(),
		BufferUnderruns: m.underruns.Load(),
		SenderErrors:    m.senderErrors.Load(),
		Listeners:       len(m.listeners),
	}
	if m.mp3 != nil {
		st.MP3QueueDrops = m.mp3.Dropped()
	}
	if co := m.Coordinator(); co != nil {
		st.BarrierTimeouts = co.Timeouts()
	}
	for _, l := range m.lanes {
		st.Lanes = append(st.Lanes, LaneStats{
			InstanceID: l.instanceID,
			Held:       l.held,
			Underruns:  l.underruns,
			RingDrops:  l.ring.Dropped(),
		})
	}
	return st
}
