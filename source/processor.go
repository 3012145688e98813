package source

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
)

// State is the processor lifecycle state.
type State int32

const (
	// StateIdle means no packets have arrived recently.
	StateIdle State = iota
	// StateStreaming means the DSP chain is active.
	StateStreaming
	// StateReconfiguring means a format change was discovered and the
	// chain is being rebuilt; unsupported formats hold this state.
	StateReconfiguring
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateReconfiguring:
		return "reconfiguring"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ErrStopped is returned for operations on a stopped processor.
var ErrStopped = errors.New("source processor stopped")

// TimeshiftControl is the slice of the timeshift manager a processor
// needs: repositioning its cursor and reading the stream playback rate so
// the resampler ratio stays coherent with dispatch pacing.
type TimeshiftControl interface {
	UpdateProcessorDelay(instanceID string, delay time.Duration) error
	UpdateProcessorTimeshift(instanceID string, timeshift time.Duration) error
	PlaybackRate(sourceTag string) float64
}

// Config describes a processor instance.
type Config struct {
	InstanceID string
	SourceTag  string

	// OutputFormat is the sink format chunks are rendered for.
	OutputFormat packet.Format

	Volume              float64
	EQGains             [dsp.EQBands]float64
	EQNormalization     bool
	VolumeNormalization bool
	Delay               time.Duration
	Timeshift           time.Duration

	// SpeakerLayouts maps input channel counts to mixing matrices. A
	// missing entry falls back to auto mode.
	SpeakerLayouts map[int]dsp.SpeakerLayout

	Normalizer dsp.NormalizerConfig

	// DCCutoffHz tunes the DC high-pass; zero uses the default.
	DCCutoffHz float64
	// VolumeSmoothing is the per-frame smoothing alpha for volume moves.
	VolumeSmoothing float64
	// DitherShaping is stored with the config; the processor applies no
	// dither and does not read it. Output dither happens in the sink
	// mixer, which uses a fixed shaping factor.
	DitherShaping float64

	CommandQueueSize int
	InputRingSize    int
	PollTimeout      time.Duration
	// IdleTimeout moves the processor to idle after silence.
	IdleTimeout time.Duration
}

// Stats is a counters snapshot for one processor.
type Stats struct {
	InstanceID       string
	SourceTag        string
	State            string
	PacketsProcessed uint64
	DiscardedPackets uint64
	Reconfigurations uint64
	ChunksEmitted    uint64
	RingOverflows    uint64
	Volume           float64
	PlaybackRate     float64
	SyncTrimPPM      float64
}

// chain bundles the DSP stages built for one input format.
type chain struct {
	inputFormat packet.Format
	remapper    *dsp.Remapper
	resampler   *dsp.Resampler
	eq          *dsp.Equalizer
	dc          *dsp.DCFilter
}

// Processor is one Source Input Processor.
type Processor struct {
	cfg Config

	input    *ring.PacketRing
	commands chan Command

	sinksMu sync.Mutex
	sinks   map[string]*ring.ChunkRing

	tsc TimeshiftControl

	state atomic.Int32

	// DSP state owned by the run goroutine.
	chain      *chain
	volume     *dsp.SmoothedVolume
	normalizer *dsp.VolumeNormalizer
	eqGains    [dsp.EQBands]float64
	eqNorm     bool
	volNormOn  bool
	layouts    map[int]dsp.SpeakerLayout

	accum      []int32
	playoutRTP uint32

	// syncTrimPPM is the additive rate trim fed back by a sink sync
	// coordinator; composed with the timeshift playback rate.
	syncTrimPPM atomic.Int64 // stored as ppm*1000 for fractional trims

	packets    atomic.Uint64
	discarded  atomic.Uint64
	reconfigs  atomic.Uint64
	chunks     atomic.Uint64
	lastPacket atomic.Int64 // unix nanos of last packet seen

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProcessor creates a processor. The returned instance owns its input
// ring; callers attach it to the timeshift manager under the instance id.
//
// Parameters:
//   - cfg: Instance configuration; InstanceID, SourceTag and a valid
//     OutputFormat are required
//   - tsc: Timeshift control surface, may be nil in tests
//
// Returns:
//   - *Processor: The new processor
//   - error: When the configuration is unusable
func NewProcessor(cfg Config, tsc TimeshiftControl) (*Processor, error) {
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance id cannot be empty")
	}
	if cfg.SourceTag == "" {
		return nil, fmt.Errorf("source tag cannot be empty")
	}
	if err := cfg.OutputFormat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid output format: %w", err)
	}
	if cfg.Volume < 0 || cfg.Volume > 1 {
		return nil, fmt.Errorf("volume %.3f outside [0,1]", cfg.Volume)
	}
	if cfg.CommandQueueSize <= 0 {
		cfg.CommandQueueSize = 64
	}
	if cfg.InputRingSize <= 0 {
		cfg.InputRingSize = 512
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	if cfg.VolumeSmoothing <= 0 {
		cfg.VolumeSmoothing = 0.002
	}

	zero := [dsp.EQBands]float64{}
	if cfg.EQGains == zero {
		for i := range cfg.EQGains {
			cfg.EQGains[i] = 1
		}
	}

	p := &Processor{
		cfg:        cfg,
		input:      ring.NewPacketRing(cfg.InputRingSize),
		commands:   make(chan Command, cfg.CommandQueueSize),
		sinks:      make(map[string]*ring.ChunkRing),
		tsc:        tsc,
		volume:     dsp.NewSmoothedVolume(cfg.Volume, cfg.VolumeSmoothing),
		normalizer: dsp.NewVolumeNormalizer(cfg.Normalizer),
		eqGains:    cfg.EQGains,
		eqNorm:     cfg.EQNormalization,
		volNormOn:  cfg.VolumeNormalization,
		layouts:    cfg.SpeakerLayouts,
	}
	p.state.Store(int32(StateIdle))

	logrus.WithFields(logrus.Fields{
		"function":      "NewProcessor",
		"instance_id":   cfg.InstanceID,
		"source_tag":    cfg.SourceTag,
		"output_format": cfg.OutputFormat.String(),
	}).Info("Source input processor created")
	return p, nil
}

// InstanceID returns the processor's unique id.
func (p *Processor) InstanceID() string { return p.cfg.InstanceID }

// SourceTag returns the stream this processor consumes.
func (p *Processor) SourceTag() string { return p.cfg.SourceTag }

// OutputFormat returns the format chunks are rendered for.
func (p *Processor) OutputFormat() packet.Format { return p.cfg.OutputFormat }

// InputRing returns the packet ring the timeshift dispatcher fills.
func (p *Processor) InputRing() *ring.PacketRing { return p.input }

// State returns the current lifecycle state.
func (p *Processor) State() State { return State(p.state.Load()) }

// AttachSink connects a chunk ring for a sink; chunks fan out to every
// attached ring in emission order.
func (p *Processor) AttachSink(sinkID string, r *ring.ChunkRing) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	p.sinks[sinkID] = r
}

// DetachSink disconnects a sink ring immediately.
func (p *Processor) DetachSink(sinkID string) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	delete(p.sinks, sinkID)
}

// SetSyncTrim applies a sink coordinator's rate-trim suggestion in ppm.
// The trim composes additively with the timeshift playback rate.
func (p *Processor) SetSyncTrim(ppm float64) {
	p.syncTrimPPM.Store(int64(ppm * 1000))
}

// SyncTrim returns the active coordinator trim in ppm.
func (p *Processor) SyncTrim() float64 {
	return float64(p.syncTrimPPM.Load()) / 1000
}

// Enqueue submits a control command. Returns false when the queue is
// full or the processor is stopped.
func (p *Processor) Enqueue(cmd Command) bool {
	if p.State() == StateStopped {
		return false
	}
	select {
	case p.commands <- cmd:
		return true
	default:
		return false
	}
}

// Start launches the processor thread.
func (p *Processor) Start() error {
	if p.State() == StateStopped {
		return ErrStopped
	}
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("processor %q already running", p.cfg.InstanceID)
	}
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.run()
	return nil
}

// Stop halts the processor thread and marks the instance stopped.
func (p *Processor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.state.Store(int32(StateStopped))
	logrus.WithFields(logrus.Fields{
		"function":    "Processor.Stop",
		"instance_id": p.cfg.InstanceID,
	}).Info("Source input processor stopped")
}

// run is the processor thread: drain commands, pull packets, process.
func (p *Processor) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.drainCommands()

		pkt := p.input.Pop(p.cfg.PollTimeout)
		if pkt == nil {
			if p.State() == StateStreaming && p.idleElapsed() {
				p.state.Store(int32(StateIdle))
			}
			continue
		}
		p.handlePacket(pkt)
	}
}

func (p *Processor) idleElapsed() bool {
	last := p.lastPacket.Load()
	return last != 0 && time.Since(time.Unix(0, last)) > p.cfg.IdleTimeout
}

// drainCommands applies every queued command. Commands apply in enqueue
// order and take effect from the next input packet on, which may fall
// partway through a chunk.
func (p *Processor) drainCommands() {
	for {
		select {
		case cmd := <-p.commands:
			p.apply(cmd)
		default:
			return
		}
	}
}

func (p *Processor) apply(cmd Command) {
	switch cmd.Type {
	case CmdSetVolume:
		v := cmd.Float
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		p.volume.SetTarget(v)
	case CmdSetEQ:
		p.eqGains = cmd.Gains
		p.rebuildEQ()
	case CmdSetEQNormalization:
		p.eqNorm = cmd.Bool
		p.rebuildEQ()
	case CmdSetVolumeNormalization:
		p.volNormOn = cmd.Bool
		if !cmd.Bool {
			p.normalizer.Reset()
		}
	case CmdSetDelay:
		if p.tsc != nil {
			if err := p.tsc.UpdateProcessorDelay(p.cfg.InstanceID, cmd.Duration); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "Processor.apply",
					"instance_id": p.cfg.InstanceID,
					"error":       err.Error(),
				}).Error("Delay update rejected by timeshift manager")
			}
		}
		p.cfg.Delay = cmd.Duration
	case CmdSetTimeshift:
		if p.tsc != nil {
			if err := p.tsc.UpdateProcessorTimeshift(p.cfg.InstanceID, cmd.Duration); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "Processor.apply",
					"instance_id": p.cfg.InstanceID,
					"error":       err.Error(),
				}).Error("Timeshift update rejected by timeshift manager")
			}
		}
		p.cfg.Timeshift = cmd.Duration
	case CmdSetSpeakerLayouts:
		p.layouts = cmd.Layouts
		if p.chain != nil {
			// Rebuild so the new matrix applies from the next chunk.
			p.rebuildChain(p.chain.inputFormat)
		}
	}
}

func (p *Processor) rebuildEQ() {
	if p.chain == nil {
		return
	}
	eq, err := dsp.NewEqualizer(p.cfg.OutputFormat.SampleRate, int(p.cfg.OutputFormat.Channels), p.eqGains, p.eqNorm)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Processor.rebuildEQ",
			"instance_id": p.cfg.InstanceID,
			"error":       err.Error(),
		}).Error("Equalizer rebuild failed; previous bands kept")
		return
	}
	p.chain.eq = eq
}

// handlePacket runs one packet through the DSP chain.
func (p *Processor) handlePacket(pkt *packet.Tagged) {
	p.lastPacket.Store(pkt.ReceivedAt.UnixNano())

	if pkt.Kind == packet.KindReconfig {
		p.state.Store(int32(StateReconfiguring))
		if err := p.rebuildChain(pkt.Format); err != nil {
			// Unsupported format: stay reconfiguring, discard until a
			// workable format shows up.
			return
		}
		p.state.Store(int32(StateStreaming))
		return
	}

	if err := pkt.Format.Validate(); err != nil {
		p.discarded.Add(1)
		return
	}
	if p.chain == nil || !p.chain.inputFormat.Equal(pkt.Format) {
		p.state.Store(int32(StateReconfiguring))
		if err := p.rebuildChain(pkt.Format); err != nil {
			p.discarded.Add(1)
			return
		}
	}
	p.state.Store(int32(StateStreaming))

	samples, err := dsp.DecodePayload(pkt.Payload, pkt.Format)
	if err != nil {
		p.discarded.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":    "Processor.handlePacket",
			"instance_id": p.cfg.InstanceID,
			"error":       err.Error(),
		}).Debug("Malformed payload discarded")
		return
	}
	p.packets.Add(1)

	remapped, err := p.chain.remapper.Process(samples)
	if err != nil {
		p.discarded.Add(1)
		return
	}

	// Keep the resampler ratio coherent with dispatch pacing plus any
	// coordinator trim: both are expressed around unity and compose
	// additively in ppm.
	rate := 1.0
	if p.tsc != nil {
		rate = p.tsc.PlaybackRate(p.cfg.SourceTag)
	}
	trim := (rate-1)*1e6 + p.SyncTrim()
	p.chain.resampler.SetRateTrim(trim)

	resampled, err := p.chain.resampler.Process(remapped)
	if err != nil || len(resampled) == 0 {
		return
	}

	if err := p.chain.eq.Process(resampled); err != nil {
		return
	}
	if p.volNormOn {
		p.normalizer.Process(resampled)
	}
	if err := p.chain.dc.Process(resampled); err != nil {
		return
	}
	p.volume.Process(resampled, int(p.cfg.OutputFormat.Channels))

	p.accumulate(resampled)
}

// rebuildChain constructs the DSP stages for a new input format.
func (p *Processor) rebuildChain(inFormat packet.Format) error {
	if err := inFormat.Validate(); err != nil {
		return err
	}
	out := p.cfg.OutputFormat
	inCh := int(inFormat.Channels)
	outCh := int(out.Channels)

	layout, ok := p.layouts[inCh]
	if !ok {
		layout = dsp.SpeakerLayout{AutoMode: true}
	}
	remapper, err := dsp.NewRemapper(layout, inCh, outCh)
	if err != nil {
		return err
	}
	resampler, err := dsp.NewResampler(inFormat.SampleRate, out.SampleRate, outCh)
	if err != nil {
		return err
	}
	eq, err := dsp.NewEqualizer(out.SampleRate, outCh, p.eqGains, p.eqNorm)
	if err != nil {
		return err
	}
	dc, err := dsp.NewDCFilter(p.cfg.DCCutoffHz, out.SampleRate, outCh)
	if err != nil {
		return err
	}

	// The first build is initialization, not a reconfiguration.
	if p.chain != nil {
		p.reconfigs.Add(1)
	}
	p.chain = &chain{
		inputFormat: inFormat,
		remapper:    remapper,
		resampler:   resampler,
		eq:          eq,
		dc:          dc,
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Processor.rebuildChain",
		"instance_id":  p.cfg.InstanceID,
		"input_format": inFormat.String(),
		"output":       out.String(),
	}).Info("Processing chain rebuilt")
	return nil
}

// accumulate gathers processed samples and emits full chunks.
func (p *Processor) accumulate(samples []int32) {
	p.accum = append(p.accum, samples...)
	out := p.cfg.OutputFormat
	chunkSamples := out.ChunkFrames() * int(out.Channels)

	for len(p.accum) >= chunkSamples {
		data := make([]int32, chunkSamples)
		copy(data, p.accum[:chunkSamples])
		p.accum = p.accum[chunkSamples:]

		chunk := &packet.Chunk{
			InstanceID: p.cfg.InstanceID,
			Format:     out,
			PlayoutRTP: p.playoutRTP,
			ProducedAt: time.Now(),
			Data:       data,
		}
		p.playoutRTP += uint32(out.ChunkFrames())

		p.sinksMu.Lock()
		for _, r := range p.sinks {
			r.Push(chunk)
		}
		p.sinksMu.Unlock()
		p.chunks.Add(1)
	}
}

// Snapshot returns the processor's counters.
func (p *Processor) Snapshot() Stats {
	var overflow uint64
	p.sinksMu.Lock()
	for _, r := range p.sinks {
		overflow += r.Dropped()
	}
	p.sinksMu.Unlock()

	rate := 1.0
	if p.tsc != nil {
		rate = p.tsc.PlaybackRate(p.cfg.SourceTag)
	}
	return Stats{
		InstanceID:       p.cfg.InstanceID,
		SourceTag:        p.cfg.SourceTag,
		State:            p.State().String(),
		PacketsProcessed: p.packets.Load(),
		DiscardedPackets: p.discarded.Load(),
		Reconfigurations: p.reconfigs.Load(),
		ChunksEmitted:    p.chunks.Load(),
		RingOverflows:    overflow,
		Volume:           p.volume.Target(),
		PlaybackRate:     rate,
		SyncTrimPPM:      p.SyncTrim(),
	}
}
