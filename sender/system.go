package sender

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/device"
	"github.com/opd-ai/audiorouter/mixer"
	"github.com/opd-ai/audiorouter/packet"
)

// SystemConfig tunes the hardware playback path.
type SystemConfig struct {
	// TargetLatency is the initial buffer size expressed as duration.
	TargetLatency time.Duration `yaml:"target_latency"`
	// MinLatency and MaxLatency bound the underrun-recovery adaptor.
	MinLatency time.Duration `yaml:"min_latency"`
	MaxLatency time.Duration `yaml:"max_latency"`
	// ShrinkAfter is how long playback must run clean before the adaptor
	// steps the latency back down.
	ShrinkAfter time.Duration `yaml:"shrink_after"`
}

// DefaultSystemConfig returns conservative desktop defaults.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		TargetLatency: 40 * time.Millisecond,
		MinLatency:    20 * time.Millisecond,
		MaxLatency:    200 * time.Millisecond,
		ShrinkAfter:   30 * time.Second,
	}
}

// SystemSender plays mixed frames on a hardware endpoint through
// PortAudio. Underruns widen the period size within the configured
// window; sustained clean playback narrows it back, with hysteresis so
// the adaptor never oscillates.
type SystemSender struct {
	cfg    SystemConfig
	format packet.Format

	queue  chan []int16
	stopCh chan struct{}
	wg     sync.WaitGroup

	latency   time.Duration
	lastClean time.Time

	underruns atomic.Uint64
	played    atomic.Uint64
	dropped   atomic.Uint64

	acquired bool
}

// NewSystemSender creates a playback sender for the sink format.
func NewSystemSender(cfg SystemConfig, format packet.Format) (*SystemSender, error) {
	def := DefaultSystemConfig()
	if cfg.TargetLatency <= 0 {
		cfg.TargetLatency = def.TargetLatency
	}
	if cfg.MinLatency <= 0 {
		cfg.MinLatency = def.MinLatency
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = def.MaxLatency
	}
	if cfg.ShrinkAfter <= 0 {
		cfg.ShrinkAfter = def.ShrinkAfter
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid playback format: %w", err)
	}
	return &SystemSender{
		cfg:     cfg,
		format:  format,
		queue:   make(chan []int16, 32),
		latency: cfg.TargetLatency,
	}, nil
}

// Setup acquires PortAudio and starts the playback thread.
func (s *SystemSender) Setup() error {
	if err := device.Acquire(); err != nil {
		return err
	}
	s.acquired = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.playLoop()
	logrus.WithFields(logrus.Fields{
		"function": "SystemSender.Setup",
		"format":   s.format.String(),
		"latency":  s.latency,
	}).Info("System playback sender started")
	return nil
}

// SendChunk queues the frame for the playback thread; a full queue drops
// the frame rather than blocking the mixer.
func (s *SystemSender) SendChunk(f *mixer.Frame) error {
	pcm := make([]int16, len(f.PCM32))
	for i, v := range f.PCM32 {
		pcm[i] = int16(v >> 16)
	}
	select {
	case s.queue <- pcm:
		return nil
	default:
		s.dropped.Add(1)
		return errors.New("playback queue full")
	}
}

// Close stops the playback thread and releases the device.
func (s *SystemSender) Close() error {
	if s.stopCh != nil {
		close(s.stopCh)
		s.wg.Wait()
		s.stopCh = nil
	}
	if s.acquired {
		device.Release()
		s.acquired = false
	}
	return nil
}

// Underruns returns the cumulative underrun count.
func (s *SystemSender) Underruns() uint64 { return s.underruns.Load() }

// framesForLatency converts the current latency target to a period size.
func (s *SystemSender) framesForLatency() int {
	frames := int(float64(s.format.SampleRate) * s.latency.Seconds())
	if frames < 64 {
		frames = 64
	}
	return frames
}

// playLoop owns the PortAudio stream, reopening it whenever the latency
// adaptor changes the period size.
func (s *SystemSender) playLoop() {
	defer s.wg.Done()

	channels := int(s.format.Channels)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		frames := s.framesForLatency()
		buf := make([]int16, frames*channels)
		stream, err := portaudio.OpenDefaultStream(0, channels, float64(s.format.SampleRate), frames, buf)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SystemSender.playLoop",
				"error":    err.Error(),
			}).Error("Playback device open failed; retrying")
			select {
			case <-s.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := stream.Start(); err != nil {
			stream.Close()
			continue
		}
		s.lastClean = time.Now()

		reopen := s.writeUntilReopen(stream, buf, frames, channels)
		stream.Stop()
		stream.Close()
		if !reopen {
			return
		}
	}
}

// writeUntilReopen feeds the stream until shutdown or until the latency
// adaptor asks for a different period size. Returns true to reopen.
func (s *SystemSender) writeUntilReopen(stream *portaudio.Stream, buf []int16, frames, channels int) bool {
	fill := 0
	for {
		select {
		case <-s.stopCh:
			return false
		case pcm := <-s.queue:
			for len(pcm) > 0 {
				n := copy(buf[fill:], pcm)
				fill += n
				pcm = pcm[n:]
				if fill < len(buf) {
					continue
				}
				fill = 0
				if err := stream.Write(); err != nil {
					if errors.Is(err, portaudio.OutputUnderflowed) {
						s.underruns.Add(1)
						if grown := s.growLatency(); grown {
							return true
						}
						continue
					}
					logrus.WithFields(logrus.Fields{
						"function": "SystemSender.write",
						"error":    err.Error(),
					}).Warn("Playback write failed")
					return true
				}
				s.played.Add(uint64(frames))
				if s.latency > s.cfg.MinLatency && time.Since(s.lastClean) > s.cfg.ShrinkAfter {
					s.latency = s.latency * 3 / 4
					if s.latency < s.cfg.MinLatency {
						s.latency = s.cfg.MinLatency
					}
					s.lastClean = time.Now()
					return true
				}
			}
		case <-time.After(100 * time.Millisecond):
			// Idle: check whether a long clean run lets us narrow the
			// buffer again.
			if s.latency > s.cfg.MinLatency && time.Since(s.lastClean) > s.cfg.ShrinkAfter {
				s.latency = s.latency * 3 / 4
				if s.latency < s.cfg.MinLatency {
					s.latency = s.cfg.MinLatency
				}
				s.lastClean = time.Now()
				return true
			}
		}
	}
}

// growLatency widens the period after an underrun. Returns true when the
// size actually changed and the stream must reopen.
func (s *SystemSender) growLatency() bool {
	if s.latency >= s.cfg.MaxLatency {
		return false
	}
	s.latency = s.latency * 3 / 2
	if s.latency > s.cfg.MaxLatency {
		s.latency = s.cfg.MaxLatency
	}
	s.lastClean = time.Now()
	logrus.WithFields(logrus.Fields{
		"function": "SystemSender.growLatency",
		"latency":  s.latency,
	}).Info("Playback underrun; period widened")
	return true
}
