// Package audiorouter is a real-time network audio router: it ingests
// PCM streams from heterogeneous sources (Scream UDP, per-process tagged
// UDP, RTP with SAP discovery, system capture devices, plugin-injected
// streams), time-aligns them in a global timeshift buffer, runs a
// per-source DSP chain and delivers mixed audio to any number of sinks
// (Scream/RTP/RTP-Opus emitters, system playback, MP3 consumers and
// WebRTC listeners), with optional barrier-based playback alignment
// across sinks.
package audiorouter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/dsp"
	"github.com/opd-ai/audiorouter/sender"
	"github.com/opd-ai/audiorouter/timeshift"
	"github.com/opd-ai/audiorouter/timesync"
)

// MixerTuning holds the sink-mixer and MP3 tunables.
type MixerTuning struct {
	UnderrunHoldTimeout     time.Duration `yaml:"underrun_hold_timeout"`
	MaxReadyChunksPerSource int           `yaml:"max_ready_chunks_per_source"`
	MaxReadyQueueDuration   time.Duration `yaml:"max_ready_queue_duration"`
	MP3MaxQueue             int           `yaml:"mp3_max_queue"`
	MP3Bitrate              int           `yaml:"mp3_bitrate"`
}

// EngineSettings is the published engine configuration snapshot. Loops
// read a pointer at iteration boundaries; mutation always goes through
// SettingsStore.Publish with a fresh value.
type EngineSettings struct {
	Timeshift  timeshift.Config      `yaml:"timeshift"`
	Sync       timesync.ClockConfig  `yaml:"sync"`
	Mixer      MixerTuning           `yaml:"mixer_tuning"`
	Playback   sender.SystemConfig   `yaml:"playback"`
	Normalizer dsp.NormalizerConfig  `yaml:"normalizer"`

	// DCFilterCutoffHz is the source-chain DC blocker corner.
	DCFilterCutoffHz float64 `yaml:"dc_filter_cutoff_hz"`
	// VolumeSmoothing is the per-frame volume smoothing alpha.
	VolumeSmoothing float64 `yaml:"volume_smoothing"`
	// DitherShaping is copied into each source processor's config, where
	// nothing reads it; the sink mixer dithers with a fixed shaping factor
	// of 0.5, so this value does not change the output.
	DitherShaping float64 `yaml:"dither_shaping"`
	// ChunkRingSize is the per-route chunk lane capacity.
	ChunkRingSize int `yaml:"chunk_ring_size"`
}

// DefaultEngineSettings returns the production defaults for every
// tunable.
func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		Timeshift:  timeshift.DefaultConfig(),
		Sync:       timesync.DefaultClockConfig(),
		Mixer: MixerTuning{
			UnderrunHoldTimeout:     150 * time.Millisecond,
			MaxReadyChunksPerSource: 8,
			MaxReadyQueueDuration:   200 * time.Millisecond,
			MP3MaxQueue:             64,
			MP3Bitrate:              320,
		},
		Playback:         sender.DefaultSystemConfig(),
		Normalizer:       dsp.DefaultNormalizerConfig(),
		DCFilterCutoffHz: 7.5,
		VolumeSmoothing:  0.002,
		DitherShaping:    0.5,
		ChunkRingSize:    32,
	}
}

// SettingsStore publishes immutable settings snapshots. Subscribers get
// a non-blocking nudge on every publish and re-read the pointer at their
// next loop boundary.
type SettingsStore struct {
	current atomic.Pointer[EngineSettings]

	mu   sync.Mutex
	subs []chan struct{}
}

// NewSettingsStore creates a store seeded with initial.
func NewSettingsStore(initial EngineSettings) *SettingsStore {
	s := &SettingsStore{}
	s.current.Store(&initial)
	return s
}

// Load returns the current snapshot pointer. Callers must not mutate the
// returned value.
func (s *SettingsStore) Load() *EngineSettings {
	return s.current.Load()
}

// Publish installs a new snapshot and nudges every subscriber.
func (s *SettingsStore) Publish(next EngineSettings) {
	s.current.Store(&next)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":    "SettingsStore.Publish",
		"subscribers": len(s.subs),
	}).Debug("Engine settings published")
}

// Subscribe returns a channel that receives one nudge per publish.
func (s *SettingsStore) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
	return ch
}
