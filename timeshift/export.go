package timeshift

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/packet"
)

// Export is a raw PCM extraction of a stream's retained history plus the
// metadata a caller needs to interpret it.
type Export struct {
	PCM             []byte
	SampleRate      uint32
	Channels        uint8
	BitDepth        uint8
	ChunkSizeBytes  int
	Duration        time.Duration
	EarliestAge     time.Duration
	LatestAge       time.Duration
	LookbackRequest time.Duration
}

// ExportBuffer concatenates the retained payloads for a source tag over
// the lookback window. Only packets matching the newest retained format
// are included so the blob stays homogeneous.
//
// Returns:
//   - *Export: The extracted PCM and metadata
//   - error: When no packets for the tag are retained in the window
func (m *Manager) ExportBuffer(sourceTag string, lookback time.Duration) (*Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeProvider.Now()
	pkts := m.buffer.CollectSince(sourceTag, now, lookback)
	if len(pkts) == 0 {
		return nil, fmt.Errorf("no retained packets for source %q within %s", sourceTag, lookback)
	}

	format := pkts[len(pkts)-1].Format
	var pcm []byte
	var earliest, latest time.Time
	for _, p := range pkts {
		if !p.Format.Equal(format) {
			// Format changed inside the window: restart the blob at the
			// change and skip this packet so the export is uniform.
			pcm = pcm[:0]
			earliest = time.Time{}
			continue
		}
		if earliest.IsZero() {
			earliest = p.ReceivedAt
		}
		latest = p.ReceivedAt
		pcm = append(pcm, p.Payload...)
	}

	bpf := format.BytesPerFrame()
	frames := 0
	if bpf > 0 {
		frames = len(pcm) / bpf
	}
	duration := time.Duration(0)
	if format.SampleRate > 0 {
		duration = time.Duration(frames) * time.Second / time.Duration(format.SampleRate)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.ExportBuffer",
		"source_tag": sourceTag,
		"lookback":   lookback,
		"bytes":      len(pcm),
		"duration":   duration,
	}).Debug("Timeshift buffer exported")

	return &Export{
		PCM:             pcm,
		SampleRate:      format.SampleRate,
		Channels:        format.Channels,
		BitDepth:        format.BitDepth,
		ChunkSizeBytes:  packet.ScreamPayloadSize,
		Duration:        duration,
		EarliestAge:     now.Sub(earliest),
		LatestAge:       now.Sub(latest),
		LookbackRequest: lookback,
	}, nil
}
