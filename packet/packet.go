// Package packet defines the fundamental data units moved by the audio
// engine: the tagged audio packet produced by receivers and the processed
// audio chunk produced by source input processors.
//
// A tagged packet carries variable-format interleaved PCM together with
// the identity of the stream it belongs to and the format metadata needed
// to interpret the payload. Format fields may change between consecutive
// packets of the same stream; downstream consumers must compare formats
// and reconfigure when they differ.
package packet

import (
	"fmt"
	"time"
)

// ScreamPayloadSize is the fixed PCM payload size of a Scream datagram.
const ScreamPayloadSize = 1152

// Kind distinguishes packet variants travelling through the same lanes.
type Kind uint8

const (
	// KindAudio is a regular PCM payload packet.
	KindAudio Kind = iota
	// KindReconfig is a synthetic marker injected by the timeshift
	// dispatcher when a stream's format changed mid-flight. It carries the
	// new format fields and no payload.
	KindReconfig
)

// Format describes the PCM layout of a packet or a sink output.
type Format struct {
	SampleRate uint32 `yaml:"sample_rate"`
	BitDepth   uint8  `yaml:"bit_depth"`
	Channels   uint8  `yaml:"channels"`
	ChLayout1  byte   `yaml:"chlayout1"`
	ChLayout2  byte   `yaml:"chlayout2"`
}

// Validate checks that the format is one the engine can process.
//
// Returns:
//   - error: Description of the first invalid field, or nil
func (f Format) Validate() error {
	switch f.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth: %d", f.BitDepth)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("unsupported channel count: %d", f.Channels)
	}
	if f.SampleRate == 0 {
		return fmt.Errorf("sample rate cannot be zero")
	}
	return nil
}

// Equal reports whether two formats match in every field that affects
// payload interpretation. Channel layout bytes are included because they
// change the speaker mapping even when the count is identical.
func (f Format) Equal(o Format) bool {
	return f.SampleRate == o.SampleRate &&
		f.BitDepth == o.BitDepth &&
		f.Channels == o.Channels &&
		f.ChLayout1 == o.ChLayout1 &&
		f.ChLayout2 == o.ChLayout2
}

// BytesPerFrame returns the byte width of one interleaved frame.
func (f Format) BytesPerFrame() int {
	return int(f.Channels) * int(f.BitDepth) / 8
}

// FramesPerScreamPacket returns how many frames fit into the fixed
// Scream payload for this format.
func (f Format) FramesPerScreamPacket() int {
	bpf := f.BytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return ScreamPayloadSize / bpf
}

// PacketDuration returns the nominal wall-clock duration of one Scream
// payload in this format. Used by the jitter estimator as the expected
// inter-arrival interval.
func (f Format) PacketDuration() time.Duration {
	frames := f.FramesPerScreamPacket()
	if frames == 0 || f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// ChunkFrames returns the frame count of one processed chunk at this
// format. Every format uses 576 frames, the frame count of 1152 bytes of
// mono 16-bit audio, so a chunk's byte size grows with channels and bit
// depth while its duration depends only on the sample rate.
func (f Format) ChunkFrames() int {
	return ScreamPayloadSize / 2 // 576 frames regardless of channels
}

// ChunkBytes returns the byte size of one processed chunk after the
// mixer converts it to this format's bit depth.
func (f Format) ChunkBytes() int {
	return f.ChunkFrames() * f.BytesPerFrame()
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch[%02x%02x]",
		f.SampleRate, f.BitDepth, f.Channels, f.ChLayout1, f.ChLayout2)
}

// Tagged is a tagged audio packet: the unit that receivers push into the
// timeshift buffer and that source input processors consume.
type Tagged struct {
	// Kind distinguishes audio payloads from synthetic reconfig markers.
	Kind Kind

	// SourceTag identifies the originating stream; typically "ip" or
	// "ip:processname". Tags are opaque to the engine.
	SourceTag string

	// ReceivedAt is the arrival timestamp from the monotonic clock.
	ReceivedAt time.Time

	// Format of the payload at arrival time.
	Format Format

	// RTPTimestamp is the sender's media clock when present; used for
	// continuity and ordering within one source. HasRTP reports whether
	// the field is meaningful.
	RTPTimestamp uint32
	HasRTP       bool

	// Seq is assigned by the timeshift buffer writer; zero until then.
	Seq uint64

	// Payload is interleaved PCM in the declared format. Nil for
	// KindReconfig packets.
	Payload []byte
}

// Frames returns the number of complete frames in the payload, or an
// error when the payload is not frame-aligned.
func (p *Tagged) Frames() (int, error) {
	bpf := p.Format.BytesPerFrame()
	if bpf == 0 {
		return 0, fmt.Errorf("format has zero frame width: %s", p.Format)
	}
	if len(p.Payload)%bpf != 0 {
		return 0, fmt.Errorf("payload size %d not a multiple of frame width %d", len(p.Payload), bpf)
	}
	return len(p.Payload) / bpf, nil
}

// Clone returns a deep copy. The timeshift buffer hands copies to each
// cursor's downstream ring so processors never share payload slices.
func (p *Tagged) Clone() *Tagged {
	c := *p
	if p.Payload != nil {
		c.Payload = make([]byte, len(p.Payload))
		copy(c.Payload, p.Payload)
	}
	return &c
}
