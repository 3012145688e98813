package packet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		wantErr bool
	}{
		{"standard stereo", Format{SampleRate: 48000, BitDepth: 16, Channels: 2}, false},
		{"surround 24 bit", Format{SampleRate: 44100, BitDepth: 24, Channels: 6}, false},
		{"eight channel 32 bit", Format{SampleRate: 96000, BitDepth: 32, Channels: 8}, false},
		{"zero rate", Format{SampleRate: 0, BitDepth: 16, Channels: 2}, true},
		{"odd bit depth", Format{SampleRate: 48000, BitDepth: 20, Channels: 2}, true},
		{"too many channels", Format{SampleRate: 48000, BitDepth: 16, Channels: 9}, true},
		{"zero channels", Format{SampleRate: 48000, BitDepth: 16, Channels: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScreamRateRoundTrip(t *testing.T) {
	for _, rate := range []uint32{44100, 48000, 88200, 96000, 176400, 192000} {
		code, err := EncodeScreamRate(rate)
		require.NoError(t, err, "rate %d", rate)
		decoded, err := DecodeScreamRate(code)
		require.NoError(t, err)
		assert.Equal(t, rate, decoded)
	}
}

func TestScreamRateRejectsNonMultiples(t *testing.T) {
	_, err := EncodeScreamRate(22050)
	assert.Error(t, err)
	_, err = EncodeScreamRate(8000)
	assert.Error(t, err)
}

func TestScreamHeaderRoundTrip(t *testing.T) {
	f := Format{SampleRate: 48000, BitDepth: 16, Channels: 2, ChLayout1: 0x00, ChLayout2: 0x03}
	hdr, err := EncodeScreamHeader(f)
	require.NoError(t, err)

	datagram := append(hdr[:], make([]byte, ScreamPayloadSize)...)
	decoded, err := DecodeScreamHeader(datagram)
	require.NoError(t, err)
	assert.True(t, f.Equal(decoded))
}

func TestDecodeScreamHeaderTruncated(t *testing.T) {
	_, err := DecodeScreamHeader([]byte{0x01, 0x10})
	assert.Error(t, err)
}

func TestFormatFraming(t *testing.T) {
	f := Format{SampleRate: 48000, BitDepth: 16, Channels: 2}
	assert.Equal(t, 4, f.BytesPerFrame())
	assert.Equal(t, 288, f.FramesPerScreamPacket())
	assert.Equal(t, 6*time.Millisecond, f.PacketDuration())

	f24 := Format{SampleRate: 48000, BitDepth: 24, Channels: 8}
	assert.Equal(t, 24, f24.BytesPerFrame())
	assert.Equal(t, 48, f24.FramesPerScreamPacket())
}

func TestTaggedFrames(t *testing.T) {
	p := &Tagged{
		SourceTag: "10.0.0.5",
		Format:    Format{SampleRate: 48000, BitDepth: 16, Channels: 2},
		Payload:   make([]byte, ScreamPayloadSize),
	}
	frames, err := p.Frames()
	require.NoError(t, err)
	assert.Equal(t, 288, frames)

	p.Payload = p.Payload[:ScreamPayloadSize-1]
	_, err = p.Frames()
	assert.Error(t, err, "misaligned payload must be rejected")
}

func TestTaggedClone(t *testing.T) {
	p := &Tagged{
		SourceTag: "10.0.0.5",
		Format:    Format{SampleRate: 48000, BitDepth: 16, Channels: 2},
		Payload:   []byte{1, 2, 3, 4},
	}
	c := p.Clone()
	c.Payload[0] = 99
	assert.Equal(t, byte(1), p.Payload[0], "clone must not alias the payload")
}

func TestChunkAccounting(t *testing.T) {
	f := Format{SampleRate: 48000, BitDepth: 16, Channels: 2}
	c := &Chunk{
		Format: f,
		Data:   make([]int32, f.ChunkFrames()*int(f.Channels)),
	}
	assert.Equal(t, 576, c.Frames())
	assert.Equal(t, 12*time.Millisecond, c.Duration())
	assert.Equal(t, 2304, f.ChunkBytes())
}
