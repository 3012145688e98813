package source

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/audiorouter/dsp"
	"github.com/opd-ai/audiorouter/packet"
	"github.com/opd-ai/audiorouter/ring"
)

// fakeTimeshift records cursor updates and serves a fixed playback rate.
type fakeTimeshift struct {
	mu     sync.Mutex
	delays []time.Duration
	shifts []time.Duration
	rate   float64
}

func (f *fakeTimeshift) UpdateProcessorDelay(_ string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	return nil
}

func (f *fakeTimeshift) UpdateProcessorTimeshift(_ string, ts time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shifts = append(f.shifts, ts)
	return nil
}

func (f *fakeTimeshift) PlaybackRate(string) float64 {
	if f.rate == 0 {
		return 1
	}
	return f.rate
}

func testFormat() packet.Format {
	return packet.Format{SampleRate: 48000, BitDepth: 16, Channels: 2, ChLayout1: 0, ChLayout2: 3}
}

func testConfig() Config {
	return Config{
		InstanceID:   "sip-1",
		SourceTag:    "10.0.0.5",
		OutputFormat: testFormat(),
		Volume:       1.0,
		PollTimeout:  5 * time.Millisecond,
	}
}

// sinePacket fills a packet with a Nyquist-rate square wave: the sign
// alternates every frame so the DC filter leaves the level intact.
func sinePacket(f packet.Format, value int16) *packet.Tagged {
	payload := make([]byte, packet.ScreamPayloadSize)
	bpf := f.BytesPerFrame()
	for i := 0; i < len(payload); i += 2 {
		v := value
		if (i/bpf)%2 == 1 {
			v = -value
		}
		binary.LittleEndian.PutUint16(payload[i:], uint16(v))
	}
	return &packet.Tagged{
		SourceTag:  "10.0.0.5",
		ReceivedAt: time.Now(),
		Format:     f,
		Payload:    payload,
	}
}

func drainChunks(r *ring.ChunkRing, timeout time.Duration, want int) []*packet.Chunk {
	var out []*packet.Chunk
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && len(out) < want {
		if c := r.Pop(5 * time.Millisecond); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func TestNewProcessorValidation(t *testing.T) {
	cfg := testConfig()
	cfg.InstanceID = ""
	_, err := NewProcessor(cfg, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Volume = 1.5
	_, err = NewProcessor(cfg, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.OutputFormat.BitDepth = 20
	_, err = NewProcessor(cfg, nil)
	assert.Error(t, err)
}

func TestProcessorPassThrough(t *testing.T) {
	p, err := NewProcessor(testConfig(), &fakeTimeshift{})
	require.NoError(t, err)
	out := ring.NewChunkRing(64)
	p.AttachSink("sink-1", out)
	require.NoError(t, p.Start())
	defer p.Stop()

	// 4 packets of 288 stereo frames = 1152 frames = exactly 2 chunks.
	for i := 0; i < 4; i++ {
		p.InputRing().Push(sinePacket(testFormat(), 1000))
	}

	chunks := drainChunks(out, time.Second, 2)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, "sip-1", c.InstanceID)
		assert.Equal(t, 576, c.Frames())
		assert.True(t, c.Format.Equal(testFormat()))
	}
	// Unity chain: sample magnitude survives at the full-scale-widened
	// level (the square wave flips sign frame to frame).
	want := int32(1000) << 16
	for _, s := range chunks[0].Data[100:200] {
		assert.InDelta(t, float64(want), float64(abs32(s)), float64(want)*0.05)
	}
	// Playout timestamps advance by exactly one chunk of frames.
	assert.Equal(t, chunks[0].PlayoutRTP+576, chunks[1].PlayoutRTP)
}

func TestProcessorCountsReconfiguration(t *testing.T) {
	p, err := NewProcessor(testConfig(), &fakeTimeshift{})
	require.NoError(t, err)
	out := ring.NewChunkRing(256)
	p.AttachSink("sink-1", out)
	require.NoError(t, p.Start())
	defer p.Stop()

	f44 := testFormat()
	f44.SampleRate = 44100
	for i := 0; i < 10; i++ {
		p.InputRing().Push(sinePacket(f44, 100))
	}
	for i := 0; i < 10; i++ {
		p.InputRing().Push(sinePacket(testFormat(), 100))
	}

	require.Eventually(t, func() bool {
		return p.Snapshot().PacketsProcessed == 20
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(1), p.Snapshot().Reconfigurations,
		"one format change must count exactly one reconfiguration")
	assert.Equal(t, StateStreaming, p.State())
}

func TestProcessorDiscardsMalformedPayload(t *testing.T) {
	p, err := NewProcessor(testConfig(), &fakeTimeshift{})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	bad := sinePacket(testFormat(), 0)
	bad.Payload = bad.Payload[:packet.ScreamPayloadSize-1]
	p.InputRing().Push(bad)

	require.Eventually(t, func() bool {
		return p.Snapshot().DiscardedPackets == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), p.Snapshot().PacketsProcessed)
}

func TestProcessorForwardsDelayAndTimeshift(t *testing.T) {
	fake := &fakeTimeshift{}
	p, err := NewProcessor(testConfig(), fake)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	require.True(t, p.Enqueue(Command{Type: CmdSetDelay, Duration: 100 * time.Millisecond}))
	require.True(t, p.Enqueue(Command{Type: CmdSetTimeshift, Duration: -2 * time.Second}))

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.delays) == 1 && len(fake.shifts) == 1
	}, time.Second, 5*time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 100*time.Millisecond, fake.delays[0])
	assert.Equal(t, -2*time.Second, fake.shifts[0])
}

func TestProcessorVolumeCommandScalesOutput(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeSmoothing = 0.5 // converge fast for the test
	p, err := NewProcessor(cfg, &fakeTimeshift{})
	require.NoError(t, err)
	out := ring.NewChunkRing(256)
	p.AttachSink("sink-1", out)
	require.NoError(t, p.Start())
	defer p.Stop()

	require.True(t, p.Enqueue(Command{Type: CmdSetVolume, Float: 0.0}))
	for i := 0; i < 8; i++ {
		p.InputRing().Push(sinePacket(testFormat(), 10000))
	}

	chunks := drainChunks(out, time.Second, 4)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	for _, s := range last.Data[len(last.Data)-64:] {
		assert.LessOrEqual(t, abs32(s), int32(1)<<18,
			"volume 0 must silence the tail of the stream")
	}
}

func TestProcessorSyncTrimComposesWithRate(t *testing.T) {
	p, err := NewProcessor(testConfig(), &fakeTimeshift{rate: 1.0001})
	require.NoError(t, err)
	p.SetSyncTrim(50)
	assert.InDelta(t, 50, p.SyncTrim(), 0.001)

	// The composed trim is visible on the chain after a packet flows.
	out := ring.NewChunkRing(16)
	p.AttachSink("sink-1", out)
	require.NoError(t, p.Start())
	defer p.Stop()
	p.InputRing().Push(sinePacket(testFormat(), 1))

	require.Eventually(t, func() bool {
		return p.Snapshot().PacketsProcessed == 1
	}, time.Second, 5*time.Millisecond)
	// rate 1.0001 → 100 ppm, plus 50 ppm coordinator trim.
	assert.InDelta(t, 150, p.chain.resampler.RateTrim(), 0.5)
}

func TestProcessorDetachSinkStopsDelivery(t *testing.T) {
	p, err := NewProcessor(testConfig(), &fakeTimeshift{})
	require.NoError(t, err)
	out := ring.NewChunkRing(64)
	p.AttachSink("sink-1", out)
	require.NoError(t, p.Start())
	defer p.Stop()

	for i := 0; i < 2; i++ {
		p.InputRing().Push(sinePacket(testFormat(), 5))
	}
	require.NotEmpty(t, drainChunks(out, time.Second, 1))

	p.DetachSink("sink-1")
	before := out.Pushed()
	for i := 0; i < 4; i++ {
		p.InputRing().Push(sinePacket(testFormat(), 5))
	}
	require.Eventually(t, func() bool {
		return p.Snapshot().PacketsProcessed >= 6
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, before, out.Pushed(), "detached ring must receive nothing")
}

func TestProcessorStopIsTerminal(t *testing.T) {
	p, err := NewProcessor(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	p.Stop()
	assert.Equal(t, StateStopped, p.State())
	assert.ErrorIs(t, p.Start(), ErrStopped)
	assert.False(t, p.Enqueue(Command{Type: CmdSetVolume, Float: 0.5}))
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
