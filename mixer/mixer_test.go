package mixer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/audiorouter/packet"
	"github.com/opd-ai/audiorouter/ring"
)

// captureEmitter records every frame it receives.
type captureEmitter struct {
	mu     sync.Mutex
	frames []*Frame
	setups int
	closed bool
	fail   bool
}

func (c *captureEmitter) Setup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setups++
	return nil
}

func (c *captureEmitter) SendChunk(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return assert.AnError
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureEmitter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func stereoFormat() packet.Format {
	return packet.Format{SampleRate: 48000, BitDepth: 16, Channels: 2}
}

func testMixerConfig() Config {
	return Config{
		SinkID:              "sink-1",
		OutputFormat:        stereoFormat(),
		UnderrunHoldTimeout: 50 * time.Millisecond,
		PollTimeout:         2 * time.Millisecond,
	}
}

func constantChunk(f packet.Format, instanceID string, value int32, rtp uint32) *packet.Chunk {
	data := make([]int32, f.ChunkFrames()*int(f.Channels))
	for i := range data {
		data[i] = value
	}
	return &packet.Chunk{
		InstanceID: instanceID,
		Format:     f,
		PlayoutRTP: rtp,
		ProducedAt: time.Now(),
		Data:       data,
	}
}

func TestNewMixerValidation(t *testing.T) {
	_, err := NewMixer(Config{OutputFormat: stereoFormat()})
	assert.Error(t, err, "missing sink id")

	cfg := testMixerConfig()
	cfg.OutputFormat.Channels = 0
	_, err = NewMixer(cfg)
	assert.Error(t, err)
}

func TestMixerSingleLanePassThrough(t *testing.T) {
	m, err := NewMixer(testMixerConfig())
	require.NoError(t, err)
	cap1 := &captureEmitter{}
	require.NoError(t, m.AddSender("loopback", cap1))

	in := ring.NewChunkRing(16)
	m.AddInputRing("sip-1", in)
	require.NoError(t, m.Start())
	defer m.Stop()

	f := stereoFormat()
	for i := 0; i < 4; i++ {
		in.Push(constantChunk(f, "sip-1", 1<<20, uint32(i*576)))
	}

	require.Eventually(t, func() bool { return cap1.count() >= 4 }, time.Second, 2*time.Millisecond)

	cap1.mu.Lock()
	defer cap1.mu.Unlock()
	first := cap1.frames[0]
	assert.Equal(t, int32(1<<20), first.PCM32[0])
	assert.Len(t, first.Bytes, f.ChunkBytes(), "bytes must match the sink's declared bit depth")
	assert.Equal(t, first.PlayoutRTP+576, cap1.frames[1].PlayoutRTP)
}

func TestMixerSumsAndSaturates(t *testing.T) {
	m, err := NewMixer(testMixerConfig())
	require.NoError(t, err)
	cap1 := &captureEmitter{}
	require.NoError(t, m.AddSender("loopback", cap1))

	a := ring.NewChunkRing(16)
	b := ring.NewChunkRing(16)
	m.AddInputRing("sip-a", a)
	m.AddInputRing("sip-b", b)
	require.NoError(t, m.Start())
	defer m.Stop()

	f := stereoFormat()
	a.Push(constantChunk(f, "sip-a", 2000000000, 0))
	b.Push(constantChunk(f, "sip-b", 2000000000, 0))

	require.Eventually(t, func() bool { return cap1.count() >= 1 }, time.Second, 2*time.Millisecond)
	cap1.mu.Lock()
	defer cap1.mu.Unlock()
	assert.Equal(t, int32(2147483647), cap1.frames[0].PCM32[0],
		"the two lanes must sum with saturation")
}

func TestMixerLaneUnderrunCountsAfterHold(t *testing.T) {
	m, err := NewMixer(testMixerConfig())
	require.NoError(t, err)
	cap1 := &captureEmitter{}
	require.NoError(t, m.AddSender("loopback", cap1))

	a := ring.NewChunkRing(64)
	b := ring.NewChunkRing(64)
	m.AddInputRing("sip-a", a)
	m.AddInputRing("sip-b", b)
	require.NoError(t, m.Start())
	defer m.Stop()

	f := stereoFormat()
	// Both lanes feed, then b stops while a keeps going.
	for i := 0; i < 3; i++ {
		a.Push(constantChunk(f, "sip-a", 1000, uint32(i*576)))
		b.Push(constantChunk(f, "sip-b", 1000, uint32(i*576)))
	}
	require.Eventually(t, func() bool { return cap1.count() >= 3 }, time.Second, 2*time.Millisecond)

	laneUnderruns := func(id string) uint64 {
		for _, l := range m.Snapshot().Lanes {
			if l.InstanceID == id {
				return l.Underruns
			}
		}
		return 0
	}
	require.Equal(t, uint64(0), laneUnderruns("sip-b"))

	// Within the hold window the mixer waits for b rather than counting
	// underruns against it.
	deadline := time.Now().Add(400 * time.Millisecond)
	i := 3
	for time.Now().Before(deadline) {
		a.Push(constantChunk(f, "sip-a", 1000, uint32(i*576)))
		i++
		time.Sleep(12 * time.Millisecond)
	}

	assert.Greater(t, laneUnderruns("sip-b"), uint64(0),
		"a silent lane must start counting underruns after the hold timeout")
	assert.Greater(t, cap1.count(), 5,
		"the healthy lane must keep flowing after the stalled lane is held")
}

func TestMixerEmitsSilenceWhenAllLanesStarve(t *testing.T) {
	cfg := testMixerConfig()
	cfg.UnderrunHoldTimeout = 30 * time.Millisecond
	m, err := NewMixer(cfg)
	require.NoError(t, err)
	cap1 := &captureEmitter{}
	require.NoError(t, m.AddSender("loopback", cap1))

	in := ring.NewChunkRing(8)
	m.AddInputRing("sip-1", in)
	require.NoError(t, m.Start())
	defer m.Stop()

	in.Push(constantChunk(stereoFormat(), "sip-1", 500, 0))
	require.Eventually(t, func() bool { return cap1.count() >= 1 }, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.Snapshot().BufferUnderruns > 0 && cap1.count() >= 2
	}, time.Second, 5*time.Millisecond, "silence must flow after the hold timeout")

	cap1.mu.Lock()
	defer cap1.mu.Unlock()
	last := cap1.frames[len(cap1.frames)-1]
	for _, s := range last.PCM32[:32] {
		assert.LessOrEqual(t, abs32(s), int32(1<<16), "underrun frames are silent")
	}
}

func TestMixerSenderErrorDoesNotStall(t *testing.T) {
	m, err := NewMixer(testMixerConfig())
	require.NoError(t, err)
	bad := &captureEmitter{fail: true}
	good := &captureEmitter{}
	require.NoError(t, m.AddSender("bad", bad))
	require.NoError(t, m.AddSender("good", good))

	in := ring.NewChunkRing(16)
	m.AddInputRing("sip-1", in)
	require.NoError(t, m.Start())
	defer m.Stop()

	for i := 0; i < 3; i++ {
		in.Push(constantChunk(stereoFormat(), "sip-1", 100, uint32(i*576)))
	}
	require.Eventually(t, func() bool { return good.count() >= 3 }, time.Second, 2*time.Millisecond)
	assert.GreaterOrEqual(t, m.Snapshot().SenderErrors, uint64(3))
}

func TestMixerListenersReceiveSameFrames(t *testing.T) {
	m, err := NewMixer(testMixerConfig())
	require.NoError(t, err)
	snd := &captureEmitter{}
	lst := &captureEmitter{}
	require.NoError(t, m.AddSender("s", snd))
	require.NoError(t, m.AddListener("peer-1", lst))

	in := ring.NewChunkRing(16)
	m.AddInputRing("sip-1", in)
	require.NoError(t, m.Start())

	in.Push(constantChunk(stereoFormat(), "sip-1", 42, 0))
	require.Eventually(t, func() bool {
		return snd.count() >= 1 && lst.count() >= 1
	}, time.Second, 2*time.Millisecond)

	m.RemoveListener("peer-1")
	assert.True(t, lst.closed)

	m.Stop()
	assert.True(t, snd.closed, "stop must close remaining senders")
}

func TestMixerConnectDisconnectRestoresLaneSet(t *testing.T) {
	m, err := NewMixer(testMixerConfig())
	require.NoError(t, err)

	before := len(m.Snapshot().Lanes)
	r := ring.NewChunkRing(4)
	m.AddInputRing("sip-x", r)
	assert.Len(t, m.Snapshot().Lanes, before+1)
	m.RemoveInputRing("sip-x")
	assert.Len(t, m.Snapshot().Lanes, before)
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
