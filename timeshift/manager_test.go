package timeshift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/audiorouter/packet"
	"github.com/opd-ai/audiorouter/ring"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retention = 10 * time.Second
	cfg.LoopMaxSleep = 2 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestManagerStartStop(t *testing.T) {
	m := NewManager(testConfig(), nil)
	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
}

func TestManagerDeliversInOrder(t *testing.T) {
	m := NewManager(testConfig(), nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	out := ring.NewPacketRing(64)
	require.NoError(t, m.RegisterProcessor("sip-1", "10.0.0.5", 0, 0))
	require.NoError(t, m.AttachSinkRing("sip-1", "sink-1", out))

	now := time.Now()
	for i := 0; i < 10; i++ {
		p := mkPacket("10.0.0.5", now.Add(time.Duration(i)*time.Millisecond))
		p.Payload[0] = byte(i)
		require.True(t, m.AddPacket(p))
	}

	var got []*packet.Tagged
	require.True(t, waitFor(t, time.Second, func() bool {
		for {
			p := out.Pop(0)
			if p == nil {
				break
			}
			got = append(got, p)
		}
		return len(got) >= 10
	}), "all packets must be dispatched")

	for i, p := range got {
		assert.Equal(t, byte(i), p.Payload[0], "receive order must be preserved")
	}
}

func TestManagerFiltersBySourceTag(t *testing.T) {
	m := NewManager(testConfig(), nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	out := ring.NewPacketRing(64)
	require.NoError(t, m.RegisterProcessor("sip-1", "10.0.0.5", 0, 0))
	require.NoError(t, m.AttachSinkRing("sip-1", "sink-1", out))

	now := time.Now()
	m.AddPacket(mkPacket("10.0.0.9", now))
	m.AddPacket(mkPacket("10.0.0.5", now))
	m.AddPacket(mkPacket("10.0.0.9", now))

	require.True(t, waitFor(t, time.Second, func() bool {
		return m.Snapshot().TotalIngested == 3
	}))
	time.Sleep(20 * time.Millisecond)

	count := 0
	for {
		p := out.Pop(0)
		if p == nil {
			break
		}
		assert.Equal(t, "10.0.0.5", p.SourceTag)
		count++
	}
	assert.Equal(t, 1, count, "no cross-source leakage")
}

func TestManagerEmitsReconfigOnFormatChange(t *testing.T) {
	m := NewManager(testConfig(), nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	out := ring.NewPacketRing(64)
	require.NoError(t, m.RegisterProcessor("sip-1", "src", 0, 0))
	require.NoError(t, m.AttachSinkRing("sip-1", "sink-1", out))

	now := time.Now()
	p1 := mkPacket("src", now)
	p1.Format.SampleRate = 44100
	p2 := mkPacket("src", now.Add(time.Millisecond))
	p2.Format.SampleRate = 48000
	m.AddPacket(p1)
	m.AddPacket(p2)

	var kinds []packet.Kind
	require.True(t, waitFor(t, time.Second, func() bool {
		for {
			p := out.Pop(0)
			if p == nil {
				break
			}
			kinds = append(kinds, p.Kind)
		}
		return len(kinds) >= 3
	}))

	assert.Equal(t, []packet.Kind{packet.KindAudio, packet.KindReconfig, packet.KindAudio}, kinds[:3],
		"a reconfig marker must precede the first packet of the new format")
}

func TestManagerInboundOverflowCounts(t *testing.T) {
	cfg := testConfig()
	cfg.InboundHighWater = 8
	m := NewManager(cfg, nil)
	// Not started: the inbound queue fills and overflows deterministically.

	now := time.Now()
	for i := 0; i < 20; i++ {
		m.AddPacket(mkPacket("src", now))
	}
	assert.Equal(t, uint64(12), m.Snapshot().TotalInboundDropped,
		"drops must equal the exact excess over the high-water mark")
}

func TestManagerTimeshiftRewindReplays(t *testing.T) {
	m := NewManager(testConfig(), nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	out := ring.NewPacketRing(256)
	require.NoError(t, m.RegisterProcessor("sip-1", "src", 0, 0))
	require.NoError(t, m.AttachSinkRing("sip-1", "sink-1", out))

	// A second of history at 10 ms spacing.
	now := time.Now()
	for i := 0; i < 100; i++ {
		m.AddPacket(mkPacket("src", now.Add(time.Duration(i-100)*10*time.Millisecond)))
	}
	require.True(t, waitFor(t, time.Second, func() bool {
		return m.Snapshot().TotalIngested == 100
	}))
	// Drain live deliveries.
	time.Sleep(50 * time.Millisecond)
	for out.Pop(0) != nil {
	}

	// Rewind 500 ms into retained history: packets replay, no lagging
	// event while retention comfortably covers the request.
	require.NoError(t, m.UpdateProcessorTimeshift("sip-1", -500*time.Millisecond))
	replayed := 0
	waitFor(t, 2*time.Second, func() bool {
		for out.Pop(0) != nil {
			replayed++
		}
		return replayed >= 40
	})
	assert.GreaterOrEqual(t, replayed, 40, "rewind must replay retained packets")

	st := m.Snapshot()
	require.Len(t, st.Cursors, 1)
	assert.Equal(t, uint64(0), st.Cursors[0].LaggingEvents)
}

func TestManagerDelayBeyondRetentionClamps(t *testing.T) {
	m := NewManager(testConfig(), nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, m.RegisterProcessor("sip-1", "src", 0, 0))
	now := time.Now()
	m.AddPacket(mkPacket("src", now.Add(-2*time.Second)))
	require.True(t, waitFor(t, time.Second, func() bool {
		return m.Snapshot().TotalIngested == 1
	}))

	require.NoError(t, m.UpdateProcessorDelay("sip-1", time.Hour))
	st := m.Snapshot()
	require.Len(t, st.Cursors, 1)
	assert.Equal(t, uint64(1), st.Cursors[0].LaggingEvents,
		"a reposition past retention clamps and reports one lagging event")
}

func TestManagerUnknownProcessorErrors(t *testing.T) {
	m := NewManager(testConfig(), nil)
	assert.ErrorIs(t, m.UpdateProcessorDelay("ghost", time.Second), ErrUnknownProcessor)
	assert.ErrorIs(t, m.UnregisterProcessor("ghost"), ErrUnknownProcessor)
	assert.ErrorIs(t, m.AttachSinkRing("ghost", "s", ring.NewPacketRing(1)), ErrUnknownProcessor)
}

func TestManagerExportBuffer(t *testing.T) {
	m := NewManager(testConfig(), nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	now := time.Now()
	for i := 0; i < 5; i++ {
		m.AddPacket(mkPacket("src", now.Add(time.Duration(i-5)*100*time.Millisecond)))
	}
	require.True(t, waitFor(t, time.Second, func() bool {
		return m.Snapshot().TotalIngested == 5
	}))

	exp, err := m.ExportBuffer("src", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*packet.ScreamPayloadSize, len(exp.PCM))
	assert.Equal(t, uint32(48000), exp.SampleRate)
	assert.Equal(t, uint8(2), exp.Channels)
	assert.Greater(t, exp.Duration, time.Duration(0))
	assert.GreaterOrEqual(t, exp.EarliestAge, exp.LatestAge)

	_, err = m.ExportBuffer("missing", time.Second)
	assert.Error(t, err)
}

func TestManagerPlaybackRateDefaultsToUnity(t *testing.T) {
	m := NewManager(testConfig(), nil)
	assert.Equal(t, 1.0, m.PlaybackRate("anything"))
}
