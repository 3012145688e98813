package timeshift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/audiorouter/packet"
)

func mkPacket(tag string, at time.Time) *packet.Tagged {
	return &packet.Tagged{
		SourceTag:  tag,
		ReceivedAt: at,
		Format:     packet.Format{SampleRate: 48000, BitDepth: 16, Channels: 2},
		Payload:    make([]byte, packet.ScreamPayloadSize),
	}
}

func TestBufferAppendAssignsSequence(t *testing.T) {
	b := NewBuffer()
	base := time.Now()
	s1 := b.Append(mkPacket("a", base))
	s2 := b.Append(mkPacket("a", base.Add(time.Millisecond)))
	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, 2, b.Len())
}

func TestBufferNextForTagSkipsOtherStreams(t *testing.T) {
	b := NewBuffer()
	base := time.Now()
	b.Append(mkPacket("a", base))
	b.Append(mkPacket("b", base))
	b.Append(mkPacket("a", base.Add(time.Millisecond)))

	p := b.NextForTag("a", 2)
	require.NotNil(t, p)
	assert.Equal(t, uint64(3), p.Seq)
	assert.Nil(t, b.NextForTag("c", 1))
}

func TestBufferSeekReceivedAt(t *testing.T) {
	b := NewBuffer()
	base := time.Now()
	for i := 0; i < 10; i++ {
		b.Append(mkPacket("a", base.Add(time.Duration(i)*10*time.Millisecond)))
	}

	seq, clamped := b.SeekReceivedAt("a", base.Add(45*time.Millisecond))
	assert.False(t, clamped)
	assert.Equal(t, uint64(6), seq, "first packet at or after the target time")

	// Before all retained packets: clamp to the oldest.
	seq, clamped = b.SeekReceivedAt("a", base.Add(-time.Second))
	assert.True(t, clamped)
	assert.Equal(t, uint64(1), seq)

	// After all retained packets: park at the live edge.
	seq, clamped = b.SeekReceivedAt("a", base.Add(time.Hour))
	assert.False(t, clamped)
	assert.Equal(t, b.NextSeq(), seq)
}

func TestBufferEvictionRespectsCursors(t *testing.T) {
	b := NewBuffer()
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		b.Append(mkPacket("a", base.Add(time.Duration(i)*time.Second)))
	}

	// A cursor at seq 3 holds packets 3..5 even though all are expired.
	n := b.EvictBefore(time.Now(), 3)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(3), b.OldestSeq())

	// Nothing newer than the cutoff is evicted regardless of cursors.
	n = b.EvictBefore(base.Add(-time.Hour), b.NextSeq())
	assert.Equal(t, 0, n)
}

func TestBufferCollectSince(t *testing.T) {
	b := NewBuffer()
	now := time.Now()
	b.Append(mkPacket("a", now.Add(-10*time.Second)))
	b.Append(mkPacket("a", now.Add(-3*time.Second)))
	b.Append(mkPacket("b", now.Add(-2*time.Second)))
	b.Append(mkPacket("a", now.Add(-1*time.Second)))

	got := b.CollectSince("a", now, 5*time.Second)
	require.Len(t, got, 2)
	assert.True(t, got[0].ReceivedAt.Before(got[1].ReceivedAt))
}
