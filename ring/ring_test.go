package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/audiorouter/packet"
)

func TestPacketRingDropNewest(t *testing.T) {
	r := NewPacketRing(2)

	first := &packet.Tagged{SourceTag: "a"}
	second := &packet.Tagged{SourceTag: "b"}
	third := &packet.Tagged{SourceTag: "c"}

	assert.True(t, r.Push(first))
	assert.True(t, r.Push(second))
	assert.False(t, r.Push(third), "third push must overflow")
	assert.Equal(t, uint64(1), r.Dropped())

	// Earlier packets survive in order; the newest was the casualty.
	got := r.Pop(0)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.SourceTag)
	got = r.Pop(0)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.SourceTag)
}

func TestPacketRingPopTimeout(t *testing.T) {
	r := NewPacketRing(1)
	start := time.Now()
	got := r.Pop(20 * time.Millisecond)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPacketRingOverflowCountsExactExcess(t *testing.T) {
	r := NewPacketRing(4)
	for i := 0; i < 10; i++ {
		r.Push(&packet.Tagged{})
	}
	assert.Equal(t, uint64(6), r.Dropped())
	assert.Equal(t, uint64(4), r.Pushed())
}

func TestChunkRingBasics(t *testing.T) {
	r := NewChunkRing(3)
	for i := 0; i < 3; i++ {
		assert.True(t, r.Push(&packet.Chunk{PlayoutRTP: uint32(i)}))
	}
	assert.False(t, r.Push(&packet.Chunk{PlayoutRTP: 3}))
	assert.Equal(t, 3, r.Len())

	for i := 0; i < 3; i++ {
		c := r.Pop(0)
		require.NotNil(t, c)
		assert.Equal(t, uint32(i), c.PlayoutRTP, "chunks must pop in push order")
	}
	assert.Nil(t, r.Pop(0))
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewPacketRing(0)
	assert.Equal(t, 1, r.Cap())
	c := NewChunkRing(-5)
	assert.Equal(t, 1, c.Cap())
}
