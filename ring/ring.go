// Package ring provides the bounded lanes connecting engine components:
// packet rings between the timeshift dispatcher and source processors, and
// chunk rings between source processors and sink mixers.
//
// Lanes are built on buffered channels with a non-blocking producer side.
// A full lane drops the newest element and counts the drop; the consumer
// side polls with a timeout so every reader can observe shutdown within
// one loop iteration.
package ring

import (
	"sync/atomic"
	"time"

	"github.com/opd-ai/audiorouter/packet"
)

// PacketRing is a bounded single-consumer lane of tagged packets.
type PacketRing struct {
	ch      chan *packet.Tagged
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// NewPacketRing creates a packet ring holding at most capacity packets.
func NewPacketRing(capacity int) *PacketRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &PacketRing{ch: make(chan *packet.Tagged, capacity)}
}

// Push offers a packet without blocking. When the ring is full the packet
// is discarded and the drop counter incremented.
//
// Returns:
//   - bool: true when the packet was enqueued
func (r *PacketRing) Push(p *packet.Tagged) bool {
	select {
	case r.ch <- p:
		r.pushed.Add(1)
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Pop waits up to timeout for the next packet.
//
// Returns:
//   - *packet.Tagged: The next packet, or nil on timeout
func (r *PacketRing) Pop(timeout time.Duration) *packet.Tagged {
	if timeout <= 0 {
		select {
		case p := <-r.ch:
			return p
		default:
			return nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-r.ch:
		return p
	case <-t.C:
		return nil
	}
}

// Len returns the current queue depth.
func (r *PacketRing) Len() int { return len(r.ch) }

// Cap returns the ring capacity.
func (r *PacketRing) Cap() int { return cap(r.ch) }

// Dropped returns the cumulative overflow drop count.
func (r *PacketRing) Dropped() uint64 { return r.dropped.Load() }

// Pushed returns the cumulative successful push count.
func (r *PacketRing) Pushed() uint64 { return r.pushed.Load() }

// ChunkRing is a bounded single-consumer lane of processed chunks.
type ChunkRing struct {
	ch      chan *packet.Chunk
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// NewChunkRing creates a chunk ring holding at most capacity chunks.
func NewChunkRing(capacity int) *ChunkRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChunkRing{ch: make(chan *packet.Chunk, capacity)}
}

// Push offers a chunk without blocking, dropping the newest on overflow.
func (r *ChunkRing) Push(c *packet.Chunk) bool {
	select {
	case r.ch <- c:
		r.pushed.Add(1)
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Pop waits up to timeout for the next chunk. A zero or negative timeout
// polls without waiting.
func (r *ChunkRing) Pop(timeout time.Duration) *packet.Chunk {
	if timeout <= 0 {
		select {
		case c := <-r.ch:
			return c
		default:
			return nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c := <-r.ch:
		return c
	case <-t.C:
		return nil
	}
}

// Len returns the current queue depth.
func (r *ChunkRing) Len() int { return len(r.ch) }

// Cap returns the ring capacity.
func (r *ChunkRing) Cap() int { return cap(r.ch) }

// Dropped returns the cumulative overflow drop count.
func (r *ChunkRing) Dropped() uint64 { return r.dropped.Load() }

// Pushed returns the cumulative successful push count.
func (r *ChunkRing) Pushed() uint64 { return r.pushed.Load() }
