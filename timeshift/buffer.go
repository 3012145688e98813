// Package timeshift implements the global packet store of the audio
// engine: an append-only, time-ordered buffer of tagged packets with
// per-processor read cursors, jitter-aware playout pacing and a single
// dispatcher thread that feeds every registered source input processor.
package timeshift

import (
	"time"

	"github.com/opd-ai/audiorouter/packet"
)

// Buffer is the global append-only deque. It is mutated only by the
// dispatcher goroutine; the manager serializes all other access.
type Buffer struct {
	packets []*packet.Tagged
	baseSeq uint64 // sequence number of packets[0]
	nextSeq uint64
}

// NewBuffer creates an empty buffer. Sequence numbers start at 1 so a
// zero Seq always means "unassigned".
func NewBuffer() *Buffer {
	return &Buffer{baseSeq: 1, nextSeq: 1}
}

// Append stores a packet, assigning its sequence number.
func (b *Buffer) Append(p *packet.Tagged) uint64 {
	p.Seq = b.nextSeq
	b.nextSeq++
	b.packets = append(b.packets, p)
	return p.Seq
}

// Get returns the packet with the given sequence number, or nil when it
// has been evicted or not yet appended.
func (b *Buffer) Get(seq uint64) *packet.Tagged {
	if seq < b.baseSeq || seq >= b.nextSeq {
		return nil
	}
	return b.packets[seq-b.baseSeq]
}

// OldestSeq returns the first retained sequence number, or 0 when empty.
func (b *Buffer) OldestSeq() uint64 {
	if len(b.packets) == 0 {
		return 0
	}
	return b.baseSeq
}

// NextSeq returns the sequence number the next appended packet will get.
func (b *Buffer) NextSeq() uint64 { return b.nextSeq }

// Len returns the number of retained packets.
func (b *Buffer) Len() int { return len(b.packets) }

// SeekReceivedAt returns the sequence of the first retained packet for
// tag whose arrival time is at or after t. When every retained packet is
// older it returns nextSeq (cursor parks at the live edge); when the
// requested point predates retention it returns the oldest matching
// packet and clamped=true.
func (b *Buffer) SeekReceivedAt(tag string, t time.Time) (seq uint64, clamped bool) {
	var oldestMatch uint64
	for i, p := range b.packets {
		if p.SourceTag != tag {
			continue
		}
		if oldestMatch == 0 {
			oldestMatch = b.baseSeq + uint64(i)
		}
		if !p.ReceivedAt.Before(t) {
			// The oldest match is already newer than t: t predates
			// retention, so clamp to it.
			seq = b.baseSeq + uint64(i)
			return seq, seq == oldestMatch && p.ReceivedAt.After(t)
		}
	}
	if oldestMatch == 0 {
		return b.nextSeq, false
	}
	// Requested time is newer than the newest matching packet: park at
	// the live edge rather than replaying the tail.
	if last := b.newestFor(tag); last != nil && last.ReceivedAt.Before(t) {
		return b.nextSeq, false
	}
	return oldestMatch, true
}

// NextForTag returns the first packet for tag at or after seq, or nil.
func (b *Buffer) NextForTag(tag string, seq uint64) *packet.Tagged {
	if seq < b.baseSeq {
		seq = b.baseSeq
	}
	for ; seq < b.nextSeq; seq++ {
		p := b.packets[seq-b.baseSeq]
		if p.SourceTag == tag {
			return p
		}
	}
	return nil
}

// newestFor returns the most recent packet for tag, or nil.
func (b *Buffer) newestFor(tag string) *packet.Tagged {
	for i := len(b.packets) - 1; i >= 0; i-- {
		if b.packets[i].SourceTag == tag {
			return b.packets[i]
		}
	}
	return nil
}

// EvictBefore drops packets from the head that are older than cutoff and
// already passed by minSeq (the minimum cursor position). Returns the
// number evicted.
func (b *Buffer) EvictBefore(cutoff time.Time, minSeq uint64) int {
	evicted := 0
	for len(b.packets) > 0 {
		head := b.packets[0]
		if head.Seq >= minSeq || !head.ReceivedAt.Before(cutoff) {
			break
		}
		b.packets[0] = nil
		b.packets = b.packets[1:]
		b.baseSeq++
		evicted++
	}
	// Reclaim backing storage once the slice has drifted far from its
	// allocation base.
	if evicted > 0 && cap(b.packets) > 4*len(b.packets) && len(b.packets) > 0 {
		compact := make([]*packet.Tagged, len(b.packets))
		copy(compact, b.packets)
		b.packets = compact
	}
	return evicted
}

// CollectSince returns all packets for tag received within the lookback
// window ending now, oldest first.
func (b *Buffer) CollectSince(tag string, now time.Time, lookback time.Duration) []*packet.Tagged {
	cutoff := now.Add(-lookback)
	var out []*packet.Tagged
	for _, p := range b.packets {
		if p.SourceTag != tag || p.Kind != packet.KindAudio {
			continue
		}
		if p.ReceivedAt.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out
}
