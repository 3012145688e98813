// Package mixer implements the Sink Audio Mixer: one mixer per sink pulls
// processed chunks from every connected source lane, sums them into the
// sink's output format and drives the sink's senders and listeners.
package mixer

import (
	"github.com/opd-ai/audiorouter/packet"
)

// Frame is one mixed output unit handed to senders and listeners. It
// carries both the 32-bit mix and the byte rendering at the sink's
// declared bit depth so each egress picks the representation it needs.
type Frame struct {
	Format     packet.Format
	PlayoutRTP uint32
	PCM32      []int32
	Bytes      []byte
}

// Emitter is the uniform egress contract: senders and listeners both
// implement it. SendChunk must never block the mixer; implementations
// queue internally and surface failures through their own counters.
type Emitter interface {
	// Setup prepares the egress; called once before the first chunk.
	Setup() error
	// SendChunk forwards one mixed frame.
	SendChunk(f *Frame) error
	// Close releases resources; no SendChunk follows.
	Close() error
}
