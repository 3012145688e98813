// Package receiver implements the ingest side of the engine. Every
// receiver tags arriving audio with a stable source identity, stamps it
// with the monotonic clock, fills the format fields and pushes the packet
// into the timeshift manager.
package receiver

import (
	"github.com/opd-ai/audiorouter/packet"
)

// PacketSink is where receivers deliver tagged packets; the timeshift
// manager satisfies it.
type PacketSink interface {
	AddPacket(p *packet.Tagged) bool
}

// Receiver is the uniform lifecycle contract of every ingest variant.
type Receiver interface {
	// Start begins ingesting; non-blocking.
	Start() error
	// Stop halts ingestion and releases resources.
	Stop()
	// Stats returns the receiver's counters.
	Stats() Stats
}

// Stats is the per-receiver counter snapshot.
type Stats struct {
	Name             string
	PacketsReceived  uint64
	PacketsDropped   uint64
	MalformedPackets uint64
	KnownSources     int
}
