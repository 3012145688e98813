// Package source implements the per-source processing path: a Source
// Input Processor consumes the tagged packet stream the timeshift
// dispatcher feeds it, runs the DSP chain and emits fixed-size processed
// chunks to every connected sink ring.
package source

import (
	"time"

	"github.com/opd-ai/audiorouter/dsp"
)

// CommandType enumerates the control commands a processor accepts.
type CommandType int

const (
	// CmdSetVolume carries Float in [0,1].
	CmdSetVolume CommandType = iota
	// CmdSetEQ carries Gains.
	CmdSetEQ
	// CmdSetEQNormalization carries Bool.
	CmdSetEQNormalization
	// CmdSetVolumeNormalization carries Bool.
	CmdSetVolumeNormalization
	// CmdSetDelay carries Duration.
	CmdSetDelay
	// CmdSetTimeshift carries Duration (negative rewinds).
	CmdSetTimeshift
	// CmdSetSpeakerLayouts carries Layouts.
	CmdSetSpeakerLayouts
)

// Command is one atomic control mutation. Commands apply in enqueue order
// before the processor takes its next input packet; they are not held
// back to a chunk boundary, so a change can land partway through a chunk.
type Command struct {
	Type     CommandType
	Float    float64
	Bool     bool
	Duration time.Duration
	Gains    [dsp.EQBands]float64
	Layouts  map[int]dsp.SpeakerLayout
}
