package packet

import "time"

// Chunk is a processed audio chunk: a fixed-size, mixer-ready block of
// interleaved 32-bit samples at a sink's output format. Source input
// processors emit chunks; sink mixers consume, sum and down-convert them.
type Chunk struct {
	// InstanceID names the source input processor that produced the chunk.
	InstanceID string

	// Format is the sink output format the chunk was rendered for. Data
	// holds Frames()*Channels int32 samples regardless of the declared
	// bit depth; the mixer converts on egress.
	Format Format

	// PlayoutRTP is the chunk's position on the sink's media clock, in
	// frames at the output sample rate. Consecutive chunks from one
	// processor advance by exactly ChunkFrames.
	PlayoutRTP uint32

	// ProducedAt is when the processor finished rendering the chunk.
	ProducedAt time.Time

	// Data is interleaved int32 PCM, ChunkFrames()*Channels long.
	Data []int32
}

// Frames returns the frame count held in Data.
func (c *Chunk) Frames() int {
	if c.Format.Channels == 0 {
		return 0
	}
	return len(c.Data) / int(c.Format.Channels)
}

// Duration returns the playback duration of the chunk.
func (c *Chunk) Duration() time.Duration {
	if c.Format.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.Format.SampleRate)
}
