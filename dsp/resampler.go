package dsp

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Resampler converts interleaved int32 audio between sample rates using
// linear interpolation, with a runtime rate trim so playout speed and
// resampling ratio stay coherent with the timeshift pacing controller.
//
// The trim is expressed in parts per million around the nominal ratio; a
// positive trim consumes input slightly faster, draining buffered audio.
type Resampler struct {
	inputRate  uint32
	outputRate uint32
	channels   int

	position  float64 // fractional read position into the input stream
	lastFrame []int32 // final frame of the previous block, for interpolation
	primed    bool

	trimPPM float64
}

// NewResampler creates a resampler for the given rates and channel count.
//
// Parameters:
//   - inputRate: Source sample rate in Hz
//   - outputRate: Target sample rate in Hz
//   - channels: Interleaved channel count, 1..8
//
// Returns:
//   - *Resampler: New resampler instance
//   - error: When rates are zero or the channel count is out of range
func NewResampler(inputRate, outputRate uint32, channels int) (*Resampler, error) {
	if inputRate == 0 || outputRate == 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}
	if channels < 1 || channels > MaxChannels {
		return nil, fmt.Errorf("unsupported channel count: %d", channels)
	}
	logrus.WithFields(logrus.Fields{
		"function":    "NewResampler",
		"input_rate":  inputRate,
		"output_rate": outputRate,
		"channels":    channels,
		"ratio":       float64(inputRate) / float64(outputRate),
	}).Debug("Audio resampler created")
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		lastFrame:  make([]int32, channels),
	}, nil
}

// SetRateTrim adjusts the effective input rate by trim parts per million.
// Called from the source processor when the timeshift controller or the
// sync coordinator changes the stream's playback rate.
func (r *Resampler) SetRateTrim(trimPPM float64) {
	r.trimPPM = trimPPM
}

// RateTrim returns the currently applied trim in ppm.
func (r *Resampler) RateTrim() float64 { return r.trimPPM }

// step returns the input-frame advance per output frame under the current
// trim.
func (r *Resampler) step() float64 {
	nominal := float64(r.inputRate) / float64(r.outputRate)
	return nominal * (1 + r.trimPPM/1e6)
}

// Process resamples an interleaved block. Output length varies with the
// fractional position; across calls no input frame is skipped or
// duplicated beyond the interpolation window.
//
// Returns:
//   - []int32: Interleaved output at the target rate
//   - error: When the input is not frame-aligned
func (r *Resampler) Process(in []int32) ([]int32, error) {
	if len(in)%r.channels != 0 {
		return nil, fmt.Errorf("input length %d not aligned to %d channels", len(in), r.channels)
	}
	inFrames := len(in) / r.channels
	if inFrames == 0 {
		return nil, nil
	}

	// Identity fast path: matching rates with no trim applied.
	if r.inputRate == r.outputRate && r.trimPPM == 0 {
		out := make([]int32, len(in))
		copy(out, in)
		copy(r.lastFrame, in[(inFrames-1)*r.channels:])
		r.primed = true
		return out, nil
	}

	step := r.step()
	// The virtual input stream is lastFrame followed by in; position 0 is
	// lastFrame, position 1 the first new frame.
	if !r.primed {
		copy(r.lastFrame, in[:r.channels])
		r.primed = true
	}
	total := inFrames + 1 // including the carried frame

	estimate := int(float64(total)/step) + 2
	out := make([]int32, 0, estimate*r.channels)

	pos := r.position
	for int(pos)+1 < total {
		idx := int(pos)
		frac := pos - float64(idx)
		for c := 0; c < r.channels; c++ {
			var s0, s1 float64
			if idx == 0 {
				s0 = float64(r.lastFrame[c])
			} else {
				s0 = float64(in[(idx-1)*r.channels+c])
			}
			s1 = float64(in[idx*r.channels+c])
			v := s0 + (s1-s0)*frac
			out = append(out, int32(v))
		}
		pos += step
	}

	// Carry the final input frame and the residual fractional position.
	copy(r.lastFrame, in[(inFrames-1)*r.channels:])
	r.position = pos - float64(inFrames)
	if r.position < 0 {
		r.position = 0
	}
	return out, nil
}

// Reset clears interpolation state. Used on stream reconfiguration.
func (r *Resampler) Reset() {
	r.position = 0
	r.primed = false
	for i := range r.lastFrame {
		r.lastFrame[i] = 0
	}
}
