package dsp

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// EQBands is the number of equalizer bands.
const EQBands = 18

const (
	eqLowHz  = 30.0
	eqHighHz = 16000.0
	eqQ      = 1.414
)

// EQBandFrequencies returns the fixed center frequencies, log-spaced from
// 30 Hz to 16 kHz.
func EQBandFrequencies() [EQBands]float64 {
	var f [EQBands]float64
	ratio := math.Pow(eqHighHz/eqLowHz, 1.0/float64(EQBands-1))
	freq := eqLowHz
	for i := 0; i < EQBands; i++ {
		f[i] = freq
		freq *= ratio
	}
	return f
}

// biquad is a direct-form-I second-order section with per-instance state.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func (s *biquad) process(x float64) float64 {
	y := s.b0*x + s.b1*s.x1 + s.b2*s.x2 - s.a1*s.y1 - s.a2*s.y2
	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y
	return y
}

// peakingCoefficients computes RBJ peaking-EQ coefficients for a linear
// gain in [0,2] (1.0 = unity).
func peakingCoefficients(centerHz float64, sampleRate uint32, linearGain float64) (b0, b1, b2, a1, a2 float64) {
	if linearGain < 1e-4 {
		linearGain = 1e-4
	}
	a := math.Sqrt(linearGain)
	w0 := 2 * math.Pi * centerHz / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * eqQ)
	cosw0 := math.Cos(w0)

	b0n := 1 + alpha*a
	b1n := -2 * cosw0
	b2n := 1 - alpha*a
	a0 := 1 + alpha/a
	a1n := -2 * cosw0
	a2n := 1 - alpha/a

	return b0n / a0, b1n / a0, b2n / a0, a1n / a0, a2n / a0
}

// Equalizer is the 18-band peaking equalizer with optional gain
// normalization. One filter cascade per channel.
type Equalizer struct {
	sampleRate uint32
	channels   int
	gains      [EQBands]float64
	normalize  bool
	normScalar float64
	flat       bool
	sections   [][]biquad // [channel][band]
}

// NewEqualizer builds the filter cascade for the given output format.
//
// Parameters:
//   - sampleRate: Sample rate the filters operate at
//   - channels: Interleaved channel count
//   - gains: Per-band linear gains in [0,2]; 1.0 is unity
//   - normalize: Enable the band-sum compensation scalar
//
// Returns:
//   - *Equalizer: Configured equalizer
//   - error: When parameters are out of range
func NewEqualizer(sampleRate uint32, channels int, gains [EQBands]float64, normalize bool) (*Equalizer, error) {
	if sampleRate == 0 {
		return nil, fmt.Errorf("sample rate cannot be zero")
	}
	if channels < 1 || channels > MaxChannels {
		return nil, fmt.Errorf("unsupported channel count: %d", channels)
	}
	for i, g := range gains {
		if g < 0 || g > 2 {
			return nil, fmt.Errorf("band %d gain %.3f outside [0,2]", i, g)
		}
	}

	eq := &Equalizer{
		sampleRate: sampleRate,
		channels:   channels,
		gains:      gains,
		normalize:  normalize,
		normScalar: 1,
		flat:       true,
	}
	for _, g := range gains {
		if g != 1 {
			eq.flat = false
			break
		}
	}

	freqs := EQBandFrequencies()
	nyquist := float64(sampleRate) / 2
	eq.sections = make([][]biquad, channels)
	for c := 0; c < channels; c++ {
		eq.sections[c] = make([]biquad, EQBands)
		for b := 0; b < EQBands; b++ {
			center := freqs[b]
			if center >= nyquist*0.95 {
				// Band above Nyquist for this rate: leave as identity.
				eq.sections[c][b] = biquad{b0: 1}
				continue
			}
			b0, b1, b2, a1, a2 := peakingCoefficients(center, sampleRate, gains[b])
			eq.sections[c][b] = biquad{b0: b0, b1: b1, b2: b2, a1: a1, a2: a2}
		}
	}

	if normalize && !eq.flat {
		// Compensation so the band-summed magnitude at unit input stays
		// near 1.0: scale by the inverse of the mean band gain.
		var sum float64
		for _, g := range gains {
			sum += g
		}
		mean := sum / EQBands
		if mean > 1e-3 {
			eq.normScalar = 1 / mean
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewEqualizer",
		"sample_rate": sampleRate,
		"channels":    channels,
		"flat":        eq.flat,
		"normalize":   normalize,
		"norm_scalar": eq.normScalar,
	}).Debug("Equalizer configured")

	return eq, nil
}

// Flat reports whether every band is at unity, in which case Process is a
// pass-through.
func (e *Equalizer) Flat() bool { return e.flat }

// Process runs the cascade over interleaved samples in place.
func (e *Equalizer) Process(in []int32) error {
	if len(in)%e.channels != 0 {
		return fmt.Errorf("input length %d not aligned to %d channels", len(in), e.channels)
	}
	if e.flat {
		return nil
	}
	frames := len(in) / e.channels
	for f := 0; f < frames; f++ {
		for c := 0; c < e.channels; c++ {
			idx := f*e.channels + c
			v := float64(in[idx])
			secs := e.sections[c]
			for b := range secs {
				v = secs[b].process(v)
			}
			v *= e.normScalar
			if v > 2147483647 {
				v = 2147483647
			}
			if v < -2147483648 {
				v = -2147483648
			}
			in[idx] = int32(v)
		}
	}
	return nil
}

// Reset clears all filter state.
func (e *Equalizer) Reset() {
	for c := range e.sections {
		for b := range e.sections[c] {
			s := &e.sections[c][b]
			s.x1, s.x2, s.y1, s.y2 = 0, 0, 0, 0
		}
	}
}
