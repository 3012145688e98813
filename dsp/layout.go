package dsp

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// MaxChannels is the widest channel layout the engine routes.
const MaxChannels = 8

// Matrix is an 8x8 speaker mixing matrix. Row = output channel, column =
// input channel; entries are linear gains. Unused rows and columns are
// zero.
type Matrix [MaxChannels][MaxChannels]float32

// SpeakerLayout pairs a matrix with its auto-mode flag. When AutoMode is
// set the engine substitutes a built-in downmix/upmix matrix for the
// stream's current channel counts and the explicit matrix is ignored.
type SpeakerLayout struct {
	AutoMode bool   `yaml:"auto_mode"`
	Matrix   Matrix `yaml:"matrix"`
}

// IdentityMatrix returns a pass-through matrix for n channels.
func IdentityMatrix(n int) Matrix {
	var m Matrix
	for i := 0; i < n && i < MaxChannels; i++ {
		m[i][i] = 1
	}
	return m
}

// AutoMatrix builds the built-in remap matrix for an (input, output)
// channel-count pair. Mono fans out equally; downmixes fold surrounds and
// center into the front pair at reduced gain; upmixes duplicate the front
// pair and derive the remaining speakers from it.
func AutoMatrix(inCh, outCh int) (Matrix, error) {
	var m Matrix
	if inCh < 1 || inCh > MaxChannels || outCh < 1 || outCh > MaxChannels {
		return m, fmt.Errorf("channel counts out of range: in=%d out=%d", inCh, outCh)
	}

	switch {
	case inCh == outCh:
		return IdentityMatrix(inCh), nil

	case inCh == 1:
		// Mono to anything: equal power on every output.
		for o := 0; o < outCh; o++ {
			m[o][0] = 1
		}
		return m, nil

	case outCh == 1:
		// Anything to mono: average all inputs.
		g := float32(1) / float32(inCh)
		for i := 0; i < inCh; i++ {
			m[0][i] = g
		}
		return m, nil

	case inCh > outCh:
		// Downmix: front pair passes through, everything beyond folds
		// alternately into left/right at -6 dB.
		m[0][0] = 1
		m[1][1] = 1
		for i := 2; i < inCh; i++ {
			m[i%2][i] = 0.5
		}
		return m, nil

	default:
		// Upmix: copy the front pair, feed extra speakers from the
		// matching side, center from both at -6 dB.
		m[0][0] = 1
		m[1][1] = 1
		for o := 2; o < outCh; o++ {
			if o == 2 && outCh >= 3 {
				m[o][0] = 0.5
				m[o][1] = 0.5
				continue
			}
			m[o][o%2] = 1
		}
		return m, nil
	}
}

// Compose returns the matrix equivalent to applying a then b (b·a),
// matching right-to-left chaining of manual layouts.
func Compose(b, a Matrix) Matrix {
	var out Matrix
	for r := 0; r < MaxChannels; r++ {
		for c := 0; c < MaxChannels; c++ {
			var sum float32
			for k := 0; k < MaxChannels; k++ {
				sum += b[r][k] * a[k][c]
			}
			out[r][c] = sum
		}
	}
	return out
}

// Remapper applies a speaker layout to interleaved frames.
type Remapper struct {
	matrix Matrix
	inCh   int
	outCh  int
}

// NewRemapper resolves a layout into an applicable remapper for the given
// channel counts.
func NewRemapper(layout SpeakerLayout, inCh, outCh int) (*Remapper, error) {
	if inCh < 1 || inCh > MaxChannels || outCh < 1 || outCh > MaxChannels {
		return nil, fmt.Errorf("channel counts out of range: in=%d out=%d", inCh, outCh)
	}
	m := layout.Matrix
	if layout.AutoMode {
		auto, err := AutoMatrix(inCh, outCh)
		if err != nil {
			return nil, err
		}
		m = auto
	}
	logrus.WithFields(logrus.Fields{
		"function":  "NewRemapper",
		"in_ch":     inCh,
		"out_ch":    outCh,
		"auto_mode": layout.AutoMode,
	}).Debug("Speaker remapper resolved")
	return &Remapper{matrix: m, inCh: inCh, outCh: outCh}, nil
}

// Process remaps interleaved samples from inCh to outCh channels.
//
// Returns:
//   - []int32: Interleaved output, frames*outCh samples
//   - error: When the input is not frame-aligned
func (r *Remapper) Process(in []int32) ([]int32, error) {
	if len(in)%r.inCh != 0 {
		return nil, fmt.Errorf("input length %d not aligned to %d channels", len(in), r.inCh)
	}
	frames := len(in) / r.inCh
	out := make([]int32, frames*r.outCh)
	for f := 0; f < frames; f++ {
		inOff := f * r.inCh
		outOff := f * r.outCh
		for o := 0; o < r.outCh; o++ {
			var acc float64
			for i := 0; i < r.inCh; i++ {
				g := r.matrix[o][i]
				if g != 0 {
					acc += float64(in[inOff+i]) * float64(g)
				}
			}
			if acc > 2147483647 {
				acc = 2147483647
			}
			if acc < -2147483648 {
				acc = -2147483648
			}
			out[outOff+o] = int32(acc)
		}
	}
	return out, nil
}
