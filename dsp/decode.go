// Package dsp implements the per-source processing chain: payload
// decoding, speaker-layout remapping, fractional resampling, equalization,
// normalization, filtering, volume and dither.
//
// All stages operate on interleaved 32-bit signed samples. Payloads are
// widened to full 32-bit scale on decode and narrowed again on egress, so
// intermediate math keeps headroom regardless of the wire bit depth.
package dsp

import (
	"fmt"

	"github.com/opd-ai/audiorouter/packet"
)

// DecodePayload widens an interleaved PCM payload to int32 full scale.
//
// 16-bit and 24-bit little-endian samples are shifted up so that the most
// significant bit lands in the same position for every input depth.
//
// Parameters:
//   - payload: Interleaved little-endian PCM
//   - f: The payload's declared format
//
// Returns:
//   - []int32: One int32 per sample, full-scale
//   - error: When the payload is not frame-aligned for the format
func DecodePayload(payload []byte, f packet.Format) ([]int32, error) {
	bpf := f.BytesPerFrame()
	if bpf == 0 || len(payload)%bpf != 0 {
		return nil, fmt.Errorf("payload size %d not aligned to %s frames", len(payload), f)
	}
	bytesPerSample := int(f.BitDepth) / 8
	n := len(payload) / bytesPerSample
	out := make([]int32, n)

	switch f.BitDepth {
	case 16:
		for i := 0; i < n; i++ {
			v := int16(uint16(payload[i*2]) | uint16(payload[i*2+1])<<8)
			out[i] = int32(v) << 16
		}
	case 24:
		for i := 0; i < n; i++ {
			v := int32(uint32(payload[i*3]) | uint32(payload[i*3+1])<<8 | uint32(payload[i*3+2])<<16)
			// Sign-extend from 24 bits, then shift to full scale.
			v = (v << 8) >> 8
			out[i] = v << 8
		}
	case 32:
		for i := 0; i < n; i++ {
			out[i] = int32(uint32(payload[i*4]) | uint32(payload[i*4+1])<<8 |
				uint32(payload[i*4+2])<<16 | uint32(payload[i*4+3])<<24)
		}
	default:
		return nil, fmt.Errorf("unsupported bit depth: %d", f.BitDepth)
	}
	return out, nil
}

// EncodeSamples narrows full-scale int32 samples to the output bit depth,
// little-endian. When d is non-nil and the output depth is below 32 bits,
// dither is applied before truncation.
func EncodeSamples(samples []int32, bitDepth uint8, d *Ditherer) ([]byte, error) {
	switch bitDepth {
	case 16:
		out := make([]byte, len(samples)*2)
		for i, s := range samples {
			if d != nil {
				s = d.Apply(s, 16)
			}
			v := int16(s >> 16)
			out[i*2] = byte(v)
			out[i*2+1] = byte(v >> 8)
		}
		return out, nil
	case 24:
		out := make([]byte, len(samples)*3)
		for i, s := range samples {
			if d != nil {
				s = d.Apply(s, 24)
			}
			v := s >> 8
			out[i*3] = byte(v)
			out[i*3+1] = byte(v >> 8)
			out[i*3+2] = byte(v >> 16)
		}
		return out, nil
	case 32:
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			out[i*4] = byte(s)
			out[i*4+1] = byte(s >> 8)
			out[i*4+2] = byte(s >> 16)
			out[i*4+3] = byte(s >> 24)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported bit depth: %d", bitDepth)
}

// SaturatingAdd sums two samples with clamping at int32 range. The mixer
// uses this when accumulating lanes.
func SaturatingAdd(a, b int32) int32 {
	s := int64(a) + int64(b)
	if s > 2147483647 {
		return 2147483647
	}
	if s < -2147483648 {
		return -2147483648
	}
	return int32(s)
}
