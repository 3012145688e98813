package packet

import (
	"fmt"
)

// ScreamHeaderSize is the fixed header length of a Scream datagram.
const ScreamHeaderSize = 5

// Scream datagrams carry the sample rate as a single code byte: the high
// bit selects the 44.1 kHz base clock, the low seven bits are the
// multiplier. 48 kHz is encoded as base 48000, multiplier 1.

// EncodeScreamRate converts a sample rate in Hz to the Scream code byte.
//
// Returns:
//   - byte: The encoded rate
//   - error: When the rate is not an integer multiple of either base clock
func EncodeScreamRate(rate uint32) (byte, error) {
	if rate == 0 {
		return 0, fmt.Errorf("sample rate cannot be zero")
	}
	if rate%44100 == 0 {
		mult := rate / 44100
		if mult > 0x7F {
			return 0, fmt.Errorf("sample rate %d exceeds encodable range", rate)
		}
		return byte(0x80 | mult), nil
	}
	if rate%48000 == 0 {
		mult := rate / 48000
		if mult > 0x7F {
			return 0, fmt.Errorf("sample rate %d exceeds encodable range", rate)
		}
		return byte(mult), nil
	}
	return 0, fmt.Errorf("sample rate %d is not a multiple of 44100 or 48000", rate)
}

// DecodeScreamRate converts a Scream rate code byte back to Hz.
func DecodeScreamRate(code byte) (uint32, error) {
	mult := uint32(code & 0x7F)
	if mult == 0 {
		return 0, fmt.Errorf("invalid rate code 0x%02x: zero multiplier", code)
	}
	if code&0x80 != 0 {
		return 44100 * mult, nil
	}
	return 48000 * mult, nil
}

// EncodeScreamHeader writes the 5-byte Scream header for a format.
func EncodeScreamHeader(f Format) ([ScreamHeaderSize]byte, error) {
	var hdr [ScreamHeaderSize]byte
	rateCode, err := EncodeScreamRate(f.SampleRate)
	if err != nil {
		return hdr, err
	}
	if err := f.Validate(); err != nil {
		return hdr, err
	}
	hdr[0] = rateCode
	hdr[1] = f.BitDepth
	hdr[2] = f.Channels
	hdr[3] = f.ChLayout1
	hdr[4] = f.ChLayout2
	return hdr, nil
}

// DecodeScreamHeader parses the leading 5 bytes of a Scream datagram.
//
// Parameters:
//   - data: The full datagram; must be at least ScreamHeaderSize bytes
//
// Returns:
//   - Format: The decoded payload format
//   - error: When the header is truncated or encodes an unusable format
func DecodeScreamHeader(data []byte) (Format, error) {
	if len(data) < ScreamHeaderSize {
		return Format{}, fmt.Errorf("datagram too short for Scream header: %d bytes", len(data))
	}
	rate, err := DecodeScreamRate(data[0])
	if err != nil {
		return Format{}, err
	}
	f := Format{
		SampleRate: rate,
		BitDepth:   data[1],
		Channels:   data[2],
		ChLayout1:  data[3],
		ChLayout2:  data[4],
	}
	if err := f.Validate(); err != nil {
		return Format{}, fmt.Errorf("invalid Scream header: %w", err)
	}
	return f, nil
}
