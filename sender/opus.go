package sender

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"layeh.com/gopus"

	"github.com/opd-ai/audiorouter/mixer"
)

// opusPayloadType is the dynamic payload type for Opus.
const opusPayloadType = 111

// opusFrameSamples is 20 ms at 48 kHz per channel.
const opusFrameSamples = 960

// opusMaxPacketBytes is the RFC 6716 maximum Opus packet size.
const opusMaxPacketBytes = 1275

// opusDest bundles one destination's socket and encoder. Every
// destination runs its own encoder, but timestamps are shared so the
// receivers stay aligned.
type opusDest struct {
	mapping Destination
	conn    *net.UDPConn
	enc     *gopus.Encoder
	pending []int16 // interleaved stereo samples awaiting a full frame
}

// RTPOpusSender emits Opus-in-RTP streams. Wide sinks split into stereo
// pairs across destinations exactly like the plain RTP sender.
type RTPOpusSender struct {
	dests   []*opusDest
	bitrate int

	ssrc      uint32
	seq       uint16
	timestamp uint32

	packets atomic.Uint64
	errors  atomic.Uint64
}

// NewRTPOpusSender creates a sender; bitrate 0 selects 128 kbps.
func NewRTPOpusSender(dests []Destination, bitrate int) (*RTPOpusSender, error) {
	if len(dests) == 0 {
		return nil, fmt.Errorf("at least one destination required")
	}
	if bitrate <= 0 {
		bitrate = 128000
	}
	var ssrcBytes [4]byte
	if _, err := rand.Read(ssrcBytes[:]); err != nil {
		return nil, fmt.Errorf("ssrc generation: %w", err)
	}
	s := &RTPOpusSender{
		bitrate: bitrate,
		ssrc:    binary.BigEndian.Uint32(ssrcBytes[:]),
	}
	for _, d := range dests {
		s.dests = append(s.dests, &opusDest{mapping: d})
	}
	return s, nil
}

// Setup connects the sockets and builds one Opus encoder per
// destination.
func (s *RTPOpusSender) Setup() error {
	for _, d := range s.dests {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", d.mapping.Host, d.mapping.Port))
		if err != nil {
			return fmt.Errorf("resolve %s:%d: %w", d.mapping.Host, d.mapping.Port, err)
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			return fmt.Errorf("dial %s:%d: %w", d.mapping.Host, d.mapping.Port, err)
		}
		enc, err := gopus.NewEncoder(48000, 2, gopus.Audio)
		if err != nil {
			conn.Close()
			return fmt.Errorf("opus encoder: %w", err)
		}
		enc.SetBitrate(s.bitrate)
		d.conn = conn
		d.enc = enc
	}
	logrus.WithFields(logrus.Fields{
		"function":     "RTPOpusSender.Setup",
		"destinations": len(s.dests),
		"bitrate":      s.bitrate,
		"ssrc":         s.ssrc,
	}).Info("RTP Opus sender ready")
	return nil
}

// SendChunk folds each destination's stereo pair to 16-bit, accumulates
// 20 ms Opus frames and sends them. The RTP timestamp advances by the
// encoded sample count, shared across destinations.
func (s *RTPOpusSender) SendChunk(f *mixer.Frame) error {
	if len(s.dests) == 0 || s.dests[0].conn == nil {
		return fmt.Errorf("rtp opus sender not set up")
	}
	if f.Format.SampleRate != 48000 {
		s.errors.Add(1)
		return fmt.Errorf("opus sender requires a 48 kHz sink, got %d", f.Format.SampleRate)
	}

	channels := int(f.Format.Channels)
	frames := len(f.PCM32) / channels
	framesSent := 0
	var firstErr error

	for _, d := range s.dests {
		chOffset := 0
		if len(s.dests) > 1 {
			chOffset = d.mapping.ChannelOffset * 2
			if chOffset+1 >= channels {
				continue
			}
		}

		for fr := 0; fr < frames; fr++ {
			l := int16(f.PCM32[fr*channels+chOffset] >> 16)
			r := l
			if chOffset+1 < channels {
				r = int16(f.PCM32[fr*channels+chOffset+1] >> 16)
			}
			d.pending = append(d.pending, l, r)
		}

		sent, err := s.flushDest(d)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if sent > framesSent {
			framesSent = sent
		}
	}

	s.timestamp += uint32(framesSent)
	return firstErr
}

// flushDest encodes and sends every complete 20 ms frame pending for one
// destination. Returns the number of PCM frames consumed.
func (s *RTPOpusSender) flushDest(d *opusDest) (int, error) {
	consumed := 0
	var firstErr error
	ts := s.timestamp

	for len(d.pending) >= opusFrameSamples*2 {
		frame := d.pending[:opusFrameSamples*2]
		d.pending = d.pending[opusFrameSamples*2:]

		encoded, err := d.enc.Encode(frame, opusFrameSamples, opusMaxPacketBytes)
		if err != nil {
			s.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			consumed += opusFrameSamples
			continue
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    opusPayloadType,
				SequenceNumber: s.seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: encoded,
		}
		raw, err := pkt.Marshal()
		if err == nil {
			_, err = d.conn.Write(raw)
		}
		if err != nil {
			s.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			s.packets.Add(1)
		}
		s.seq++
		ts += opusFrameSamples
		consumed += opusFrameSamples
	}
	return consumed, firstErr
}

// Close shuts every destination socket.
func (s *RTPOpusSender) Close() error {
	var firstErr error
	for _, d := range s.dests {
		if d.conn != nil {
			if err := d.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			d.conn = nil
		}
	}
	return firstErr
}

// PacketsSent returns the cumulative packet count.
func (s *RTPOpusSender) PacketsSent() uint64 { return s.packets.Load() }

// Errors returns the cumulative failure count.
func (s *RTPOpusSender) Errors() uint64 { return s.errors.Load() }
