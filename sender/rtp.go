package sender

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/mixer"
)

// rtpDynamicPayloadType is the dynamic payload type used for L16 audio.
const rtpDynamicPayloadType = 98

// rtpMaxPayloadBytes bounds the L16 payload per packet so datagrams stay
// under a typical MTU.
const rtpMaxPayloadBytes = 1152

// sapInterval is how often the SAP announcement repeats.
const sapInterval = 5 * time.Second

// sapMulticastAddr is the well-known SAP announcement group.
const sapMulticastAddr = "224.2.127.254:9875"

// Destination is one RTP receiver mapping. ChannelOffset selects which
// stereo pair of a wide sink feeds this destination; offset 0 is
// channels 0-1, offset 1 channels 2-3 and so on.
type Destination struct {
	Host          string
	Port          int
	ChannelOffset int
}

// RTPSender emits L16 RTP streams, optionally splitting a multichannel
// sink across several destinations that share one RTP timestamp so
// downstream receivers stay aligned. A SAP announcement thread describes
// the stream every few seconds when enabled.
type RTPSender struct {
	dests       []Destination
	announceSAP bool

	ssrc      uint32
	seq       uint16
	timestamp uint32
	tsInit    bool

	conns []*net.UDPConn

	sapStop chan struct{}
	sapWG   sync.WaitGroup

	packets atomic.Uint64
	errors  atomic.Uint64
}

// NewRTPSender creates a sender for one or more destinations. With a
// single destination the full channel set is sent; with several, each
// receives its mapped stereo pair.
func NewRTPSender(dests []Destination, announceSAP bool) (*RTPSender, error) {
	if len(dests) == 0 {
		return nil, fmt.Errorf("at least one destination required")
	}
	var ssrcBytes [4]byte
	if _, err := rand.Read(ssrcBytes[:]); err != nil {
		return nil, fmt.Errorf("ssrc generation: %w", err)
	}
	return &RTPSender{
		dests:       dests,
		announceSAP: announceSAP,
		ssrc:        binary.BigEndian.Uint32(ssrcBytes[:]),
	}, nil
}

// Setup connects a socket per destination and starts the SAP announcer
// when enabled.
func (s *RTPSender) Setup() error {
	for _, d := range s.dests {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", d.Host, d.Port))
		if err != nil {
			return fmt.Errorf("resolve %s:%d: %w", d.Host, d.Port, err)
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			return fmt.Errorf("dial %s:%d: %w", d.Host, d.Port, err)
		}
		s.conns = append(s.conns, conn)
	}
	if s.announceSAP {
		s.sapStop = make(chan struct{})
		s.sapWG.Add(1)
		go s.announceLoop()
	}
	logrus.WithFields(logrus.Fields{
		"function":     "RTPSender.Setup",
		"destinations": len(s.dests),
		"ssrc":         s.ssrc,
		"sap":          s.announceSAP,
	}).Info("RTP sender ready")
	return nil
}

// SendChunk packetizes the frame as big-endian L16 and sends it to every
// destination with a shared timestamp.
func (s *RTPSender) SendChunk(f *mixer.Frame) error {
	if len(s.conns) == 0 {
		return fmt.Errorf("rtp sender not set up")
	}
	if !s.tsInit {
		s.timestamp = f.PlayoutRTP
		s.tsInit = true
	}

	channels := int(f.Format.Channels)
	frames := len(f.PCM32) / channels
	var firstErr error

	for i, d := range s.dests {
		payloadCh := channels
		chOffset := 0
		if len(s.dests) > 1 {
			payloadCh = 2
			chOffset = d.ChannelOffset * 2
			if chOffset+1 >= channels {
				continue
			}
		}

		payload := make([]byte, frames*payloadCh*2)
		for fr := 0; fr < frames; fr++ {
			for c := 0; c < payloadCh; c++ {
				v := int16(f.PCM32[fr*channels+chOffset+c] >> 16)
				binary.BigEndian.PutUint16(payload[(fr*payloadCh+c)*2:], uint16(v))
			}
		}

		if err := s.sendPayload(s.conns[i], payload, payloadCh); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.timestamp += uint32(frames)
	return firstErr
}

// sendPayload splits one destination's payload into MTU-sized RTP
// packets.
func (s *RTPSender) sendPayload(conn *net.UDPConn, payload []byte, channels int) error {
	bytesPerFrame := channels * 2
	framesPerPacket := rtpMaxPayloadBytes / bytesPerFrame
	ts := s.timestamp
	var firstErr error

	for off := 0; off < len(payload); {
		end := off + framesPerPacket*bytesPerFrame
		if end > len(payload) {
			end = len(payload)
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    rtpDynamicPayloadType,
				SequenceNumber: s.seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: payload[off:end],
		}
		raw, err := pkt.Marshal()
		if err != nil {
			s.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		if _, err := conn.Write(raw); err != nil {
			s.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			s.packets.Add(1)
		}
		s.seq++
		ts += uint32((end - off) / bytesPerFrame)
		off = end
	}
	return firstErr
}

// Close stops the SAP announcer and shuts every socket.
func (s *RTPSender) Close() error {
	if s.sapStop != nil {
		close(s.sapStop)
		s.sapWG.Wait()
		s.sapStop = nil
	}
	var firstErr error
	for _, c := range s.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.conns = nil
	return firstErr
}

// PacketsSent returns the cumulative RTP packet count.
func (s *RTPSender) PacketsSent() uint64 { return s.packets.Load() }

// Errors returns the cumulative failure count.
func (s *RTPSender) Errors() uint64 { return s.errors.Load() }

// announceLoop emits a SAP/SDP description of the stream every
// sapInterval until Close.
func (s *RTPSender) announceLoop() {
	defer s.sapWG.Done()

	conn, err := net.Dial("udp", sapMulticastAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RTPSender.announceLoop",
			"error":    err.Error(),
		}).Warn("SAP announcer disabled: multicast dial failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(sapInterval)
	defer ticker.Stop()
	for {
		if raw, err := s.buildSAPPacket(); err == nil {
			if _, err := conn.Write(raw); err != nil {
				s.errors.Add(1)
			}
		}
		select {
		case <-s.sapStop:
			return
		case <-ticker.C:
		}
	}
}

// buildSAPPacket assembles the SAP header and SDP body for the first
// destination.
func (s *RTPSender) buildSAPPacket() ([]byte, error) {
	d := s.dests[0]
	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(s.ssrc),
			SessionVersion: uint64(s.ssrc),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: d.Host,
		},
		SessionName: "audiorouter stream",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: d.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: d.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{fmt.Sprintf("%d", rtpDynamicPayloadType)},
				},
			},
		},
	}
	body, err := desc.Marshal()
	if err != nil {
		return nil, err
	}

	// SAP header: v=1 announce, no auth, 16-bit hash, IPv4 origin.
	hdr := make([]byte, 0, 8+16+len(body))
	hdr = append(hdr, 0x20, 0x00)
	hash := uint16(s.ssrc)
	hdr = append(hdr, byte(hash>>8), byte(hash))
	origin := net.ParseIP(localIPv4()).To4()
	if origin == nil {
		origin = net.IPv4(127, 0, 0, 1).To4()
	}
	hdr = append(hdr, origin...)
	hdr = append(hdr, []byte("application/sdp\x00")...)
	hdr = append(hdr, body...)
	return hdr, nil
}

// localIPv4 picks a non-loopback IPv4 for the SAP origin field.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}
