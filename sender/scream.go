// Package sender implements the egress side of the engine: each sender
// takes mixed frames from a sink mixer and emits them in one wire format.
// All senders satisfy the mixer's Emitter contract and never block the
// mixer thread.
package sender

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/mixer"
	"github.com/opd-ai/audiorouter/packet"
)

// ScreamSender emits fixed 1157-byte Scream datagrams (5-byte header +
// 1152 payload bytes) over UDP.
type ScreamSender struct {
	addr string
	conn *net.UDPConn

	carry []byte // partial payload held between chunks

	sent   atomic.Uint64
	errors atomic.Uint64
}

// NewScreamSender creates a sender for a destination "ip:port".
func NewScreamSender(ip string, port int) *ScreamSender {
	return &ScreamSender{addr: fmt.Sprintf("%s:%d", ip, port)}
}

// Setup resolves and connects the UDP socket.
func (s *ScreamSender) Setup() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", s.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("dial %q: %w", s.addr, err)
	}
	s.conn = conn
	logrus.WithFields(logrus.Fields{
		"function": "ScreamSender.Setup",
		"addr":     s.addr,
	}).Info("Scream sender connected")
	return nil
}

// SendChunk splits the frame's byte rendering into full Scream payloads,
// each prefixed with the 5-byte format header. A trailing partial
// payload is carried into the next chunk so no audio is lost.
func (s *ScreamSender) SendChunk(f *mixer.Frame) error {
	if s.conn == nil {
		return fmt.Errorf("scream sender not set up")
	}
	hdr, err := packet.EncodeScreamHeader(f.Format)
	if err != nil {
		s.errors.Add(1)
		return err
	}

	s.carry = append(s.carry, f.Bytes...)
	var firstErr error
	for len(s.carry) >= packet.ScreamPayloadSize {
		datagram := make([]byte, 0, packet.ScreamHeaderSize+packet.ScreamPayloadSize)
		datagram = append(datagram, hdr[:]...)
		datagram = append(datagram, s.carry[:packet.ScreamPayloadSize]...)
		s.carry = s.carry[packet.ScreamPayloadSize:]

		if _, err := s.conn.Write(datagram); err != nil {
			s.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.sent.Add(1)
	}
	return firstErr
}

// Close shuts the socket.
func (s *ScreamSender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// DatagramsSent returns the cumulative datagram count.
func (s *ScreamSender) DatagramsSent() uint64 { return s.sent.Load() }

// Errors returns the cumulative write failure count.
func (s *ScreamSender) Errors() uint64 { return s.errors.Load() }
