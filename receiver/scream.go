package receiver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/packet"
)

// ScreamReceiver ingests raw Scream UDP datagrams. The source tag is the
// sender's IP address; the payload format comes from the 5-byte header.
type ScreamReceiver struct {
	listenAddr string
	sink       PacketSink

	conn *net.UDPConn

	received  atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64

	sourcesMu sync.Mutex
	sources   map[string]struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewScreamReceiver creates a receiver bound to listenAddr, e.g.
// ":4010".
func NewScreamReceiver(listenAddr string, sink PacketSink) (*ScreamReceiver, error) {
	if sink == nil {
		return nil, fmt.Errorf("packet sink cannot be nil")
	}
	return &ScreamReceiver{
		listenAddr: listenAddr,
		sink:       sink,
		sources:    make(map[string]struct{}),
	}, nil
}

// Start binds the socket and launches the read loop.
func (r *ScreamReceiver) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scream receiver already running")
	}
	addr, err := net.ResolveUDPAddr("udp", r.listenAddr)
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("resolve %q: %w", r.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("listen %q: %w", r.listenAddr, err)
	}
	r.conn = conn
	r.wg.Add(1)
	go r.readLoop()
	logrus.WithFields(logrus.Fields{
		"function": "ScreamReceiver.Start",
		"addr":     conn.LocalAddr().String(),
	}).Info("Scream receiver listening")
	return nil
}

// Stop closes the socket; the read loop exits on the close error.
func (r *ScreamReceiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.conn.Close()
	r.wg.Wait()
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (r *ScreamReceiver) LocalAddr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *ScreamReceiver) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, 2048)
	for {
		r.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !r.running.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		r.handleDatagram(buf[:n], remote)
	}
}

func (r *ScreamReceiver) handleDatagram(data []byte, remote *net.UDPAddr) {
	format, err := packet.DecodeScreamHeader(data)
	if err != nil {
		r.malformed.Add(1)
		return
	}
	payload := make([]byte, len(data)-packet.ScreamHeaderSize)
	copy(payload, data[packet.ScreamHeaderSize:])

	tag := remote.IP.String()
	r.trackSource(tag)

	p := &packet.Tagged{
		SourceTag:  tag,
		ReceivedAt: time.Now(),
		Format:     format,
		Payload:    payload,
	}
	if r.sink.AddPacket(p) {
		r.received.Add(1)
	} else {
		r.dropped.Add(1)
	}
}

func (r *ScreamReceiver) trackSource(tag string) {
	r.sourcesMu.Lock()
	defer r.sourcesMu.Unlock()
	if _, ok := r.sources[tag]; !ok {
		r.sources[tag] = struct{}{}
		logrus.WithFields(logrus.Fields{
			"function":   "ScreamReceiver.trackSource",
			"source_tag": tag,
		}).Info("New Scream source discovered")
	}
}

// Stats returns the receiver's counters.
func (r *ScreamReceiver) Stats() Stats {
	r.sourcesMu.Lock()
	n := len(r.sources)
	r.sourcesMu.Unlock()
	return Stats{
		Name:             "scream",
		PacketsReceived:  r.received.Load(),
		PacketsDropped:   r.dropped.Load(),
		MalformedPackets: r.malformed.Load(),
		KnownSources:     n,
	}
}
