package receiver

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/packet"
)

// processTagSize is the fixed program-name field between the Scream
// header and the PCM payload of a per-process datagram, null-padded.
const processTagSize = 30

// ProcessScreamReceiver ingests per-process tagged Scream datagrams.
// The source tag is "<sender_ip>:<process_name>" so one host can route
// each program's audio independently.
type ProcessScreamReceiver struct {
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

// NewProcessScreamReceiver creates a receiver bound to listenAddr, e.g.
// ":16402".
func NewProcessScreamReceiver(listenAddr string, sink PacketSink) (*ProcessScreamReceiver, error) {
	if sink == nil {
		return nil, fmt.Errorf("packet sink cannot be nil")
	}
	return &ProcessScreamReceiver{
		listenAddr: listenAddr,
		sink:       sink,
		sources:    make(map[string]struct{}),
	}, nil
}

// Start binds the socket and launches the read loop.
func (r *ProcessScreamReceiver) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("per-process receiver already running")
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
		"function": "ProcessScreamReceiver.Start",
		"addr":     conn.LocalAddr().String(),
	}).Info("Per-process Scream receiver listening")
	return nil
}

// Stop closes the socket and waits for the read loop.
func (r *ProcessScreamReceiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.conn.Close()
	r.wg.Wait()
}

// LocalAddr returns the bound address.
func (r *ProcessScreamReceiver) LocalAddr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *ProcessScreamReceiver) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, 2048)
	for {
		r.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !r.running.Load() {
				return
			}
			continue
		}
		r.handleDatagram(buf[:n], remote)
	}
}

func (r *ProcessScreamReceiver) handleDatagram(data []byte, remote *net.UDPAddr) {
	if len(data) < packet.ScreamHeaderSize+processTagSize {
		r.malformed.Add(1)
		return
	}
	format, err := packet.DecodeScreamHeader(data)
	if err != nil {
		r.malformed.Add(1)
		return
	}

	nameField := data[packet.ScreamHeaderSize : packet.ScreamHeaderSize+processTagSize]
	name := string(bytes.TrimRight(nameField, "\x00"))
	if name == "" {
		r.malformed.Add(1)
		return
	}

	payload := make([]byte, len(data)-packet.ScreamHeaderSize-processTagSize)
	copy(payload, data[packet.ScreamHeaderSize+processTagSize:])

	tag := remote.IP.String() + ":" + name
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

func (r *ProcessScreamReceiver) trackSource(tag string) {
	r.sourcesMu.Lock()
	defer r.sourcesMu.Unlock()
	if _, ok := r.sources[tag]; !ok {
		r.sources[tag] = struct{}{}
		logrus.WithFields(logrus.Fields{
			"function":   "ProcessScreamReceiver.trackSource",
			"source_tag": tag,
		}).Info("New per-process source discovered")
	}
}

// Stats returns the receiver's counters.
func (r *ProcessScreamReceiver) Stats() Stats {
	r.sourcesMu.Lock()
	n := len(r.sources)
	r.sourcesMu.Unlock()
	return Stats{
		Name:             "scream_process",
		PacketsReceived:  r.received.Load(),
		PacketsDropped:   r.dropped.Load(),
		MalformedPackets: r.malformed.Load(),
		KnownSources:     n,
	}
}
