package receiver

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pionopus "github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/packet"
)

// RTPConfig describes the RTP ingest path.
type RTPConfig struct {
	// ListenAddr is the media socket, e.g. ":40000".
	ListenAddr string `yaml:"listen_addr"`
	// DefaultFormat applies to streams not described by SAP.
	DefaultFormat packet.Format `yaml:"default_format"`
	// TagBySSRC tags streams by SSRC instead of sender IP, letting one
	// host originate several streams.
	TagBySSRC bool `yaml:"tag_by_ssrc"`
	// EnableSAP listens for session announcements and learns stream
	// formats before media arrives.
	EnableSAP bool `yaml:"enable_sap"`
	// OpusPayloadType marks payloads to run through the Opus decoder;
	// zero disables Opus handling.
	OpusPayloadType uint8 `yaml:"opus_payload_type"`
}

// sapMulticastAddr is the well-known SAP announcement group.
const sapMulticastAddr = "224.2.127.254:9875"

// opusDecodeBufferBytes is large enough for a 120 ms fullband frame.
const opusDecodeBufferBytes = 11520

// RTPReceiver ingests L16 or Opus RTP streams, with optional SAP
// discovery running alongside the media socket.
type RTPReceiver struct {
	cfg  RTPConfig
	sink PacketSink

	conn    *net.UDPConn
	sapConn *net.UDPConn

	opusMu   sync.Mutex
	opusDecs map[uint32]*pionopus.Decoder

	// learned maps sender IP to the format announced over SAP.
	learnedMu sync.Mutex
	learned   map[string]packet.Format

	received  atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64

	sourcesMu sync.Mutex
	sources   map[string]struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewRTPReceiver creates an RTP receiver.
func NewRTPReceiver(cfg RTPConfig, sink PacketSink) (*RTPReceiver, error) {
	if sink == nil {
		return nil, fmt.Errorf("packet sink cannot be nil")
	}
	if cfg.DefaultFormat.SampleRate == 0 {
		cfg.DefaultFormat = packet.Format{SampleRate: 48000, BitDepth: 16, Channels: 2, ChLayout1: 0, ChLayout2: 3}
	}
	if err := cfg.DefaultFormat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default format: %w", err)
	}
	return &RTPReceiver{
		cfg:      cfg,
		sink:     sink,
		opusDecs: make(map[uint32]*pionopus.Decoder),
		learned:  make(map[string]packet.Format),
		sources:  make(map[string]struct{}),
	}, nil
}

// Start binds the media socket (and the SAP socket when enabled) and
// launches the read loops.
func (r *RTPReceiver) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("rtp receiver already running")
	}
	addr, err := net.ResolveUDPAddr("udp", r.cfg.ListenAddr)
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("resolve %q: %w", r.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("listen %q: %w", r.cfg.ListenAddr, err)
	}
	r.conn = conn
	r.wg.Add(1)
	go r.readLoop()

	if r.cfg.EnableSAP {
		if err := r.startSAP(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RTPReceiver.Start",
				"error":    err.Error(),
			}).Warn("SAP listener unavailable; continuing with default formats")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "RTPReceiver.Start",
		"addr":     conn.LocalAddr().String(),
		"sap":      r.cfg.EnableSAP,
	}).Info("RTP receiver listening")
	return nil
}

// Stop closes the sockets and waits for the loops.
func (r *RTPReceiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.conn.Close()
	if r.sapConn != nil {
		r.sapConn.Close()
	}
	r.wg.Wait()
}

// LocalAddr returns the bound media address.
func (r *RTPReceiver) LocalAddr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *RTPReceiver) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, 4096)
	for {
		r.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !r.running.Load() {
				return
			}
			continue
		}
		r.handlePacket(buf[:n], remote)
	}
}

func (r *RTPReceiver) handlePacket(data []byte, remote *net.UDPAddr) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		r.malformed.Add(1)
		return
	}

	tag := remote.IP.String()
	if r.cfg.TagBySSRC {
		tag = fmt.Sprintf("ssrc:%08x", pkt.SSRC)
	}
	r.trackSource(tag)

	format := r.formatFor(remote.IP.String())

	var payload []byte
	if r.cfg.OpusPayloadType != 0 && pkt.PayloadType == r.cfg.OpusPayloadType {
		decoded, ok := r.decodeOpus(pkt.SSRC, pkt.Payload)
		if !ok {
			r.malformed.Add(1)
			return
		}
		payload = decoded
		format = packet.Format{SampleRate: 48000, BitDepth: 16, Channels: 2, ChLayout1: 0, ChLayout2: 3}
	} else {
		// L16 network order to the engine's little-endian layout.
		if len(pkt.Payload)%2 != 0 {
			r.malformed.Add(1)
			return
		}
		payload = make([]byte, len(pkt.Payload))
		for i := 0; i < len(pkt.Payload); i += 2 {
			payload[i] = pkt.Payload[i+1]
			payload[i+1] = pkt.Payload[i]
		}
	}

	p := &packet.Tagged{
		SourceTag:    tag,
		ReceivedAt:   time.Now(),
		Format:       format,
		RTPTimestamp: pkt.Timestamp,
		HasRTP:       true,
		Payload:      payload,
	}
	if r.sink.AddPacket(p) {
		r.received.Add(1)
	} else {
		r.dropped.Add(1)
	}
}

// decodeOpus runs an Opus payload through the stream's decoder.
func (r *RTPReceiver) decodeOpus(ssrc uint32, data []byte) ([]byte, bool) {
	r.opusMu.Lock()
	dec, ok := r.opusDecs[ssrc]
	if !ok {
		d := pionopus.NewDecoder()
		dec = &d
		r.opusDecs[ssrc] = dec
	}
	r.opusMu.Unlock()

	out := make([]byte, opusDecodeBufferBytes)
	_, isStereo, err := dec.Decode(data, out)
	if err != nil {
		return nil, false
	}
	// The decoder produces 20 ms at 48 kHz: 960 frames.
	const frameBytes = 960 * 2
	if !isStereo {
		// Duplicate mono into both channels so downstream sees the
		// declared stereo layout.
		mono := out[:frameBytes]
		stereo := make([]byte, 0, frameBytes*2)
		for i := 0; i+1 < len(mono); i += 2 {
			stereo = append(stereo, mono[i], mono[i+1], mono[i], mono[i+1])
		}
		return stereo, true
	}
	return out[:frameBytes*2], true
}

func (r *RTPReceiver) formatFor(ip string) packet.Format {
	r.learnedMu.Lock()
	defer r.learnedMu.Unlock()
	if f, ok := r.learned[ip]; ok {
		return f
	}
	return r.cfg.DefaultFormat
}

func (r *RTPReceiver) trackSource(tag string) {
	r.sourcesMu.Lock()
	defer r.sourcesMu.Unlock()
	if _, ok := r.sources[tag]; !ok {
		r.sources[tag] = struct{}{}
		logrus.WithFields(logrus.Fields{
			"function":   "RTPReceiver.trackSource",
			"source_tag": tag,
		}).Info("New RTP source discovered")
	}
}

// startSAP joins the announcement group and learns stream formats.
func (r *RTPReceiver) startSAP() error {
	addr, err := net.ResolveUDPAddr("udp", sapMulticastAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	r.sapConn = conn
	r.wg.Add(1)
	go r.sapLoop()
	return nil
}

func (r *RTPReceiver) sapLoop() {
	defer r.wg.Done()
	buf := make([]byte, 4096)
	for {
		r.sapConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := r.sapConn.ReadFromUDP(buf)
		if err != nil {
			if !r.running.Load() {
				return
			}
			continue
		}
		r.handleSAP(buf[:n])
	}
}

// handleSAP parses one announcement and records the described format
// under the origin address.
func (r *RTPReceiver) handleSAP(data []byte) {
	if len(data) < 8 {
		return
	}
	// Skip the SAP header: flags, auth length, message id hash, origin.
	authLen := int(data[1])
	off := 4 + 4 + authLen*4
	if data[0]&0x10 != 0 {
		off = 4 + 16 + authLen*4 // IPv6 origin
	}
	if off >= len(data) {
		return
	}
	body := data[off:]
	if i := strings.Index(string(body), "application/sdp\x00"); i >= 0 {
		body = body[i+len("application/sdp\x00"):]
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return
	}

	origin := desc.Origin.UnicastAddress
	format, ok := formatFromSDP(&desc)
	if !ok || origin == "" {
		return
	}

	r.learnedMu.Lock()
	prev, had := r.learned[origin]
	r.learned[origin] = format
	r.learnedMu.Unlock()

	if !had || !prev.Equal(format) {
		logrus.WithFields(logrus.Fields{
			"function": "RTPReceiver.handleSAP",
			"origin":   origin,
			"format":   format.String(),
		}).Info("Stream format learned from SAP announcement")
	}
}

// formatFromSDP extracts rate and channel count from the first audio
// media section's rtpmap.
func formatFromSDP(desc *sdp.SessionDescription) (packet.Format, bool) {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, a := range m.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			// "98 L16/48000/2"
			parts := strings.Fields(a.Value)
			if len(parts) < 2 {
				continue
			}
			spec := strings.Split(parts[1], "/")
			if len(spec) < 2 {
				continue
			}
			rate, err := strconv.ParseUint(spec[1], 10, 32)
			if err != nil {
				continue
			}
			channels := 2
			if len(spec) >= 3 {
				if c, err := strconv.Atoi(spec[2]); err == nil {
					channels = c
				}
			}
			f := packet.Format{
				SampleRate: uint32(rate),
				BitDepth:   16,
				Channels:   uint8(channels),
			}
			if f.Validate() == nil {
				return f, true
			}
		}
	}
	return packet.Format{}, false
}

// Stats returns the receiver's counters.
func (r *RTPReceiver) Stats() Stats {
	r.sourcesMu.Lock()
	n := len(r.sources)
	r.sourcesMu.Unlock()
	return Stats{
		Name:             "rtp",
		PacketsReceived:  r.received.Load(),
		PacketsDropped:   r.dropped.Load(),
		MalformedPackets: r.malformed.Load(),
		KnownSources:     n,
	}
}
