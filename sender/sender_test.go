package sender

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/audiorouter/mixer"
	"github.com/opd-ai/audiorouter/packet"
)

func listenUDP(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func stereoFrame(value int32) *mixer.Frame {
	f := packet.Format{SampleRate: 48000, BitDepth: 16, Channels: 2, ChLayout1: 0, ChLayout2: 3}
	pcm := make([]int32, f.ChunkFrames()*int(f.Channels))
	for i := range pcm {
		pcm[i] = value
	}
	raw := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		v := int16(s >> 16)
		raw[i*2] = byte(v)
		raw[i*2+1] = byte(v >> 8)
	}
	return &mixer.Frame{Format: f, PCM32: pcm, Bytes: raw}
}

func TestScreamSenderDatagramLayout(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	s := NewScreamSender("127.0.0.1", port)
	require.NoError(t, s.Setup())
	defer s.Close()

	frame := stereoFrame(1 << 20)
	require.NoError(t, s.SendChunk(frame))

	// One stereo 16-bit chunk is 2304 bytes: exactly two datagrams.
	recv.SetReadDeadline(time.Now().Add(time.Second))
	for i := 0; i < 2; i++ {
		buf := make([]byte, 2048)
		n, _, err := recv.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, packet.ScreamHeaderSize+packet.ScreamPayloadSize, n)

		decoded, err := packet.DecodeScreamHeader(buf[:n])
		require.NoError(t, err)
		assert.True(t, frame.Format.Equal(decoded))
	}
	assert.Equal(t, uint64(2), s.DatagramsSent())
}

func TestScreamSenderCarriesPartialPayload(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	s := NewScreamSender("127.0.0.1", port)
	require.NoError(t, s.Setup())
	defer s.Close()

	// 24-bit mono: 576 frames × 3 bytes = 1728 bytes = 1.5 payloads.
	f := packet.Format{SampleRate: 48000, BitDepth: 24, Channels: 1}
	frame := &mixer.Frame{Format: f, Bytes: make([]byte, f.ChunkBytes())}
	require.NoError(t, s.SendChunk(frame))
	assert.Equal(t, uint64(1), s.DatagramsSent(), "half a payload must be carried, not padded")

	require.NoError(t, s.SendChunk(frame))
	assert.Equal(t, uint64(3), s.DatagramsSent(), "the carry completes on the next chunk")
}

func TestRTPSenderEmitsValidPackets(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	s, err := NewRTPSender([]Destination{{Host: "127.0.0.1", Port: port}}, false)
	require.NoError(t, err)
	require.NoError(t, s.Setup())
	defer s.Close()

	require.NoError(t, s.SendChunk(stereoFrame(1<<24)))

	recv.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, _, err := recv.ReadFromUDP(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(2), pkt.Version)
	assert.Equal(t, uint8(rtpDynamicPayloadType), pkt.PayloadType)
	assert.NotZero(t, pkt.SSRC)
	assert.LessOrEqual(t, len(pkt.Payload), rtpMaxPayloadBytes)
	// L16 big-endian: 1<<24 widened is 0x0100 per sample.
	assert.Equal(t, byte(0x01), pkt.Payload[0])
	assert.Equal(t, byte(0x00), pkt.Payload[1])
}

func TestRTPSenderSequenceAndTimestampAdvance(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	s, err := NewRTPSender([]Destination{{Host: "127.0.0.1", Port: port}}, false)
	require.NoError(t, err)
	require.NoError(t, s.Setup())
	defer s.Close()

	require.NoError(t, s.SendChunk(stereoFrame(0)))
	require.NoError(t, s.SendChunk(stereoFrame(0)))

	recv.SetReadDeadline(time.Now().Add(time.Second))
	var packets []rtp.Packet
	buf := make([]byte, 4096)
	for i := 0; i < 4; i++ {
		n, _, err := recv.ReadFromUDP(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		packets = append(packets, pkt)
	}
	for i := 1; i < len(packets); i++ {
		assert.Equal(t, packets[i-1].SequenceNumber+1, packets[i].SequenceNumber)
		assert.Greater(t, packets[i].Timestamp, packets[i-1].Timestamp)
	}
}

func TestRTPSenderMultiDeviceSplitsPairs(t *testing.T) {
	recvA, portA := listenUDP(t)
	defer recvA.Close()
	recvB, portB := listenUDP(t)
	defer recvB.Close()

	s, err := NewRTPSender([]Destination{
		{Host: "127.0.0.1", Port: portA, ChannelOffset: 0},
		{Host: "127.0.0.1", Port: portB, ChannelOffset: 1},
	}, false)
	require.NoError(t, err)
	require.NoError(t, s.Setup())
	defer s.Close()

	// Four channels: pair 0 carries 0x0100 samples, pair 1 carries 0x0200.
	f := packet.Format{SampleRate: 48000, BitDepth: 16, Channels: 4}
	pcm := make([]int32, f.ChunkFrames()*4)
	for fr := 0; fr < f.ChunkFrames(); fr++ {
		pcm[fr*4+0] = 1 << 24
		pcm[fr*4+1] = 1 << 24
		pcm[fr*4+2] = 2 << 24
		pcm[fr*4+3] = 2 << 24
	}
	require.NoError(t, s.SendChunk(&mixer.Frame{Format: f, PCM32: pcm}))

	check := func(conn *net.UDPConn, wantHigh byte) rtp.Packet {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 4096)
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		assert.Equal(t, wantHigh, pkt.Payload[0])
		return pkt
	}
	a := check(recvA, 0x01)
	b := check(recvB, 0x02)
	assert.Equal(t, a.Timestamp, b.Timestamp, "split destinations share the RTP timestamp")
}

func TestRTPOpusSenderRejectsNon48k(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	s, err := NewRTPOpusSender([]Destination{{Host: "127.0.0.1", Port: port}}, 0)
	require.NoError(t, err)
	require.NoError(t, s.Setup())
	defer s.Close()

	f := packet.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	err = s.SendChunk(&mixer.Frame{Format: f, PCM32: make([]int32, f.ChunkFrames()*2)})
	assert.Error(t, err)
}

func TestRTPOpusSenderEmitsAfterFullFrame(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	s, err := NewRTPOpusSender([]Destination{{Host: "127.0.0.1", Port: port}}, 64000)
	require.NoError(t, err)
	require.NoError(t, s.Setup())
	defer s.Close()

	// One 576-frame chunk is under the 960-frame Opus frame: no packet
	// yet. The second chunk completes a frame.
	require.NoError(t, s.SendChunk(stereoFrame(1000<<16)))
	assert.Equal(t, uint64(0), s.PacketsSent())
	require.NoError(t, s.SendChunk(stereoFrame(1000<<16)))
	assert.Equal(t, uint64(1), s.PacketsSent())

	recv.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, _, err := recv.ReadFromUDP(buf)
	require.NoError(t, err)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(opusPayloadType), pkt.PayloadType)
	assert.NotEmpty(t, pkt.Payload)
}

func TestDestinationChannelOffsetBeyondSinkIsSkipped(t *testing.T) {
	recv, port := listenUDP(t)
	defer recv.Close()

	s, err := NewRTPSender([]Destination{
		{Host: "127.0.0.1", Port: port, ChannelOffset: 0},
		{Host: "127.0.0.1", Port: port, ChannelOffset: 3}, // beyond stereo
	}, false)
	require.NoError(t, err)
	require.NoError(t, s.Setup())
	defer s.Close()

	require.NoError(t, s.SendChunk(stereoFrame(0)))
	// Only the valid mapping produced packets.
	assert.Equal(t, uint64(2), s.PacketsSent())
}
