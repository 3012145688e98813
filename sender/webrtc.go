package sender

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
	"layeh.com/gopus"

	"github.com/opd-ai/audiorouter/dsp"
	"github.com/opd-ai/audiorouter/mixer"
	"github.com/opd-ai/audiorouter/packet"
)

// WebRTCCallbacks carries the signaling outputs of a peer connection.
// OnLocalSDP is called synchronously, before NewWebRTCSender returns.
// OnLocalICE and OnConnectionState fire on pion's own threads; receivers
// must hand those values off to their own queue rather than re-entering
// the engine.
type WebRTCCallbacks struct {
	// OnLocalSDP fires exactly once with the local answer.
	OnLocalSDP func(sdp string)
	// OnLocalICE fires for every gathered local candidate.
	OnLocalICE func(candidate string)
	// OnConnectionState fires on every peer connection state change.
	OnConnectionState func(state string)
}

// WebRTCSender is one listener's peer connection: it Opus-encodes the
// sink's mixed PCM and streams it over SRTP.
//
// NewWebRTCSender dials pion and must never be called while holding the
// audio manager mutex; pion's signaling callbacks can re-enter the
// control surface and would deadlock against it.
type WebRTCSender struct {
	listenerID string
	format     packet.Format

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	enc       *gopus.Encoder
	resampler *dsp.Resampler
	pending   []int16

	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	samplesSent atomic.Uint64
	errors      atomic.Uint64
}

// NewWebRTCSender builds the peer connection, applies the remote offer
// and emits the local answer and ICE candidates through the callbacks.
//
// Parameters:
//   - listenerID: Identifier for logging and stats
//   - format: The owning sink's output format
//   - offerSDP: The remote peer's SDP offer
//   - cb: Signaling callbacks; OnLocalSDP is required
//
// Returns:
//   - *WebRTCSender: The connected-pending sender
//   - error: Any pion setup or negotiation failure
func NewWebRTCSender(listenerID string, format packet.Format, offerSDP string, cb WebRTCCallbacks) (*WebRTCSender, error) {
	if cb.OnLocalSDP == nil {
		return nil, fmt.Errorf("OnLocalSDP callback is required")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sink format: %w", err)
	}

	enc, err := gopus.NewEncoder(48000, 2, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	s := &WebRTCSender{
		listenerID: listenerID,
		format:     format,
		enc:        enc,
	}
	if format.SampleRate != 48000 {
		rs, err := dsp.NewResampler(format.SampleRate, 48000, 2)
		if err != nil {
			return nil, err
		}
		s.resampler = rs
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	s.pc = pc

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "audiorouter",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	s.track = track

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnLocalICE == nil {
			return
		}
		cb.OnLocalICE(c.ToJSON().Candidate)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function":    "WebRTCSender.stateChange",
			"listener_id": listenerID,
			"state":       state.String(),
		}).Info("Peer connection state changed")
		s.connected.Store(state == webrtc.PeerConnectionStateConnected)
		if cb.OnConnectionState != nil {
			cb.OnConnectionState(state.String())
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	cb.OnLocalSDP(answer.SDP)

	logrus.WithFields(logrus.Fields{
		"function":    "NewWebRTCSender",
		"listener_id": listenerID,
		"sink_format": format.String(),
	}).Info("WebRTC listener negotiating")
	return s, nil
}

// SetRemoteDescription applies a renegotiated remote description.
func (s *WebRTCSender) SetRemoteDescription(sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

// AddRemoteICECandidate feeds a trickled remote candidate to pion.
func (s *WebRTCSender) AddRemoteICECandidate(candidate string) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// Setup satisfies the Emitter contract; negotiation already ran in the
// constructor.
func (s *WebRTCSender) Setup() error { return nil }

// SendChunk folds the mix to stereo, resamples to 48 kHz when the sink
// runs at another rate, and streams complete 20 ms Opus frames. Chunks
// arriving before the peer connection is established are discarded.
func (s *WebRTCSender) SendChunk(f *mixer.Frame) error {
	if s.closed.Load() {
		return fmt.Errorf("webrtc sender closed")
	}
	if !s.connected.Load() {
		return nil
	}

	stereo := foldToStereo32(f.PCM32, int(f.Format.Channels))
	if s.resampler != nil {
		resampled, err := s.resampler.Process(stereo)
		if err != nil {
			s.errors.Add(1)
			return err
		}
		stereo = resampled
	}
	for _, v := range stereo {
		s.pending = append(s.pending, int16(v>>16))
	}

	for len(s.pending) >= opusFrameSamples*2 {
		frame := s.pending[:opusFrameSamples*2]
		s.pending = s.pending[opusFrameSamples*2:]

		encoded, err := s.enc.Encode(frame, opusFrameSamples, opusMaxPacketBytes)
		if err != nil {
			s.errors.Add(1)
			return err
		}
		if err := s.track.WriteSample(media.Sample{
			Data:     encoded,
			Duration: 20 * time.Millisecond,
		}); err != nil {
			s.errors.Add(1)
			return err
		}
		s.samplesSent.Add(1)
	}
	return nil
}

// Close tears the peer connection down.
func (s *WebRTCSender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.pc.Close()
		logrus.WithFields(logrus.Fields{
			"function":    "WebRTCSender.Close",
			"listener_id": s.listenerID,
		}).Info("WebRTC listener closed")
	})
	return err
}

// Connected reports whether the peer connection is established.
func (s *WebRTCSender) Connected() bool { return s.connected.Load() }

// foldToStereo32 reduces any channel count to interleaved stereo,
// averaging extra channels into the matching side.
func foldToStereo32(pcm []int32, channels int) []int32 {
	if channels == 2 {
		out := make([]int32, len(pcm))
		copy(out, pcm)
		return out
	}
	frames := len(pcm) / channels
	out := make([]int32, frames*2)
	if channels == 1 {
		for f := 0; f < frames; f++ {
			out[f*2] = pcm[f]
			out[f*2+1] = pcm[f]
		}
		return out
	}
	for f := 0; f < frames; f++ {
		var l, r int64
		var nl, nr int64
		for c := 0; c < channels; c++ {
			v := int64(pcm[f*channels+c])
			if c%2 == 0 {
				l += v
				nl++
			} else {
				r += v
				nr++
			}
		}
		out[f*2] = int32(l / nl)
		out[f*2+1] = int32(r / nr)
	}
	return out
}
