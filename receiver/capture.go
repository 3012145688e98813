package receiver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/device"
	"github.com/opd-ai/audiorouter/packet"
)

// CaptureReceiver ingests audio from a system capture device through
// PortAudio. The source tag is "ac:<device>" so capture streams route
// like any network source.
//
// Instances are reference-counted: the engine opens each device once and
// every source processor interested in it retains the shared receiver;
// the last Release stops the stream.
type CaptureReceiver struct {
	deviceName string
	format     packet.Format
	sink       PacketSink

	refs atomic.Int32

	received atomic.Uint64
	dropped  atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	acquired bool
}

// NewCaptureReceiver creates a capture receiver for the named device
// ("" selects the default input). The tag format fields describe what
// the device delivers.
func NewCaptureReceiver(deviceName string, format packet.Format, sink PacketSink) (*CaptureReceiver, error) {
	if sink == nil {
		return nil, fmt.Errorf("packet sink cannot be nil")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("capture path delivers 16-bit samples, got %d", format.BitDepth)
	}
	return &CaptureReceiver{
		deviceName: deviceName,
		format:     format,
		sink:       sink,
	}, nil
}

// SourceTag returns the stable identity capture packets carry.
func (r *CaptureReceiver) SourceTag() string {
	name := r.deviceName
	if name == "" {
		name = "default"
	}
	return "ac:" + name
}

// Running reports whether the capture loop is active.
func (r *CaptureReceiver) Running() bool { return r.running.Load() }

// Retain bumps the reference count and returns the new value.
func (r *CaptureReceiver) Retain() int32 { return r.refs.Add(1) }

// Release drops one reference; the last release stops the stream.
func (r *CaptureReceiver) Release() {
	if r.refs.Add(-1) <= 0 {
		r.Stop()
	}
}

// Start acquires PortAudio and launches the capture loop.
func (r *CaptureReceiver) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("capture receiver already running")
	}
	if err := device.Acquire(); err != nil {
		r.running.Store(false)
		return err
	}
	r.acquired = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.captureLoop()
	logrus.WithFields(logrus.Fields{
		"function":   "CaptureReceiver.Start",
		"source_tag": r.SourceTag(),
		"format":     r.format.String(),
	}).Info("System capture receiver started")
	return nil
}

// Stop halts capture and releases the device.
func (r *CaptureReceiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	if r.acquired {
		device.Release()
		r.acquired = false
	}
}

func (r *CaptureReceiver) captureLoop() {
	defer r.wg.Done()

	channels := int(r.format.Channels)
	frames := r.format.FramesPerScreamPacket()
	buf := make([]int16, frames*channels)

	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(r.format.SampleRate), frames, buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CaptureReceiver.captureLoop",
			"error":    err.Error(),
		}).Error("Capture device open failed")
		return
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CaptureReceiver.captureLoop",
			"error":    err.Error(),
		}).Error("Capture stream start failed")
		return
	}
	defer stream.Stop()

	tag := r.SourceTag()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		if err := stream.Read(); err != nil {
			// Overflow drops the block; anything else retries shortly.
			if err != portaudio.InputOverflowed {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}

		payload := make([]byte, len(buf)*2)
		for i, s := range buf {
			payload[i*2] = byte(s)
			payload[i*2+1] = byte(s >> 8)
		}
		p := &packet.Tagged{
			SourceTag:  tag,
			ReceivedAt: time.Now(),
			Format:     r.format,
			Payload:    payload,
		}
		if r.sink.AddPacket(p) {
			r.received.Add(1)
		} else {
			r.dropped.Add(1)
		}
	}
}

// Stats returns the receiver's counters.
func (r *CaptureReceiver) Stats() Stats {
	return Stats{
		Name:            "capture:" + r.SourceTag(),
		PacketsReceived: r.received.Load(),
		PacketsDropped:  r.dropped.Load(),
		KnownSources:    1,
	}
}
