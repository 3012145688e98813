package mixer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/braheezy/shine-mp3/pkg/mp3"
	"github.com/sirupsen/logrus"
)

// MP3Tee encodes mixed PCM into MPEG1 Layer III frames and keeps a
// bounded queue of encoded buffers for HTTP consumers. Overflow drops the
// oldest buffer.
type MP3Tee struct {
	mu       sync.Mutex
	enc      *mp3.Encoder
	queue    [][]byte
	maxQueue int
	dropped  uint64
	encoded  uint64

	sampleRate int
	channels   int
}

// NewMP3Tee creates an encoder for the sink output format. The shine
// encoder handles one or two channels; wider sink layouts fold to stereo
// before encoding.
func NewMP3Tee(sampleRate, channels, maxQueue int) (*MP3Tee, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive")
	}
	if maxQueue <= 0 {
		maxQueue = 64
	}
	encCh := channels
	if encCh > 2 {
		encCh = 2
	}
	if encCh < 1 {
		return nil, fmt.Errorf("channel count must be positive")
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewMP3Tee",
		"sample_rate": sampleRate,
		"channels":    encCh,
		"max_queue":   maxQueue,
	}).Info("MP3 encoder attached to sink")

	return &MP3Tee{
		enc:        mp3.NewEncoder(sampleRate, encCh),
		maxQueue:   maxQueue,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Encode pushes one mixed frame through the encoder and queues the
// resulting MP3 bytes.
func (t *MP3Tee) Encode(f *Frame) {
	pcm := t.foldToEncoderChannels(f.PCM32)

	var buf bytes.Buffer
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.enc.Write(&buf, pcm); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MP3Tee.Encode",
			"error":    err.Error(),
		}).Debug("MP3 encode failed; frame skipped")
		return
	}
	if buf.Len() == 0 {
		return
	}
	t.queue = append(t.queue, buf.Bytes())
	t.encoded++
	for len(t.queue) > t.maxQueue {
		t.queue = t.queue[1:]
		t.dropped++
	}
}

// foldToEncoderChannels narrows the 32-bit mix to 16-bit samples at one
// or two channels, averaging extra channels into the front pair.
func (t *MP3Tee) foldToEncoderChannels(pcm []int32) []int16 {
	ch := t.channels
	if ch <= 2 {
		out := make([]int16, len(pcm))
		for i, s := range pcm {
			out[i] = int16(s >> 16)
		}
		return out
	}
	frames := len(pcm) / ch
	out := make([]int16, frames*2)
	for f := 0; f < frames; f++ {
		var l, r int64
		var nl, nr int64
		for c := 0; c < ch; c++ {
			v := int64(pcm[f*ch+c] >> 16)
			if c%2 == 0 {
				l += v
				nl++
			} else {
				r += v
				nr++
			}
		}
		out[f*2] = int16(l / nl)
		out[f*2+1] = int16(r / nr)
	}
	return out
}

// Drain returns and clears all queued MP3 data as one blob.
func (t *MP3Tee) Drain() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	var total int
	for _, b := range t.queue {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range t.queue {
		out = append(out, b...)
	}
	t.queue = t.queue[:0]
	return out
}

// Dropped returns the overflow drop count.
func (t *MP3Tee) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Encoded returns how many frames produced MP3 output.
func (t *MP3Tee) Encoded() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoded
}
