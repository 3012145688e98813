// Package device manages the process-wide PortAudio lifecycle and the
// system audio device registry. Initialization is reference-counted so
// any number of capture receivers and playback senders can share the
// host API; the last release terminates it. The registry also keeps a
// polled snapshot of attached devices and queues hotplug notifications
// for the control plane.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

// Info describes one system audio endpoint.
type Info struct {
	Index      int
	Name       string
	HostAPI    string
	MaxInputs  int
	MaxOutputs int
	SampleRate float64
}

// Event is a hotplug notification.
type Event struct {
	Kind   string // "added" or "removed"
	Device Info
	At     time.Time
}

var (
	mu       sync.Mutex
	refCount int

	snapshot  []Info
	notifyQ   []Event
	notifyMax = 256
)

// Acquire initializes PortAudio on the first call and bumps the
// reference count on every call. Each Acquire must be paired with one
// Release.
func Acquire() error {
	mu.Lock()
	defer mu.Unlock()
	if refCount == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio initialize: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "device.Acquire",
		}).Info("PortAudio initialized")
	}
	refCount++
	return nil
}

// Release drops one reference; the last release terminates PortAudio.
func Release() {
	mu.Lock()
	defer mu.Unlock()
	if refCount == 0 {
		return
	}
	refCount--
	if refCount == 0 {
		if err := portaudio.Terminate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "device.Release",
				"error":    err.Error(),
			}).Warn("PortAudio terminate failed")
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "device.Release",
			}).Info("PortAudio terminated")
		}
	}
}

// Refresh re-reads the device list, updates the snapshot and queues a
// notification for every appearance or disappearance since the previous
// refresh. Requires an active Acquire.
func Refresh() error {
	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("portaudio device enumeration: %w", err)
	}

	current := make([]Info, 0, len(devices))
	for i, d := range devices {
		if d == nil {
			continue
		}
		host := ""
		if d.HostApi != nil {
			host = d.HostApi.Name
		}
		current = append(current, Info{
			Index:      i,
			Name:       d.Name,
			HostAPI:    host,
			MaxInputs:  d.MaxInputChannels,
			MaxOutputs: d.MaxOutputChannels,
			SampleRate: d.DefaultSampleRate,
		})
	}

	mu.Lock()
	defer mu.Unlock()

	prev := make(map[string]Info, len(snapshot))
	for _, d := range snapshot {
		prev[d.Name] = d
	}
	seen := make(map[string]bool, len(current))
	now := time.Now()
	for _, d := range current {
		seen[d.Name] = true
		if _, ok := prev[d.Name]; !ok {
			queueLocked(Event{Kind: "added", Device: d, At: now})
		}
	}
	for name, d := range prev {
		if !seen[name] {
			queueLocked(Event{Kind: "removed", Device: d, At: now})
		}
	}
	snapshot = current
	return nil
}

func queueLocked(e Event) {
	notifyQ = append(notifyQ, e)
	for len(notifyQ) > notifyMax {
		notifyQ = notifyQ[1:]
	}
	logrus.WithFields(logrus.Fields{
		"function": "device.notify",
		"kind":     e.Kind,
		"device":   e.Device.Name,
	}).Info("System audio device change")
}

// Snapshot returns the device list from the last Refresh.
func Snapshot() []Info {
	mu.Lock()
	defer mu.Unlock()
	out := make([]Info, len(snapshot))
	copy(out, snapshot)
	return out
}

// DrainNotifications returns and clears all queued hotplug events.
func DrainNotifications() []Event {
	mu.Lock()
	defer mu.Unlock()
	out := notifyQ
	notifyQ = nil
	return out
}

// sharedHandle tracks one reference-counted open device stream.
type sharedHandle struct {
	value interface{}
	count int
	close func() error
}

var (
	handleMu sync.Mutex
	handles  = make(map[string]*sharedHandle)
)

// AcquireShared opens a keyed resource once and shares it across
// acquirers. open runs only for the first acquirer; closeFn runs when
// the last ReleaseShared for the key is called.
//
// Returns:
//   - interface{}: The shared value returned by open
//   - error: Any error from open
func AcquireShared(key string, open func() (interface{}, func() error, error)) (interface{}, error) {
	handleMu.Lock()
	defer handleMu.Unlock()
	if h, ok := handles[key]; ok {
		h.count++
		return h.value, nil
	}
	value, closeFn, err := open()
	if err != nil {
		return nil, err
	}
	handles[key] = &sharedHandle{value: value, count: 1, close: closeFn}
	return value, nil
}

// ReleaseShared drops one reference; the last release closes the
// underlying resource.
func ReleaseShared(key string) {
	handleMu.Lock()
	defer handleMu.Unlock()
	h, ok := handles[key]
	if !ok {
		return
	}
	h.count--
	if h.count > 0 {
		return
	}
	delete(handles, key)
	if h.close != nil {
		if err := h.close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "device.ReleaseShared",
				"key":      key,
				"error":    err.Error(),
			}).Warn("Shared device close failed")
		}
	}
}
