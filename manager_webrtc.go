package audiorouter

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/sender"
)

// AddWebRTCListener attaches a WebRTC peer to a sink. The peer
// connection is constructed before the manager lock is taken: pion's
// signaling callbacks fire on its own threads and may call back into
// this manager, so building it under the lock would deadlock.
//
// Parameters:
//   - sinkID: The sink whose mixed audio the peer receives
//   - listenerID: Caller-chosen id; empty is rejected
//   - offerSDP: The peer's SDP offer
//   - cb: Signaling callbacks; OnLocalSDP fires exactly once with the
//     answer, OnLocalICE per gathered candidate
//   - clientIP: Peer address, for logging and stats only
//
// Returns:
//   - error: Validation, negotiation or attach failure
func (m *Manager) AddWebRTCListener(sinkID, listenerID, offerSDP string, cb sender.WebRTCCallbacks, clientIP string) error {
	if listenerID == "" {
		return fmt.Errorf("listener id cannot be empty")
	}

	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSink
	}
	if _, exists := m.listeners[listenerID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("listener %q already attached", listenerID)
	}
	format := entry.cfg.Format
	m.mu.Unlock()

	peer, err := sender.NewWebRTCSender(listenerID, format, offerSDP, cb)
	if err != nil {
		return fmt.Errorf("webrtc listener setup: %w", err)
	}

	m.mu.Lock()
	entry, ok = m.sinks[sinkID]
	if !ok {
		m.mu.Unlock()
		peer.Close()
		return ErrUnknownSink
	}
	if err := entry.mixer.AddListener(listenerID, peer); err != nil {
		m.mu.Unlock()
		peer.Close()
		return err
	}
	m.listeners[listenerID] = &listenerEntry{sinkID: sinkID, sender: peer}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.AddWebRTCListener",
		"sink_id":     sinkID,
		"listener_id": listenerID,
		"client_ip":   clientIP,
	}).Info("WebRTC listener attached")
	return nil
}

// SetWebRTCRemoteDescription applies a renegotiated remote description
// to a listener's peer connection.
func (m *Manager) SetWebRTCRemoteDescription(listenerID, sdp string) error {
	m.mu.Lock()
	l, ok := m.listeners[listenerID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownListener
	}
	return l.sender.SetRemoteDescription(sdp)
}

// AddWebRTCRemoteICECandidate feeds a trickled remote candidate to a
// listener's peer connection.
func (m *Manager) AddWebRTCRemoteICECandidate(listenerID, candidate string) error {
	m.mu.Lock()
	l, ok := m.listeners[listenerID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownListener
	}
	return l.sender.AddRemoteICECandidate(candidate)
}

// RemoveWebRTCListener detaches a listener from its sink and closes the
// peer connection outside the lock.
func (m *Manager) RemoveWebRTCListener(listenerID string) error {
	m.mu.Lock()
	l, ok := m.listeners[listenerID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownListener
	}
	delete(m.listeners, listenerID)
	entry, sinkOK := m.sinks[l.sinkID]
	m.mu.Unlock()

	// Detach and close outside the manager lock; pion teardown can fire
	// state callbacks synchronously.
	if sinkOK {
		entry.mixer.RemoveListener(listenerID)
	}
	err := l.sender.Close()
	logrus.WithFields(logrus.Fields{
		"function":    "Manager.RemoveWebRTCListener",
		"listener_id": listenerID,
		"sink_id":     l.sinkID,
	}).Info("WebRTC listener removed")
	return err
}
