package audiorouter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiorouter/device"
	"github.com/opd-ai/audiorouter/dsp"
	"github.com/opd-ai/audiorouter/mixer"
	"github.com/opd-ai/audiorouter/packet"
	"github.com/opd-ai/audiorouter/receiver"
	"github.com/opd-ai/audiorouter/ring"
	"github.com/opd-ai/audiorouter/sender"
	"github.com/opd-ai/audiorouter/source"
	"github.com/opd-ai/audiorouter/timeshift"
	"github.com/opd-ai/audiorouter/timesync"
)

// Sink protocols.
const (
	ProtocolScream      = "scream"
	ProtocolRTP         = "rtp"
	ProtocolRTPOpus     = "rtp_opus"
	ProtocolSystemAudio = "system_audio"
	ProtocolWebReceiver = "web_receiver"
)

// Errors surfaced to the control plane.
var (
	ErrUnknownSink     = errors.New("unknown sink")
	ErrUnknownSource   = errors.New("unknown source instance")
	ErrUnknownListener = errors.New("unknown listener")
	ErrDuplicateSink   = errors.New("sink id already exists")
	ErrUnknownProtocol = errors.New("unknown sink protocol")
	ErrManagerStopped  = errors.New("audio manager stopped")
	ErrRouteExists     = errors.New("route already connected")
	ErrUnknownRoute    = errors.New("route not connected")
)

// SinkConfig describes one sink to create.
type SinkConfig struct {
	SinkID   string        `yaml:"sink_id"`
	Protocol string        `yaml:"protocol"`
	IP       string        `yaml:"ip"`
	Port     int           `yaml:"port"`
	Format   packet.Format `yaml:"format"`

	MP3Enabled    bool          `yaml:"mp3_enabled"`
	TimeSync      bool          `yaml:"time_sync"`
	TimeSyncDelay time.Duration `yaml:"time_sync_delay"`

	// RTPDestinations enables multi-device mapping for rtp/rtp_opus
	// sinks; empty means a single destination at IP:Port.
	RTPDestinations []sender.Destination `yaml:"rtp_destinations"`
	// AnnounceSAP emits session announcements for rtp sinks.
	AnnounceSAP bool `yaml:"announce_sap"`
	// OpusBitrate tunes rtp_opus encoding; zero selects the default.
	OpusBitrate int `yaml:"opus_bitrate"`
}

// SourceConfig describes one source instance to create.
type SourceConfig struct {
	// InstanceID is optional; empty generates one.
	InstanceID string `yaml:"instance_id"`
	// SourceTag filters the stream this instance consumes.
	SourceTag string `yaml:"source_tag"`
	// OutputFormat is the target sink format this instance renders for.
	OutputFormat packet.Format `yaml:"output_format"`

	Volume              float64                   `yaml:"volume"`
	EQGains             [dsp.EQBands]float64      `yaml:"eq_gains"`
	EQNormalization     bool                      `yaml:"eq_normalization"`
	VolumeNormalization bool                      `yaml:"volume_normalization"`
	Delay               time.Duration             `yaml:"delay"`
	Timeshift           time.Duration             `yaml:"timeshift"`
	SpeakerLayouts      map[int]dsp.SpeakerLayout `yaml:"speaker_layouts"`
}

// SourceParameters carries optional per-source updates; nil fields are
// left unchanged.
type SourceParameters struct {
	Volume              *float64
	EQGains             *[dsp.EQBands]float64
	EQNormalization     *bool
	VolumeNormalization *bool
	Delay               *time.Duration
	Timeshift           *time.Duration
	SpeakerLayouts      map[int]dsp.SpeakerLayout
}

// sinkEntry bundles a mixer with its configuration and coordinator.
type sinkEntry struct {
	cfg         SinkConfig
	mixer       *mixer.Mixer
	coordinator *timesync.Coordinator
}

// listenerEntry tracks one WebRTC listener attachment.
type listenerEntry struct {
	sinkID string
	sender *sender.WebRTCSender
}

// Manager is the audio engine's control surface. The configuration
// applier owns exactly one Manager; all sink/source/route/listener
// lifecycle flows through it.
//
// Lock discipline: the manager mutex guards the component maps. Public
// methods lock once and call unexported ...Locked helpers, which keeps
// the recursion the control APIs need without re-entering the lock.
// WebRTC peer connections are always constructed outside the lock; pion
// signaling callbacks may re-enter the control surface and would
// deadlock otherwise.
type Manager struct {
	settings *SettingsStore

	mu        sync.Mutex
	stopped   bool
	sources   map[string]*source.Processor
	sinks     map[string]*sinkEntry
	routes    map[string]*ring.ChunkRing // key: instanceID + "\x00" + sinkID
	listeners map[string]*listenerEntry  // key: listenerID
	clocks    map[uint32]*timesync.Clock
	receivers []receiver.Receiver
	captures  map[string]*receiver.CaptureReceiver

	ts *timeshift.Manager

	collector *Collector
}

// NewManager creates the engine with the given settings (zero-value
// fields take their defaults) and starts the timeshift dispatcher and
// the stats collector.
func NewManager(settings EngineSettings) (*Manager, error) {
	store := NewSettingsStore(settings)
	ts := timeshift.NewManager(settings.Timeshift, nil)
	if err := ts.Start(); err != nil {
		return nil, fmt.Errorf("timeshift start: %w", err)
	}

	m := &Manager{
		settings:  store,
		sources:   make(map[string]*source.Processor),
		sinks:     make(map[string]*sinkEntry),
		routes:    make(map[string]*ring.ChunkRing),
		listeners: make(map[string]*listenerEntry),
		clocks:    make(map[uint32]*timesync.Clock),
		captures:  make(map[string]*receiver.CaptureReceiver),
		ts:        ts,
	}
	m.collector = NewCollector(m, time.Second)
	m.collector.Start()

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Info("Audio manager created")
	return m, nil
}

// Timeshift exposes the timeshift manager to receivers created by the
// caller (plugin hosts push packets straight into it).
func (m *Manager) Timeshift() *timeshift.Manager { return m.ts }

// --- sink CRUD ---

// AddSink creates a sink mixer with its protocol sender and starts it.
func (m *Manager) AddSink(cfg SinkConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addSinkLocked(cfg)
}

func (m *Manager) addSinkLocked(cfg SinkConfig) error {
	if m.stopped {
		return ErrManagerStopped
	}
	if cfg.SinkID == "" {
		return fmt.Errorf("sink id cannot be empty")
	}
	if _, exists := m.sinks[cfg.SinkID]; exists {
		return ErrDuplicateSink
	}

	s := m.settings.Load()
	mx, err := mixer.NewMixer(mixer.Config{
		SinkID:                  cfg.SinkID,
		OutputFormat:            cfg.Format,
		MP3Enabled:              cfg.MP3Enabled,
		MP3MaxQueue:             s.Mixer.MP3MaxQueue,
		TimeSync:                cfg.TimeSync,
		TimeSyncDelay:           cfg.TimeSyncDelay,
		UnderrunHoldTimeout:     s.Mixer.UnderrunHoldTimeout,
		MaxReadyChunksPerSource: s.Mixer.MaxReadyChunksPerSource,
		MaxReadyQueueDuration:   s.Mixer.MaxReadyQueueDuration,
	})
	if err != nil {
		return err
	}

	egress, err := m.buildSenderLocked(cfg)
	if err != nil {
		return err
	}
	if egress != nil {
		if err := mx.AddSender(cfg.Protocol, egress); err != nil {
			return err
		}
	}

	entry := &sinkEntry{cfg: cfg, mixer: mx}
	if cfg.TimeSync {
		clock, ok := m.clocks[cfg.Format.SampleRate]
		if !ok {
			clock = timesync.NewClock(cfg.Format.SampleRate, s.Sync, nil)
			m.clocks[cfg.Format.SampleRate] = clock
		}
		co := timesync.NewCoordinator(cfg.SinkID, clock)
		co.Enable()
		mx.SetCoordinator(co)
		entry.coordinator = co
	}

	if err := mx.Start(); err != nil {
		if entry.coordinator != nil {
			entry.coordinator.Disable()
		}
		return err
	}
	m.sinks[cfg.SinkID] = entry

	logrus.WithFields(logrus.Fields{
		"function": "Manager.AddSink",
		"sink_id":  cfg.SinkID,
		"protocol": cfg.Protocol,
		"format":   cfg.Format.String(),
	}).Info("Sink created")
	return nil
}

// buildSenderLocked constructs the protocol egress for a sink config.
// web_receiver sinks have no fixed sender; their listeners attach later.
func (m *Manager) buildSenderLocked(cfg SinkConfig) (mixer.Emitter, error) {
	s := m.settings.Load()
	switch cfg.Protocol {
	case ProtocolScream:
		return sender.NewScreamSender(cfg.IP, cfg.Port), nil
	case ProtocolRTP:
		dests := cfg.RTPDestinations
		if len(dests) == 0 {
			dests = []sender.Destination{{Host: cfg.IP, Port: cfg.Port}}
		}
		return sender.NewRTPSender(dests, cfg.AnnounceSAP)
	case ProtocolRTPOpus:
		dests := cfg.RTPDestinations
		if len(dests) == 0 {
			dests = []sender.Destination{{Host: cfg.IP, Port: cfg.Port}}
		}
		return sender.NewRTPOpusSender(dests, cfg.OpusBitrate)
	case ProtocolSystemAudio:
		return sender.NewSystemSender(s.Playback, cfg.Format)
	case ProtocolWebReceiver:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.Protocol)
	}
}

// RemoveSink disconnects every route and listener, stops the mixer and
// releases the coordinator.
func (m *Manager) RemoveSink(sinkID string) error {
	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSink
	}

	for key := range m.routes {
		instanceID, routeSink := splitRouteKey(key)
		if routeSink != sinkID {
			continue
		}
		m.disconnectLocked(instanceID, sinkID)
	}
	var peers []*sender.WebRTCSender
	for id, l := range m.listeners {
		if l.sinkID == sinkID {
			peers = append(peers, l.sender)
			entry.mixer.RemoveListener(id)
			delete(m.listeners, id)
		}
	}
	delete(m.sinks, sinkID)
	if entry.coordinator != nil {
		entry.coordinator.Disable()
	}
	m.mu.Unlock()

	// Mixer stop closes its senders; peer connections close outside the
	// lock like they were created.
	entry.mixer.Stop()
	for _, p := range peers {
		_ = p.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.RemoveSink",
		"sink_id":  sinkID,
	}).Info("Sink removed")
	return nil
}

// --- source CRUD ---

// ConfigureSource creates a source instance, registers its timeshift
// cursor and starts its processing thread.
//
// Returns:
//   - string: The instance id (generated when the config left it empty)
//   - error: Any validation or registration failure
func (m *Manager) ConfigureSource(cfg SourceConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", ErrManagerStopped
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if _, exists := m.sources[cfg.InstanceID]; exists {
		return "", fmt.Errorf("source instance %q already exists", cfg.InstanceID)
	}

	s := m.settings.Load()
	proc, err := source.NewProcessor(source.Config{
		InstanceID:          cfg.InstanceID,
		SourceTag:           cfg.SourceTag,
		OutputFormat:        cfg.OutputFormat,
		Volume:              cfg.Volume,
		EQGains:             cfg.EQGains,
		EQNormalization:     cfg.EQNormalization,
		VolumeNormalization: cfg.VolumeNormalization,
		Delay:               cfg.Delay,
		Timeshift:           cfg.Timeshift,
		SpeakerLayouts:      cfg.SpeakerLayouts,
		Normalizer:          s.Normalizer,
		DCCutoffHz:          s.DCFilterCutoffHz,
		VolumeSmoothing:     s.VolumeSmoothing,
		DitherShaping:       s.DitherShaping,
	}, m.ts)
	if err != nil {
		return "", err
	}

	if err := m.ts.RegisterProcessor(cfg.InstanceID, cfg.SourceTag, cfg.Delay, cfg.Timeshift); err != nil {
		return "", err
	}
	if err := m.ts.AttachSinkRing(cfg.InstanceID, "input", proc.InputRing()); err != nil {
		m.ts.UnregisterProcessor(cfg.InstanceID)
		return "", err
	}
	if err := proc.Start(); err != nil {
		m.ts.UnregisterProcessor(cfg.InstanceID)
		return "", err
	}
	m.sources[cfg.InstanceID] = proc

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.ConfigureSource",
		"instance_id": cfg.InstanceID,
		"source_tag":  cfg.SourceTag,
	}).Info("Source instance configured")
	return cfg.InstanceID, nil
}

// RemoveSource disconnects the instance's routes, unregisters its
// cursor and stops its thread.
func (m *Manager) RemoveSource(instanceID string) error {
	m.mu.Lock()
	proc, ok := m.sources[instanceID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSource
	}
	for key := range m.routes {
		routeInstance, sinkID := splitRouteKey(key)
		if routeInstance == instanceID {
			m.disconnectLocked(instanceID, sinkID)
		}
	}
	delete(m.sources, instanceID)
	m.ts.UnregisterProcessor(instanceID)
	m.mu.Unlock()

	proc.Stop()
	logrus.WithFields(logrus.Fields{
		"function":    "Manager.RemoveSource",
		"instance_id": instanceID,
	}).Info("Source instance removed")
	return nil
}

// --- routing ---

func routeKey(instanceID, sinkID string) string { return instanceID + "\x00" + sinkID }

func splitRouteKey(key string) (instanceID, sinkID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// ConnectSourceSink realizes a route: one chunk ring owned by the
// connection, attached to the source's fan-out and the sink's lane set.
func (m *Manager) ConnectSourceSink(instanceID, sinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proc, ok := m.sources[instanceID]
	if !ok {
		return ErrUnknownSource
	}
	entry, ok := m.sinks[sinkID]
	if !ok {
		return ErrUnknownSink
	}
	key := routeKey(instanceID, sinkID)
	if _, exists := m.routes[key]; exists {
		return ErrRouteExists
	}

	r := ring.NewChunkRing(m.settings.Load().ChunkRingSize)
	proc.AttachSink(sinkID, r)
	entry.mixer.AddInputRing(instanceID, r)
	m.routes[key] = r

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.ConnectSourceSink",
		"instance_id": instanceID,
		"sink_id":     sinkID,
	}).Info("Route connected")
	return nil
}

// DisconnectSourceSink removes a route; the last detacher releases the
// ring.
func (m *Manager) DisconnectSourceSink(instanceID, sinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.routes[routeKey(instanceID, sinkID)]; !exists {
		return ErrUnknownRoute
	}
	m.disconnectLocked(instanceID, sinkID)
	return nil
}

func (m *Manager) disconnectLocked(instanceID, sinkID string) {
	key := routeKey(instanceID, sinkID)
	if proc, ok := m.sources[instanceID]; ok {
		proc.DetachSink(sinkID)
		proc.SetSyncTrim(0)
	}
	if entry, ok := m.sinks[sinkID]; ok {
		entry.mixer.RemoveInputRing(instanceID)
	}
	delete(m.routes, key)
}

// --- per-source control ---

// UpdateSourceParameters enqueues control commands for the non-nil
// fields; they apply in order at the instance's next chunk boundary.
func (m *Manager) UpdateSourceParameters(instanceID string, params SourceParameters) error {
	m.mu.Lock()
	proc, ok := m.sources[instanceID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSource
	}

	enqueue := func(cmd source.Command) error {
		if !proc.Enqueue(cmd) {
			return fmt.Errorf("command queue full for instance %q", instanceID)
		}
		return nil
	}
	if params.Volume != nil {
		if err := enqueue(source.Command{Type: source.CmdSetVolume, Float: *params.Volume}); err != nil {
			return err
		}
	}
	if params.EQGains != nil {
		if err := enqueue(source.Command{Type: source.CmdSetEQ, Gains: *params.EQGains}); err != nil {
			return err
		}
	}
	if params.EQNormalization != nil {
		if err := enqueue(source.Command{Type: source.CmdSetEQNormalization, Bool: *params.EQNormalization}); err != nil {
			return err
		}
	}
	if params.VolumeNormalization != nil {
		if err := enqueue(source.Command{Type: source.CmdSetVolumeNormalization, Bool: *params.VolumeNormalization}); err != nil {
			return err
		}
	}
	if params.Delay != nil {
		if err := enqueue(source.Command{Type: source.CmdSetDelay, Duration: *params.Delay}); err != nil {
			return err
		}
	}
	if params.Timeshift != nil {
		if err := enqueue(source.Command{Type: source.CmdSetTimeshift, Duration: *params.Timeshift}); err != nil {
			return err
		}
	}
	if params.SpeakerLayouts != nil {
		if err := enqueue(source.Command{Type: source.CmdSetSpeakerLayouts, Layouts: params.SpeakerLayouts}); err != nil {
			return err
		}
	}
	return nil
}

// --- plugin inject ---

// WritePluginPacket injects caller-supplied PCM under a caller-chosen
// tag, bypassing the network receivers. Tag collisions with
// receiver-assigned tags are the caller's responsibility to avoid.
func (m *Manager) WritePluginPacket(sourceTag string, payload []byte, channels uint8, sampleRate uint32, bitDepth uint8, chlayout1, chlayout2 byte) error {
	f := packet.Format{
		SampleRate: sampleRate,
		BitDepth:   bitDepth,
		Channels:   channels,
		ChLayout1:  chlayout1,
		ChLayout2:  chlayout2,
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("plugin packet format: %w", err)
	}
	if sourceTag == "" {
		return fmt.Errorf("source tag cannot be empty")
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	p := &packet.Tagged{
		SourceTag:  sourceTag,
		ReceivedAt: time.Now(),
		Format:     f,
		Payload:    data,
	}
	if !m.ts.AddPacket(p) {
		return fmt.Errorf("inbound queue full")
	}
	return nil
}

// --- data retrieval ---

// GetMP3Data drains the sink's encoded MP3 queue.
func (m *Manager) GetMP3Data(sinkID string) ([]byte, error) {
	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSink
	}
	tee := entry.mixer.MP3()
	if tee == nil {
		return nil, fmt.Errorf("sink %q has MP3 disabled", sinkID)
	}
	return tee.Drain(), nil
}

// ExportTimeshiftBuffer extracts a stream's retained PCM history.
func (m *Manager) ExportTimeshiftBuffer(sourceTag string, lookback time.Duration) (*timeshift.Export, error) {
	return m.ts.ExportBuffer(sourceTag, lookback)
}

// --- settings ---

// GetAudioSettings returns the current settings snapshot.
func (m *Manager) GetAudioSettings() EngineSettings {
	return *m.settings.Load()
}

// SetAudioSettings publishes a new snapshot. Components pick the new
// values up at their next loop boundary; structural settings (ring
// sizes, retention) apply to components created afterwards.
func (m *Manager) SetAudioSettings(s EngineSettings) {
	m.settings.Publish(s)
}

// --- receivers ---

// EnableScreamReceiver starts a raw Scream ingest on listenAddr.
func (m *Manager) EnableScreamReceiver(listenAddr string) (*receiver.ScreamReceiver, error) {
	r, err := receiver.NewScreamReceiver(listenAddr, m.ts)
	if err != nil {
		return nil, err
	}
	if err := r.Start(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.receivers = append(m.receivers, r)
	m.mu.Unlock()
	return r, nil
}

// EnableProcessReceiver starts a per-process Scream ingest.
func (m *Manager) EnableProcessReceiver(listenAddr string) (*receiver.ProcessScreamReceiver, error) {
	r, err := receiver.NewProcessScreamReceiver(listenAddr, m.ts)
	if err != nil {
		return nil, err
	}
	if err := r.Start(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.receivers = append(m.receivers, r)
	m.mu.Unlock()
	return r, nil
}

// EnableRTPReceiver starts an RTP ingest.
func (m *Manager) EnableRTPReceiver(cfg receiver.RTPConfig) (*receiver.RTPReceiver, error) {
	r, err := receiver.NewRTPReceiver(cfg, m.ts)
	if err != nil {
		return nil, err
	}
	if err := r.Start(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.receivers = append(m.receivers, r)
	m.mu.Unlock()
	return r, nil
}

// AcquireCaptureSource opens (or retains) the shared capture receiver
// for a device. Each call must be balanced by ReleaseCaptureSource.
func (m *Manager) AcquireCaptureSource(deviceName string, format packet.Format) (*receiver.CaptureReceiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.captures[deviceName]; ok {
		r.Retain()
		return r, nil
	}
	r, err := receiver.NewCaptureReceiver(deviceName, format, m.ts)
	if err != nil {
		return nil, err
	}
	if err := r.Start(); err != nil {
		return nil, err
	}
	r.Retain()
	m.captures[deviceName] = r
	return r, nil
}

// ReleaseCaptureSource drops one reference; the last release closes the
// device.
func (m *Manager) ReleaseCaptureSource(deviceName string) {
	m.mu.Lock()
	r, ok := m.captures[deviceName]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	r.Release()
	m.mu.Lock()
	if !r.Running() {
		delete(m.captures, deviceName)
	}
	m.mu.Unlock()
}

// --- device discovery ---

// ListSystemDevices refreshes and returns the device registry snapshot.
func (m *Manager) ListSystemDevices() ([]device.Info, error) {
	if err := device.Acquire(); err != nil {
		return nil, err
	}
	defer device.Release()
	if err := device.Refresh(); err != nil {
		return nil, err
	}
	return device.Snapshot(), nil
}

// DrainDeviceNotifications returns queued hotplug events.
func (m *Manager) DrainDeviceNotifications() []device.Event {
	return device.DrainNotifications()
}

// --- shutdown ---

// Shutdown stops the engine in dependency order: receivers, then the
// timeshift dispatcher, then sources, then sinks and their egress.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	receivers := m.receivers
	m.receivers = nil
	captures := m.captures
	m.captures = make(map[string]*receiver.CaptureReceiver)
	sources := make([]*source.Processor, 0, len(m.sources))
	for _, p := range m.sources {
		sources = append(sources, p)
	}
	m.sources = make(map[string]*source.Processor)
	sinks := make([]*sinkEntry, 0, len(m.sinks))
	for _, e := range m.sinks {
		sinks = append(sinks, e)
	}
	m.sinks = make(map[string]*sinkEntry)
	listeners := m.listeners
	m.listeners = make(map[string]*listenerEntry)
	m.mu.Unlock()

	m.collector.Stop()
	for _, r := range receivers {
		r.Stop()
	}
	for _, c := range captures {
		c.Stop()
	}
	m.ts.Stop()
	for _, p := range sources {
		p.Stop()
	}
	for _, e := range sinks {
		if e.coordinator != nil {
			e.coordinator.Disable()
		}
		e.mixer.Stop()
	}
	for _, l := range listeners {
		_ = l.sender.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Shutdown",
	}).Info("Audio manager shut down")
}
