package audiorouter

import (
	"sync"
	"time"

	"github.com/opd-ai/audiorouter/mixer"
	"github.com/opd-ai/audiorouter/receiver"
	"github.com/opd-ai/audiorouter/source"
	"github.com/opd-ai/audiorouter/timeshift"
)

// ListenerStats is a per-listener snapshot.
type ListenerStats struct {
	ListenerID string
	SinkID     string
	Connected  bool
}

// EngineStats is the aggregated engine snapshot exposed to the control
// plane.
type EngineStats struct {
	CollectedAt time.Time

	Timeshift timeshift.Stats
	Sources   []source.Stats
	Sinks     []mixer.Stats
	Receivers []receiver.Stats
	Listeners []ListenerStats

	// PacketsPerSecond is the ingest rate over the last collection
	// interval.
	PacketsPerSecond float64
	// BarrierTimeouts is the total across all sync groups.
	BarrierTimeouts uint64
}

// Collector scrapes engine counters at a fixed interval. Scraping only
// reads component state; the same tick also pushes each sync
// coordinator's trim to the sources feeding its sink. The latest
// snapshot is served from a cache so stats queries never touch the hot
// paths.
type Collector struct {
	manager  *Manager
	interval time.Duration

	mu       sync.Mutex
	latest   EngineStats
	lastIn   uint64
	lastTick time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCollector creates a collector; interval 0 selects one second.
func NewCollector(m *Manager, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Second
	}
	return &Collector{manager: m, interval: interval}
}

// Start launches the scrape loop.
func (c *Collector) Start() {
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.run()
}

// Stop halts the scrape loop.
func (c *Collector) Stop() {
	c.once.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
}

func (c *Collector) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
			c.manager.propagateSyncTrims()
		}
	}
}

// collect takes one read-only snapshot across all components.
func (c *Collector) collect() {
	m := c.manager
	st := EngineStats{CollectedAt: time.Now()}
	st.Timeshift = m.ts.Snapshot()

	m.mu.Lock()
	for _, p := range m.sources {
		st.Sources = append(st.Sources, p.Snapshot())
	}
	for _, e := range m.sinks {
		st.Sinks = append(st.Sinks, e.mixer.Snapshot())
	}
	for _, r := range m.receivers {
		st.Receivers = append(st.Receivers, r.Stats())
	}
	for _, cr := range m.captures {
		st.Receivers = append(st.Receivers, cr.Stats())
	}
	for id, l := range m.listeners {
		st.Listeners = append(st.Listeners, ListenerStats{
			ListenerID: id,
			SinkID:     l.sinkID,
			Connected:  l.sender.Connected(),
		})
	}
	for _, clock := range m.clocks {
		st.BarrierTimeouts += clock.BarrierTimeouts()
	}
	m.mu.Unlock()

	c.mu.Lock()
	if !c.lastTick.IsZero() {
		elapsed := st.CollectedAt.Sub(c.lastTick).Seconds()
		if elapsed > 0 {
			st.PacketsPerSecond = float64(st.Timeshift.TotalIngested-c.lastIn) / elapsed
		}
	}
	c.lastIn = st.Timeshift.TotalIngested
	c.lastTick = st.CollectedAt
	c.latest = st
	c.mu.Unlock()
}

// Latest returns the most recent snapshot.
func (c *Collector) Latest() EngineStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// GetAudioEngineStats returns a fresh snapshot of every counter.
func (m *Manager) GetAudioEngineStats() EngineStats {
	m.collector.collect()
	return m.collector.Latest()
}

// propagateSyncTrims pushes each synchronized sink's current rate-trim
// suggestion to the sources feeding it, composing the coordinator
// feedback with the timeshift pacing rate inside each processor.
func (m *Manager) propagateSyncTrims() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.routes {
		instanceID, sinkID := splitRouteKey(key)
		entry, ok := m.sinks[sinkID]
		if !ok || entry.coordinator == nil {
			continue
		}
		if proc, ok := m.sources[instanceID]; ok {
			proc.SetSyncTrim(entry.coordinator.Trim())
		}
	}
}
