package audiorouter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSettingsStoreLoadPublish(t *testing.T) {
	s := NewSettingsStore(DefaultEngineSettings())
	first := s.Load()
	require.NotNil(t, first)

	next := *first
	next.ChunkRingSize = 99
	s.Publish(next)

	assert.Equal(t, 99, s.Load().ChunkRingSize)
	assert.Equal(t, DefaultEngineSettings().ChunkRingSize, first.ChunkRingSize,
		"published snapshots never mutate previously loaded ones")
}

func TestSettingsStoreSubscribeNudges(t *testing.T) {
	s := NewSettingsStore(DefaultEngineSettings())
	ch := s.Subscribe()

	s.Publish(DefaultEngineSettings())
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive a publish nudge")
	}

	// Repeated publishes never block on a saturated subscriber.
	for i := 0; i < 10; i++ {
		s.Publish(DefaultEngineSettings())
	}
}

func TestDefaultEngineSettingsComplete(t *testing.T) {
	s := DefaultEngineSettings()
	assert.Equal(t, 300*time.Second, s.Timeshift.Retention)
	assert.Equal(t, 4096, s.Timeshift.InboundHighWater)
	assert.Equal(t, 20*time.Millisecond, s.Sync.BarrierTimeout)
	assert.Greater(t, s.Mixer.MP3MaxQueue, 0)
	assert.Greater(t, s.DCFilterCutoffHz, 0.0)
	assert.Greater(t, s.ChunkRingSize, 0)
}

func TestEngineSettingsYAMLRoundTrip(t *testing.T) {
	s := DefaultEngineSettings()
	raw, err := yaml.Marshal(s)
	require.NoError(t, err)

	var back EngineSettings
	require.NoError(t, yaml.Unmarshal(raw, &back))
	assert.Equal(t, s.Timeshift.Retention, back.Timeshift.Retention)
	assert.Equal(t, s.Mixer.MP3Bitrate, back.Mixer.MP3Bitrate)
	assert.Equal(t, s.Sync.MaxRateAdjustPPM, back.Sync.MaxRateAdjustPPM)
}
