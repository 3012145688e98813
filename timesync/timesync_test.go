package timesync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorDisabledBypassesBarrier(t *testing.T) {
	c := NewClock(48000, DefaultClockConfig(), nil)
	co := NewCoordinator("s1", c)
	assert.Equal(t, BarrierDisabled, co.WaitForBarrier(1000))
}

func TestSingleMemberReachesImmediately(t *testing.T) {
	c := NewClock(48000, DefaultClockConfig(), nil)
	co := NewCoordinator("s1", c)
	co.Enable()
	defer co.Disable()
	assert.Equal(t, BarrierAllReached, co.WaitForBarrier(0))
}

func TestTwoMembersMeetAtBarrier(t *testing.T) {
	cfg := DefaultClockConfig()
	cfg.BarrierTimeout = 500 * time.Millisecond
	c := NewClock(48000, cfg, nil)
	a := NewCoordinator("s1", c)
	b := NewCoordinator("s2", c)
	a.Enable()
	b.Enable()
	defer a.Disable()
	defer b.Disable()

	// Establish the reference so future timestamps have a deadline well
	// in the future.
	require.Equal(t, BarrierAllReached, a.WaitForBarrier(0))
	require.Equal(t, BarrierAllReached, b.WaitForBarrier(0))

	var wg sync.WaitGroup
	results := make([]BarrierResult, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = a.WaitForBarrier(4800) // 100 ms ahead of the reference
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		results[1] = b.WaitForBarrier(4800)
	}()
	wg.Wait()

	assert.Equal(t, BarrierAllReached, results[0])
	assert.Equal(t, BarrierAllReached, results[1])
	assert.Equal(t, uint64(0), c.BarrierTimeouts())
}

func TestBarrierTimeoutWhenPeerAbsent(t *testing.T) {
	cfg := DefaultClockConfig()
	cfg.BarrierTimeout = 15 * time.Millisecond
	c := NewClock(48000, cfg, nil)
	a := NewCoordinator("s1", c)
	b := NewCoordinator("s2", c)
	a.Enable()
	b.Enable()
	defer a.Disable()
	defer b.Disable()

	require.Equal(t, BarrierAllReached, a.WaitForBarrier(0))
	require.Equal(t, BarrierAllReached, b.WaitForBarrier(0))

	// s2 never advances to the far-future timestamp: s1 must not stall
	// past the timeout.
	start := time.Now()
	res := a.WaitForBarrier(48000 * 10) // 10 s ahead
	assert.Equal(t, BarrierTimeout, res)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, uint64(1), a.Timeouts())
	assert.Equal(t, uint64(1), c.BarrierTimeouts())
}

func TestBarrierDeadlineReleasesLateChunk(t *testing.T) {
	cfg := DefaultClockConfig()
	cfg.BarrierTimeout = time.Second
	c := NewClock(48000, cfg, nil)
	a := NewCoordinator("s1", c)
	b := NewCoordinator("s2", c)
	a.Enable()
	b.Enable()
	defer a.Disable()
	defer b.Disable()

	require.Equal(t, BarrierAllReached, a.WaitForBarrier(0))

	// A timestamp whose release time is already in the past must not
	// block at all.
	res := a.WaitForBarrier(1) // ~20 µs after the reference
	assert.Equal(t, BarrierDeadline, res)
}

func TestReportReleaseTrimsTowardSchedule(t *testing.T) {
	c := NewClock(48000, DefaultClockConfig(), nil)
	co := NewCoordinator("s1", c)
	co.Enable()
	defer co.Disable()

	require.Equal(t, BarrierAllReached, co.WaitForBarrier(0))

	// Release 1 ms late repeatedly: trim must rise toward the positive
	// bound but never exceed it.
	c.mu.Lock()
	ref := c.refTime
	c.mu.Unlock()
	for i := 1; i <= 50; i++ {
		rtp := uint32(i * 480)
		expected := ref.Add(time.Duration(i*480) * time.Second / 48000)
		co.ReportRelease(rtp, expected.Add(time.Millisecond))
	}
	trim := co.Trim()
	assert.Greater(t, trim, 1.0)
	assert.LessOrEqual(t, trim, DefaultClockConfig().MaxRateAdjustPPM)
}

func TestDisableReleasesGroup(t *testing.T) {
	cfg := DefaultClockConfig()
	cfg.BarrierTimeout = 300 * time.Millisecond
	c := NewClock(48000, cfg, nil)
	a := NewCoordinator("s1", c)
	b := NewCoordinator("s2", c)
	a.Enable()
	b.Enable()
	defer a.Disable()

	require.Equal(t, BarrierAllReached, a.WaitForBarrier(0))
	require.Equal(t, BarrierAllReached, b.WaitForBarrier(0))

	done := make(chan BarrierResult, 1)
	go func() {
		done <- a.WaitForBarrier(4800)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Disable()

	select {
	case res := <-done:
		assert.Equal(t, BarrierAllReached, res,
			"removing the lagging member must release the barrier")
	case <-time.After(time.Second):
		t.Fatal("barrier did not release after peer disable")
	}
}
