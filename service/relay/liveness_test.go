package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLivenessMonitorEvicts(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock)
	_, ft := register(t, reg)

	mon := NewLivenessMonitor(reg, 5*time.Millisecond, clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	eventually(t, func() bool { return ft.pingCount() > 0 }, "pinged inside the window")
	assert.Equal(t, ft.isClosed(), false)

	clock.Advance(61 * time.Second)
	eventually(t, ft.isClosed, "evicted after the timeout")
	n, _, err := reg.Counts()
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 0)
}

func TestLivenessMonitorStopsWithRegistry(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	mon := NewLivenessMonitor(reg, time.Hour, nil)
	done := make(chan struct{})
	go func() {
		mon.Run(context.Background())
		close(done)
	}()

	mon.SetInterval(5 * time.Millisecond)
	mon.SetInterval(0) // ignored
	reg.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor kept running after the registry stopped")
	}
}

func TestSetIntervalNeverBlocks(t *testing.T) {
	reg := newTestRegistry(t, newFakeClock())
	mon := NewLivenessMonitor(reg, time.Hour, nil)

	// no Run loop is draining the channel
	var wg sync.WaitGroup
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			mon.SetInterval(time.Duration(n) * time.Millisecond)
		}(i)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent SetInterval calls blocked")
	}
	assert.Equal(t, len(mon.interval), 1)
}
