package relay

import (
	"PPSync/logger"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LivenessMonitor runs the heartbeat sweep on a fixed interval. It mutates the
// registry only through Registry.Sweep, i.e. on the registry loop.
type LivenessMonitor struct {
	reg      *Registry
	clock    func() time.Time
	setMu    sync.Mutex // serializes SetInterval's drain and send
	interval chan time.Duration
	every    time.Duration
}

func NewLivenessMonitor(reg *Registry, every time.Duration, clock func() time.Time) *LivenessMonitor {
	if every <= 0 {
		every = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &LivenessMonitor{
		reg:      reg,
		clock:    clock,
		interval: make(chan time.Duration, 1),
		every:    every,
	}
}

// SetInterval changes the sweep period; the running loop picks it up on its
// next select. The latest value wins and the call never blocks.
func (m *LivenessMonitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.setMu.Lock()
	defer m.setMu.Unlock()
	select {
	case <-m.interval:
	default:
	}
	m.interval <- d
}

// Run blocks until ctx is done or the registry stops.
func (m *LivenessMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.interval:
			m.every = d
			t.Reset(d)
			logger.Info("[Liveness] interval changed", zap.Duration("every", d))
		case <-t.C:
			evicted, err := m.reg.Sweep(m.clock())
			if err != nil {
				logger.Info("[Liveness] registry stopped, monitor exiting")
				return
			}
			if len(evicted) > 0 {
				logger.Info("[Liveness] evicted stale connections", zap.Strings("clientIds", evicted))
			}
		}
	}
}
