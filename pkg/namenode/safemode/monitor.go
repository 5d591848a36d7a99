package safemode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittons/internal/logger"
)

// DefaultRecheckInterval is how often the monitor checks whether safe mode
// can be left.
const DefaultRecheckInterval = time.Second

// Monitor leaves safe mode once the thresholds have been met for the whole
// extension.
type Monitor struct {
	sm       *SafeMode
	interval time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a monitor for sm (not started).
func NewMonitor(sm *SafeMode, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultRecheckInterval
	}
	return &Monitor{
		sm:       sm,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins monitoring. Subsequent calls are no-ops.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.worker()
}

// Stop stops the monitor.
func (m *Monitor) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if !m.started.Load() {
		return nil
	}
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs one check and reports whether safe mode was left.
func (m *Monitor) RunNow() bool {
	if !m.sm.CanLeave() {
		return false
	}
	logger.Info("Safe mode extension passed, leaving safe mode")
	m.sm.Leave()
	return true
}

func (m *Monitor) worker() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunNow()
		case <-m.stopCh:
			return
		}
	}
}
