// Package monitoring samples process runtime health on a fixed interval and
// exposes a coarse healthy/degraded verdict for the readiness probe.
package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const (
	goroutineWarnThreshold = 500
	heapWarnThresholdMB    = 1024
)

// Monitor periodically samples goroutine count and heap usage. Crossing a
// threshold flips the status to degraded until a later sample recovers.
type Monitor struct {
	interval time.Duration

	mu         sync.RWMutex
	healthy    bool
	lastSample time.Time
	goroutines int
	heapMB     uint64
}

// NewMonitor constructs a Monitor that starts healthy.
func NewMonitor(interval time.Duration) *Monitor {
	return &Monitor{interval: interval, healthy: true}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()
	heapMB := ms.HeapAlloc / (1 << 20)

	healthy := goroutines < goroutineWarnThreshold && heapMB < heapWarnThresholdMB

	m.mu.Lock()
	wasHealthy := m.healthy
	m.healthy = healthy
	m.lastSample = time.Now()
	m.goroutines = goroutines
	m.heapMB = heapMB
	m.mu.Unlock()

	switch {
	case wasHealthy && !healthy:
		slog.Warn("process health degraded",
			slog.Int("goroutines", goroutines),
			slog.Uint64("heap_mb", heapMB))
	case !wasHealthy && healthy:
		slog.Info("process health recovered",
			slog.Int("goroutines", goroutines),
			slog.Uint64("heap_mb", heapMB))
	default:
		slog.Debug("process health sample",
			slog.Int("goroutines", goroutines),
			slog.Uint64("heap_mb", heapMB))
	}
}

// Healthy reports the verdict of the latest sample.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Snapshot returns the latest sampled values for reporting.
func (m *Monitor) Snapshot() (goroutines int, heapMB uint64, at time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.goroutines, m.heapMB, m.lastSample
}
