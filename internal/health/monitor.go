// Package health samples local CPU, memory, disk, and load metrics on a
// fixed interval so Node.Stream can shrink its chunk size under pressure
// without consulting the OS on every call.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time read of local resource usage.
type Snapshot struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
	SampledAt        time.Time
}

// Overloaded reports whether either memory or disk usage is at or above
// the given percentage threshold. CPU and load average are informational
// only; spec.md's overload gate is keyed on memory/disk pressure.
func (s Snapshot) Overloaded(thresholdPercent float64) bool {
	return s.MemoryPercent >= thresholdPercent || s.DiskUsagePercent >= thresholdPercent
}

const defaultSampleInterval = 15 * time.Second

// Monitor collects system metrics periodically in the background and
// serves the most recent Snapshot without blocking on syscalls.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration

	close chan struct{}
	wg    sync.WaitGroup

	mu   sync.RWMutex
	last Snapshot
}

// NewMonitor constructs a Monitor. A zero interval uses defaultSampleInterval.
func NewMonitor(logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger.With("component", "health"),
		interval: interval,
		close:    make(chan struct{}),
	}
}

// Start begins periodic sampling in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Latest returns the most recently collected Snapshot. Before the first
// sample completes, it returns the zero Snapshot (never overloaded).
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()

	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	snap := Snapshot{SampledAt: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else {
		m.logger.Debug("failed to sample cpu", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to sample memory", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		snap.DiskUsagePercent = d.UsedPercent
	} else {
		m.logger.Debug("failed to sample disk", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		snap.LoadAverage = l.Load1
	} else {
		m.logger.Debug("failed to sample load average", "error", err)
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
}
