package health

import (
	"testing"
	"time"
)

func TestSnapshotOverloaded(t *testing.T) {
	s := Snapshot{MemoryPercent: 92, DiskUsagePercent: 10}
	if !s.Overloaded(90) {
		t.Fatal("expected overloaded at 92% memory with 90% threshold")
	}
	if s.Overloaded(95) {
		t.Fatal("expected not overloaded at 92% memory with 95% threshold")
	}
}

func TestSnapshotOverloaded_DiskTriggers(t *testing.T) {
	s := Snapshot{MemoryPercent: 10, DiskUsagePercent: 99}
	if !s.Overloaded(90) {
		t.Fatal("expected disk usage alone to trigger overload")
	}
}

func TestMonitorStartStopProducesSnapshot(t *testing.T) {
	m := NewMonitor(nil, 20*time.Millisecond)
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !m.Latest().SampledAt.IsZero() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for first sample")
}

func TestMonitorStop_NoPanicWithoutSample(t *testing.T) {
	m := NewMonitor(nil, time.Hour)
	m.Start()
	m.Stop()
}
