package maintenance

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sparksbenjamin/asoc/internal/discovery"
)

type fakeDiscovery struct {
	peers     []discovery.PeerRecord
	compacted int
}

func (f *fakeDiscovery) Snapshot() []discovery.PeerRecord { return f.peers }
func (f *fakeDiscovery) CompactReplayCache()               { f.compacted++ }

type fakeSessions struct {
	peers []uuid.UUID
}

func (f *fakeSessions) Peers() []uuid.UUID { return f.peers }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestSweeperRun_CompactsAndLogs(t *testing.T) {
	disc := &fakeDiscovery{peers: []discovery.PeerRecord{{NodeID: uuid.New(), Host: "10.0.0.2", Port: 7800}}}
	sess := &fakeSessions{peers: []uuid.UUID{uuid.New()}}

	sw := NewSweeper(testLogger(), disc, sess)
	sw.Run()

	if disc.compacted != 1 {
		t.Fatalf("expected CompactReplayCache to be called once, got %d", disc.compacted)
	}
}

func TestSweeperRun_NilCollaborators(t *testing.T) {
	sw := NewSweeper(testLogger(), nil, nil)
	sw.Run() // must not panic
}

func TestSweeperRun_SkipsConcurrentInvocation(t *testing.T) {
	disc := &fakeDiscovery{}
	started := make(chan struct{})
	release := make(chan struct{})

	sw := NewSweeper(testLogger(), blockingDiscovery{fakeDiscovery: disc, started: started, release: release}, nil)

	done := make(chan struct{})
	go func() {
		sw.Run()
		close(done)
	}()
	<-started
	sw.Run() // should skip immediately since the first is still running
	close(release)
	<-done
}

type blockingDiscovery struct {
	*fakeDiscovery
	started chan struct{}
	release chan struct{}
}

func (b blockingDiscovery) Snapshot() []discovery.PeerRecord {
	close(b.started)
	<-b.release
	return b.fakeDiscovery.Snapshot()
}

func TestSchedulerStartStop(t *testing.T) {
	disc := &fakeDiscovery{}
	sw := NewSweeper(testLogger(), disc, nil)

	sched, err := NewScheduler(DefaultSchedule, sw, testLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Stop(ctx)
}

func TestNewScheduler_InvalidExpression(t *testing.T) {
	sw := NewSweeper(testLogger(), nil, nil)
	if _, err := NewScheduler("not a cron expr", sw, testLogger()); err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
}
