package discovery

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// replayTTL is the challenge-replay cache window from spec.md §4.2, kept
// intentionally asymmetric against the 60s discovery timestamp window per
// the open question resolved in SPEC_FULL.md §9.
const replayTTL = 120 * time.Second

type replayKey struct {
	nodeID    uuid.UUID
	challenge uint32
}

// replayCache drops duplicate (sender node id, challenge) pairs seen within
// replayTTL, grounded on the firstSeen/notifiedGaps time-bounded-map idiom
// in internal/server/gap_tracker.go.
type replayCache struct {
	mu      sync.Mutex
	entries map[replayKey]time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{entries: make(map[replayKey]time.Time)}
}

// Seen reports whether this (nodeID, challenge) pair was already accepted
// within the replay window, and records it if it was not.
func (c *replayCache) Seen(nodeID uuid.UUID, challenge uint32, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := replayKey{nodeID: nodeID, challenge: challenge}
	if expiry, ok := c.entries[key]; ok && now.Before(expiry) {
		return true
	}
	c.entries[key] = now.Add(replayTTL)
	return false
}

// Sweep removes expired entries; called from the maintenance package and
// opportunistically from the discovery emit loop.
func (c *replayCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, k)
		}
	}
}
