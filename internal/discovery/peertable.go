package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PeerRecord is the unit held by the peer table (spec.md §3). FirstSeen and
// DatagramsObserved are informational additions (SPEC_FULL.md §4.2) that no
// invariant in spec.md depends on.
type PeerRecord struct {
	NodeID            uuid.UUID
	Host              string
	Port              uint16
	FirstSeen         time.Time
	LastSeen          time.Time
	Failures          int
	DatagramsObserved uint64
}

// PeerTable is written only by the discovery component; readers take a
// consistent snapshot (spec.md §5 "Shared resources").
type PeerTable struct {
	mu    sync.Mutex
	peers map[uuid.UUID]*PeerRecord
}

// NewPeerTable constructs an empty peer table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[uuid.UUID]*PeerRecord)}
}

// Upsert inserts a fresh peer record or refreshes an existing one, resetting
// its failure count (a successful discovery datagram is proof of liveness).
func (t *PeerTable) Upsert(nodeID uuid.UUID, host string, port uint16, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[nodeID]
	if !ok {
		t.peers[nodeID] = &PeerRecord{
			NodeID:            nodeID,
			Host:              host,
			Port:              port,
			FirstSeen:         now,
			LastSeen:          now,
			DatagramsObserved: 1,
		}
		return
	}
	rec.Host = host
	rec.Port = port
	rec.LastSeen = now
	rec.Failures = 0
	rec.DatagramsObserved++
}

// RecordFailure increments the connection-failure counter for a peer and
// reports whether it has now reached the three-strike eviction threshold
// (spec.md §3's "removed ... after three consecutive connection failures").
func (t *PeerTable) RecordFailure(nodeID uuid.UUID) (evict bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	rec.Failures++
	if rec.Failures >= 3 {
		delete(t.peers, nodeID)
		return true
	}
	return false
}

// Remove evicts a peer unconditionally.
func (t *PeerTable) Remove(nodeID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

// ExpireOlderThan removes every record whose LastSeen predates the cutoff,
// called at the start of each emit tick per spec.md §4.2.
func (t *PeerTable) ExpireOlderThan(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.peers {
		if rec.LastSeen.Before(cutoff) {
			delete(t.peers, id)
		}
	}
}

// Snapshot returns the currently live peers ordered by LastSeen descending
// (spec.md §4.2 "snapshot() -> list<PeerRecord>").
func (t *PeerTable) Snapshot() []PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]PeerRecord, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Get returns a single record, if present.
func (t *PeerTable) Get(nodeID uuid.UUID) (PeerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[nodeID]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}
