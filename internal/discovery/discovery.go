// Package discovery implements ASoc's zero-configuration UDP broadcast
// membership: an emit loop that announces presence, a receive loop that
// authenticates and tracks peers, and a time-bounded peer table (spec.md §4.2).
package discovery

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sparksbenjamin/asoc/internal/codec"
)

// DefaultPort is the UDP port discovery binds to unless overridden
// (spec.md §6, "discovery_port default 9999").
const DefaultPort = 9999

// DefaultBroadcastInterval is the emit loop's base period (spec.md §4.2).
const DefaultBroadcastInterval = 3 * time.Second

// broadcastJitter is the ± jitter applied to each emit tick to
// de-synchronize clusters (spec.md §4.2).
const broadcastJitter = 250 * time.Millisecond

// DefaultPeerTTL is how long a peer record survives without a refresh
// (spec.md §3).
const DefaultPeerTTL = 15 * time.Second

// Config configures a discovery Service. Zero values are replaced by the
// documented defaults in Start.
type Config struct {
	Community         string
	APIKey            []byte
	NodeID            uuid.UUID
	LocalPort         uint16 // TCP port this node accepts sessions on, advertised
	DiscoveryPort     int
	BroadcastInterval time.Duration
	PeerTTL           time.Duration
	Logger            *slog.Logger
}

// Service runs the emit/receive loops and owns the peer table. The peer
// table is written only by this component; Snapshot gives callers a
// consistent read-only copy (spec.md §5).
type Service struct {
	cfg    Config
	conn   *net.UDPConn
	table  *PeerTable
	replay *replayCache
	logger *slog.Logger

	subMu sync.Mutex
	subs  []func(PeerRecord)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Service without starting it.
func New(cfg Config) *Service {
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultPort
	}
	if cfg.BroadcastInterval == 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.PeerTTL == 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		table:  NewPeerTable(),
		replay: newReplayCache(),
		logger: cfg.Logger.With("component", "discovery"),
		stopCh: make(chan struct{}),
	}
}

// Start binds the discovery UDP socket for broadcast send and receive, then
// launches the emit and receive loops. Start is not idempotent; call Stop
// before a subsequent Start.
func (s *Service) Start() error {
	addr := &net.UDPAddr{Port: s.cfg.DiscoveryPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: binding udp port %d: %w", s.cfg.DiscoveryPort, err)
	}
	s.conn = conn

	s.wg.Add(2)
	go s.emitLoop()
	go s.receiveLoop()

	s.logger.Info("discovery started", "port", s.cfg.DiscoveryPort, "community", s.cfg.Community)
	return nil
}

// Stop releases the socket and associated goroutines. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			s.conn.Close()
		}
	})
	s.wg.Wait()
	s.logger.Info("discovery stopped")
}

// Snapshot returns the currently live peers, ordered by last-seen descending.
func (s *Service) Snapshot() []PeerRecord {
	return s.table.Snapshot()
}

// RecordConnectFailure is how the connection layer reports a failed dial
// attempt against a discovered peer. Once the peer reaches three consecutive
// failures it is evicted and the caller must wait for re-discovery
// (spec.md §4.3, "For discovered peers, retry up to 3 times...").
func (s *Service) RecordConnectFailure(nodeID uuid.UUID) (evicted bool) {
	return s.table.RecordFailure(nodeID)
}

// CompactReplayCache drops expired replay-protection entries out of band
// with the emit loop's own opportunistic sweep. The maintenance package
// calls this on its schedule so the cache does not grow unbounded on a node
// that rarely broadcasts (e.g. one with a long broadcast interval).
func (s *Service) CompactReplayCache() {
	s.replay.Sweep(time.Now())
}

// Subscribe registers a callback invoked whenever a peer is newly seen or
// refreshed. The connection layer registers here to learn of peer endpoints
// (spec.md §4.2).
func (s *Service) Subscribe(cb func(PeerRecord)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, cb)
}

func (s *Service) notify(rec PeerRecord) {
	s.subMu.Lock()
	subs := append([]func(PeerRecord){}, s.subs...)
	s.subMu.Unlock()
	for _, cb := range subs {
		cb(rec)
	}
}

func (s *Service) emitLoop() {
	defer s.wg.Done()

	broadcastAddrs := broadcastTargets(s.cfg.DiscoveryPort)

	for {
		jitter := jitterDuration(broadcastJitter)
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.BroadcastInterval + jitter):
		}

		now := time.Now()
		s.table.ExpireOlderThan(now.Add(-s.cfg.PeerTTL))
		s.replay.Sweep(now)

		challenge, err := randomUint32()
		if err != nil {
			s.logger.Warn("discovery: failed to draw challenge", "error", err)
			continue
		}

		datagram := codec.EncodeDiscovery(s.cfg.Community, s.cfg.NodeID, s.cfg.LocalPort, uint32(now.Unix()), challenge, s.cfg.APIKey)

		for _, addr := range broadcastAddrs {
			if _, err := s.conn.WriteToUDP(datagram, addr); err != nil {
				s.logger.Debug("discovery: broadcast send failed", "target", addr, "error", err)
			}
		}
	}
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, codec.DiscoverySize+64)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug("discovery: read failed", "error", err)
				continue
			}
		}

		s.handleDatagram(buf[:n], from)
	}
}

func (s *Service) handleDatagram(buf []byte, from *net.UDPAddr) {
	d, err := codec.DecodeAndVerifyDiscovery(buf, s.cfg.APIKey, time.Now())
	if err != nil {
		return // dropped silently, per spec.md §4.2
	}

	if d.CommunityHash != codec.CommunityHash(s.cfg.Community) {
		return
	}

	nodeID, err := uuid.FromBytes(d.NodeID[:])
	if err != nil {
		return
	}
	if nodeID == s.cfg.NodeID {
		return // ignore our own broadcast
	}

	if s.replay.Seen(nodeID, d.Challenge, time.Now()) {
		return
	}

	s.table.Upsert(nodeID, from.IP.String(), d.Port, time.Now())
	rec, ok := s.table.Get(nodeID)
	if ok {
		s.notify(rec)
	}
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func jitterDuration(max time.Duration) time.Duration {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := binary.BigEndian.Uint64(b[:]) % uint64(2*max)
	return time.Duration(n) - max
}

// broadcastTargets enumerates the link-local broadcast addresses reachable
// from this host's interfaces, falling back to the limited broadcast
// address if interface enumeration fails.
func broadcastTargets(port int) []*net.UDPAddr {
	var out []*net.UDPAddr

	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagUp == 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipNet, ok := a.(*net.IPNet)
				if !ok || ipNet.IP.To4() == nil {
					continue
				}
				bcast := broadcastAddress(ipNet)
				if bcast != nil {
					out = append(out, &net.UDPAddr{IP: bcast, Port: port})
				}
			}
		}
	}

	if len(out) == 0 {
		out = append(out, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	}
	return out
}

func broadcastAddress(ipNet *net.IPNet) net.IP {
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return nil
	}
	mask := ipNet.Mask
	bcast := make(net.IP, len(ip4))
	for i := range ip4 {
		bcast[i] = ip4[i] | ^mask[i]
	}
	return bcast
}
