package connection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sparksbenjamin/asoc/internal/discovery"
	"github.com/sparksbenjamin/asoc/internal/streaming"
)

// Reconnection tuning from spec.md §4.3.
const (
	staticBackoffInitial = 1 * time.Second
	staticBackoffMax     = 60 * time.Second
	discoveredMaxRetries = 3

	acceptErrorBackoffMax = 5 * time.Second
	connectTimeout        = 10 * time.Second

	shutdownDrainDeadline = 5 * time.Second
)

// DiscoverySource is the subset of discovery.Service the manager depends on,
// narrowed so it can be faked in tests.
type DiscoverySource interface {
	Subscribe(cb func(discovery.PeerRecord))
	RecordConnectFailure(nodeID uuid.UUID) bool
}

// ManagerConfig configures a Manager. ListenAddr is the local "host:port"
// the TCP accept loop binds to.
type ManagerConfig struct {
	LocalID        uuid.UUID
	APIKey         []byte
	ListenAddr     string
	StaticPeers    []string // "host:port"
	SessionOptions SessionOptions
	Discovery      DiscoverySource // nil disables discovered-peer dialing
	DSCP           int             // code point from ParseDSCP; 0 disables marking
	Logger         *slog.Logger
}

// Manager owns at most one ESTABLISHED session per remote node id
// (spec.md §4.3). It bridges discovery (which knows endpoints but not
// sessions) and streaming (which knows nothing about either).
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	listener net.Listener

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	onPeerUp   func(peerID uuid.UUID)
	onPeerDown func(peerID uuid.UUID, reason error)
	onStream   func(peerID uuid.UUID, r *streaming.StreamReader)

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewManager constructs a Manager without starting it.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "connection"),
		sessions:   make(map[uuid.UUID]*Session),
		shutdownCh: make(chan struct{}),
	}
}

// OnPeerUp registers the callback invoked once a session reaches ESTABLISHED.
func (m *Manager) OnPeerUp(cb func(peerID uuid.UUID)) { m.onPeerUp = cb }

// OnPeerDown registers the callback invoked once a session is torn down.
func (m *Manager) OnPeerDown(cb func(peerID uuid.UUID, reason error)) { m.onPeerDown = cb }

// OnStream registers the callback invoked once per inbound stream, on any
// session.
func (m *Manager) OnStream(cb func(peerID uuid.UUID, r *streaming.StreamReader)) { m.onStream = cb }

// Start binds the TCP listener, launches the accept loop, dials every
// static peer, and subscribes to discovered peers if configured.
func (m *Manager) Start() error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("connection: listening on %s: %w", m.cfg.ListenAddr, err)
	}
	m.listener = ln

	m.wg.Add(1)
	go m.acceptLoop()

	for _, addr := range m.cfg.StaticPeers {
		m.wg.Add(1)
		go m.maintainStaticPeer(addr)
	}

	if m.cfg.Discovery != nil {
		m.cfg.Discovery.Subscribe(m.onPeerDiscovered)
	}

	m.logger.Info("connection manager started", "listen", m.cfg.ListenAddr, "static_peers", len(m.cfg.StaticPeers))
	return nil
}

// Shutdown signals every session to close after draining currently-queued
// frames up to shutdownDrainDeadline, then returns once all sessions and
// background goroutines have stopped (spec.md §5 "shutdown()").
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		if m.listener != nil {
			m.listener.Close()
		}
	})

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	// Give each session's writer until shutdownDrainDeadline to flush the
	// frames already in its send queue before the transports are closed.
	drainUntil := time.Now().Add(shutdownDrainDeadline)
	for _, s := range sessions {
		for len(s.sendCh) > 0 && s.State() == StateEstablished && time.Now().Before(drainUntil) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownDrainDeadline):
		m.logger.Warn("shutdown drain deadline exceeded, aborting remaining sessions")
	}

	m.wg.Wait()
}

// Peers returns the node ids of every currently ESTABLISHED session.
func (m *Manager) Peers() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Stream delivers payload to peerID over its ESTABLISHED session.
func (m *Manager) Stream(ctx context.Context, peerID uuid.UUID, payload []byte, opts streaming.StreamOptions) (*streaming.StreamResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	return s.Stream(ctx, payload, opts)
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	backoff := 0 * time.Second

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.shutdownCh:
				return
			default:
			}
			if backoff == 0 {
				backoff = 10 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > acceptErrorBackoffMax {
				backoff = acceptErrorBackoffMax
			}
			m.logger.Warn("accept failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-m.shutdownCh:
				return
			}
			continue
		}
		backoff = 0
		m.wg.Add(1)
		go m.acceptSession(conn)
	}
}

func (m *Manager) acceptSession(conn net.Conn) {
	defer m.wg.Done()

	if err := applyDSCP(conn, m.cfg.DSCP); err != nil {
		m.logger.Warn("applying DSCP marking failed", "error", err)
	}

	s := NewSession(conn, false, m.cfg.LocalID, m.cfg.APIKey, m.cfg.SessionOptions, m.logger)
	s.RejectDuplicate = m.isEstablished
	s.OnClose = m.handleSessionClose

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SessionOptions.handshakeTimeoutOrDefault())
	defer cancel()

	if err := s.Handshake(ctx); err != nil {
		m.logger.Debug("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	m.registerEstablished(s)
}

func (m *Manager) maintainStaticPeer(addr string) {
	defer m.wg.Done()
	backoff := staticBackoffInitial

	for {
		select {
		case <-m.shutdownCh:
			return
		default:
		}

		s, err := m.dialAndEstablish(addr, uuid.Nil)
		if err != nil {
			m.logger.Debug("static peer connect failed", "addr", addr, "error", err, "retry_in", backoff)
			select {
			case <-time.After(jitter(backoff)):
			case <-m.shutdownCh:
				return
			}
			backoff *= 2
			if backoff > staticBackoffMax {
				backoff = staticBackoffMax
			}
			continue
		}

		backoff = staticBackoffInitial
		// A successful session lives until it closes; block here so we only
		// redial once it is gone, rather than busy-looping.
		select {
		case <-s.Done():
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Manager) onPeerDiscovered(rec discovery.PeerRecord) {
	m.mu.Lock()
	_, already := m.sessions[rec.NodeID]
	m.mu.Unlock()
	if already {
		return
	}

	addr := net.JoinHostPort(rec.Host, fmt.Sprintf("%d", rec.Port))
	go func() {
		for attempt := 0; attempt < discoveredMaxRetries; attempt++ {
			if _, err := m.dialAndEstablish(addr, rec.NodeID); err != nil {
				m.logger.Debug("discovered peer connect failed", "peer", rec.NodeID, "addr", addr, "attempt", attempt+1, "error", err)
				if m.cfg.Discovery != nil && m.cfg.Discovery.RecordConnectFailure(rec.NodeID) {
					m.logger.Info("discovered peer evicted after repeated connect failures", "peer", rec.NodeID)
					return
				}
				continue
			}
			return
		}
	}()
}

// dialAndEstablish connects to addr, performs the handshake as initiator,
// and registers the resulting session. expectPeerID, if non-nil, is checked
// against the handshake's result so a discovered peer dial cannot silently
// attach to the wrong node.
func (m *Manager) dialAndEstablish(addr string, expectPeerID uuid.UUID) (*Session, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := applyDSCP(conn, m.cfg.DSCP); err != nil {
		m.logger.Warn("applying DSCP marking failed", "error", err)
	}

	s := NewSession(conn, true, m.cfg.LocalID, m.cfg.APIKey, m.cfg.SessionOptions, m.logger)
	s.RejectDuplicate = m.isEstablished
	s.OnClose = m.handleSessionClose

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SessionOptions.handshakeTimeoutOrDefault())
	defer cancel()

	if err := s.Handshake(ctx); err != nil {
		return nil, err
	}
	if expectPeerID != uuid.Nil && s.PeerID() != expectPeerID {
		s.Close()
		return nil, fmt.Errorf("connection: dialed %s but handshake reported peer %s, expected %s", addr, s.PeerID(), expectPeerID)
	}

	m.registerEstablished(s)
	return s, nil
}

func (m *Manager) isEstablished(peerID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[peerID]
	return ok
}

func (m *Manager) registerEstablished(s *Session) {
	m.mu.Lock()
	old, exists := m.sessions[s.PeerID()]
	m.sessions[s.PeerID()] = s
	m.mu.Unlock()

	if exists && old != s {
		old.Close()
	}

	s.OnStream(func(r *streaming.StreamReader) {
		if m.onStream != nil {
			m.onStream(s.PeerID(), r)
		}
	})

	if m.onPeerUp != nil {
		m.onPeerUp(s.PeerID())
	}
}

func (m *Manager) handleSessionClose(s *Session, reason error) {
	m.mu.Lock()
	if current, ok := m.sessions[s.PeerID()]; ok && current == s {
		delete(m.sessions, s.PeerID())
	}
	m.mu.Unlock()

	if m.onPeerDown != nil {
		m.onPeerDown(s.PeerID(), reason)
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (o SessionOptions) handshakeTimeoutOrDefault() time.Duration {
	if o.HandshakeTimeout == 0 {
		return defaultHandshakeTimeout
	}
	return o.HandshakeTimeout
}
