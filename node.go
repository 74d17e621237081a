// Package asoc implements a peer-to-peer protocol for streaming opaque
// binary payloads between authenticated nodes in a community, with
// zero-configuration UDP discovery and a multiplexed TCP session layer.
package asoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sparksbenjamin/asoc/internal/connection"
	"github.com/sparksbenjamin/asoc/internal/discovery"
	"github.com/sparksbenjamin/asoc/internal/health"
	"github.com/sparksbenjamin/asoc/internal/maintenance"
	"github.com/sparksbenjamin/asoc/internal/streaming"
)

// Re-exported so callers never need to import the internal packages
// directly.
type (
	StreamOptions = streaming.StreamOptions
	StreamResult  = streaming.StreamResult
	StreamReader  = streaming.StreamReader
)

// Default port values from spec.md §6.
const (
	DefaultPort          = 9000
	DefaultDiscoveryPort = discovery.DefaultPort
	DefaultMaxFrameBytes = 16 * 1024 * 1024
	DefaultChunkSize     = streaming.DefaultChunkSize
)

// Options carries every recognized configuration option (spec.md §6) plus
// the ambient Logger and the domain/supplement additions SPEC_FULL.md §6
// documents: MaxBytesPerSec (per-session rate limit) and
// MaintenanceSchedule (cron expression for the housekeeping sweep).
type Options struct {
	Community string
	APIKey    []byte

	Port             int
	DiscoveryPort    int
	StaticPeers      []string
	EnableDiscovery  bool
	BroadcastInterval time.Duration
	PeerTTL          time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	MaxFrameBytes    int
	ChunkSize        int

	MaxBytesPerSec      int64
	MaintenanceSchedule string

	// DSCPClass sets an IP_TOS QoS marking on outbound TCP sockets (e.g.
	// "AF41", "EF"). Empty disables marking.
	DSCPClass string

	// NodeID seeds node identity. The zero UUID means "generate one."
	NodeID uuid.UUID

	Logger *slog.Logger

	dscp int // parsed from DSCPClass by setDefaults
}

func (o *Options) setDefaults() error {
	if o.Community == "" {
		return errors.New("asoc: community is required")
	}
	if len(o.APIKey) == 0 {
		return errors.New("asoc: api_key is required")
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("asoc: port must be between 1 and 65535, got %d", o.Port)
	}
	if o.DiscoveryPort == 0 {
		o.DiscoveryPort = DefaultDiscoveryPort
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = discovery.DefaultBroadcastInterval
	}
	if o.PeerTTL <= 0 {
		o.PeerTTL = discovery.DefaultPeerTTL
	}
	if o.PeerTTL < o.BroadcastInterval {
		return fmt.Errorf("asoc: peer_ttl_s must be >= broadcast_interval_s")
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize > o.MaxFrameBytes {
		return fmt.Errorf("asoc: chunk_size must be <= max_frame_bytes")
	}
	dscp, err := connection.ParseDSCP(o.DSCPClass)
	if err != nil {
		return err
	}
	o.dscp = dscp
	if o.NodeID == uuid.Nil {
		o.NodeID = uuid.New()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return nil
}

// Node is one peer in an ASoc community: it runs discovery, accepts and
// dials TCP sessions, and exposes streaming and membership callbacks.
type Node struct {
	opts   Options
	logger *slog.Logger

	discovery *discovery.Service // nil when EnableDiscovery is false
	manager   *connection.Manager
	health    *health.Monitor
	sweeper   *maintenance.Scheduler

	onStream   func(peer uuid.UUID, r *StreamReader)
	onPeerUp   func(peer uuid.UUID)
	onPeerDown func(peer uuid.UUID, reason error)
}

// NewNode validates opts and constructs a Node without starting it.
func NewNode(opts Options) (*Node, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	n := &Node{
		opts:   opts,
		logger: opts.Logger.With("node_id", opts.NodeID),
	}

	if opts.EnableDiscovery {
		n.discovery = discovery.New(discovery.Config{
			Community:         opts.Community,
			APIKey:            opts.APIKey,
			NodeID:            opts.NodeID,
			LocalPort:         uint16(opts.Port),
			DiscoveryPort:     opts.DiscoveryPort,
			BroadcastInterval: opts.BroadcastInterval,
			PeerTTL:           opts.PeerTTL,
			Logger:            n.logger,
		})
	}

	n.health = health.NewMonitor(n.logger, 0)

	managerCfg := connection.ManagerConfig{
		LocalID:     opts.NodeID,
		APIKey:      opts.APIKey,
		ListenAddr:  net.JoinHostPort("", strconv.Itoa(opts.Port)),
		StaticPeers: opts.StaticPeers,
		SessionOptions: connection.SessionOptions{
			MaxFrameBytes:    opts.MaxFrameBytes,
			HandshakeTimeout: opts.HandshakeTimeout,
			IdleTimeout:      opts.IdleTimeout,
			MaxBytesPerSec:   opts.MaxBytesPerSec,
		},
		DSCP:   opts.dscp,
		Logger: n.logger,
	}
	// A nil *discovery.Service assigned into the DiscoverySource interface
	// would produce a non-nil interface wrapping a nil pointer, so the
	// field is only set when discovery is actually enabled.
	if n.discovery != nil {
		managerCfg.Discovery = n.discovery
	}
	n.manager = connection.NewManager(managerCfg)
	n.manager.OnPeerUp(func(peer uuid.UUID) {
		if n.onPeerUp != nil {
			n.onPeerUp(peer)
		}
	})
	n.manager.OnPeerDown(func(peer uuid.UUID, reason error) {
		if n.onPeerDown != nil {
			n.onPeerDown(peer, reason)
		}
	})
	n.manager.OnStream(func(peer uuid.UUID, r *StreamReader) {
		if n.onStream != nil {
			n.onStream(peer, r)
		}
	})

	var discoverySnapshotter maintenance.PeerSnapshotter
	if n.discovery != nil {
		discoverySnapshotter = n.discovery
	}
	sweeper := maintenance.NewSweeper(n.logger, discoverySnapshotter, n.manager)
	sched, err := maintenance.NewScheduler(opts.MaintenanceSchedule, sweeper, n.logger)
	if err != nil {
		return nil, fmt.Errorf("asoc: configuring maintenance schedule: %w", err)
	}
	n.sweeper = sched

	return n, nil
}

// Start brings up discovery (if enabled), the TCP accept loop, static
// peer dialing, health sampling, and the maintenance scheduler.
func (n *Node) Start(ctx context.Context) error {
	if n.discovery != nil {
		if err := n.discovery.Start(); err != nil {
			return fmt.Errorf("asoc: starting discovery: %w", err)
		}
	}
	if err := n.manager.Start(); err != nil {
		if n.discovery != nil {
			n.discovery.Stop()
		}
		return fmt.Errorf("asoc: starting connection manager: %w", err)
	}
	n.health.Start()
	n.sweeper.Start()

	n.logger.Info("node started", "port", n.opts.Port, "discovery_enabled", n.discovery != nil)
	return nil
}

// Shutdown stops every subsystem, bounding session drain to the
// connection manager's own 5s deadline.
func (n *Node) Shutdown(ctx context.Context) error {
	n.sweeper.Stop(ctx)
	n.health.Stop()
	n.manager.Shutdown()
	if n.discovery != nil {
		n.discovery.Stop()
	}
	n.logger.Info("node stopped")
	return nil
}

// Peers returns the node ids of every currently ESTABLISHED session.
func (n *Node) Peers() []uuid.UUID {
	return n.manager.Peers()
}

// Stream sends payload to peer over its established session, chunked
// according to opts (or the node's default ChunkSize if opts.ChunkSize is
// zero). It halves the effective chunk size under local resource pressure
// per SPEC_FULL.md §4.3's health-gated overload behavior. If ctx is
// cancelled after the first chunk has been handed off, Stream still
// returns a non-nil *StreamResult describing what was sent alongside the
// non-nil ctx.Err(), since every chunk is still transmitted.
func (n *Node) Stream(ctx context.Context, peer uuid.UUID, payload []byte, opts StreamOptions) (*StreamResult, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = n.opts.ChunkSize
		if n.health.Latest().Overloaded(90) && opts.ChunkSize/2 >= streaming.MinChunkSize {
			opts.ChunkSize /= 2
		}
	}
	return n.manager.Stream(ctx, peer, payload, opts)
}

// OnStream registers the callback invoked once per inbound stream, across
// every session.
func (n *Node) OnStream(cb func(peer uuid.UUID, r *StreamReader)) { n.onStream = cb }

// OnPeerUp registers the callback invoked once a session reaches
// ESTABLISHED.
func (n *Node) OnPeerUp(cb func(peer uuid.UUID)) { n.onPeerUp = cb }

// OnPeerDown registers the callback invoked once a session is torn down.
func (n *Node) OnPeerDown(cb func(peer uuid.UUID, reason error)) { n.onPeerDown = cb }
