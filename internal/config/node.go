// Package config loads YAML configuration for ASoc wrapper programs
// (cmd/asoc-node and similar). It is plumbing for external callers, not a
// loader the core node package depends on: the node itself only ever
// consumes an already-populated Options struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the YAML-serializable shape of a node's "recognized
// configuration options". Its fields mirror asoc.Options so a wrapper
// program can unmarshal a file straight into this struct and hand it to
// asoc.NewNode after translation.
type NodeConfig struct {
	Community          string       `yaml:"community"`
	APIKey             string       `yaml:"api_key"`
	Port               int          `yaml:"port"`
	DiscoveryPort      int          `yaml:"discovery_port"`
	StaticPeers        []string     `yaml:"static_peers"`
	EnableDiscovery    bool         `yaml:"enable_discovery"`
	BroadcastIntervalS int          `yaml:"broadcast_interval_s"`
	PeerTTLS           int          `yaml:"peer_ttl_s"`
	HandshakeTimeoutS  int          `yaml:"handshake_timeout_s"`
	IdleTimeoutS       int          `yaml:"idle_timeout_s"`
	MaxFrameBytes      string       `yaml:"max_frame_bytes"` // e.g. "16mb"
	ChunkSize          string       `yaml:"chunk_size"`      // e.g. "1mb"
	MaxBytesPerSec     string       `yaml:"max_bytes_per_sec"`
	MaintenanceSchedule string      `yaml:"maintenance_schedule"`
	DSCPClass          string       `yaml:"dscp_class"`
	Logging            LoggingInfo  `yaml:"logging"`

	MaxFrameBytesRaw  int64 `yaml:"-"`
	ChunkSizeRaw      int64 `yaml:"-"`
	MaxBytesPerSecRaw int64 `yaml:"-"`
}

// LoggingInfo configures the node-wide slog logger built by
// logging.NewLogger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

const (
	defaultBroadcastIntervalS = 3
	defaultPeerTTLS           = 15
	defaultHandshakeTimeoutS  = 10
	defaultIdleTimeoutS       = 30
	defaultMaxFrameBytes      = "16mb"
	defaultChunkSize          = "1mb"
)

// LoadNodeConfig reads and validates a node's YAML configuration file,
// filling in every documented default.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node config: %w", err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing node config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating node config: %w", err)
	}

	return &cfg, nil
}

func (c *NodeConfig) validate() error {
	if c.Community == "" {
		return fmt.Errorf("community is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = 9999
	} else if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port must be between 1 and 65535, got %d", c.DiscoveryPort)
	}
	for i, peer := range c.StaticPeers {
		if !strings.Contains(peer, ":") {
			return fmt.Errorf("static_peers[%d] must be \"host:port\", got %q", i, peer)
		}
	}

	if c.BroadcastIntervalS <= 0 {
		c.BroadcastIntervalS = defaultBroadcastIntervalS
	}
	if c.PeerTTLS <= 0 {
		c.PeerTTLS = defaultPeerTTLS
	}
	if c.PeerTTLS < c.BroadcastIntervalS {
		return fmt.Errorf("peer_ttl_s (%d) must be >= broadcast_interval_s (%d)", c.PeerTTLS, c.BroadcastIntervalS)
	}
	if c.HandshakeTimeoutS <= 0 {
		c.HandshakeTimeoutS = defaultHandshakeTimeoutS
	}
	if c.IdleTimeoutS <= 0 {
		c.IdleTimeoutS = defaultIdleTimeoutS
	}

	if c.MaxFrameBytes == "" {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	maxFrame, err := ParseByteSize(c.MaxFrameBytes)
	if err != nil {
		return fmt.Errorf("max_frame_bytes: %w", err)
	}
	c.MaxFrameBytesRaw = maxFrame

	if c.ChunkSize == "" {
		c.ChunkSize = defaultChunkSize
	}
	chunk, err := ParseByteSize(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	}
	if chunk <= 0 || chunk > maxFrame {
		return fmt.Errorf("chunk_size must be > 0 and <= max_frame_bytes, got %s", c.ChunkSize)
	}
	c.ChunkSizeRaw = chunk

	if c.MaxBytesPerSec != "" {
		rate, err := ParseByteSize(c.MaxBytesPerSec)
		if err != nil {
			return fmt.Errorf("max_bytes_per_sec: %w", err)
		}
		c.MaxBytesPerSecRaw = rate
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// BroadcastInterval returns BroadcastIntervalS as a time.Duration.
func (c *NodeConfig) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalS) * time.Second
}

// PeerTTL returns PeerTTLS as a time.Duration.
func (c *NodeConfig) PeerTTL() time.Duration {
	return time.Duration(c.PeerTTLS) * time.Second
}

// HandshakeTimeout returns HandshakeTimeoutS as a time.Duration.
func (c *NodeConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutS) * time.Second
}

// IdleTimeout returns IdleTimeoutS as a time.Duration.
func (c *NodeConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutS) * time.Second
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest-suffix-first so "mb" isn't matched as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
