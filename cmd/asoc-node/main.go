// Command asoc-node runs a single ASoc community member: it loads a YAML
// config, starts discovery and the connection manager, logs every stream
// it receives, and runs until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sparksbenjamin/asoc"
	"github.com/sparksbenjamin/asoc/internal/config"
	"github.com/sparksbenjamin/asoc/internal/logging"

	"github.com/google/uuid"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/asoc/node.yaml", "path to node config file")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closeLog.Close()

	node, err := asoc.NewNode(asoc.Options{
		Community:           cfg.Community,
		APIKey:              []byte(cfg.APIKey),
		Port:                cfg.Port,
		DiscoveryPort:       cfg.DiscoveryPort,
		StaticPeers:         cfg.StaticPeers,
		EnableDiscovery:     cfg.EnableDiscovery,
		BroadcastInterval:   cfg.BroadcastInterval(),
		PeerTTL:             cfg.PeerTTL(),
		HandshakeTimeout:    cfg.HandshakeTimeout(),
		IdleTimeout:         cfg.IdleTimeout(),
		MaxFrameBytes:       int(cfg.MaxFrameBytesRaw),
		ChunkSize:           int(cfg.ChunkSizeRaw),
		MaxBytesPerSec:      cfg.MaxBytesPerSecRaw,
		MaintenanceSchedule: cfg.MaintenanceSchedule,
		DSCPClass:           cfg.DSCPClass,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("constructing node", "error", err)
		os.Exit(1)
	}

	node.OnPeerUp(func(peer uuid.UUID) {
		logger.Info("peer up", "peer", peer)
	})
	node.OnPeerDown(func(peer uuid.UUID, reason error) {
		logger.Info("peer down", "peer", peer, "reason", reason)
	})
	node.OnStream(func(peer uuid.UUID, r *asoc.StreamReader) {
		go drainStream(logger, peer, r)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := node.Start(ctx); err != nil {
		logger.Error("starting node", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down node", "error", err)
		os.Exit(1)
	}
}

func drainStream(logger *slog.Logger, peer uuid.UUID, r *asoc.StreamReader) {
	total := 0
	for {
		chunk, err := r.Recv(context.Background())
		if err != nil {
			tag, tagged := r.Tag()
			logger.Info("stream finished", "peer", peer, "stream_id", r.StreamID(), "tag", tag, "tagged", tagged, "bytes", total)
			return
		}
		total += len(chunk)
	}
}
