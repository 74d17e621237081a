// Command asoc-archive-sink runs a node whose only job is to receive
// streamed tensors and archive them: first gzip-compressed to a local
// directory via an atomic-write-then-rename temp file, then, if
// configured, uploaded to S3; the local copy is kept and the peer's
// directory is rotated when max_files_per_peer is set. It connects to
// peers like any node (static peers, discovery) but never streams out.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"

	"github.com/sparksbenjamin/asoc"
	"github.com/sparksbenjamin/asoc/internal/config"
	"github.com/sparksbenjamin/asoc/internal/logging"
	"github.com/sparksbenjamin/asoc/internal/progress"
	"github.com/sparksbenjamin/asoc/internal/storage"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const shutdownGrace = 10 * time.Second

// sinkConfig is the archive sink's own YAML, layered on top of a regular
// node config: everything node.yaml knows about, plus where archived
// tensors go.
type sinkConfig struct {
	config.NodeConfig `yaml:",inline"`

	ArchiveDir string `yaml:"archive_dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region"`
	MaxFiles   int    `yaml:"max_files_per_peer"`
}

func main() {
	configPath := flag.String("config", "/etc/asoc/archive-sink.yaml", "path to archive sink config file")
	flag.Parse()

	cfg, err := loadSinkConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closeLog.Close()

	var uploader *manager.Uploader
	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			logger.Error("loading AWS config", "error", err)
			os.Exit(1)
		}
		client := s3.NewFromConfig(awsCfg)
		uploader = manager.NewUploader(client)
	}

	sink := &archiveSink{
		logger:   logger,
		dir:      cfg.ArchiveDir,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		maxFiles: cfg.MaxFiles,
		uploader: uploader,
	}

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

	node.OnPeerUp(func(peer uuid.UUID) { logger.Info("peer up", "peer", peer) })
	node.OnPeerDown(func(peer uuid.UUID, reason error) { logger.Info("peer down", "peer", peer, "reason", reason) })
	node.OnStream(func(peer uuid.UUID, r *asoc.StreamReader) {
		go sink.archive(context.Background(), peer, r)
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

// archiveSink persists one inbound stream at a time per call: write it to
// a temp file under dir/<peer>/, commit it atomically, optionally push the
// committed file to S3, then rotate old files away.
type archiveSink struct {
	logger   *slog.Logger
	dir      string
	bucket   string
	prefix   string
	maxFiles int
	uploader *manager.Uploader
}

func (s *archiveSink) archive(ctx context.Context, peer uuid.UUID, r *asoc.StreamReader) {
	writer, err := storage.NewAtomicWriter(s.dir, peer.String())
	if err != nil {
		s.logger.Error("opening atomic writer", "peer", peer, "error", err)
		return
	}

	f, tmpPath, err := writer.TempFile()
	if err != nil {
		s.logger.Error("creating temp file", "peer", peer, "error", err)
		return
	}

	// Tensors are compressed on the way to disk with pgzip, a drop-in
	// parallel gzip that spreads compression across CPUs instead of the
	// single-threaded stdlib gzip.Writer.
	gz, err := pgzip.NewWriterLevel(f, pgzip.BestSpeed)
	if err != nil {
		f.Close()
		_ = writer.Abort(tmpPath)
		s.logger.Error("initializing compressor", "peer", peer, "error", err)
		return
	}

	reporter := progress.New(fmt.Sprintf("stream from %s", peer), -1, os.Stderr)
	defer reporter.Stop()

	var total int64
	for {
		chunk, recvErr := r.Recv(ctx)
		if len(chunk) > 0 {
			if _, err := gz.Write(chunk); err != nil {
				gz.Close()
				f.Close()
				_ = writer.Abort(tmpPath)
				s.logger.Error("writing chunk", "peer", peer, "error", err)
				return
			}
			total += int64(len(chunk))
			reporter.Add(int64(len(chunk)))
		}
		if recvErr != nil {
			if recvErr != io.EOF {
				gz.Close()
				f.Close()
				_ = writer.Abort(tmpPath)
				s.logger.Warn("stream aborted", "peer", peer, "bytes", total, "error", recvErr)
				return
			}
			break
		}
	}

	if err := gz.Close(); err != nil {
		f.Close()
		_ = writer.Abort(tmpPath)
		s.logger.Error("closing compressed archive", "peer", peer, "error", err)
		return
	}
	if err := f.Close(); err != nil {
		_ = writer.Abort(tmpPath)
		s.logger.Error("closing temp file", "peer", peer, "error", err)
		return
	}

	finalPath, err := writer.CommitWithSuffix(tmpPath, ".tensor.gz")
	if err != nil {
		s.logger.Error("committing archive file", "peer", peer, "error", err)
		return
	}
	s.logger.Info("archived stream", "peer", peer, "stream_id", r.StreamID(), "bytes", total, "path", finalPath)

	if s.uploader != nil {
		if err := s.upload(ctx, peer, finalPath); err != nil {
			s.logger.Error("uploading to s3", "peer", peer, "path", finalPath, "error", err)
		}
	}

	if s.maxFiles > 0 {
		if err := storage.Rotate(writer.PeerDir(), s.maxFiles); err != nil {
			s.logger.Warn("rotating archive directory", "peer", peer, "error", err)
		}
	}
}

func (s *archiveSink) upload(ctx context.Context, peer uuid.UUID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	key := fmt.Sprintf("%s%s/%s", s.prefix, peer, filepath.Base(path))
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func loadSinkConfig(path string) (*sinkConfig, error) {
	nodeCfg, err := config.LoadNodeConfig(path)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading archive sink config: %w", err)
	}

	var extra struct {
		ArchiveDir string `yaml:"archive_dir"`
		S3Bucket   string `yaml:"s3_bucket"`
		S3Prefix   string `yaml:"s3_prefix"`
		S3Region   string `yaml:"s3_region"`
		MaxFiles   int    `yaml:"max_files_per_peer"`
	}
	if err := yaml.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("parsing archive sink config: %w", err)
	}

	cfg := &sinkConfig{
		NodeConfig: *nodeCfg,
		ArchiveDir: extra.ArchiveDir,
		S3Bucket:   extra.S3Bucket,
		S3Prefix:   extra.S3Prefix,
		S3Region:   extra.S3Region,
		MaxFiles:   extra.MaxFiles,
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = "/var/lib/asoc/archive"
	}
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	return cfg, nil
}
