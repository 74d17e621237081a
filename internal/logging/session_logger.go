package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewPeerSessionLogger to write simultaneously to the
// node-wide handler and a peer's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check Enabled() on each handler individually so DEBUG records aren't
	// forwarded to a primary handler configured for INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the peer log must never block the node-wide log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewPeerSessionLogger builds a logger that writes to both the node-wide
// base logger and a file dedicated to one peer session:
//
//	{peerLogDir}/{peerID}.log
//
// It returns the combined logger, an io.Closer that MUST be called (closes
// the peer log file) once the session ends, and the path of the created
// file (peerLogDir joined with the file name). With an empty peerLogDir it returns the base logger
// unmodified and a no-op closer.
func NewPeerSessionLogger(baseLogger *slog.Logger, peerLogDir, peerID string) (*slog.Logger, io.Closer, string, error) {
	if peerLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(peerLogDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating peer log directory %s: %w", peerLogDir, err)
	}

	logPath := filepath.Join(peerLogDir, peerID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening peer log file %s: %w", logPath, err)
	}

	// The peer log always uses JSON at DEBUG level so a captured session can
	// be replayed frame-by-frame after the fact.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemovePeerSessionLog deletes a finished session's peer log file. No-op if
// peerLogDir is empty or the file does not exist.
func RemovePeerSessionLog(peerLogDir, peerID string) {
	if peerLogDir == "" {
		return
	}
	os.Remove(filepath.Join(peerLogDir, peerID+".log"))
}
