// Package storage persists inbound tensor payloads to a local directory,
// for wrapper programs (cmd/asoc-archive-sink) that want a disk-backed
// OnStream handler instead of (or in addition to) shipping to S3.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// AtomicWriter persists one peer's inbound tensors under
// {baseDir}/{peerID}/: writes go to a temp file first, then Commit
// renames to a timestamped final name so a reader never observes a
// partially written file.
type AtomicWriter struct {
	baseDir  string
	peerDir  string
}

// NewAtomicWriter creates (if absent) {baseDir}/{peerID}/ and returns a
// writer scoped to it. peerID is validated as a safe path component.
func NewAtomicWriter(baseDir, peerID string) (*AtomicWriter, error) {
	if err := validatePathComponent(peerID, "peer id"); err != nil {
		return nil, err
	}
	peerDir := filepath.Join(baseDir, peerID)
	if err := validatePathInBaseDir(baseDir, peerDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(peerDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating peer directory: %w", err)
	}
	return &AtomicWriter{baseDir: baseDir, peerDir: peerDir}, nil
}

// TempFile opens a new temp file inside the peer's directory.
func (w *AtomicWriter) TempFile() (*os.File, string, error) {
	f, err := os.CreateTemp(w.peerDir, "tensor-*.tmp")
	if err != nil {
		return nil, "", fmt.Errorf("storage: creating temp file: %w", err)
	}
	return f, f.Name(), nil
}

// Commit renames tmpPath to a timestamped final name.
func (w *AtomicWriter) Commit(tmpPath string) (string, error) {
	return w.CommitWithSuffix(tmpPath, ".tensor")
}

// CommitWithSuffix renames tmpPath to a timestamped final name ending in
// suffix, for callers that write something other than a plain ".tensor"
// file into the temp file (e.g. a gzip-compressed archive, ".tensor.gz").
func (w *AtomicWriter) CommitWithSuffix(tmpPath, suffix string) (string, error) {
	timestamp := strings.ReplaceAll(time.Now().UTC().Format("2006-01-02T15-04-05.000"), ".", "-")
	finalPath := filepath.Join(w.peerDir, timestamp+suffix)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("storage: committing tensor: %w", err)
	}
	return finalPath, nil
}

// Abort removes a temp file after a failed or aborted stream.
func (w *AtomicWriter) Abort(tmpPath string) error {
	return os.Remove(tmpPath)
}

// PeerDir returns the directory this writer persists into.
func (w *AtomicWriter) PeerDir() string {
	return w.peerDir
}

// Rotate keeps at most maxFiles of the newest files in dir whose names
// contain ".tensor" (so ".tensor.gz" too), removing the rest. maxFiles <= 0 disables rotation.
func Rotate(dir string, maxFiles int) error {
	if maxFiles <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("storage: reading directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.Contains(e.Name(), ".tensor") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files) // timestamp-prefixed names sort chronologically

	if len(files) > maxFiles {
		for _, name := range files[:len(files)-maxFiles] {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("storage: removing old tensor %s: %w", name, err)
			}
		}
	}
	return nil
}
