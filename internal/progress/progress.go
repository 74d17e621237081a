// Package progress renders a live transfer progress bar to the terminal,
// for wrapper programs that stream tensor payloads to or from a peer.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// Reporter shows bytes transferred, throughput, and elapsed time for one
// in-flight stream. totalBytes <= 0 renders a spinner instead of a bar
// (the total size of an inbound tensor is not known ahead of END).
type Reporter struct {
	name       string
	totalBytes int64
	out        io.Writer

	bytes atomic.Int64
	start time.Time
	done  chan struct{}
}

// New creates a Reporter and starts its render loop. Call Stop when the
// transfer finishes.
func New(name string, totalBytes int64, out io.Writer) *Reporter {
	r := &Reporter{
		name:       name,
		totalBytes: totalBytes,
		out:        out,
		start:      time.Now(),
		done:       make(chan struct{}),
	}
	go r.renderLoop()
	return r
}

// Add records n more bytes transferred.
func (r *Reporter) Add(n int64) {
	r.bytes.Add(n)
}

// Stop halts the render loop and prints a final line.
func (r *Reporter) Stop() {
	close(r.done)
	r.render(true)
}

func (r *Reporter) renderLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.render(false)
		}
	}
}

func (r *Reporter) render(final bool) {
	bytes := r.bytes.Load()
	elapsed := time.Since(r.start)

	var speed float64
	if s := elapsed.Seconds(); s > 0.1 {
		speed = float64(bytes) / s
	}

	const barWidth = 30
	var bar string
	if r.totalBytes > 0 {
		pct := float64(bytes) / float64(r.totalBytes)
		if pct > 1.0 {
			pct = 1.0
		}
		filled := int(pct * float64(barWidth))
		bar = strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
	} else {
		pos := int(elapsed.Seconds()*2) % barWidth
		bar = strings.Repeat("-", pos) + "#" + strings.Repeat("-", barWidth-pos-1)
	}

	line := fmt.Sprintf("\r[%s] %s  %s  %s/s  %s",
		r.name, bar, formatBytes(bytes), formatBytes(int64(speed)), elapsed.Round(time.Second))

	if len(line) < 100 {
		line += strings.Repeat(" ", 100-len(line))
	}

	if final {
		fmt.Fprintf(r.out, "%s\n", line)
	} else {
		fmt.Fprint(r.out, line)
	}
}

func formatBytes(b int64) string {
	switch {
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(b)/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
