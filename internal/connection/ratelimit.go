package connection

import (
	"context"
	"net"

	"golang.org/x/time/rate"
)

// maxRateBurstBytes bounds the token bucket's burst size so a generous
// bytes_per_sec setting cannot translate into multi-megabyte bursts.
const maxRateBurstBytes = 256 * 1024

// throttledConn wraps a net.Conn so that Write respects a bytes/second
// ceiling, using a token-bucket limiter. Reads are unaffected — only the
// outbound direction counts against max_bytes_per_sec (spec.md's
// SPEC_FULL.md §4.3 per-session rate limit).
type throttledConn struct {
	net.Conn
	limiter *rate.Limiter
	ctx     context.Context
}

// newThrottledConn returns conn unchanged when bytesPerSec <= 0 (no limit
// configured). ctx is cancelled when the owning session closes so a write
// blocked waiting for tokens does not outlive the session.
func newThrottledConn(ctx context.Context, conn net.Conn, bytesPerSec int64) net.Conn {
	if bytesPerSec <= 0 {
		return conn
	}
	burst := int(bytesPerSec)
	if burst > maxRateBurstBytes {
		burst = maxRateBurstBytes
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttledConn{
		Conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write divides writes larger than the burst size into chunks so a single
// large frame doesn't require one enormous reservation.
func (t *throttledConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if burst := t.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(t.ctx, chunk); err != nil {
			return total, err
		}
		n, err := t.Conn.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}
