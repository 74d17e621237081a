package connection

import "errors"

// Errors surfaced through OnPeerDown reasons or returned synchronously from
// Manager methods (spec.md §7).
var (
	ErrNoSession         = errors.New("connection: no established session for peer")
	ErrHandshakeTimeout  = errors.New("connection: handshake timed out")
	ErrHandshakeFailed   = errors.New("connection: handshake failed")
	ErrDuplicatePeer     = errors.New("connection: peer already established")
	ErrProtocolViolation = errors.New("connection: protocol violation")
	ErrIdleTimeout       = errors.New("connection: idle receive timeout")
	ErrOversizedFrame    = errors.New("connection: frame exceeds max_frame_bytes")
	ErrClosed            = errors.New("connection: session closed")
	ErrShutdown          = errors.New("connection: node shutdown")
)
