package streaming

import "errors"

// Errors returned synchronously from Engine.Stream (spec.md §7,
// "Application errors ... synchronous, recoverable").
var (
	ErrInvalidChunkSize   = errors.New("streaming: chunk_size out of range [4KiB, 16MiB]")
	ErrStreamIDsExhausted = errors.New("streaming: no free stream id available")
	ErrAborted            = errors.New("streaming: stream aborted")
)

// ErrProtocolViolation is wrapped with context and returned from
// Engine.HandleFrame; the connection layer treats any such error as fatal
// for the session and surfaces it via OnPeerDown (spec.md §7).
var ErrProtocolViolation = errors.New("streaming: protocol violation")
