// Package streaming implements ASoc's payload-oriented layer above frames:
// stream id allocation, the outbound chunker, and the inbound reassembler
// (spec.md §4.4). The engine holds no owning reference to the connection
// that invokes it — frames flow out through the Sink interface instead —
// so the connection/streaming ownership cycle described in spec.md §9 is
// broken at this boundary.
package streaming

import (
	"github.com/sparksbenjamin/asoc/internal/codec"
)

// Chunk-size bounds from spec.md §4.4.
const (
	DefaultChunkSize = 1 << 20 // 1 MiB
	MinChunkSize     = 4 * 1024
	MaxChunkSize     = 16 * 1024 * 1024
)

// StreamOptions is the fixed option set accepted by Engine.Stream.
type StreamOptions struct {
	ChunkSize int
	StreamTag *uint32 // optional 32-bit application label, carried end-to-end
}

// StreamResult is returned once a payload has been fully handed to the sink.
type StreamResult struct {
	StreamID  uint32
	BytesSent int64
}

// Sink is how the engine hands frames to whatever owns the transport. A
// connection.Session implements this by pushing onto its ordered,
// backpressured send queue; EnqueueFrame blocking until the queue drains is
// exactly the "honor the writer's drain signal" requirement in spec.md §4.4.
type Sink interface {
	EnqueueFrame(header codec.FrameHeader, payload []byte) error
}
