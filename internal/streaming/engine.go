package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sparksbenjamin/asoc/internal/codec"
)

// Engine is the per-session streaming layer: one instance per
// connection.Session, constructed with that session's role (initiator
// allocates odd stream ids, acceptor even) and a Sink to push frames
// through.
type Engine struct {
	initiator bool
	sink      Sink
	logger    *slog.Logger

	idMu      sync.Mutex
	nextID    uint32
	activeOut map[uint32]struct{}

	inMu        sync.Mutex
	inbound     map[uint32]*inboundStream
	pendingTags map[uint32]uint32 // stream id -> tag, set by a CONTROL frame that precedes the stream's first DATA frame

	onStreamMu sync.Mutex
	onStream   func(r *StreamReader)
}

type inboundStream struct {
	lastSeq  uint32
	hasFrame bool
	reader   *StreamReader
}

// NewEngine constructs a streaming engine bound to sink. initiator must
// match the role this session plays in the connection handshake: it governs
// which half of the stream-id space this side allocates from.
func NewEngine(initiator bool, sink Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	nextID := uint32(2)
	if initiator {
		nextID = 1
	}
	return &Engine{
		initiator: initiator,
		sink:      sink,
		logger:    logger.With("component", "streaming"),
		nextID:      nextID,
		activeOut:   make(map[uint32]struct{}),
		inbound:     make(map[uint32]*inboundStream),
		pendingTags: make(map[uint32]uint32),
	}
}

// OnStream registers the callback invoked once per inbound stream
// (spec.md §4.4). Must be called before frames start arriving.
func (e *Engine) OnStream(cb func(r *StreamReader)) {
	e.onStreamMu.Lock()
	defer e.onStreamMu.Unlock()
	e.onStream = cb
}

func (e *Engine) dispatchOnStream(r *StreamReader) {
	e.onStreamMu.Lock()
	cb := e.onStream
	e.onStreamMu.Unlock()
	if cb != nil {
		cb(r)
	}
}

// Stream chunks payload into DATA frames of opts.ChunkSize bytes (default
// 1 MiB) followed by a single END frame, handing each to the sink in order.
// A zero-length payload produces zero DATA frames and one END frame
// (spec.md §4.4, scenario 5). Cancelling ctx before any chunk has been
// handed to the sink aborts cleanly: it returns a nil result and frees the
// stream id. Cancelling after that point is best-effort (spec.md §5): the
// remaining chunks and the END frame are still sent so the receiver's view
// of the stream stays consistent, and Stream returns both a non-nil result
// and ctx.Err().
func (e *Engine) Stream(ctx context.Context, payload []byte, opts StreamOptions) (*StreamResult, error) {
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, ErrInvalidChunkSize
	}

	id, ok := e.allocateStreamID()
	if !ok {
		return nil, ErrStreamIDsExhausted
	}

	if err := ctx.Err(); err != nil {
		e.freeStreamID(id)
		return nil, err
	}

	if opts.StreamTag != nil {
		tagPayload := make([]byte, 4)
		tagPayload[0] = byte(*opts.StreamTag >> 24)
		tagPayload[1] = byte(*opts.StreamTag >> 16)
		tagPayload[2] = byte(*opts.StreamTag >> 8)
		tagPayload[3] = byte(*opts.StreamTag)
		tagHeader := codec.FrameHeader{Type: codec.FrameTypeControl, StreamID: id, Sequence: 0, Length: uint32(len(tagPayload))}
		if err := e.sink.EnqueueFrame(tagHeader, tagPayload); err != nil {
			e.freeStreamID(id)
			return nil, err
		}
	}

	var seq uint32
	var sent int64
	var handedOff, cancelled bool

	for offset := 0; offset < len(payload); offset += chunkSize {
		// Before the first chunk reaches the sink, the receiver has no
		// inboundStream entry for this id yet, so cancellation can still
		// abort cleanly and free the id. Once a chunk has been handed
		// off, the receiver may already be expecting the rest of this
		// stream: cancellation becomes best-effort from here on (spec.md
		// §5) and we must still send every remaining chunk plus END.
		if !handedOff {
			select {
			case <-ctx.Done():
				e.freeStreamID(id)
				return nil, ctx.Err()
			default:
			}
		}

		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]

		header := codec.FrameHeader{Type: codec.FrameTypeData, StreamID: id, Sequence: seq, Length: uint32(len(chunk))}
		if err := e.sink.EnqueueFrame(header, chunk); err != nil {
			e.freeStreamID(id)
			return nil, err
		}
		sent += int64(len(chunk))
		seq++
		handedOff = true

		if !cancelled {
			select {
			case <-ctx.Done():
				cancelled = true
			default:
			}
		}
	}

	endHeader := codec.FrameHeader{Type: codec.FrameTypeEnd, StreamID: id, Sequence: seq, Length: 0}
	if err := e.sink.EnqueueFrame(endHeader, nil); err != nil {
		e.freeStreamID(id)
		return nil, err
	}
	e.freeStreamID(id)

	result := &StreamResult{StreamID: id, BytesSent: sent}
	if cancelled {
		return result, ctx.Err()
	}
	return result, nil
}

// allocateStreamID draws the next free id of this side's parity, probing
// forward by 2 and wrapping around 0 (reserved for the handshake) per
// spec.md §9's collision-avoidance mandate. At most len(activeOut)+1 probes
// are needed: that many distinct candidates cannot all be occupied.
func (e *Engine) allocateStreamID() (uint32, bool) {
	e.idMu.Lock()
	defer e.idMu.Unlock()

	candidate := e.nextID
	attempts := len(e.activeOut) + 1
	for i := 0; i < attempts; i++ {
		if _, busy := e.activeOut[candidate]; !busy {
			e.activeOut[candidate] = struct{}{}
			e.nextID = stepStreamID(candidate)
			return candidate, true
		}
		candidate = stepStreamID(candidate)
	}
	return 0, false
}

func stepStreamID(id uint32) uint32 {
	id += 2
	if id == 0 {
		id = 2
	}
	return id
}

func (e *Engine) freeStreamID(id uint32) {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	delete(e.activeOut, id)
}

// HandleFrame routes one inbound DATA/END/CONTROL frame. remoteIsInitiator tells the
// engine which parity the far side allocates from, needed to validate a
// newly observed stream id (spec.md §4.4's "verifies the id's parity
// matches the remote role"). A returned error is always
// ErrProtocolViolation-wrapped and fatal for the owning session.
func (e *Engine) HandleFrame(header codec.FrameHeader, payload []byte, remoteIsInitiator bool) error {
	if header.Type == codec.FrameTypeControl {
		if len(payload) != 4 {
			return nil // malformed control payload; ignore rather than fail the session
		}
		tag := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
		e.inMu.Lock()
		e.pendingTags[header.StreamID] = tag
		e.inMu.Unlock()
		return nil
	}

	e.inMu.Lock()
	ist, exists := e.inbound[header.StreamID]
	if !exists {
		if header.Type != codec.FrameTypeData {
			e.inMu.Unlock()
			return fmt.Errorf("%w: first frame on stream %d was type %d, not DATA", ErrProtocolViolation, header.StreamID, header.Type)
		}
		gotOdd := header.StreamID%2 == 1
		if gotOdd != remoteIsInitiator {
			e.inMu.Unlock()
			return fmt.Errorf("%w: stream %d has unexpected id parity for remote role", ErrProtocolViolation, header.StreamID)
		}
		var tag *uint32
		if t, ok := e.pendingTags[header.StreamID]; ok {
			tagCopy := t
			tag = &tagCopy
			delete(e.pendingTags, header.StreamID)
		}
		ist = &inboundStream{reader: newStreamReader(header.StreamID, tag)}
		e.inbound[header.StreamID] = ist
		e.inMu.Unlock()
		e.dispatchOnStream(ist.reader)
	} else {
		e.inMu.Unlock()
	}

	switch header.Type {
	case codec.FrameTypeData:
		expected := uint32(0)
		if ist.hasFrame {
			expected = ist.lastSeq + 1
		}
		if header.Sequence != expected {
			err := fmt.Errorf("%w: sequence gap on stream %d (expected %d, got %d)", ErrProtocolViolation, header.StreamID, expected, header.Sequence)
			ist.reader.abort(err)
			e.removeInbound(header.StreamID)
			return err
		}
		ist.lastSeq = header.Sequence
		ist.hasFrame = true
		ist.reader.push(payload)
		return nil

	case codec.FrameTypeEnd:
		expected := uint32(0)
		if ist.hasFrame {
			expected = ist.lastSeq + 1
		}
		if header.Sequence != expected {
			err := fmt.Errorf("%w: END sequence mismatch on stream %d (expected %d, got %d)", ErrProtocolViolation, header.StreamID, expected, header.Sequence)
			ist.reader.abort(err)
			e.removeInbound(header.StreamID)
			return err
		}
		ist.reader.close()
		e.removeInbound(header.StreamID)
		return nil

	default:
		return nil
	}
}

func (e *Engine) removeInbound(id uint32) {
	e.inMu.Lock()
	delete(e.inbound, id)
	e.inMu.Unlock()
}

// AbortAll aborts every active inbound stream with the given reason
// (spec.md §4.3 "discard in-flight streams ... with an aborted signal").
func (e *Engine) AbortAll(reason error) {
	e.inMu.Lock()
	defer e.inMu.Unlock()
	for id, ist := range e.inbound {
		ist.reader.abort(reason)
		delete(e.inbound, id)
	}
}
