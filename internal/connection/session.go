package connection

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sparksbenjamin/asoc/internal/codec"
	"github.com/sparksbenjamin/asoc/internal/streaming"
)

// sendQueueDepth bounds the number of frames buffered between the streaming
// engine and the writer goroutine. Combined with max_frame_bytes this is the
// backpressure bound from spec.md §8 ("send queue depth remains bounded by
// max_frame_bytes × in_flight_frames").
const sendQueueDepth = 64

// Session is one authenticated transport association with a remote node
// (spec.md §4.3). It owns the transport's single reader goroutine and single
// writer goroutine, and hosts a streaming.Engine that it feeds via the
// streaming.Sink interface — the engine never reaches back into the session.
type Session struct {
	conn      net.Conn
	initiator bool

	localID uuid.UUID
	peerID  uuid.UUID // valid only once state >= StateEstablished
	apiKey  []byte
	token   [8]byte

	maxFrameBytes    int
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	drainTimeout     time.Duration

	logger *slog.Logger

	state atomic.Int32

	engine *streaming.Engine

	sendCh chan frameMsg

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  atomic.Value // error

	wg sync.WaitGroup

	// RejectDuplicate is consulted by the acceptor handshake path before an
	// ACCEPT is sent; it returns true if peerID already has an established
	// session (spec.md §4.3, "refuse duplicate node id already established").
	// Left nil, no duplicate is ever rejected.
	RejectDuplicate func(peerID uuid.UUID) bool

	// OnClose is invoked exactly once, from whichever goroutine first
	// observes the fatal condition, after the transport is closed and all
	// in-flight streams have been aborted.
	OnClose func(s *Session, reason error)
}

type frameMsg struct {
	header  codec.FrameHeader
	payload []byte
}

// SessionOptions configures a new Session. Zero values fall back to the
// spec.md §5/§6 defaults.
type SessionOptions struct {
	MaxFrameBytes    int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	DrainTimeout     time.Duration

	// MaxBytesPerSec caps this session's outbound byte rate. Zero disables
	// throttling.
	MaxBytesPerSec int64
}

const (
	defaultMaxFrameBytes    = 16 * 1024 * 1024
	defaultHandshakeTimeout = 10 * time.Second
	defaultIdleTimeout      = 30 * time.Second
	defaultDrainTimeout     = 10 * time.Second
)

// NewSession wraps an already-connected transport. initiator must match the
// side of the handshake this process will play: true if this process dialed
// the connection, false if it accepted one.
func NewSession(conn net.Conn, initiator bool, localID uuid.UUID, apiKey []byte, opts SessionOptions, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	maxFrameBytes := opts.MaxFrameBytes
	if maxFrameBytes == 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}
	drainTimeout := opts.DrainTimeout
	if drainTimeout == 0 {
		drainTimeout = defaultDrainTimeout
	}

	closed := make(chan struct{})
	throttleCtx, cancelThrottle := context.WithCancel(context.Background())
	go func() {
		<-closed
		cancelThrottle()
	}()

	s := &Session{
		conn:             newThrottledConn(throttleCtx, conn, opts.MaxBytesPerSec),
		initiator:        initiator,
		localID:          localID,
		apiKey:           apiKey,
		maxFrameBytes:    maxFrameBytes,
		handshakeTimeout: handshakeTimeout,
		idleTimeout:      idleTimeout,
		drainTimeout:     drainTimeout,
		logger:           logger.With("component", "session", "remote", conn.RemoteAddr()),
		sendCh:           make(chan frameMsg, sendQueueDepth),
		closed:           closed,
	}
	s.state.Store(int32(StateConnecting))
	s.engine = streaming.NewEngine(initiator, s, s.logger)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// PeerID returns the remote node id. Only meaningful once State() is
// StateEstablished.
func (s *Session) PeerID() uuid.UUID {
	return s.peerID
}

// Done returns a channel closed once the session has torn down, for callers
// that need to wait for closure without polling State().
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// OnStream registers the callback invoked once per inbound stream.
func (s *Session) OnStream(cb func(r *streaming.StreamReader)) {
	s.engine.OnStream(cb)
}

// Stream chunks payload into frames via the streaming engine and hands them
// to this session's send queue.
func (s *Session) Stream(ctx context.Context, payload []byte, opts streaming.StreamOptions) (*streaming.StreamResult, error) {
	if s.State() != StateEstablished {
		return nil, ErrNoSession
	}
	return s.engine.Stream(ctx, payload, opts)
}

// EnqueueFrame implements streaming.Sink. It blocks until the frame is
// queued or the session closes, which is exactly the backpressure behavior
// spec.md §4.4 requires between chunks.
func (s *Session) EnqueueFrame(header codec.FrameHeader, payload []byte) error {
	select {
	case s.sendCh <- frameMsg{header: header, payload: payload}:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// Handshake performs the HELLO/ACCEPT exchange (spec.md §4.3) and, on
// success, transitions the session to ESTABLISHED and starts the reader and
// writer goroutines. On failure the transport is closed with no bytes
// written back, per spec.md's anti-fingerprinting rule.
func (s *Session) Handshake(ctx context.Context) error {
	deadline := time.Now().Add(s.handshakeTimeout)
	s.conn.SetDeadline(deadline)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-watchDone:
		}
	}()

	var err error
	if s.initiator {
		err = s.handshakeInitiator()
	} else {
		err = s.handshakeAcceptor()
	}
	if err != nil {
		s.conn.Close()
		s.setState(StateClosed)
		return err
	}

	s.conn.SetDeadline(time.Time{})
	s.setState(StateEstablished)
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *Session) handshakeInitiator() error {
	s.setState(StateWaitAccept)

	var challengeBuf [4]byte
	if _, err := rand.Read(challengeBuf[:]); err != nil {
		return fmt.Errorf("%w: drawing challenge: %v", ErrHandshakeFailed, err)
	}
	challenge := binary.BigEndian.Uint32(challengeBuf[:])

	payload := codec.EncodeHello(s.localID, challenge, s.apiKey)
	if err := s.writeHandshakeFrame(codec.FrameTypeHello, payload); err != nil {
		return fmt.Errorf("%w: sending HELLO: %v", ErrHandshakeFailed, err)
	}

	h, payload, err := s.readHandshakeFrame()
	if err != nil {
		return fmt.Errorf("%w: reading ACCEPT: %v", ErrHandshakeFailed, err)
	}
	if h.Type != codec.FrameTypeAccept || int(h.Length) != codec.AcceptSize {
		return fmt.Errorf("%w: expected ACCEPT, got type %d length %d", ErrHandshakeFailed, h.Type, h.Length)
	}
	accept, err := codec.VerifyAccept(payload, s.apiKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.token = accept.Token
	return nil
}

func (s *Session) handshakeAcceptor() error {
	s.setState(StateWaitAccept)

	h, payload, err := s.readHandshakeFrame()
	if err != nil {
		return fmt.Errorf("%w: reading HELLO: %v", ErrHandshakeFailed, err)
	}
	if h.Type != codec.FrameTypeHello || int(h.Length) != codec.HelloSize {
		return fmt.Errorf("%w: expected HELLO, got type %d length %d", ErrHandshakeFailed, h.Type, h.Length)
	}
	hello, err := codec.DecodeAndVerifyHello(payload, s.apiKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.peerID = hello.NodeID

	if s.RejectDuplicate != nil && s.RejectDuplicate(s.peerID) {
		return fmt.Errorf("%w: node %s", ErrDuplicatePeer, s.peerID)
	}

	var token [8]byte
	if _, err := rand.Read(token[:]); err != nil {
		return fmt.Errorf("%w: drawing session token: %v", ErrHandshakeFailed, err)
	}
	s.token = token

	acceptPayload := codec.EncodeAccept(token, s.apiKey)
	if err := s.writeHandshakeFrame(codec.FrameTypeAccept, acceptPayload); err != nil {
		return fmt.Errorf("%w: sending ACCEPT: %v", ErrHandshakeFailed, err)
	}
	return nil
}

func (s *Session) writeHandshakeFrame(typ byte, payload []byte) error {
	header := codec.EncodeFrameHeader(codec.FrameHeader{Type: typ, Length: uint32(len(payload))})
	if _, err := s.conn.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := s.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) readHandshakeFrame() (codec.FrameHeader, []byte, error) {
	raw := make([]byte, codec.FrameHeaderSize)
	if _, err := io.ReadFull(s.conn, raw); err != nil {
		return codec.FrameHeader{}, nil, err
	}
	h, err := codec.DecodeFrameHeader(raw)
	if err != nil {
		return codec.FrameHeader{}, nil, err
	}
	var payload []byte
	if h.Length > 0 {
		payload = make([]byte, h.Length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return codec.FrameHeader{}, nil, err
		}
	}
	return h, payload, nil
}

// readLoop owns the transport's read half for the lifetime of an
// ESTABLISHED session (spec.md §4.3, "frame reader").
func (s *Session) readLoop() {
	defer s.wg.Done()
	header := make([]byte, codec.FrameHeaderSize)

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if _, err := io.ReadFull(s.conn, header); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.fail(fmt.Errorf("%w: %v", ErrIdleTimeout, err))
			} else {
				s.fail(err)
			}
			return
		}

		h, err := codec.DecodeFrameHeader(header)
		if err != nil {
			if errors.Is(err, codec.ErrUnknownType) {
				// Out-of-range type on an established session is dropped
				// silently (spec.md §4.1); the length field is still
				// trustworthy, so skip exactly that many payload bytes.
				length := binary.BigEndian.Uint32(header[9:13])
				if length > uint32(s.maxFrameBytes) {
					s.fail(ErrOversizedFrame)
					return
				}
				if length > 0 {
					if _, err := io.CopyN(io.Discard, s.conn, int64(length)); err != nil {
						s.fail(err)
						return
					}
				}
				continue
			}
			s.fail(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			return
		}

		if h.Length > uint32(s.maxFrameBytes) {
			s.fail(ErrOversizedFrame)
			return
		}

		var payload []byte
		if h.Length > 0 {
			payload = make([]byte, h.Length)
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				s.fail(err)
				return
			}
		}

		switch h.Type {
		case codec.FrameTypeData, codec.FrameTypeEnd, codec.FrameTypeControl:
			if err := s.engine.HandleFrame(h, payload, s.remoteIsInitiator()); err != nil {
				s.fail(err)
				return
			}
		default:
			// HELLO/ACCEPT have no business appearing after the handshake.
			s.fail(fmt.Errorf("%w: handshake frame type %d on established session", ErrProtocolViolation, h.Type))
			return
		}
	}
}

// writeLoop owns the transport's write half. It is the only goroutine that
// writes to conn once the session is ESTABLISHED, guaranteeing frame
// atomicity on the wire (spec.md §4.3, "frame writer").
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case msg, ok := <-s.sendCh:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.drainTimeout))
			if _, err := s.conn.Write(codec.EncodeFrameHeader(msg.header)); err != nil {
				s.fail(err)
				return
			}
			if len(msg.payload) > 0 {
				if _, err := s.conn.Write(msg.payload); err != nil {
					s.fail(err)
					return
				}
			}
		case <-s.closed:
			return
		}
	}
}

// fail transitions the session to CLOSED, aborts every in-flight stream,
// and invokes OnClose exactly once. Safe to call from any goroutine and any
// number of times.
func (s *Session) fail(reason error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		s.closeErr.Store(reason)
		close(s.closed)
		s.conn.Close()
		s.engine.AbortAll(reason)
		if s.OnClose != nil {
			s.OnClose(s, reason)
		}
	})
}

// Close initiates a graceful shutdown: no further frames are accepted, the
// transport is closed, and in-flight streams are aborted with ErrClosed.
func (s *Session) Close() {
	s.fail(ErrClosed)
	s.wg.Wait()
}

// remoteIsInitiator reports which parity of stream id the remote side
// allocates from.
func (s *Session) remoteIsInitiator() bool {
	return !s.initiator
}
