package streaming

import (
	"context"
	"io"
	"sync"
)

// StreamReader yields the chunks of one inbound stream in order, until
// end-of-stream (io.EOF) or abort (a non-EOF error). Exactly one of these
// terminal outcomes is ever produced, per spec.md §4.4.
type StreamReader struct {
	id  uint32
	tag *uint32

	ch chan chunkOrEnd

	closeOnce sync.Once
	terminal  error // io.EOF or the abort error; set before ch is closed
}

type chunkOrEnd struct {
	data []byte
	err  error // nil: data chunk; io.EOF: clean end; other: aborted
}

func newStreamReader(id uint32, tag *uint32) *StreamReader {
	return &StreamReader{
		id:  id,
		tag: tag,
		ch:  make(chan chunkOrEnd, 16),
	}
}

// StreamID returns the 32-bit wire id of this stream.
func (r *StreamReader) StreamID() uint32 { return r.id }

// Tag returns the stream's application tag, if the sender set one.
func (r *StreamReader) Tag() (uint32, bool) {
	if r.tag == nil {
		return 0, false
	}
	return *r.tag, true
}

// Recv blocks until the next chunk, io.EOF on clean end-of-stream, or an
// abort error. After a terminal value, Recv keeps returning it.
func (r *StreamReader) Recv(ctx context.Context) ([]byte, error) {
	select {
	case v, ok := <-r.ch:
		if !ok {
			return nil, r.terminal
		}
		return v.data, v.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *StreamReader) push(data []byte) {
	r.ch <- chunkOrEnd{data: data}
}

func (r *StreamReader) close() {
	r.closeOnce.Do(func() {
		r.terminal = io.EOF
		r.ch <- chunkOrEnd{err: io.EOF}
		close(r.ch)
	})
}

func (r *StreamReader) abort(err error) {
	r.closeOnce.Do(func() {
		r.terminal = err
		r.ch <- chunkOrEnd{err: err}
		close(r.ch)
	})
}
