package srpc

import (
	"fmt"
	"io"
	"sync"

	"github.com/srpc-dev/srpc/pkg/protocol"
)

// streamBuf is the inbound side of one byte stream: a bounded chunk channel
// fed by the read loop and drained by a single StreamReader. The channel is
// closed only by the read loop (on finish or destroy), so channel close and
// chunk delivery are ordered by construction.
type streamBuf struct {
	ch chan []byte

	mu       sync.Mutex
	err      error // Terminal error, valid once ch is closed; nil means finish
	done     bool
	accepted bool
}

func (b *streamBuf) terminate(err error) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	b.err = err
	b.mu.Unlock()
	close(b.ch)
}

func (b *streamBuf) terminalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// accept claims the buffer for a reader. A stream can be consumed once.
func (b *streamBuf) accept() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accepted {
		return false
	}
	b.accepted = true
	return true
}

// streamTable holds the inbound stream buffers for one connection, keyed by
// stream id. Buffers are created lazily on the first of either the first
// inbound chunk or AcceptStream, whichever happens first; ordering between
// the stream ops and the accepting RPC is not guaranteed. A terminated
// buffer therefore stays in the table until a reader drains it: the finish
// may land before the RPC that names the stream, and dropping it early
// would hand a later AcceptStream a fresh buffer that never terminates.
// Unaccepted terminals are reclaimed with the table when the connection
// closes.
type streamTable struct {
	mu sync.Mutex
	m  map[string]*streamBuf
}

func newStreamTable() *streamTable {
	return &streamTable{m: make(map[string]*streamBuf)}
}

func (t *streamTable) buf(id string, depth int) *streamBuf {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.m[id]; ok {
		return b
	}
	b := &streamBuf{ch: make(chan []byte, depth)}
	t.m[id] = b
	return b
}

func (t *streamTable) remove(id string) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

// handleStreamOp applies one inbound byte stream operation. Called from the
// read loop only. A full buffer blocks here, which stalls the read loop and
// lets the socket's own flow control push back on the sender.
func (c *Conn) handleStreamOp(op *protocol.ByteStreamOp) {
	if op == nil {
		return
	}
	b := c.streams.buf(op.StreamID, c.cfg.StreamBuffer)

	switch op.Op {
	case protocol.StreamWrite:
		// Terminal state is only ever set from this goroutine, so an
		// unlocked read would do; the lock keeps the invariant obvious.
		b.mu.Lock()
		done := b.done
		b.mu.Unlock()
		if done {
			c.logger.Warn("dropping write on terminated stream", "stream_id", op.StreamID)
			return
		}
		select {
		case b.ch <- op.Chunk:
		case <-c.done:
		}
	case protocol.StreamFinish:
		b.terminate(nil)
	case protocol.StreamDestroy:
		b.terminate(ErrStreamDestroyed)
	}
}

// StreamWriter is the producing end of an outbound byte stream. Writes are
// chunked at the configured chunk size and delivered to the peer in order.
// Exactly one of Close (clean end-of-stream) or Destroy (abort) terminates
// the stream.
type StreamWriter struct {
	conn *Conn
	id   string

	mu     sync.Mutex
	closed bool
}

// OpenStream allocates a new outbound byte stream with a fresh id. The id
// is typically carried inside an RPC request payload so the peer knows which
// stream to accept.
func (c *Conn) OpenStream() *StreamWriter {
	return &StreamWriter{conn: c, id: newID()}
}

// ID returns the stream id.
func (w *StreamWriter) ID() string {
	return w.id
}

// Write sends p to the peer, splitting it into chunks as needed. A short
// write is reported with the error that interrupted it.
func (w *StreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrStreamClosed
	}

	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > w.conn.cfg.StreamChunkSize {
			n = w.conn.cfg.StreamChunkSize
		}
		if err := w.conn.send(protocol.NewStreamWrite(w.id, p[:n])); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

// Close marks the stream finished. The peer's reader observes a clean EOF
// after draining all written chunks. Closing a closed stream is a no-op.
func (w *StreamWriter) Close() error {
	return w.terminate(protocol.NewStreamFinish(w.id))
}

// Destroy aborts the stream. The peer's reader observes an error instead of
// EOF. Destroying a terminated stream is a no-op.
func (w *StreamWriter) Destroy() error {
	return w.terminate(protocol.NewStreamDestroy(w.id))
}

func (w *StreamWriter) terminate(env *protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.send(env)
}

// StreamReader is the consuming end of an inbound byte stream. Read returns
// io.EOF after a clean finish, ErrStreamDestroyed after an abort, and
// ErrDisconnected if the connection is lost mid-stream.
type StreamReader struct {
	conn *Conn
	id   string
	buf  *streamBuf
	cur  []byte
	err  error // Sticky terminal result
}

// AcceptStream claims the inbound byte stream with the given id. Each
// stream can be accepted once; a second accept returns ErrStreamConsumed.
// Accepting before the first chunk arrives is fine.
func (c *Conn) AcceptStream(id string) (*StreamReader, error) {
	b := c.streams.buf(id, c.cfg.StreamBuffer)
	if !b.accept() {
		return nil, fmt.Errorf("%w: %s", ErrStreamConsumed, id)
	}
	return &StreamReader{conn: c, id: id, buf: b}, nil
}

// ID returns the stream id.
func (r *StreamReader) ID() string {
	return r.id
}

func (r *StreamReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	for len(r.cur) == 0 {
		select {
		case chunk, ok := <-r.buf.ch:
			if !ok {
				return 0, r.finish(r.buf.terminalErr())
			}
			r.cur = chunk

		case <-r.conn.done:
			// Drain chunks that arrived before the connection dropped.
			select {
			case chunk, ok := <-r.buf.ch:
				if !ok {
					return 0, r.finish(r.buf.terminalErr())
				}
				r.cur = chunk
			default:
				return 0, r.finish(fmt.Errorf("%w: %s", ErrDisconnected, r.conn.closeCause))
			}
		}
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *StreamReader) finish(err error) error {
	if err == nil {
		err = io.EOF
	}
	r.err = err
	r.conn.streams.remove(r.id)
	return err
}
