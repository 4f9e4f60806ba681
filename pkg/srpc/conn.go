package srpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srpc-dev/srpc/pkg/protocol"
)

// StatusPongTimeout is the application-specific WebSocket close code sent
// when the heartbeat watchdog force-closes a connection. Intentional closes
// use the standard normal-closure code.
const StatusPongTimeout = 4002

// Close causes reported to closed callbacks and observers.
const (
	CauseDisconnect       = "disconnect"
	CausePongTimeout      = "pong timeout"
	CauseSocketError      = "socket error"
	CauseRemoteClose      = "remote close"
	CauseConnectTimeout   = "connect timeout"
	CauseHandshakeTimeout = "handshake timeout"
	CauseServerShutdown   = "server shutdown"
	CauseDecodeFailures   = "too many decode failures"
	CauseReplaced         = "replaced"
)

// newID generates a cryptographically random id for connections, requests,
// and byte streams.
func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Weak ids would let peers collide request or stream ids.
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Conn is one established (or establishing) SRPC connection. It owns the
// socket, correlates outbound requests with their replies, dispatches
// inbound requests to registered handlers, and multiplexes byte streams.
//
// Both sides use the same Conn; only the handshake rules differ. The server
// sends the first unsolicited ping, the client replies, and the connection
// is established once that reply is on the wire.
type Conn struct {
	// Identity, set before the read loop starts.
	ID          string // Stream id, client-chosen
	ClientID    string
	RemoteAddr  string
	ConnectedAt time.Time

	ws       *websocket.Conn
	cfg      ConnConfig
	server   bool
	logger   *slog.Logger
	obs      observers
	handlers *handlerMap
	mws      []Middleware

	writeMu sync.Mutex // Serializes socket writes

	established   atomic.Bool
	establishedCh chan struct{}
	closed        atomic.Bool
	closeCause    string // Written once by the Close winner before done closes
	done          chan struct{}

	ctx    context.Context // Cancelled on close; handed to handlers
	cancel context.CancelFunc

	pending *pendingTable
	streams *streamTable

	metaMu sync.RWMutex
	meta   map[string]string

	msgCount       atomic.Uint64
	lastPing       atomic.Int64 // Unix milliseconds of last inbound ping
	decodeFailures int          // Read loop only

	// Lifecycle callbacks, invoked exactly once per transition.
	onEstablished func(*Conn)
	onClosed      func(*Conn, string)
}

func newConn(ws *websocket.Conn, server bool, cfg ConnConfig, handlers *handlerMap, mws []Middleware, logger *slog.Logger, obs []Observer) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ConnectedAt:   time.Now(),
		ws:            ws,
		cfg:           cfg,
		server:        server,
		logger:        logger,
		obs:           obs,
		handlers:      handlers,
		mws:           mws,
		establishedCh: make(chan struct{}),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		pending:       newPendingTable(),
		streams:       newStreamTable(),
		meta:          make(map[string]string),
	}
}

// Established reports whether the handshake has completed and the
// connection is still open.
func (c *Conn) Established() bool {
	return c.established.Load() && !c.closed.Load()
}

// Done returns a channel that is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Cause returns the close cause, or "" while the connection is open.
func (c *Conn) Cause() string {
	select {
	case <-c.done:
		return c.closeCause
	default:
		return ""
	}
}

// LastPing returns the time of the last inbound ping, or the zero time if
// none has arrived yet.
func (c *Conn) LastPing() time.Time {
	ms := c.lastPing.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// MessageCount returns the number of envelopes sent and received.
func (c *Conn) MessageCount() uint64 {
	return c.msgCount.Load()
}

// Meta returns the metadata value for key.
func (c *Conn) Meta(key string) string {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.meta[key]
}

// SetMeta sets a metadata value on the connection record.
func (c *Conn) SetMeta(key, value string) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	c.meta[key] = value
}

func (c *Conn) setMetaAll(meta map[string]string) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	for k, v := range meta {
		c.meta[k] = v
	}
}

// readLoop processes inbound frames one at a time, in arrival order. It
// returns when the socket fails, which includes the watchdog case: the read
// deadline is re-armed to PongTimeout on every frame, so a peer that stops
// pinging trips a timeout error here. Any inbound frame feeds the deadline,
// not just pings; heartbeats are the only periodic traffic, and a peer
// still delivering frames is by definition not dead. The server sweeper
// additionally checks lastPing for connections wedged outside a read.
func (c *Conn) readLoop() {
	for {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			cause := CauseSocketError
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				cause = CausePongTimeout
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = CauseRemoteClose
			} else if websocket.IsUnexpectedCloseError(err) {
				cause = CauseRemoteClose
			}
			c.Close(cause)
			return
		}

		c.msgCount.Add(1)

		env, err := protocol.Decode(msg)
		if err != nil {
			c.decodeFailures++
			c.logger.Warn("frame decode error",
				"conn_id", c.ID,
				"error", err,
				"consecutive", c.decodeFailures)
			if c.cfg.MaxDecodeFailures > 0 && c.decodeFailures >= c.cfg.MaxDecodeFailures {
				c.Close(CauseDecodeFailures)
				return
			}
			continue
		}
		c.decodeFailures = 0

		c.obs.inbound(c, env)
		c.handleEnvelope(env)
	}
}

// handleEnvelope routes one decoded inbound envelope.
func (c *Conn) handleEnvelope(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindPing:
		c.handlePing()

	case protocol.KindReply:
		r := pendingReply{payload: env.Payload}
		if env.Error != "" {
			r.err = &RemoteError{Message: env.Error, User: env.UserError}
		}
		if !c.pending.resolve(env.RequestID, r) {
			// Late reply after timeout or disconnect; single-shot
			// resolution makes this a no-op.
			c.logger.Debug("dropping unmatched reply", "request_id", env.RequestID)
		}

	case protocol.KindRequest:
		c.dispatch(env)

	case protocol.KindByteStream:
		c.handleStreamOp(env.Stream)

	default:
		c.logger.Warn("unknown envelope kind", "kind", env.Kind)
	}
}

// handlePing implements the ping/pong rules. The server answers every
// inbound ping, so client heartbeats keep both watchdogs fed; the client
// answers only the server's first ping, which is the handshake.
func (c *Conn) handlePing() {
	c.lastPing.Store(time.Now().UnixMilli())

	if c.server {
		if err := c.Ping(); err != nil {
			return
		}
		c.markEstablished()
		return
	}

	if !c.established.Load() {
		if err := c.Ping(); err != nil {
			return
		}
		c.markEstablished()
	}
}

// Ping sends a ping envelope stamped with the current time.
func (c *Conn) Ping() error {
	return c.send(protocol.NewPing(uint64(time.Now().UnixMilli())))
}

func (c *Conn) markEstablished() {
	if !c.established.CompareAndSwap(false, true) {
		return
	}
	close(c.establishedCh)
	c.logger.Info("connection established",
		"conn_id", c.ID,
		"client_id", c.ClientID,
		"remote", c.RemoteAddr)
	if c.onEstablished != nil {
		c.onEstablished(c)
	}
	c.obs.established(c)
}

// send encodes and writes one envelope. Writes are serialized so concurrent
// senders cannot interleave frames.
func (c *Conn) send(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, env.Encode()); err != nil {
		return err
	}

	c.msgCount.Add(1)
	c.obs.outbound(c, env)
	return nil
}

// Invoke calls method on the peer and decodes the reply into out (which may
// be nil to discard it). It returns immediately with ErrNotConnected if the
// connection is not established, without registering any pending state.
//
// When ctx carries no deadline, the configured InvokeTimeout applies. The
// outcome is exactly one of: nil and out populated; a *RemoteError carrying
// the peer's reported failure; ErrInvokeTimeout; or ErrDisconnected when
// the connection is lost while waiting.
func (c *Conn) Invoke(ctx context.Context, method string, in, out any) error {
	if !c.Established() {
		return ErrNotConnected
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("srpc: encode %s request: %w", method, err)
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.InvokeTimeout)
		defer cancel()
	}

	requestID := newID()
	ch := c.pending.register(requestID)

	if err := c.send(protocol.NewRequest(requestID, method, payload)); err != nil {
		c.pending.remove(requestID)
		if errors.Is(err, ErrConnClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("srpc: send %s: %w", method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			var re *RemoteError
			if errors.As(r.err, &re) {
				re.Method = method
			}
			return r.err
		}
		if out != nil && len(r.payload) > 0 {
			if err := json.Unmarshal(r.payload, out); err != nil {
				return fmt.Errorf("srpc: decode %s reply: %w", method, err)
			}
		}
		return nil

	case <-ctx.Done():
		c.pending.remove(requestID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrInvokeTimeout, method)
		}
		return ctx.Err()
	}
}

// dispatch runs the handler for an inbound request on its own goroutine, so
// multiple in-flight requests interleave freely over one socket.
func (c *Conn) dispatch(env *protocol.Envelope) {
	handler, ok := c.handlers.lookup(env.Method)
	if !ok {
		c.logger.Warn("no handler for method", "conn_id", c.ID, "method", env.Method)
		_ = c.send(protocol.NewErrorReply(env.RequestID, unhandledMessage, false))
		return
	}
	handler = chain(env.Method, handler, c.mws)

	go func() {
		result, err := c.runHandler(handler, env)
		if err != nil {
			_ = c.send(protocol.NewErrorReply(env.RequestID, err.Error(), IsUserError(err)))
			return
		}

		payload := []byte("{}")
		if result != nil {
			var merr error
			if payload, merr = json.Marshal(result); merr != nil {
				c.logger.Error("encode response failed", "method", env.Method, "error", merr)
				_ = c.send(protocol.NewErrorReply(env.RequestID, "encode response failed", false))
				return
			}
		}
		_ = c.send(protocol.NewReply(env.RequestID, payload))
	}()
}

// runHandler executes a handler with panic recovery; a panicking handler
// yields an internal-error reply and the connection stays alive.
func (c *Conn) runHandler(handler Handler, env *protocol.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic",
				"conn_id", c.ID,
				"method", env.Method,
				"panic", r,
				"stack", string(debug.Stack()))
			result, err = nil, errors.New("internal error")
		}
	}()
	return handler(c.ctx, c, env.Payload)
}

// Close closes the connection with the given cause. It is idempotent at any
// state; only the first call's cause is reported, and every outstanding
// request and byte stream is rejected exactly once.
func (c *Conn) Close(cause string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeCause = cause

	code := websocket.CloseNormalClosure
	if cause == CausePongTimeout {
		code = StatusPongTimeout
	}
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	_ = c.ws.Close()

	c.cancel()
	close(c.done)

	c.pending.failAll(fmt.Errorf("%w: %s", ErrDisconnected, cause))

	c.logger.Info("connection closed",
		"conn_id", c.ID,
		"client_id", c.ClientID,
		"cause", cause,
		"messages", c.msgCount.Load())

	if c.onClosed != nil {
		c.onClosed(c, cause)
	}
	c.obs.closed(c, cause)
}
