package srpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srpc-dev/srpc/pkg/auth"
)

// Client maintains one signed SRPC connection to a server, reconnecting
// with exponential backoff whenever the connection drops for any reason
// other than Disconnect. Handlers registered on the client serve
// server-initiated requests over the same socket.
type Client struct {
	cfg      ClientConfig
	logger   *slog.Logger
	handlers *handlerMap
	mws      []Middleware

	mu      sync.Mutex
	conn    *Conn
	stopped bool
	stopCh  chan struct{}

	onEstablished []func(*Conn)
	onClosed      []func(*Conn, string)
}

// NewClient creates a client. Register handlers and hooks before calling
// Connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, errors.New("srpc: client URL required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("srpc: client id required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("srpc: client URL: %w", err)
	}
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "srpc_client", "client_id", cfg.ClientID),
		handlers: newHandlerMap(),
		stopCh:   make(chan struct{}),
	}, nil
}

// Handle registers a handler for server-initiated requests with the given
// method tag.
func (c *Client) Handle(method string, h Handler) error {
	return c.handlers.register(method, h)
}

// Use appends middleware around every handler. Call before Connect.
func (c *Client) Use(mw Middleware) {
	c.mws = append(c.mws, mw)
}

// OnEstablished registers a hook invoked on every establishment, initial
// and after each reconnect. Call before Connect.
func (c *Client) OnEstablished(fn func(*Conn)) {
	c.onEstablished = append(c.onEstablished, fn)
}

// OnClosed registers a hook invoked with the close cause each time a
// connection ends. Call before Connect.
func (c *Client) OnClosed(fn func(*Conn, string)) {
	c.onClosed = append(c.onClosed, fn)
}

// Conn returns the current established connection, or nil.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connected reports whether an established connection is up right now.
func (c *Client) Connected() bool {
	conn := c.Conn()
	return conn != nil && conn.Established()
}

// Invoke calls method on the server over the current connection. It fails
// immediately with ErrNotConnected while the client is between connections.
func (c *Client) Invoke(ctx context.Context, method string, in, out any) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Invoke(ctx, method, in, out)
}

// Connect dials the server and blocks until a connection is established,
// retrying failed attempts with backoff. It returns when established, when
// ctx is cancelled, or when Disconnect is called. After the first
// establishment the client supervises the connection and reconnects on its
// own; Connect is called once.
func (c *Client) Connect(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			if !c.adopt(conn) {
				return ErrClientClosed
			}
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		c.logger.Warn("connect failed", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrClientClosed
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.cfg.ReconnectMax)
	}
}

// Disconnect closes the current connection with a normal closure and
// suppresses all future reconnection. Idempotent: extra calls are no-ops.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close(CauseDisconnect)
	}
}

// adopt installs a freshly established connection, unless Disconnect won
// the race, and starts its supervisor.
func (c *Client) adopt(conn *Conn) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close(CauseDisconnect)
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	go c.supervise(conn)
	return true
}

// dial performs one connection attempt: sign fresh credentials, open the
// socket, and wait for the handshake to complete. Every attempt uses a new
// stream id.
func (c *Client) dial(ctx context.Context) (*Conn, error) {
	streamID := newID()
	params := auth.NewParams(c.cfg.ClientID, streamID, c.cfg.AppVersion, c.cfg.Meta)
	params.Signature = auth.Sign(c.cfg.Secret, params)

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("srpc: client URL: %w", err)
	}
	u.RawQuery = params.Values().Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("srpc: dial: %w", err)
	}
	ws.SetReadLimit(c.cfg.Conn.MaxMessageSize)

	conn := newConn(ws, false, c.cfg.Conn, c.handlers, c.mws, c.logger, c.cfg.Observers)
	conn.ID = streamID
	conn.ClientID = c.cfg.ClientID
	conn.RemoteAddr = ws.RemoteAddr().String()
	conn.setMetaAll(c.cfg.Meta)
	conn.onEstablished = func(cn *Conn) {
		for _, fn := range c.onEstablished {
			fn(cn)
		}
	}
	conn.onClosed = func(cn *Conn, cause string) {
		for _, fn := range c.onClosed {
			fn(cn, cause)
		}
	}

	go conn.readLoop()

	select {
	case <-conn.establishedCh:
	case <-conn.done:
		return nil, fmt.Errorf("srpc: connection closed during handshake: %s", conn.closeCause)
	case <-time.After(c.cfg.ConnectTimeout):
		conn.Close(CauseConnectTimeout)
		return nil, errors.New("srpc: handshake timed out")
	case <-ctx.Done():
		conn.Close(CauseDisconnect)
		return nil, ctx.Err()
	}

	go c.heartbeatLoop(conn)
	return conn, nil
}

// supervise waits for the connection to end and, unless Disconnect caused
// it, dials replacements with backoff starting from the floor.
func (c *Client) supervise(conn *Conn) {
	<-conn.Done()

	c.mu.Lock()
	stopped := c.stopped
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if stopped {
		return
	}

	c.logger.Info("connection lost, reconnecting", "cause", conn.closeCause)

	backoff := c.cfg.ReconnectMin
	for {
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}

		next, err := c.dial(context.Background())
		if err == nil {
			c.adopt(next)
			return
		}
		c.logger.Warn("reconnect failed", "error", err, "retry_in", backoff)
		backoff = nextBackoff(backoff, c.cfg.ReconnectMax)
	}
}

// heartbeatLoop pings the server at the configured interval for the life of
// one connection. The server's pongs feed the read-deadline watchdog.
func (c *Client) heartbeatLoop(conn *Conn) {
	ticker := time.NewTicker(c.cfg.Conn.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}
