package srpc

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/srpc-dev/srpc/pkg/auth"
)

// ConnConfig holds the per-connection protocol timings and limits shared by
// both sides.
type ConnConfig struct {
	// WriteTimeout is the maximum time to wait when sending an envelope.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// InvokeTimeout is the default deadline applied to Invoke when the
	// caller's context carries none. Default: 10 seconds.
	InvokeTimeout time.Duration

	// HeartbeatInterval is the time between client heartbeat pings.
	// Default: 55 seconds.
	HeartbeatInterval time.Duration

	// PongTimeout is the watchdog window: a connection that sees no
	// incoming ping for this long is force-closed. Default: 75 seconds.
	PongTimeout time.Duration

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 1MB.
	MaxMessageSize int64

	// StreamChunkSize is the maximum byte stream chunk per envelope.
	// Default: 32KB.
	StreamChunkSize int

	// StreamBuffer is the per-stream chunk buffer depth. When a consumer
	// falls this far behind, the read loop blocks and the socket's own
	// flow control takes over. Default: 64.
	StreamBuffer int

	// MaxDecodeFailures force-closes a connection after this many
	// consecutive malformed frames. Negative disables the limit and
	// malformed frames are dropped forever. Default: 16.
	MaxDecodeFailures int
}

// DefaultConnConfig returns a ConnConfig with the standard protocol timings.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteTimeout:      10 * time.Second,
		InvokeTimeout:     10 * time.Second,
		HeartbeatInterval: 55 * time.Second,
		PongTimeout:       75 * time.Second,
		MaxMessageSize:    1024 * 1024,
		StreamChunkSize:   32 * 1024,
		StreamBuffer:      64,
		MaxDecodeFailures: 16,
	}
}

func (c *ConnConfig) applyDefaults() {
	d := DefaultConnConfig()
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = d.InvokeTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.StreamChunkSize == 0 {
		c.StreamChunkSize = d.StreamChunkSize
	}
	if c.StreamBuffer == 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	if c.MaxDecodeFailures == 0 {
		c.MaxDecodeFailures = d.MaxDecodeFailures
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the server endpoint, e.g. "ws://host:8080/srpc". Required.
	URL string

	// ClientID identifies this client to the server. Required.
	ClientID string

	// Secret is the shared HMAC secret for this client id. Required unless
	// the server runs a non-HMAC authorizer.
	Secret string

	// AppVersion is reported in the connection credentials.
	// Default: "dev".
	AppVersion string

	// Meta is sent as namespaced metadata during connection establishment.
	Meta map[string]string

	// ConnectTimeout bounds dialing plus the handshake ping/pong exchange.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReconnectMin is the floor of the reconnect backoff.
	// Default: 1 second.
	ReconnectMin time.Duration

	// ReconnectMax is the ceiling of the reconnect backoff.
	// Default: 10 seconds.
	ReconnectMax time.Duration

	// Conn holds the per-connection timings and limits.
	Conn ConnConfig

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger

	// Observers receive read-only protocol events.
	Observers []Observer
}

func (c *ClientConfig) applyDefaults() {
	if c.AppVersion == "" {
		c.AppVersion = "dev"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Conn.applyDefaults()
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Path is the only URL path served; upgrade requests addressed
	// anywhere else are rejected with 400 before any upgrade completes.
	// Default: "/srpc".
	Path string

	// Authorizer gates connection upgrades. Required; exactly one
	// authorization strategy is active per server instance.
	Authorizer auth.Authorizer

	// CheckOrigin validates the upgrade request origin.
	// Default: allow all (SRPC peers are programs, not browsers; set this
	// when serving browser clients).
	CheckOrigin func(r *http.Request) bool

	// ReadBufferSize is the WebSocket read buffer size. Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size. Default: 4096.
	WriteBufferSize int

	// HandshakeTimeout bounds the time between upgrade and the client's
	// handshake pong. Default: 10 seconds.
	HandshakeTimeout time.Duration

	// CleanupInterval is how often stale connections are swept.
	// Default: 30 seconds.
	CleanupInterval time.Duration

	// Conn holds the per-connection timings and limits.
	Conn ConnConfig

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger

	// Observers receive read-only protocol events.
	Observers []Observer
}

func (c *ServerConfig) applyDefaults() {
	if c.Path == "" {
		c.Path = "/srpc"
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = 4096
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Conn.applyDefaults()
}
