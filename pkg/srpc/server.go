package srpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srpc-dev/srpc/pkg/auth"
)

// Server accepts signed SRPC connections over WebSocket upgrades. It
// implements http.Handler; mount it on the router at any prefix, but note
// that only the configured Path is served and anything else gets a 400
// before any upgrade is attempted.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	handlers *handlerMap
	mws      []Middleware
	registry *Registry
	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server and starts its stale-connection sweeper.
func NewServer(cfg ServerConfig) (*Server, error) {
	cfg.applyDefaults()
	if cfg.Authorizer == nil {
		return nil, errors.New("srpc: server authorizer required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "srpc_server"),
		handlers: newHandlerMap(),
		registry: newRegistry(cfg.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		done: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Handle registers a handler for client requests with the given method tag.
func (s *Server) Handle(method string, h Handler) error {
	return s.handlers.register(method, h)
}

// Use appends middleware around every handler. Call before serving.
func (s *Server) Use(mw Middleware) {
	s.mws = append(s.mws, mw)
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeHTTP handles one upgrade request: path check, credential
// verification, upgrade, then the server-initiated handshake ping.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path {
		// Tear the socket down completely; no keep-alive reuse for a
		// connection that addressed the wrong path.
		w.Header().Set("Connection", "close")
		http.Error(w, "unknown path", http.StatusBadRequest)
		return
	}

	params, err := auth.ParseQuery(r.URL.Query())
	if err == nil {
		err = s.cfg.Authorizer.Authorize(r, params)
	}
	if err != nil {
		// The refusal reason stays in the log; the response body is empty
		// so unauthenticated callers learn nothing.
		s.logger.Warn("connection refused",
			"client_id", params.ClientID,
			"remote", r.RemoteAddr,
			"error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.Conn.MaxMessageSize)

	conn := newConn(ws, true, s.cfg.Conn, s.handlers, s.mws, s.logger, s.cfg.Observers)
	conn.ID = params.StreamID
	conn.ClientID = params.ClientID
	conn.RemoteAddr = r.RemoteAddr
	conn.setMetaAll(params.Meta)
	conn.onEstablished = s.registry.add
	conn.onClosed = s.registry.remove

	go conn.readLoop()

	// The server speaks first; the client's answering ping completes the
	// handshake.
	if err := conn.Ping(); err != nil {
		conn.Close(CauseSocketError)
		return
	}

	go func() {
		select {
		case <-conn.establishedCh:
		case <-conn.done:
		case <-time.After(s.cfg.HandshakeTimeout):
			conn.Close(CauseHandshakeTimeout)
		}
	}()
}

// Broadcast invokes method on every live connection, fire and forget.
func (s *Server) Broadcast(ctx context.Context, method string, in any) {
	s.registry.Broadcast(ctx, method, in)
}

// Shutdown stops the sweeper and closes every live connection. Idempotent.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, conn := range s.registry.List() {
			conn.Close(CauseServerShutdown)
		}
	})
}

// cleanupLoop force-closes established connections whose last inbound ping
// is older than the watchdog window. The per-connection read deadline
// already covers this; the sweep is the backstop for connections wedged
// outside a read.
func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.Conn.PongTimeout)
			for _, conn := range s.registry.List() {
				if last := conn.LastPing(); !last.IsZero() && last.Before(cutoff) {
					s.logger.Warn("sweeping stale connection",
						"conn_id", conn.ID,
						"client_id", conn.ClientID,
						"last_ping", last)
					conn.Close(CausePongTimeout)
				}
			}
		}
	}
}
