package srpc

import (
	"context"
	"log/slog"
	"sync"
)

// Registry tracks every established server-side connection, indexed by
// stream id and by client id. Connections enter on establishment and leave
// exactly once on close; connect and disconnect listeners fire on those
// transitions.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn            // Stream id -> conn
	byClient map[string]map[string]*Conn // Client id -> stream id -> conn

	onConnect    []func(*Conn)
	onDisconnect []func(*Conn, string)
}

func newRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		conns:    make(map[string]*Conn),
		byClient: make(map[string]map[string]*Conn),
	}
}

// OnConnect registers a listener invoked whenever a connection is
// established. Register before the server starts accepting.
func (r *Registry) OnConnect(fn func(*Conn)) {
	r.onConnect = append(r.onConnect, fn)
}

// OnDisconnect registers a listener invoked with the close cause whenever
// an established connection ends. Register before the server starts
// accepting.
func (r *Registry) OnDisconnect(fn func(*Conn, string)) {
	r.onDisconnect = append(r.onDisconnect, fn)
}

// add indexes a newly established connection. If the stream id is already
// taken the previous connection is closed and replaced; the client chose to
// reuse its id, so the newer socket wins.
func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	prev := r.conns[c.ID]
	r.conns[c.ID] = c
	streams := r.byClient[c.ClientID]
	if streams == nil {
		streams = make(map[string]*Conn)
		r.byClient[c.ClientID] = streams
	}
	streams[c.ID] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		r.logger.Warn("stream id reused, closing previous connection",
			"conn_id", c.ID, "client_id", prev.ClientID)
		prev.Close(CauseReplaced)
	}

	for _, fn := range r.onConnect {
		fn(c)
	}
}

// remove drops a connection from the index. Identity is checked so a
// replaced connection's close cannot evict its replacement.
func (r *Registry) remove(c *Conn, cause string) {
	r.mu.Lock()
	cur, ok := r.conns[c.ID]
	if !ok || cur != c {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID)
	if streams := r.byClient[c.ClientID]; streams != nil {
		delete(streams, c.ID)
		if len(streams) == 0 {
			delete(r.byClient, c.ClientID)
		}
	}
	r.mu.Unlock()

	for _, fn := range r.onDisconnect {
		fn(c, cause)
	}
}

// Get returns the connection with the given stream id.
func (r *Registry) Get(streamID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[streamID]
	return c, ok
}

// ByClient returns all live connections for a client id. A client may hold
// several concurrent connections under distinct stream ids.
func (r *Registry) ByClient(clientID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	streams := r.byClient[clientID]
	out := make([]*Conn, 0, len(streams))
	for _, c := range streams {
		out = append(out, c)
	}
	return out
}

// List returns a snapshot of all live connections.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast invokes method on every live connection, fire and forget: each
// delivery runs on its own goroutine and per-connection failures are logged
// and dropped, never surfaced to the caller.
func (r *Registry) Broadcast(ctx context.Context, method string, in any) {
	for _, conn := range r.List() {
		go func(cn *Conn) {
			if err := cn.Invoke(ctx, method, in, nil); err != nil {
				r.logger.Debug("broadcast delivery failed",
					"conn_id", cn.ID,
					"method", method,
					"error", err)
			}
		}(conn)
	}
}
