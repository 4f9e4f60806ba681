package srpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler processes one inbound request. The payload is the raw JSON the
// peer sent; the returned value is JSON-encoded into the reply. Returning an
// error sends an error reply instead; wrap with UserError to flag it as
// caller-facing. A nil result yields an empty object payload.
//
// Handlers run on their own goroutine per request, so a slow handler never
// blocks delivery of subsequent frames on the same connection. The context
// is cancelled when the connection closes.
type Handler func(ctx context.Context, c *Conn, payload []byte) (any, error)

// Middleware wraps a handler with cross-cutting behavior. The method name is
// the request's tag (e.g. "uEcho").
type Middleware func(method string, next Handler) Handler

// Typed adapts a strongly typed function into a Handler, decoding the
// request payload into Req and encoding the returned Resp.
func Typed[Req, Resp any](fn func(ctx context.Context, c *Conn, req Req) (Resp, error)) Handler {
	return func(ctx context.Context, c *Conn, payload []byte) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("decode request: %w", err)
			}
		}
		return fn(ctx, c, req)
	}
}

// handlerMap is the per-endpoint handler registry. At most one handler per
// method; registration happens during setup and is not supported once
// connections are live.
type handlerMap struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func newHandlerMap() *handlerMap {
	return &handlerMap{m: make(map[string]Handler)}
}

func (h *handlerMap) register(method string, handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.m[method]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, method)
	}
	h.m[method] = handler
	return nil
}

func (h *handlerMap) lookup(method string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.m[method]
	return handler, ok
}

// chain applies middleware to a handler, outermost first.
func chain(method string, handler Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](method, handler)
	}
	return handler
}
