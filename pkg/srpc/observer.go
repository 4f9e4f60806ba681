package srpc

import "github.com/srpc-dev/srpc/pkg/protocol"

// Observer receives read-only protocol events from a connection. Observers
// are supplied at construction and invoked synchronously on the connection's
// read/write paths; implementations must be fast and must not call back into
// the connection. Envelopes are redacted (trace field stripped) before any
// observer sees them.
type Observer interface {
	// OnInbound is called for every decoded inbound envelope.
	OnInbound(c *Conn, env *protocol.Envelope)

	// OnOutbound is called for every envelope written to the socket.
	OnOutbound(c *Conn, env *protocol.Envelope)

	// OnEstablished is called exactly once when the handshake completes.
	OnEstablished(c *Conn)

	// OnClosed is called exactly once when the connection closes, with the
	// close cause ("disconnect", "pong timeout", ...).
	OnClosed(c *Conn, cause string)
}

// observers fans an event out to a slice of Observer.
type observers []Observer

func (os observers) inbound(c *Conn, env *protocol.Envelope) {
	if len(os) == 0 {
		return
	}
	red := env.Redacted()
	for _, o := range os {
		o.OnInbound(c, red)
	}
}

func (os observers) outbound(c *Conn, env *protocol.Envelope) {
	if len(os) == 0 {
		return
	}
	red := env.Redacted()
	for _, o := range os {
		o.OnOutbound(c, red)
	}
}

func (os observers) established(c *Conn) {
	for _, o := range os {
		o.OnEstablished(c)
	}
}

func (os observers) closed(c *Conn, cause string) {
	for _, o := range os {
		o.OnClosed(c, cause)
	}
}
