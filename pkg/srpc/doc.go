// Package srpc implements symmetric RPC over persistent WebSocket
// connections: either side can invoke methods on the other, interleave any
// number of in-flight requests, and push byte streams, all over one socket.
//
// A Server authenticates clients with signed query credentials (see
// pkg/auth) and tracks established connections in a Registry. A Client
// maintains one connection, transparently reconnecting with backoff until
// Disconnect is called. Connections are established by a ping/pong
// handshake the server initiates, and kept alive by client heartbeats with
// a watchdog on each side.
//
// Application payloads are JSON; the envelope framing around them is the
// binary codec in pkg/protocol.
package srpc
