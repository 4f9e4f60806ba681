// Package protocol implements the SRPC binary wire format.
//
// Every SRPC message is one Envelope carried in a single binary WebSocket
// frame. An envelope is a tagged variant: the first byte names the kind, the
// remaining bytes are the kind-specific fields.
//
// # Kinds
//
//   - KindPing (0x01): heartbeat / handshake marker with a millisecond timestamp
//   - KindRequest (0x02): an outbound call, correlated by request id
//   - KindReply (0x03): the reply to a request, carrying a payload or an error
//   - KindByteStream (0x04): one chunk operation of a multiplexed byte stream
//
// # Encoding
//
// Fields are encoded with a small set of primitives:
//
//   - Varint: compact unsigned integers (protobuf-style)
//   - Length-prefixed: strings and byte slices prefixed with a varint length
//   - Big-endian: fixed-width uint64 timestamps
//
// Application payloads are opaque byte slices to this package; the srpc
// package encodes them as JSON. Decoding enforces allocation limits so a
// malicious length prefix cannot force a huge allocation.
package protocol
