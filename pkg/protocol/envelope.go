package protocol

import (
	"errors"
	"io"
)

// Kind identifies the variant carried by an envelope.
type Kind uint8

const (
	KindPing       Kind = 0x01 // Heartbeat / handshake marker
	KindRequest    Kind = 0x02 // Outbound call
	KindReply      Kind = 0x03 // Reply to a request
	KindByteStream Kind = 0x04 // Byte stream chunk operation
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "Ping"
	case KindRequest:
		return "Request"
	case KindReply:
		return "Reply"
	case KindByteStream:
		return "ByteStream"
	default:
		return "Unknown"
	}
}

// StreamOp identifies a byte stream operation.
type StreamOp uint8

const (
	StreamWrite   StreamOp = 0x01 // One ordered chunk of stream data
	StreamFinish  StreamOp = 0x02 // Normal end of stream
	StreamDestroy StreamOp = 0x03 // Abnormal end of stream
)

// String returns the string representation of the stream operation.
func (op StreamOp) String() string {
	switch op {
	case StreamWrite:
		return "Write"
	case StreamFinish:
		return "Finish"
	case StreamDestroy:
		return "Destroy"
	default:
		return "Unknown"
	}
}

// Envelope errors.
var (
	ErrUnknownKind     = errors.New("protocol: unknown envelope kind")
	ErrUnknownStreamOp = errors.New("protocol: unknown byte stream operation")
)

// ByteStreamOp is one operation of a multiplexed byte stream. Exactly one of
// write, finish, or destroy is meaningful per operation; write chunks for a
// given stream id must be consumed in send order.
type ByteStreamOp struct {
	StreamID string
	Op       StreamOp
	Chunk    []byte // Only set for StreamWrite
}

// Envelope is one SRPC wire message. Which fields are meaningful depends on
// Kind:
//
//   - KindPing: Timestamp
//   - KindRequest: RequestID, Method, Payload, Trace
//   - KindReply: RequestID, and either Error (+UserError) or Payload, Trace
//   - KindByteStream: Stream
//
// Trace is a debugging aid attached by the sender; it never reaches
// observers (see Redacted).
type Envelope struct {
	Kind      Kind
	Timestamp uint64 // Unix timestamp in milliseconds (KindPing)
	RequestID string
	Method    string
	Payload   []byte
	Error     string
	UserError bool // Advisory: the error is caller-facing, not an internal fault
	Stream    *ByteStreamOp
	Trace     string
}

// Encode encodes the envelope to bytes.
func (env *Envelope) Encode() []byte {
	e := NewEncoderWithCap(32 + len(env.Payload))
	env.EncodeTo(e)
	return e.Bytes()
}

// EncodeTo encodes the envelope using the provided encoder.
func (env *Envelope) EncodeTo(e *Encoder) {
	e.WriteByte(byte(env.Kind))

	switch env.Kind {
	case KindPing:
		e.WriteUint64(env.Timestamp)

	case KindRequest:
		e.WriteString(env.RequestID)
		e.WriteString(env.Method)
		e.WriteLenBytes(env.Payload)
		e.WriteString(env.Trace)

	case KindReply:
		e.WriteString(env.RequestID)
		e.WriteBool(env.Error != "")
		if env.Error != "" {
			e.WriteString(env.Error)
			e.WriteBool(env.UserError)
		} else {
			e.WriteLenBytes(env.Payload)
		}
		e.WriteString(env.Trace)

	case KindByteStream:
		op := env.Stream
		if op == nil {
			op = &ByteStreamOp{}
		}
		e.WriteString(op.StreamID)
		e.WriteByte(byte(op.Op))
		if op.Op == StreamWrite {
			e.WriteLenBytes(op.Chunk)
		}
	}
}

// Decode decodes an envelope from bytes.
func Decode(data []byte) (*Envelope, error) {
	d := NewDecoder(data)
	return DecodeFrom(d)
}

// DecodeFrom decodes an envelope from a decoder.
func DecodeFrom(d *Decoder) (*Envelope, error) {
	kindByte, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	env := &Envelope{Kind: Kind(kindByte)}

	switch env.Kind {
	case KindPing:
		if env.Timestamp, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		return env, nil

	case KindRequest:
		if env.RequestID, err = d.ReadString(); err != nil {
			return nil, err
		}
		if env.Method, err = d.ReadString(); err != nil {
			return nil, err
		}
		if env.Payload, err = d.ReadLenBytes(); err != nil {
			return nil, err
		}
		if env.Trace, err = d.ReadString(); err != nil {
			return nil, err
		}
		return env, nil

	case KindReply:
		if env.RequestID, err = d.ReadString(); err != nil {
			return nil, err
		}
		isErr, err := d.ReadBool()
		if err != nil {
			return nil, err
		}
		if isErr {
			if env.Error, err = d.ReadString(); err != nil {
				return nil, err
			}
			if env.Error == "" {
				// An error reply must carry an error string.
				return nil, io.ErrUnexpectedEOF
			}
			if env.UserError, err = d.ReadBool(); err != nil {
				return nil, err
			}
		} else {
			if env.Payload, err = d.ReadLenBytes(); err != nil {
				return nil, err
			}
		}
		if env.Trace, err = d.ReadString(); err != nil {
			return nil, err
		}
		return env, nil

	case KindByteStream:
		op := &ByteStreamOp{}
		if op.StreamID, err = d.ReadString(); err != nil {
			return nil, err
		}
		opByte, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		op.Op = StreamOp(opByte)
		switch op.Op {
		case StreamWrite:
			if op.Chunk, err = d.ReadLenBytes(); err != nil {
				return nil, err
			}
		case StreamFinish, StreamDestroy:
		default:
			return nil, ErrUnknownStreamOp
		}
		env.Stream = op
		return env, nil

	default:
		return nil, ErrUnknownKind
	}
}

// Redacted returns a copy of the envelope with the trace field stripped.
// Every externally observable view of an envelope goes through this.
func (env *Envelope) Redacted() *Envelope {
	if env.Trace == "" {
		return env
	}
	clone := *env
	clone.Trace = ""
	return &clone
}

// NewPing creates a ping envelope with the given millisecond timestamp.
func NewPing(timestamp uint64) *Envelope {
	return &Envelope{Kind: KindPing, Timestamp: timestamp}
}

// NewRequest creates a request envelope.
func NewRequest(requestID, method string, payload []byte) *Envelope {
	return &Envelope{
		Kind:      KindRequest,
		RequestID: requestID,
		Method:    method,
		Payload:   payload,
	}
}

// NewReply creates a successful reply envelope.
func NewReply(requestID string, payload []byte) *Envelope {
	return &Envelope{
		Kind:      KindReply,
		RequestID: requestID,
		Payload:   payload,
	}
}

// NewErrorReply creates an error reply envelope.
func NewErrorReply(requestID, errMsg string, userError bool) *Envelope {
	return &Envelope{
		Kind:      KindReply,
		RequestID: requestID,
		Error:     errMsg,
		UserError: userError,
	}
}

// NewStreamWrite creates a byte stream write envelope carrying one chunk.
func NewStreamWrite(streamID string, chunk []byte) *Envelope {
	return &Envelope{
		Kind:   KindByteStream,
		Stream: &ByteStreamOp{StreamID: streamID, Op: StreamWrite, Chunk: chunk},
	}
}

// NewStreamFinish creates a byte stream finish envelope.
func NewStreamFinish(streamID string) *Envelope {
	return &Envelope{
		Kind:   KindByteStream,
		Stream: &ByteStreamOp{StreamID: streamID, Op: StreamFinish},
	}
}

// NewStreamDestroy creates a byte stream destroy envelope.
func NewStreamDestroy(streamID string) *Envelope {
	return &Envelope{
		Kind:   KindByteStream,
		Stream: &ByteStreamOp{StreamID: streamID, Op: StreamDestroy},
	}
}
