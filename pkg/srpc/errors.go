package srpc

import (
	"errors"
	"fmt"
)

// Sentinel errors for common connection and call failure conditions.
var (
	// ErrNotConnected is returned when an invoke is attempted before the
	// connection is established or after it has closed.
	ErrNotConnected = errors.New("srpc: not connected")

	// ErrDisconnected is returned to pending calls when the connection is
	// lost before their reply arrives.
	ErrDisconnected = errors.New("srpc: connection lost")

	// ErrInvokeTimeout is returned when no reply arrives within the
	// caller's deadline.
	ErrInvokeTimeout = errors.New("srpc: request timed out")

	// ErrConnClosed is returned when an operation is attempted on a closed
	// connection.
	ErrConnClosed = errors.New("srpc: connection closed")

	// ErrStreamDestroyed is returned by a byte stream reader when the
	// sender terminated the stream abnormally.
	ErrStreamDestroyed = errors.New("srpc: byte stream destroyed by sender")

	// ErrStreamConsumed is returned when a byte stream is accepted a second
	// time; streams are single-pass.
	ErrStreamConsumed = errors.New("srpc: byte stream already consumed")

	// ErrStreamClosed is returned by stream writer operations after the
	// stream reached a terminal state.
	ErrStreamClosed = errors.New("srpc: byte stream closed")

	// ErrHandlerExists is returned when a second handler is registered for
	// the same method.
	ErrHandlerExists = errors.New("srpc: handler already registered")

	// ErrClientClosed is returned by Connect after Disconnect has been
	// called; a disconnected client stays down.
	ErrClientClosed = errors.New("srpc: client closed")
)

// unhandledMessage is the fixed error string sent back when no handler is
// registered for a request's method.
const unhandledMessage = "unhandled message type"

// RemoteError carries an error reported by the peer in a reply envelope.
type RemoteError struct {
	Method  string
	Message string
	User    bool // The peer flagged this as a caller-facing error
}

// Error returns the peer-reported message.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("srpc: remote error from %s: %s", e.Method, e.Message)
}

// userError wraps a handler error to flag it as caller-facing.
type userError struct {
	err error
}

func (e *userError) Error() string { return e.err.Error() }
func (e *userError) Unwrap() error { return e.err }

// UserError marks err as a caller-facing error. When a handler returns a
// marked error, the reply's userError flag is set so the peer can
// distinguish expected application failures from internal faults.
func UserError(err error) error {
	if err == nil {
		return nil
	}
	return &userError{err: err}
}

// IsUserError reports whether err is marked as caller-facing, either locally
// via UserError or remotely via a reply's userError flag.
func IsUserError(err error) bool {
	var ue *userError
	if errors.As(err, &ue) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.User
}
