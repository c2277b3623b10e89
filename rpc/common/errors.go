package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error taxonomy
// --------------------------------------------------------------------------

var (
	// ErrFraming reports a malformed or truncated frame. It is fatal to the
	// connection it occurred on, never to the process.
	ErrFraming = errors.New("framing error")

	// ErrLengthOverflow reports a segment too long for its length field.
	ErrLengthOverflow = errors.New("segment length overflows frame field")

	// ErrConnection reports an unreachable address or an I/O failure.
	ErrConnection = errors.New("connection error")

	// ErrConnectionClosed is returned for calls on a closed connection or client.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBufferTooSmall is returned when a caller supplied output buffer cannot
	// hold the response payload. Nothing is written into the buffer.
	ErrBufferTooSmall = errors.New("output buffer too small")

	// ErrUnsupportedOperation is returned by handlers for operation types
	// they do not implement.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrServerClosed is returned by Run on a server that was already shut down.
	ErrServerClosed = errors.New("server closed")

	// ErrTooManyHeartbeatFailures is returned by the heartbeat reporter once
	// the configured number of consecutive failed rounds is reached.
	ErrTooManyHeartbeatFailures = errors.New("too many consecutive heartbeat failures")
)

// --------------------------------------------------------------------------
// Application status codes
// --------------------------------------------------------------------------

// Status codes used by the bundled handlers. They follow the negated errno
// convention of the storage layer. The transport never interprets them.
const (
	StatusOK              int32 = 0
	StatusNotFound        int32 = -2  // ENOENT
	StatusIO              int32 = -5  // EIO
	StatusExists          int32 = -17 // EEXIST
	StatusInvalidArgument int32 = -22 // EINVAL
	StatusUnsupported     int32 = -38 // ENOSYS
)

// ApplicationError wraps a nonzero status returned by a handler.
type ApplicationError struct {
	Status int32
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error: status %d", e.Status)
}

// NewApplicationError creates an error for the given status
func NewApplicationError(status int32) error {
	return &ApplicationError{Status: status}
}

// StatusFromError maps an error returned by a handler to a response status.
func StatusFromError(err error) int32 {
	var appErr *ApplicationError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &appErr) && appErr.Status != StatusOK:
		return appErr.Status
	case errors.Is(err, ErrUnsupportedOperation):
		return StatusUnsupported
	default:
		return StatusIO
	}
}
