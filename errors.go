package netreactor

import (
	"errors"
	"fmt"
	"syscall"
)

// Standard errors.
var (
	// ErrDescriptorUnusable is matched by every error meaning the descriptor
	// can no longer be used, and the socket must be closed.
	ErrDescriptorUnusable = errors.New("netreactor: descriptor unusable")

	// ErrPeerClosed is delivered to a task when the peer shut down the
	// connection (a zero-length transfer).
	ErrPeerClosed = fmt.Errorf("%w: peer closed the connection", ErrDescriptorUnusable)

	// ErrSocketClosed is delivered to every task still queued when the
	// socket is closed, and returned synchronously by submissions made after.
	ErrSocketClosed = fmt.Errorf("%w: socket closed", ErrDescriptorUnusable)

	ErrRuntimeAlreadyRunning   = errors.New("netreactor: runtime is already running")
	ErrRuntimeTerminated       = errors.New("netreactor: runtime has been terminated")
	ErrReentrantRun            = errors.New("netreactor: cannot call Run from within the runtime goroutine")
	ErrPollFailed              = errors.New("netreactor: poll failed")
	ErrInvalidHandle           = errors.New("netreactor: invalid handle")
	ErrHandleAlreadyRegistered = errors.New("netreactor: handle already registered")
	ErrHandleOwnedElsewhere    = errors.New("netreactor: handle is registered with another runtime")
	ErrNilCompletion           = errors.New("netreactor: nil completion")

	ErrTimerAlreadyRunning = errors.New("netreactor: timer is already running")
	ErrTimerStopped        = errors.New("netreactor: timer has been stopped")
	ErrNilTimerCallback    = errors.New("netreactor: nil timer callback")

	ErrUnsupportedPlatform = errors.New("netreactor: unsupported platform")
)

// SystemError is an OS-level failure of a single syscall, identified by its
// errno. Use [errors.Is] against the errno, e.g. errors.Is(err, unix.ECONNRESET).
type SystemError struct {
	Op    string
	Errno syscall.Errno
}

// Error implements the error interface.
func (e *SystemError) Error() string {
	if e.Op == "" {
		return "netreactor: " + e.Errno.Error()
	}
	return "netreactor: " + e.Op + ": " + e.Errno.Error()
}

// Unwrap returns the errno.
func (e *SystemError) Unwrap() error {
	return e.Errno
}

// Error is a descriptive failure with free-text context, optionally wrapping
// a cause.
type Error struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return "netreactor: unknown error"
	case e.Message == "":
		return e.Cause.Error()
	case e.Cause == nil:
		return e.Message
	default:
		return e.Message + ": " + e.Cause.Error()
	}
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	return e.Cause
}

// newSystemError converts a syscall failure, returning nil for would-block
// and interrupted calls, which are never surfaced.
func newSystemError(op string, err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return &Error{Message: "netreactor: " + op, Cause: err}
	}
	if isTransient(errno) {
		return nil
	}
	return &SystemError{Op: op, Errno: errno}
}

func isTransient(errno syscall.Errno) bool {
	return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK || errno == syscall.EINTR
}
