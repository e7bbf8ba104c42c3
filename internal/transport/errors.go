package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	ErrManagerClosed       = errors.New("transport manager not open")
	ErrUnsupportedResource = errors.New("unsupported resource")
	ErrResourceBusy        = errors.New("resource busy")
)

// Error is the single failure kind of the transport layer: open, write and
// read failures (timeouts, busy endpoints, rejected commands) all end up here.
type Error struct {
	Op       string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the operation ran into its deadline.
func (e *Error) Timeout() bool {
	return isTimeout(e.Err)
}

// FramingError means a binary block header was malformed or the payload was
// shorter than the declared length.
type FramingError struct {
	Declared  int
	Available int
	Reason    string
}

func (e *FramingError) Error() string {
	if e.Declared > 0 || e.Available > 0 {
		return fmt.Sprintf("binary block: %s (declared %d bytes, got %d)", e.Reason, e.Declared, e.Available)
	}
	return "binary block: " + e.Reason
}

// DecodeError means a framed payload could not be read as the requested
// container shape.
type DecodeError struct {
	Datatype  Datatype
	Container Container
	Reason    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s as %s: %s", e.Datatype, e.Container, e.Reason)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
