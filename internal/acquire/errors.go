package acquire

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/scpishot/internal/render"
	"github.com/KevinKickass/scpishot/internal/transport"
)

// Kind classifies why an acquisition failed.
type Kind int

const (
	KindNoConfig Kind = iota + 1
	KindTransport
	KindFraming
	KindDecode
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindNoConfig:
		return "no config"
	case KindTransport:
		return "transport"
	case KindFraming:
		return "framing"
	case KindDecode:
		return "decode"
	case KindStorage:
		return "storage"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrNoConfig matches every KindNoConfig error via errors.Is.
var ErrNoConfig = errors.New("no acquisition profile for type")

var errEmptyPayload = errors.New("empty payload")

// Error is the only error type Acquire returns.
type Error struct {
	Kind       Kind
	TypeTag    string
	ResourceID string
	// State is where the capture was when it failed.
	State    State
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acquire %s on %s: %s: %v", e.TypeTag, e.ResourceID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrNoConfig && e.Kind == KindNoConfig
}

// IsKind reports whether err is an acquisition error of kind k.
func IsKind(err error, k Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == k
}

func classify(err error) Kind {
	var (
		framing *transport.FramingError
		decode  *transport.DecodeError
		reading *render.ReadingError
	)
	switch {
	case errors.As(err, &framing):
		return KindFraming
	case errors.As(err, &decode), errors.As(err, &reading), errors.Is(err, errEmptyPayload):
		return KindDecode
	default:
		// transport errors, context expiry and anything a driver returns
		return KindTransport
	}
}

func retryable(err error) bool {
	if isContextErr(err) {
		return false
	}
	switch classify(err) {
	case KindTransport, KindFraming:
		return true
	}
	return false
}

// retryableReading additionally accepts unreadable device replies.
func retryableReading(err error) bool {
	if retryable(err) {
		return true
	}
	var reading *render.ReadingError
	return !isContextErr(err) && errors.As(err, &reading)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
