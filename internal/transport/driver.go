package transport

import (
	"context"
	"io"
	"time"
)

// Conn is a raw byte pipe to one instrument.
//
// Read must not return (0, nil): a read that runs into the configured
// timeout returns an error matching os.ErrDeadlineExceeded.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

// Driver serves one family of resource addresses (ASRL, TCPIP, USB ...).
type Driver interface {
	Name() string
	Supports(resource string) bool
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, resource string, opts SessionOptions) (Conn, error)
}

// SessionOptions is the per-open timeout and chunk policy.
type SessionOptions struct {
	ChunkSize   int
	Timeout     time.Duration
	ReadIdle    time.Duration
	Exclusive   bool
	Termination string
}

const (
	DefaultChunkSize = 8000
	DefaultTimeout   = 30 * time.Second
	DefaultReadIdle  = 500 * time.Millisecond
)

// DefaultSessionOptions returns the engine-wide defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ChunkSize:   DefaultChunkSize,
		Timeout:     DefaultTimeout,
		ReadIdle:    DefaultReadIdle,
		Termination: "\n",
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.ReadIdle <= 0 {
		o.ReadIdle = d.ReadIdle
	}
	if o.Termination == "" {
		o.Termination = d.Termination
	}
	return o
}

// DefaultDrivers returns the serial, LAN and USB drivers in enumeration order.
func DefaultDrivers(baudRate int, lanHosts []string) []Driver {
	return []Driver{
		NewSerialDriver(baudRate),
		NewUSBTMCDriver(),
		NewTCPIPDriver(lanHosts),
	}
}
