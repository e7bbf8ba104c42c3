package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPIPDriver dials TCPIP resources as raw SCPI sockets. LAN instruments are
// not discoverable by broadcast here; List returns the configured Hosts.
type TCPIPDriver struct {
	Hosts       []string
	DialTimeout time.Duration
}

func NewTCPIPDriver(hosts []string) *TCPIPDriver {
	return &TCPIPDriver{Hosts: hosts, DialTimeout: 5 * time.Second}
}

func (d *TCPIPDriver) Name() string { return "tcpip" }

func (d *TCPIPDriver) Supports(resource string) bool {
	return ResourceClass(resource) == "TCPIP"
}

func (d *TCPIPDriver) List(ctx context.Context) ([]string, error) {
	resources := make([]string, 0, len(d.Hosts))
	for _, h := range d.Hosts {
		r, err := NormalizeAddress(h)
		if err != nil {
			return nil, fmt.Errorf("configured host %q: %w", h, err)
		}
		resources = append(resources, r)
	}
	return resources, nil
}

func (d *TCPIPDriver) Open(ctx context.Context, resource string, opts SessionOptions) (Conn, error) {
	address, err := splitTCPIP(resource)
	if err != nil {
		return nil, err
	}

	dialTimeout := d.DialTimeout
	if opts.Timeout > 0 && opts.Timeout < dialTimeout {
		dialTimeout = opts.Timeout
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	return &tcpConn{conn: conn, timeout: opts.Timeout, writeTimeout: opts.Timeout}, nil
}

type tcpConn struct {
	conn         net.Conn
	timeout      time.Duration
	writeTimeout time.Duration
}

func (c *tcpConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.conn.Read(p)
}

func (c *tcpConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.Write(p)
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) SetReadTimeout(d time.Duration) error {
	c.timeout = d
	return nil
}
