package transport

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"go.bug.st/serial"
)

// SerialDriver serves ASRL resources through go.bug.st/serial.
type SerialDriver struct {
	BaudRate int
}

func NewSerialDriver(baudRate int) *SerialDriver {
	if baudRate <= 0 {
		baudRate = 9600
	}
	return &SerialDriver{BaudRate: baudRate}
}

func (d *SerialDriver) Name() string { return "serial" }

func (d *SerialDriver) Supports(resource string) bool {
	return ResourceClass(resource) == "ASRL"
}

// List maps the OS port names onto ASRL resources: COM3 -> ASRL3::INSTR,
// /dev/ttyUSB0 -> ASRL/dev/ttyUSB0::INSTR.
func (d *SerialDriver) List(ctx context.Context) ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	resources := make([]string, 0, len(ports))
	for _, p := range ports {
		name := p
		if rest, ok := strings.CutPrefix(strings.ToUpper(p), "COM"); ok && isDigits(rest) {
			name = rest
		}
		resources = append(resources, "ASRL"+name+"::INSTR")
	}
	return resources, nil
}

func (d *SerialDriver) Open(ctx context.Context, resource string, opts SessionOptions) (Conn, error) {
	portName, err := serialPortName(resource)
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s failed: %w", portName, err)
	}

	return &serialConn{port: port}, nil
}

func serialPortName(resource string) (string, error) {
	upper := strings.ToUpper(resource)
	if !strings.HasPrefix(upper, "ASRL") {
		return "", fmt.Errorf("not a serial resource: %q", resource)
	}

	name := resource[len("ASRL"):]
	if i := strings.Index(name, "::"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", fmt.Errorf("serial resource %q has no port", resource)
	}
	if isDigits(name) {
		return "COM" + name, nil
	}
	return name, nil
}

type serialConn struct {
	port serial.Port
}

func (c *serialConn) Read(p []byte) (int, error) {
	n, err := c.port.Read(p)
	// go.bug.st/serial signals a read timeout with (0, nil)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *serialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	return c.port.Close()
}

func (c *serialConn) SetReadTimeout(d time.Duration) error {
	return c.port.SetReadTimeout(d)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
