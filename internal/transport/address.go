package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultSocketPort is the raw SCPI socket port most LAN instruments listen on.
const DefaultSocketPort = 5025

var resourcePrefixes = []string{"TCPIP", "ASRL", "USB", "GPIB", "VXI", "PXI"}

// HasLocatorPrefix reports whether addr already is a resource locator:
// a class prefix, an optional board number and "::". Serial locators carry
// the port name before the first "::" (ASRL/dev/ttyUSB0::INSTR). Host names
// like "usbscope.lab" are not locators.
func HasLocatorPrefix(addr string) bool {
	return locatorClass(addr) != ""
}

func locatorClass(addr string) string {
	upper := strings.ToUpper(strings.TrimSpace(addr))
	for _, p := range resourcePrefixes {
		if !strings.HasPrefix(upper, p) {
			continue
		}
		rest := strings.TrimLeft(upper[len(p):], "0123456789")
		if strings.HasPrefix(rest, "::") {
			return p
		}
		if p == "ASRL" && strings.Contains(rest, "::") {
			return p
		}
	}
	return ""
}

// NormalizeAddress turns a manually entered network address into a TCPIP
// socket locator. "192.168.1.50" and "scope.lab:5555" are bare hosts;
// anything already carrying a locator prefix is returned unchanged.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}
	if HasLocatorPrefix(addr) {
		return addr, nil
	}

	host, port := addr, DefaultSocketPort
	if h, p, err := net.SplitHostPort(addr); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("invalid port in %q", addr)
		}
		host, port = h, n
	}
	if host == "" {
		return "", fmt.Errorf("missing host in %q", addr)
	}

	return fmt.Sprintf("TCPIP0::%s::%d::SOCKET", host, port), nil
}

// splitTCPIP returns the dial address for TCPIP resources. Both the
// "::port::SOCKET" and the "::INSTR" forms are dialled as raw sockets; the
// latter on DefaultSocketPort.
func splitTCPIP(resource string) (string, error) {
	parts := strings.Split(resource, "::")
	if len(parts) < 3 || !strings.HasPrefix(strings.ToUpper(parts[0]), "TCPIP") {
		return "", fmt.Errorf("malformed TCPIP resource %q", resource)
	}

	kind := strings.ToUpper(parts[len(parts)-1])
	switch kind {
	case "SOCKET":
		if len(parts) < 4 {
			return "", fmt.Errorf("socket resource %q has no port", resource)
		}
		port, err := strconv.Atoi(parts[len(parts)-2])
		if err != nil {
			return "", fmt.Errorf("invalid port in %q", resource)
		}
		host := strings.Join(parts[1:len(parts)-2], "::")
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	case "INSTR":
		return net.JoinHostPort(parts[1], strconv.Itoa(DefaultSocketPort)), nil
	default:
		return "", fmt.Errorf("unsupported TCPIP resource class %q", kind)
	}
}

// ResourceClass returns the locator prefix without board number, e.g. "ASRL".
// It is empty for anything that is not a locator.
func ResourceClass(resource string) string {
	return locatorClass(resource)
}
