package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// USBTMCDriver serves USB resources through the Linux usbtmc kernel driver
// (/dev/usbtmcN). Resource names are built from sysfs the way VISA prints
// them: USB0::0x1AB1::0x04CE::DS1ZA000000001::INSTR.
type USBTMCDriver struct {
	DevDir   string
	SysfsDir string
}

func NewUSBTMCDriver() *USBTMCDriver {
	return &USBTMCDriver{
		DevDir:   "/dev",
		SysfsDir: "/sys/class/usbmisc",
	}
}

func (d *USBTMCDriver) Name() string { return "usbtmc" }

func (d *USBTMCDriver) Supports(resource string) bool {
	return ResourceClass(resource) == "USB"
}

func (d *USBTMCDriver) List(ctx context.Context) ([]string, error) {
	devices, err := d.devices()
	if err != nil {
		return nil, err
	}

	resources := make([]string, 0, len(devices))
	for _, dev := range devices {
		resources = append(resources, d.resourceName(dev))
	}
	return resources, nil
}

func (d *USBTMCDriver) Open(ctx context.Context, resource string, opts SessionOptions) (Conn, error) {
	path, err := d.devicePath(resource)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", path, err)
	}

	return &fileConn{f: f}, nil
}

func (d *USBTMCDriver) devices() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.DevDir, "usbtmc*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// resourceName reads the USB ids of the device the usbtmc interface belongs
// to. <sysfs>/usbtmcN/device links to the interface; idVendor, idProduct and
// serial live one level up, so the link has to be resolved first.
func (d *USBTMCDriver) resourceName(devPath string) string {
	pathForm := "USB0::" + devPath + "::INSTR"

	iface, err := filepath.EvalSymlinks(filepath.Join(d.SysfsDir, filepath.Base(devPath), "device"))
	if err != nil {
		return pathForm
	}
	base := filepath.Dir(iface)

	vendor := readSysfs(filepath.Join(base, "idVendor"))
	product := readSysfs(filepath.Join(base, "idProduct"))
	serialNo := readSysfs(filepath.Join(base, "serial"))
	if vendor == "" || product == "" {
		return pathForm
	}

	name := fmt.Sprintf("USB0::0x%s::0x%s", strings.ToUpper(vendor), strings.ToUpper(product))
	if serialNo != "" {
		name += "::" + serialNo
	}
	return name + "::INSTR"
}

// devicePath maps a resource back onto its character device. Path-form
// names are used as is; sysfs-form names need a fresh enumeration.
func (d *USBTMCDriver) devicePath(resource string) (string, error) {
	parts := strings.Split(resource, "::")
	if len(parts) == 3 && strings.HasPrefix(parts[1], "/") {
		return parts[1], nil
	}

	devices, err := d.devices()
	if err != nil {
		return "", err
	}
	for _, dev := range devices {
		if strings.EqualFold(d.resourceName(dev), resource) {
			return dev, nil
		}
	}
	return "", fmt.Errorf("no usbtmc device for %q", resource)
}

func readSysfs(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// fileConn wraps a character device. The usbtmc driver enforces its own
// transfer timeout, so deadlines are best effort.
type fileConn struct {
	f *os.File
}

func (c *fileConn) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	if errors.Is(err, os.ErrNoDeadline) {
		err = nil
	}
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *fileConn) Write(p []byte) (int, error) {
	return c.f.Write(p)
}

func (c *fileConn) Close() error {
	return c.f.Close()
}

func (c *fileConn) SetReadTimeout(d time.Duration) error {
	if err := c.f.SetReadDeadline(time.Now().Add(d)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return err
	}
	return nil
}
