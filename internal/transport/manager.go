package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager owns the transport drivers and hands out sessions. It replaces a
// process-wide resource manager handle: callers construct one, Open it, pass
// it to whoever needs sessions and Close it on shutdown.
type Manager struct {
	drivers []Driver
	logger  *zap.Logger

	mu      sync.Mutex
	open    bool
	claimed map[string]struct{}
}

func NewManager(logger *zap.Logger, drivers ...Driver) *Manager {
	return &Manager{
		drivers: drivers,
		logger:  logger.Named("transport"),
		claimed: make(map[string]struct{}),
	}
}

// Open marks the manager usable. Opening twice is a no-op.
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		return nil
	}
	if len(m.drivers) == 0 {
		return fmt.Errorf("no transport drivers configured")
	}

	m.open = true
	names := make([]string, 0, len(m.drivers))
	for _, d := range m.drivers {
		names = append(names, d.Name())
	}
	m.logger.Info("Transport manager opened", zap.Strings("drivers", names))

	return nil
}

// Close releases the manager. Sessions still open keep working until they
// are closed themselves.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil
	}
	m.open = false
	m.logger.Info("Transport manager closed")

	return nil
}

// IsOpen reports whether Open has been called without a matching Close.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// ListResources enumerates all resources in driver order. A driver that
// cannot enumerate is logged and skipped.
func (m *Manager) ListResources(ctx context.Context) ([]string, error) {
	if !m.IsOpen() {
		return nil, &Error{Op: "list", Err: ErrManagerClosed}
	}

	var resources []string
	for _, d := range m.drivers {
		found, err := d.List(ctx)
		if err != nil {
			m.logger.Warn("Resource enumeration failed",
				zap.String("driver", d.Name()),
				zap.Error(err))
			continue
		}
		resources = append(resources, found...)
	}

	m.logger.Debug("Resources enumerated", zap.Strings("resources", resources))
	return resources, nil
}

// OpenSession claims resource and returns a session on it. Every failure is
// an *Error.
func (m *Manager) OpenSession(ctx context.Context, resource string, opts SessionOptions) (*Session, error) {
	if !m.IsOpen() {
		return nil, &Error{Op: "open", Resource: resource, Err: ErrManagerClosed}
	}

	opts = opts.withDefaults()

	driver := m.driverFor(resource)
	if driver == nil {
		return nil, &Error{Op: "open", Resource: resource, Err: ErrUnsupportedResource}
	}

	release, err := m.claim(resource, opts.Exclusive)
	if err != nil {
		return nil, &Error{Op: "open", Resource: resource, Err: err}
	}

	conn, err := driver.Open(ctx, resource, opts)
	if err != nil {
		release()
		return nil, &Error{Op: "open", Resource: resource, Err: err}
	}

	m.logger.Debug("Session opened",
		zap.String("resource", resource),
		zap.String("driver", driver.Name()),
		zap.Duration("timeout", opts.Timeout),
		zap.Bool("exclusive", opts.Exclusive))

	return newSession(resource, conn, opts, release, m.logger), nil
}

func (m *Manager) driverFor(resource string) Driver {
	for _, d := range m.drivers {
		if d.Supports(resource) {
			return d
		}
	}
	return nil
}

// claim tracks exclusive holders. A shared open of an exclusively held
// resource fails as well.
func (m *Manager) claim(resource string, exclusive bool) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.claimed[resource]; held {
		return nil, ErrResourceBusy
	}
	if !exclusive {
		return func() {}, nil
	}

	m.claimed[resource] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.claimed, resource)
			m.mu.Unlock()
		})
	}, nil
}
