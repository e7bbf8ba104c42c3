// Package devices is the surface a front end talks to: discovery, captures,
// free-form SCPI and auto refresh on top of the acquisition engine.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/scpishot/internal/acquire"
	"github.com/KevinKickass/scpishot/internal/discovery"
	"github.com/KevinKickass/scpishot/internal/registry"
	"github.com/KevinKickass/scpishot/internal/transport"
)

const (
	CommandClear      = "*CLS"
	CommandReset      = "*RST"
	QueryErrorQueue   = ":SYST:ERR?"
	DefaultQueryDelay = 500 * time.Millisecond
)

// ErrUnknownInstrument is returned for resources the last discovery pass
// did not identify.
var ErrUnknownInstrument = errors.New("instrument not discovered")

// Instrument is a discovered resource with its resolved type.
type Instrument struct {
	ResourceID string `json:"resource_id"`
	Identity   string `json:"identity"`
	Model      string `json:"model"`
	TypeTag    string `json:"type_tag,omitempty"`
}

// Reply is the answer to a free-form query. Binary block answers end up in
// Data, everything else in Text.
type Reply struct {
	Text   string
	Data   []byte
	Binary bool
}

func (r *Reply) String() string {
	if r.Binary {
		return fmt.Sprintf("<%d bytes binary block>", len(r.Data))
	}
	return r.Text
}

type Options struct {
	Session       transport.SessionOptions
	QueryDelay    time.Duration
	ManualTimeout time.Duration
}

type Manager struct {
	transport *transport.Manager
	registry  *registry.Registry
	directory *discovery.Directory
	engine    *acquire.Engine
	logger    *zap.Logger

	session       transport.SessionOptions
	queryDelay    time.Duration
	manualTimeout time.Duration

	mu          sync.RWMutex
	instruments []Instrument
	report      *discovery.Report
	refreshers  map[string]*AutoRefresh
}

func NewManager(
	tm *transport.Manager,
	reg *registry.Registry,
	dir *discovery.Directory,
	engine *acquire.Engine,
	logger *zap.Logger,
	opts Options,
) *Manager {
	if opts.QueryDelay <= 0 {
		opts.QueryDelay = DefaultQueryDelay
	}
	if opts.ManualTimeout <= 0 {
		opts.ManualTimeout = discovery.DefaultManualTimeout
	}

	return &Manager{
		transport:     tm,
		registry:      reg,
		directory:     dir,
		engine:        engine,
		logger:        logger.Named("devices"),
		session:       opts.Session,
		queryDelay:    opts.QueryDelay,
		manualTimeout: opts.ManualTimeout,
		refreshers:    make(map[string]*AutoRefresh),
	}
}

// Discover runs a discovery pass, optionally including one manually entered
// network address, and remembers the result.
func (m *Manager) Discover(ctx context.Context, manual string) ([]Instrument, error) {
	report, err := m.directory.Discover(ctx, strings.TrimSpace(manual), m.manualTimeout)
	if err != nil {
		return nil, err
	}

	instruments := make([]Instrument, 0, len(report.Entries))
	for _, e := range report.Entries {
		model := e.Model()
		instruments = append(instruments, Instrument{
			ResourceID: e.ResourceID,
			Identity:   e.Identity,
			Model:      model,
			TypeTag:    m.registry.Resolve(model),
		})
	}

	m.mu.Lock()
	m.instruments = instruments
	m.report = report
	m.mu.Unlock()

	for _, p := range report.Failed() {
		m.logger.Debug("Resource skipped", zap.String("resource", p.ResourceID), zap.Error(p.Err))
	}

	return append([]Instrument(nil), instruments...), nil
}

// Instruments returns the result of the last discovery pass.
func (m *Manager) Instruments() []Instrument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Instrument(nil), m.instruments...)
}

// Report returns the per-resource probe results of the last pass.
func (m *Manager) Report() *discovery.Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report
}

// Instrument looks up a discovered resource.
func (m *Manager) Instrument(resourceID string) (Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instruments {
		if inst.ResourceID == resourceID {
			return inst, true
		}
	}
	return Instrument{}, false
}

// Acquire captures a screenshot of resourceID as type tag.
func (m *Manager) Acquire(ctx context.Context, tag, resourceID string) (*acquire.Artifact, error) {
	return m.engine.Acquire(ctx, tag, resourceID)
}

// AcquireByIdentity captures a discovered instrument using the type its
// model resolves to.
func (m *Manager) AcquireByIdentity(ctx context.Context, resourceID string) (*acquire.Artifact, error) {
	inst, ok := m.Instrument(resourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, resourceID)
	}
	return m.engine.Acquire(ctx, inst.TypeTag, resourceID)
}

// SendCommand writes one command on a fresh session.
func (m *Manager) SendCommand(ctx context.Context, resourceID, command string) error {
	return m.withSession(ctx, resourceID, func(sess *transport.Session) error {
		return sess.Write(ctx, command)
	})
}

// SendQuery writes a query and returns the answer. A definite length block
// is unwrapped into Reply.Data.
func (m *Manager) SendQuery(ctx context.Context, resourceID, query string) (*Reply, error) {
	var reply *Reply
	err := m.withSession(ctx, resourceID, func(sess *transport.Session) error {
		raw, err := sess.QueryBlock(ctx, query, m.queryDelay)
		if err != nil {
			return err
		}

		if len(raw) > 0 && raw[0] == '#' {
			payload, err := transport.DecodeBlock(raw)
			if err != nil {
				return err
			}
			reply = &Reply{Data: payload, Binary: true}
			return nil
		}

		reply = &Reply{Text: strings.TrimRight(string(raw), "\r\n")}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Exec runs free-form input. When the header (the first word) ends in '?'
// the input is a query, e.g. "APPL? CH1"; anything else is a command
// answered with "OK".
func (m *Manager) Exec(ctx context.Context, resourceID, input string) (*Reply, error) {
	input = strings.TrimSpace(input)
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if strings.HasSuffix(fields[0], "?") {
		return m.SendQuery(ctx, resourceID, input)
	}

	if err := m.SendCommand(ctx, resourceID, input); err != nil {
		return nil, err
	}
	return &Reply{Text: "OK"}, nil
}

// Clear sends *CLS.
func (m *Manager) Clear(ctx context.Context, resourceID string) error {
	return m.SendCommand(ctx, resourceID, CommandClear)
}

// Reset sends *RST.
func (m *Manager) Reset(ctx context.Context, resourceID string) error {
	return m.SendCommand(ctx, resourceID, CommandReset)
}

// LastError pops one entry of the instrument error queue.
func (m *Manager) LastError(ctx context.Context, resourceID string) (string, error) {
	var answer string
	err := m.withSession(ctx, resourceID, func(sess *transport.Session) error {
		var err error
		answer, err = sess.Query(ctx, QueryErrorQueue, m.queryDelay)
		return err
	})
	return answer, err
}

// StartAutoRefresh starts periodic captures of resourceID. A running refresh
// of the same resource is replaced.
func (m *Manager) StartAutoRefresh(tag, resourceID string, interval time.Duration, onCapture CaptureFunc) (*AutoRefresh, error) {
	m.StopAutoRefresh(resourceID)

	r := NewAutoRefresh(m, tag, resourceID, interval, onCapture, m.logger)
	if err := r.Start(); err != nil {
		return nil, fmt.Errorf("failed to start auto refresh: %w", err)
	}

	m.mu.Lock()
	m.refreshers[resourceID] = r
	m.mu.Unlock()

	// a refresh that stopped itself after a failed capture is no longer active
	go func() {
		<-r.Done()
		m.mu.Lock()
		if m.refreshers[resourceID] == r {
			delete(m.refreshers, resourceID)
		}
		m.mu.Unlock()
	}()

	return r, nil
}

// StopAutoRefresh stops the refresh of resourceID if there is one.
func (m *Manager) StopAutoRefresh(resourceID string) {
	m.mu.Lock()
	r, ok := m.refreshers[resourceID]
	delete(m.refreshers, resourceID)
	m.mu.Unlock()

	if ok {
		r.Stop()
	}
}

// RefreshCount returns the number of registered auto refreshes.
func (m *Manager) RefreshCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.refreshers)
}

// StopAll stops every auto refresh.
func (m *Manager) StopAll() {
	m.mu.Lock()
	refreshers := m.refreshers
	m.refreshers = make(map[string]*AutoRefresh)
	m.mu.Unlock()

	for _, r := range refreshers {
		r.Stop()
	}
}

func (m *Manager) withSession(ctx context.Context, resourceID string, fn func(sess *transport.Session) error) error {
	opts := m.session
	if transport.ResourceClass(resourceID) == "ASRL" {
		opts.Exclusive = true
	}

	sess, err := m.transport.OpenSession(ctx, resourceID, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := fn(sess); err != nil {
		m.logger.Warn("SCPI exchange failed",
			zap.String("resource", resourceID),
			zap.Error(err))
		return err
	}
	return nil
}
