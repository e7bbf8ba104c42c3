// Package acquire runs screenshot captures: it opens a session, applies the
// type profile or a fallback renderer and stores the result as an artifact.
package acquire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/scpishot/internal/registry"
	"github.com/KevinKickass/scpishot/internal/render"
	"github.com/KevinKickass/scpishot/internal/transport"
)

// Recorder keeps a history of saved artifacts.
type Recorder interface {
	Record(ctx context.Context, a *Artifact) error
}

type Options struct {
	OutputDir string
	Session   transport.SessionOptions
	// Families are consulted when a tag has no profile. Nil means
	// render.DefaultFamilies.
	Families []render.Family
	Observer StateObserver
	Recorder Recorder
}

type Engine struct {
	transport *transport.Manager
	registry  *registry.Registry
	store     *Store
	families  []render.Family
	session   transport.SessionOptions
	observer  StateObserver
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time

	// run serialises captures; the transport is shared.
	run sync.Mutex

	mu         sync.RWMutex
	state      State
	captureID  uuid.UUID
	tag        string
	resourceID string
	lastErr    error
	captures   int
	changedAt  time.Time
}

func NewEngine(mgr *transport.Manager, reg *registry.Registry, logger *zap.Logger, opts Options) *Engine {
	families := opts.Families
	if families == nil {
		families = render.DefaultFamilies()
	}

	return &Engine{
		transport: mgr,
		registry:  reg,
		store:     NewStore(opts.OutputDir),
		families:  families,
		session:   opts.Session,
		observer:  opts.Observer,
		recorder:  opts.Recorder,
		logger:    logger.Named("acquire"),
		now:       time.Now,
		state:     StateIdle,
		changedAt: time.Now(),
	}
}

// plan is the resolved recipe for one type tag.
type plan struct {
	tag       string
	profile   *registry.Profile
	family    render.Family
	retries   int
	retryable func(error) bool
	fileType  string
}

func (p *plan) name() string {
	if p.profile != nil {
		return "profile"
	}
	return p.family.Name
}

func (e *Engine) planFor(tag string) (*plan, bool) {
	if p, ok := e.registry.ConfigFor(tag); ok {
		return &plan{tag: tag, profile: p, retries: p.Retries, retryable: retryable, fileType: p.Extension()}, true
	}
	if f, ok := render.Lookup(e.families, tag); ok {
		policy := retryable
		if f.RetryReadings {
			policy = retryableReading
		}
		return &plan{tag: tag, family: f, retries: f.Retries, retryable: policy, fileType: "png"}, true
	}
	return nil, false
}

// Acquire captures one screenshot of resourceID using the profile or
// fallback family of tag. Every error is an *Error.
func (e *Engine) Acquire(ctx context.Context, tag, resourceID string) (*Artifact, error) {
	e.run.Lock()
	defer e.run.Unlock()

	id := uuid.New()
	e.begin(id, tag, resourceID)

	p, ok := e.planFor(tag)
	if !ok {
		return nil, e.fail(&Error{
			Kind:       KindNoConfig,
			TypeTag:    tag,
			ResourceID: resourceID,
			State:      StateIdle,
			Err:        ErrNoConfig,
		}, 0)
	}

	e.logger.Info("Capture started",
		zap.String("capture_id", id.String()),
		zap.String("type", tag),
		zap.String("resource", resourceID),
		zap.String("recipe", p.name()))

	attempts := p.retries + 1
	for attempt := 1; ; attempt++ {
		data, state, err := e.capture(ctx, p, resourceID, attempt)
		if err == nil {
			return e.save(ctx, id, p, resourceID, data, attempt)
		}

		acqErr := &Error{
			Kind:       classify(err),
			TypeTag:    tag,
			ResourceID: resourceID,
			State:      state,
			Attempts:   attempt,
			Err:        err,
		}
		if attempt >= attempts || !p.retryable(err) {
			return nil, e.fail(acqErr, attempt)
		}

		e.setState(StateFailed, attempt, err)
		e.logger.Warn("Capture failed, retrying",
			zap.String("capture_id", id.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

// capture runs one complete pass: open, setup, query, decode. It returns the
// state the pass failed in.
func (e *Engine) capture(ctx context.Context, p *plan, resourceID string, attempt int) ([]byte, State, error) {
	e.setState(StateConnecting, attempt, nil)

	opts := e.session
	if transport.ResourceClass(resourceID) == "ASRL" {
		opts.Exclusive = true
	}

	sess, err := e.transport.OpenSession(ctx, resourceID, opts)
	if err != nil {
		return nil, StateConnecting, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Warn("Failed to close session", zap.String("resource", resourceID), zap.Error(err))
		}
	}()

	if p.profile == nil {
		e.setState(StateQuerying, attempt, nil)
		data, err := p.family.Renderer.Capture(ctx, sess)
		if err != nil {
			return nil, StateQuerying, err
		}
		e.setState(StateDecoding, attempt, nil)
		return data, StateDecoding, nil
	}

	e.setState(StatePreCommands, attempt, nil)
	e.preCommands(ctx, sess, p.profile)

	if err := wait(ctx, p.profile.Settle); err != nil {
		return nil, StatePreCommands, err
	}

	e.setState(StateQuerying, attempt, nil)
	raw, err := e.query(ctx, sess, p.profile)
	if err != nil {
		return nil, StateQuerying, err
	}

	e.setState(StateDecoding, attempt, nil)
	data, err := decode(raw, p.profile)
	if err != nil {
		return nil, StateDecoding, err
	}
	return data, StateDecoding, nil
}

// preCommands sends every setup command in order. Failures are logged and
// do not stop the sequence.
func (e *Engine) preCommands(ctx context.Context, sess *transport.Session, p *registry.Profile) {
	for i, cmd := range p.Commands {
		if err := sess.Write(ctx, cmd); err != nil {
			e.logger.Warn("Pre-command failed",
				zap.String("resource", sess.Resource()),
				zap.Int("index", i),
				zap.String("command", cmd),
				zap.Error(err))
			continue
		}
		e.logger.Debug("Pre-command sent", zap.String("command", cmd))
	}
}

func (e *Engine) query(ctx context.Context, sess *transport.Session, p *registry.Profile) ([]byte, error) {
	switch p.QueryMode {
	case registry.QueryBinaryBlock:
		return sess.QueryBlock(ctx, p.QueryCommand, p.Binary.Delay)
	case registry.QueryRawRead:
		// a trigger command is optional; most devices push after a front panel key
		if p.QueryCommand != "" {
			if err := sess.Write(ctx, p.QueryCommand); err != nil {
				return nil, err
			}
		}
		return sess.ReadRaw(ctx)
	default:
		return nil, fmt.Errorf("unknown query mode %s", p.QueryMode)
	}
}

// decode strips the block framing and turns the payload into the byte
// buffer that is written to disk.
func decode(raw []byte, p *registry.Profile) ([]byte, error) {
	payload, err := transport.DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errEmptyPayload
	}
	if p.QueryMode == registry.QueryRawRead {
		return payload, nil
	}

	values, err := transport.DecodeValues(payload, p.Binary)
	if err != nil {
		return nil, err
	}
	return values.Buffer(), nil
}

func (e *Engine) save(ctx context.Context, id uuid.UUID, p *plan, resourceID string, data []byte, attempt int) (*Artifact, error) {
	at := e.now()

	path, err := e.store.Save(data, id, at, p.fileType)
	if err != nil {
		return nil, e.fail(&Error{
			Kind:       KindStorage,
			TypeTag:    p.tag,
			ResourceID: resourceID,
			State:      StateDecoding,
			Attempts:   attempt,
			Err:        err,
		}, attempt)
	}

	artifact := &Artifact{
		ID:         id,
		Path:       path,
		Size:       int64(len(data)),
		FileType:   p.fileType,
		TypeTag:    p.tag,
		ResourceID: resourceID,
		CapturedAt: at,
	}

	e.mu.Lock()
	e.captures++
	e.lastErr = nil
	e.mu.Unlock()

	e.setState(StateSaved, attempt, nil)
	e.logger.Info("Screenshot saved",
		zap.String("capture_id", id.String()),
		zap.String("path", path),
		zap.Int64("size", artifact.Size),
		zap.Int("attempts", attempt))

	if e.recorder != nil {
		if err := e.recorder.Record(ctx, artifact); err != nil {
			e.logger.Warn("Failed to record capture", zap.String("path", path), zap.Error(err))
		}
	}

	return artifact, nil
}

func (e *Engine) begin(id uuid.UUID, tag, resourceID string) {
	e.mu.Lock()
	e.captureID = id
	e.tag = tag
	e.resourceID = resourceID
	e.mu.Unlock()

	// a previous capture ended in Saved or Failed
	if e.State() != StateIdle {
		e.setState(StateIdle, 0, nil)
	}
}

func (e *Engine) fail(err *Error, attempt int) *Error {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	e.setState(StateFailed, attempt, err)
	e.logger.Error("Capture failed",
		zap.String("type", err.TypeTag),
		zap.String("resource", err.ResourceID),
		zap.String("kind", err.Kind.String()),
		zap.String("state", string(err.State)),
		zap.Error(err.Err))

	return err
}

func (e *Engine) setState(state State, attempt int, cause error) {
	e.mu.Lock()
	previous := e.state
	if !previous.canMoveTo(state) {
		e.logger.Error("Illegal state transition",
			zap.String("from", string(previous)),
			zap.String("to", string(state)))
	}
	e.state = state
	e.changedAt = e.now()
	t := Transition{
		CaptureID:  e.captureID,
		TypeTag:    e.tag,
		ResourceID: e.resourceID,
		From:       previous,
		To:         state,
		Attempt:    attempt,
		Err:        cause,
		At:         e.changedAt,
	}
	e.mu.Unlock()

	e.logger.Debug("Capture state changed",
		zap.String("from", string(previous)),
		zap.String("to", string(state)),
		zap.Int("attempt", attempt))

	if e.observer != nil {
		e.observer.OnTransition(t)
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastError returns the error of the most recent capture, nil after a
// successful one.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		State:           e.state,
		TypeTag:         e.tag,
		ResourceID:      e.resourceID,
		Captures:        e.captures,
		LastStateChange: e.changedAt,
	}
	if e.captureID != uuid.Nil {
		s.CaptureID = e.captureID.String()
	}
	if e.lastErr != nil {
		s.ErrorMessage = e.lastErr.Error()
	}
	return s
}

// OutputDir returns the artifact directory.
func (e *Engine) OutputDir() string {
	return e.store.Dir()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
