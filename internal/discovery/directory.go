// Package discovery enumerates transport resources and identifies the
// instruments behind them with *IDN?.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/scpishot/internal/transport"
)

const (
	IdentityQuery = "*IDN?"

	DefaultSerialTimeout = 2 * time.Second
	DefaultManualTimeout = 5 * time.Second
)

// ErrNoReply marks a resource that answered *IDN? with nothing.
var ErrNoReply = errors.New("empty identity reply")

// Entry is one identified instrument.
type Entry struct {
	ResourceID string
	Identity   string
}

// Model returns the model field of the identity.
func (e Entry) Model() string {
	return ParseIdentity(e.Identity).Model
}

// ProbeError explains why a resource did not make it into the result.
type ProbeError struct {
	ResourceID string
	Stage      string // open, query, reply
	Err        error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s (%s): %v", e.ResourceID, e.Stage, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// ProbeResult is the outcome for one resource. Exactly one of Identity and
// Err is set. Duplicate marks an identity already claimed by an earlier
// resource in the same pass.
type ProbeResult struct {
	ResourceID string
	Identity   string
	Manual     bool
	Duplicate  bool
	Elapsed    time.Duration
	Err        *ProbeError
}

// OK reports whether the probe produced an identity.
func (r ProbeResult) OK() bool {
	return r.Err == nil && r.Identity != ""
}

// Report is the result of one discovery pass.
type Report struct {
	Entries []Entry
	Probes  []ProbeResult
}

// Lookup returns the entry for resourceID.
func (r *Report) Lookup(resourceID string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.ResourceID == resourceID {
			return e, true
		}
	}
	return Entry{}, false
}

// Failed returns the probes that ended in an error.
func (r *Report) Failed() []ProbeResult {
	var failed []ProbeResult
	for _, p := range r.Probes {
		if p.Err != nil {
			failed = append(failed, p)
		}
	}
	return failed
}

// Directory runs discovery passes against a transport manager.
type Directory struct {
	transport *transport.Manager
	logger    *zap.Logger

	// Options is the session policy for non-serial resources.
	Options transport.SessionOptions
	// SerialTimeout bounds the exclusive probe of ASRL resources.
	SerialTimeout time.Duration
}

func NewDirectory(mgr *transport.Manager, logger *zap.Logger) *Directory {
	return &Directory{
		transport:     mgr,
		logger:        logger.Named("discovery"),
		Options:       transport.DefaultSessionOptions(),
		SerialTimeout: DefaultSerialTimeout,
	}
}

// Discover probes every enumerated resource and then the optional manual
// address. Enumeration order is kept, the manual address comes last and the
// first resource to report an identity owns it. Probe failures are recorded
// in the report and never abort the pass.
func (d *Directory) Discover(ctx context.Context, manual string, manualTimeout time.Duration) (*Report, error) {
	resources, err := d.transport.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate resources: %w", err)
	}

	d.logger.Info("Discovery started",
		zap.Int("resources", len(resources)),
		zap.String("manual", manual))

	report := &Report{}
	seen := make(map[string]struct{})

	add := func(result ProbeResult) {
		if result.OK() {
			if _, dup := seen[result.Identity]; dup {
				result.Duplicate = true
			} else {
				seen[result.Identity] = struct{}{}
				report.Entries = append(report.Entries, Entry{
					ResourceID: result.ResourceID,
					Identity:   result.Identity,
				})
			}
		}
		report.Probes = append(report.Probes, result)
	}

	for _, resource := range resources {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		add(d.probe(ctx, resource, d.optionsFor(resource)))
	}

	if manual != "" {
		add(d.probeManual(ctx, manual, manualTimeout))
	}

	d.logger.Info("Discovery finished",
		zap.Int("probed", len(report.Probes)),
		zap.Int("instruments", len(report.Entries)))

	return report, nil
}

func (d *Directory) probeManual(ctx context.Context, manual string, timeout time.Duration) ProbeResult {
	resource, err := transport.NormalizeAddress(manual)
	if err != nil {
		return ProbeResult{
			ResourceID: manual,
			Manual:     true,
			Err:        &ProbeError{ResourceID: manual, Stage: "open", Err: err},
		}
	}

	if timeout <= 0 {
		timeout = DefaultManualTimeout
	}
	opts := d.Options
	opts.Timeout = timeout

	result := d.probe(ctx, resource, opts)
	result.Manual = true
	return result
}

func (d *Directory) optionsFor(resource string) transport.SessionOptions {
	opts := d.Options
	if transport.ResourceClass(resource) == "ASRL" {
		opts.Exclusive = true
		opts.Timeout = d.SerialTimeout
	}
	return opts
}

func (d *Directory) probe(ctx context.Context, resource string, opts transport.SessionOptions) ProbeResult {
	start := time.Now()
	result := ProbeResult{ResourceID: resource}

	fail := func(stage string, err error) ProbeResult {
		result.Elapsed = time.Since(start)
		result.Err = &ProbeError{ResourceID: resource, Stage: stage, Err: err}
		d.logger.Debug("Probe failed",
			zap.String("resource", resource),
			zap.String("stage", stage),
			zap.Error(err))
		return result
	}

	sess, err := d.transport.OpenSession(ctx, resource, opts)
	if err != nil {
		return fail("open", err)
	}
	defer sess.Close()

	reply, err := sess.Query(ctx, IdentityQuery, 0)
	if err != nil {
		return fail("query", err)
	}

	identity := NormalizeIdentity(reply)
	if identity == "" {
		return fail("reply", ErrNoReply)
	}

	result.Identity = identity
	result.Elapsed = time.Since(start)

	d.logger.Debug("Instrument identified",
		zap.String("resource", resource),
		zap.String("identity", identity),
		zap.Duration("elapsed", result.Elapsed))

	return result
}
