package devices

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/scpishot/internal/acquire"
)

const (
	MinRefreshInterval = 200 * time.Millisecond
	MaxRefreshInterval = 10 * time.Second
)

// Acquirer captures one screenshot.
type Acquirer interface {
	Acquire(ctx context.Context, tag, resourceID string) (*acquire.Artifact, error)
}

// CaptureFunc is called after every automatic capture.
type CaptureFunc func(a *acquire.Artifact, err error)

// AutoRefresh captures the same instrument periodically on one goroutine.
// A capture that takes longer than the interval swallows the ticks that
// fall into it. The first failed capture stops the refresh.
type AutoRefresh struct {
	acquirer   Acquirer
	tag        string
	resourceID string
	interval   time.Duration
	onCapture  CaptureFunc
	logger     *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	running  bool
	captures int
	err      error
}

// ClampInterval limits d to MinRefreshInterval..MaxRefreshInterval.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinRefreshInterval {
		return MinRefreshInterval
	}
	if d > MaxRefreshInterval {
		return MaxRefreshInterval
	}
	return d
}

func NewAutoRefresh(acquirer Acquirer, tag, resourceID string, interval time.Duration, onCapture CaptureFunc, logger *zap.Logger) *AutoRefresh {
	return &AutoRefresh{
		acquirer:   acquirer,
		tag:        tag,
		resourceID: resourceID,
		interval:   ClampInterval(interval),
		onCapture:  onCapture,
		logger:     logger.Named("refresh"),
		stopChan:   make(chan struct{}),
	}
}

// Start begins periodic captures. After Stop the refresh cannot be started
// again; create a new one.
func (r *AutoRefresh) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)

	go r.loop(ctx)

	r.logger.Info("Auto refresh started",
		zap.String("resource", r.resourceID),
		zap.String("type", r.tag),
		zap.Duration("interval", r.interval))

	return nil
}

// Stop ends the refresh and waits for a capture in flight.
func (r *AutoRefresh) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopChan) })
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.logger.Info("Auto refresh stopped",
		zap.String("resource", r.resourceID),
		zap.Int("captures", r.Captures()))
}

// Done is closed once the refresh has stopped, for whatever reason.
func (r *AutoRefresh) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	return done
}

func (r *AutoRefresh) loop(ctx context.Context) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if !r.capture(ctx) {
				return
			}
		}
	}
}

func (r *AutoRefresh) capture(ctx context.Context) bool {
	artifact, err := r.acquirer.Acquire(ctx, r.tag, r.resourceID)

	r.mu.Lock()
	if err == nil {
		r.captures++
	} else if ctx.Err() == nil {
		r.err = err
	}
	r.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}

	if r.onCapture != nil {
		r.onCapture(artifact, err)
	}

	if err != nil {
		r.logger.Error("Auto refresh capture failed, stopping",
			zap.String("resource", r.resourceID),
			zap.Error(err))
		return false
	}
	return true
}

// IsRunning reports whether the refresh loop is active.
func (r *AutoRefresh) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Err returns the capture error that stopped the refresh.
func (r *AutoRefresh) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *AutoRefresh) Captures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.captures
}

func (r *AutoRefresh) Interval() time.Duration {
	return r.interval
}
