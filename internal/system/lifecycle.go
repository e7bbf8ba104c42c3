// Package system wires the acquisition stack from configuration and owns its
// start and shutdown.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/scpishot/internal/acquire"
	"github.com/KevinKickass/scpishot/internal/config"
	"github.com/KevinKickass/scpishot/internal/devices"
	"github.com/KevinKickass/scpishot/internal/discovery"
	"github.com/KevinKickass/scpishot/internal/registry"
	"github.com/KevinKickass/scpishot/internal/storage"
	"github.com/KevinKickass/scpishot/internal/transport"
)

type LifecycleManager struct {
	config  *config.Config
	drivers []transport.Driver
	logger  *zap.Logger

	transport     *transport.Manager
	registry      *registry.Registry
	history       *storage.History
	engine        *acquire.Engine
	deviceManager *devices.Manager

	stateMu      sync.RWMutex
	currentState SystemState
	capture      acquire.Status
	lastErr      error

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownOnce sync.Once
}

// NewLifecycleManager prepares the system. Without drivers the serial, USB
// and LAN drivers are used.
func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, drivers ...transport.Driver) *LifecycleManager {
	if len(drivers) == 0 {
		drivers = transport.DefaultDrivers(cfg.Transport.BaudRate, cfg.Discovery.LANResources)
	}

	return &LifecycleManager{
		config:          cfg,
		drivers:         drivers,
		logger:          logger,
		currentState:    StateInitializing,
		capture:         acquire.Status{State: acquire.StateIdle},
		statusListeners: make([]chan SystemStatus, 0),
	}
}

// Start builds and opens the whole stack.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting scpishot")

	if err := lm.build(); err != nil {
		lm.setError(err)
		lm.broadcastStatus()
		lm.release()
		return err
	}

	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.String("output_dir", lm.engine.OutputDir()),
		zap.Strings("types", lm.registry.Tags()),
		zap.Bool("history", lm.history != nil))

	return nil
}

func (lm *LifecycleManager) build() error {
	cfg := lm.config

	reg, err := registry.LoadFiles(cfg.Instruments.TypesFile, cfg.Instruments.ProfilesFile, lm.logger)
	if err != nil {
		return fmt.Errorf("failed to load instrument tables: %w", err)
	}
	lm.registry = reg

	if cfg.History.Path != "" {
		history, err := storage.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		lm.history = history
	}

	lm.transport = transport.NewManager(lm.logger, lm.drivers...)
	if err := lm.transport.Open(); err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	session := cfg.Transport.SessionOptions()

	opts := acquire.Options{
		OutputDir: cfg.OutputDir,
		Session:   session,
		Observer:  acquire.ObserverFunc(lm.onTransition),
	}
	if lm.history != nil {
		opts.Recorder = lm.history
	}
	lm.engine = acquire.NewEngine(lm.transport, lm.registry, lm.logger, opts)

	dir := discovery.NewDirectory(lm.transport, lm.logger)
	dir.Options = session
	dir.SerialTimeout = cfg.Discovery.SerialTimeout

	lm.deviceManager = devices.NewManager(lm.transport, lm.registry, dir, lm.engine, lm.logger, devices.Options{
		Session:       session,
		QueryDelay:    cfg.Transport.QueryDelay,
		ManualTimeout: cfg.Discovery.ManualTimeout,
	})

	return nil
}

// Shutdown stops auto refreshes and closes transport and history. Only the
// first call does anything.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		lm.broadcastStatus()
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		if lm.deviceManager != nil {
			lm.deviceManager.StopAll()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Auto refresh did not stop in time", zap.Error(ctx.Err()))
	}

	return lm.release()
}

func (lm *LifecycleManager) release() error {
	var errs []error

	if lm.transport != nil && lm.transport.IsOpen() {
		if err := lm.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport close failed: %w", err))
		}
	}
	if lm.history != nil {
		if err := lm.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history close failed: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		lm.logger.Error("Shutdown errors", zap.Error(err))
		return err
	}

	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) onTransition(t acquire.Transition) {
	lm.stateMu.Lock()
	lm.capture.State = t.To
	lm.capture.CaptureID = t.CaptureID.String()
	lm.capture.TypeTag = t.TypeTag
	lm.capture.ResourceID = t.ResourceID
	lm.capture.LastStateChange = t.At
	switch t.To {
	case acquire.StateSaved:
		lm.capture.Captures++
		lm.capture.ErrorMessage = ""
	case acquire.StateFailed:
		if t.Err != nil {
			lm.capture.ErrorMessage = t.Err.Error()
		}
	}
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastErr = err
}

// GetCurrentStatus returns the system status with the last capture state.
func (lm *LifecycleManager) GetCurrentStatus() SystemStatus {
	lm.stateMu.RLock()
	status := SystemStatus{
		State:     lm.currentState,
		Capture:   lm.capture,
		Timestamp: time.Now().Unix(),
	}
	if lm.lastErr != nil {
		status.Error = lm.lastErr.Error()
	}
	lm.stateMu.RUnlock()

	if lm.deviceManager != nil {
		status.Instruments = len(lm.deviceManager.Instruments())
		status.AutoRefresh = lm.deviceManager.RefreshCount()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.GetCurrentStatus()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// listener is behind, drop the update
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 16)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// DeviceManager returns the device manager
func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

// History returns the capture history, nil when disabled.
func (lm *LifecycleManager) History() *storage.History {
	return lm.history
}

func (lm *LifecycleManager) Engine() *acquire.Engine {
	return lm.engine
}

func (lm *LifecycleManager) Registry() *registry.Registry {
	return lm.registry
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
