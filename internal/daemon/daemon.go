// Package daemon hosts the workflow engine behind a local HTTP API and
// enforces single-instance execution through a lock file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
	"github.com/ozoz66/control-research-copilot/internal/config"
	"github.com/ozoz66/control-research-copilot/internal/engine"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/session"
)

// Daemon owns the engine lifecycle, the session registry, and the HTTP API.
type Daemon struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *session.Registry
	engine      *engine.Engine
	checkpoints *checkpoint.Store
	hub         *events.Hub

	lockPath string
	lock     *flock.Flock

	api *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status reports daemon runtime information.
type Status struct {
	Running        bool
	PID            int
	ActiveSessions int
	SessionDBPath  string
	LockFilePath   string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, registry *session.Registry, eng *engine.Engine, checkpoints *checkpoint.Store, hub *events.Hub, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || registry == nil || eng == nil || checkpoints == nil {
		return nil, errors.New("daemon requires config, registry, engine, and checkpoint store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.LockFilePath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	d := &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		registry:    registry,
		engine:      eng,
		checkpoints: checkpoints,
		hub:         hub,
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}

	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the instance lock, starts the engine, and begins serving the
// API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another copilot daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.engine.Start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start engine: %w", err)
	}

	if d.api != nil {
		if err := d.api.start(d.ctx); err != nil {
			d.engine.Stop()
			_ = d.lock.Unlock()
			d.cancel()
			d.ctx = nil
			d.cancel = nil
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts down the API, the engine, and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.api != nil {
		d.api.stop()
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.engine.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases store handles.
func (d *Daemon) Close() error {
	d.Stop()
	var firstErr error
	if store := d.registry.Store(); store != nil {
		firstErr = store.Close()
	}
	if d.checkpoints != nil {
		if err := d.checkpoints.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// APIAddr returns the bound API address, available after Start.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		ActiveSessions: d.engine.ActiveRunners(),
		SessionDBPath:  d.cfg.SessionDBPath(),
		LockFilePath:   d.lockPath,
	}
}
