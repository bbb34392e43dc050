package agent

import (
	"fmt"
	"log/slog"

	"github.com/modoterra/tripwire/pkg/config"
	"github.com/modoterra/tripwire/pkg/lock"
)

// Guard keeps a second agent away from the same directory.
type Guard interface {
	TryAcquire() (bool, error)
	Release() error
}

// Runner pairs a Controller with the single-instance guard.
type Runner struct {
	ctrl   *Controller
	guard  Guard
	logger *slog.Logger
}

// NewRunner creates a Runner. A nil guard is replaced at Start by a file lock
// derived from the configured directories.
func NewRunner(ctrl *Controller, guard Guard, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ctrl: ctrl, guard: guard, logger: logger}
}

// Controller returns the wrapped controller.
func (r *Runner) Controller() *Controller { return r.ctrl }

// Start acquires the guard and starts the controller. It returns false,
// without error, when another instance already holds the guard.
func (r *Runner) Start(cfg *config.Config) (bool, error) {
	if r.guard == nil {
		l := lock.ForDir(cfg.LockDir, cfg.LogDir)
		r.logger.Debug("single-instance lock", "path", l.Path())
		r.guard = l
	}

	ok, err := r.guard.TryAcquire()
	if err != nil {
		return false, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		r.logger.Warn("another instance is watching this directory, not starting", "dir", cfg.LogDir)
		return false, nil
	}

	if err := r.ctrl.Start(cfg); err != nil {
		if rerr := r.guard.Release(); rerr != nil {
			r.logger.Warn("release instance lock", "err", rerr)
		}
		return false, err
	}
	return true, nil
}

// Stop stops the controller and then releases the guard.
func (r *Runner) Stop() {
	if !r.ctrl.Running() {
		return
	}
	r.ctrl.Stop()
	if err := r.guard.Release(); err != nil {
		r.logger.Warn("release instance lock", "err", err)
	}
}
