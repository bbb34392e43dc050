// Package agent runs the detection pipeline: a polling activity that tails,
// classifies and admits log lines, and a worker activity that reports the
// admitted ones.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modoterra/tripwire/pkg/classify"
	"github.com/modoterra/tripwire/pkg/config"
	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/dispatch"
	"github.com/modoterra/tripwire/pkg/flood"
	"github.com/modoterra/tripwire/pkg/report"
	"github.com/modoterra/tripwire/pkg/tail"
	"github.com/modoterra/tripwire/pkg/ticket"
)

// ErrRunning is returned by Start when the controller is already running.
var ErrRunning = errors.New("agent already running")

const (
	defaultPollGrace = 2 * time.Second
	defaultJoinGrace = 2 * time.Second
	recentResults    = 20
)

// Controller owns one run of the pipeline at a time.
type Controller struct {
	svc     ticket.Service
	observe func(core.ReportResult)
	logger  *slog.Logger
	now     func() time.Time

	pollGrace time.Duration
	joinGrace time.Duration

	mu      sync.Mutex // serialises Start and Stop
	current atomic.Pointer[run]

	snapMu sync.Mutex
	snap   floodSnapshot
	recent []core.ReportResult
}

type run struct {
	cfg        config.Config
	startedAt  time.Time
	source     *tail.Source
	classifier *classify.Classifier
	flood      *flood.Controller
	queue      *dispatch.Queue
	worker     *report.Worker
	cancelPoll context.CancelFunc
	pollDone   chan struct{}
	workerDone chan struct{}
	running    atomic.Bool

	lines   atomic.Uint64
	matches atomic.Uint64
}

// floodSnapshot is published by the polling activity after every cycle so
// readers never touch flood state directly.
type floodSnapshot struct {
	stats     flood.Stats
	blackouts []flood.Blackout
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers a function called with every report result, on the
// worker goroutine.
func WithObserver(fn func(core.ReportResult)) Option {
	return func(c *Controller) { c.observe = fn }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStopTimeouts bounds how long Stop waits for polling to quiesce and for
// the worker to exit.
func WithStopTimeouts(poll, join time.Duration) Option {
	return func(c *Controller) {
		if poll > 0 {
			c.pollGrace = poll
		}
		if join > 0 {
			c.joinGrace = join
		}
	}
}

// New creates a stopped Controller reporting to svc.
func New(svc ticket.Service, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		svc:       svc,
		logger:    logger,
		now:       time.Now,
		pollGrace: defaultPollGrace,
		joinGrace: defaultJoinGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start builds the pipeline from cfg and launches both activities.
func (c *Controller) Start(cfg *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r := c.current.Load(); r != nil && r.running.Load() {
		return ErrRunning
	}
	if cfg == nil {
		return fmt.Errorf("start agent: nil config")
	}

	if info, err := os.Stat(cfg.LogDir); err != nil || !info.IsDir() {
		c.logger.Warn("log directory not present yet, polling anyway", "dir", cfg.LogDir)
	}

	r := &run{
		cfg:        *cfg,
		startedAt:  c.now(),
		classifier: classify.New(),
		queue:      dispatch.New(cfg.UploadQueueMaxsize),
		pollDone:   make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	r.source = tail.New(cfg.LogDir, c.logger.With("component", "tail"),
		tail.WithPatterns(cfg.GlobPatterns...),
		tail.WithInterval(cfg.PollInterval()),
		tail.WithClock(c.now),
	)
	r.flood = flood.New(flood.Policy{
		Cooldown:       cfg.Cooldown(),
		MaxPerWindow:   cfg.MaxUploadsPerMinute,
		BurstThreshold: cfg.BurstThreshold,
		BurstWindow:    cfg.BurstWindowDuration(),
		Blackout:       cfg.Blackout(),
	}, r.queue, c.logger.With("component", "flood"))

	reporter := report.New(c.svc, report.Config{
		ProjectID:   cfg.Upload.ShotgunProjectID,
		EntityType:  cfg.Upload.TicketEntityType,
		AttachField: cfg.Upload.TicketAttachmentField,
		MaxRetries:  cfg.Upload.MaxRetries,
		BackoffBase: cfg.Upload.BackoffBase(),
		User:        cfg.Upload.UserLogin,
		Gzip:        cfg.Upload.GzipAttachments,
	}, c.logger.With("component", "report"))
	r.worker = report.NewWorker(r.queue, reporter, c.record, c.logger.With("component", "worker"))

	c.snapMu.Lock()
	c.snap = floodSnapshot{stats: r.flood.Stats()}
	c.recent = nil
	c.snapMu.Unlock()

	pollCtx, cancel := context.WithCancel(context.Background())
	r.cancelPoll = cancel
	r.running.Store(true)
	c.current.Store(r)

	go c.poll(pollCtx, r)
	go func() {
		defer close(r.workerDone)
		// In-flight tasks are never cancelled; Stop only closes the queue.
		r.worker.Run(context.Background())
	}()

	c.logger.Info("agent started",
		"dir", cfg.LogDir,
		"patterns", cfg.GlobPatterns,
		"policy", r.flood.Policy().String(),
		"queue", r.queue.Cap(),
	)
	return nil
}

// Stop halts polling, closes the queue and joins the worker. Both waits are
// bounded; a worker still busy with a task is left to finish on its own.
// Stop on a stopped controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.current.Load()
	if r == nil || !r.running.Load() {
		return
	}
	r.running.Store(false)

	r.cancelPoll()
	if !waitClosed(r.pollDone, c.pollGrace) {
		c.logger.Warn("polling did not stop in time", "timeout", c.pollGrace)
	}

	// Shutdown discards buffered tasks; Wait then covers the one in flight.
	r.queue.Shutdown()
	switch {
	case !r.queue.Wait(c.joinGrace):
		c.logger.Warn("report still in flight after stop", "timeout", c.joinGrace)
	case !waitClosed(r.workerDone, c.joinGrace):
		c.logger.Warn("worker did not exit after stop", "timeout", c.joinGrace)
	}

	reported, failed := r.worker.Counts()
	c.logger.Info("agent stopped", "lines", r.lines.Load(), "reported", reported, "failed", failed)
}

// Running reports whether Start has been called without a matching Stop.
func (c *Controller) Running() bool {
	r := c.current.Load()
	return r != nil && r.running.Load()
}

func (c *Controller) poll(ctx context.Context, r *run) {
	defer close(r.pollDone)
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("polling stopped after panic", "panic", fmt.Sprint(p))
		}
	}()
	r.source.Run(ctx,
		func(ev core.LineEvent) { c.onLine(r, ev) },
		func() { c.endCycle(r) },
	)
}

// onLine is the per-event unit of work on the polling goroutine.
func (c *Controller) onLine(r *run, ev core.LineEvent) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("line handling panicked", "path", ev.Path, "panic", fmt.Sprint(p))
		}
	}()

	r.lines.Add(1)
	m, ok := r.classifier.Match(ev.Text)
	if !ok {
		return
	}
	r.matches.Add(1)
	r.flood.Admit(ev, m)
}

func (c *Controller) endCycle(r *run) {
	now := c.now()
	r.flood.Prune(now)
	snap := floodSnapshot{stats: r.flood.Stats(), blackouts: r.flood.Blackouts(now)}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}

func (c *Controller) record(res core.ReportResult) {
	c.snapMu.Lock()
	c.recent = append(c.recent, res)
	if len(c.recent) > recentResults {
		c.recent = c.recent[len(c.recent)-recentResults:]
	}
	c.snapMu.Unlock()

	if c.observe != nil {
		c.observe(res)
	}
}

func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
