package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/dispatch"
)

// TaskSource is the consumer side of a dispatch queue.
type TaskSource interface {
	Next(ctx context.Context) (core.UploadTask, error)
	TaskDone()
}

// TaskReporter handles one task.
type TaskReporter interface {
	Report(ctx context.Context, task core.UploadTask) core.ReportResult
}

// Worker drains a TaskSource one task at a time.
type Worker struct {
	src      TaskSource
	reporter TaskReporter
	observe  func(core.ReportResult)
	logger   *slog.Logger

	reported atomic.Uint64
	failed   atomic.Uint64
}

// NewWorker creates a Worker. observe, when non-nil, sees every result.
func NewWorker(src TaskSource, r TaskReporter, observe func(core.ReportResult), logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{src: src, reporter: r, observe: observe, logger: logger}
}

// Run processes tasks until the source is shut down or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.src.Next(ctx)
		if err != nil {
			if !errors.Is(err, dispatch.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				w.logger.Error("dequeue failed", "err", err)
			}
			return
		}
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task core.UploadTask) {
	defer w.src.TaskDone()
	defer func() {
		if p := recover(); p != nil {
			w.failed.Add(1)
			w.logger.Error("reporter panicked", "path", task.Path, "signature", task.Signature, "panic", fmt.Sprint(p))
		}
	}()

	res := w.reporter.Report(ctx, task)
	if res.OK() {
		w.reported.Add(1)
	} else {
		w.failed.Add(1)
	}
	if w.observe != nil {
		w.observe(res)
	}
}

// Counts returns the number of successful and failed tasks.
func (w *Worker) Counts() (reported, failed uint64) {
	return w.reported.Load(), w.failed.Load()
}
