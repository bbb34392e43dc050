package report

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/dispatch"
)

type scriptedReporter struct {
	mu    sync.Mutex
	calls []string
}

func (s *scriptedReporter) Report(_ context.Context, task core.UploadTask) core.ReportResult {
	s.mu.Lock()
	s.calls = append(s.calls, task.Path)
	s.mu.Unlock()
	switch task.Path {
	case "panic":
		panic("boom")
	case "fail":
		return core.ReportResult{Title: task.Path, Err: "nope"}
	}
	return core.ReportResult{Title: task.Path, IncidentID: 1, Created: true, Attached: true}
}

func TestWorkerSurvivesPanicsAndFailures(t *testing.T) {
	q := dispatch.New(8)
	for _, p := range []string{"ok-1", "panic", "fail", "ok-2"} {
		q.TryEnqueue(core.UploadTask{Path: p})
	}

	rep := &scriptedReporter{}
	var mu sync.Mutex
	var observed []core.ReportResult
	w := NewWorker(q, rep, func(r core.ReportResult) {
		mu.Lock()
		observed = append(observed, r)
		mu.Unlock()
	}, testLogger())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	if !q.Wait(2 * time.Second) {
		t.Fatal("worker did not drain the queue")
	}
	q.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after shutdown")
	}

	reported, failed := w.Counts()
	if reported != 2 || failed != 2 {
		t.Errorf("reported=%d failed=%d, want 2 and 2", reported, failed)
	}
	if len(rep.calls) != 4 || rep.calls[3] != "ok-2" {
		t.Errorf("unexpected call order %v", rep.calls)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 3 {
		t.Errorf("expected 3 observed results (panic yields none), got %d", len(observed))
	}
}

func TestWorkerStopsOnContext(t *testing.T) {
	q := dispatch.New(1)
	w := NewWorker(q, &scriptedReporter{}, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker ignored cancellation")
	}
}
