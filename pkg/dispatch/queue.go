// Package dispatch hands admitted tasks from the detection path to the
// reporting worker through a bounded buffer.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modoterra/tripwire/pkg/core"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 32

// ErrQueueClosed is returned by Next once Shutdown has been called.
var ErrQueueClosed = errors.New("dispatch queue closed")

// Queue is a bounded multi-producer, single-consumer task buffer.
// Producers never block; the consumer blocks until a task arrives or
// the queue is shut down.
type Queue struct {
	tasks    chan core.UploadTask
	done     chan struct{}
	shutdown sync.Once

	// mu orders TryEnqueue against Shutdown so no task lands in the buffer
	// after it has been drained.
	mu sync.Mutex

	unfinished sync.WaitGroup
	pending    atomic.Int64
	accepted   atomic.Uint64
	rejected   atomic.Uint64
}

// New creates a Queue holding at most capacity tasks.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		tasks: make(chan core.UploadTask, capacity),
		done:  make(chan struct{}),
	}
}

// TryEnqueue adds t without blocking. It returns false when the queue is
// full or shut down; callers treat that as a drop.
func (q *Queue) TryEnqueue(t core.UploadTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.done:
		q.rejected.Add(1)
		return false
	default:
	}

	q.unfinished.Add(1)
	select {
	case q.tasks <- t:
		q.pending.Add(1)
		q.accepted.Add(1)
		return true
	default:
		q.unfinished.Done()
		q.rejected.Add(1)
		return false
	}
}

// Next blocks until a task is available, the queue is shut down, or ctx
// ends. Every task returned must be finished with TaskDone.
func (q *Queue) Next(ctx context.Context) (core.UploadTask, error) {
	select {
	case <-q.done:
		return core.UploadTask{}, ErrQueueClosed
	default:
	}

	select {
	case t := <-q.tasks:
		q.pending.Add(-1)
		// Shutdown wins a tie with a ready task.
		select {
		case <-q.done:
			q.unfinished.Done()
			return core.UploadTask{}, ErrQueueClosed
		default:
		}
		return t, nil
	case <-q.done:
		return core.UploadTask{}, ErrQueueClosed
	case <-ctx.Done():
		return core.UploadTask{}, ctx.Err()
	}
}

// TaskDone marks a task returned by Next as finished.
func (q *Queue) TaskDone() {
	q.unfinished.Done()
}

// Shutdown wakes the consumer and makes it stop taking tasks. Tasks still
// buffered are discarded. Safe to call more than once.
func (q *Queue) Shutdown() {
	q.shutdown.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		close(q.done)
		for {
			select {
			case <-q.tasks:
				q.pending.Add(-1)
				q.unfinished.Done()
			default:
				return
			}
		}
	})
}

// Wait blocks until every accepted task has been finished or discarded,
// or until timeout elapses. It reports whether the queue drained.
func (q *Queue) Wait(timeout time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		q.unfinished.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Len returns the number of buffered tasks.
func (q *Queue) Len() int { return int(q.pending.Load()) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.tasks) }

// Stats is a snapshot of queue counters.
type Stats struct {
	Len      int    `json:"len"`
	Cap      int    `json:"cap"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Len:      q.Len(),
		Cap:      q.Cap(),
		Accepted: q.accepted.Load(),
		Rejected: q.rejected.Load(),
	}
}
