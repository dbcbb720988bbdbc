package sfu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// taskQueueSize bounds each worker's pending task queue. Submissions beyond
// it fail fast with ErrWorkerTooBusy instead of queueing without limit.
const taskQueueSize = 128

// task is one unit of media work executed on a worker's goroutine.
type task func()

// worker is a single execution context of the media engine. Every
// participant is pinned to one worker at first touch and all of its
// transports, producers and consumers are created there, so per-participant
// setup is serialized without locks around the pion objects.
type worker struct {
	id        int
	queue     chan task
	closing   chan struct{}
	closeOnce sync.Once
}

func newWorker(id int) *worker {
	return &worker{
		id:      id,
		queue:   make(chan task, taskQueueSize),
		closing: make(chan struct{}),
	}
}

// loop drains the task queue until the worker is closed. A panicking task
// is converted into an error return; the engine treats any non-nil return
// as worker death and fails the whole process.
func (w *worker) loop() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sfu: worker %d died: %v", w.id, r)
		}
	}()

	for {
		select {
		case t := <-w.queue:
			t()
		case <-w.closing:
			// Drain what was accepted before close so submitted tasks
			// cannot strand their waiters.
			for {
				select {
				case t := <-w.queue:
					t()
				default:
					return nil
				}
			}
		}
	}
}

// close stops the loop after the queue drains. Idempotent.
func (w *worker) close() {
	w.closeOnce.Do(func() {
		close(w.closing)
	})
}

// perform runs fn on the worker goroutine and waits for its result.
func (w *worker) perform(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	t := func() { res <- fn() }

	// Checked on its own first: a combined select would pick at random
	// between a closed worker and a free queue slot.
	select {
	case <-w.closing:
		return ErrWorkerClosed
	default:
	}

	select {
	case <-w.closing:
		return ErrWorkerClosed
	case w.queue <- t:
	default:
		return ErrWorkerTooBusy
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poolSize is the engine's worker count: one per CPU, capped at four.
func poolSize() int {
	n := runtime.NumCPU()
	if n > 4 {
		return 4
	}
	if n < 1 {
		return 1
	}
	return n
}
