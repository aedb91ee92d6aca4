// Package executor provides the single-threaded task queue that backs
// every Connection (a Session's delivery-dispatch worker is the separate
// dispatcher type in session.go): one goroutine draining a FIFO held in a
// 64-entry buffered channel, plus time.AfterFunc for the "scheduled
// delay facility" rather than a hand-rolled delay-queue. The queue is not
// unbounded: Run blocks the submitting goroutine while 64 tasks are
// already waiting.
package executor

import (
	"sync/atomic"
	"time"
)

// Executor runs every submitted function on a single goroutine, in the
// order submitted. It is the serialization boundary this module relies
// on: all mutable state owned by the executor's caller must only be
// touched from inside a submitted function.
type Executor struct {
	tasks  chan func()
	closed atomic.Bool
	done   chan struct{}
}

// New creates and starts an Executor. Close or Shutdown must be called
// at least once to stop its worker goroutine; further calls are no-ops.
func New() *Executor {
	e := &Executor{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for fn := range e.tasks {
		fn()
	}
}

// Run enqueues fn to execute on the worker goroutine. It never blocks on
// fn's execution; it returns false without running fn if the executor is
// already closed.
func (e *Executor) Run(fn func()) (submitted bool) {
	if e.closed.Load() {
		return false
	}
	defer func() {
		// a Close racing this Run may close the channel between the
		// Load above and this send; recover rather than panic, matching
		// the "post-close submissions are silently dropped" contract.
		if recover() != nil {
			submitted = false
		}
	}()
	select {
	case e.tasks <- fn:
		return true
	case <-e.done:
		return false
	}
}

// Schedule runs fn on the worker goroutine after d elapses, unless
// cancelled first. It returns a cancel function; calling it after fn has
// already fired is a no-op.
func (e *Executor) Schedule(d time.Duration, fn func()) (cancel func()) {
	timer := time.AfterFunc(d, func() { e.Run(fn) })
	return func() { timer.Stop() }
}

// Close stops accepting new work and waits for the worker goroutine to
// drain and exit. It is idempotent. Close must never be called from a
// function running on the executor's own worker goroutine — the wait
// below would then block on itself forever. A task that wants to stop
// its own executor must call Shutdown instead.
func (e *Executor) Close() {
	e.Shutdown()
	<-e.done
}

// Shutdown stops accepting new work without waiting for the worker
// goroutine to exit, so it is safe to call from a task running on the
// worker itself: the goroutine drains and exits once the calling task
// returns. It is idempotent. Callers that need to wait for the worker to
// actually exit should select on Done() from a different goroutine.
func (e *Executor) Shutdown() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.tasks)
	}
}

// Done returns a channel closed once the worker goroutine has exited.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}
