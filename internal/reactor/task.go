// Package reactor provides the concurrency primitives the client subsystem
// is built on: a serialized per-client event queue (Task), timers bound to
// that queue, and async wrappers around UDP/TCP I/O that always resume on
// the task rather than on whatever goroutine completed the I/O.
//
// Every event a client reacts to - a read completing, a timer firing, a send
// finishing - is delivered as a closure posted to that client's Task. Because
// a Task runs its queue on exactly one goroutine at a time, client code never
// needs its own lock: at most one event is ever "in" a client at once.
package reactor

import "sync"

// Event is a unit of work run on a Task's goroutine.
type Event func()

// defaultQueueSize is generous enough that Post from a background I/O
// goroutine essentially never blocks on a healthy client.
const defaultQueueSize = 32

// Task is a single-goroutine serialized executor. All events posted to a
// Task run one at a time, in post order, on the same goroutine - the
// property the client state machine depends on to avoid per-client locks.
type Task struct {
	events chan Event

	mu         sync.Mutex
	shutdownCB []func()
	shutdown   bool
}

// NewTask starts a Task's event loop goroutine and returns the handle used
// to post work to it.
func NewTask() *Task {
	t := &Task{events: make(chan Event, defaultQueueSize)}
	go t.run()
	return t
}

func (t *Task) run() {
	for ev := range t.events {
		ev()
	}
}

// Post enqueues ev to run on the task's goroutine. Safe to call from any
// goroutine, including the task's own. Returns false if the task has already
// been shut down and ev was discarded.
func (t *Task) Post(ev Event) bool {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	t.events <- ev
	return true
}

// OnShutdown registers a callback to run, in registration order, as the
// final events processed before the task's queue is closed. Intended to be
// called once at task creation time (e.g. by a Client registering its own
// destroy routine), not concurrently with Shutdown.
func (t *Task) OnShutdown(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdownCB = append(t.shutdownCB, cb)
}

// Shutdown posts a final event that runs every registered shutdown callback
// and then stops the task's goroutine. Events posted after Shutdown is
// called are silently dropped by Post; the shutdown callbacks themselves may
// still post further work (e.g. to other tasks) from within the task.
func (t *Task) Shutdown() {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.shutdown = true
	t.mu.Unlock()

	t.events <- func() {
		t.mu.Lock()
		cbs := t.shutdownCB
		t.mu.Unlock()
		for _, cb := range cbs {
			cb()
		}
		close(t.events)
	}
}
