package reactor

import (
	"sync"
	"time"
)

// TimerKind distinguishes the two timers a client runs: an idle timer that
// closes a connection with nothing outstanding, and a life timer that bounds
// the total time a connection may stay open regardless of activity.
type TimerKind int

const (
	// TimerIdle fires when the interval it was last armed with has elapsed;
	// client activity does not re-arm it.
	TimerIdle TimerKind = iota
	// TimerLife fires when a client has been alive for its configured
	// maximum lifetime, independent of activity.
	TimerLife
)

// Timer fires a callback on a Task after a delay, the way a client's idle
// and life timers do. Resetting a Timer cancels any pending fire.
type Timer struct {
	task *Task
	cb   func(TimerKind)

	mu    sync.Mutex
	inner *time.Timer
}

// NewTimer creates a Timer bound to task; cb runs on task's goroutine.
func NewTimer(task *Task, cb func(TimerKind)) *Timer {
	return &Timer{task: task, cb: cb}
}

// Reset cancels any pending fire and schedules a new one for d from now,
// tagged with kind so the callback can tell which timer fired.
func (t *Timer) Reset(d time.Duration, kind TimerKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inner != nil {
		t.inner.Stop()
	}
	t.inner = time.AfterFunc(d, func() {
		t.task.Post(func() { t.cb(kind) })
	})
}

// Stop cancels any pending fire without scheduling a replacement.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inner != nil {
		t.inner.Stop()
		t.inner = nil
	}
}
