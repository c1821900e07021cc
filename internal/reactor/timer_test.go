package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerFiresWithKind(t *testing.T) {
	task := NewTask()
	defer task.Shutdown()

	fired := make(chan TimerKind, 1)
	timer := NewTimer(task, func(kind TimerKind) { fired <- kind })
	timer.Reset(10*time.Millisecond, TimerIdle)

	select {
	case kind := <-fired:
		assert.Equal(t, TimerIdle, kind)
	case <-time.After(time.Second):
		require.Fail(t, "timer did not fire")
	}
}

func TestTimerResetCancelsPrevious(t *testing.T) {
	task := NewTask()
	defer task.Shutdown()

	fired := make(chan TimerKind, 2)
	timer := NewTimer(task, func(kind TimerKind) { fired <- kind })
	timer.Reset(5*time.Millisecond, TimerIdle)
	timer.Reset(50*time.Millisecond, TimerLife)

	select {
	case kind := <-fired:
		assert.Equal(t, TimerLife, kind, "only the second reset should fire")
	case <-time.After(time.Second):
		require.Fail(t, "timer did not fire")
	}

	select {
	case <-fired:
		require.Fail(t, "stale timer fired a second time")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestTimerStopPreventsFire(t *testing.T) {
	task := NewTask()
	defer task.Shutdown()

	fired := make(chan TimerKind, 1)
	timer := NewTimer(task, func(kind TimerKind) { fired <- kind })
	timer.Reset(10*time.Millisecond, TimerIdle)
	timer.Stop()

	select {
	case <-fired:
		require.Fail(t, "stopped timer must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}
