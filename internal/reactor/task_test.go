package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunsEventsInOrder(t *testing.T) {
	task := NewTask()
	defer task.Shutdown()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := range 5 {
		n := i
		task.Post(func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
		})
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTaskShutdownRunsCallbacksOnce(t *testing.T) {
	task := NewTask()

	var calls int
	var mu sync.Mutex
	task.OnShutdown(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	done := make(chan struct{})
	task.Post(func() {})
	task.Shutdown()
	go func() {
		// Give the shutdown event a chance to run.
		time.Sleep(50 * time.Millisecond)
		close(done)
	}()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestTaskPostAfterShutdownIsDropped(t *testing.T) {
	task := NewTask()
	task.Shutdown()
	time.Sleep(20 * time.Millisecond)

	ok := task.Post(func() {
		t.Fatal("event posted after shutdown must not run")
	})
	assert.False(t, ok)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		require.Fail(t, "timed out waiting for events")
	}
}
