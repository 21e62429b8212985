package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThreadPoolRunsAllSubmittedTasks(t *testing.T) {
	pool := newThreadPool(4)
	defer pool.Dispose()

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		pool.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted tasks to run")
	}

	assert.Len(t, seen, 20)
}

func TestThreadPoolDisposeIsIdempotent(t *testing.T) {
	pool := newThreadPool(2)
	pool.Dispose()
	assert.NotPanics(t, pool.Dispose)
}

func TestThreadPoolNeverExceedsMaxSize(t *testing.T) {
	pool := newThreadPool(3)
	defer pool.Dispose()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, pool.workerCount, 3)
}
