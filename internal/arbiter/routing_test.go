package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirtypool/dirtypool/internal/control"
)

func newTestArbiterWithWorkers(workers ...*workerProc) *Arbiter {
	a := &Arbiter{
		workers:       make(map[int]*workerProc),
		assignedCount: make(map[string]int),
		workersByApp:  make(map[string][]int),
		rrIndex:       make(map[string]int),
	}
	for _, w := range workers {
		a.workers[w.pid] = w
	}
	a.rebuildRoutingLocked()
	return a
}

func testWorker(pid, age int, state control.WorkerState, appPaths ...string) *workerProc {
	w := newWorkerProc(pid, age, nil, "", appPaths)
	w.setState(state)
	return w
}

func TestPickWorkerRoundRobins(t *testing.T) {
	w1 := testWorker(1, 0, control.WorkerReady, "examples.apps:CounterApp")
	w2 := testWorker(2, 1, control.WorkerReady, "examples.apps:CounterApp")
	a := newTestArbiterWithWorkers(w1, w2)

	first, ok := a.pickWorker("examples.apps:CounterApp")
	require.True(t, ok)
	second, ok := a.pickWorker("examples.apps:CounterApp")
	require.True(t, ok)
	third, ok := a.pickWorker("examples.apps:CounterApp")
	require.True(t, ok)

	assert.Equal(t, w1.pid, first.pid)
	assert.Equal(t, w2.pid, second.pid)
	assert.Equal(t, w1.pid, third.pid)
}

func TestPickWorkerSkipsNonReady(t *testing.T) {
	w1 := testWorker(1, 0, control.WorkerDraining, "examples.apps:CounterApp")
	w2 := testWorker(2, 1, control.WorkerReady, "examples.apps:CounterApp")
	a := newTestArbiterWithWorkers(w1, w2)

	picked, ok := a.pickWorker("examples.apps:CounterApp")
	require.True(t, ok)
	assert.Equal(t, w2.pid, picked.pid)
}

func TestPickWorkerNoWorkersForApp(t *testing.T) {
	a := newTestArbiterWithWorkers()
	_, ok := a.pickWorker("examples.apps:CounterApp")
	assert.False(t, ok)
}

func TestRebuildRoutingOrdersByAge(t *testing.T) {
	w2 := testWorker(2, 5, control.WorkerReady, "examples.apps:ChatApp")
	w1 := testWorker(1, 1, control.WorkerReady, "examples.apps:ChatApp")
	a := newTestArbiterWithWorkers(w2, w1)

	assert.Equal(t, []int{1, 2}, a.workersByApp["examples.apps:ChatApp"])
}
