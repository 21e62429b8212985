package arbiter

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/dirtypool/dirtypool/internal/apps"
	"github.com/dirtypool/dirtypool/internal/control"
)

func newTestArbiterForScaling(workers ...*workerProc) *Arbiter {
	a := &Arbiter{
		logger:        zerolog.Nop(),
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

// TestMinWorkerFloorNeverBelowLargestLimitedSpec is spec.md's TTOU-floor
// edge case: dirty_apps=["heavy:Heavy:3"] must never let the pool shrink
// below 3 workers.
func TestMinWorkerFloorNeverBelowLargestLimitedSpec(t *testing.T) {
	a := newTestArbiterForScaling()
	a.specs = []apps.Spec{{ImportPath: "heavy:Heavy", WorkerLimit: 3}}
	assert.Equal(t, 3, a.minWorkerFloor())
}

func TestMinWorkerFloorDefaultsToOneWithNoLimitedSpecs(t *testing.T) {
	a := newTestArbiterForScaling()
	a.specs = []apps.Spec{{ImportPath: "examples.apps:ChatApp"}}
	assert.Equal(t, 1, a.minWorkerFloor())
}

func TestMinWorkerFloorTakesLargestAcrossSpecs(t *testing.T) {
	a := newTestArbiterForScaling()
	a.specs = []apps.Spec{
		{ImportPath: "a:A", WorkerLimit: 2},
		{ImportPath: "b:B", WorkerLimit: 5},
	}
	assert.Equal(t, 5, a.minWorkerFloor())
}

// TestNextPlacementLockedDrainsPendingRespawnsFIFO is the reviewer's
// concurrent-multi-crash counterexample: two workers hosting different
// limited apps exit around the same time, pushing one app set each onto
// pendingRespawns. Greedy recomputation over assignedCount alone can
// bundle both apps onto the first respawn and leave the second with
// nothing; draining the FIFO front-first instead gives each respawn back
// exactly the app set its predecessor lost.
func TestNextPlacementLockedDrainsPendingRespawnsFIFO(t *testing.T) {
	a := newTestArbiterForScaling()
	a.specs = []apps.Spec{
		{ImportPath: "heavy:Heavy", WorkerLimit: 1},
		{ImportPath: "lite:Lite", WorkerLimit: 1},
	}
	a.pendingRespawns = [][]string{{"heavy:Heavy"}, {"lite:Lite"}}

	first := a.nextPlacementLocked()
	assert.Equal(t, []string{"heavy:Heavy"}, first)

	second := a.nextPlacementLocked()
	assert.Equal(t, []string{"lite:Lite"}, second)

	assert.Empty(t, a.pendingRespawns)
}

// TestNextPlacementLockedFallsThroughStaleEntry covers a pendingRespawns
// entry that no longer filters to anything (its app was dropped from
// specs by a reload): nextPlacementLocked must move on to the next queued
// set instead of returning an empty placement while work remains queued.
func TestNextPlacementLockedFallsThroughStaleEntry(t *testing.T) {
	a := newTestArbiterForScaling()
	a.specs = []apps.Spec{{ImportPath: "lite:Lite", WorkerLimit: 1}}
	a.pendingRespawns = [][]string{{"removed:Removed"}, {"lite:Lite"}}

	placed := a.nextPlacementLocked()
	assert.Equal(t, []string{"lite:Lite"}, placed)
}

// TestNextPlacementLockedFallsBackToGreedyFillWhenQueueEmpty confirms the
// queue-empty path still reaches the ordinary greedy placeApps fill.
func TestNextPlacementLockedFallsBackToGreedyFillWhenQueueEmpty(t *testing.T) {
	a := newTestArbiterForScaling()
	a.specs = []apps.Spec{{ImportPath: "examples.apps:ChatApp"}}

	placed := a.nextPlacementLocked()
	assert.Equal(t, []string{"examples.apps:ChatApp"}, placed)
}

// TestRemoveOneWorkerPicksYoungest mirrors spec.md's explicit
// "killed youngest-first" scale-down rule.
func TestRemoveOneWorkerPicksYoungest(t *testing.T) {
	old := testWorker(1, 0, control.WorkerReady, "examples.apps:ChatApp")
	young := testWorker(2, 5, control.WorkerReady, "examples.apps:ChatApp")
	a := newTestArbiterForScaling(old, young)

	a.removeOneWorker()

	assert.Equal(t, control.WorkerDraining, young.getState())
	assert.Equal(t, control.WorkerReady, old.getState())
}
