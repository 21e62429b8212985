package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dirtypool/dirtypool/internal/apps"
)

func TestPlaceAppsUnlimitedAlwaysIncluded(t *testing.T) {
	specs := []apps.Spec{{ImportPath: "examples.apps:ChatApp"}}
	assigned := map[string]int{}

	for i := 0; i < 3; i++ {
		placed := placeApps(specs, assigned)
		assert.Equal(t, []string{"examples.apps:ChatApp"}, placed)
	}
	assert.Empty(t, assigned)
}

func TestPlaceAppsLimitedStopsAtLimit(t *testing.T) {
	specs := []apps.Spec{{ImportPath: "examples.apps:TaskApp", WorkerLimit: 2}}
	assigned := map[string]int{}

	first := placeApps(specs, assigned)
	second := placeApps(specs, assigned)
	third := placeApps(specs, assigned)

	assert.Equal(t, []string{"examples.apps:TaskApp"}, first)
	assert.Equal(t, []string{"examples.apps:TaskApp"}, second)
	assert.Empty(t, third)
	assert.Equal(t, 2, assigned["examples.apps:TaskApp"])
}

func TestReleaseAppsAllowsRePlacement(t *testing.T) {
	specs := []apps.Spec{{ImportPath: "examples.apps:TaskApp", WorkerLimit: 1}}
	assigned := map[string]int{}

	placed := placeApps(specs, assigned)
	assert.Equal(t, []string{"examples.apps:TaskApp"}, placed)
	assert.Equal(t, 1, assigned["examples.apps:TaskApp"])

	blocked := placeApps(specs, assigned)
	assert.Empty(t, blocked)

	releaseApps(specs, placed, assigned)
	assert.Equal(t, 0, assigned["examples.apps:TaskApp"])

	rePlaced := placeApps(specs, assigned)
	assert.Equal(t, []string{"examples.apps:TaskApp"}, rePlaced)
}

func TestReleaseAppsIgnoresUnlimitedSpecs(t *testing.T) {
	specs := []apps.Spec{{ImportPath: "examples.apps:ChatApp"}}
	assigned := map[string]int{}
	releaseApps(specs, []string{"examples.apps:ChatApp"}, assigned)
	assert.Empty(t, assigned)
}

func TestReleaseAppsNeverGoesNegative(t *testing.T) {
	specs := []apps.Spec{{ImportPath: "examples.apps:TaskApp", WorkerLimit: 1}}
	assigned := map[string]int{}
	releaseApps(specs, []string{"examples.apps:TaskApp"}, assigned)
	assert.Equal(t, 0, assigned["examples.apps:TaskApp"])
}

func TestFilterPlacementKeepsSetWhenCapacityAvailable(t *testing.T) {
	specs := []apps.Spec{{ImportPath: "examples.apps:TaskApp", WorkerLimit: 2}}
	assigned := map[string]int{}
	placed := filterPlacement(specs, []string{"examples.apps:TaskApp"}, assigned)
	assert.Equal(t, []string{"examples.apps:TaskApp"}, placed)
	assert.Equal(t, 1, assigned["examples.apps:TaskApp"])
}

func TestFilterPlacementDropsAppRemovedFromSpecs(t *testing.T) {
	specs := []apps.Spec{{ImportPath: "examples.apps:ChatApp"}}
	assigned := map[string]int{}
	placed := filterPlacement(specs, []string{"examples.apps:TaskApp"}, assigned)
	assert.Empty(t, placed)
}

func TestFilterPlacementDropsAppAtCapacity(t *testing.T) {
	specs := []apps.Spec{{ImportPath: "examples.apps:TaskApp", WorkerLimit: 1}}
	assigned := map[string]int{"examples.apps:TaskApp": 1}
	placed := filterPlacement(specs, []string{"examples.apps:TaskApp"}, assigned)
	assert.Empty(t, placed)
}
