package arbiter

import "github.com/dirtypool/dirtypool/internal/apps"

// placeApps decides which app import paths a newly spawned worker should
// load, given the already-assigned counts for worker-limited specs.
// Unlimited specs are always included; a limited spec is included only
// while its assigned count is still under its WorkerLimit. assigned is
// mutated in place to record the new worker's picks.
//
// This is the Go resolution of the "Dynamic dispatch" design note: gunicorn
// lets every worker import every configured app unconditionally unless the
// app declares a `workers` class attribute; we keep that same bias here.
func placeApps(specs []apps.Spec, assigned map[string]int) []string {
	placed := make([]string, 0, len(specs))
	for _, spec := range specs {
		if spec.Unlimited() {
			placed = append(placed, spec.ImportPath)
			continue
		}
		if assigned[spec.ImportPath] < spec.WorkerLimit {
			assigned[spec.ImportPath]++
			placed = append(placed, spec.ImportPath)
		}
	}
	return placed
}

// releaseApps decrements assigned's counters for every limited spec the
// exiting worker had loaded, so the next spawn can re-place it.
func releaseApps(specs []apps.Spec, appPaths []string, assigned map[string]int) {
	limited := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if !spec.Unlimited() {
			limited[spec.ImportPath] = true
		}
	}
	for _, path := range appPaths {
		if limited[path] && assigned[path] > 0 {
			assigned[path]--
		}
	}
}

// filterPlacement re-validates a pending-respawn app set (the exact apps a
// just-exited worker hosted) against the specs and assigned counts current
// at respawn time, rather than force-placing it verbatim: a spec removed by
// a reload since the exit, or a limited spec another respawn has since
// filled, drops that app from the set instead of overcommitting it.
func filterPlacement(specs []apps.Spec, set []string, assigned map[string]int) []string {
	byPath := make(map[string]apps.Spec, len(specs))
	for _, spec := range specs {
		byPath[spec.ImportPath] = spec
	}
	placed := make([]string, 0, len(set))
	for _, path := range set {
		spec, ok := byPath[path]
		if !ok {
			continue
		}
		if spec.Unlimited() {
			placed = append(placed, path)
			continue
		}
		if assigned[path] < spec.WorkerLimit {
			assigned[path]++
			placed = append(placed, path)
		}
	}
	return placed
}
