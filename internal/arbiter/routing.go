package arbiter

// rebuildRoutingLocked recomputes workersByApp from the current worker
// set. Callers must hold a.mu for writing. Workers are ordered by age so
// round-robin routing stays stable as new workers join at the end.
func (a *Arbiter) rebuildRoutingLocked() {
	byApp := make(map[string][]int)
	for pid, w := range a.workers {
		for _, appPath := range w.appPaths {
			byApp[appPath] = append(byApp[appPath], pid)
		}
	}
	for _, pids := range byApp {
		sortByAge(pids, a.workers)
	}
	a.workersByApp = byApp
	a.refreshMetricsLocked()
}

func sortByAge(pids []int, workers map[int]*workerProc) {
	for i := 1; i < len(pids); i++ {
		for j := i; j > 0 && workers[pids[j]].age < workers[pids[j-1]].age; j-- {
			pids[j], pids[j-1] = pids[j-1], pids[j]
		}
	}
}

// pickWorker selects the next worker to route a request for appPath to,
// round-robin over the ready workers hosting that app. It is the Go
// resolution of arbiter.py's route_request, which the Python original
// left as "pick the first worker" with a "Future: implement load
// balancing" comment — this module implements that load balancing.
func (a *Arbiter) pickWorker(appPath string) (*workerProc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pids := a.workersByApp[appPath]
	if len(pids) == 0 {
		return nil, false
	}

	start := a.rrIndex[appPath]
	for i := 0; i < len(pids); i++ {
		idx := (start + i) % len(pids)
		pid := pids[idx]
		w, ok := a.workers[pid]
		if !ok || w.getState() != "ready" {
			continue
		}
		a.rrIndex[appPath] = (idx + 1) % len(pids)
		return w, true
	}
	return nil, false
}
