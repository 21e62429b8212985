package arbiter

import "github.com/dirtypool/dirtypool/internal/metrics"

// refreshMetricsLocked recomputes the worker/app gauges from current state.
// Callers must hold at least a.mu.RLock (or Lock).
func (a *Arbiter) refreshMetricsLocked() {
	byState := map[string]int{"starting": 0, "ready": 0, "draining": 0, "dead": 0}
	for _, w := range a.workers {
		byState[string(w.getState())]++
	}
	for state, count := range byState {
		metrics.WorkersTotal.WithLabelValues(state).Set(float64(count))
	}
	for appPath, pids := range a.workersByApp {
		metrics.AppWorkers.WithLabelValues(appPath).Set(float64(len(pids)))
	}
}
