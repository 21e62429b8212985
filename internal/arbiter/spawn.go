package arbiter

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dirtypool/dirtypool/internal/control"
	"github.com/dirtypool/dirtypool/internal/metrics"
)

// ensureWorkerCount spawns or removes workers until the pool holds
// exactly target of them, mirroring arbiter.py's manage_workers.
func (a *Arbiter) ensureWorkerCount(target int) {
	a.mu.Lock()
	current := len(a.workers)
	a.targetCount = target
	a.mu.Unlock()

	for current < target {
		if err := a.spawnWorker(); err != nil {
			a.logger.Error().Err(err).Msg("failed to spawn dirty worker")
			break
		}
		current++
	}
	for current > target {
		a.removeOneWorker()
		current--
	}
}

// spawnWorker re-execs the arbiter's own binary in worker mode, waits for
// its socket to come up, and registers it in the pool. This replaces
// os.fork()+init_process() from arbiter.py's spawn_worker: Go processes
// cannot fork and keep a usable runtime, so the child is instead a fresh
// invocation of the same binary, told who to be via RoleEnv.
func (a *Arbiter) spawnWorker() error {
	a.mu.Lock()
	age := a.nextAge
	a.nextAge++
	appPaths := a.nextPlacementLocked()
	a.mu.Unlock()

	socketPath := filepath.Join(a.runDir, fmt.Sprintf("worker-%d.sock", age))

	cmd := exec.Command(a.binaryPath)
	cmd.Env = append(os.Environ(),
		RoleEnv+"="+RoleWorker,
		EnvWorkerSocket+"="+socketPath,
		EnvWorkerAge+"="+strconv.Itoa(age),
		EnvWorkerApps+"="+strings.Join(appPaths, ","),
		EnvWorkerThreads+"="+strconv.Itoa(a.cfg.DirtyThreads),
		EnvWorkerTimeout+"="+strconv.FormatFloat(a.cfg.DirtyTimeout.Seconds(), 'f', -1, 64),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("dirty arbiter: start worker process: %w", err)
	}

	proc := newWorkerProc(cmd.Process.Pid, age, cmd, socketPath, appPaths)

	a.mu.Lock()
	a.workers[proc.pid] = proc
	a.rebuildRoutingLocked()
	a.mu.Unlock()

	a.wg.Add(1)
	go a.monitorWorker(proc)

	if err := proc.connectWithRetry(connectTimeout); err != nil {
		a.logger.Error().Err(err).Int("pid", proc.pid).Msg("dirty worker failed to boot")
		proc.setExitReason("boot_error")
		proc.terminateIfRunning()
		return err
	}

	proc.setState(control.WorkerReady)
	a.logger.Info().Int("pid", proc.pid).Strs("apps", appPaths).Msg("dirty worker ready")

	if a.cfg.WorkerBoot != nil {
		a.cfg.WorkerBoot(hookCtx{a.logger})
	}
	return nil
}

// nextPlacementLocked decides the app set a newly spawned worker should
// load. It drains the front of pendingRespawns first if non-empty —
// failure-driven re-assignment takes priority over greedy fill, per
// spec.md §4.4's placement rule — falling through to the next queued set
// (or to a greedy placeApps fill once the queue is empty) if the front
// entry filters down to nothing. Caller must hold a.mu.
func (a *Arbiter) nextPlacementLocked() []string {
	for len(a.pendingRespawns) > 0 {
		set := a.pendingRespawns[0]
		a.pendingRespawns = a.pendingRespawns[1:]
		if placed := filterPlacement(a.specs, set, a.assignedCount); len(placed) > 0 {
			return placed
		}
	}
	return placeApps(a.specs, a.assignedCount)
}

// terminateIfRunning kills the worker's process if it's still alive,
// used when boot fails before the normal monitor/reap path takes over.
func (w *workerProc) terminateIfRunning() {
	w.kill()
}

// monitorWorker waits for the worker process to exit, then reaps it and
// triggers a respawn unless the pool is shutting down — mirroring
// arbiter.py's reap_workers followed by manage_workers re-filling the pool.
func (a *Arbiter) monitorWorker(proc *workerProc) {
	defer a.wg.Done()
	err := proc.cmd.Wait()

	reason := proc.getExitReason()
	if reason == "" {
		if err != nil {
			reason = "crashed"
		} else {
			reason = "exited"
		}
	}
	proc.setExitReason(reason)
	proc.setState(control.WorkerDead)
	proc.closeLink()
	close(proc.jobs)

	a.mu.Lock()
	delete(a.workers, proc.pid)
	releaseApps(a.specs, proc.appPaths, a.assignedCount)
	shuttingDown := a.shuttingDown
	if !shuttingDown && len(proc.appPaths) > 0 {
		a.pendingRespawns = append(a.pendingRespawns, append([]string(nil), proc.appPaths...))
	}
	a.rebuildRoutingLocked()
	target := a.targetCount
	current := len(a.workers)
	a.mu.Unlock()

	a.logger.Info().Int("pid", proc.pid).Str("reason", reason).Err(err).Msg("dirty worker exited")

	if a.cfg.WorkerExit != nil {
		a.cfg.WorkerExit(hookCtx{a.logger})
	}

	if !shuttingDown && current < target {
		metrics.WorkerRespawns.Inc()
		if err := a.spawnWorker(); err != nil {
			a.logger.Error().Err(err).Msg("failed to respawn dirty worker")
		}
	}
}

// removeOneWorker picks the youngest worker and asks it to drain and
// exit, the scale-down half of ensureWorkerCount.
func (a *Arbiter) removeOneWorker() {
	a.mu.Lock()
	var victim *workerProc
	for _, w := range a.workers {
		if victim == nil || w.age > victim.age {
			victim = w
		}
	}
	a.mu.Unlock()
	if victim == nil {
		return
	}
	victim.setState(control.WorkerDraining)
	victim.setExitReason("scaled_down")
	victim.signal(os.Interrupt)
}

// minWorkerFloor returns the smallest target pool size that can legally
// host every currently configured limited app spec: at least one worker,
// and at least as many as the largest per-app worker limit, mirroring
// arbiter.py's implicit floor of "enough workers to host every limited
// app" that a SIGTTOU can never shrink past.
func (a *Arbiter) minWorkerFloor() int {
	floor := 1
	for _, spec := range a.specs {
		if !spec.Unlimited() && spec.WorkerLimit > floor {
			floor = spec.WorkerLimit
		}
	}
	return floor
}

// AddWorkers grows the pool's target size by n.
func (a *Arbiter) AddWorkers(n int) {
	a.mu.RLock()
	target := a.targetCount + n
	a.mu.RUnlock()
	a.ensureWorkerCount(target)
}

// RemoveWorkers shrinks the pool's target size by n, floored at
// max(1, max(limited worker_count)) so a SIGTTOU can never shrink the
// pool below what's needed to host every limited app — the Go
// counterpart of gunicorn's SIGTTOU handler.
func (a *Arbiter) RemoveWorkers(n int) {
	a.mu.RLock()
	target := a.targetCount - n
	a.mu.RUnlock()

	floor := a.minWorkerFloor()
	if target < floor {
		a.logger.Warn().Int("requested", target).Int("floor", floor).
			Msg("dirty pool: TTOU cannot shrink below the limited-app worker floor")
		target = floor
	}
	a.ensureWorkerCount(target)
}

// KillWorker forcibly terminates a specific worker by pid.
func (a *Arbiter) KillWorker(pid int) error {
	a.mu.RLock()
	w, ok := a.workers[pid]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dirty arbiter: no worker with pid %d", pid)
	}
	w.setExitReason("killed")
	w.kill()
	return nil
}

// Reload tells every worker to exit and be respawned with the arbiter's
// current app specs, mirroring arbiter.py's reload().
func (a *Arbiter) Reload() {
	if a.cfg.OnReload != nil {
		a.cfg.OnReload(hookCtx{a.logger})
	}
	a.mu.RLock()
	workers := make([]*workerProc, 0, len(a.workers))
	for _, w := range a.workers {
		workers = append(workers, w)
	}
	a.mu.RUnlock()
	for _, w := range workers {
		w.setExitReason("reload")
		w.signal(os.Interrupt)
	}
}

// GracefulShutdown asks every worker to stop, waits up to timeout for them
// to exit on their own, then escalates to SIGKILL — mirroring arbiter.py's
// stop(graceful=True).
func (a *Arbiter) GracefulShutdown(timeout time.Duration) {
	a.beginShutdown()

	a.mu.RLock()
	workers := make([]*workerProc, 0, len(a.workers))
	for _, w := range a.workers {
		workers = append(workers, w)
	}
	a.mu.RUnlock()

	for _, w := range workers {
		w.setExitReason("graceful")
		w.signal(os.Interrupt)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		a.mu.RLock()
		remaining := len(a.workers)
		a.mu.RUnlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			a.mu.RLock()
			leftover := make([]*workerProc, 0, len(a.workers))
			for _, w := range a.workers {
				leftover = append(leftover, w)
			}
			a.mu.RUnlock()
			for _, w := range leftover {
				w.kill()
			}
			goto done
		case <-ticker.C:
		}
	}
done:
	a.finishShutdown()
}

// ImmediateShutdown kills every worker without waiting, mirroring
// arbiter.py's stop(graceful=False).
func (a *Arbiter) ImmediateShutdown() {
	a.beginShutdown()
	a.mu.RLock()
	workers := make([]*workerProc, 0, len(a.workers))
	for _, w := range a.workers {
		workers = append(workers, w)
	}
	a.mu.RUnlock()
	for _, w := range workers {
		w.setExitReason("killed")
		w.kill()
	}
	a.finishShutdown()
}

func (a *Arbiter) beginShutdown() {
	a.mu.Lock()
	a.shuttingDown = true
	a.mu.Unlock()
}

func (a *Arbiter) finishShutdown() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
