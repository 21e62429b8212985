// Package arbiter implements the dirty pool supervisor: it spawns and
// monitors dirty worker processes, places apps onto them, routes incoming
// requests, and serves stash/control traffic on the pool's well-known
// Unix socket. It is the Go counterpart of
// original_source/gunicorn/dirty/arbiter.py, with asyncio's single event
// loop replaced by the mutex-guarded shared state shown in
// HackStrix-steel-infra-assessment/orchestrator/pool.go's Pool and
// session.go's SessionManager, and with os.fork() replaced by a re-exec of
// the arbiter's own binary under a worker-selecting environment variable
// (see spawn.go), since Go has no fork() equivalent that preserves a
// running goroutine scheduler.
package arbiter

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dirtypool/dirtypool/internal/apps"
	"github.com/dirtypool/dirtypool/internal/config"
	"github.com/dirtypool/dirtypool/internal/control"
	"github.com/dirtypool/dirtypool/internal/metrics"
	"github.com/dirtypool/dirtypool/internal/stash"
)

// RoleEnv is the environment variable the arbiter sets on a re-exec'd
// child to select worker mode instead of arbiter mode (cmd/dirtyarbiter
// checks this at startup).
const RoleEnv = "DIRTYPOOL_ROLE"

// RoleWorker is RoleEnv's value for a re-exec'd worker process.
const RoleWorker = "worker"

// Env vars carrying a worker's configuration across the re-exec boundary,
// since a freshly exec'd process starts with no shared memory.
const (
	EnvWorkerSocket  = "DIRTYPOOL_WORKER_SOCKET"
	EnvWorkerAge     = "DIRTYPOOL_WORKER_AGE"
	EnvWorkerApps    = "DIRTYPOOL_WORKER_APPS"
	EnvWorkerThreads = "DIRTYPOOL_WORKER_THREADS"
	EnvWorkerTimeout = "DIRTYPOOL_WORKER_TIMEOUT_SECONDS"
)

// connectTimeout bounds how long the arbiter waits for a freshly spawned
// worker's socket to come up (arbiter.py's _get_worker_connection waits 5s).
const connectTimeout = 5 * time.Second

// Arbiter supervises the dirty worker pool.
type Arbiter struct {
	cfg        config.Config
	logger     zerolog.Logger
	registry   *apps.Registry
	specs      []apps.Spec
	binaryPath string
	runDir     string

	socketPath string
	listener   net.Listener

	stash *stash.Store

	mu              sync.RWMutex
	workers         map[int]*workerProc // pid -> proc
	nextAge         int
	assignedCount   map[string]int // limited app path -> assigned worker count
	workersByApp    map[string][]int
	rrIndex         map[string]int
	targetCount     int
	pendingRespawns [][]string // FIFO of app sets freed by a worker exit, drained front-first on spawn

	shuttingDown bool
	stopOnce     sync.Once
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New constructs an Arbiter from cfg. It does not spawn any workers; call
// Run for that.
func New(cfg config.Config, logger zerolog.Logger) (*Arbiter, error) {
	specs, err := apps.ParseSpecs(cfg.DirtyApps)
	if err != nil {
		return nil, err
	}

	binaryPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("dirty arbiter: resolve own binary path: %w", err)
	}

	socketPath := cfg.SocketPath
	runDir, err := os.MkdirTemp("", "dirtypool-")
	if err != nil {
		return nil, fmt.Errorf("dirty arbiter: create run dir: %w", err)
	}
	if socketPath == "" {
		socketPath = filepath.Join(runDir, "arbiter.sock")
	}

	return &Arbiter{
		cfg:           cfg,
		logger:        logger,
		registry:      cfg.AppRegistry(),
		specs:         specs,
		binaryPath:    binaryPath,
		runDir:        runDir,
		socketPath:    socketPath,
		stash:         stash.New(),
		workers:       make(map[int]*workerProc),
		assignedCount: make(map[string]int),
		workersByApp:  make(map[string][]int),
		rrIndex:       make(map[string]int),
		targetCount:   cfg.DirtyWorkers,
		stopCh:        make(chan struct{}),
	}, nil
}

// SocketPath returns the control socket clients should dial.
func (a *Arbiter) SocketPath() string { return a.socketPath }

// Run starts the control listener, spawns the initial worker pool, and
// blocks serving connections and background maintenance loops until
// GracefulShutdown or ImmediateShutdown is called or ctx is canceled.
func (a *Arbiter) Run(ctx context.Context) error {
	metrics.Init()

	if a.cfg.OnStarting != nil {
		a.cfg.OnStarting(hookCtx{a.logger})
	}

	ln, err := net.Listen("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("dirty arbiter: listen %s: %w", a.socketPath, err)
	}
	if err := os.Chmod(a.socketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	a.listener = ln
	a.logger.Info().Str("socket", a.socketPath).Msg("dirty arbiter listening")

	a.ensureWorkerCount(a.targetCount)

	a.wg.Add(2)
	go a.acceptLoop(ctx)
	go a.healthCheckLoop(ctx)

	select {
	case <-ctx.Done():
		a.GracefulShutdown(a.cfg.DirtyGracefulTimeout)
	case <-a.stopCh:
	}
	a.wg.Wait()
	_ = os.RemoveAll(a.runDir)
	return nil
}

func (a *Arbiter) acceptLoop(ctx context.Context) {
	defer a.wg.Done()
	go func() {
		select {
		case <-ctx.Done():
		case <-a.stopCh:
		}
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serveClient(ctx, conn)
		}()
	}
}

// healthCheckLoop polls each worker's heartbeat and murders any worker
// whose last heartbeat is older than DirtyTimeout, mirroring the monitor
// loop reap_workers/murder_workers pairing in arbiter.py.
func (a *Arbiter) healthCheckLoop(ctx context.Context) {
	defer a.wg.Done()
	interval := a.cfg.DirtyTimeout / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.checkHeartbeats()
		}
	}
}

func (a *Arbiter) checkHeartbeats() {
	a.mu.RLock()
	procs := make([]*workerProc, 0, len(a.workers))
	for _, w := range a.workers {
		if w.getState() == control.WorkerReady {
			procs = append(procs, w)
		}
	}
	a.mu.RUnlock()

	for _, w := range procs {
		seen, err := w.pollHeartbeat(2 * time.Second)
		if err != nil {
			continue
		}
		if time.Since(seen) > a.cfg.DirtyTimeout {
			a.logger.Warn().Int("pid", w.pid).Msg("dirty worker heartbeat stale, murdering")
			metrics.WorkerTimeouts.Inc()
			a.murder(w)
		}
	}
}

// murder escalates SIGABRT then SIGKILL against a stalled worker,
// mirroring arbiter.py's murder_workers.
func (a *Arbiter) murder(w *workerProc) {
	w.setExitReason("timeout")
	w.signal(syscall.SIGABRT)
	time.AfterFunc(2*time.Second, w.kill)
}

type hookCtx struct{ logger zerolog.Logger }

func (h hookCtx) Logf(format string, args ...any) { h.logger.Info().Msgf(format, args...) }
