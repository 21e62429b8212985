package arbiter

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirtypool/dirtypool/internal/client"
	"github.com/dirtypool/dirtypool/internal/config"
	"github.com/dirtypool/dirtypool/internal/worker"

	_ "github.com/dirtypool/dirtypool/examples/apps"
)

// TestMain lets this test binary re-exec itself as a dirty worker, the same
// trick cmd/dirtyarbiter's dual-role main() uses, so Arbiter.spawnWorker's
// os.Executable()-based re-exec has a real worker to talk to without a
// separate compiled binary. Mirrors the os/exec package's own
// TestHelperProcess convention for driving real child processes in tests.
func TestMain(m *testing.M) {
	if os.Getenv(RoleEnv) == RoleWorker {
		runTestWorker()
		return
	}
	os.Exit(m.Run())
}

func runTestWorker() {
	socketPath := os.Getenv(EnvWorkerSocket)
	age, _ := strconv.Atoi(os.Getenv(EnvWorkerAge))
	threads, _ := strconv.Atoi(os.Getenv(EnvWorkerThreads))
	timeoutSecs, _ := strconv.ParseFloat(os.Getenv(EnvWorkerTimeout), 64)
	var appPaths []string
	if raw := os.Getenv(EnvWorkerApps); raw != "" {
		appPaths = strings.Split(raw, ",")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGABRT)
	defer stop()

	w := worker.New(worker.Options{
		Age:        age,
		SocketPath: socketPath,
		AppPaths:   appPaths,
		Threads:    threads,
		Timeout:    time.Duration(timeoutSecs * float64(time.Second)),
		Logger:     logger,
	})

	if err := w.LoadApps(ctx); err != nil {
		os.Exit(3)
	}
	if err := w.Run(ctx); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func newTestConfig(t *testing.T, workers int) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DirtyApps = []string{"examples.apps:CounterApp"}
	cfg.DirtyWorkers = workers
	cfg.DirtyThreads = 2
	cfg.DirtyTimeout = 2 * time.Second
	cfg.DirtyGracefulTimeout = 2 * time.Second
	return cfg
}

// waitForWorkerCount polls the arbiter's live worker set until it reaches n
// or the deadline passes, since spawning re-exec'd OS processes is
// inherently asynchronous from the test's perspective.
func waitForWorkerCount(t *testing.T, a *Arbiter, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		a.mu.RLock()
		count := len(a.workers)
		a.mu.RUnlock()
		if count == n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for worker count %d", n)
}

func anyWorkerPID(t *testing.T, a *Arbiter) int {
	t.Helper()
	a.mu.RLock()
	defer a.mu.RUnlock()
	for pid := range a.workers {
		return pid
	}
	t.Fatal("no workers present")
	return 0
}

func TestArbiterSpawnsAndRoutesToRealWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real OS processes")
	}

	logger := zerolog.New(zerolog.NewTestWriter(t))
	a, err := New(newTestConfig(t, 1), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitForWorkerCount(t, a, 1, 10*time.Second)

	w, ok := a.pickWorker("examples.apps:CounterApp")
	require.True(t, ok)
	assert.Equal(t, "ready", string(w.getState()))
}

func TestArbiterRespawnsAfterWorkerCrash(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real OS processes")
	}

	logger := zerolog.New(zerolog.NewTestWriter(t))
	a, err := New(newTestConfig(t, 1), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitForWorkerCount(t, a, 1, 10*time.Second)
	firstPID := anyWorkerPID(t, a)

	require.NoError(t, a.KillWorker(firstPID))

	// The killed worker's slot should be reaped and a fresh one spawned to
	// refill the pool's target count, landing on a different pid.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.RLock()
		_, stillThere := a.workers[firstPID]
		count := len(a.workers)
		a.mu.RUnlock()
		if !stillThere && count == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for dirty worker respawn after kill")
}

// TestArbiterStreamsChatAppRepliesThroughRealWorker exercises the full
// client-to-worker round trip a unit test can't: a real client.Stream call
// against a real Arbiter routing to a re-exec'd worker hosting ChatApp's
// streaming "reply" action. It runs the call twice on the same pid so a
// link left mid-response by the first call (the regression this guards
// against — linkLoop forwarding only the first CHUNK and leaving END
// unread on the wire) would desync the second call's chunk sequence.
func TestArbiterStreamsChatAppRepliesThroughRealWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real OS processes")
	}

	logger := zerolog.New(zerolog.NewTestWriter(t))
	cfg := newTestConfig(t, 1)
	cfg.DirtyApps = []string{"examples.apps:ChatApp"}
	a, err := New(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitForWorkerCount(t, a, 1, 10*time.Second)

	c := client.New(a.SocketPath(), 5*time.Second)
	defer c.Close()

	streamPrompt := func(prompt string) []string {
		items, err := c.Stream(context.Background(), "examples.apps:ChatApp", "reply", nil, map[string]any{"prompt": prompt})
		require.NoError(t, err)
		var got []string
		for item := range items {
			require.NoError(t, item.Err)
			s, ok := item.Value.(string)
			require.True(t, ok, "expected string chunk, got %T", item.Value)
			got = append(got, s)
		}
		return got
	}

	assert.Equal(t, []string{"echo", ":", "world"}, streamPrompt("world"))
	assert.Equal(t, []string{"echo", ":", "again"}, streamPrompt("again"))
}

func TestArbiterGracefulShutdownStopsAllWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real OS processes")
	}

	logger := zerolog.New(zerolog.NewTestWriter(t))
	a, err := New(newTestConfig(t, 2), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	waitForWorkerCount(t, a, 2, 10*time.Second)

	a.GracefulShutdown(2 * time.Second)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("arbiter did not stop after graceful shutdown")
	}

	a.mu.RLock()
	remaining := len(a.workers)
	a.mu.RUnlock()
	assert.Equal(t, 0, remaining)
}
