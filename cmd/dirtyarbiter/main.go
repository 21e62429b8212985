// Command dirtyarbiter is the demo host binary for the dirty worker pool.
// Invoked normally, it runs the supervisor: it loads a YAML pool config,
// spawns the worker pool, and serves the control/metrics surface until
// terminated. Re-invoked with DIRTYPOOL_ROLE=worker (which the arbiter
// itself sets when spawning workers — see internal/arbiter/spawn.go), the
// same binary instead runs a single dirty worker process and exits when
// told to. This dual-role re-exec stands in for gunicorn's os.fork() in
// arbiter.py, adapted from
// HackStrix-steel-infra-assessment/orchestrator/main.go's flag-driven
// startup sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/dirtypool/dirtypool/internal/arbiter"
	"github.com/dirtypool/dirtypool/internal/config"
	"github.com/dirtypool/dirtypool/internal/log"
	"github.com/dirtypool/dirtypool/internal/metrics"
	"github.com/dirtypool/dirtypool/internal/worker"

	_ "github.com/dirtypool/dirtypool/examples/apps"
)

// fileConfig is the on-disk YAML shape for the demo host's pool config.
type fileConfig struct {
	SocketPath           string   `yaml:"socket_path"`
	DirtyApps            []string `yaml:"dirty_apps"`
	DirtyWorkers         int      `yaml:"dirty_workers"`
	DirtyThreads         int      `yaml:"dirty_threads"`
	DirtyTimeoutSeconds  float64  `yaml:"dirty_timeout_seconds"`
	GracefulTimeoutSecs  float64  `yaml:"dirty_graceful_timeout_seconds"`
	LogLevel             string   `yaml:"log_level"`
	LogJSON              bool     `yaml:"log_json"`
	MetricsAddr          string   `yaml:"metrics_addr"`
}

func main() {
	if os.Getenv(arbiter.RoleEnv) == arbiter.RoleWorker {
		runWorker()
		return
	}
	runArbiter()
}

func runWorker() {
	socketPath := os.Getenv(arbiter.EnvWorkerSocket)
	age, _ := strconv.Atoi(os.Getenv(arbiter.EnvWorkerAge))
	threads, _ := strconv.Atoi(os.Getenv(arbiter.EnvWorkerThreads))
	timeoutSecs, _ := strconv.ParseFloat(os.Getenv(arbiter.EnvWorkerTimeout), 64)
	var appPaths []string
	if raw := os.Getenv(arbiter.EnvWorkerApps); raw != "" {
		appPaths = strings.Split(raw, ",")
	}

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("dirty-worker")

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
		logger.Error().Err(err).Msg("failed to load dirty apps")
		os.Exit(3) // boot-error exit code, mirrors WORKER_BOOT_ERROR in arbiter.py
	}

	if err := w.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("dirty worker exited with error")
		os.Exit(1)
	}
}

func runArbiter() {
	configPath := flag.String("config", "", "path to a YAML pool config file")
	workers := flag.Int("workers", 2, "number of dirty workers to run (overridden by config file)")
	threads := flag.Int("threads", 1, "per-worker dispatch goroutine pool size")
	socketPath := flag.String("socket", "", "arbiter control socket path (default: a temp dir)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	cfg := config.Default()
	cfg.DirtyWorkers = *workers
	cfg.DirtyThreads = *threads
	cfg.SocketPath = *socketPath
	metricsListenAddr := *metricsAddr

	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dirtyarbiter: reading config: %v\n", err)
			os.Exit(1)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			fmt.Fprintf(os.Stderr, "dirtyarbiter: parsing config: %v\n", err)
			os.Exit(1)
		}
		applyFileConfig(&cfg, fc, &metricsListenAddr)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("dirty-arbiter")

	a, err := arbiter.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct dirty arbiter")
	}

	router := mux.NewRouter()
	metrics.Init()
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: metricsListenAddr, Handler: router}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()

	// SIGQUIT is immediate-terminate (no drain wait, unlike SIGTERM's
	// graceful path above); SIGHUP restarts every worker on the arbiter's
	// app specs (Arbiter.Reload); SIGUSR1 is the
	// reopen-logs hook gunicorn uses for log rotation — zerolog writes to
	// stdout/stderr here so there is no file handle to reopen, but the
	// signal is still acknowledged rather than silently ignored; SIGTTIN
	// and SIGTTOU grow/shrink the pool by one worker.
	ctrlCh := make(chan os.Signal, 1)
	signal.Notify(ctrlCh, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGTTIN, syscall.SIGTTOU)
	go func() {
		for sig := range ctrlCh {
			switch sig {
			case syscall.SIGQUIT:
				logger.Info().Msg("received SIGQUIT, shutting down immediately")
				a.ImmediateShutdown()
			case syscall.SIGHUP:
				logger.Info().Msg("received SIGHUP, reloading dirty workers")
				a.Reload()
			case syscall.SIGUSR1:
				logger.Info().Msg("received SIGUSR1, reopen-logs is a no-op (stdout/stderr logging)")
			case syscall.SIGTTIN:
				logger.Info().Msg("received SIGTTIN, growing dirty worker pool by 1")
				a.AddWorkers(1)
			case syscall.SIGTTOU:
				logger.Info().Msg("received SIGTTOU, shrinking dirty worker pool by 1")
				a.RemoveWorkers(1)
			}
		}
	}()

	logger.Info().Str("socket", a.SocketPath()).Int("workers", cfg.DirtyWorkers).Msg("starting dirty arbiter")
	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("dirty arbiter exited with error")
		os.Exit(1)
	}
	_ = metricsServer.Close()
}

func applyFileConfig(cfg *config.Config, fc fileConfig, metricsAddr *string) {
	if fc.SocketPath != "" {
		cfg.SocketPath = fc.SocketPath
	}
	if len(fc.DirtyApps) > 0 {
		cfg.DirtyApps = fc.DirtyApps
	}
	if fc.DirtyWorkers > 0 {
		cfg.DirtyWorkers = fc.DirtyWorkers
	}
	if fc.DirtyThreads > 0 {
		cfg.DirtyThreads = fc.DirtyThreads
	}
	if fc.DirtyTimeoutSeconds > 0 {
		cfg.DirtyTimeout = time.Duration(fc.DirtyTimeoutSeconds * float64(time.Second))
	}
	if fc.GracefulTimeoutSecs > 0 {
		cfg.DirtyGracefulTimeout = time.Duration(fc.GracefulTimeoutSecs * float64(time.Second))
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	cfg.LogJSON = fc.LogJSON
	if fc.MetricsAddr != "" {
		*metricsAddr = fc.MetricsAddr
	}
}
