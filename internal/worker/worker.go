// Package worker implements the dirty worker process: it loads a subset
// of dirty apps, listens on its own Unix socket for framed requests from
// the arbiter, and dispatches them through a bounded goroutine pool. It is
// the Go counterpart of original_source/gunicorn/dirty/worker.py, with
// asyncio's single event loop replaced by one goroutine per connection
// plus a shared dispatch threadPool (see threadpool.go), since Go workers
// run as independent OS processes started by re-exec rather than forked
// children sharing the arbiter's memory.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dirtypool/dirtypool/internal/apps"
	"github.com/dirtypool/dirtypool/internal/dirtyerr"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

// Options configures a Worker's lifetime behavior.
type Options struct {
	Age          int
	SocketPath   string
	AppPaths     []string
	Registry     *apps.Registry
	Threads      int
	Timeout      time.Duration
	Logger       zerolog.Logger
}

// Worker runs the main loop of a single dirty worker process.
type Worker struct {
	opts       Options
	pid        int
	apps       map[string]apps.App
	heartbeat  atomic.Int64 // unix nanos of last notify()
	aborted    atomic.Bool
	listener   net.Listener
	pool       *threadPool
	shutdownCh chan struct{}
}

// New constructs a Worker; call Run to start it.
func New(opts Options) *Worker {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	return &Worker{
		opts:       opts,
		pid:        os.Getpid(),
		apps:       make(map[string]apps.App),
		pool:       newThreadPool(opts.Threads),
		shutdownCh: make(chan struct{}),
	}
}

// Heartbeat returns the unix-nanosecond time of the worker's last notify,
// read atomically. The arbiter polls this with a STATUS probe on a separate
// short-lived connection to the worker socket to detect a stalled worker.
func (w *Worker) Heartbeat() int64 { return w.heartbeat.Load() }

// notify stamps the current time as the worker's latest heartbeat.
func (w *Worker) notify() { w.heartbeat.Store(time.Now().UnixNano()) }

// LoadApps instantiates and initializes every configured app, mirroring
// load_dirty_apps followed by each app's init() call.
func (w *Worker) LoadApps(ctx context.Context) error {
	registry := w.opts.Registry
	if registry == nil {
		registry = apps.DefaultRegistry()
	}
	for _, path := range w.opts.AppPaths {
		spec, err := apps.ParseSpec(path)
		if err != nil {
			return err
		}
		app, err := registry.Load(spec.ImportPath)
		if err != nil {
			return err
		}
		if err := app.Init(ctx); err != nil {
			return fmt.Errorf("dirty worker: init app %s: %w", spec.ImportPath, err)
		}
		w.apps[spec.ImportPath] = app
		w.opts.Logger.Info().Str("app_path", spec.ImportPath).Msg("initialized dirty app")
	}
	return nil
}

// Run starts listening on the worker's Unix socket and serves connections
// until ctx is canceled. It always cleans up the socket file and closes
// apps before returning.
func (w *Worker) Run(ctx context.Context) error {
	defer w.cleanup(ctx)

	_ = os.Remove(w.opts.SocketPath)
	ln, err := net.Listen("unix", w.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("dirty worker: listen %s: %w", w.opts.SocketPath, err)
	}
	if err := os.Chmod(w.opts.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("dirty worker: chmod socket: %w", err)
	}
	w.listener = ln
	w.opts.Logger.Info().Int("pid", w.pid).Str("socket", w.opts.SocketPath).Msg("dirty worker listening")

	go w.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go w.handleConnection(ctx, conn)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	w.notify()
	interval := w.opts.Timeout / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.notify()
		}
	}
}

func (w *Worker) handleConnection(ctx context.Context, conn net.Conn) {
	w.opts.Logger.Debug().Msg("new connection from arbiter")
	defer conn.Close()

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}

		switch msg.Type {
		case protocol.TypeRequest:
			w.handleRequest(ctx, conn, msg)
		case protocol.TypeStatus:
			resp := protocol.NewResponseMessage(msg.RequestID, map[string]any{
				"heartbeat": w.Heartbeat(),
				"pid":       int64(w.pid),
			})
			if err := protocol.WriteMessage(conn, resp); err != nil {
				return
			}
		default:
			errMsg := protocol.NewErrorMessage(msg.RequestID,
				dirtyerr.NewProtocol(fmt.Sprintf("unexpected message type: %s", msg.Type)).ToTLV())
			_ = protocol.WriteMessage(conn, errMsg)
		}
	}
}

func (w *Worker) handleRequest(ctx context.Context, conn net.Conn, msg protocol.Message) {
	w.notify()

	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		_ = protocol.WriteMessage(conn, protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewProtocol(err.Error()).ToTLV()))
		return
	}

	done := make(chan struct{})
	w.pool.Submit(func() {
		defer close(done)
		w.execute(ctx, conn, req, msg.RequestID)
	})
	<-done
}

func (w *Worker) execute(ctx context.Context, conn net.Conn, req protocol.Request, requestID uint64) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			w.opts.Logger.Error().Str("app_path", req.AppPath).Str("action", req.Action).
				Interface("panic", r).Msg("dirty app panicked")
			appErr := dirtyerr.NewApp(fmt.Sprintf("panic: %v", r), req.AppPath, req.Action, stack)
			_ = protocol.WriteMessage(conn, protocol.NewErrorMessage(requestID, appErr.ToTLV()))
		}
	}()

	app, ok := w.apps[req.AppPath]
	if !ok {
		notFound := dirtyerr.NewAppNotFound(req.AppPath)
		_ = protocol.WriteMessage(conn, protocol.NewErrorMessage(requestID, notFound.ToTLV()))
		return
	}

	result, stream, err := app.Dispatch(ctx, req.Action, req.Args, req.Kwargs)
	if err != nil {
		appErr := dirtyerr.NewApp(err.Error(), req.AppPath, req.Action, "")
		_ = protocol.WriteMessage(conn, protocol.NewErrorMessage(requestID, appErr.ToTLV()))
		return
	}

	if stream == nil {
		_ = protocol.WriteMessage(conn, protocol.NewResponseMessage(requestID, result))
		return
	}

	for item := range stream {
		if item.Err != nil {
			appErr := dirtyerr.NewApp(item.Err.Error(), req.AppPath, req.Action, "")
			_ = protocol.WriteMessage(conn, protocol.NewErrorMessage(requestID, appErr.ToTLV()))
			return
		}
		if err := protocol.WriteMessage(conn, protocol.NewChunkMessage(requestID, item.Value)); err != nil {
			return
		}
	}
	_ = protocol.WriteMessage(conn, protocol.NewEndMessage(requestID))
}

func (w *Worker) cleanup(ctx context.Context) {
	for path, app := range w.apps {
		if err := app.Close(ctx); err != nil {
			w.opts.Logger.Error().Err(err).Str("app_path", path).Msg("error closing dirty app")
		}
	}
	w.pool.Dispose()
	_ = os.Remove(w.opts.SocketPath)
	w.opts.Logger.Info().Int("pid", w.pid).Msg("dirty worker exiting")
}

// Abort marks the worker as having been externally terminated rather than
// having exited cleanly. The flag lives only in the worker process; the
// arbiter records its own LastExitReason and does not read it.
func (w *Worker) Abort() { w.aborted.Store(true) }

// Aborted reports whether Abort was called.
func (w *Worker) Aborted() bool { return w.aborted.Load() }
