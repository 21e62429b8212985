package arbiter

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dirtypool/dirtypool/internal/control"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

// job is one unit of work queued on a worker's link, processed strictly
// FIFO by that worker's linkLoop so at most one request is ever in flight
// per worker process, matching spec.md §4.3. forward receives every
// reply message the worker sends for this job, in order, including
// intermediate CHUNKs — it is how a streaming Dispatch's passthrough
// reaches the client without buffering the whole sequence in memory.
type job struct {
	msg     protocol.Message
	forward func(protocol.Message) error
	done    chan jobOutcome
}

type jobOutcome struct {
	finalType protocol.Type
	err       error
}

// workerProc tracks one spawned dirty worker process, the Go counterpart
// of HackStrix-steel-infra-assessment/orchestrator/worker.go's Worker,
// generalized from an HTTP/exec.Cmd browser subprocess to a re-exec'd
// dirty worker speaking the framed protocol over a Unix socket.
type workerProc struct {
	pid        int
	age        int
	cmd        *exec.Cmd
	socketPath string
	appPaths   []string

	mu             sync.Mutex
	state          control.WorkerState
	lastExitReason string
	conn           net.Conn

	heartbeatUnixNano atomic.Int64
	jobs              chan *job

	// linkMu serializes reconnect attempts so at most one linkLoop
	// consumer ever runs against w.jobs at a time; without it, a
	// reconnect racing a second submit's own reconnect could start two
	// consumers writing interleaved requests onto two different worker
	// connections, corrupting per-pid FIFO ordering.
	linkMu sync.Mutex
}

func newWorkerProc(pid, age int, cmd *exec.Cmd, socketPath string, appPaths []string) *workerProc {
	return &workerProc{
		pid:        pid,
		age:        age,
		cmd:        cmd,
		socketPath: socketPath,
		appPaths:   appPaths,
		state:      control.WorkerStarting,
		jobs:       make(chan *job, 64),
	}
}

func (w *workerProc) setState(s control.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *workerProc) getState() control.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *workerProc) setExitReason(reason string) {
	w.mu.Lock()
	w.lastExitReason = reason
	w.mu.Unlock()
}

func (w *workerProc) getExitReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastExitReason
}

// connectWithRetry dials the worker's socket, retrying for up to timeout
// since the worker process needs time to bind and listen after spawn —
// mirrors arbiter.py's _get_worker_connection 5s wait loop.
func (w *workerProc) connectWithRetry(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", w.socketPath, 200*time.Millisecond)
		if err == nil {
			w.mu.Lock()
			w.conn = conn
			w.mu.Unlock()
			go w.linkLoop()
			return nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("dirty arbiter: connect to worker %d at %s: %w", w.pid, w.socketPath, lastErr)
}

// ensureLink (re)connects the worker's link if a prior linkLoop exited —
// either because the link's process just booted and has never connected,
// or because a previous call's I/O error or forced reset (handleRequest's
// timeout path) tore it down. linkMu keeps two concurrent submits from
// each starting their own linkLoop.
func (w *workerProc) ensureLink() error {
	w.mu.Lock()
	alive := w.conn != nil
	w.mu.Unlock()
	if alive {
		return nil
	}
	w.linkMu.Lock()
	defer w.linkMu.Unlock()
	w.mu.Lock()
	alive = w.conn != nil
	w.mu.Unlock()
	if alive {
		return nil
	}
	return w.connectWithRetry(connectTimeout)
}

// resetLink closes and clears the current connection, if any, without
// touching the worker's socket file — the worker process itself keeps
// running. Used both when a call times out (handleRequest) and when
// linkLoop itself hits an I/O error, so the next submit's ensureLink
// reconnects instead of reusing (or silently failing against) a link
// stuck mid-response.
func (w *workerProc) resetLink() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// linkLoop drains w.jobs one at a time: it writes the request, then
// relays every reply message the worker sends — CHUNK, CHUNK, ..., then
// a terminal RESPONSE/ERROR/END — straight to that job's forward target,
// mirroring arbiter.py's "forward every reply message to client_writer
// until a terminal message" routing step. Any I/O error on the link
// drops the connection and ends this goroutine; ensureLink starts a
// fresh one on the next submit.
func (w *workerProc) linkLoop() {
	for j := range w.jobs {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			j.done <- jobOutcome{err: fmt.Errorf("dirty arbiter: worker %d has no connection", w.pid)}
			continue
		}

		if err := protocol.WriteMessage(conn, j.msg); err != nil {
			j.done <- jobOutcome{err: err}
			w.resetLink()
			return
		}

		finalType, err := w.relay(conn, j.forward)
		j.done <- jobOutcome{finalType: finalType, err: err}
		if err != nil {
			w.resetLink()
			return
		}
	}
}

// relay reads messages off the worker link and forwards each to fwd in
// order until a terminal message (RESPONSE, ERROR, or END) arrives,
// returning that terminal type. If fwd fails (the client is gone) relay
// keeps draining the link without forwarding further, so the stream is
// fully consumed and the next job on this pid doesn't read stale bytes
// left over from this one — only the forward is aborted, matching
// spec.md §5's cancellation policy; the worker's dispatch call itself is
// never interrupted.
func (w *workerProc) relay(conn net.Conn, fwd func(protocol.Message) error) (protocol.Type, error) {
	for {
		resp, err := protocol.ReadMessage(conn)
		if err != nil {
			return 0, err
		}
		if fwd != nil {
			if ferr := fwd(resp); ferr != nil {
				fwd = nil
			}
		}
		switch resp.Type {
		case protocol.TypeResponse, protocol.TypeError, protocol.TypeEnd:
			return resp.Type, nil
		}
	}
}

// submit enqueues msg and blocks until every reply message for it has
// been forwarded (fwd is called once per message, in order) or ctx is
// cancelled. It returns the terminal message's type on success.
func (w *workerProc) submit(ctx context.Context, msg protocol.Message, fwd func(protocol.Message) error) (protocol.Type, error) {
	if err := w.ensureLink(); err != nil {
		return 0, err
	}
	j := &job{msg: msg, forward: fwd, done: make(chan jobOutcome, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-j.done:
		return r.finalType, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// pollHeartbeat sends a STATUS probe over a short-lived side connection so
// it is never queued behind a slow in-flight request on the main link —
// the Go equivalent of gunicorn reading the worker's shared WorkerTmp
// heartbeat file independently of the request socket.
func (w *workerProc) pollHeartbeat(timeout time.Duration) (time.Time, error) {
	conn, err := net.DialTimeout("unix", w.socketPath, timeout)
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := protocol.WriteMessage(conn, protocol.NewStatusMessage(0)); err != nil {
		return time.Time{}, err
	}
	resp, err := protocol.ReadMessage(conn)
	if err != nil {
		return time.Time{}, err
	}
	heartbeat, _ := resp.Payload["heartbeat"].(int64)
	return time.Unix(0, heartbeat), nil
}

// signal delivers sig to the worker process if it is still running.
func (w *workerProc) signal(sig os.Signal) {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(sig)
	}
}

// kill sends SIGKILL unconditionally, for the final stage of murder
// (spec.md's graceful-timeout-then-SIGABRT-then-SIGKILL ladder).
func (w *workerProc) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

func (w *workerProc) closeLink() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	_ = os.Remove(w.socketPath)
}
