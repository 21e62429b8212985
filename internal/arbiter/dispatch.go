package arbiter

import (
	"context"
	"net"
	"time"

	"github.com/dirtypool/dirtypool/internal/control"
	"github.com/dirtypool/dirtypool/internal/dirtyerr"
	"github.com/dirtypool/dirtypool/internal/metrics"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

// serveClient reads framed messages from a client connection (an HTTP
// worker or dirtyctl) and answers each one, mirroring arbiter.py's
// handle_client loop.
func (a *Arbiter) serveClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}

		if msg.Type == protocol.TypeRequest {
			if err := a.handleRequest(ctx, conn, msg); err != nil {
				return
			}
			continue
		}

		var resp protocol.Message
		switch msg.Type {
		case protocol.TypeStash:
			resp = a.handleStash(msg)
		case protocol.TypeStatus:
			resp = a.handleStatus(msg)
		case protocol.TypeManage:
			resp = a.handleManage(msg)
		default:
			resp = protocol.NewErrorMessage(msg.RequestID,
				dirtyerr.NewProtocol("unsupported message type for arbiter socket").ToTLV())
		}

		if err := protocol.WriteMessage(conn, resp); err != nil {
			return
		}
	}
}

// handleRequest routes a REQUEST message to a worker hosting its app and
// relays every reply message the worker produces straight to conn —
// RESPONSE, or CHUNK*+END, or ERROR — matching spec.md §4.4's routing
// step 4 ("forwards every reply message to client_writer until a
// terminal message"). It returns a non-nil error only when writing to
// conn itself fails, so serveClient knows to stop serving this client.
func (a *Arbiter) handleRequest(ctx context.Context, conn net.Conn, msg protocol.Message) error {
	start := time.Now()
	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		return protocol.WriteMessage(conn, protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewProtocol(err.Error()).ToTLV()))
	}

	w, ok := a.pickWorker(req.AppPath)
	if !ok {
		metrics.RequestsTotal.WithLabelValues(req.AppPath, "no_workers").Inc()
		return protocol.WriteMessage(conn, protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewNoWorkersAvailable(req.AppPath).ToTLV()))
	}

	timeout := a.cfg.DirtyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	forward := func(reply protocol.Message) error {
		return protocol.WriteMessage(conn, reply)
	}

	finalType, err := w.submit(callCtx, msg, forward)
	metrics.RequestDuration.WithLabelValues(req.AppPath).Observe(time.Since(start).Seconds())
	if err != nil {
		if callCtx.Err() != nil {
			// The link is still stuck mid-response from the worker's
			// perspective; drop it so it isn't reused half-consumed and
			// so the next request to this pid reconnects instead of
			// queuing behind this one (spec.md §5 Cancellation).
			w.resetLink()
			metrics.RequestsTotal.WithLabelValues(req.AppPath, "timeout").Inc()
			return protocol.WriteMessage(conn, protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewTimeout("dirty request timed out", timeout.Seconds()).ToTLV()))
		}
		metrics.RequestsTotal.WithLabelValues(req.AppPath, "worker_error").Inc()
		return protocol.WriteMessage(conn, protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewWorker(err.Error(), w.pid, "").ToTLV()))
	}

	outcome := "ok"
	if finalType == protocol.TypeError {
		outcome = "app_error"
	}
	metrics.RequestsTotal.WithLabelValues(req.AppPath, outcome).Inc()
	return nil
}

// handleStash executes a STASH operation against the arbiter-resident
// table store, mirroring stash.py's server-side dispatch.
func (a *Arbiter) handleStash(msg protocol.Message) protocol.Message {
	op := protocol.DecodeStash(msg)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch op.Op {
	case protocol.StashOpPut:
		a.stash.Put(op.Table, op.Key, op.Value)
		return protocol.NewResponseMessage(msg.RequestID, nil)

	case protocol.StashOpGet:
		v, err := a.stash.Get(op.Table, op.Key)
		if err != nil {
			return a.stashError(msg.RequestID, err)
		}
		return protocol.NewResponseMessage(msg.RequestID, v)

	case protocol.StashOpDelete:
		return protocol.NewResponseMessage(msg.RequestID, a.stash.Delete(op.Table, op.Key))

	case protocol.StashOpExists:
		return protocol.NewResponseMessage(msg.RequestID, a.stash.Exists(op.Table, op.Key))

	case protocol.StashOpKeys:
		keys, err := a.stash.Keys(op.Table, op.Pattern)
		if err != nil {
			return a.stashError(msg.RequestID, err)
		}
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return protocol.NewResponseMessage(msg.RequestID, out)

	case protocol.StashOpClear:
		if err := a.stash.Clear(op.Table); err != nil {
			return a.stashError(msg.RequestID, err)
		}
		return protocol.NewResponseMessage(msg.RequestID, nil)

	case protocol.StashOpEnsure:
		a.stash.Ensure(op.Table)
		return protocol.NewResponseMessage(msg.RequestID, nil)

	case protocol.StashOpDeleteTable:
		if err := a.stash.DeleteTable(op.Table); err != nil {
			return a.stashError(msg.RequestID, err)
		}
		return protocol.NewResponseMessage(msg.RequestID, nil)

	case protocol.StashOpTables:
		tables := a.stash.Tables()
		out := make([]any, len(tables))
		for i, t := range tables {
			out[i] = t.Name
		}
		return protocol.NewResponseMessage(msg.RequestID, out)

	case protocol.StashOpInfo:
		info, err := a.stash.Info(op.Table)
		if err != nil {
			return a.stashError(msg.RequestID, err)
		}
		return protocol.NewResponseMessage(msg.RequestID, map[string]any{
			"table": info.Name, "key_count": int64(info.KeyCount),
		})

	default:
		return protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewProtocol("unknown stash op").ToTLV())
	}
}

func (a *Arbiter) stashError(requestID uint64, err error) protocol.Message {
	if de, ok := err.(*dirtyerr.Error); ok {
		return protocol.NewErrorMessage(requestID, de.ToTLV())
	}
	return protocol.NewErrorMessage(requestID, dirtyerr.New(err.Error()).ToTLV())
}

// handleStatus builds the STATUS snapshot (workers, target_count, tables)
// that dirtyctl's `status` command prints.
func (a *Arbiter) handleStatus(msg protocol.Message) protocol.Message {
	a.mu.RLock()
	infos := make([]control.WorkerInfo, 0, len(a.workers))
	for _, w := range a.workers {
		infos = append(infos, control.WorkerInfo{
			PID:            w.pid,
			Age:            w.age,
			State:          w.getState(),
			SocketPath:     w.socketPath,
			Apps:           append([]string(nil), w.appPaths...),
			LastExitReason: w.getExitReason(),
		})
	}
	target := a.targetCount
	tables := a.stash.Tables()
	a.mu.RUnlock()

	tableNames := make([]string, len(tables))
	for i, t := range tables {
		tableNames[i] = t.Name
	}

	workerDicts := make([]any, len(infos))
	for i, info := range infos {
		workerDicts[i] = map[string]any{
			"pid":              int64(info.PID),
			"age":              int64(info.Age),
			"state":            string(info.State),
			"socket_path":      info.SocketPath,
			"apps":             toAnySlice(info.Apps),
			"last_exit_reason": info.LastExitReason,
		}
	}

	return protocol.NewResponseMessage(msg.RequestID, map[string]any{
		"workers":      workerDicts,
		"target_count": int64(target),
		"tables":       toAnySlice(tableNames),
	})
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// handleManage executes a MANAGE control command (scale, kill, reload,
// shutdown), mirroring the operator-facing slice of arbiter.py.
func (a *Arbiter) handleManage(msg protocol.Message) protocol.Message {
	op := protocol.DecodeManage(msg)
	switch op.Op {
	case protocol.ManageOpAdd:
		a.AddWorkers(op.Count)
		return protocol.NewResponseMessage(msg.RequestID, nil)
	case protocol.ManageOpRemove:
		a.RemoveWorkers(op.Count)
		return protocol.NewResponseMessage(msg.RequestID, nil)
	case protocol.ManageOpKill:
		if err := a.KillWorker(op.PID); err != nil {
			return protocol.NewErrorMessage(msg.RequestID, dirtyerr.New(err.Error()).ToTLV())
		}
		return protocol.NewResponseMessage(msg.RequestID, nil)
	case protocol.ManageOpReload:
		a.Reload()
		return protocol.NewResponseMessage(msg.RequestID, nil)
	case protocol.ManageOpShutdownGraceful:
		go a.GracefulShutdown(a.cfg.DirtyGracefulTimeout)
		return protocol.NewResponseMessage(msg.RequestID, nil)
	case protocol.ManageOpShutdownQuick:
		go a.ImmediateShutdown()
		return protocol.NewResponseMessage(msg.RequestID, nil)
	default:
		return protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewProtocol("unknown manage op").ToTLV())
	}
}
