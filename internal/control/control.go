// Package control defines the data shapes exchanged between operators
// (internal/client, cmd/dirtyctl) and the arbiter's STATUS/MANAGE
// handlers, the Go side of the pool-introspection surface spec.md §4.4
// and §6 describe only informally in the Python original.
package control

// WorkerState mirrors a worker process's lifecycle stage as seen from the
// arbiter's supervisor goroutine.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerDraining WorkerState = "draining"
	WorkerDead     WorkerState = "dead"
)

// WorkerInfo describes one worker for the STATUS response and for
// dirtyctl's `status` subcommand.
type WorkerInfo struct {
	PID             int         `json:"pid"`
	Age             int         `json:"age"`
	State           WorkerState `json:"state"`
	SocketPath      string      `json:"socket_path"`
	Apps            []string    `json:"apps"`
	HeartbeatAgeMS  int64       `json:"heartbeat_age_ms"`
	// LastExitReason is the exit reason the arbiter has recorded for this
	// worker: "" while none is recorded, else one of "graceful", "killed",
	// "crashed", "exited", "boot_error", "timeout", "scaled_down",
	// "reload". A reaped worker is dropped from the STATUS list.
	LastExitReason string `json:"last_exit_reason,omitempty"`
}

// PoolStatus models the STATUS response payload. The arbiter's STATUS
// handler encodes workers (without heartbeat_age_ms), target_count and
// tables; it does not send app_paths.
type PoolStatus struct {
	Workers      []WorkerInfo `json:"workers"`
	TargetCount  int          `json:"target_count"`
	AppPaths     []string     `json:"app_paths"`
	Tables       []string     `json:"tables"`
}

// ManageAction names a MANAGE message's requested operation.
type ManageAction string

const (
	ActionAddWorkers    ManageAction = "add_workers"
	ActionRemoveWorkers ManageAction = "remove_workers"
	ActionKillWorker    ManageAction = "kill_worker"
	ActionReload        ManageAction = "reload"
	ActionShutdown      ManageAction = "shutdown"
)

// ShutdownMode distinguishes a graceful drain from an immediate stop, the
// Go-side equivalent of gunicorn arbiter.py choosing between SIGTERM's
// graceful stop() and SIGQUIT/SIGINT's quicker teardown.
type ShutdownMode string

const (
	ShutdownGraceful ShutdownMode = "graceful"
	ShutdownQuick    ShutdownMode = "quick"
)
