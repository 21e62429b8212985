// Package dirtyerr implements the dirty pool error taxonomy. Every error is
// symmetrically encodable to and decodable from a TLV dict so it can cross
// the worker-arbiter-client hops unchanged, mirroring
// original_source/gunicorn/dirty/errors.py's to_dict/from_dict pair.
package dirtyerr

import (
	"errors"
	"fmt"
)

// Kind names the error taxonomy from spec.md §7.
type Kind string

const (
	KindError               Kind = "Error"
	KindTimeout             Kind = "TimeoutError"
	KindConnection          Kind = "ConnectionError"
	KindWorker              Kind = "WorkerError"
	KindApp                 Kind = "AppError"
	KindAppNotFound         Kind = "AppNotFoundError"
	KindNoWorkersAvailable  Kind = "NoWorkersAvailableError"
	KindProtocol            Kind = "ProtocolError"
)

// Error is the single concrete error type used across the module. It carries
// enough structure to round-trip through the wire protocol's ERROR payload.
type Error struct {
	ErrKind Kind
	Msg     string
	Extra   map[string]any
}

func (e *Error) Error() string {
	if len(e.Extra) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Extra)
}

// ErrorType returns the wire error_type string.
func (e *Error) ErrorType() string { return string(e.ErrKind) }

// Details returns the structured detail fields carried with the error.
func (e *Error) Details() map[string]any {
	if e.Extra == nil {
		return map[string]any{}
	}
	return e.Extra
}

// New builds a generic base error.
func New(msg string) *Error {
	return &Error{ErrKind: KindError, Msg: msg}
}

// NewTimeout builds a TimeoutError with its timeout (seconds) recorded.
func NewTimeout(msg string, timeoutSeconds float64) *Error {
	return &Error{ErrKind: KindTimeout, Msg: msg, Extra: map[string]any{"timeout": timeoutSeconds}}
}

// NewConnection builds a ConnectionError naming the socket path that could
// not be reached.
func NewConnection(msg string, socketPath string) *Error {
	extra := map[string]any{}
	if socketPath != "" {
		extra["socket_path"] = socketPath
	}
	return &Error{ErrKind: KindConnection, Msg: msg, Extra: extra}
}

// NewWorker builds a WorkerError naming the failing worker and, optionally,
// a captured traceback/stack string.
func NewWorker(msg string, workerID int, traceback string) *Error {
	extra := map[string]any{"worker_id": int64(workerID)}
	if traceback != "" {
		extra["traceback"] = traceback
	}
	return &Error{ErrKind: KindWorker, Msg: msg, Extra: extra}
}

// NewApp builds an AppError for a failed dispatch call.
func NewApp(msg, appPath, action, traceback string) *Error {
	extra := map[string]any{}
	if appPath != "" {
		extra["app_path"] = appPath
	}
	if action != "" {
		extra["action"] = action
	}
	if traceback != "" {
		extra["traceback"] = traceback
	}
	return &Error{ErrKind: KindApp, Msg: msg, Extra: extra}
}

// NewAppNotFound builds an AppNotFoundError for an unrecognized app path.
func NewAppNotFound(appPath string) *Error {
	return &Error{
		ErrKind: KindAppNotFound,
		Msg:     fmt.Sprintf("dirty app not found: %s", appPath),
		Extra:   map[string]any{"app_path": appPath},
	}
}

// NewNoWorkersAvailable builds a NoWorkersAvailableError for an app that
// currently has no hosting worker.
func NewNoWorkersAvailable(appPath string) *Error {
	return &Error{
		ErrKind: KindNoWorkersAvailable,
		Msg:     fmt.Sprintf("no workers available for app: %s", appPath),
		Extra:   map[string]any{"app_path": appPath},
	}
}

// NewProtocol builds a ProtocolError for a malformed frame.
func NewProtocol(msg string) *Error {
	return &Error{ErrKind: KindProtocol, Msg: msg}
}

// ToTLV serializes the error into the {"error_type","message","details"} dict
// shape used in the ERROR message payload (spec.md §4.1).
func (e *Error) ToTLV() map[string]any {
	details := make(map[string]any, len(e.Extra))
	for k, v := range e.Extra {
		details[k] = v
	}
	return map[string]any{
		"error_type": string(e.ErrKind),
		"message":    e.Msg,
		"details":    details,
	}
}

// FromTLV reconstructs an *Error from a decoded ERROR payload dict.
func FromTLV(d map[string]any) *Error {
	kind := KindError
	if et, ok := d["error_type"].(string); ok && et != "" {
		kind = Kind(et)
	}
	msg := "unknown error"
	if m, ok := d["message"].(string); ok {
		msg = m
	}
	extra := map[string]any{}
	if details, ok := d["details"].(map[string]any); ok {
		extra = details
	}
	return &Error{ErrKind: kind, Msg: msg, Extra: extra}
}

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.ErrKind == kind
}
