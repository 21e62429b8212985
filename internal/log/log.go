// Package log wraps zerolog with the dirty pool's field conventions,
// grounded on cuemby-warren/pkg/log's Config/Init/With* shape.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger, set by Init.
var Logger zerolog.Logger

// Level names a zerolog level by its config string.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects the logger's verbosity and output shape.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the package-wide Logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagging the "component" field, used
// to separate arbiter/worker/client log streams when sharing stdout.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkerPID returns a child logger tagging a worker's pid.
func WithWorkerPID(pid int) zerolog.Logger {
	return Logger.With().Int("worker_pid", pid).Logger()
}
