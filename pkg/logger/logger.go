// Package logger is the component-scoped structured logger used across
// picowidget. Calls name the emitting component first so log lines can be
// filtered per subsystem:
//
//	logger.InfoCF("exclusivity", "Conversation locked", map[string]interface{}{
//		"conversation_id": id,
//	})
//
// The backend is zerolog; Configure switches level and output format.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
)

// Options controls the process-wide logger.
type Options struct {
	Level  string
	Format string // "console" or "json"
	Out    io.Writer
}

// Configure replaces the process-wide logger.
func Configure(opts Options) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if !strings.EqualFold(opts.Format, "json") {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(w).With().Timestamp().Logger().Level(ParseLevel(opts.Level))

	mu.Lock()
	log = l
	mu.Unlock()
}

// ParseLevel converts a string level into zerolog.Level with a safe default.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the underlying zerolog logger for adapters.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func emit(ev *zerolog.Event, component, msg string, fields map[string]interface{}) {
	if ev == nil {
		return
	}
	ev = ev.Str("component", component)
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}

func DebugC(component, msg string) { DebugCF(component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	l := Logger()
	emit(l.Debug(), component, msg, fields)
}

func InfoC(component, msg string) { InfoCF(component, msg, nil) }

func InfoCF(component, msg string, fields map[string]interface{}) {
	l := Logger()
	emit(l.Info(), component, msg, fields)
}

func WarnC(component, msg string) { WarnCF(component, msg, nil) }

func WarnCF(component, msg string, fields map[string]interface{}) {
	l := Logger()
	emit(l.Warn(), component, msg, fields)
}

func ErrorC(component, msg string) { ErrorCF(component, msg, nil) }

func ErrorCF(component, msg string, fields map[string]interface{}) {
	l := Logger()
	emit(l.Error(), component, msg, fields)
}

func TraceCF(component, msg string, fields map[string]interface{}) {
	l := Logger()
	emit(l.Trace(), component, msg, fields)
}
