// Package logging provides structured logging for the storage engine, a
// thin wrapper over zerolog matching the ComponentLogger shape in
// contract-data-processor/go/logging/logger.go, generalized to name the
// gateway/component emitting each event.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger scoped to one component (e.g.
// "contractgw", "protocolgw", "registry").
type Logger struct {
	zerolog.Logger
}

// New creates a Logger for component, writing raw JSON when format is
// "json" and using a pretty console writer otherwise.
func New(component, level, format string) *Logger {
	var w zerolog.ConsoleWriter
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(w)
	}
	logger = logger.With().Timestamp().Str("component", component).Logger()
	logger = logger.Level(parseLevel(level))
	return &Logger{Logger: logger}
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Unexpected logs an Unexpected-kind storage error at Error level before
// it is returned to the caller, since these warrant alerting rather than
// passing through silently.
func (l *Logger) Unexpected(reason string, fields map[string]any) {
	evt := l.Error()
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(reason)
}
