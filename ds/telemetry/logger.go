// Package telemetry binds the library's observability hooks to concrete
// backends: a zerolog-backed Logger and a trace-span MetricsSink.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamhaus/docstream/ds"
)

// Logger adapts a zerolog.Logger to the ds.Logger interface.
//
// Key/value pairs map onto typed zerolog fields. When the context carries
// a valid span, the trace and span ids are attached so log lines can be
// joined with the trace that produced them.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger wraps an existing zerolog logger.
func NewLogger(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// NewConsoleLogger returns a logger writing human-readable lines to w,
// or to stderr when w is nil.
func NewConsoleLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.NewConsoleWriter(func(c *zerolog.ConsoleWriter) {
		c.Out = w
		c.TimeFormat = "15:04:05.000"
	})
	return NewLogger(zerolog.New(cw).With().Timestamp().Logger())
}

// Debug implements ds.Logger.
func (l *Logger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.emit(ctx, l.zl.Debug(), msg, keyvals)
}

// Info implements ds.Logger.
func (l *Logger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.emit(ctx, l.zl.Info(), msg, keyvals)
}

// Warn implements ds.Logger.
func (l *Logger) Warn(ctx context.Context, msg string, keyvals ...interface{}) {
	l.emit(ctx, l.zl.Warn(), msg, keyvals)
}

// Error implements ds.Logger.
func (l *Logger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.emit(ctx, l.zl.Error(), msg, keyvals)
}

func (l *Logger) emit(ctx context.Context, e *zerolog.Event, msg string, keyvals []interface{}) {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		e.Str("trace_id", sc.TraceID().String())
		e.Str("span_id", sc.SpanID().String())
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		appendField(e, fieldName(keyvals[i]), keyvals[i+1])
	}
	if len(keyvals)%2 != 0 {
		e.Interface("arg", keyvals[len(keyvals)-1])
	}
	e.Msg(msg)
}

func fieldName(key interface{}) string {
	if s, ok := key.(string); ok {
		return s
	}
	return fmt.Sprint(key)
}

func appendField(e *zerolog.Event, key string, value interface{}) {
	switch v := value.(type) {
	case string:
		e.Str(key, v)
	case []string:
		e.Strs(key, v)
	case int:
		e.Int(key, v)
	case int32:
		e.Int32(key, v)
	case int64:
		e.Int64(key, v)
	case uint64:
		e.Uint64(key, v)
	case float64:
		e.Float64(key, v)
	case bool:
		e.Bool(key, v)
	case time.Time:
		e.Time(key, v)
	case time.Duration:
		e.Str(key, v.String())
	case error:
		e.AnErr(key, v)
	case json.RawMessage:
		if len(v) == 0 {
			e.Str(key, "")
		} else {
			e.RawJSON(key, v)
		}
	case fmt.Stringer:
		e.Str(key, v.String())
	default:
		e.Interface(key, value)
	}
}

var _ ds.Logger = (*Logger)(nil)
