// Package obslog provides structured logging with pool/key context, wrapping
// logrus the way the rest of the ecosystem's service layers do.
package obslog

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for context values carried into log entries.
type ContextKey string

const (
	// TraceIDKey is the context key for a request/message trace ID.
	TraceIDKey ContextKey = "trace_id"
	// PoolKey is the context key for the owning pool id.
	PoolKey ContextKey = "pool"
	// KeyKey is the context key for the dispatcher key.
	KeyKey ContextKey = "key"
)

// Logger wraps logrus.Logger with dispatcher-specific field conventions.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for component with the given level and format
// ("json" or "text").
func New(component, level, format string) *Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger using the LOG_LEVEL/LOG_FORMAT environment
// variables, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithPool returns an entry tagged with the owning pool id.
func (l *Logger) WithPool(pool string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component, "pool": pool})
}

// WithKey returns an entry tagged with pool and dispatcher key.
func (l *Logger) WithKey(pool, key string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component, "pool": pool, "key": key})
}

// WithContext pulls the trace/pool/key fields out of ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if pool := ctx.Value(PoolKey); pool != nil {
		entry = entry.WithField("pool", pool)
	}
	if key := ctx.Value(KeyKey); key != nil {
		entry = entry.WithField("key", key)
	}
	return entry
}

// WithError returns an entry carrying the error and component fields.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component, "error": err.Error()})
}

// Entry returns a bare entry tagged with only the component field, for
// callers that need a *logrus.Entry to hand to code outside this package.
func (l *Logger) Entry() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}

// WithFields merges the given fields with the component tag.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}
