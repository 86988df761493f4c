// Package log provides the structured logger used by every kawpool service.
// It wraps log/slog and adds pool-specific field helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type ctxKey string

// RequestIDKey and SessionIDKey are the context keys picked up by WithContext.
const (
	RequestIDKey ctxKey = "request_id"
	SessionIDKey ctxKey = "session_id"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w. Format is "json" or "text".
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "text")
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithContext copies request and session ids from ctx into the logger.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if v := ctx.Value(RequestIDKey); v != nil {
		logger = logger.With(string(RequestIDKey), v)
	}
	if v := ctx.Value(SessionIDKey); v != nil {
		logger = logger.With(string(SessionIDKey), v)
	}
	return l.derive(logger)
}

func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker tags entries with the worker name and its extranonce1.
func (l *Logger) WithWorker(name, extraNonce1 string) *Logger {
	return l.WithFields("worker", name, "extranonce1", extraNonce1)
}

// WithJob tags entries with the wire form of a job id.
func (l *Logger) WithJob(jobID uint64, height int64) *Logger {
	return l.WithFields("job_id", strconv.FormatUint(jobID, 16), "block_height", height)
}

func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs how long an operation took.
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event", "event", event, "remote_addr", remoteAddr)
}

// LogStratumMessage logs raw protocol lines at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message", "direction", direction, "message", message)
}

// LogShareSubmission logs the outcome of one share.
func (l *Logger) LogShareSubmission(worker string, jobID uint64, difficulty float64, status string) {
	l.Info("share submission",
		"worker", worker,
		"job_id", strconv.FormatUint(jobID, 16),
		"difficulty", difficulty,
		"status", status,
	)
}

func (l *Logger) LogBlockFound(blockHash string, height int64, worker string, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", height,
		"worker", worker,
		"difficulty", difficulty,
	)
}

func (l *Logger) LogJobDistribution(jobID uint64, height int64, cleanJobs bool, minerCount int) {
	l.Info("job distributed",
		"job_id", strconv.FormatUint(jobID, 16),
		"block_height", height,
		"clean_jobs", cleanJobs,
		"miner_count", minerCount,
	)
}
