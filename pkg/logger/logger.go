// Package logger provides the application's slog-based logging setup.
package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/fx"
)

// Module provides logging dependencies via fx
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
	fx.Provide(NewHTTPLogger),
)

// Scope returns a slog attribute identifying the logging scope
// (e.g. "jobs.engine", "credits.svc"). Every component logger is
// derived with log.With(logger.Scope("...")).
func Scope(name string) slog.Attr {
	return slog.String("scope", name)
}

// Error returns a slog attribute wrapping an error value
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// NewLogger creates the root slog.Logger.
//
// Level comes from LOG_LEVEL (debug|info|warn|error, case-insensitive,
// default info). In production (GO_ENV=production) a JSON handler is used;
// otherwise a human-readable text handler.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "info":
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// HTTPLogger writes one line per HTTP request to a dedicated access log
// file. It is best-effort: if the file cannot be opened, logging is a no-op.
type HTTPLogger struct {
	mu   sync.Mutex
	file *os.File
	log  *slog.Logger
}

// NewHTTPLogger creates an HTTP access logger writing to HTTP_LOG_FILE
// (default: disabled when unset).
func NewHTTPLogger() *HTTPLogger {
	path := os.Getenv("HTTP_LOG_FILE")
	if path == "" {
		return &HTTPLogger{}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &HTTPLogger{}
	}

	return &HTTPLogger{
		file: file,
		log:  slog.New(slog.NewJSONHandler(file, nil)),
	}
}

// LogRequest records a single HTTP request.
func (h *HTTPLogger) LogRequest(ip, method, uri string, status int, latency time.Duration, userAgent, requestID string) {
	if h.log == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info("request",
		slog.String("ip", ip),
		slog.String("method", method),
		slog.String("uri", uri),
		slog.Int("status", status),
		slog.Duration("latency", latency),
		slog.String("user_agent", userAgent),
		slog.String("request_id", requestID),
	)
}

// Close releases the underlying log file.
func (h *HTTPLogger) Close() error {
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}
