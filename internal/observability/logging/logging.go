// Package logging builds the process logger and carries request scoped log
// fields through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"mediahub/internal/observability/metrics"
)

const tokenRefLength = 8

type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

// New builds a JSON logger writing to cfg.Writer, or to stdout when unset.
// Format "text" selects the logfmt style handler.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// parseLevel accepts the slog level names and "warning". Anything else logs
// at info.
func parseLevel(name string) slog.Level {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// WithComponent tags logger with a component. A nil logger stays nil.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	uploadTokenKey
	loggerKey
)

func withValue(ctx context.Context, key ctxKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func valueFrom(ctx context.Context, key ctxKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, _ := ctx.Value(key).(string)
	return value, value != ""
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, requestIDKey)
}

// ContextWithUploadToken records the upload session a request targets. Only
// TokenRef of it is ever logged.
func ContextWithUploadToken(ctx context.Context, token string) context.Context {
	return withValue(ctx, uploadTokenKey, token)
}

func UploadTokenFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, uploadTokenKey)
}

// TokenRef is the log-safe prefix of an upload token.
func TokenRef(token string) string {
	if len(token) <= tokenRefLength {
		return token
	}
	return token[:tokenRefLength]
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*slog.Logger)
	return logger
}

// WithContext adds the request id and upload_ref found in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", id)
	}
	if token, ok := UploadTokenFromContext(ctx); ok {
		logger = logger.With("upload_ref", TokenRef(token))
	}
	return logger
}

// RequestLogger logs one line per request once the handler returns. fields,
// when set, appends caller specific attributes.
func RequestLogger(logger *slog.Logger, fields func(*http.Request) []any) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.Status(),
				"bytes", recorder.Written(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if fields != nil {
				attrs = append(attrs, fields(r)...)
			}
			WithContext(r.Context(), logger).Info("request completed", attrs...)
		})
	}
}
