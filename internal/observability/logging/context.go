package logging

import (
	"context"
	"log/slog"
	"strings"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	streamKeyKey
	loggerKey
)

// ContextWithRequestID stores id on ctx. Blank ids leave ctx unchanged.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// ContextWithStreamKey records the stream key a request operates on.
func ContextWithStreamKey(ctx context.Context, key string) context.Context {
	return withValue(ctx, streamKeyKey, key)
}

func StreamKeyFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, streamKeyKey)
}

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithLogger attaches logger to ctx. A nil logger leaves ctx unchanged.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*slog.Logger)
	return logger
}

// WithContext returns logger annotated with the request id and stream key
// held in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	if requestID, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, "request_id", requestID)
	}
	if streamKey, ok := StreamKeyFromContext(ctx); ok {
		attrs = append(attrs, "stream_key", streamKey)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
