package logging

import (
	"log/slog"
	"net/http"
	"time"

	"janus-hls-bridge/internal/observability/metrics"
)

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any

	// Quiet reports requests that should be logged at debug level, such as
	// metrics scrapes and HLS segment fetches.
	Quiet func(*http.Request) bool
}

// RequestLogger returns middleware that logs one record per HTTP request with
// method, path, status, size and duration. Server errors are logged at error
// level.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			status := rec.Status()
			attrs := make([]any, 0, 14)
			attrs = append(attrs,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", rec.Written(),
				"duration_ms", elapsed.Milliseconds(),
			)
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, elapsed)...)
			}
			WithContext(r.Context(), base).Log(r.Context(), requestLevel(cfg, r, status), "request completed", attrs...)
		})
	}
}

func requestLevel(cfg RequestLoggerConfig, r *http.Request, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case cfg.Quiet != nil && cfg.Quiet(r):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
