package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"janus-hls-bridge/internal/observability/logging"
)

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

// requestIDMiddlewareWithGenerator keeps an incoming X-Request-Id or mints
// one, and carries it together with an X-Stream-Key header into the request
// context and its logger.
func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = generator()
		}
		streamKey := strings.TrimSpace(r.Header.Get("X-Stream-Key"))

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if streamKey != "" {
			ctx = logging.ContextWithStreamKey(ctx, streamKey)
		}
		if logger != nil {
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		}

		if requestID != "" {
			w.Header().Set("X-Request-Id", requestID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	return uuid.NewString()
}
