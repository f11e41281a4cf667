package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"janus-hls-bridge/internal/api"
	"janus-hls-bridge/internal/hls"
	"janus-hls-bridge/internal/observability/logging"
	"janus-hls-bridge/internal/observability/metrics"
	"janus-hls-bridge/internal/serverutil"
)

// DefaultWriteTimeout leaves room for an offer, which may poll the gateway
// for most of its negotiation timeout before answering.
const DefaultWriteTimeout = 90 * time.Second

type TLSConfig = serverutil.TLSConfig

type TimeoutConfig struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
}

func (c TimeoutConfig) withDefaults() TimeoutConfig {
	if c.ReadHeader <= 0 {
		c.ReadHeader = 5 * time.Second
	}
	if c.Read <= 0 {
		c.Read = 15 * time.Second
	}
	if c.Write <= 0 {
		c.Write = DefaultWriteTimeout
	}
	if c.Idle <= 0 {
		c.Idle = 60 * time.Second
	}
	return c
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	Timeouts    TimeoutConfig
	RateLimit   RateLimitConfig
	Security    SecurityConfig
	CORS        CORSConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	auditLogger *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tls         TLSConfig
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/actuator/health", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/v1/webrtc/offer", handler.Offer)
	mux.HandleFunc("/api/v1/webrtc", handler.StopSession)
	mux.HandleFunc("/api/v1/webrtc/sessions", handler.ActiveSessions)
	mux.HandleFunc("/api/v1/webrtc/sessions/", handler.SessionByKey)
	mux.HandleFunc("/api/v1/webrtc/ice-servers", handler.ICEServers)
	mux.HandleFunc("/api/v1/webrtc/health", handler.WebRTCHealth)
	mux.HandleFunc("/api/v1/streams", handler.Streams)
	mux.HandleFunc("/api/v1/streams/", handler.StreamByID)
	mux.HandleFunc(hls.PublicPathPrefix+"/", handler.HLSFiles)
	mux.HandleFunc("/", notFound)

	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}
	rl.metrics = recorder
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure client ip resolution: %w", err)
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, resolver, cfg.Logger, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, resolver, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = corsMiddleware(policy, cfg.Logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, resolver, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	timeouts := cfg.Timeouts.withDefaults()
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: timeouts.ReadHeader,
		ReadTimeout:       timeouts.Read,
		WriteTimeout:      timeouts.Write,
		IdleTimeout:       timeouts.Idle,
		ErrorLog:          slog.NewLogLogger(loggerOrDefault(cfg.Logger).Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		auditLogger: cfg.AuditLogger,
		metrics:     recorder,
		rateLimiter: rl,
		tls: TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
	}
	if srv.tls.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully and calls
// drain with the remaining shutdown budget.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration, drain func(context.Context) error) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: shutdownTimeout,
		Drain:           drain,
		Logger:          s.logger,
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeMiddlewareError(w, http.StatusNotFound, api.CodeNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func loggingMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolveClientIP(r, resolver)
			return []any{"remote_ip", ip, "ip_source", string(source)}
		},
		Quiet: quietRequest,
	})(next)
}

// quietRequest marks the polling traffic of scrapers, probes and players.
func quietRequest(r *http.Request) bool {
	switch r.URL.Path {
	case "/metrics", "/healthz", "/actuator/health":
		return true
	}
	return isHLSPath(r.URL.Path)
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			rl.observe("global")
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusTooManyRequests, api.CodeTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/webrtc/offer" {
			ip, _ := resolveClientIP(r, resolver)
			allowed, retryAfter, err := rl.AllowOffer(r.Context(), ip)
			if err != nil {
				if requestLogger := loggingWithRequest(logger, resolver, r); requestLogger != nil {
					requestLogger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, api.CodeUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				rl.observe("offer")
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, api.CodeTooManyRequests, "too many offers")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		if !shouldAudit(r) {
			return
		}
		auditLogger := loggingWithRequest(logger, resolver, r)
		if auditLogger == nil {
			return
		}
		fields := []any{
			"method", r.Method,
			"status", recorder.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if streamKey := r.URL.Query().Get("stream_key"); streamKey != "" {
			fields = append(fields, "target_stream_key", streamKey)
		}
		auditLogger.Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}
