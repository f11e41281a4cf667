package api

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"janus-hls-bridge/internal/bridge"
	"janus-hls-bridge/internal/hls"
	"janus-hls-bridge/internal/observability/logging"
	"janus-hls-bridge/internal/storage"
)

// SessionService starts and stops publisher sessions. bridge.Orchestrator
// satisfies it.
type SessionService interface {
	StartSession(ctx context.Context, streamKey, offerSDP string, roomID int64) (bridge.Result, error)
	StopSession(ctx context.Context, streamKey string) bool
	Sessions() []bridge.SessionInfo
	Session(streamKey string) (bridge.SessionInfo, error)
}

// DefaultSTUNServer is advertised when no STUN server is configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// ICEConfig lists the servers browsers should gather candidates against.
type ICEConfig struct {
	STUNServer     string
	TURNServer     string
	TURNUsername   string
	TURNCredential string
}

// TURNConfigured reports whether a TURN entry is advertised.
func (c ICEConfig) TURNConfigured() bool {
	return strings.TrimSpace(c.TURNServer) != ""
}

// Options carries the collaborators of a Handler.
type Options struct {
	Store        storage.Repository
	Sessions     SessionService
	HLS          hls.Config
	ICE          ICEConfig
	HealthChecks []HealthCheck
	Logger       *slog.Logger

	// OfferTimeout bounds a whole offer, gateway polling included. Zero
	// leaves only the request context.
	OfferTimeout time.Duration
}

// Handler serves the signaling, stream metadata and HLS routes.
type Handler struct {
	Store        storage.Repository
	Sessions     SessionService
	HLS          hls.Config
	ICE          ICEConfig
	HealthChecks []HealthCheck
	OfferTimeout time.Duration
	logger       *slog.Logger
}

// NewHandler returns a Handler. Store and Sessions may be nil, in which case
// the routes depending on them answer 503. An empty STUN server falls back to
// DefaultSTUNServer.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(opts.ICE.STUNServer) == "" {
		opts.ICE.STUNServer = DefaultSTUNServer
	}
	return &Handler{
		Store:        opts.Store,
		Sessions:     opts.Sessions,
		HLS:          opts.HLS,
		ICE:          opts.ICE,
		HealthChecks: opts.HealthChecks,
		OfferTimeout: opts.OfferTimeout,
		logger:       logging.WithComponent(logger, "api"),
	}
}

func (h *Handler) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logger.With("component", "api")
	}
	return logging.WithContext(ctx, h.logger)
}
