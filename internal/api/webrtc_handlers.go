package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"janus-hls-bridge/internal/bridge"
	"janus-hls-bridge/internal/hls"
	"janus-hls-bridge/internal/models"
	"janus-hls-bridge/internal/observability/logging"
	"janus-hls-bridge/internal/storage"
)

type offerRequest struct {
	SDP          string `json:"sdp"`
	StreamKey    string `json:"stream_key"`
	StreamKeyAlt string `json:"streamKey"` // camelCase spelling used by the stream API
	RoomID       int64  `json:"room_id,omitempty"`
}

func (r offerRequest) streamKey() string {
	if key := strings.TrimSpace(r.StreamKey); key != "" {
		return key
	}
	return strings.TrimSpace(r.StreamKeyAlt)
}

type answerResponse struct {
	SDP    string `json:"sdp"`
	HLSURL string `json:"hlsUrl"`
}

type iceServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type sessionResponse struct {
	bridge.SessionInfo
	Playlist hls.PlaylistStatus `json:"playlist"`
}

type webrtcHealthResponse struct {
	Enabled         bool `json:"enabled"`
	TURNConfigured  bool `json:"turnConfigured"`
	ICEServersCount int  `json:"iceServersCount"`
	ActiveSessions  int  `json:"activeSessions"`
}

// Offer negotiates a publisher offer with the gateway and starts the HLS
// pipeline for its stream key.
func (h *Handler) Offer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if h.Sessions == nil {
		WriteRequestError(w, RequestError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: "webrtc sessions unavailable"})
		return
	}

	var req offerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteRequestError(w, badRequest(err.Error()))
		return
	}
	streamKey := req.streamKey()
	if strings.TrimSpace(req.SDP) == "" || streamKey == "" {
		WriteRequestError(w, badRequest("sdp and stream_key are required"))
		return
	}

	ctx := logging.ContextWithStreamKey(r.Context(), streamKey)
	if h.OfferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.OfferTimeout)
		defer cancel()
	}
	logger := h.loggerFor(ctx)

	meta, known := h.streamForKey(ctx, streamKey)
	if known && meta.Status == models.StreamStatusEnded {
		WriteRequestError(w, RequestError{
			Status:  http.StatusConflict,
			Code:    CodeInvalidStreamState,
			Message: fmt.Sprintf("stream %s has ended", meta.ID),
		})
		return
	}

	result, err := h.Sessions.StartSession(ctx, streamKey, req.SDP, req.RoomID)
	if err != nil {
		h.writeStartError(w, err)
		return
	}

	if known && meta.Status == models.StreamStatusCreated {
		if _, err := h.Store.StartStream(ctx, meta.ID); err != nil && !errors.Is(err, storage.ErrConflict) {
			logger.Warn("mark stream live failed", "stream_id", meta.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, answerResponse{SDP: result.AnswerSDP, HLSURL: result.HLSURL})
}

// streamForKey looks up stream metadata for a publish. Streams that were
// never registered may still publish, so lookup failures only log.
func (h *Handler) streamForKey(ctx context.Context, streamKey string) (models.StreamMeta, bool) {
	if h.Store == nil {
		return models.StreamMeta{}, false
	}
	meta, err := h.Store.GetStreamByKey(ctx, streamKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.loggerFor(ctx).Warn("stream lookup failed", "error", err)
		}
		return models.StreamMeta{}, false
	}
	return meta, true
}

func (h *Handler) writeStartError(w http.ResponseWriter, err error) {
	var sessionErr *bridge.SessionError
	switch {
	case errors.Is(err, bridge.ErrStartInFlight), errors.Is(err, bridge.ErrStartStopped):
		WriteRequestError(w, RequestError{Status: http.StatusConflict, Code: CodeConflict, Message: err.Error()})
	case errors.Is(err, bridge.ErrShuttingDown), errors.Is(err, bridge.ErrPortsExhausted):
		WriteRequestError(w, RequestError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: err.Error()})
	case errors.As(err, &sessionErr) && sessionErr.Stage == bridge.StageValidate:
		WriteRequestError(w, badRequest(err.Error()))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// StopSession stops the session of the stream_key query parameter. Unknown
// keys are not an error.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, "DELETE")
		return
	}
	streamKey := strings.TrimSpace(r.URL.Query().Get("stream_key"))
	if streamKey == "" {
		WriteRequestError(w, badRequest("stream_key is required"))
		return
	}
	if h.Sessions != nil {
		ctx := logging.ContextWithStreamKey(r.Context(), streamKey)
		if !h.Sessions.StopSession(ctx, streamKey) {
			h.loggerFor(ctx).Debug("stop requested for unknown session")
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ActiveSessions lists the registered sessions.
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	sessions := []bridge.SessionInfo{}
	if h.Sessions != nil {
		sessions = h.Sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, sessions)
}

// SessionByKey returns one registered session with its playlist status.
func (h *Handler) SessionByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	streamKey := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/webrtc/sessions/"), "/")
	if streamKey == "" || strings.Contains(streamKey, "/") {
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "session key missing"})
		return
	}
	if h.Sessions == nil {
		WriteRequestError(w, RequestError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: "webrtc sessions unavailable"})
		return
	}
	info, err := h.Sessions.Session(streamKey)
	if err != nil {
		if errors.Is(err, bridge.ErrSessionNotFound) {
			WriteRequestError(w, RequestError{Status: http.StatusNotFound, Code: CodeSessionNotFound, Message: err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	response := sessionResponse{SessionInfo: info}
	playlist, err := hls.InspectPlaylist(filepath.Join(h.HLS.OutputRoot, info.StreamKey))
	if err != nil {
		h.loggerFor(r.Context()).Warn("inspect playlist failed", "stream_key", info.StreamKey, "error", err)
	} else {
		response.Playlist = playlist
	}
	writeJSON(w, http.StatusOK, response)
}

// ICEServers returns the STUN server and, when configured, the TURN relay.
func (h *Handler) ICEServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	writeJSON(w, http.StatusOK, h.iceServers())
}

func (h *Handler) iceServers() []iceServer {
	servers := make([]iceServer, 0, 2)
	if stun := strings.TrimSpace(h.ICE.STUNServer); stun != "" {
		servers = append(servers, iceServer{URLs: stun})
	}
	if h.ICE.TURNConfigured() {
		servers = append(servers, iceServer{
			URLs:       strings.TrimSpace(h.ICE.TURNServer),
			Username:   h.ICE.TURNUsername,
			Credential: h.ICE.TURNCredential,
		})
	}
	return servers
}

// WebRTCHealth summarises the signaling configuration.
func (h *Handler) WebRTCHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	response := webrtcHealthResponse{
		Enabled:         h.Sessions != nil,
		TURNConfigured:  h.ICE.TURNConfigured(),
		ICEServersCount: len(h.iceServers()),
	}
	status := http.StatusOK
	if h.Sessions == nil {
		status = http.StatusServiceUnavailable
	} else {
		response.ActiveSessions = len(h.Sessions.Sessions())
	}
	writeJSON(w, status, response)
}
