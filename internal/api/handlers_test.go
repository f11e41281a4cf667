package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"janus-hls-bridge/internal/bridge"
	"janus-hls-bridge/internal/hls"
	"janus-hls-bridge/internal/models"
	"janus-hls-bridge/internal/storage"
)

type fakeSessions struct {
	mu       sync.Mutex
	startErr error
	started  []string
	stopped  []string
	sessions map[string]bridge.SessionInfo
	deadline time.Time
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]bridge.SessionInfo)}
}

func (f *fakeSessions) StartSession(ctx context.Context, streamKey, offerSDP string, roomID int64) (bridge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline, _ = ctx.Deadline()
	if f.startErr != nil {
		return bridge.Result{}, f.startErr
	}
	f.started = append(f.started, streamKey)
	info := bridge.SessionInfo{
		ID:        fmt.Sprintf("session-%d", len(f.started)),
		StreamKey: streamKey,
		RoomID:    roomID,
		HLSURL:    hls.PublicURL("", streamKey),
		Ports:     bridge.ForwardingPorts{Video: 10000, Audio: 10002},
	}
	f.sessions[streamKey] = info
	return bridge.Result{
		SessionID: info.ID,
		AnswerSDP: "answer-for:" + offerSDP,
		HLSURL:    info.HLSURL,
		Ports:     info.Ports,
	}, nil
}

func (f *fakeSessions) StopSession(_ context.Context, streamKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, streamKey)
	if _, ok := f.sessions[streamKey]; !ok {
		return false
	}
	delete(f.sessions, streamKey)
	return true
}

func (f *fakeSessions) Sessions() []bridge.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridge.SessionInfo, 0, len(f.sessions))
	for _, info := range f.sessions {
		out = append(out, info)
	}
	return out
}

func (f *fakeSessions) Session(streamKey string) (bridge.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.sessions[streamKey]
	if !ok {
		return bridge.SessionInfo{}, bridge.ErrSessionNotFound
	}
	return info, nil
}

type testEnv struct {
	handler  *Handler
	store    *storage.Storage
	sessions *fakeSessions
	hlsRoot  string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	sessions := newFakeSessions()
	hlsCfg := hls.DefaultConfig()
	hlsCfg.OutputRoot = filepath.Join(dir, "hls")
	handler := NewHandler(Options{
		Store:    store,
		Sessions: sessions,
		HLS:      hlsCfg,
		ICE:      ICEConfig{STUNServer: "stun:stun.l.google.com:19302"},
	})
	return testEnv{handler: handler, store: store, sessions: sessions, hlsRoot: hlsCfg.OutputRoot}
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var response errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if response.Error == "" {
		t.Fatalf("expected error message in %s", rec.Body.String())
	}
	return response.Code
}

func TestOfferReturnsAnswerAndPlaylist(t *testing.T) {
	env := newTestEnv(t)

	rec := postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{
		"sdp":        "v=0",
		"stream_key": "demo",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var answer answerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.SDP != "answer-for:v=0" {
		t.Fatalf("unexpected answer sdp %q", answer.SDP)
	}
	if answer.HLSURL != "/webrtc-hls/demo/index.m3u8" {
		t.Fatalf("unexpected hls url %q", answer.HLSURL)
	}
}

func TestOfferBoundsNegotiationByOfferTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.handler.OfferTimeout = 45 * time.Second

	before := time.Now()
	rec := postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{
		"sdp":        "v=0",
		"stream_key": "demo",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env.sessions.mu.Lock()
	deadline := env.sessions.deadline
	env.sessions.mu.Unlock()
	if deadline.IsZero() {
		t.Fatal("expected the offer context to carry a deadline")
	}
	if deadline.Before(before.Add(44*time.Second)) || deadline.After(time.Now().Add(45*time.Second)) {
		t.Fatalf("unexpected offer deadline %s", deadline)
	}
}

func TestOfferAcceptsCamelCaseStreamKey(t *testing.T) {
	env := newTestEnv(t)

	rec := postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{
		"sdp":       "v=0",
		"streamKey": "camel",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(env.sessions.started) != 1 || env.sessions.started[0] != "camel" {
		t.Fatalf("expected session for camel, got %v", env.sessions.started)
	}
}

func TestOfferRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name    string
		payload map[string]interface{}
	}{
		{name: "missing sdp", payload: map[string]interface{}{"stream_key": "demo"}},
		{name: "missing key", payload: map[string]interface{}{"sdp": "v=0"}},
		{name: "blank sdp", payload: map[string]interface{}{"sdp": "   ", "stream_key": "demo"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", tc.payload)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
			if code := decodeErrorCode(t, rec); code != CodeBadRequest {
				t.Fatalf("expected code %s, got %s", CodeBadRequest, code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webrtc/offer", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.handler.Offer(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for malformed body, got %d", rec.Code)
	}
	if len(env.sessions.started) != 0 {
		t.Fatalf("expected no sessions started, got %v", env.sessions.started)
	}
}

func TestOfferMapsStartErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "in flight",
			err:    &bridge.SessionError{StreamKey: "demo", Stage: bridge.StageReserve, Err: bridge.ErrStartInFlight},
			status: http.StatusConflict,
			code:   CodeConflict,
		},
		{
			name:   "stopped before commit",
			err:    &bridge.SessionError{StreamKey: "demo", Stage: bridge.StageNegotiate, Err: bridge.ErrStartStopped},
			status: http.StatusConflict,
			code:   CodeConflict,
		},
		{
			name:   "ports exhausted",
			err:    &bridge.SessionError{StreamKey: "demo", Stage: bridge.StagePorts, Err: bridge.ErrPortsExhausted},
			status: http.StatusServiceUnavailable,
			code:   CodeUnavailable,
		},
		{
			name:   "invalid key",
			err:    &bridge.SessionError{StreamKey: "demo", Stage: bridge.StageValidate, Err: hls.ErrInvalidStreamKey},
			status: http.StatusBadRequest,
			code:   CodeBadRequest,
		},
		{
			name:   "negotiation failure",
			err:    &bridge.SessionError{StreamKey: "demo", Stage: bridge.StageNegotiate, Err: errors.New("janus unreachable")},
			status: http.StatusInternalServerError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.sessions.startErr = tc.err
			rec := postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{
				"sdp":        "v=0",
				"stream_key": "demo",
			})
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			if code := decodeErrorCode(t, rec); code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, code)
			}
		})
	}
}

func TestOfferMovesCreatedStreamLive(t *testing.T) {
	env := newTestEnv(t)
	meta, err := env.store.CreateStream(context.Background(), storage.CreateStreamParams{Title: "Launch"})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	rec := postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{
		"sdp":        "v=0",
		"stream_key": meta.StreamKey,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated, err := env.store.GetStream(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if updated.Status != models.StreamStatusLive {
		t.Fatalf("expected stream LIVE, got %s", updated.Status)
	}
}

func TestOfferRejectsEndedStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	meta, err := env.store.CreateStream(ctx, storage.CreateStreamParams{Title: "Finished"})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := env.store.StartStream(ctx, meta.ID); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if _, err := env.store.EndStream(ctx, meta.ID); err != nil {
		t.Fatalf("EndStream: %v", err)
	}

	rec := postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{
		"sdp":        "v=0",
		"stream_key": meta.StreamKey,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != CodeInvalidStreamState {
		t.Fatalf("expected code %s, got %s", CodeInvalidStreamState, code)
	}
	if len(env.sessions.started) != 0 {
		t.Fatalf("expected no session for ended stream")
	}
}

func TestOfferWithoutSessionsIsUnavailable(t *testing.T) {
	handler := NewHandler(Options{})
	rec := postJSON(t, handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{"sdp": "v=0", "stream_key": "demo"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestStopSessionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{"sdp": "v=0", "stream_key": "demo"})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/webrtc?stream_key=demo", nil)
		rec := httptest.NewRecorder()
		env.handler.StopSession(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("stop %d: expected status 200, got %d", i, rec.Code)
		}
		var response map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
			t.Fatalf("decode stop response: %v", err)
		}
		if response["status"] != "stopped" {
			t.Fatalf("unexpected stop response %v", response)
		}
	}
	if len(env.sessions.Sessions()) != 0 {
		t.Fatalf("expected no sessions after stop")
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/webrtc", nil)
	rec := httptest.NewRecorder()
	env.handler.StopSession(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without stream_key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/webrtc?stream_key=demo", nil)
	rec = httptest.NewRecorder()
	env.handler.StopSession(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "DELETE" {
		t.Fatalf("expected Allow DELETE, got %q", allow)
	}
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.handler.Offer, "/api/v1/webrtc/offer", map[string]interface{}{"sdp": "v=0", "stream_key": "demo"})

	dir := filepath.Join(env.hlsRoot, "demo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	playlist := "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:4\n#EXTINF:2.000,\nsegment_004.ts\n#EXTINF:2.000,\nsegment_005.ts\n"
	if err := os.WriteFile(filepath.Join(dir, hls.PlaylistName), []byte(playlist), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webrtc/sessions", nil)
	rec := httptest.NewRecorder()
	env.handler.ActiveSessions(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var listed []bridge.SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(listed) != 1 || listed[0].StreamKey != "demo" {
		t.Fatalf("unexpected sessions %+v", listed)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/webrtc/sessions/demo", nil)
	rec = httptest.NewRecorder()
	env.handler.SessionByKey(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var detail sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if detail.Ports.Video != 10000 || detail.Ports.Audio != 10002 {
		t.Fatalf("unexpected ports %+v", detail.Ports)
	}
	if !detail.Playlist.Ready() || detail.Playlist.Segments != 2 || detail.Playlist.LastSegment != "segment_005.ts" {
		t.Fatalf("unexpected playlist %+v", detail.Playlist)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/webrtc/sessions/missing", nil)
	rec = httptest.NewRecorder()
	env.handler.SessionByKey(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != CodeSessionNotFound {
		t.Fatalf("expected code %s, got %s", CodeSessionNotFound, code)
	}
}

func TestICEServersAndWebRTCHealth(t *testing.T) {
	env := newTestEnv(t)
	env.handler.ICE.TURNServer = "turn:turn.example.com:3478"
	env.handler.ICE.TURNUsername = "bridge"
	env.handler.ICE.TURNCredential = "secret"

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webrtc/ice-servers", nil)
	rec := httptest.NewRecorder()
	env.handler.ICEServers(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var servers []iceServer
	if err := json.Unmarshal(rec.Body.Bytes(), &servers); err != nil {
		t.Fatalf("decode ice servers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 ice servers, got %d", len(servers))
	}
	if servers[0].URLs != "stun:stun.l.google.com:19302" || servers[0].Username != "" {
		t.Fatalf("unexpected stun entry %+v", servers[0])
	}
	if servers[1].Username != "bridge" || servers[1].Credential != "secret" {
		t.Fatalf("unexpected turn entry %+v", servers[1])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/webrtc/health", nil)
	rec = httptest.NewRecorder()
	env.handler.WebRTCHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var health webrtcHealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.Enabled || !health.TURNConfigured || health.ICEServersCount != 2 {
		t.Fatalf("unexpected webrtc health %+v", health)
	}
}

func TestICEServersDefaultsSTUN(t *testing.T) {
	handler := NewHandler(Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/webrtc/ice-servers", nil)
	rec := httptest.NewRecorder()
	handler.ICEServers(rec, req)
	var servers []iceServer
	if err := json.Unmarshal(rec.Body.Bytes(), &servers); err != nil {
		t.Fatalf("decode ice servers: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs != DefaultSTUNServer {
		t.Fatalf("expected only the default stun server, got %+v", servers)
	}
}

func TestHLSFilesServesPlaylistAndSegments(t *testing.T) {
	env := newTestEnv(t)
	dir := filepath.Join(env.hlsRoot, "demo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, hls.PlaylistName), []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "segment_000.ts"), []byte("tsdata"), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	if err := os.WriteFile(filepath.Join(env.hlsRoot, "secret.ts"), []byte("outside"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	cases := []struct {
		name        string
		method      string
		path        string
		status      int
		contentType string
		cache       string
		body        string
	}{
		{name: "playlist", method: http.MethodGet, path: "/webrtc-hls/demo/index.m3u8", status: http.StatusOK, contentType: "application/vnd.apple.mpegurl", cache: "no-store", body: "#EXTM3U\n"},
		{name: "segment", method: http.MethodGet, path: "/webrtc-hls/demo/segment_000.ts", status: http.StatusOK, contentType: "video/mp2t", cache: "public, max-age=30", body: "tsdata"},
		{name: "head", method: http.MethodHead, path: "/webrtc-hls/demo/index.m3u8", status: http.StatusOK, contentType: "application/vnd.apple.mpegurl", cache: "no-store"},
		{name: "missing", method: http.MethodGet, path: "/webrtc-hls/demo/segment_999.ts", status: http.StatusNotFound},
		{name: "unknown extension", method: http.MethodGet, path: "/webrtc-hls/demo/notes.txt", status: http.StatusNotFound},
		{name: "traversal", method: http.MethodGet, path: "/webrtc-hls/demo/../secret.ts", status: http.StatusNotFound},
		{name: "directory", method: http.MethodGet, path: "/webrtc-hls/demo/nested.ts", status: http.StatusNotFound},
		{name: "no file", method: http.MethodGet, path: "/webrtc-hls/demo", status: http.StatusNotFound},
		{name: "post", method: http.MethodPost, path: "/webrtc-hls/demo/index.m3u8", status: http.StatusMethodNotAllowed},
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.ts"), 0o755); err != nil {
		t.Fatalf("mkdir nested.ts: %v", err)
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/", nil)
			req.URL.Path = tc.path
			rec := httptest.NewRecorder()
			env.handler.HLSFiles(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			if tc.status != http.StatusOK {
				return
			}
			if got := rec.Header().Get("Content-Type"); got != tc.contentType {
				t.Fatalf("expected content type %q, got %q", tc.contentType, got)
			}
			if got := rec.Header().Get("Cache-Control"); got != tc.cache {
				t.Fatalf("expected cache control %q, got %q", tc.cache, got)
			}
			if tc.method == http.MethodGet && rec.Body.String() != tc.body {
				t.Fatalf("unexpected body %q", rec.Body.String())
			}
			if tc.method == http.MethodHead && rec.Body.Len() != 0 {
				t.Fatalf("expected empty HEAD body, got %d bytes", rec.Body.Len())
			}
		})
	}
}

func TestStreamLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := postJSON(t, env.handler.Streams, "/api/v1/streams", map[string]interface{}{
		"title":       "Morning show",
		"description": "daily",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created models.StreamMeta
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if created.Status != models.StreamStatusCreated {
		t.Fatalf("expected CREATED, got %s", created.Status)
	}
	if created.HLSURL != "/webrtc-hls/"+created.StreamKey+"/index.m3u8" {
		t.Fatalf("unexpected hls url %q", created.HLSURL)
	}

	transitions := []struct {
		path   string
		status int
		want   models.StreamStatus
	}{
		{path: "/start", status: http.StatusOK, want: models.StreamStatusLive},
		{path: "/start", status: http.StatusConflict},
		{path: "/end", status: http.StatusOK, want: models.StreamStatusEnded},
		{path: "/end", status: http.StatusConflict},
	}
	for _, step := range transitions {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/streams/"+created.ID+step.path, nil)
		rec := httptest.NewRecorder()
		env.handler.StreamByID(rec, req)
		if rec.Code != step.status {
			t.Fatalf("%s: expected status %d, got %d", step.path, step.status, rec.Code)
		}
		if step.status != http.StatusOK {
			if code := decodeErrorCode(t, rec); code != CodeInvalidStreamState {
				t.Fatalf("%s: expected code %s, got %s", step.path, CodeInvalidStreamState, code)
			}
			continue
		}
		var meta models.StreamMeta
		if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
			t.Fatalf("decode transition: %v", err)
		}
		if meta.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.path, step.want, meta.Status)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/"+created.ID, nil)
	rec = httptest.NewRecorder()
	env.handler.StreamByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/streams/unknown", nil)
	rec = httptest.NewRecorder()
	env.handler.StreamByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != CodeStreamNotFound {
		t.Fatalf("expected code %s, got %s", CodeStreamNotFound, code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/streams/"+created.ID+"/start", nil)
	rec = httptest.NewRecorder()
	env.handler.StreamByID(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
}

func TestStreamsListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, title := range []string{"Cooking live", "Coding live", "Gardening"} {
		if _, err := env.store.CreateStream(ctx, storage.CreateStreamParams{Title: title}); err != nil {
			t.Fatalf("CreateStream %s: %v", title, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams?search=live&size=1&page=0", nil)
	rec := httptest.NewRecorder()
	env.handler.Streams(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var page models.StreamPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.TotalElements != 2 || page.TotalPages != 2 || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].HLSURL == "" {
		t.Fatalf("expected hls url on listed stream")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/streams?search=live&fields=unknown", nil)
	rec = httptest.NewRecorder()
	env.handler.Streams(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.TotalElements != 0 || len(page.Items) != 0 {
		t.Fatalf("expected empty page for unknown fields, got %+v", page)
	}

	for _, query := range []string{"page=abc", "size=1.5"} {
		req = httptest.NewRequest(http.MethodGet, "/api/v1/streams?"+query, nil)
		rec = httptest.NewRecorder()
		env.handler.Streams(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", query, rec.Code)
		}
	}
}

func TestStreamsRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	rec := postJSON(t, env.handler.Streams, "/api/v1/streams", map[string]interface{}{"title": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != CodeBadRequest {
		t.Fatalf("expected code %s, got %s", CodeBadRequest, code)
	}
}

func TestHealthReportsComponents(t *testing.T) {
	env := newTestEnv(t)
	env.handler.HealthChecks = []HealthCheck{
		{Component: "redis", Check: func(context.Context) error { return nil }},
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "UP" || len(health.Components) != 2 {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.Components[0].Component != "datastore" {
		t.Fatalf("expected datastore first, got %s", health.Components[0].Component)
	}

	env.handler.HealthChecks = append(env.handler.HealthChecks, HealthCheck{
		Component: "janus",
		Check:     func(context.Context) error { return errors.New("connection refused") },
	})
	rec = httptest.NewRecorder()
	env.handler.Health(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	last := health.Components[len(health.Components)-1]
	if health.Status != "DOWN" || last.Status != "DOWN" || last.Error != "connection refused" {
		t.Fatalf("unexpected degraded health %+v", health)
	}
}
