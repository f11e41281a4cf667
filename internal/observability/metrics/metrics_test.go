package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/":                                  "/",
		"/api/v1/streams/":                   "/api/v1/streams",
		"/api/v1/streams/0f8fad5b-d9cb-469f": "/api/v1/streams/:id",
		"/api/v1/webrtc/sessions":            "/api/v1/webrtc/sessions",
		"/api/v1/webrtc/ice-servers":         "/api/v1/webrtc/ice-servers",
		"streams/abc/456/extra":              "/streams/abc/:id/extra",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDomainCollectors(t *testing.T) {
	recorder := New()
	recorder.ObservePoll(false)
	recorder.ObservePoll(false)
	recorder.ObservePoll(true)
	recorder.ObserveNegotiation("answered", 1500*time.Millisecond)
	recorder.ObservePipeline("started")
	recorder.ObservePipeline("failed")
	recorder.ObserveRateLimited("offer")

	body := scrape(t, recorder)
	for _, want := range []string{
		`webrtc_hls_janus_poll_attempts_total{result="miss"} 2`,
		`webrtc_hls_janus_poll_attempts_total{result="answer"} 1`,
		`webrtc_hls_janus_negotiations_total{outcome="answered"} 1`,
		`webrtc_hls_ffmpeg_pipeline_events_total{event="failed"} 1`,
		`webrtc_hls_rate_limited_requests_total{scope="offer"} 1`,
		`webrtc_hls_janus_negotiation_duration_seconds_count{outcome="answered"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in scrape:\n%s", want, body)
		}
	}
}

func TestSessionGaugeConcurrent(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.SessionStarted()
		}()
	}
	wg.Wait()
	for i := 0; i < 60; i++ {
		recorder.SessionEnded("stopped")
	}
	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("expected gauge to floor at zero, got %d", got)
	}
	body := scrape(t, recorder)
	if !strings.Contains(body, "webrtc_hls_active_sessions 0") {
		t.Fatalf("expected zero gauge in scrape:\n%s", body)
	}
	if !strings.Contains(body, `webrtc_hls_session_events_total{event="started"} 50`) {
		t.Fatalf("expected started count in scrape:\n%s", body)
	}
}

func TestSetDefault(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	replacement := New()
	SetDefault(replacement)
	ObserveRequest("POST", "/api/v1/webrtc/offer", 200, 10*time.Millisecond)

	body := scrape(t, replacement)
	if !strings.Contains(body, `webrtc_hls_http_requests_total{method="POST",path="/api/v1/webrtc/offer",status="200"} 1`) {
		t.Fatalf("expected request on replacement recorder:\n%s", body)
	}
}
