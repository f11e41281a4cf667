package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webrtc_hls"

// Recorder owns a private Prometheus registry with the HTTP, negotiation,
// pipeline and session collectors of the bridge. Its observation methods
// satisfy janus.Observer, hls.Observer and bridge.SessionObserver.
type Recorder struct {
	registry *prometheus.Registry

	requests            *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	negotiations        *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec
	pollAttempts        *prometheus.CounterVec
	pipelineEvents      *prometheus.CounterVec
	sessionEvents       *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	activeSessionsGauge prometheus.Gauge
	activeSessions      atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with its own registry, including the Go runtime
// and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed by the API.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janus_negotiations_total",
			Help:      "Publisher negotiations by outcome.",
		}, []string{"outcome"}),
		negotiationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "janus_negotiation_duration_seconds",
			Help:      "Wall time from offer to answer or failure.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30, 60, 90},
		}, []string{"outcome"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janus_poll_attempts_total",
			Help:      "Long-poll attempts by result.",
		}, []string{"result"}),
		pipelineEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ffmpeg_pipeline_events_total",
			Help:      "ffmpeg pipeline lifecycle events.",
		}, []string{"event"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session registry lifecycle events.",
		}, []string{"event"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"scope"}),
		activeSessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently bridged to HLS.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.negotiations,
		r.negotiationDuration,
		r.pollAttempts,
		r.pipelineEvents,
		r.sessionEvents,
		r.rateLimited,
		r.activeSessionsGauge,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Tests use it to isolate
// observations.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry for callers registering their own
// collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request under a normalized path so stream
// keys and ids do not explode label cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	normalized := normalizePath(path)
	r.requests.WithLabelValues(method, normalized, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, normalized).Observe(duration.Seconds())
}

// ObservePoll counts one Janus long-poll attempt.
func (r *Recorder) ObservePoll(matched bool) {
	result := "miss"
	if matched {
		result = "answer"
	}
	r.pollAttempts.WithLabelValues(result).Inc()
}

// ObserveNegotiation records the outcome and wall time of one negotiation.
func (r *Recorder) ObserveNegotiation(outcome string, elapsed time.Duration) {
	outcome = normalizeName(outcome)
	r.negotiations.WithLabelValues(outcome).Inc()
	r.negotiationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObservePipeline counts an ffmpeg lifecycle event.
func (r *Recorder) ObservePipeline(event string) {
	r.pipelineEvents.WithLabelValues(normalizeName(event)).Inc()
}

// SessionStarted increments the active session gauge.
func (r *Recorder) SessionStarted() {
	r.sessionEvents.WithLabelValues("started").Inc()
	r.activeSessionsGauge.Set(float64(r.activeSessions.Add(1)))
}

// SessionEnded decrements the active session gauge, never below zero, and
// counts the reason the session ended.
func (r *Recorder) SessionEnded(reason string) {
	r.sessionEvents.WithLabelValues(normalizeName(reason)).Inc()
	for {
		current := r.activeSessions.Load()
		if current <= 0 {
			r.activeSessionsGauge.Set(0)
			return
		}
		if r.activeSessions.CompareAndSwap(current, current-1) {
			r.activeSessionsGauge.Set(float64(current - 1))
			return
		}
	}
}

// ActiveSessions reports the current gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ObserveRateLimited counts a request rejected by the named limiter.
func (r *Recorder) ObserveRateLimited(scope string) {
	r.rateLimited.WithLabelValues(normalizeName(scope)).Inc()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier flags long segments and digit-heavy ones. Route words
// such as "webrtc" or "streams" are short enough to survive; HLS file names
// are collapsed.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return !isRouteWord(segment)
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func isRouteWord(segment string) bool {
	switch segment {
	case "sessions", "ice-servers", "actuator", "webrtc-hls":
		return true
	default:
		return false
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
