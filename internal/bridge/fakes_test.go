package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"janus-hls-bridge/internal/janus"
	"janus-hls-bridge/internal/observability/metrics"
	"janus-hls-bridge/internal/storage"
)

type fakeEngine struct {
	answer     janus.Answer
	err        error
	forwardErr error
	sessionID  uint64
	// gate, when set, blocks Negotiate until it is closed.
	gate    chan struct{}
	entered chan struct{}

	mu        sync.Mutex
	forwards  []janus.ForwardPorts
	disposed  atomic.Bool
	publisher uint64
}

func (f *fakeEngine) Negotiate(ctx context.Context, offerSDP string, roomID int64) (janus.Answer, error) {
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return janus.Answer{}, ctx.Err()
		}
	}
	if f.err != nil {
		return janus.Answer{}, f.err
	}
	return f.answer, nil
}

func (f *fakeEngine) Forward(_ context.Context, _ int64, publisherID uint64, ports janus.ForwardPorts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, ports)
	f.publisher = publisherID
	return f.forwardErr
}

func (f *fakeEngine) forwardCalls() []janus.ForwardPorts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]janus.ForwardPorts(nil), f.forwards...)
}

func (f *fakeEngine) SessionID() uint64 { return f.sessionID }

func (f *fakeEngine) HandleID() uint64 { return f.sessionID + 1 }

func (f *fakeEngine) Dispose() { f.disposed.Store(true) }

type fakePipeline struct {
	startErr error
	// stopGate, when set, blocks Stop until it is closed.
	stopGate    chan struct{}
	stopEntered chan struct{}
	stopOnce    sync.Once

	mu      sync.Mutex
	port    int
	key     string
	started bool
	stops   int
	onExit  func(error)
}

func (p *fakePipeline) Start(_ context.Context, inputPort int, streamKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.port = inputPort
	p.key = streamKey
	p.started = true
	return nil
}

func (p *fakePipeline) Stop(context.Context) {
	if p.stopEntered != nil {
		p.stopOnce.Do(func() { close(p.stopEntered) })
	}
	if p.stopGate != nil {
		<-p.stopGate
	}
	p.mu.Lock()
	p.stops++
	running := p.started
	p.started = false
	onExit := p.onExit
	p.mu.Unlock()
	if running && onExit != nil {
		onExit(nil)
	}
}

func (p *fakePipeline) OnExit(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

func (p *fakePipeline) PublicURL(streamKey string) string {
	return "/webrtc-hls/" + streamKey + "/index.m3u8"
}

// crash simulates ffmpeg exiting on its own.
func (p *fakePipeline) crash(err error) {
	p.mu.Lock()
	p.started = false
	onExit := p.onExit
	p.mu.Unlock()
	onExit(err)
}

func (p *fakePipeline) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// harness wires an Orchestrator to queued fakes, a JSON store and a private
// metrics recorder.
type harness struct {
	t         *testing.T
	orch      *Orchestrator
	store     *storage.Storage
	recorder  *metrics.Recorder
	mu        sync.Mutex
	engines   []*fakeEngine
	pipelines []*fakePipeline
	nextEng   func() *fakeEngine
	nextPipe  func() *fakePipeline
	clock     time.Time
	ids       atomic.Int64
}

func newHarness(t *testing.T, cfg Config, mirror SessionMirror) *harness {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	h := &harness{
		t:        t,
		store:    store,
		recorder: metrics.New(),
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		nextEng: func() *fakeEngine {
			return &fakeEngine{answer: janus.Answer{SDP: "v=0 answer", PublisherID: 77}, sessionID: 100}
		},
		nextPipe: func() *fakePipeline { return &fakePipeline{} },
	}
	if cfg.Ports == (PortRange{}) {
		cfg.Ports = PortRange{Min: 10000, Max: 10099}
	}
	if cfg.RoomID == 0 {
		cfg.RoomID = 1234
	}
	orch, err := NewOrchestrator(cfg, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewEngine: func() (Negotiator, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			engine := h.nextEng()
			h.engines = append(h.engines, engine)
			return engine, nil
		},
		NewPipeline: func() Pipeline {
			h.mu.Lock()
			defer h.mu.Unlock()
			pipeline := h.nextPipe()
			h.pipelines = append(h.pipelines, pipeline)
			return pipeline
		},
		Observer: h.recorder,
		Store:    store,
		Mirror:   mirror,
		Now:      func() time.Time { return h.now() },
		NewID:    func() string { return fmt.Sprintf("session-%d", h.ids.Add(1)) },
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) engine(i int) *fakeEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[i]
}

func (h *harness) pipeline(i int) *fakePipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pipelines[i]
}

func (h *harness) pipelineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pipelines)
}
