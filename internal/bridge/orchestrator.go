package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"janus-hls-bridge/internal/hls"
	"janus-hls-bridge/internal/janus"
	"janus-hls-bridge/internal/models"
	"janus-hls-bridge/internal/observability/logging"
)

const (
	DefaultMaxNegotiations = 8
	DefaultCleanupTimeout  = 15 * time.Second
	DefaultStaleAfter      = time.Minute
)

// Session end reasons reported to a SessionObserver.
const (
	EndStopped  = "stopped"
	EndEvicted  = "evicted"
	EndExited   = "exited"
	EndShutdown = "shutdown"
)

// Negotiator is the part of janus.Engine the orchestrator drives.
type Negotiator interface {
	Negotiate(ctx context.Context, offerSDP string, roomID int64) (janus.Answer, error)
	Forward(ctx context.Context, roomID int64, publisherID uint64, ports janus.ForwardPorts) error
	SessionID() uint64
	HandleID() uint64
	Dispose()
}

// Pipeline is the part of hls.Supervisor the orchestrator drives.
type Pipeline interface {
	Start(ctx context.Context, inputPort int, streamKey string) error
	Stop(ctx context.Context)
	OnExit(fn func(error))
	PublicURL(streamKey string) string
}

// SessionObserver tracks session lifecycle. metrics.Recorder satisfies it.
type SessionObserver interface {
	SessionStarted()
	SessionEnded(reason string)
}

// SessionStore persists session records. storage.Repository satisfies it.
type SessionStore interface {
	SaveSession(ctx context.Context, session models.WebRTCSession) error
	FinishSession(ctx context.Context, id string, status models.SessionStatus, lastError string) (models.WebRTCSession, error)
	ListSessions(ctx context.Context, streamKey string) ([]models.WebRTCSession, error)
}

// Config bounds the orchestrator's resources.
type Config struct {
	Ports PortRange
	// ProbePorts additionally skips ports another process has bound.
	ProbePorts bool
	// RoomID is used when a start does not name a room.
	RoomID                    int64
	MaxConcurrentNegotiations int64
	// CleanupTimeout bounds stop and persistence work that must outlive the
	// caller's context.
	CleanupTimeout time.Duration
	// StaleAfter is the age an untracked active record must reach before
	// Reconcile fails it.
	StaleAfter time.Duration
}

// Options carries the collaborators of an Orchestrator. NewEngine and
// NewPipeline are required.
type Options struct {
	Logger      *slog.Logger
	NewEngine   func() (Negotiator, error)
	NewPipeline func() Pipeline
	Observer    SessionObserver
	Store       SessionStore
	Mirror      SessionMirror
	Now         func() time.Time
	NewID       func() string
}

// Result is returned by a successful StartSession.
type Result struct {
	SessionID string
	AnswerSDP string
	HLSURL    string
	Ports     ForwardingPorts
}

// Orchestrator sequences session starts and stops across the negotiation
// engine and the pipeline supervisor.
type Orchestrator struct {
	cfg       Config
	logger    *slog.Logger
	registry  *registry
	slots     *semaphore.Weighted
	newEngine func() (Negotiator, error)
	newPipe   func() Pipeline
	observer  SessionObserver
	store     SessionStore
	mirror    SessionMirror
	now       func() time.Time
	newID     func() string
}

// NewOrchestrator validates cfg and returns an Orchestrator with an empty
// registry.
func NewOrchestrator(cfg Config, opts Options) (*Orchestrator, error) {
	if opts.NewEngine == nil || opts.NewPipeline == nil {
		return nil, errors.New("bridge: engine and pipeline factories are required")
	}
	if cfg.MaxConcurrentNegotiations <= 0 {
		cfg.MaxConcurrentNegotiations = DefaultMaxNegotiations
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	ports, err := newPortAllocator(cfg.Ports, cfg.ProbePorts)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "bridge"),
		registry:  newRegistry(ports),
		slots:     semaphore.NewWeighted(cfg.MaxConcurrentNegotiations),
		newEngine: opts.NewEngine,
		newPipe:   opts.NewPipeline,
		observer:  opts.Observer,
		store:     opts.Store,
		mirror:    opts.Mirror,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if o.mirror == nil {
		o.mirror = noopMirror{}
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// startAttempt tracks what a start acquired so a failure can release it.
type startAttempt struct {
	streamKey string
	res       *reservation
	engine    Negotiator
	ports     ForwardingPorts
	pipeline  Pipeline
	started   bool
}

// StartSession negotiates offerSDP with the gateway, forwards the publisher's
// media to a fresh port block and starts the HLS pipeline on it. A live
// session for the same key is stopped first. A StopSession for the key that
// arrives before the start commits cancels it with ErrStartStopped. roomID 0
// selects the configured room.
func (o *Orchestrator) StartSession(ctx context.Context, streamKey, offerSDP string, roomID int64) (Result, error) {
	streamKey = strings.TrimSpace(streamKey)
	if err := hls.ValidateStreamKey(streamKey); err != nil {
		return Result{}, &SessionError{StreamKey: streamKey, Stage: StageValidate, Err: err}
	}
	if strings.TrimSpace(offerSDP) == "" {
		return Result{}, &SessionError{StreamKey: streamKey, Stage: StageValidate, Err: errors.New("offer sdp is required")}
	}
	if roomID == 0 {
		roomID = o.cfg.RoomID
	}
	logger := logging.WithContext(ctx, o.logger).With("stream_key", streamKey)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res, prior, err := o.registry.reserve(streamKey, cancel)
	if err != nil {
		return Result{}, &SessionError{StreamKey: streamKey, Stage: StageReserve, Err: err}
	}
	if prior != nil {
		logger.Info("replacing active webrtc session", "previous_session", prior.info.ID)
		o.teardown(ctx, prior, EndEvicted, models.SessionStatusStopped, "replaced by a new session")
	}

	attempt := &startAttempt{streamKey: streamKey, res: res}
	result, err := o.start(ctx, logger, attempt, offerSDP, roomID)
	if err != nil {
		if o.registry.stoppedDuringStart(res) {
			stage := StageCommit
			var sessionErr *SessionError
			if errors.As(err, &sessionErr) {
				stage = sessionErr.Stage
			}
			err = &SessionError{StreamKey: streamKey, Stage: stage, Err: ErrStartStopped}
		}
		o.abandon(ctx, logger, attempt, err)
		return Result{}, err
	}
	return result, nil
}

func (o *Orchestrator) start(ctx context.Context, logger *slog.Logger, attempt *startAttempt, offerSDP string, roomID int64) (Result, error) {
	fail := func(stage Stage, err error) (Result, error) {
		return Result{}, &SessionError{StreamKey: attempt.streamKey, Stage: stage, Err: err}
	}

	engine, err := o.newEngine()
	if err != nil {
		return fail(StageNegotiate, err)
	}
	attempt.engine = engine

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return fail(StageNegotiate, err)
	}
	answer, err := engine.Negotiate(ctx, offerSDP, roomID)
	o.slots.Release(1)
	if err != nil {
		return fail(StageNegotiate, err)
	}

	ports, err := o.registry.allocate(o.now())
	if err != nil {
		return fail(StagePorts, err)
	}
	attempt.ports = ports

	if answer.PublisherID != 0 {
		forward := janus.ForwardPorts{Audio: ports.Audio, Video: ports.Video}
		if err := engine.Forward(ctx, roomID, answer.PublisherID, forward); err != nil {
			logger.Warn("rtp_forward failed, pipeline may receive no media", "error", err)
		}
	} else {
		logger.Warn("no publisher id in gateway events, skipping rtp_forward")
	}

	pipeline := o.newPipe()
	attempt.pipeline = pipeline
	s := &session{
		info: SessionInfo{
			ID:             o.newID(),
			StreamKey:      attempt.streamKey,
			RoomID:         roomID,
			JanusSessionID: engine.SessionID(),
			JanusHandleID:  engine.HandleID(),
			PublisherID:    answer.PublisherID,
			Ports:          ports,
			HLSURL:         pipeline.PublicURL(attempt.streamKey),
			StartedAt:      o.now(),
		},
		engine:   engine,
		pipeline: pipeline,
	}
	pipeline.OnExit(func(exitErr error) {
		o.handlePipelineExit(s, exitErr)
	})
	if err := pipeline.Start(ctx, ports.Video, attempt.streamKey); err != nil {
		return fail(StagePipeline, err)
	}
	attempt.started = true

	if err := o.registry.commit(attempt.res, s); err != nil {
		return fail(StageCommit, err)
	}

	if o.observer != nil {
		o.observer.SessionStarted()
	}
	cleanupCtx, cancel := o.cleanupContext(ctx)
	defer cancel()
	if err := o.mirror.Put(cleanupCtx, s.info); err != nil {
		logger.Warn("session mirror update failed", "error", err)
	}
	o.saveRecord(cleanupCtx, logger, s.info, models.SessionStatusActive, "")

	logger.Info("webrtc session started",
		"session_id", s.info.ID,
		"janus_session", s.info.JanusSessionID,
		"publisher_id", s.info.PublisherID,
		"video_port", ports.Video,
		"audio_port", ports.Audio,
		"hls_url", s.info.HLSURL)
	return Result{
		SessionID: s.info.ID,
		AnswerSDP: answer.SDP,
		HLSURL:    s.info.HLSURL,
		Ports:     ports,
	}, nil
}

// abandon releases everything a failed start acquired.
func (o *Orchestrator) abandon(ctx context.Context, logger *slog.Logger, attempt *startAttempt, cause error) {
	cleanupCtx, cancel := o.cleanupContext(ctx)
	defer cancel()
	if attempt.started {
		attempt.pipeline.Stop(cleanupCtx)
	}
	if attempt.engine != nil {
		attempt.engine.Dispose()
	}
	o.registry.abandon(attempt.res, attempt.ports)
	status := models.SessionStatusFailed
	if errors.Is(cause, ErrStartStopped) {
		status = models.SessionStatusStopped
		logger.Info("webrtc session start stopped before completing", "error", cause)
	} else {
		logger.Error("webrtc session start failed", "error", cause)
	}

	if attempt.engine == nil || attempt.engine.SessionID() == 0 {
		return
	}
	info := SessionInfo{
		ID:             o.newID(),
		StreamKey:      attempt.streamKey,
		JanusSessionID: attempt.engine.SessionID(),
		JanusHandleID:  attempt.engine.HandleID(),
		Ports:          attempt.ports,
		StartedAt:      o.now(),
	}
	o.saveRecord(cleanupCtx, logger, info, status, cause.Error())
}

// StopSession stops the session registered for streamKey. A start still in
// flight for the key is cancelled, and StopSession waits for it to release its
// gateway session, pipeline and ports. It reports false when there was
// nothing to stop.
func (o *Orchestrator) StopSession(ctx context.Context, streamKey string) bool {
	streamKey = strings.TrimSpace(streamKey)
	s, pending := o.registry.remove(streamKey)
	switch {
	case s != nil:
		o.teardown(ctx, s, EndStopped, models.SessionStatusStopped, "")
		return true
	case pending != nil:
		select {
		case <-pending.done:
		case <-ctx.Done():
		}
		return true
	}
	return false
}

// Session returns the registered session for streamKey or ErrSessionNotFound.
func (o *Orchestrator) Session(streamKey string) (SessionInfo, error) {
	info, ok := o.Lookup(streamKey)
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, streamKey)
	}
	return info, nil
}

// Lookup returns the registered session for streamKey.
func (o *Orchestrator) Lookup(streamKey string) (SessionInfo, bool) {
	return o.registry.lookup(strings.TrimSpace(streamKey))
}

// Sessions returns the registered sessions, oldest first.
func (o *Orchestrator) Sessions() []SessionInfo {
	return o.registry.snapshot()
}

// PortsInUse reports how many forwarding blocks are held.
func (o *Orchestrator) PortsInUse() int {
	return o.registry.portsInUse()
}

// PingMirror checks the session mirror.
func (o *Orchestrator) PingMirror(ctx context.Context) error {
	return o.mirror.Ping(ctx)
}

// Shutdown rejects new starts and stops every registered session in
// parallel. It returns ctx's error when the deadline cut the stops short.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	sessions := o.registry.close()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		group.Go(func() error {
			o.teardown(groupCtx, s, EndShutdown, models.SessionStatusStopped, "service shutdown")
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	o.logger.Info("webrtc sessions stopped", "count", len(sessions))
	return ctx.Err()
}

// Reconcile fails persisted active records and mirror entries whose session is
// no longer registered in this process. Records younger than StaleAfter are
// left alone so a start that is still committing is not touched. It returns
// the number of records and mirror entries it fixed.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	fixed := 0
	if o.store != nil {
		records, err := o.store.ListSessions(ctx, "")
		if err != nil {
			return 0, fmt.Errorf("list session records: %w", err)
		}
		cutoff := o.now().Add(-o.cfg.StaleAfter)
		for _, record := range records {
			if record.Status != models.SessionStatusActive || record.StartedAt.After(cutoff) {
				continue
			}
			if o.tracked(record.StreamKey, record.ID) {
				continue
			}
			if _, err := o.store.FinishSession(ctx, record.ID, models.SessionStatusFailed, "session no longer tracked"); err != nil {
				return fixed, fmt.Errorf("finish stale session %s: %w", record.ID, err)
			}
			fixed++
		}
	}
	entries, err := o.mirror.Entries(ctx)
	if err != nil {
		return fixed, err
	}
	for key, info := range entries {
		if o.tracked(key, info.ID) {
			continue
		}
		if err := o.mirror.Delete(ctx, key); err != nil {
			return fixed, err
		}
		fixed++
	}
	if fixed > 0 {
		o.logger.Info("reconciled stale webrtc sessions", "count", fixed)
	}
	return fixed, nil
}

func (o *Orchestrator) tracked(streamKey, id string) bool {
	info, ok := o.registry.lookup(streamKey)
	return ok && info.ID == id
}

func (o *Orchestrator) handlePipelineExit(s *session, exitErr error) {
	if !o.registry.markExited(s) {
		return
	}
	logger := o.logger.With("stream_key", s.info.StreamKey, "session_id", s.info.ID)
	status := models.SessionStatusStopped
	message := "pipeline exited"
	if exitErr != nil {
		status = models.SessionStatusFailed
		message = fmt.Sprintf("pipeline exited: %v", exitErr)
		logger.Warn("pipeline exited, removing session", "error", exitErr)
	} else {
		logger.Info("pipeline completed, removing session")
	}
	s.engine.Dispose()
	if o.observer != nil {
		o.observer.SessionEnded(EndExited)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
	defer cancel()
	o.release(ctx, logger, s.info, status, message)
}

// teardown stops a session already removed from the registry. Its ports go
// back to the pool only after the pipeline has stopped.
func (o *Orchestrator) teardown(ctx context.Context, s *session, reason string, status models.SessionStatus, message string) {
	logger := logging.WithContext(ctx, o.logger).With("stream_key", s.info.StreamKey, "session_id", s.info.ID)
	cleanupCtx, cancel := o.cleanupContext(ctx)
	defer cancel()
	s.engine.Dispose()
	s.pipeline.Stop(cleanupCtx)
	o.registry.releasePorts(s.info.Ports)
	if o.observer != nil {
		o.observer.SessionEnded(reason)
	}
	o.release(cleanupCtx, logger, s.info, status, message)
	logger.Info("webrtc session stopped", "reason", reason)
}

func (o *Orchestrator) release(ctx context.Context, logger *slog.Logger, info SessionInfo, status models.SessionStatus, message string) {
	if err := o.mirror.Delete(ctx, info.StreamKey); err != nil {
		logger.Warn("session mirror delete failed", "error", err)
	}
	if o.store == nil {
		return
	}
	if _, err := o.store.FinishSession(ctx, info.ID, status, message); err != nil {
		logger.Warn("session record update failed", "error", err)
	}
}

func (o *Orchestrator) saveRecord(ctx context.Context, logger *slog.Logger, info SessionInfo, status models.SessionStatus, message string) {
	if o.store == nil {
		return
	}
	record := models.WebRTCSession{
		ID:             info.ID,
		StreamKey:      info.StreamKey,
		JanusSessionID: info.JanusSessionID,
		JanusHandleID:  info.JanusHandleID,
		RoomID:         info.RoomID,
		PublisherID:    info.PublisherID,
		VideoPort:      info.Ports.Video,
		AudioPort:      info.Ports.Audio,
		HLSURL:         info.HLSURL,
		Status:         status,
		LastError:      message,
		StartedAt:      info.StartedAt,
	}
	if status != models.SessionStatusActive {
		ended := o.now()
		record.EndedAt = &ended
	}
	if err := o.store.SaveSession(ctx, record); err != nil {
		logger.Warn("session record save failed", "error", err)
	}
}

// cleanupContext detaches from ctx's cancellation so cleanup still runs after
// the request ends, bounded by CleanupTimeout.
func (o *Orchestrator) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
}
