package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const killGrace = 2 * time.Second

// ErrAlreadyRunning is returned when Start is called on a live supervisor.
var ErrAlreadyRunning = errors.New("hls: pipeline already running")

// Pipeline lifecycle events reported to an Observer.
const (
	PipelineStarted = "started"
	PipelineStopped = "stopped"
	PipelineFailed  = "failed"
)

// CommandFunc builds the process for a plan. Tests substitute a helper
// process.
type CommandFunc func(name string, args ...string) *exec.Cmd

// Observer receives pipeline lifecycle events. metrics.Recorder satisfies it.
type Observer interface {
	ObservePipeline(event string)
}

// Options carries the collaborators of a Supervisor.
type Options struct {
	Logger   *slog.Logger
	Command  CommandFunc
	Observer Observer
}

// Supervisor owns at most one ffmpeg process converting one RTP input into an
// HLS playlist.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	command  CommandFunc
	observer Observer

	mu        sync.Mutex
	plan      Plan
	streamKey string
	port      int
	cmd       *exec.Cmd
	done      chan struct{}
	exitErr   error
	stopping  bool
	startedAt time.Time
	onExit    func(error)
}

// NewSupervisor returns an idle Supervisor.
func NewSupervisor(cfg Config, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	command := opts.Command
	if command == nil {
		command = exec.Command
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		command:  command,
		observer: opts.Observer,
	}
}

// OnExit registers fn to be called once per started process when it exits.
// fn receives nil when the exit was requested through Stop or the process
// ended cleanly, and the wait error otherwise.
func (s *Supervisor) OnExit(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Start creates the output directory and spawns ffmpeg reading RTP from
// inputPort. It returns once the process is running; output is drained in the
// background.
func (s *Supervisor) Start(ctx context.Context, inputPort int, streamKey string) error {
	if err := ctx.Err(); err != nil {
		return &StartError{Stage: StageSpawn, StreamKey: streamKey, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningLocked() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.streamKey)
	}

	plan, err := BuildPlan(s.cfg, inputPort, streamKey)
	if err != nil {
		stage := StageSpawn
		if errors.Is(err, ErrInvalidStreamKey) {
			stage = StageDirectory
		}
		return &StartError{Stage: stage, StreamKey: streamKey, Err: err}
	}
	if err := os.MkdirAll(plan.OutputDir, 0o755); err != nil {
		return &StartError{Stage: StageDirectory, StreamKey: streamKey, Err: err}
	}

	logger := s.logger.With("stream_key", streamKey, "port", inputPort)
	stdout := newLogWriter(logger, "stdout")
	stderr := newLogWriter(logger, "stderr")
	cmd := s.command(plan.Binary, plan.Args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return &StartError{Stage: StageSpawn, StreamKey: streamKey, Err: err}
	}

	done := make(chan struct{})
	s.plan = plan
	s.streamKey = streamKey
	s.port = inputPort
	s.cmd = cmd
	s.done = done
	s.exitErr = nil
	s.stopping = false
	s.startedAt = time.Now().UTC()

	logger.Info("ffmpeg started", "pid", cmd.Process.Pid, "playlist", plan.Playlist)
	if s.observer != nil {
		s.observer.ObservePipeline(PipelineStarted)
	}
	go s.wait(cmd, done, logger, stdout, stderr)
	return nil
}

func (s *Supervisor) wait(cmd *exec.Cmd, done chan struct{}, logger *slog.Logger, stdout, stderr *logWriter) {
	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	s.mu.Lock()
	requested := s.stopping
	if err != nil && !requested {
		if last := stderr.Last(); last != "" {
			err = fmt.Errorf("%w: %s", err, last)
		}
	}
	reported := err
	if requested {
		reported = nil
	}
	s.exitErr = reported
	onExit := s.onExit
	s.mu.Unlock()

	event := PipelineStopped
	switch {
	case reported != nil:
		event = PipelineFailed
		logger.Error("ffmpeg exited unexpectedly", "error", reported)
	case requested:
		logger.Info("ffmpeg stopped")
	default:
		logger.Info("ffmpeg completed")
	}
	if s.observer != nil {
		s.observer.ObservePipeline(event)
	}
	close(done)
	if onExit != nil {
		onExit(reported)
	}
}

// Stop terminates the running process. It sends SIGTERM, waits up to
// StopTimeout and then kills. Stop on an idle supervisor does nothing. Failures
// are logged.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.runningLocked() {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	cmd, done := s.cmd, s.done
	timeout := s.cfg.StopTimeout
	logger := s.logger.With("stream_key", s.streamKey, "pid", cmd.Process.Pid)
	s.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-done
			return
		}
		logger.Warn("ffmpeg terminate signal failed", "error", err)
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			logger.Warn("ffmpeg did not exit after terminate, killing", "timeout", timeout)
		case <-ctx.Done():
			logger.Warn("ffmpeg stop interrupted, killing", "error", ctx.Err())
		}
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Error("ffmpeg kill failed", "error", err)
	}
	select {
	case <-done:
	case <-time.After(killGrace):
		logger.Error("ffmpeg still running after kill")
	}
}

// Running reports whether a started process has not exited yet.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// Done is closed when the current process exits. It is already closed when
// nothing was started.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// ExitErr returns the error reported for the last exit, if any.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Plan returns the invocation of the current or last process.
func (s *Supervisor) Plan() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// PID returns the process id, zero when nothing was started.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// StartedAt reports when the current or last process was spawned.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// PublicURL returns the viewer playlist URL for streamKey.
func (s *Supervisor) PublicURL(streamKey string) string {
	return s.cfg.PublicURL(streamKey)
}

func (s *Supervisor) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
