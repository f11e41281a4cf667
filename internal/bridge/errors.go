package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session is registered for a
	// stream key.
	ErrSessionNotFound = errors.New("bridge: session not found")

	// ErrStartInFlight is returned when a start for the same stream key has
	// not finished yet.
	ErrStartInFlight = errors.New("bridge: session start already in progress")

	// ErrPortsExhausted is returned when every forwarding block in the range
	// is held by an active session.
	ErrPortsExhausted = errors.New("bridge: no forwarding ports available")

	// ErrPipelineExited is reported when ffmpeg exits before the session is
	// committed.
	ErrPipelineExited = errors.New("bridge: pipeline exited during start")

	// ErrStartStopped is returned by a start that a stop for the same key
	// overtook before it committed.
	ErrStartStopped = errors.New("bridge: session stopped before start completed")

	// ErrShuttingDown is returned for starts attempted after Shutdown.
	ErrShuttingDown = errors.New("bridge: orchestrator is shutting down")
)

// Stage names the start step that failed.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageReserve   Stage = "reserve"
	StageNegotiate Stage = "negotiate"
	StagePorts     Stage = "ports"
	StagePipeline  Stage = "pipeline"
	StageCommit    Stage = "commit"
)

// SessionError reports a failed session start. Err is the underlying cause.
type SessionError struct {
	StreamKey string
	Stage     Stage
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("webrtc session %s: %s: %v", e.StreamKey, e.Stage, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
