package storage

import (
	"context"
	"errors"

	"janus-hls-bridge/internal/models"
)

var (
	// ErrNotFound is returned when a stream or session record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a status transition is not allowed from the
	// record's current status.
	ErrConflict = errors.New("storage: invalid state transition")
	// ErrInvalidInput wraps validation failures of create requests.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// Repository exposes the datastore operations required by the API handlers
// and the session orchestrator.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateStream(ctx context.Context, params CreateStreamParams) (models.StreamMeta, error)
	GetStream(ctx context.Context, id string) (models.StreamMeta, error)
	GetStreamByKey(ctx context.Context, streamKey string) (models.StreamMeta, error)
	ListStreams(ctx context.Context, query StreamQuery) (models.StreamPage, error)
	StartStream(ctx context.Context, id string) (models.StreamMeta, error)
	EndStream(ctx context.Context, id string) (models.StreamMeta, error)

	SaveSession(ctx context.Context, session models.WebRTCSession) error
	FinishSession(ctx context.Context, id string, status models.SessionStatus, lastError string) (models.WebRTCSession, error)
	ListSessions(ctx context.Context, streamKey string) ([]models.WebRTCSession, error)
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
)
