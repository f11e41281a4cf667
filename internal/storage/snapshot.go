package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"janus-hls-bridge/internal/models"
)

// Snapshot is the on-disk layout of the JSON datastore, keyed by record id,
// so it can be replayed into another backing store.
type Snapshot struct {
	Streams  map[string]models.StreamMeta    `json:"streams"`
	Sessions map[string]models.WebRTCSession `json:"sessions"`
}

// SnapshotCounts summarises a Snapshot.
type SnapshotCounts struct {
	Streams        int
	Sessions       int
	ActiveSessions int
}

// LoadSnapshotFromJSON reads the JSON datastore file at path. An empty file
// yields an empty snapshot.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Streams == nil {
		s.Streams = make(map[string]models.StreamMeta)
	}
	if s.Sessions == nil {
		s.Sessions = make(map[string]models.WebRTCSession)
	}
}

func (s *Snapshot) Counts() SnapshotCounts {
	counts := SnapshotCounts{Streams: len(s.Streams), Sessions: len(s.Sessions)}
	for _, session := range s.Sessions {
		if session.Status == models.SessionStatusActive {
			counts.ActiveSessions++
		}
	}
	return counts
}

// Validate rejects records Postgres would refuse: non-uuid ids, unknown
// statuses and duplicate stream keys.
func (s *Snapshot) Validate() error {
	keys := make(map[string]string, len(s.Streams))
	for id, meta := range s.Streams {
		if !isUUID(id) || meta.ID != id {
			return fmt.Errorf("%w: stream %q has an invalid id", ErrInvalidInput, id)
		}
		if !meta.Status.Valid() {
			return fmt.Errorf("%w: stream %s has unknown status %q", ErrInvalidInput, id, meta.Status)
		}
		if other, taken := keys[meta.StreamKey]; taken {
			return fmt.Errorf("%w: streams %s and %s share a stream key", ErrConflict, other, id)
		}
		keys[meta.StreamKey] = id
	}
	for id, session := range s.Sessions {
		if !isUUID(id) || session.ID != id {
			return fmt.Errorf("%w: session %q has an invalid id", ErrInvalidInput, id)
		}
	}
	return nil
}

// ImportSnapshotToPostgres copies snapshot into repo inside one transaction.
// Rows whose id already exists are left untouched, so an interrupted import
// can be rerun. Sessions still marked active are imported as failed since
// no process owns them anymore.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	snapshot.ensureInitialized()
	if err := snapshot.Validate(); err != nil {
		return err
	}
	return pgRepo.importSnapshot(ctx, snapshot)
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin snapshot import: %w", err)
		}
		defer rollbackTx(ctx, tx)

		batch := &pgx.Batch{}
		for _, meta := range sortedStreams(snapshot.Streams) {
			batch.Queue(`INSERT INTO stream_meta (`+streamColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
				meta.ID, meta.StreamKey, meta.Title, meta.Description, string(meta.Status),
				meta.CreatedAt.UTC(), optionalTime(meta.StartedAt), optionalTime(meta.EndedAt))
		}
		now := r.now()
		for _, session := range sortedSessions(snapshot.Sessions) {
			status, lastError, ended := session.Status, session.LastError, optionalTime(session.EndedAt)
			if status == models.SessionStatusActive {
				status, lastError, ended = models.SessionStatusFailed, "session no longer tracked", now
			}
			batch.Queue(`INSERT INTO webrtc_session (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`,
				session.ID, session.StreamKey, int64(session.JanusSessionID), int64(session.JanusHandleID), session.RoomID,
				int64(session.PublisherID), session.VideoPort, session.AudioPort, session.HLSURL, string(status),
				truncateError(lastError), session.StartedAt.UTC(), ended)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("import snapshot rows: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit snapshot import: %w", err)
		}
		return nil
	})
}

func optionalTime(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UTC()
}

func sortedStreams(streams map[string]models.StreamMeta) []models.StreamMeta {
	out := make([]models.StreamMeta, 0, len(streams))
	for _, meta := range streams {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func sortedSessions(sessions map[string]models.WebRTCSession) []models.WebRTCSession {
	out := make([]models.WebRTCSession, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
