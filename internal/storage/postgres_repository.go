package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"janus-hls-bridge/internal/models"
)

const uniqueViolation = "23505"

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Unless
// WithPostgresMigrations is set the caller must apply the schema first.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if cfg.ApplyMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := ApplyMigrations(migrateCtx, pool)
		cancel()
		if err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

// withConn acquires a connection within the configured acquire timeout and
// hands it to fn together with the caller's context.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	defer cancel()
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) now() time.Time {
	return r.cfg.Clock().UTC()
}

const streamColumns = "id, stream_key, title, description, status, created_at, started_at, ended_at"

func scanStream(row pgx.Row) (models.StreamMeta, error) {
	var (
		meta   models.StreamMeta
		status string
	)
	if err := row.Scan(&meta.ID, &meta.StreamKey, &meta.Title, &meta.Description, &status, &meta.CreatedAt, &meta.StartedAt, &meta.EndedAt); err != nil {
		return models.StreamMeta{}, err
	}
	meta.Status = models.StreamStatus(status)
	meta.CreatedAt = meta.CreatedAt.UTC()
	if meta.StartedAt != nil {
		ts := meta.StartedAt.UTC()
		meta.StartedAt = &ts
	}
	if meta.EndedAt != nil {
		ts := meta.EndedAt.UTC()
		meta.EndedAt = &ts
	}
	return meta, nil
}

func (r *postgresRepository) CreateStream(ctx context.Context, params CreateStreamParams) (models.StreamMeta, error) {
	params, err := params.normalize()
	if err != nil {
		return models.StreamMeta{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.StreamMeta{}, err
	}

	var meta models.StreamMeta
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		key, err := uniqueStreamKey(r.cfg.StreamKeyGenerator, func(key string) (bool, error) {
			var exists bool
			if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM stream_meta WHERE stream_key = $1)", key).Scan(&exists); err != nil {
				return false, fmt.Errorf("check stream key: %w", err)
			}
			return exists, nil
		})
		if err != nil {
			return err
		}
		row := conn.QueryRow(ctx,
			"INSERT INTO stream_meta (id, stream_key, title, description, status, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+streamColumns,
			id, key, params.Title, params.Description, string(models.StreamStatusCreated), r.now())
		meta, err = scanStream(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("insert stream %s: duplicate stream key: %w", id, ErrConflict)
			}
			return fmt.Errorf("insert stream %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return models.StreamMeta{}, err
	}
	return meta, nil
}

func (r *postgresRepository) getStreamBy(ctx context.Context, column, value string) (models.StreamMeta, error) {
	var meta models.StreamMeta
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT "+streamColumns+" FROM stream_meta WHERE "+column+" = $1", value)
		var err error
		meta, err = scanStream(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("stream %s: %w", value, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load stream %s: %w", value, err)
		}
		return nil
	})
	return meta, err
}

func (r *postgresRepository) GetStream(ctx context.Context, id string) (models.StreamMeta, error) {
	id = strings.TrimSpace(id)
	if !isUUID(id) {
		return models.StreamMeta{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return r.getStreamBy(ctx, "id", id)
}

func (r *postgresRepository) GetStreamByKey(ctx context.Context, streamKey string) (models.StreamMeta, error) {
	return r.getStreamBy(ctx, "stream_key", strings.TrimSpace(streamKey))
}

func (r *postgresRepository) ListStreams(ctx context.Context, query StreamQuery) (models.StreamPage, error) {
	query, searchable := query.Normalize()
	if !searchable {
		return newPage(query, nil, 0), nil
	}

	var (
		where string
		args  []any
	)
	if query.Search != "" {
		args = append(args, likePattern(normalizeText(query.Search)))
		clauses := make([]string, 0, len(query.Fields))
		for _, field := range query.Fields {
			clauses = append(clauses, searchColumn(field)+` ILIKE $1 ESCAPE '\'`)
		}
		where = " WHERE " + strings.Join(clauses, " OR ")
	}

	var page models.StreamPage
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var total int64
		if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM stream_meta"+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("count streams: %w", err)
		}
		limitArg := len(args) + 1
		listArgs := append(append([]any(nil), args...), query.Size, query.offset())
		rows, err := conn.Query(ctx, fmt.Sprintf("SELECT %s FROM stream_meta%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", streamColumns, where, limitArg, limitArg+1), listArgs...)
		if err != nil {
			return fmt.Errorf("list streams: %w", err)
		}
		defer rows.Close()
		items := make([]models.StreamMeta, 0, query.Size)
		for rows.Next() {
			meta, err := scanStream(rows)
			if err != nil {
				return fmt.Errorf("scan stream: %w", err)
			}
			items = append(items, meta)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate streams: %w", err)
		}
		page = newPage(query, items, total)
		return nil
	})
	if err != nil {
		return models.StreamPage{}, err
	}
	return page, nil
}

func searchColumn(field string) string {
	switch field {
	case FieldDescription:
		return "description"
	case FieldStreamKey:
		return "stream_key"
	default:
		return "title"
	}
}

func (r *postgresRepository) StartStream(ctx context.Context, id string) (models.StreamMeta, error) {
	return r.transitionStream(ctx, id, models.StreamStatusCreated, models.StreamStatusLive, "started_at")
}

func (r *postgresRepository) EndStream(ctx context.Context, id string) (models.StreamMeta, error) {
	return r.transitionStream(ctx, id, models.StreamStatusLive, models.StreamStatusEnded, "ended_at")
}

// transitionStream locks the row so concurrent transitions of the same stream
// serialise and only one of them observes the expected source status.
func (r *postgresRepository) transitionStream(ctx context.Context, id string, from, to models.StreamStatus, stampColumn string) (models.StreamMeta, error) {
	id = strings.TrimSpace(id)
	if !isUUID(id) {
		return models.StreamMeta{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	var meta models.StreamMeta
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin stream transition: %w", err)
		}
		defer rollbackTx(ctx, tx)

		var status string
		err = tx.QueryRow(ctx, "SELECT status FROM stream_meta WHERE id = $1 FOR UPDATE", id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("stream %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock stream %s: %w", id, err)
		}
		if models.StreamStatus(status) != from {
			return fmt.Errorf("stream %s is %s, want %s: %w", id, status, from, ErrConflict)
		}

		row := tx.QueryRow(ctx, "UPDATE stream_meta SET status = $2, "+stampColumn+" = $3 WHERE id = $1 RETURNING "+streamColumns, id, string(to), r.now())
		meta, err = scanStream(row)
		if err != nil {
			return fmt.Errorf("update stream %s: %w", id, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit stream transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.StreamMeta{}, err
	}
	return meta, nil
}

const sessionColumns = "id, stream_key, janus_session_id, janus_handle_id, janus_room_id, janus_publisher_id, video_port, audio_port, hls_url, status, last_error, started_at, ended_at"

func scanSession(row pgx.Row) (models.WebRTCSession, error) {
	var (
		session models.WebRTCSession
		status  string
	)
	err := row.Scan(&session.ID, &session.StreamKey, &session.JanusSessionID, &session.JanusHandleID, &session.RoomID,
		&session.PublisherID, &session.VideoPort, &session.AudioPort, &session.HLSURL, &status, &session.LastError,
		&session.StartedAt, &session.EndedAt)
	if err != nil {
		return models.WebRTCSession{}, err
	}
	session.Status = models.SessionStatus(status)
	session.StartedAt = session.StartedAt.UTC()
	if session.EndedAt != nil {
		ts := session.EndedAt.UTC()
		session.EndedAt = &ts
	}
	return session, nil
}

func (r *postgresRepository) SaveSession(ctx context.Context, session models.WebRTCSession) error {
	if !isUUID(session.ID) {
		return fmt.Errorf("%w: session id must be a uuid", ErrInvalidInput)
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = r.now()
	}
	var ended any
	if session.EndedAt != nil {
		ended = session.EndedAt.UTC()
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO webrtc_session (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
    janus_session_id = EXCLUDED.janus_session_id,
    janus_handle_id = EXCLUDED.janus_handle_id,
    janus_room_id = EXCLUDED.janus_room_id,
    janus_publisher_id = EXCLUDED.janus_publisher_id,
    video_port = EXCLUDED.video_port,
    audio_port = EXCLUDED.audio_port,
    hls_url = EXCLUDED.hls_url,
    status = EXCLUDED.status,
    last_error = EXCLUDED.last_error,
    ended_at = EXCLUDED.ended_at`,
			session.ID, session.StreamKey, int64(session.JanusSessionID), int64(session.JanusHandleID), session.RoomID,
			int64(session.PublisherID), session.VideoPort, session.AudioPort, session.HLSURL, string(session.Status),
			truncateError(session.LastError), session.StartedAt.UTC(), ended)
		if err != nil {
			return fmt.Errorf("save session %s: %w", session.ID, err)
		}
		return nil
	})
}

func (r *postgresRepository) FinishSession(ctx context.Context, id string, status models.SessionStatus, lastError string) (models.WebRTCSession, error) {
	if !isUUID(id) {
		return models.WebRTCSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	var session models.WebRTCSession
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			"UPDATE webrtc_session SET status = $2, last_error = $3, ended_at = $4 WHERE id = $1 AND status = $5 RETURNING "+sessionColumns,
			id, string(status), truncateError(lastError), r.now(), string(models.SessionStatusActive))
		var err error
		session, err = scanSession(row)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("finish session %s: %w", id, err)
		}
		session, err = scanSession(conn.QueryRow(ctx, "SELECT "+sessionColumns+" FROM webrtc_session WHERE id = $1", id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load session %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return models.WebRTCSession{}, err
	}
	return session, nil
}

func (r *postgresRepository) ListSessions(ctx context.Context, streamKey string) ([]models.WebRTCSession, error) {
	streamKey = strings.TrimSpace(streamKey)
	var sessions []models.WebRTCSession
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		query := "SELECT " + sessionColumns + " FROM webrtc_session"
		var args []any
		if streamKey != "" {
			query += " WHERE stream_key = $1"
			args = append(args, streamKey)
		}
		rows, err := conn.Query(ctx, query+" ORDER BY started_at DESC", args...)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		defer rows.Close()
		sessions = make([]models.WebRTCSession, 0)
		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			sessions = append(sessions, session)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
