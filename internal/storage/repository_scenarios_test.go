package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"janus-hls-bridge/internal/models"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// the Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

// steppingClock returns strictly increasing timestamps one second apart.
func steppingClock(start time.Time) func() time.Time {
	var (
		mu   sync.Mutex
		next = start
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current := next
		next = next.Add(time.Second)
		return current
	}
}

var scenarioEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func runStreamLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory, WithClock(steppingClock(scenarioEpoch)))
	ctx := context.Background()

	created, err := repo.CreateStream(ctx, CreateStreamParams{Title: "  Morning show ", Description: "daily"})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if created.Title != "Morning show" {
		t.Fatalf("expected trimmed title, got %q", created.Title)
	}
	if created.Status != models.StreamStatusCreated {
		t.Fatalf("expected CREATED, got %s", created.Status)
	}
	if _, err := uuid.Parse(created.ID); err != nil {
		t.Fatalf("expected uuid id, got %q", created.ID)
	}
	if len(created.StreamKey) != streamKeyLength || strings.Trim(created.StreamKey, "0123456789abcdef") != "" {
		t.Fatalf("expected %d hex character key, got %q", streamKeyLength, created.StreamKey)
	}
	if created.StartedAt != nil || created.EndedAt != nil {
		t.Fatalf("new stream must not carry start or end times: %+v", created)
	}

	byKey, err := repo.GetStreamByKey(ctx, created.StreamKey)
	if err != nil {
		t.Fatalf("GetStreamByKey: %v", err)
	}
	if byKey.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, byKey.ID)
	}

	if _, err := repo.EndStream(ctx, created.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("ending a CREATED stream: expected ErrConflict, got %v", err)
	}

	live, err := repo.StartStream(ctx, created.ID)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if live.Status != models.StreamStatusLive || live.StartedAt == nil {
		t.Fatalf("expected LIVE with start time, got %+v", live)
	}
	if _, err := repo.StartStream(ctx, created.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("starting a LIVE stream: expected ErrConflict, got %v", err)
	}

	ended, err := repo.EndStream(ctx, created.ID)
	if err != nil {
		t.Fatalf("EndStream: %v", err)
	}
	if ended.Status != models.StreamStatusEnded || ended.EndedAt == nil {
		t.Fatalf("expected ENDED with end time, got %+v", ended)
	}
	if !ended.EndedAt.After(*ended.StartedAt) {
		t.Fatalf("expected end after start: %v <= %v", ended.EndedAt, ended.StartedAt)
	}

	fetched, err := repo.GetStream(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if fetched.Status != models.StreamStatusEnded {
		t.Fatalf("expected persisted ENDED, got %s", fetched.Status)
	}

	missing := uuid.NewString()
	if _, err := repo.GetStream(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.StartStream(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on start, got %v", err)
	}
	if _, err := repo.GetStream(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
}

func runStreamValidation(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	cases := []CreateStreamParams{
		{Title: "   "},
		{Title: strings.Repeat("t", maxTitleLength+1)},
		{Title: "ok", Description: strings.Repeat("d", maxDescriptionLength+1)},
	}
	for _, params := range cases {
		if _, err := repo.CreateStream(ctx, params); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("CreateStream(%d/%d chars): expected ErrInvalidInput, got %v", len(params.Title), len(params.Description), err)
		}
	}

	// Multi-byte titles are limited by characters, not bytes.
	if _, err := repo.CreateStream(ctx, CreateStreamParams{Title: strings.Repeat("é", maxTitleLength)}); err != nil {
		t.Fatalf("expected %d runes to be accepted: %v", maxTitleLength, err)
	}
}

func runStreamListing(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory, WithClock(steppingClock(scenarioEpoch)))
	ctx := context.Background()

	titles := []string{"Cooking night", "Jazz session", "Late cooking", "Chess", "Straße cam"}
	created := make([]models.StreamMeta, 0, len(titles))
	for i, title := range titles {
		meta, err := repo.CreateStream(ctx, CreateStreamParams{Title: title, Description: fmt.Sprintf("episode %d", i)})
		if err != nil {
			t.Fatalf("CreateStream(%s): %v", title, err)
		}
		created = append(created, meta)
	}

	page, err := repo.ListStreams(ctx, StreamQuery{})
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if page.TotalElements != int64(len(titles)) || page.Size != DefaultPageSize || page.TotalPages != 1 {
		t.Fatalf("unexpected page metadata: %+v", page)
	}
	if page.Items[0].ID != created[len(created)-1].ID {
		t.Fatalf("expected newest first, got %s", page.Items[0].Title)
	}

	page, err = repo.ListStreams(ctx, StreamQuery{Page: 1, Size: 2})
	if err != nil {
		t.Fatalf("ListStreams page 1: %v", err)
	}
	if len(page.Items) != 2 || page.TotalPages != 3 || page.Items[0].Title != "Late cooking" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	page, err = repo.ListStreams(ctx, StreamQuery{Size: MaxPageSize + 50})
	if err != nil {
		t.Fatalf("ListStreams oversized: %v", err)
	}
	if page.Size != MaxPageSize {
		t.Fatalf("expected size clamped to %d, got %d", MaxPageSize, page.Size)
	}

	page, err = repo.ListStreams(ctx, StreamQuery{Search: "COOKING"})
	if err != nil {
		t.Fatalf("ListStreams search: %v", err)
	}
	if page.TotalElements != 2 {
		t.Fatalf("expected two cooking streams, got %+v", page.Items)
	}

	page, err = repo.ListStreams(ctx, StreamQuery{Search: "episode 3", Fields: []string{"title"}})
	if err != nil {
		t.Fatalf("ListStreams title only: %v", err)
	}
	if page.TotalElements != 0 {
		t.Fatalf("description match must be ignored when only title is searched, got %+v", page.Items)
	}

	page, err = repo.ListStreams(ctx, StreamQuery{Search: created[3].StreamKey[:12], Fields: []string{"stream_key"}})
	if err != nil {
		t.Fatalf("ListStreams by key: %v", err)
	}
	if page.TotalElements != 1 || page.Items[0].ID != created[3].ID {
		t.Fatalf("expected key search to find %s, got %+v", created[3].ID, page.Items)
	}

	page, err = repo.ListStreams(ctx, StreamQuery{Search: "jazz", Fields: []string{"owner"}})
	if err != nil {
		t.Fatalf("ListStreams unknown field: %v", err)
	}
	if page.TotalElements != 0 || page.Items == nil {
		t.Fatalf("unknown fields must yield an empty, non-nil page: %+v", page)
	}

	page, err = repo.ListStreams(ctx, StreamQuery{Search: "100%"})
	if err != nil {
		t.Fatalf("ListStreams wildcard: %v", err)
	}
	if page.TotalElements != 0 {
		t.Fatalf("wildcards in search must match literally, got %+v", page.Items)
	}
}

func runStreamKeyCollisions(t *testing.T, factory RepositoryFactory) {
	keys := []string{"aaaa", "aaaa", "bbbb", "aaaa", "aaaa", "aaaa"}
	var (
		mu   sync.Mutex
		next int
	)
	generator := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		key := keys[next%len(keys)]
		next++
		return key, nil
	}
	repo := runRepository(t, factory, WithStreamKeyGenerator(generator))
	ctx := context.Background()

	first, err := repo.CreateStream(ctx, CreateStreamParams{Title: "first"})
	if err != nil || first.StreamKey != "aaaa" {
		t.Fatalf("first stream: key %q err %v", first.StreamKey, err)
	}
	second, err := repo.CreateStream(ctx, CreateStreamParams{Title: "second"})
	if err != nil || second.StreamKey != "bbbb" {
		t.Fatalf("expected retry to reach bbbb, got %q err %v", second.StreamKey, err)
	}
	if _, err := repo.CreateStream(ctx, CreateStreamParams{Title: "third"}); err == nil {
		t.Fatal("expected failure after repeated collisions")
	}
}

func runSessionLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory, WithClock(steppingClock(scenarioEpoch)))
	ctx := context.Background()

	first := models.WebRTCSession{
		ID:             uuid.NewString(),
		StreamKey:      "demo",
		JanusSessionID: 4401,
		JanusHandleID:  5502,
		RoomID:         1234,
		PublisherID:    8812,
		VideoPort:      10000,
		AudioPort:      10002,
		HLSURL:         "/webrtc-hls/demo/index.m3u8",
		Status:         models.SessionStatusActive,
		StartedAt:      scenarioEpoch,
	}
	if err := repo.SaveSession(ctx, first); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	second := first
	second.ID = uuid.NewString()
	second.StartedAt = scenarioEpoch.Add(time.Minute)
	if err := repo.SaveSession(ctx, second); err != nil {
		t.Fatalf("SaveSession second: %v", err)
	}
	other := first
	other.ID = uuid.NewString()
	other.StreamKey = "other"
	if err := repo.SaveSession(ctx, other); err != nil {
		t.Fatalf("SaveSession other: %v", err)
	}

	failed, err := repo.FinishSession(ctx, first.ID, models.SessionStatusFailed, strings.Repeat("x", maxLastErrorLength+40))
	if err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	if failed.Status != models.SessionStatusFailed || failed.EndedAt == nil {
		t.Fatalf("expected failed session with end time, got %+v", failed)
	}
	if len(failed.LastError) != maxLastErrorLength {
		t.Fatalf("expected last error truncated to %d, got %d", maxLastErrorLength, len(failed.LastError))
	}

	again, err := repo.FinishSession(ctx, first.ID, models.SessionStatusStopped, "")
	if err != nil {
		t.Fatalf("FinishSession repeat: %v", err)
	}
	if again.Status != models.SessionStatusFailed {
		t.Fatalf("finished sessions must keep their status, got %s", again.Status)
	}

	if _, err := repo.FinishSession(ctx, uuid.NewString(), models.SessionStatusStopped, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sessions, err := repo.ListSessions(ctx, "demo")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != second.ID {
		t.Fatalf("expected two demo sessions newest first, got %+v", sessions)
	}
	if sessions[1].PublisherID != 8812 || sessions[1].VideoPort != 10000 {
		t.Fatalf("session fields not round-tripped: %+v", sessions[1])
	}

	all, err := repo.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListSessions all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected three sessions, got %d", len(all))
	}
}

func runRepositoryPing(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// runRepositoryScenarios runs every shared scenario against factory.
func runRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("ping", func(t *testing.T) { runRepositoryPing(t, factory) })
	t.Run("stream lifecycle", func(t *testing.T) { runStreamLifecycle(t, factory) })
	t.Run("stream validation", func(t *testing.T) { runStreamValidation(t, factory) })
	t.Run("stream listing", func(t *testing.T) { runStreamListing(t, factory) })
	t.Run("stream key collisions", func(t *testing.T) { runStreamKeyCollisions(t, factory) })
	t.Run("session lifecycle", func(t *testing.T) { runSessionLifecycle(t, factory) })
}
