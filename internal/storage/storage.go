package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"janus-hls-bridge/internal/models"
)

type dataset struct {
	Streams  map[string]models.StreamMeta    `json:"streams"`
	Sessions map[string]models.WebRTCSession `json:"sessions"`
}

// Storage is the JSON file datastore. Every mutation rewrites the whole file
// atomically; a failed write leaves memory and disk untouched.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
	newStreamKey    func() (string, error)
}

func newDataset() dataset {
	return dataset{
		Streams:  make(map[string]models.StreamMeta),
		Sessions: make(map[string]models.WebRTCSession),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.StreamMeta)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.WebRTCSession)
	}
}

// NewStorage opens or creates the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: data path required")
	}
	store := &Storage{
		filePath:     path,
		now:          func() time.Time { return time.Now().UTC() },
		newStreamKey: generateStreamKey,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the data directory is still writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Dir(s.filePath))
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data dir %s is not a directory", filepath.Dir(s.filePath))
	}
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) CreateStream(_ context.Context, params CreateStreamParams) (models.StreamMeta, error) {
	params, err := params.normalize()
	if err != nil {
		return models.StreamMeta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.StreamMeta{}, err
	}
	key, err := s.uniqueStreamKeyLocked()
	if err != nil {
		return models.StreamMeta{}, err
	}

	meta := models.StreamMeta{
		ID:          id,
		StreamKey:   key,
		Title:       params.Title,
		Description: params.Description,
		Status:      models.StreamStatusCreated,
		CreatedAt:   s.now().UTC(),
	}
	s.data.Streams[id] = meta
	if err := s.persist(); err != nil {
		delete(s.data.Streams, id)
		return models.StreamMeta{}, err
	}
	return meta, nil
}

func (s *Storage) uniqueStreamKeyLocked() (string, error) {
	taken := make(map[string]struct{}, len(s.data.Streams))
	for _, meta := range s.data.Streams {
		taken[meta.StreamKey] = struct{}{}
	}
	return uniqueStreamKey(s.newStreamKey, func(key string) (bool, error) {
		_, ok := taken[key]
		return ok, nil
	})
}

func (s *Storage) GetStream(_ context.Context, id string) (models.StreamMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.data.Streams[strings.TrimSpace(id)]
	if !ok {
		return models.StreamMeta{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return cloneStream(meta), nil
}

func (s *Storage) GetStreamByKey(_ context.Context, streamKey string) (models.StreamMeta, error) {
	streamKey = strings.TrimSpace(streamKey)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, meta := range s.data.Streams {
		if meta.StreamKey == streamKey {
			return cloneStream(meta), nil
		}
	}
	return models.StreamMeta{}, fmt.Errorf("stream key %s: %w", streamKey, ErrNotFound)
}

func (s *Storage) ListStreams(_ context.Context, query StreamQuery) (models.StreamPage, error) {
	query, searchable := query.Normalize()
	if !searchable {
		return newPage(query, nil, 0), nil
	}
	needle := foldText(query.Search)

	s.mu.RLock()
	matched := make([]models.StreamMeta, 0, len(s.data.Streams))
	for _, meta := range s.data.Streams {
		if streamMatches(meta, query.Fields, needle) {
			matched = append(matched, cloneStream(meta))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := query.offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + query.Size
	if end > len(matched) {
		end = len(matched)
	}
	return newPage(query, matched[start:end], total), nil
}

func (s *Storage) StartStream(_ context.Context, id string) (models.StreamMeta, error) {
	return s.transitionStream(id, models.StreamStatusCreated, models.StreamStatusLive)
}

func (s *Storage) EndStream(_ context.Context, id string) (models.StreamMeta, error) {
	return s.transitionStream(id, models.StreamStatusLive, models.StreamStatusEnded)
}

func (s *Storage) transitionStream(id string, from, to models.StreamStatus) (models.StreamMeta, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.data.Streams[id]
	if !ok {
		return models.StreamMeta{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if original.Status != from {
		return models.StreamMeta{}, fmt.Errorf("stream %s is %s, want %s: %w", id, original.Status, from, ErrConflict)
	}

	updated := cloneStream(original)
	now := s.now().UTC()
	updated.Status = to
	switch to {
	case models.StreamStatusLive:
		updated.StartedAt = &now
	case models.StreamStatusEnded:
		updated.EndedAt = &now
	}
	s.data.Streams[id] = updated
	if err := s.persist(); err != nil {
		s.data.Streams[id] = original
		return models.StreamMeta{}, err
	}
	return cloneStream(updated), nil
}

// SaveSession inserts or replaces a session record by its id.
func (s *Storage) SaveSession(_ context.Context, session models.WebRTCSession) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	session.LastError = truncateError(session.LastError)
	if session.StartedAt.IsZero() {
		session.StartedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	original, existed := s.data.Sessions[session.ID]
	s.data.Sessions[session.ID] = session
	if err := s.persist(); err != nil {
		if existed {
			s.data.Sessions[session.ID] = original
		} else {
			delete(s.data.Sessions, session.ID)
		}
		return err
	}
	return nil
}

// FinishSession moves an active session to status and stamps its end time.
// Finishing an already finished session returns it unchanged.
func (s *Storage) FinishSession(_ context.Context, id string, status models.SessionStatus, lastError string) (models.WebRTCSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.data.Sessions[id]
	if !ok {
		return models.WebRTCSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if original.Status != models.SessionStatusActive {
		return cloneSession(original), nil
	}
	updated := cloneSession(original)
	now := s.now().UTC()
	updated.Status = status
	updated.LastError = truncateError(lastError)
	updated.EndedAt = &now
	s.data.Sessions[id] = updated
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = original
		return models.WebRTCSession{}, err
	}
	return cloneSession(updated), nil
}

// ListSessions returns the sessions of streamKey, or every session when the
// key is empty, newest first.
func (s *Storage) ListSessions(_ context.Context, streamKey string) ([]models.WebRTCSession, error) {
	streamKey = strings.TrimSpace(streamKey)
	s.mu.RLock()
	sessions := make([]models.WebRTCSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		if streamKey == "" || session.StreamKey == streamKey {
			sessions = append(sessions, cloneSession(session))
		}
	}
	s.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

func cloneStream(meta models.StreamMeta) models.StreamMeta {
	if meta.StartedAt != nil {
		ts := *meta.StartedAt
		meta.StartedAt = &ts
	}
	if meta.EndedAt != nil {
		ts := *meta.EndedAt
		meta.EndedAt = &ts
	}
	return meta
}

func cloneSession(session models.WebRTCSession) models.WebRTCSession {
	if session.EndedAt != nil {
		ts := *session.EndedAt
		session.EndedAt = &ts
	}
	return session
}
