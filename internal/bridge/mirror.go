package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// DefaultMirrorKey is the Redis hash active sessions are mirrored into.
const DefaultMirrorKey = "janus-hls:sessions"

// SessionMirror publishes the active session set outside the process.
type SessionMirror interface {
	Put(ctx context.Context, info SessionInfo) error
	Delete(ctx context.Context, streamKey string) error
	Entries(ctx context.Context) (map[string]SessionInfo, error)
	Ping(ctx context.Context) error
}

type noopMirror struct{}

func (noopMirror) Put(context.Context, SessionInfo) error {
	return nil
}

func (noopMirror) Delete(context.Context, string) error {
	return nil
}

func (noopMirror) Entries(context.Context) (map[string]SessionInfo, error) {
	return map[string]SessionInfo{}, nil
}

func (noopMirror) Ping(context.Context) error {
	return nil
}

// RedisMirror stores one JSON encoded SessionInfo per stream key in a hash.
type RedisMirror struct {
	client redis.UniversalClient
	key    string
}

// NewRedisMirror returns a mirror writing to hashKey, or DefaultMirrorKey
// when hashKey is empty.
func NewRedisMirror(client redis.UniversalClient, hashKey string) *RedisMirror {
	hashKey = strings.TrimSpace(hashKey)
	if hashKey == "" {
		hashKey = DefaultMirrorKey
	}
	return &RedisMirror{client: client, key: hashKey}
}

func (m *RedisMirror) Put(ctx context.Context, info SessionInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", info.StreamKey, err)
	}
	if err := m.client.HSet(ctx, m.key, info.StreamKey, payload).Err(); err != nil {
		return fmt.Errorf("mirror session %s: %w", info.StreamKey, err)
	}
	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, streamKey string) error {
	if err := m.client.HDel(ctx, m.key, streamKey).Err(); err != nil {
		return fmt.Errorf("unmirror session %s: %w", streamKey, err)
	}
	return nil
}

// Entries returns the mirrored sessions keyed by stream key. Undecodable
// values are skipped.
func (m *RedisMirror) Entries(ctx context.Context) (map[string]SessionInfo, error) {
	values, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read session mirror: %w", err)
	}
	entries := make(map[string]SessionInfo, len(values))
	for field, value := range values {
		var info SessionInfo
		if err := json.Unmarshal([]byte(value), &info); err != nil {
			continue
		}
		entries[field] = info
	}
	return entries, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
