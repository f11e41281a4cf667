package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	streamKeyAttempts = 3
	streamKeyLength   = 12
)

func generateID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// generateStreamKey returns the first streamKeyLength hex digits of a random
// UUID.
func generateStreamKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", "")[:streamKeyLength], nil
}

// uniqueStreamKey draws keys from next until exists reports a free one,
// giving up after streamKeyAttempts collisions.
func uniqueStreamKey(next func() (string, error), exists func(string) (bool, error)) (string, error) {
	for attempt := 0; attempt < streamKeyAttempts; attempt++ {
		key, err := next()
		if err != nil {
			return "", err
		}
		taken, err := exists(key)
		if err != nil {
			return "", err
		}
		if !taken {
			return key, nil
		}
	}
	return "", fmt.Errorf("generate stream key: %d collisions", streamKeyAttempts)
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
