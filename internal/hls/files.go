package hls

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrFileNotFound is returned by ResolveFile for names that are unsafe or not
// servable.
var ErrFileNotFound = errors.New("hls: file not found")

var extinfPattern = regexp.MustCompile(`^#EXTINF:([0-9.]+),`)

// ResolveFile maps a request for name inside the stream's output directory to
// a path on disk. Names that escape the directory are rejected. The file is
// not required to exist.
func ResolveFile(root, streamKey, name string) (string, error) {
	if err := ValidateStreamKey(streamKey); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", ErrFileNotFound
	}
	for _, element := range strings.Split(name, "/") {
		if element == ".." {
			return "", ErrFileNotFound
		}
	}

	dir, err := filepath.Abs(filepath.Join(root, streamKey))
	if err != nil {
		return "", err
	}
	resolved := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrFileNotFound
	}
	return resolved, nil
}

// ContentType returns the media type and Cache-Control value playlists and
// segments are served with. Playlists change every segment and must not be
// cached; segments are immutable once listed.
func ContentType(name string) (contentType, cacheControl string, ok bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl", "no-store", true
	case ".ts":
		return "video/mp2t", "public, max-age=30", true
	case ".m4s", ".mp4":
		return "video/mp4", "public, max-age=30", true
	default:
		return "", "", false
	}
}

// PlaylistStatus summarises the live playlist of a stream.
type PlaylistStatus struct {
	Exists        bool          `json:"exists"`
	Segments      int           `json:"segments"`
	LastSegment   string        `json:"lastSegment,omitempty"`
	Duration      time.Duration `json:"duration"`
	MediaSequence int           `json:"mediaSequence"`
	ModifiedAt    time.Time     `json:"modifiedAt,omitempty"`
}

// Ready reports whether at least one segment has been listed.
func (p PlaylistStatus) Ready() bool {
	return p.Exists && p.Segments > 0
}

// InspectPlaylist reads index.m3u8 in dir and counts its segments. A missing
// playlist is not an error; Exists is false instead.
func InspectPlaylist(dir string) (PlaylistStatus, error) {
	path := filepath.Join(dir, PlaylistName)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return PlaylistStatus{}, nil
	}
	if err != nil {
		return PlaylistStatus{}, fmt.Errorf("stat playlist: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PlaylistStatus{}, fmt.Errorf("read playlist: %w", err)
	}

	status := PlaylistStatus{Exists: true, ModifiedAt: info.ModTime().UTC()}
	lines := strings.Split(string(data), "\n")
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if value, found := strings.CutPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"); found {
			if seq, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				status.MediaSequence = seq
			}
			continue
		}
		match := extinfPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		status.Segments++
		if seconds, err := strconv.ParseFloat(match[1], 64); err == nil {
			status.Duration += time.Duration(seconds * float64(time.Second))
		}
		for j := i + 1; j < len(lines); j++ {
			next := strings.TrimSpace(lines[j])
			if next != "" && !strings.HasPrefix(next, "#") {
				status.LastSegment = next
				break
			}
		}
	}
	return status, nil
}
