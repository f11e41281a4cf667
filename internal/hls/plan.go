package hls

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

const maxStreamKeyLength = 128

// ErrInvalidStreamKey reports a stream key that cannot be used as a single
// directory name below the output root.
var ErrInvalidStreamKey = errors.New("hls: invalid stream key")

// Stage identifies which step of a pipeline start failed.
type Stage string

const (
	StageDirectory Stage = "directory"
	StageSpawn     Stage = "spawn"
)

// StartError is returned by Supervisor.Start.
type StartError struct {
	Stage     Stage
	StreamKey string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start hls pipeline for %s (%s): %v", e.StreamKey, e.Stage, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Plan is a fully resolved ffmpeg invocation.
type Plan struct {
	Binary    string
	Args      []string
	InputURL  string
	OutputDir string
	Playlist  string
}

// BuildPlan resolves the ffmpeg command that turns the RTP stream arriving on
// inputPort into a rolling HLS playlist under <root>/<streamKey>.
func BuildPlan(cfg Config, inputPort int, streamKey string) (Plan, error) {
	cfg = cfg.withDefaults()
	if err := ValidateStreamKey(streamKey); err != nil {
		return Plan{}, err
	}
	if inputPort <= 0 || inputPort > 65535 {
		return Plan{}, fmt.Errorf("hls: input port %d out of range", inputPort)
	}

	dir := filepath.Join(cfg.OutputRoot, streamKey)
	playlist := filepath.ToSlash(filepath.Join(dir, PlaylistName))
	input := "rtp://127.0.0.1:" + strconv.Itoa(inputPort)
	return Plan{
		Binary: cfg.FFmpegPath,
		Args: []string{
			"-protocol_whitelist", "file,udp,rtp",
			"-i", input,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-hls_time", "2",
			"-hls_list_size", "5",
			"-hls_flags", "delete_segments",
			playlist,
		},
		InputURL:  input,
		OutputDir: dir,
		Playlist:  playlist,
	}, nil
}

// ValidateStreamKey accepts keys made of ASCII letters, digits, '-', '_' and '.'
// that are not a relative path element.
func ValidateStreamKey(streamKey string) error {
	if streamKey == "" || len(streamKey) > maxStreamKeyLength || streamKey == "." || streamKey == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidStreamKey, streamKey)
	}
	for _, r := range streamKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidStreamKey, streamKey)
		}
	}
	return nil
}
