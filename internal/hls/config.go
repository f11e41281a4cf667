package hls

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	DefaultOutputRoot  = "./data/webrtc-hls"
	DefaultFFmpegPath  = "ffmpeg"
	DefaultStopTimeout = 10 * time.Second
	// PublicPathPrefix is the route playlists are served under when no public
	// base URL is configured.
	PublicPathPrefix = "/webrtc-hls"
)

// Config controls where playlists are written and how ffmpeg is invoked.
type Config struct {
	OutputRoot    string
	PublicBaseURL string
	FFmpegPath    string
	StopTimeout   time.Duration
}

// DefaultConfig returns the local development settings.
func DefaultConfig() Config {
	return Config{
		OutputRoot:  DefaultOutputRoot,
		FFmpegPath:  DefaultFFmpegPath,
		StopTimeout: DefaultStopTimeout,
	}
}

// LoadConfigFromEnv reads WEBRTC_HLS_OUTPUT_DIR, WEBRTC_HLS_PUBLIC_BASE_URL,
// FFMPEG_PATH and FFMPEG_STOP_TIMEOUT.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if root := strings.TrimSpace(os.Getenv("WEBRTC_HLS_OUTPUT_DIR")); root != "" {
		cfg.OutputRoot = root
	}
	cfg.PublicBaseURL = strings.TrimSpace(os.Getenv("WEBRTC_HLS_PUBLIC_BASE_URL"))
	if binary := strings.TrimSpace(os.Getenv("FFMPEG_PATH")); binary != "" {
		cfg.FFmpegPath = binary
	}
	if timeout := strings.TrimSpace(os.Getenv("FFMPEG_STOP_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse FFMPEG_STOP_TIMEOUT: %w", err)
		}
		cfg.StopTimeout = parsed
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OutputRoot) == "" {
		return errors.New("hls output root is required")
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		return errors.New("ffmpeg path is required")
	}
	if c.StopTimeout <= 0 {
		return errors.New("ffmpeg stop timeout must be positive")
	}
	return nil
}

// PublicURL returns the playlist URL handed to viewers for streamKey.
func (c Config) PublicURL(streamKey string) string {
	return PublicURL(c.PublicBaseURL, streamKey)
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.OutputRoot) == "" {
		c.OutputRoot = DefaultOutputRoot
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = DefaultFFmpegPath
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}
