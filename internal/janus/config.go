package janus

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL      = "http://localhost:8088/janus"
	DefaultRoomID       = 1234
	DefaultAPITimeout   = 30 * time.Second
	DefaultPollAttempts = 30
	DefaultPollTimeout  = 2 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultDisplay      = "webrtc-hls-publisher"
	DefaultForwardHost  = "127.0.0.1"
)

// Config stores connectivity and timing settings for Janus negotiations.
type Config struct {
	BaseURL       string
	RoomID        int64
	APITimeout    time.Duration
	PollAttempts  int
	PollTimeout   time.Duration
	PollInterval  time.Duration
	Display       string
	ForwardHost   string
	ForwardSecret string
	HTTPClient    *http.Client
}

// DefaultConfig returns the settings used when no environment overrides exist.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		RoomID:       DefaultRoomID,
		APITimeout:   DefaultAPITimeout,
		PollAttempts: DefaultPollAttempts,
		PollTimeout:  DefaultPollTimeout,
		PollInterval: DefaultPollInterval,
		Display:      DefaultDisplay,
		ForwardHost:  DefaultForwardHost,
	}
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if base := strings.TrimSpace(os.Getenv("JANUS_URL")); base != "" {
		cfg.BaseURL = base
	}
	if display := strings.TrimSpace(os.Getenv("JANUS_DISPLAY")); display != "" {
		cfg.Display = display
	}
	cfg.ForwardSecret = os.Getenv("JANUS_RTP_FORWARD_SECRET")

	if room := strings.TrimSpace(os.Getenv("JANUS_ROOM_ID")); room != "" {
		parsed, err := strconv.ParseInt(room, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse JANUS_ROOM_ID: %w", err)
		}
		cfg.RoomID = parsed
	}

	// JANUS_API_TIMEOUT is expressed in whole seconds, a Go duration is also accepted.
	if timeout := strings.TrimSpace(os.Getenv("JANUS_API_TIMEOUT")); timeout != "" {
		parsed, err := parseSecondsOrDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse JANUS_API_TIMEOUT: %w", err)
		}
		cfg.APITimeout = parsed
	}

	if attempts := strings.TrimSpace(os.Getenv("JANUS_POLL_ATTEMPTS")); attempts != "" {
		parsed, err := strconv.Atoi(attempts)
		if err != nil {
			return Config{}, fmt.Errorf("parse JANUS_POLL_ATTEMPTS: %w", err)
		}
		if parsed > 0 {
			cfg.PollAttempts = parsed
		}
	}

	if timeout := strings.TrimSpace(os.Getenv("JANUS_POLL_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse JANUS_POLL_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.PollTimeout = parsed
		}
	}

	if interval := strings.TrimSpace(os.Getenv("JANUS_POLL_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return Config{}, fmt.Errorf("parse JANUS_POLL_INTERVAL: %w", err)
		}
		if parsed >= 0 {
			cfg.PollInterval = parsed
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("janus base url is required")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parse janus base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("janus base url must use http or https, got %q", parsed.Scheme)
	}
	if c.PollAttempts <= 0 {
		return errors.New("poll attempts must be positive")
	}
	if c.PollTimeout <= 0 {
		return errors.New("poll timeout must be positive")
	}
	if c.PollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}
	if c.APITimeout < 0 {
		return errors.New("api timeout cannot be negative")
	}
	return nil
}

// MaxNegotiationWait is the longest Negotiate can block on polling with this
// configuration, assuming every poll runs into its timeout.
func (c Config) MaxNegotiationWait() time.Duration {
	return time.Duration(c.PollAttempts) * (c.PollTimeout + c.PollInterval)
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = defaults.PollAttempts
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}
	if c.PollInterval < 0 {
		c.PollInterval = 0
	}
	if strings.TrimSpace(c.Display) == "" {
		c.Display = defaults.Display
	}
	if strings.TrimSpace(c.ForwardHost) == "" {
		c.ForwardHost = defaults.ForwardHost
	}
	return c
}

func parseSecondsOrDuration(raw string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("negative timeout %d", seconds)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(raw)
}
