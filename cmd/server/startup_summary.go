package main

import (
	"net/url"
	"strings"

	"janus-hls-bridge/internal/bridge"
	"janus-hls-bridge/internal/hls"
	"janus-hls-bridge/internal/janus"
	"janus-hls-bridge/internal/redisconn"
	"janus-hls-bridge/internal/server"
)

type startupSummaryInput struct {
	ListenAddr    string
	TLSEnabled    bool
	StorageDriver string
	StoragePath   string
	StorageDSN    string
	Redis         redisconn.Config
	MirrorKey     string
	RateLimit     server.RateLimitConfig
	Janus         janus.Config
	HLS           hls.Config
	Ports         bridge.PortRange
}

// startupSummary is the configuration logged once at boot with credentials
// redacted.
type startupSummary struct {
	listen     map[string]any
	datastore  map[string]any
	redis      map[string]any
	offerLimit map[string]any
	gateway    map[string]any
	pipeline   map[string]any
}

func newStartupSummary(in startupSummaryInput) startupSummary {
	summary := startupSummary{
		listen: map[string]any{
			"addr": in.ListenAddr,
			"tls":  in.TLSEnabled,
		},
		datastore: map[string]any{"driver": in.StorageDriver},
		gateway: map[string]any{
			"url":           redactURL(in.Janus.BaseURL),
			"room_id":       in.Janus.RoomID,
			"api_timeout":   in.Janus.APITimeout.String(),
			"poll_attempts": in.Janus.PollAttempts,
		},
		pipeline: map[string]any{
			"output_dir": in.HLS.OutputRoot,
			"ffmpeg":     in.HLS.FFmpegPath,
			"port_min":   in.Ports.Min,
			"port_max":   in.Ports.Max,
		},
	}
	switch in.StorageDriver {
	case "postgres":
		summary.datastore["dsn"] = redactURL(in.StorageDSN)
	default:
		summary.datastore["path"] = in.StoragePath
	}

	if in.Redis.Enabled() {
		summary.redis = map[string]any{
			"enabled":    true,
			"addrs":      append(append([]string(nil), in.Redis.Addrs...), nonEmpty(in.Redis.Addr)...),
			"mirror_key": in.MirrorKey,
			"tls":        in.Redis.TLS.CAFile != "" || in.Redis.TLS.CertFile != "" || in.Redis.TLS.InsecureSkipVerify,
		}
		if in.Redis.MasterName != "" {
			summary.redis["master_name"] = in.Redis.MasterName
		}
	} else {
		summary.redis = map[string]any{"enabled": false}
	}

	offerDriver := "memory"
	if in.RateLimit.RedisClient != nil {
		offerDriver = "redis"
	}
	summary.offerLimit = map[string]any{
		"driver": offerDriver,
		"limit":  in.RateLimit.OfferLimit,
		"window": in.RateLimit.OfferWindow.String(),
	}
	if in.RateLimit.GlobalRPS > 0 {
		summary.offerLimit["global_rps"] = in.RateLimit.GlobalRPS
	}
	return summary
}

// LogArgs flattens the summary into slog key/value pairs.
func (s startupSummary) LogArgs() []any {
	return []any{
		"listen", s.listen,
		"datastore", s.datastore,
		"redis", s.redis,
		"offer_rate_limit", s.offerLimit,
		"janus", s.gateway,
		"hls", s.pipeline,
	}
}

func redactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		if strings.Contains(raw, "password=") {
			return "[redacted]"
		}
		return raw
	}
	return parsed.Redacted()
}

func nonEmpty(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return []string{strings.TrimSpace(value)}
}
