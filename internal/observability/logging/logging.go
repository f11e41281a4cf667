// Package logging configures the service's slog loggers and carries request
// scoped attributes on contexts.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// maxPayloadAttr bounds session description attributes; offers routinely
// exceed several kilobytes.
const maxPayloadAttr = 256

// Config selects the handler format, minimum level and destination.
type Config struct {
	Level  string
	Writer io.Writer
	Format string

	// Service, when set, is attached to every record as "service".
	Service string

	AddSource bool
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds a logger from cfg and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger from cfg. Output goes to stdout unless a Writer is set.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	logger := slog.New(newHandler(cfg, writer))
	if service := strings.TrimSpace(cfg.Service); service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: scrubAttr,
	}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.NewTextHandler(writer, options)
	}
	return slog.NewJSONHandler(writer, options)
}

// parseLevel accepts slog level names in any case plus "warning". Unknown
// values fall back to info.
func parseLevel(level string) slog.Leveler {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	var parsed slog.Level
	if level == "" || parsed.UnmarshalText([]byte(level)) != nil {
		parsed = slog.LevelInfo
	}
	return parsed
}

// scrubAttr masks credentials and shortens SDP bodies.
func scrubAttr(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	switch {
	case strings.Contains(key, "secret"), strings.Contains(key, "password"),
		strings.Contains(key, "credential"), key == "dsn":
		if attr.Value.Kind() == slog.KindString && attr.Value.String() == "" {
			return attr
		}
		return slog.String(attr.Key, "[redacted]")
	case strings.HasSuffix(key, "sdp"):
		if attr.Value.Kind() != slog.KindString {
			return attr
		}
		if body := attr.Value.String(); len(body) > maxPayloadAttr {
			return slog.String(attr.Key, fmt.Sprintf("%s...(%d bytes)", body[:maxPayloadAttr], len(body)))
		}
	}
	return attr
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}
