package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"janus-hls-bridge/internal/api"
	"janus-hls-bridge/internal/hls"
)

const (
	corsAllowMethods  = "GET, HEAD, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders  = "Content-Type, X-Request-Id, X-Stream-Key"
	corsExposeHeaders = "X-Request-Id, Retry-After"
)

// CORSConfig declares the origins allowed to call the server across domains.
// PublisherOrigins host the pages that submit offers and manage streams.
// ViewerOrigins host players that fetch playlists and segments; "*" opens the
// HLS routes to every origin. When both lists are empty only same-origin
// requests are permitted.
type CORSConfig struct {
	PublisherOrigins []string
	ViewerOrigins    []string
}

type corsPolicy struct {
	allowed   map[string]struct{}
	viewers   map[string]struct{}
	anyViewer bool
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{
		allowed: make(map[string]struct{}),
		viewers: make(map[string]struct{}),
	}
	for _, origin := range cfg.PublisherOrigins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	for _, origin := range cfg.ViewerOrigins {
		if strings.TrimSpace(origin) == "*" {
			policy.anyViewer = true
			continue
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.viewers[normalized] = struct{}{}
		}
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		credentials := true
		switch {
		case policy.allows(origin, originForRequest(r), r.URL.Path):
		case policy.anyViewer && isHLSPath(r.URL.Path):
			credentials = false
		default:
			if logger != nil {
				logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			}
			writeMiddlewareError(w, http.StatusForbidden, api.CodeForbidden, "origin not allowed")
			return
		}

		if credentials {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Add("Vary", "Origin")
		w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)

		if r.Method == http.MethodOptions {
			if r.Header.Get("Access-Control-Request-Method") == "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				w.Header().Set("Access-Control-Allow-Headers", requested)
			} else {
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allows reports whether origin may call path. Viewer origins only reach the
// HLS routes.
func (p corsPolicy) allows(origin, requestOrigin, path string) bool {
	normalizedOrigin, err := normalizeOrigin(origin)
	if err != nil || normalizedOrigin == "" {
		return false
	}
	if _, ok := p.allowed[normalizedOrigin]; ok {
		return true
	}
	if _, ok := p.viewers[normalizedOrigin]; ok && isHLSPath(path) {
		return true
	}
	if requestOrigin == "" {
		return false
	}
	return normalizedOrigin == requestOrigin
}

func isHLSPath(path string) bool {
	return strings.HasPrefix(path, hls.PublicPathPrefix+"/")
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
