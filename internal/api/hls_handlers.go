package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"janus-hls-bridge/internal/hls"
)

// HLSFiles serves playlists and segments below the HLS output root at
// /webrtc-hls/<streamKey>/<file>.
func (h *Handler) HLSFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, hls.PublicPathPrefix+"/")
	streamKey, name, found := strings.Cut(rest, "/")
	if !found || streamKey == "" || name == "" {
		http.NotFound(w, r)
		return
	}
	contentType, cacheControl, ok := hls.ContentType(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	path, err := hls.ResolveFile(h.HLS.OutputRoot, streamKey, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.loggerFor(r.Context()).Warn("open hls file failed", "path", path, "error", err)
		}
		http.NotFound(w, r)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", cacheControl)
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}
