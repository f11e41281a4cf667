package hls

import (
	"path"
	"strings"
)

// PlaylistName is the file ffmpeg writes the live playlist to.
const PlaylistName = "index.m3u8"

// PublicURL builds the viewer playlist URL. With an empty base the relative
// route under PublicPathPrefix is returned; otherwise base is used as the
// playlist root with any trailing slash trimmed.
func PublicURL(base, streamKey string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return joinURL(PublicPathPrefix, streamKey, PlaylistName)
	}
	return joinURL(base, streamKey, PlaylistName)
}

func joinURL(base string, parts ...string) string {
	trimmed := strings.TrimRight(base, "/")
	addition := path.Join(parts...)
	if addition == "." {
		addition = ""
	}
	if addition == "" {
		return trimmed
	}
	if trimmed == "" {
		return "/" + strings.TrimLeft(addition, "/")
	}
	return trimmed + "/" + strings.TrimLeft(addition, "/")
}
