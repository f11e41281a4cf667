// Package api hosts the HTTP handlers of the WebRTC to HLS bridge.
//
// Handler fronts three concerns: the signaling endpoints that start and stop
// publisher sessions through the bridge orchestrator, the stream metadata
// CRUD backed by storage.Repository, and the file routes that serve the HLS
// playlists ffmpeg writes. Collaborators are injected at construction time;
// the package does not reach for globals.
//
// Handlers assume the middleware chain from internal/server already applied
// request ids, rate limiting, metrics and logging.
package api
