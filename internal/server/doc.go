// Package server hosts the signaling API, the stream metadata API and the HLS
// file routes behind one HTTP server.
//
// Every route runs through the same middleware chain: request ids, request
// logging, CORS, security headers, metrics, rate limiting and audit logging.
package server
