// Package hls supervises ffmpeg processes that turn a forwarded RTP stream
// into a rolling HLS playlist under <output root>/<stream key>/index.m3u8, and
// resolves the files those processes write for serving.
package hls
