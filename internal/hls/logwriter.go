package hls

import (
	"bytes"
	"log/slog"
	"sync"
)

const maxPendingLine = 64 << 10

// logWriter forwards process output to the logger one line at a time. ffmpeg
// rewrites its progress line with carriage returns, so both '\r' and '\n' end
// a line. Partial lines are buffered until terminated, Flush is called or the
// buffer grows past maxPendingLine.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	pending []byte
	lines   int
	last    string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexAny(w.pending, "\r\n")
		if idx == -1 {
			if len(w.pending) > maxPendingLine {
				w.emit(w.pending)
				w.pending = nil
			}
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	return total, nil
}

// Flush logs any buffered partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

// Lines reports how many non-empty lines were logged.
func (w *logWriter) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Last returns the most recent non-empty line.
func (w *logWriter) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.lines++
	w.last = string(line)
	w.logger.Debug("ffmpeg output", "stream", w.stream, "line", w.last)
}
