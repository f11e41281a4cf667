package models

import "time"

// StreamStatus is the lifecycle state of a stream's metadata record.
type StreamStatus string

const (
	StreamStatusCreated StreamStatus = "CREATED"
	StreamStatusLive    StreamStatus = "LIVE"
	StreamStatusEnded   StreamStatus = "ENDED"
)

// Valid reports whether s is one of the known statuses.
func (s StreamStatus) Valid() bool {
	switch s {
	case StreamStatusCreated, StreamStatusLive, StreamStatusEnded:
		return true
	default:
		return false
	}
}

// StreamMeta describes a stream announced by a publisher. The stream key is
// what the WebRTC offer route and the HLS file routes are addressed with.
type StreamMeta struct {
	ID          string       `json:"id"`
	StreamKey   string       `json:"streamKey"`
	HLSURL      string       `json:"hlsUrl,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      StreamStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	EndedAt     *time.Time   `json:"endedAt,omitempty"`
}

// StreamPage is one page of a stream listing, newest first.
type StreamPage struct {
	Items         []StreamMeta `json:"items"`
	Page          int          `json:"page"`
	Size          int          `json:"size"`
	TotalElements int64        `json:"totalElements"`
	TotalPages    int          `json:"totalPages"`
}

// SessionStatus is the state of a persisted WebRTC publishing session.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusStopped SessionStatus = "stopped"
	SessionStatusFailed  SessionStatus = "failed"
)

// WebRTCSession is the durable record of one bridged publisher session.
type WebRTCSession struct {
	ID             string        `json:"id"`
	StreamKey      string        `json:"streamKey"`
	JanusSessionID uint64        `json:"janusSessionId"`
	JanusHandleID  uint64        `json:"janusHandleId"`
	RoomID         int64         `json:"roomId"`
	PublisherID    uint64        `json:"publisherId,omitempty"`
	VideoPort      int           `json:"videoPort"`
	AudioPort      int           `json:"audioPort"`
	HLSURL         string        `json:"hlsUrl"`
	Status         SessionStatus `json:"status"`
	LastError      string        `json:"lastError,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
}
