package storage

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"janus-hls-bridge/internal/models"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
	maxLastErrorLength   = 512

	// DefaultPageSize is used when a listing does not request a size.
	DefaultPageSize = 20
	// MaxPageSize caps the size of one listing page.
	MaxPageSize = 200
)

// CreateStreamParams carries the caller supplied fields of a new stream.
type CreateStreamParams struct {
	Title       string
	Description string
}

func (p CreateStreamParams) normalize() (CreateStreamParams, error) {
	p.Title = normalizeText(p.Title)
	p.Description = normalizeText(p.Description)
	if p.Title == "" {
		return p, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(p.Title) > maxTitleLength {
		return p, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidInput, maxTitleLength)
	}
	if utf8.RuneCountInString(p.Description) > maxDescriptionLength {
		return p, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidInput, maxDescriptionLength)
	}
	return p, nil
}

// Searchable stream fields accepted by StreamQuery.Fields.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStreamKey   = "streamKey"
)

// StreamQuery selects one page of streams. Page is zero based.
type StreamQuery struct {
	Page   int
	Size   int
	Search string
	// Fields limits the search to the named fields. Empty means title and
	// description.
	Fields []string
}

// Normalize clamps paging and resolves the search fields. The returned bool is
// false when fields were requested but none of them is known, in which case
// the listing is empty.
func (q StreamQuery) Normalize() (StreamQuery, bool) {
	if q.Page < 0 {
		q.Page = 0
	}
	switch {
	case q.Size <= 0:
		q.Size = DefaultPageSize
	case q.Size > MaxPageSize:
		q.Size = MaxPageSize
	}
	q.Search = strings.TrimSpace(q.Search)
	if q.Search == "" {
		q.Fields = nil
		return q, true
	}
	if len(q.Fields) == 0 {
		q.Fields = []string{FieldTitle, FieldDescription}
		return q, true
	}
	fields := make([]string, 0, len(q.Fields))
	seen := make(map[string]struct{}, len(q.Fields))
	for _, raw := range q.Fields {
		field, ok := canonicalField(raw)
		if !ok {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		fields = append(fields, field)
	}
	q.Fields = fields
	return q, len(fields) > 0
}

func (q StreamQuery) offset() int {
	return q.Page * q.Size
}

func canonicalField(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "title":
		return FieldTitle, true
	case "description":
		return FieldDescription, true
	case "streamkey", "stream_key", "key":
		return FieldStreamKey, true
	default:
		return "", false
	}
}

// ParseFields splits a comma separated field list.
func ParseFields(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			fields = append(fields, trimmed)
		}
	}
	return fields
}

func newPage(q StreamQuery, items []models.StreamMeta, total int64) models.StreamPage {
	if items == nil {
		items = []models.StreamMeta{}
	}
	pages := 0
	if total > 0 {
		pages = int((total + int64(q.Size) - 1) / int64(q.Size))
	}
	return models.StreamPage{
		Items:         items,
		Page:          q.Page,
		Size:          q.Size,
		TotalElements: total,
		TotalPages:    pages,
	}
}

func truncateError(message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) <= maxLastErrorLength {
		return message
	}
	runes := []rune(message)
	return string(runes[:maxLastErrorLength])
}
