package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"janus-hls-bridge/internal/models"
	"janus-hls-bridge/internal/storage"
)

type createStreamRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *Handler) withHLSURL(meta models.StreamMeta) models.StreamMeta {
	meta.HLSURL = h.HLS.PublicURL(meta.StreamKey)
	return meta
}

// Streams creates stream metadata (POST) or lists it page by page (GET).
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		WriteRequestError(w, RequestError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: "datastore unavailable"})
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createStreamRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteRequestError(w, badRequest(err.Error()))
			return
		}
		meta, err := h.Store.CreateStream(r.Context(), storage.CreateStreamParams{Title: req.Title, Description: req.Description})
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		h.loggerFor(r.Context()).Info("stream created", "stream_id", meta.ID, "stream_key", meta.StreamKey)
		writeJSON(w, http.StatusCreated, h.withHLSURL(meta))
	case http.MethodGet:
		query, err := parseStreamQuery(r)
		if err != nil {
			WriteRequestError(w, badRequest(err.Error()))
			return
		}
		page, err := h.Store.ListStreams(r.Context(), query)
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		for i := range page.Items {
			page.Items[i] = h.withHLSURL(page.Items[i])
		}
		writeJSON(w, http.StatusOK, page)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func parseStreamQuery(r *http.Request) (storage.StreamQuery, error) {
	values := r.URL.Query()
	query := storage.StreamQuery{
		Search: values.Get("search"),
		Fields: storage.ParseFields(values.Get("fields")),
	}
	if raw := strings.TrimSpace(values.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return query, fmt.Errorf("invalid page %q", raw)
		}
		query.Page = page
	}
	if raw := strings.TrimSpace(values.Get("size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return query, fmt.Errorf("invalid size %q", raw)
		}
		query.Size = size
	}
	return query, nil
}

// StreamByID serves /api/v1/streams/{id}, /start and /end.
func (h *Handler) StreamByID(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		WriteRequestError(w, RequestError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: "datastore unavailable"})
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/streams/"), "/")
	if path == "" {
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Code: CodeStreamNotFound, Message: "stream id missing"})
		return
	}
	parts := strings.Split(path, "/")
	streamID := strings.TrimSpace(parts[0])

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		meta, err := h.Store.GetStream(r.Context(), streamID)
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.withHLSURL(meta))
		return
	}
	if len(parts) > 2 {
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "unknown stream path"})
		return
	}

	var transition func() (models.StreamMeta, error)
	switch parts[1] {
	case "start":
		transition = func() (models.StreamMeta, error) { return h.Store.StartStream(r.Context(), streamID) }
	case "end":
		transition = func() (models.StreamMeta, error) { return h.Store.EndStream(r.Context(), streamID) }
	default:
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "unknown stream path"})
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, "PUT")
		return
	}
	meta, err := transition()
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.loggerFor(r.Context()).Info("stream status changed", "stream_id", meta.ID, "status", meta.Status)
	writeJSON(w, http.StatusOK, h.withHLSURL(meta))
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, Code: CodeStreamNotFound, Message: err.Error()})
	case errors.Is(err, storage.ErrConflict):
		WriteRequestError(w, RequestError{Status: http.StatusConflict, Code: CodeInvalidStreamState, Message: err.Error()})
	case errors.Is(err, storage.ErrInvalidInput):
		WriteRequestError(w, badRequest(err.Error()))
	default:
		h.loggerFor(r.Context()).Error("datastore request failed", "error", err)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "datastore request failed"})
	}
}
