package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes bounds JSON request bodies. SDP offers with many candidates
// stay well below it.
const maxBodyBytes = 1 << 20

// Error codes carried in error responses.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeStreamNotFound     = "STREAM_NOT_FOUND"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeInvalidStreamState = "INVALID_STREAM_STATE"
	CodeConflict           = "CONFLICT"
	CodeForbidden          = "FORBIDDEN"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeUnavailable        = "SERVICE_UNAVAILABLE"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInternal           = "INTERNAL_ERROR"
)

// RequestError is an error with the HTTP status and code it is reported
// with.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e RequestError) Error() string {
	return e.Message
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	response := errorResponse{Error: err.Error()}
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		response.Code = reqErr.Code
	}
	writeJSON(w, status, response)
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// WriteRequestError reports err with its own status and code.
func WriteRequestError(w http.ResponseWriter, err RequestError) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeError(w, status, err)
}

func badRequest(message string) RequestError {
	return RequestError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	WriteRequestError(w, RequestError{
		Status:  http.StatusMethodNotAllowed,
		Code:    CodeMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed", r.Method),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
