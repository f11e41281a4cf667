package server

import (
	"net/http"

	"janus-hls-bridge/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	api.WriteRequestError(w, api.RequestError{Status: status, Code: code, Message: message})
}
