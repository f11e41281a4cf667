package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

// HealthCheck probes one collaborator for the health endpoint.
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status         string            `json:"status"`
	Components     []componentStatus `json:"components"`
	ActiveSessions int               `json:"activeSessions"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "UP"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "UP"
		message := ""
		if err != nil {
			status = "DOWN"
			message = err.Error()
			overallStatus = "DOWN"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, len(h.HealthChecks)+1)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	for _, check := range h.HealthChecks {
		if check.Check == nil {
			continue
		}
		components = append(components, recordComponent(check.Component, check.Check(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports the status of every configured component.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	components, status, code := h.componentHealth(ctx)
	response := healthResponse{Status: status, Components: components}
	if h.Sessions != nil {
		response.ActiveSessions = len(h.Sessions.Sessions())
	}
	writeJSON(w, code, response)
}
