package web

import (
	"net/http"

	"github.com/nugget/emonremote/internal/buildinfo"
	"github.com/nugget/emonremote/internal/connwatch"
)

// healthResponse is the /health body.
type healthResponse struct {
	Status   string                             `json:"status"`
	Version  string                             `json:"version"`
	Uptime   string                             `json:"uptime"`
	Poller   string                             `json:"poller,omitempty"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

// handleHealth reports service health. It answers 503 while any watched
// service is unreachable.
func (s *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().String(),
	}
	if s.stateFunc != nil {
		resp.Poller = s.stateFunc()
	}
	if s.healthFunc != nil {
		resp.Services = s.healthFunc()
	}

	status := http.StatusOK
	if s.readyFunc != nil && !s.readyFunc() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
