package runtime

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/queueflow/internal/runtime/metrics"
)

// ComponentInfo describes a component created through the service.
type ComponentInfo struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Queue string `json:"queue"`
	State string `json:"state"`

	state func() string
}

// Status is the payload of the status endpoint.
type Status struct {
	Running          bool             `json:"running"`
	Components       []ComponentInfo  `json:"components"`
	PendingTracking  int              `json:"pending_tracking"`
	OpenTransactions int64            `json:"open_transactions"`
	Metrics          metrics.Snapshot `json:"metrics"`
}

// Components lists the components with their current state.
func (s *Service) Components() []ComponentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ComponentInfo, 0, len(s.components))
	for _, c := range s.components {
		info := c.info
		switch {
		case info.state != nil:
			info.State = info.state()
		case s.started:
			info.State = "running"
		default:
			info.State = "stopped"
		}
		out = append(out, info)
	}
	return out
}

// Status reports what the service is doing right now.
func (s *Service) Status() Status {
	components := s.Components()
	s.mu.Lock()
	running := s.started
	s.mu.Unlock()
	return Status{
		Running:          running,
		Components:       components,
		PendingTracking:  s.postman.Pending(),
		OpenTransactions: s.limiter.Open(),
		Metrics:          s.metrics.GetSnapshot(),
	}
}

func (s *Service) registerStatusHandlers() {
	if s.Conf.HTTPPort == 0 {
		return
	}
	s.RegisterHTTPHandler(s.Conf.HTTPPort, "/api/status", http.HandlerFunc(s.handleGetStatus))
	if s.metrics != nil {
		s.RegisterHTTPHandler(s.Conf.HTTPPort, "/metrics", s.metricsHandler())
	}
}

func (s *Service) metricsHandler() http.Handler {
	if s.gatherer != nil {
		return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.HTTPCORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.HTTPCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
