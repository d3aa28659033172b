// Package httpapi exposes the engine and fleet operations over HTTP:
// client check endpoints, agent result/heartbeat ingestion, a WebSocket
// event stream and the basic-auth admin surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/probewatch/probewatch/internal/engine"
	"github.com/probewatch/probewatch/internal/events"
	"github.com/probewatch/probewatch/internal/fleet"
	"github.com/probewatch/probewatch/internal/registry"
	"github.com/probewatch/probewatch/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	engine   *engine.Engine
	registry *registry.Registry
	fleet    *fleet.Provisioner
	hub      *events.Hub
	log      *logrus.Entry

	adminUser string
	adminPass string

	// Storm protection for the heartbeat endpoint.
	heartbeatLimiter *rate.Limiter
}

// New wires a Server.
func New(eng *engine.Engine, reg *registry.Registry, prov *fleet.Provisioner, hub *events.Hub, adminUser, adminPass string, log *logrus.Entry) *Server {
	return &Server{
		engine:           eng,
		registry:         reg,
		fleet:            prov,
		hub:              hub,
		log:              log,
		adminUser:        adminUser,
		adminPass:        adminPass,
		heartbeatLimiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// Routes builds the full handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/check", s.handleCreateCheck)
	mux.HandleFunc("GET /api/check/{id}", s.handleGetCheck)
	mux.HandleFunc("GET /api/check/{id}/matrix", s.handleGetMatrix)
	mux.HandleFunc("POST /api/results", s.handleSubmitResult)
	mux.HandleFunc("POST /api/agent/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/agent/log", s.handleAgentLog)
	mux.HandleFunc("GET /api/agents", s.handleListAgentsPublic)
	mux.HandleFunc("GET /api/ws", s.handleEventStream)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/admin/agents", s.handleAdminListAgents)
	admin.HandleFunc("POST /api/admin/agents", s.handleAdminCreateAgent)
	admin.HandleFunc("POST /api/admin/agents/provision", s.handleAdminProvisionAgent)
	admin.HandleFunc("DELETE /api/admin/agents/{id}", s.handleAdminDeleteAgent)
	admin.HandleFunc("POST /api/admin/agents/{id}/reset-token", s.handleAdminResetToken)
	admin.HandleFunc("GET /api/admin/agents/{id}/run-cmd", s.handleAdminRunCommand)
	mux.Handle("/api/admin/", AdminAuth(s.adminUser, s.adminPass, admin))

	return CORSMiddleware(mux)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, registry.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, store.ErrDuplicateName), errors.Is(err, engine.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, fleet.ErrProvisioningFailed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("internal error")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// clientIP extracts the caller address, honouring the proxy header. The
// header may carry a comma-separated hop list; the first entry is the client.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		if fwd = strings.TrimSpace(fwd); fwd != "" {
			return fwd
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
