package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/probewatch/probewatch/internal/engine"
	"github.com/probewatch/probewatch/internal/fleet"
	"github.com/probewatch/probewatch/internal/store"
)

type adminAgentView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Region         string     `json:"region"`
	IP             string     `json:"ip,omitempty"`
	TokenTail      string     `json:"token_tail"`
	Revoked        bool       `json:"revoked"`
	Online         bool       `json:"online"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	TasksCompleted int64      `json:"tasks_completed"`
}

func (s *Server) adminView(a *store.Agent, now time.Time) adminAgentView {
	return adminAgentView{
		ID:             a.ID.String(),
		Name:           a.Name,
		Region:         a.Region,
		IP:             a.IP,
		TokenTail:      a.TokenTail(),
		Revoked:        a.Revoked,
		Online:         s.registry.Online(a, now),
		LastHeartbeat:  a.LastHeartbeat,
		TasksCompleted: a.TasksCompleted,
	}
}

func (s *Server) handleAdminListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := time.Now().UTC()
	out := make([]adminAgentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, s.adminView(a, now))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type adminCreateRequest struct {
	Name   string `json:"name"`
	Region string `json:"region"`
}

type adminCreateResponse struct {
	Agent  adminAgentView `json:"agent"`
	RunCmd string         `json:"run_cmd"`
}

func (s *Server) handleAdminCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req adminCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err))
		return
	}
	agent, cmd, err := s.fleet.CreateAgent(r.Context(), req.Name, req.Region)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, adminCreateResponse{
		Agent:  s.adminView(agent, time.Now().UTC()),
		RunCmd: cmd,
	})
}

type adminProvisionRequest struct {
	Name   string `json:"name"`
	Region string `json:"region"`
	fleet.HostCredentials
}

func (s *Server) handleAdminProvisionAgent(w http.ResponseWriter, r *http.Request) {
	var req adminProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err))
		return
	}
	if req.Host == "" || req.User == "" {
		s.writeError(w, fmt.Errorf("%w: missing host credentials", engine.ErrInvalidInput))
		return
	}

	agent, cmd, err := s.fleet.CreateAndProvision(r.Context(), req.Name, req.Region, &req.HostCredentials)
	if errors.Is(err, fleet.ErrProvisioningFailed) {
		// The agent stayed registered; hand the operator everything needed
		// for a manual retry.
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"agent":   s.adminView(agent, time.Now().UTC()),
			"run_cmd": cmd,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, adminCreateResponse{
		Agent:  s.adminView(agent, time.Now().UTC()),
		RunCmd: cmd,
	})
}

func agentIDFromPath(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid agent id", engine.ErrInvalidInput)
	}
	return id, nil
}

func (s *Server) handleAdminDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminResetToken(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	agent, err := s.registry.ResetToken(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"id":         agent.ID.String(),
		"token_tail": agent.TokenTail(),
	})
}

func (s *Server) handleAdminRunCommand(w http.ResponseWriter, r *http.Request) {
	id, err := agentIDFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cmd, err := s.fleet.GetRunCommand(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"run_cmd": cmd})
}
