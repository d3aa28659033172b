package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/probewatch/probewatch/internal/engine"
	"github.com/probewatch/probewatch/internal/observability"
	"github.com/probewatch/probewatch/internal/store"
)

type createCheckRequest struct {
	Target  string   `json:"target"`
	Methods []string `json:"methods"`
}

type createCheckResponse struct {
	TaskID string            `json:"task_id"`
	Status store.CheckStatus `json:"status"`
}

func (s *Server) handleCreateCheck(w http.ResponseWriter, r *http.Request) {
	var req createCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err))
		return
	}
	check, err := s.engine.Create(r.Context(), req.Target, req.Methods)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, createCheckResponse{
		TaskID: check.ID.String(),
		Status: check.Status,
	})
}

func (s *Server) checkFromPath(r *http.Request) (*store.Check, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid check id", engine.ErrInvalidInput)
	}
	return s.engine.Get(r.Context(), id)
}

func (s *Server) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	check, err := s.checkFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleGetMatrix(w http.ResponseWriter, r *http.Request) {
	check, err := s.checkFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Matrix(check))
}

type submitResultRequest struct {
	TaskID     string `json:"task_id"`
	AgentID    string `json:"agent_id"`
	Token      string `json:"token"`
	Method     string `json:"method"`
	Success    bool   `json:"success"`
	StatusCode *int   `json:"status_code"`
	LatencyMs  *int64 `json:"latency_ms"`
	Message    string `json:"message"`
	CheckedAt  string `json:"checked_at"`
	Details    any    `json:"details"`
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var req submitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err))
		return
	}
	checkID, err := uuid.Parse(req.TaskID)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid task_id", engine.ErrInvalidInput))
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid agent_id", engine.ErrInvalidInput))
		return
	}
	token := req.Token
	if token == "" {
		token = r.Header.Get("X-Agent-Token")
	}

	res := store.Result{
		Method:     store.Method(req.Method),
		Success:    req.Success,
		StatusCode: req.StatusCode,
		LatencyMs:  req.LatencyMs,
		Message:    req.Message,
		Details:    req.Details,
	}
	if req.CheckedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, req.CheckedAt); err == nil {
			res.CheckedAt = t.UTC()
		}
	}

	err = s.engine.Submit(r.Context(), checkID, agentID, token, res)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		// Harmless race; the agent should not treat this as a failure.
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "discarded"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type heartbeatRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.heartbeatLimiter.Allow() {
		observability.HeartbeatRateLimited.Inc()
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err))
		return
	}
	if err := s.registry.Heartbeat(r.Context(), req.Token, clientIP(r), time.Now().UTC()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type agentLogRequest struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Region  string `json:"region"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (s *Server) handleAgentLog(w http.ResponseWriter, r *http.Request) {
	var req agentLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err))
		return
	}
	checkID, err := uuid.Parse(req.TaskID)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid task_id", engine.ErrInvalidInput))
		return
	}
	s.engine.EmitLog(r.Context(), checkID, req.AgentID, req.Region, req.Stage, req.Message)
	w.WriteHeader(http.StatusNoContent)
}

type publicAgentView struct {
	Name           string     `json:"name"`
	Region         string     `json:"region"`
	IP             string     `json:"ip,omitempty"`
	Online         bool       `json:"online"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	TasksCompleted int64      `json:"tasks_completed"`
}

func (s *Server) handleListAgentsPublic(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := time.Now().UTC()
	out := make([]publicAgentView, 0, len(agents))
	online := 0
	for _, a := range agents {
		isOnline := s.registry.Online(a, now)
		if isOnline {
			online++
		}
		out = append(out, publicAgentView{
			Name:           a.Name,
			Region:         a.Region,
			IP:             a.IP,
			Online:         isOnline,
			LastHeartbeat:  a.LastHeartbeat,
			TasksCompleted: a.TasksCompleted,
		})
	}
	observability.AgentsOnline.Set(float64(online))
	s.writeJSON(w, http.StatusOK, out)
}
