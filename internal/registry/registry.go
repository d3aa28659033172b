// Package registry tracks fleet membership: agent identity, credentials,
// liveness and completed-task accounting.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/probewatch/probewatch/internal/store"
)

// ErrUnauthorized is returned when a submitted token does not match the
// agent's current token, or the agent is revoked. An agent seeing this
// should stop retrying until it is re-provisioned.
var ErrUnauthorized = errors.New("unauthorized agent")

// ErrInvalidInput is returned for malformed registration requests.
var ErrInvalidInput = errors.New("invalid input")

// Registry is the fleet-state component. All mutations go through the
// backing store, which serializes them per agent.
type Registry struct {
	store  store.Store
	window time.Duration
	log    *logrus.Entry
}

// New creates a Registry with the given liveness window. An agent whose last
// heartbeat is older than the window is reported offline.
func New(s store.Store, livenessWindow time.Duration, log *logrus.Entry) *Registry {
	return &Registry{store: s, window: livenessWindow, log: log}
}

// Register creates a new agent with a fresh id and token. The token is
// returned in full exactly once, on the created Agent; afterwards only the
// tail is exposed.
func (r *Registry) Register(ctx context.Context, name, region string) (*store.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty agent name", ErrInvalidInput)
	}
	if !store.ValidRegion(region) {
		return nil, fmt.Errorf("%w: unknown region %q", ErrInvalidInput, region)
	}

	a := &store.Agent{
		ID:        uuid.New(),
		Name:      name,
		Region:    region,
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"agent": a.Name, "region": a.Region}).Info("agent registered")
	return a, nil
}

// List returns all agents ordered by region then name.
func (r *Registry) List(ctx context.Context) ([]*store.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Find returns the agent with the given id.
func (r *Registry) Find(ctx context.Context, id uuid.UUID) (*store.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// Delete permanently removes the agent. Historical results referencing it
// are left untouched.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	r.log.WithField("agent_id", id).Info("agent deleted")
	return nil
}

// ResetToken replaces the agent's token, invalidating the previous one
// immediately. Returns the agent carrying the new token.
func (r *Registry) ResetToken(ctx context.Context, id uuid.UUID) (*store.Agent, error) {
	token := uuid.NewString()
	if err := r.store.UpdateAgentToken(ctx, id, token); err != nil {
		return nil, err
	}
	r.log.WithField("agent_id", id).Info("agent token reset")
	return r.store.GetAgent(ctx, id)
}

// Revoke marks the agent revoked. A revoked agent is never online and its
// submissions are rejected regardless of token.
func (r *Registry) Revoke(ctx context.Context, id uuid.UUID) error {
	return r.store.SetAgentRevoked(ctx, id, true)
}

// Heartbeat records a liveness ping, identified by token.
func (r *Registry) Heartbeat(ctx context.Context, token, ip string, now time.Time) error {
	a, err := r.store.GetAgentByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if a.Revoked {
		return ErrUnauthorized
	}
	return r.store.UpdateAgentHeartbeat(ctx, a.ID, ip, now)
}

// Authenticate validates an (agent id, token) pair for result submission.
func (r *Registry) Authenticate(ctx context.Context, id uuid.UUID, token string) (*store.Agent, error) {
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if a.Revoked || token == "" || a.Token != token {
		return nil, ErrUnauthorized
	}
	return a, nil
}

// RecordCompletion increments the agent's completed-task counter. Missing
// agents are ignored: the agent may have been deleted after contributing.
func (r *Registry) RecordCompletion(ctx context.Context, id uuid.UUID) {
	if err := r.store.IncrementAgentTasks(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.WithError(err).WithField("agent_id", id).Warn("failed to record completion")
	}
}

// Eligible returns the agents a new check can be dispatched to: online and
// not revoked, evaluated against the liveness window at `now`.
func (r *Registry) Eligible(ctx context.Context, now time.Time) ([]*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	eligible := agents[:0]
	for _, a := range agents {
		if a.OnlineAt(now, r.window) {
			eligible = append(eligible, a)
		}
	}
	return eligible, nil
}

// Online reports the derived liveness of a single agent at `now`.
func (r *Registry) Online(a *store.Agent, now time.Time) bool {
	return a.OnlineAt(now, r.window)
}
