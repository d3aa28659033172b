package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the persistence backend for agents, checks and results.
// It abstracts over Postgres (durable) and an in-memory map (tests,
// single-node development).
//
// Every mutating operation on a single agent or check is atomic inside the
// store, so callers never observe a half-applied fold or a lost counter
// increment under concurrent submissions.
type Store interface {
	// Agent operations
	CreateAgent(ctx context.Context, a *Agent) error // ErrDuplicateName
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	GetAgentByToken(ctx context.Context, token string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error) // ordered region, then name
	DeleteAgent(ctx context.Context, id uuid.UUID) error
	UpdateAgentToken(ctx context.Context, id uuid.UUID, token string) error
	SetAgentRevoked(ctx context.Context, id uuid.UUID, revoked bool) error
	UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, ip string, t time.Time) error
	IncrementAgentTasks(ctx context.Context, id uuid.UUID) error

	// Check operations
	CreateCheck(ctx context.Context, c *Check) error
	GetCheck(ctx context.Context, id uuid.UUID) (*Check, error)
	ListResults(ctx context.Context, checkID uuid.UUID) ([]Result, error)
	ListExpiredRunning(ctx context.Context, now time.Time) ([]*Check, error)

	// CompareAndSetCheckStatus moves the check to status `to` only if its
	// current status is in `from`. It returns false (and no error) when the
	// current status is not in `from`; ErrNotFound when the check is missing.
	CompareAndSetCheckStatus(ctx context.Context, id uuid.UUID, from []CheckStatus, to CheckStatus) (bool, error)

	// UpsertResult folds one result into a check, keyed by
	// (agent_id, region, method): a new tuple is appended and increments the
	// received counter, an existing tuple is replaced last-write-wins without
	// touching the counter. Returns ErrAlreadyTerminal when the check is
	// finished or failed, ErrNotFound when it does not exist.
	UpsertResult(ctx context.Context, checkID uuid.UUID, r Result) (FoldOutcome, error)
}
