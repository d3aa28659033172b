package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 25
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			region TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			tasks_completed BIGINT NOT NULL DEFAULT 0,
			last_heartbeat TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_token ON agents(token);
		CREATE TABLE IF NOT EXISTS checks (
			id UUID PRIMARY KEY,
			target TEXT NOT NULL,
			methods TEXT[] NOT NULL,
			status TEXT NOT NULL,
			expected_results INTEGER NOT NULL DEFAULT 0,
			received_results INTEGER NOT NULL DEFAULT 0,
			deadline TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checks_status_deadline ON checks(status, deadline);
		CREATE TABLE IF NOT EXISTS results (
			check_id UUID NOT NULL REFERENCES checks(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			region TEXT NOT NULL,
			method TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			status_code INTEGER,
			latency_ms BIGINT,
			message TEXT NOT NULL DEFAULT '',
			checked_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			details JSONB,
			PRIMARY KEY (check_id, agent_id, region, method)
		);
	`)
	return err
}

// --- Agent operations ---

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, region, ip, token, revoked, tasks_completed, last_heartbeat, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Name, a.Region, a.IP, a.Token, a.Revoked, a.TasksCompleted, a.LastHeartbeat, a.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateName
	}
	return err
}

const agentColumns = `id, name, region, ip, token, revoked, tasks_completed, last_heartbeat, created_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Name, &a.Region, &a.IP, &a.Token, &a.Revoked,
		&a.TasksCompleted, &a.LastHeartbeat, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (s *PostgresStore) GetAgentByToken(ctx context.Context, token string) (*Agent, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE token = $1`, token))
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY region, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Region, &a.IP, &a.Token, &a.Revoked,
			&a.TasksCompleted, &a.LastHeartbeat, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAgentToken(ctx context.Context, id uuid.UUID, token string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET token = $2 WHERE id = $1`, id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAgentRevoked(ctx context.Context, id uuid.UUID, revoked bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET revoked = $2 WHERE id = $1`, id, revoked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, ip string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_heartbeat = $2, ip = CASE WHEN $3 = '' THEN ip ELSE $3 END
		WHERE id = $1
	`, id, t, ip)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementAgentTasks(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET tasks_completed = tasks_completed + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Check operations ---

func (s *PostgresStore) CreateCheck(ctx context.Context, c *Check) error {
	methods := make([]string, len(c.Methods))
	for i, m := range c.Methods {
		methods[i] = string(m)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checks (id, target, methods, status, expected_results, received_results, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Target, methods, c.Status, c.ExpectedResults, c.ReceivedResults, c.Deadline, c.CreatedAt, c.UpdatedAt)
	return err
}

const checkColumns = `id, target, methods, status, expected_results, received_results, deadline, created_at, updated_at`

func scanCheck(row pgx.Row) (*Check, error) {
	var c Check
	var methods []string
	err := row.Scan(&c.ID, &c.Target, &methods, &c.Status, &c.ExpectedResults,
		&c.ReceivedResults, &c.Deadline, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Methods = make([]Method, len(methods))
	for i, m := range methods {
		c.Methods[i] = Method(m)
	}
	return &c, nil
}

func (s *PostgresStore) GetCheck(ctx context.Context, id uuid.UUID) (*Check, error) {
	c, err := scanCheck(s.pool.QueryRow(ctx, `SELECT `+checkColumns+` FROM checks WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	c.Results, err = s.ListResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListResults(ctx context.Context, checkID uuid.UUID) ([]Result, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, agent_name, region, method, success, status_code, latency_ms, message, checked_at, details
		FROM results WHERE check_id = $1 ORDER BY created_at, agent_id, method
	`, checkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var details []byte
		if err := rows.Scan(&r.AgentID, &r.AgentName, &r.Region, &r.Method, &r.Success,
			&r.StatusCode, &r.LatencyMs, &r.Message, &r.CheckedAt, &details); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			var v any
			if err := json.Unmarshal(details, &v); err == nil {
				r.Details = v
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExpiredRunning(ctx context.Context, now time.Time) ([]*Check, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+checkColumns+` FROM checks
		WHERE status = $1 AND deadline IS NOT NULL AND deadline < $2
		ORDER BY created_at
	`, CheckRunning, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Check
	for rows.Next() {
		var c Check
		var methods []string
		if err := rows.Scan(&c.ID, &c.Target, &methods, &c.Status, &c.ExpectedResults,
			&c.ReceivedResults, &c.Deadline, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Methods = make([]Method, len(methods))
		for i, m := range methods {
			c.Methods[i] = Method(m)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompareAndSetCheckStatus(ctx context.Context, id uuid.UUID, from []CheckStatus, to CheckStatus) (bool, error) {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE checks SET status = $2, updated_at = NOW() WHERE id = $1 AND status = ANY($3)
	`, id, to, fromStr)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish "missing" from "status not in set".
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM checks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) UpsertResult(ctx context.Context, checkID uuid.UUID, r Result) (FoldOutcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FoldOutcome{}, err
	}
	defer tx.Rollback(ctx)

	var status CheckStatus
	err = tx.QueryRow(ctx, `SELECT status FROM checks WHERE id = $1 FOR UPDATE`, checkID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return FoldOutcome{}, ErrNotFound
	}
	if err != nil {
		return FoldOutcome{}, err
	}
	if status.Terminal() {
		return FoldOutcome{}, ErrAlreadyTerminal
	}

	var details []byte
	if r.Details != nil {
		if details, err = json.Marshal(r.Details); err != nil {
			return FoldOutcome{}, err
		}
	}

	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO results (check_id, agent_id, agent_name, region, method, success, status_code, latency_ms, message, checked_at, created_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
		ON CONFLICT (check_id, agent_id, region, method) DO UPDATE SET
			success = EXCLUDED.success,
			status_code = EXCLUDED.status_code,
			latency_ms = EXCLUDED.latency_ms,
			message = EXCLUDED.message,
			checked_at = EXCLUDED.checked_at,
			details = EXCLUDED.details
		RETURNING (xmax = 0)
	`, checkID, r.AgentID, r.AgentName, r.Region, r.Method, r.Success,
		r.StatusCode, r.LatencyMs, r.Message, r.CheckedAt, details).Scan(&inserted)
	if err != nil {
		return FoldOutcome{}, err
	}

	outcome := FoldOutcome{Inserted: inserted}
	if inserted {
		err = tx.QueryRow(ctx, `
			UPDATE checks SET received_results = received_results + 1, updated_at = NOW()
			WHERE id = $1 RETURNING received_results, expected_results
		`, checkID).Scan(&outcome.Received, &outcome.Expected)
	} else {
		err = tx.QueryRow(ctx, `
			SELECT received_results, expected_results FROM checks WHERE id = $1
		`, checkID).Scan(&outcome.Received, &outcome.Expected)
	}
	if err != nil {
		return FoldOutcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FoldOutcome{}, err
	}
	return outcome, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
