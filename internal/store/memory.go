package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore holds the in-memory state of agents, checks and results.
// It implements the Store interface and is the backend used by tests and
// single-node development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	agents  map[uuid.UUID]*Agent
	checks  map[uuid.UUID]*Check
	results map[uuid.UUID][]Result
	tuples  map[uuid.UUID]map[string]int // check -> tuple key -> index into results
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[uuid.UUID]*Agent),
		checks:  make(map[uuid.UUID]*Check),
		results: make(map[uuid.UUID][]Result),
		tuples:  make(map[uuid.UUID]map[string]int),
	}
}

// --- Agent operations ---

func (s *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.agents {
		if existing.Name == a.Name {
			return ErrDuplicateName
		}
	}
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAgentByToken(ctx context.Context, token string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token == "" {
		return nil, ErrNotFound
	}
	for _, a := range s.agents {
		if a.Token == token {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *MemoryStore) UpdateAgentToken(ctx context.Context, id uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Token = token
	return nil
}

func (s *MemoryStore) SetAgentRevoked(ctx context.Context, id uuid.UUID, revoked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Revoked = revoked
	return nil
}

func (s *MemoryStore) UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, ip string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	hb := t
	a.LastHeartbeat = &hb
	if ip != "" {
		a.IP = ip
	}
	return nil
}

func (s *MemoryStore) IncrementAgentTasks(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.TasksCompleted++
	return nil
}

// --- Check operations ---

func (s *MemoryStore) CreateCheck(ctx context.Context, c *Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	cp.Results = nil
	s.checks[c.ID] = &cp
	s.tuples[c.ID] = make(map[string]int)
	return nil
}

func (s *MemoryStore) GetCheck(ctx context.Context, id uuid.UUID) (*Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.checks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Results = append([]Result(nil), s.results[id]...)
	return &cp, nil
}

func (s *MemoryStore) ListResults(ctx context.Context, checkID uuid.UUID) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.checks[checkID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Result(nil), s.results[checkID]...), nil
}

func (s *MemoryStore) ListExpiredRunning(ctx context.Context, now time.Time) ([]*Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Check
	for _, c := range s.checks {
		if c.Status == CheckRunning && c.Deadline != nil && c.Deadline.Before(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CompareAndSetCheckStatus(ctx context.Context, id uuid.UUID, from []CheckStatus, to CheckStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.checks[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpsertResult(ctx context.Context, checkID uuid.UUID, r Result) (FoldOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.checks[checkID]
	if !ok {
		return FoldOutcome{}, ErrNotFound
	}
	if c.Status.Terminal() {
		return FoldOutcome{}, ErrAlreadyTerminal
	}

	key := r.TupleKey()
	if idx, seen := s.tuples[checkID][key]; seen {
		s.results[checkID][idx] = r
		return FoldOutcome{Inserted: false, Received: c.ReceivedResults, Expected: c.ExpectedResults}, nil
	}

	s.tuples[checkID][key] = len(s.results[checkID])
	s.results[checkID] = append(s.results[checkID], r)
	c.ReceivedResults++
	c.UpdatedAt = time.Now().UTC()
	return FoldOutcome{Inserted: true, Received: c.ReceivedResults, Expected: c.ExpectedResults}, nil
}
