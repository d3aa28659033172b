package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newAgent(name, region string) *Agent {
	return &Agent{
		ID:        uuid.New(),
		Name:      name,
		Region:    region,
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

func newCheck(expected int) *Check {
	now := time.Now().UTC()
	return &Check{
		ID:              uuid.New(),
		Target:          "example.com",
		Methods:         []Method{MethodHTTP, MethodDNS},
		Status:          CheckRunning,
		ExpectedResults: expected,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestMemoryStoreDuplicateAgentName(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateAgent(ctx, newAgent("fra-1", "eu-central")); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	err := s.CreateAgent(ctx, newAgent("fra-1", "us-east"))
	if err != ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestMemoryStoreListAgentsOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, spec := range []struct{ name, region string }{
		{"nyc-1", "us-east"},
		{"fra-2", "eu-central"},
		{"fra-1", "eu-central"},
	} {
		if err := s.CreateAgent(ctx, newAgent(spec.name, spec.region)); err != nil {
			t.Fatalf("CreateAgent %s: %v", spec.name, err)
		}
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	want := []string{"fra-1", "fra-2", "nyc-1"}
	for i, name := range want {
		if agents[i].Name != name {
			t.Errorf("agents[%d] = %s, want %s", i, agents[i].Name, name)
		}
	}
}

func TestMemoryStoreGetAgentReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := newAgent("fra-1", "eu-central")
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	got.Name = "mutated"

	again, _ := s.GetAgent(ctx, a.ID)
	if again.Name != "fra-1" {
		t.Errorf("store copy was mutated through a returned pointer")
	}
}

func TestMemoryStoreUpsertResultDeduplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := newCheck(4)
	if err := s.CreateCheck(ctx, c); err != nil {
		t.Fatalf("CreateCheck: %v", err)
	}

	r := Result{AgentID: "a1", AgentName: "fra-1", Region: "eu-central", Method: MethodHTTP, Success: true, CheckedAt: time.Now()}
	out1, err := s.UpsertResult(ctx, c.ID, r)
	if err != nil {
		t.Fatalf("first UpsertResult: %v", err)
	}
	if !out1.Inserted || out1.Received != 1 {
		t.Fatalf("first fold: inserted=%v received=%d, want inserted=true received=1", out1.Inserted, out1.Received)
	}

	r.Success = false
	r.Message = "second attempt"
	out2, err := s.UpsertResult(ctx, c.ID, r)
	if err != nil {
		t.Fatalf("second UpsertResult: %v", err)
	}
	if out2.Inserted || out2.Received != 1 {
		t.Fatalf("duplicate fold: inserted=%v received=%d, want inserted=false received=1", out2.Inserted, out2.Received)
	}

	results, err := s.ListResults(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Success || results[0].Message != "second attempt" {
		t.Errorf("duplicate did not replace last-write-wins: %+v", results[0])
	}
}

func TestMemoryStoreUpsertResultTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := newCheck(1)
	c.Status = CheckFinished
	if err := s.CreateCheck(ctx, c); err != nil {
		t.Fatalf("CreateCheck: %v", err)
	}

	r := Result{AgentID: "a1", Region: "eu-central", Method: MethodHTTP, CheckedAt: time.Now()}
	if _, err := s.UpsertResult(ctx, c.ID, r); err != ErrAlreadyTerminal {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	results, _ := s.ListResults(ctx, c.ID)
	if len(results) != 0 {
		t.Errorf("terminal check accumulated results: %d", len(results))
	}
}

func TestMemoryStoreCompareAndSetStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := newCheck(2)
	c.Status = CheckQueued
	if err := s.CreateCheck(ctx, c); err != nil {
		t.Fatalf("CreateCheck: %v", err)
	}

	swapped, err := s.CompareAndSetCheckStatus(ctx, c.ID, []CheckStatus{CheckQueued}, CheckRunning)
	if err != nil || !swapped {
		t.Fatalf("queued->running: swapped=%v err=%v", swapped, err)
	}
	swapped, err = s.CompareAndSetCheckStatus(ctx, c.ID, []CheckStatus{CheckQueued}, CheckFailed)
	if err != nil || swapped {
		t.Fatalf("stale CAS should not swap: swapped=%v err=%v", swapped, err)
	}
	if _, err := s.CompareAndSetCheckStatus(ctx, uuid.New(), []CheckStatus{CheckQueued}, CheckRunning); err != ErrNotFound {
		t.Fatalf("missing check: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListExpiredRunning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	expired := newCheck(2)
	expired.Deadline = &past
	fresh := newCheck(2)
	fresh.Deadline = &future
	terminal := newCheck(2)
	terminal.Deadline = &past
	terminal.Status = CheckFinished

	for _, c := range []*Check{expired, fresh, terminal} {
		if err := s.CreateCheck(ctx, c); err != nil {
			t.Fatalf("CreateCheck: %v", err)
		}
	}

	got, err := s.ListExpiredRunning(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredRunning: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Fatalf("expected exactly the expired running check, got %d", len(got))
	}
}

func TestAgentOnlineDerivation(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-10 * time.Second)
	stale := now.Add(-2 * time.Minute)

	cases := []struct {
		name string
		hb   *time.Time
		rev  bool
		want bool
	}{
		{"recent heartbeat", &recent, false, true},
		{"stale heartbeat", &stale, false, false},
		{"no heartbeat", nil, false, false},
		{"revoked with recent heartbeat", &recent, true, false},
	}
	for _, tc := range cases {
		a := Agent{LastHeartbeat: tc.hb, Revoked: tc.rev}
		if got := a.OnlineAt(now, time.Minute); got != tc.want {
			t.Errorf("%s: online=%v, want %v", tc.name, got, tc.want)
		}
	}
}
