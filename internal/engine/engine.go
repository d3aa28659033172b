// Package engine owns the check lifecycle: creation and dispatch, folding
// out-of-order partial results from many agents into a consistent per-check
// result set, completion tracking and the deadline sweep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/probewatch/probewatch/internal/events"
	"github.com/probewatch/probewatch/internal/observability"
	"github.com/probewatch/probewatch/internal/registry"
	"github.com/probewatch/probewatch/internal/store"
)

var (
	// ErrInvalidInput is returned for malformed check requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIllegalTransition is returned when a status transition outside
	// queued -> running -> {finished, failed} is requested.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// legalTransitions is the full transition set. Terminal states admit nothing.
var legalTransitions = map[store.CheckStatus][]store.CheckStatus{
	store.CheckQueued:  {store.CheckRunning, store.CheckFailed},
	store.CheckRunning: {store.CheckFinished, store.CheckFailed},
}

// DispatchJob is the unit of work fanned out to agents when a check starts.
type DispatchJob struct {
	CheckID     uuid.UUID      `json:"task_id"`
	Target      string         `json:"target"`
	Methods     []store.Method `json:"methods"`
	AgentNames  []string       `json:"-"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Dispatcher hands a job to the transport that reaches the agents.
type Dispatcher interface {
	Dispatch(ctx context.Context, job DispatchJob) error
}

// Config carries the engine's tunables.
type Config struct {
	// CheckTTL bounds how long a check may stay running before the sweeper
	// force-finishes it with synthesized results.
	CheckTTL time.Duration
}

// Engine coordinates the task store, the result aggregator and the fan-out.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	hub      *events.Hub
	dispatch Dispatcher
	cfg      Config
	log      *logrus.Entry

	// emitMu serializes event publication per check so subscribers see
	// events in fold order. It is never held across a store mutation.
	emitMuGuard sync.Mutex
	emitMu      map[uuid.UUID]*sync.Mutex
}

// New wires an Engine. The dispatcher may not be nil; use a LogDispatcher
// when no queue backend is configured.
func New(s store.Store, reg *registry.Registry, hub *events.Hub, d Dispatcher, cfg Config, log *logrus.Entry) *Engine {
	if cfg.CheckTTL <= 0 {
		cfg.CheckTTL = 90 * time.Second
	}
	return &Engine{
		store:    s,
		registry: reg,
		hub:      hub,
		dispatch: d,
		cfg:      cfg,
		log:      log,
		emitMu:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// Create validates the request, computes the expected result count from the
// currently eligible fleet, dispatches the job and starts the check. With no
// eligible agents the check is created directly in the failed state.
func (e *Engine) Create(ctx context.Context, target string, rawMethods []string) (*store.Check, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidInput)
	}
	if len(rawMethods) == 0 {
		return nil, fmt.Errorf("%w: no methods requested", ErrInvalidInput)
	}

	seen := make(map[store.Method]struct{}, len(rawMethods))
	methods := make([]store.Method, 0, len(rawMethods))
	for _, raw := range rawMethods {
		m, ok := store.ParseMethod(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidInput, raw)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		methods = append(methods, m)
	}

	now := time.Now().UTC()
	eligible, err := e.registry.Eligible(ctx, now)
	if err != nil {
		return nil, err
	}

	deadline := now.Add(e.cfg.CheckTTL)
	check := &store.Check{
		ID:              uuid.New(),
		Target:          target,
		Methods:         methods,
		Status:          store.CheckQueued,
		ExpectedResults: len(methods) * len(eligible),
		Deadline:        &deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateCheck(ctx, check); err != nil {
		return nil, err
	}

	if len(eligible) == 0 {
		if _, err := e.store.CompareAndSetCheckStatus(ctx, check.ID, []store.CheckStatus{store.CheckQueued}, store.CheckFailed); err != nil {
			return nil, err
		}
		check.Status = store.CheckFailed
		observability.ChecksCreated.WithLabelValues(string(store.CheckFailed)).Inc()
		observability.ChecksFinished.WithLabelValues("dispatch_failed").Inc()
		e.log.WithField("check_id", check.ID).Warn("check failed: no eligible agents")
		return check, nil
	}

	names := make([]string, len(eligible))
	for i, a := range eligible {
		names[i] = a.Name
	}
	job := DispatchJob{
		CheckID:     check.ID,
		Target:      check.Target,
		Methods:     check.Methods,
		AgentNames:  names,
		RequestedAt: now,
	}
	if err := e.dispatch.Dispatch(ctx, job); err != nil {
		if _, csErr := e.store.CompareAndSetCheckStatus(ctx, check.ID, []store.CheckStatus{store.CheckQueued}, store.CheckFailed); csErr != nil {
			return nil, csErr
		}
		check.Status = store.CheckFailed
		observability.ChecksCreated.WithLabelValues(string(store.CheckFailed)).Inc()
		observability.ChecksFinished.WithLabelValues("dispatch_failed").Inc()
		e.log.WithError(err).WithField("check_id", check.ID).Error("dispatch failed")
		return check, nil
	}

	if _, err := e.store.CompareAndSetCheckStatus(ctx, check.ID, []store.CheckStatus{store.CheckQueued}, store.CheckRunning); err != nil {
		return nil, err
	}
	check.Status = store.CheckRunning
	observability.ChecksCreated.WithLabelValues(string(store.CheckRunning)).Inc()
	e.log.WithFields(logrus.Fields{
		"check_id": check.ID,
		"target":   check.Target,
		"expected": check.ExpectedResults,
		"agents":   len(eligible),
	}).Info("check dispatched")
	return check, nil
}

// Get returns the check snapshot including its accumulated results.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*store.Check, error) {
	return e.store.GetCheck(ctx, id)
}

// Transition enforces the legal transition set and applies the move.
func (e *Engine) Transition(ctx context.Context, id uuid.UUID, to store.CheckStatus) error {
	check, err := e.store.GetCheck(ctx, id)
	if err != nil {
		return err
	}
	allowed := false
	for _, next := range legalTransitions[check.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, check.Status, to)
	}
	swapped, err := e.store.CompareAndSetCheckStatus(ctx, id, []store.CheckStatus{check.Status}, to)
	if err != nil {
		return err
	}
	if !swapped {
		// Lost a race with a concurrent transition; re-read to report it.
		return fmt.Errorf("%w: concurrent transition to %s", ErrIllegalTransition, to)
	}
	return nil
}

// Submit folds one probe outcome into a check on behalf of an agent.
//
// Identity fields on the result are stamped server-side from the
// authenticated agent, so a submission cannot impersonate another row of
// the matrix.
func (e *Engine) Submit(ctx context.Context, checkID, agentID uuid.UUID, token string, res store.Result) error {
	agent, err := e.registry.Authenticate(ctx, agentID, token)
	if err != nil {
		return err
	}

	method, ok := store.ParseMethod(string(res.Method))
	if !ok {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidInput, res.Method)
	}
	res.Method = method
	res.AgentID = agent.ID.String()
	res.AgentName = agent.Name
	res.Region = agent.Region
	if res.CheckedAt.IsZero() {
		res.CheckedAt = time.Now().UTC()
	}

	// The fold and its publication happen under the per-check emit mutex, so
	// two concurrent submissions cannot commit in one order and publish in
	// the other. The store's own mutation lock is released before Publish.
	mu := e.checkEmitMu(checkID)
	mu.Lock()
	defer mu.Unlock()

	outcome, err := e.store.UpsertResult(ctx, checkID, res)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		// Expected race under the tolerant-late-result policy: keep it out
		// of the counters, keep it visible to observers.
		observability.LateResults.Inc()
		e.log.WithFields(logrus.Fields{
			"check_id": checkID,
			"agent":    agent.Name,
			"method":   res.Method,
		}).Info("late result discarded")
		e.hub.Publish(events.Event{
			Kind:    events.KindLog,
			CheckID: checkID,
			Stage:   "late",
			AgentID: res.AgentID,
			Region:  res.Region,
			Message: fmt.Sprintf("late %s result from %s discarded", res.Method, agent.Name),
		})
		e.releaseEmitMu(checkID)
		return err
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.releaseEmitMu(checkID)
		}
		return err
	}

	if outcome.Inserted {
		observability.ResultsFolded.WithLabelValues(string(res.Method)).Inc()
		e.registry.RecordCompletion(ctx, agent.ID)
	} else {
		observability.DuplicateFolds.Inc()
	}

	e.hub.Publish(events.Event{
		Kind:    events.KindResult,
		CheckID: checkID,
		AgentID: res.AgentID,
		Region:  res.Region,
		Result:  &res,
	})

	if outcome.Received >= outcome.Expected {
		swapped, err := e.store.CompareAndSetCheckStatus(ctx, checkID, []store.CheckStatus{store.CheckRunning}, store.CheckFinished)
		if err != nil {
			return err
		}
		if swapped {
			observability.ChecksFinished.WithLabelValues("completed").Inc()
			e.hub.Publish(events.Event{
				Kind:    events.KindLog,
				CheckID: checkID,
				Stage:   "done",
				Message: fmt.Sprintf("check finished with %d results", outcome.Received),
			})
			e.releaseEmitMu(checkID)
			e.log.WithFields(logrus.Fields{"check_id": checkID, "received": outcome.Received}).Info("check finished")
		}
	}
	return nil
}

// EmitLog publishes an informational trace line from an agent to the check's
// observers. Trace lines are transient: they are fanned out but not stored.
func (e *Engine) EmitLog(ctx context.Context, checkID uuid.UUID, agentID, region, stage, message string) {
	ev := events.Event{
		Kind:    events.KindLog,
		CheckID: checkID,
		Stage:   stage,
		AgentID: agentID,
		Region:  region,
		Message: message,
	}
	check, err := e.store.GetCheck(ctx, checkID)
	if err != nil || check.Status.Terminal() {
		// No live fold stream to order against; publish without registering
		// per-check emit state, so unknown or finished check ids cannot grow
		// the mutex map.
		e.hub.Publish(ev)
		return
	}
	e.emit(ev)
}

// emit publishes under the per-check mutex so log lines interleave cleanly
// with the fold stream. The store's mutation lock is never held here.
func (e *Engine) emit(ev events.Event) {
	mu := e.checkEmitMu(ev.CheckID)
	mu.Lock()
	defer mu.Unlock()
	e.hub.Publish(ev)
}

func (e *Engine) checkEmitMu(id uuid.UUID) *sync.Mutex {
	e.emitMuGuard.Lock()
	defer e.emitMuGuard.Unlock()
	mu, ok := e.emitMu[id]
	if !ok {
		mu = &sync.Mutex{}
		e.emitMu[id] = mu
	}
	return mu
}

func (e *Engine) releaseEmitMu(id uuid.UUID) {
	e.emitMuGuard.Lock()
	defer e.emitMuGuard.Unlock()
	delete(e.emitMu, id)
}
