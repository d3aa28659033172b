package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/probewatch/probewatch/internal/events"
	"github.com/probewatch/probewatch/internal/observability"
	"github.com/probewatch/probewatch/internal/store"
)

// deadlineMessage is the synthesized failure text for cells that never
// reported before the check's deadline.
const deadlineMessage = "no response before deadline; agent unreachable or probe blocked"

// SweepExpired force-finishes running checks whose deadline has passed.
// For every (non-revoked agent, method) cell with no stored result it
// synthesizes a failed one, so the matrix distinguishes "the probe failed"
// from "the agent never answered" only by the message, not by a hole that
// would stall observers forever.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) error {
	expired, err := e.store.ListExpiredRunning(ctx, now)
	if err != nil {
		return err
	}

	agents, err := e.registry.List(ctx)
	if err != nil {
		return err
	}

	for _, check := range expired {
		e.sweepCheck(ctx, check, agents, now)
	}
	return nil
}

// sweepCheck force-finishes one expired check. The per-check emit mutex is
// held across the synthesized folds and their publication, the same pairing
// Submit uses, so a racing submission cannot interleave out of fold order.
func (e *Engine) sweepCheck(ctx context.Context, check *store.Check, agents []*store.Agent, now time.Time) {
	results, err := e.store.ListResults(ctx, check.ID)
	if err != nil {
		e.log.WithError(err).WithField("check_id", check.ID).Warn("sweep: listing results failed")
		return
	}
	existing := make(map[string]struct{}, len(results))
	for i := range results {
		existing[results[i].TupleKey()] = struct{}{}
	}

	mu := e.checkEmitMu(check.ID)
	mu.Lock()
	defer mu.Unlock()

	for _, a := range agents {
		if a.Revoked {
			continue
		}
		for _, m := range check.Methods {
			synth := store.Result{
				AgentID:   a.ID.String(),
				AgentName: a.Name,
				Region:    a.Region,
				Method:    m,
				Success:   false,
				Message:   deadlineMessage,
				CheckedAt: now,
			}
			if _, ok := existing[synth.TupleKey()]; ok {
				continue
			}
			if _, err := e.store.UpsertResult(ctx, check.ID, synth); err != nil {
				if errors.Is(err, store.ErrAlreadyTerminal) {
					break
				}
				e.log.WithError(err).WithField("check_id", check.ID).Warn("sweep: synthesizing result failed")
				continue
			}
			e.hub.Publish(events.Event{
				Kind:    events.KindResult,
				CheckID: check.ID,
				AgentID: synth.AgentID,
				Region:  synth.Region,
				Result:  &synth,
			})
		}
	}

	swapped, err := e.store.CompareAndSetCheckStatus(ctx, check.ID, []store.CheckStatus{store.CheckRunning}, store.CheckFinished)
	if err != nil {
		e.log.WithError(err).WithField("check_id", check.ID).Warn("sweep: finishing check failed")
		return
	}
	if swapped {
		observability.ChecksFinished.WithLabelValues("deadline").Inc()
		e.hub.Publish(events.Event{
			Kind:    events.KindLog,
			CheckID: check.ID,
			Stage:   "done",
			Message: "check finished at deadline",
		})
		e.releaseEmitMu(check.ID)
		e.log.WithFields(logrus.Fields{"check_id": check.ID}).Info("check finished at deadline")
	}
}

// RunJanitor sweeps on a ticker until the context is cancelled.
func (e *Engine) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := e.SweepExpired(ctx, t.UTC()); err != nil {
				e.log.WithError(err).Warn("deadline sweep failed")
			}
		}
	}
}
