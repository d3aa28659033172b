// Package events implements the per-check event fan-out: a single producer
// (the aggregator) broadcasting result and log events to every live observer
// of that check, without ever blocking on a slow observer.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probewatch/probewatch/internal/observability"
	"github.com/probewatch/probewatch/internal/store"
)

// Kind discriminates event payloads.
type Kind string

const (
	// KindResult signals that a result was folded into the check.
	KindResult Kind = "result"
	// KindLog carries an informational trace line from an agent.
	KindLog Kind = "log"
)

// Event is one fan-out message, scoped to a single check.
type Event struct {
	Kind      Kind          `json:"type"`
	CheckID   uuid.UUID     `json:"task_id"`
	Stage     string        `json:"stage,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	Region    string        `json:"region,omitempty"`
	Message   string        `json:"message,omitempty"`
	Result    *store.Result `json:"data,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Subscriber is one observer session's delivery slot for a single check.
// Events arrive on Events() in fold order; when the buffer is full further
// events are dropped for this subscriber only.
type Subscriber struct {
	id      uint64
	checkID uuid.UUID
	ch      chan Event
	hub     *Hub
	once    sync.Once
}

// Events returns the receive side of the subscriber's buffer. The channel is
// closed when the subscriber is closed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close releases the delivery slot. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub routes events to the subscribers of their check. Delivery is
// best-effort and at-most-once: a send that would block is dropped for that
// subscriber, never for the others.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uuid.UUID]map[uint64]*Subscriber
	buffer int
}

// NewHub creates a hub whose subscribers buffer up to `buffer` undelivered
// events before drops begin.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[uint64]*Subscriber),
		buffer: buffer,
	}
}

// Subscribe registers interest in one check's events.
func (h *Hub) Subscribe(checkID uuid.UUID) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id:      h.nextID,
		checkID: checkID,
		ch:      make(chan Event, h.buffer),
		hub:     h,
	}
	if h.subs[checkID] == nil {
		h.subs[checkID] = make(map[uint64]*Subscriber)
	}
	h.subs[checkID][sub.id] = sub
	observability.Subscribers.Inc()
	return sub
}

func (h *Hub) unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.subs[s.checkID]
	if !ok {
		return
	}
	if _, ok := group[s.id]; !ok {
		return
	}
	delete(group, s.id)
	if len(group) == 0 {
		delete(h.subs, s.checkID)
	}
	// Closing under the write lock: Publish sends only under the read lock,
	// so a send can never race the close.
	close(s.ch)
	observability.Subscribers.Dec()
}

// Publish delivers the event to every subscriber of its check. Callers that
// need per-check ordering must serialize their Publish calls per check; the
// hub itself never blocks and never holds the caller's locks.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[ev.CheckID] {
		select {
		case sub.ch <- ev:
		default:
			observability.EventsDropped.WithLabelValues(string(ev.Kind)).Inc()
		}
	}
}

// SubscriberCount reports live subscribers for a check.
func (h *Hub) SubscriberCount(checkID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[checkID])
}
