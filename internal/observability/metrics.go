package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChecksCreated counts created checks by their initial outcome
	// ("running" or "failed" when no agent was eligible).
	ChecksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probewatch_checks_created_total",
		Help: "Checks created, labelled by initial status",
	}, []string{"status"})

	// ChecksFinished counts terminal transitions by reason.
	ChecksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probewatch_checks_finished_total",
		Help: "Checks that reached a terminal state",
	}, []string{"reason"}) // completed, deadline, dispatch_failed

	// ResultsFolded counts results folded into checks.
	ResultsFolded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probewatch_results_folded_total",
		Help: "Results folded into checks, labelled by probe method",
	}, []string{"method"})

	// DuplicateFolds counts submissions that replaced an existing tuple.
	DuplicateFolds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probewatch_duplicate_folds_total",
		Help: "Result submissions that replaced an existing (agent, region, method) tuple",
	})

	// LateResults counts results discarded because the check was terminal.
	LateResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probewatch_late_results_total",
		Help: "Results that arrived after the check reached a terminal state",
	})

	// EventsDropped counts fan-out events dropped for slow subscribers.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probewatch_events_dropped_total",
		Help: "Fan-out events dropped because a subscriber's buffer was full",
	}, []string{"kind"})

	// Subscribers tracks live fan-out subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probewatch_event_subscribers",
		Help: "Current number of live event subscribers",
	})

	// HeartbeatRateLimited counts heartbeats rejected by storm protection.
	HeartbeatRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probewatch_heartbeat_rate_limited_total",
		Help: "Heartbeat requests rejected by the rate limiter",
	})

	// ProvisioningFailures counts failed remote provisioning attempts.
	ProvisioningFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probewatch_provisioning_failures_total",
		Help: "Remote agent provisioning attempts that failed",
	})

	// AgentsOnline tracks derived-online agents, sampled by the sweeper.
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probewatch_agents_online",
		Help: "Agents currently within the liveness window",
	})
)
