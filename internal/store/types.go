package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Method is one of the probe kinds an agent can execute against a target.
type Method string

const (
	MethodHTTP       Method = "http"
	MethodDNS        Method = "dns"
	MethodTCP        Method = "tcp"
	MethodICMP       Method = "icmp"
	MethodUDP        Method = "udp"
	MethodWHOIS      Method = "whois"
	MethodTraceroute Method = "traceroute"
)

// Methods lists every recognized probe method, traceroute included.
// Traceroute results are stored like any other but are filtered out of
// aggregated matrix views.
var Methods = []Method{
	MethodHTTP, MethodDNS, MethodTCP, MethodICMP, MethodUDP, MethodWHOIS, MethodTraceroute,
}

// ParseMethod normalizes and validates a probe method string.
func ParseMethod(s string) (Method, bool) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, true
		}
	}
	return "", false
}

// Regions is the fixed set of geographic codes an agent can be registered in.
var Regions = []string{"eu-central", "eu-west", "us-east", "us-west", "ru", "asia"}

// ValidRegion reports whether code is a known region code.
func ValidRegion(code string) bool {
	for _, r := range Regions {
		if r == code {
			return true
		}
	}
	return false
}

// CheckStatus is the lifecycle state of a check.
type CheckStatus string

const (
	CheckQueued   CheckStatus = "queued"
	CheckRunning  CheckStatus = "running"
	CheckFinished CheckStatus = "finished"
	CheckFailed   CheckStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s CheckStatus) Terminal() bool {
	return s == CheckFinished || s == CheckFailed
}

// Agent is a registered probe node.
type Agent struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Region         string     `json:"region"`
	Token          string     `json:"-"`
	IP             string     `json:"ip,omitempty"`
	Revoked        bool       `json:"revoked"`
	TasksCompleted int64      `json:"tasks_completed"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TokenTail returns the last four characters of the token, which is all the
// admin surface ever exposes.
func (a *Agent) TokenTail() string {
	if len(a.Token) <= 4 {
		return a.Token
	}
	return a.Token[len(a.Token)-4:]
}

// OnlineAt derives liveness: an agent is online when it is not revoked and its
// last heartbeat falls within the liveness window.
func (a *Agent) OnlineAt(now time.Time, window time.Duration) bool {
	if a.Revoked || a.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*a.LastHeartbeat) < window
}

// Check is one user-initiated probe of a target with a set of methods.
type Check struct {
	ID              uuid.UUID   `json:"id"`
	Target          string      `json:"target"`
	Methods         []Method    `json:"methods"`
	Status          CheckStatus `json:"status"`
	ExpectedResults int         `json:"expected_results"`
	ReceivedResults int         `json:"received_results"`
	Deadline        *time.Time  `json:"deadline,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`

	// Results is populated on reads; the store owns the authoritative copy.
	Results []Result `json:"results,omitempty"`
}

// Result is one probe outcome from one agent for one method. AgentID is a
// non-owning back-reference: the result stays valid if the agent is deleted.
type Result struct {
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	Region     string    `json:"region"`
	Method     Method    `json:"method"`
	Success    bool      `json:"success"`
	StatusCode *int      `json:"status_code,omitempty"`
	LatencyMs  *int64    `json:"latency_ms,omitempty"`
	Message    string    `json:"message,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
	Details    any       `json:"details,omitempty"`
}

// TupleKey identifies a result within a check. Duplicate submissions for the
// same tuple replace rather than accumulate.
func (r *Result) TupleKey() string {
	return r.AgentID + "|" + r.Region + "|" + string(r.Method)
}

// FoldOutcome reports what a result upsert did to the check's counters.
type FoldOutcome struct {
	Inserted bool // false when an existing tuple was replaced
	Received int
	Expected int
}
