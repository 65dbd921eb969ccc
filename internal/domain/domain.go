package domain

import (
	"strings"
	"time"
)

// State is a SIP lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StateReceived    State = "received"
	StateValidated   State = "validated"
	StateTransferred State = "transferred"
	StateArchived    State = "archived"
	StateError       State = "error"
)

var knownStates = []State{
	StatePending,
	StateReceived,
	StateValidated,
	StateTransferred,
	StateArchived,
	StateError,
}

// States returns every known lifecycle state in lifecycle order.
func States() []State {
	out := make([]State, len(knownStates))
	copy(out, knownStates)
	return out
}

// ParseState canonicalizes a state name. Matching is case-insensitive.
func ParseState(s string) (State, bool) {
	candidate := State(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range knownStates {
		if st == candidate {
			return st, true
		}
	}
	return "", false
}

// Valid reports whether s is a canonical lifecycle state.
func (s State) Valid() bool {
	for _, st := range knownStates {
		if st == s {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }

// PackageState is the persisted state record of one SIP.
type PackageState struct {
	PackageID   string `json:"package_id"`
	State       State  `json:"current_state" enum:"pending,received,validated,transferred,archived,error"`
	Version     int64  `json:"version"`
	LastEventID string `json:"last_event_id,omitempty"`
	PID         string `json:"pid,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"last_updated_at" format:"date-time"`
}

// HistoryEntry is one committed transition of a package.
type HistoryEntry struct {
	PackageID  string `json:"package_id"`
	Version    int64  `json:"version"`
	State      State  `json:"state"`
	EventID    string `json:"event_id"`
	Source     string `json:"source,omitempty"`
	OccurredAt string `json:"occurred_at" format:"date-time"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

// Event is the canonical form of an inbound ingest-progress event.
type Event struct {
	EventID       string    `json:"event_id"`
	PackageID     string    `json:"package_id"`
	ReportedState State     `json:"reported_state"`
	OccurredAt    time.Time `json:"occurred_at"`
	Source        string    `json:"source,omitempty"`
	Type          string    `json:"type,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	PID           string    `json:"pid,omitempty"`
}

// Outbound message kinds.
const (
	KindStateChanged  = "state.changed"
	KindStateRejected = "state.rejected"
)

// OutboundMessage is a result notification for downstream consumers.
type OutboundMessage struct {
	MessageID     string  `json:"message_id"`
	Kind          string  `json:"kind" enum:"state.changed,state.rejected"`
	PackageID     string  `json:"package_id"`
	State         State   `json:"state"`
	PreviousState State   `json:"previous_state,omitempty"`
	Version       int64   `json:"version"`
	EventID       string  `json:"event_id"`
	Reason        string  `json:"reason,omitempty"`
	ErrorDetail   string  `json:"error_detail,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DeliveredAt   *string `json:"delivered_at,omitempty" format:"date-time"`
}

// Delivered reports whether a publisher confirmed the message.
func (m OutboundMessage) Delivered() bool {
	return m.DeliveredAt != nil && *m.DeliveredAt != ""
}
