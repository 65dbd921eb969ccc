package lifecycle

import (
	"fmt"

	"sipstate/internal/domain"
)

// Verdict is the outcome class of a policy decision.
type Verdict int

const (
	Accept Verdict = iota + 1
	Reject
	Ignore
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Reason explains a Reject or Ignore verdict.
type Reason string

const (
	ReasonDuplicate         Reason = "duplicate"
	ReasonIllegalTransition Reason = "illegal_transition"
)

// Decision is returned by Policy.Decide.
type Decision struct {
	Verdict  Verdict
	NewState domain.State
	Reason   Reason
	Detail   string
}

// Policy decides whether an event may move a package to its reported state.
// It holds no mutable state and never blocks.
type Policy struct {
	Graph Graph
}

// NewPolicy returns a policy over g.
func NewPolicy(g Graph) Policy {
	return Policy{Graph: g}
}

// Decide applies, in order: duplicate detection against the source event of
// the last committed transition, the allow-list of edges, and acceptance.
func (p Policy) Decide(current domain.PackageState, ev domain.Event) Decision {
	if ev.EventID != "" && ev.EventID == current.LastEventID {
		return Decision{
			Verdict: Ignore,
			Reason:  ReasonDuplicate,
			Detail:  fmt.Sprintf("event %s already applied at version %d", ev.EventID, current.Version),
		}
	}
	if !p.Graph.Allowed(current.State, ev.ReportedState) {
		detail := fmt.Sprintf("invalid transition %s -> %s", current.State, ev.ReportedState)
		if p.Graph.Terminal(current.State) {
			detail = fmt.Sprintf("package is in terminal state %s", current.State)
		}
		return Decision{
			Verdict: Reject,
			Reason:  ReasonIllegalTransition,
			Detail:  detail,
		}
	}
	return Decision{Verdict: Accept, NewState: ev.ReportedState}
}
