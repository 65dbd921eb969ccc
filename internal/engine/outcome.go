package engine

import "sipstate/internal/domain"

// Status is the result of handling one inbound event.
type Status int

const (
	Committed Status = iota + 1
	Rejected
	Ignored
	Failed
)

func (s Status) String() string {
	switch s {
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	case Ignored:
		return "ignored"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Disposition tells the transport what to do with the inbound message.
type Disposition int

const (
	// Ack settles the message.
	Ack Disposition = iota + 1
	// Nack asks for redelivery.
	Nack
	// DeadLetter drops the message to the dead letter sink; it is never retried.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case DeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

type Outcome struct {
	Status      Status
	Disposition Disposition
	Reason      string
	Err         error
	Event       domain.Event
	// Record is the package after handling: the committed record on
	// Committed, the unchanged record otherwise.
	Record domain.PackageState
	// Message is the outbound message the handling produced or resent.
	Message *domain.OutboundMessage
}

func (o Outcome) fail(reason string, err error) Outcome {
	o.Status = Failed
	o.Disposition = Nack
	o.Reason = reason
	o.Err = err
	return o
}
