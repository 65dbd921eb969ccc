package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"sipstate/internal/domain"
)

// CloudEvent types of outbound messages.
const (
	TypeStateChanged  = "sip.state.changed"
	TypeStateRejected = "sip.state.rejected"
)

var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:sipstate:outbound"))

// MessageID derives the id of the message a kind of notification for an
// inbound event gets. Redelivered events map to the same id.
func MessageID(kind, eventID string) string {
	return uuid.NewSHA1(messageNamespace, []byte(kind+"\x00"+eventID)).String()
}

// StateChanged builds the notification of a committed transition.
func StateChanged(prev domain.PackageState, next domain.State, version int64, ev domain.Event) domain.OutboundMessage {
	return domain.OutboundMessage{
		MessageID:     MessageID(domain.KindStateChanged, ev.EventID),
		Kind:          domain.KindStateChanged,
		PackageID:     prev.PackageID,
		State:         next,
		PreviousState: prev.State,
		Version:       version,
		EventID:       ev.EventID,
		ErrorDetail:   ev.ErrorDetail,
	}
}

// StateRejected builds the notification of a refused event. State carries
// the unchanged current state.
func StateRejected(current domain.PackageState, ev domain.Event, reason, detail string) domain.OutboundMessage {
	return domain.OutboundMessage{
		MessageID:   MessageID(domain.KindStateRejected, ev.EventID),
		Kind:        domain.KindStateRejected,
		PackageID:   current.PackageID,
		State:       current.State,
		Version:     current.Version,
		EventID:     ev.EventID,
		Reason:      reason,
		ErrorDetail: detail,
	}
}

// EventType maps a message kind to its CloudEvent type.
func EventType(kind string) string {
	switch kind {
	case domain.KindStateRejected:
		return TypeStateRejected
	default:
		return TypeStateChanged
	}
}

type eventData struct {
	PackageID     string `json:"package_id"`
	State         string `json:"state"`
	PreviousState string `json:"previous_state,omitempty"`
	Version       int64  `json:"version"`
	EventID       string `json:"event_id"`
	Reason        string `json:"reason,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
}

// Encode renders msg as a structured-mode CloudEvent.
func Encode(source string, msg domain.OutboundMessage) ([]byte, error) {
	e := event.New()
	e.SetID(msg.MessageID)
	e.SetSource(source)
	e.SetType(EventType(msg.Kind))
	e.SetSubject(msg.PackageID)
	e.SetExtension("correlationid", msg.PackageID)
	ts := time.Now().UTC()
	if msg.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, msg.CreatedAt); err == nil {
			ts = parsed
		}
	}
	e.SetTime(ts)
	data := eventData{
		PackageID:     msg.PackageID,
		State:         string(msg.State),
		PreviousState: string(msg.PreviousState),
		Version:       msg.Version,
		EventID:       msg.EventID,
		Reason:        msg.Reason,
		ErrorDetail:   msg.ErrorDetail,
	}
	if err := e.SetData(event.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("set data: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}
