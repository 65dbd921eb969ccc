// Package normalize turns raw inbound payloads into canonical events.
//
// Two payload shapes are accepted: a flat JSON object carrying the event
// fields directly, and a structured-mode CloudEvent (recognized by its
// "specversion" attribute) whose data carries the package fields.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	"sipstate/internal/domain"
)

// Kind classifies a normalization failure.
type Kind string

const (
	KindMalformedPayload Kind = "malformed_payload"
	KindUnknownState     Kind = "unknown_state"
)

// DefaultFailureMessage is used when a failed ingest event carries no message.
const DefaultFailureMessage = "SIP ingest failed"

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownState     = errors.New("unknown state")
)

// Error is returned for every payload that cannot become a canonical event.
type Error struct {
	Kind  Kind
	Field string
	Msg   string
}

func (e *Error) Error() string {
	prefix := strings.ReplaceAll(string(e.Kind), "_", " ")
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", prefix, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrMalformedPayload:
		return e.Kind == KindMalformedPayload
	case ErrUnknownState:
		return e.Kind == KindUnknownState
	}
	return false
}

func malformed(field, msg string) *Error {
	return &Error{Kind: KindMalformedPayload, Field: field, Msg: msg}
}

// Normalizer converts payloads. The zero value handles both payload shapes;
// TypeStates optionally maps CloudEvent types to the state they report when
// the data carries no reported_state.
type Normalizer struct {
	TypeStates map[string]domain.State
}

// Normalize converts raw with the zero Normalizer.
func Normalize(raw []byte) (domain.Event, error) {
	return Normalizer{}.Normalize(raw)
}

// Normalize validates raw and returns the canonical event. It has no side effects.
func (n Normalizer) Normalize(raw []byte) (domain.Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return domain.Event{}, malformed("", "empty payload")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return domain.Event{}, malformed("", "payload is not a JSON object")
	}
	if _, ok := probe["specversion"]; ok {
		return n.fromCloudEvent(trimmed)
	}
	return fromFlat(trimmed)
}

type flatPayload struct {
	EventID       *string `json:"event_id"`
	PackageID     *string `json:"package_id"`
	ReportedState *string `json:"reported_state"`
	OccurredAt    *string `json:"occurred_at"`
	Source        *string `json:"source"`
	Type          *string `json:"type"`
	ErrorDetail   *string `json:"error_detail"`
	PID           *string `json:"pid"`
}

func fromFlat(raw []byte) (domain.Event, error) {
	var p flatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return domain.Event{}, malformed(typeErr.Field, "must be a string")
		}
		return domain.Event{}, malformed("", err.Error())
	}
	eventID, err := required("event_id", p.EventID)
	if err != nil {
		return domain.Event{}, err
	}
	packageID, err := required("package_id", p.PackageID)
	if err != nil {
		return domain.Event{}, err
	}
	stateName, err := required("reported_state", p.ReportedState)
	if err != nil {
		return domain.Event{}, err
	}
	occurred, err := required("occurred_at", p.OccurredAt)
	if err != nil {
		return domain.Event{}, err
	}
	ts, perr := time.Parse(time.RFC3339Nano, occurred)
	if perr != nil {
		return domain.Event{}, malformed("occurred_at", "must be an RFC 3339 timestamp")
	}
	state, ok := domain.ParseState(stateName)
	if !ok {
		return domain.Event{}, &Error{Kind: KindUnknownState, Field: "reported_state", Msg: fmt.Sprintf("%q is not a lifecycle state", stateName)}
	}
	ev := domain.Event{
		EventID:       eventID,
		PackageID:     packageID,
		ReportedState: state,
		OccurredAt:    ts.UTC(),
		Source:        optional(p.Source),
		Type:          optional(p.Type),
		ErrorDetail:   optional(p.ErrorDetail),
		PID:           optional(p.PID),
	}
	return ev, nil
}

type cloudEventData struct {
	PackageID     string `json:"package_id"`
	ReportedState string `json:"reported_state"`
	Outcome       string `json:"outcome"`
	IsValid       *bool  `json:"is_valid"`
	Message       string `json:"message"`
	PID           string `json:"pid"`
}

func (n Normalizer) fromCloudEvent(raw []byte) (domain.Event, error) {
	ce := event.New()
	if err := json.Unmarshal(raw, &ce); err != nil {
		return domain.Event{}, malformed("", fmt.Sprintf("invalid cloudevent: %v", err))
	}
	if err := ce.Validate(); err != nil {
		return domain.Event{}, malformed("", fmt.Sprintf("invalid cloudevent: %v", err))
	}
	var data cloudEventData
	if len(ce.Data()) > 0 {
		if err := ce.DataAs(&data); err != nil {
			return domain.Event{}, malformed("data", err.Error())
		}
	}
	if ce.Time().IsZero() {
		return domain.Event{}, malformed("time", "required")
	}
	packageID := strings.TrimSpace(data.PackageID)
	if packageID == "" {
		packageID = extensionString(ce, "correlationid")
	}
	if packageID == "" {
		return domain.Event{}, malformed("package_id", "required in data or as correlationid extension")
	}
	ev := domain.Event{
		EventID:    ce.ID(),
		PackageID:  packageID,
		OccurredAt: ce.Time().UTC(),
		Source:     ce.Source(),
		Type:       ce.Type(),
		PID:        strings.TrimSpace(data.PID),
	}
	if failed(ce, data) {
		ev.ReportedState = domain.StateError
		ev.ErrorDetail = data.Message
		if ev.ErrorDetail == "" {
			ev.ErrorDetail = DefaultFailureMessage
		}
		return ev, nil
	}
	switch {
	case data.ReportedState != "":
		state, ok := domain.ParseState(data.ReportedState)
		if !ok {
			return domain.Event{}, &Error{Kind: KindUnknownState, Field: "data.reported_state", Msg: fmt.Sprintf("%q is not a lifecycle state", data.ReportedState)}
		}
		ev.ReportedState = state
	case n.TypeStates[ce.Type()] != "":
		ev.ReportedState = n.TypeStates[ce.Type()]
	default:
		return domain.Event{}, &Error{Kind: KindUnknownState, Field: "type", Msg: fmt.Sprintf("no lifecycle state for event type %q", ce.Type())}
	}
	return ev, nil
}

// failed mirrors the upstream outcome conventions: an outcome extension or
// data outcome of "fail", or an explicit is_valid=false.
func failed(ce event.Event, data cloudEventData) bool {
	if strings.EqualFold(extensionString(ce, "outcome"), "fail") {
		return true
	}
	if strings.EqualFold(data.Outcome, "fail") {
		return true
	}
	return data.IsValid != nil && !*data.IsValid
}

func extensionString(ce event.Event, name string) string {
	v, ok := ce.Extensions()[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func required(field string, v *string) (string, error) {
	if v == nil {
		return "", malformed(field, "required")
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return "", malformed(field, "must not be empty")
	}
	return s, nil
}

func optional(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
