package server

import (
	"sipstate/internal/domain"
	"sipstate/internal/engine"
)

type PackageResponse struct {
	PackageID     string `json:"package_id"`
	CurrentState  string `json:"current_state" enum:"pending,received,validated,transferred,archived,error"`
	Version       int64  `json:"version"`
	LastEventID   string `json:"last_event_id,omitempty"`
	PID           string `json:"pid,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	CreatedAt     string `json:"created_at"`
	LastUpdatedAt string `json:"last_updated_at"`
	Terminal      bool   `json:"terminal"`
}

type HistoryResponse struct {
	Version    int64  `json:"version"`
	State      string `json:"state"`
	EventID    string `json:"event_id"`
	Source     string `json:"source,omitempty"`
	OccurredAt string `json:"occurred_at"`
	RecordedAt string `json:"recorded_at"`
}

type NotificationResponse struct {
	MessageID     string `json:"message_id"`
	Kind          string `json:"kind" enum:"state.changed,state.rejected"`
	State         string `json:"state"`
	PreviousState string `json:"previous_state,omitempty"`
	Version       int64  `json:"version"`
	EventID       string `json:"event_id"`
	Reason        string `json:"reason,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	CreatedAt     string `json:"created_at"`
	DeliveredAt   string `json:"delivered_at,omitempty"`
}

type OutcomeResponse struct {
	Status      string           `json:"status" enum:"committed,rejected,ignored,failed"`
	Disposition string           `json:"disposition" enum:"ack,nack,dead_letter"`
	Reason      string           `json:"reason,omitempty"`
	EventID     string           `json:"event_id,omitempty"`
	Package     *PackageResponse `json:"package,omitempty"`
	MessageID   string           `json:"message_id,omitempty"`
}

type paginatedPackages struct {
	Items      []PackageResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type historyList struct {
	Items []HistoryResponse `json:"items"`
}

type notificationList struct {
	Items []NotificationResponse `json:"items"`
}

type stateCounts struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

func packageResponse(p domain.PackageState, terminal bool) PackageResponse {
	return PackageResponse{
		PackageID:     p.PackageID,
		CurrentState:  string(p.State),
		Version:       p.Version,
		LastEventID:   p.LastEventID,
		PID:           p.PID,
		ErrorDetail:   p.ErrorDetail,
		CreatedAt:     p.CreatedAt,
		LastUpdatedAt: p.UpdatedAt,
		Terminal:      terminal,
	}
}

func historyResponse(h domain.HistoryEntry) HistoryResponse {
	return HistoryResponse{
		Version:    h.Version,
		State:      string(h.State),
		EventID:    h.EventID,
		Source:     h.Source,
		OccurredAt: h.OccurredAt,
		RecordedAt: h.RecordedAt,
	}
}

func notificationResponse(m domain.OutboundMessage) NotificationResponse {
	return NotificationResponse{
		MessageID:     m.MessageID,
		Kind:          m.Kind,
		State:         string(m.State),
		PreviousState: string(m.PreviousState),
		Version:       m.Version,
		EventID:       m.EventID,
		Reason:        m.Reason,
		ErrorDetail:   m.ErrorDetail,
		CreatedAt:     m.CreatedAt,
		DeliveredAt:   strPtrValue(m.DeliveredAt),
	}
}

func outcomeResponse(out engine.Outcome, terminal func(domain.State) bool) OutcomeResponse {
	resp := OutcomeResponse{
		Status:      out.Status.String(),
		Disposition: out.Disposition.String(),
		Reason:      out.Reason,
		EventID:     out.Event.EventID,
	}
	if out.Record.PackageID != "" {
		p := packageResponse(out.Record, terminal(out.Record.State))
		resp.Package = &p
	}
	if out.Message != nil {
		resp.MessageID = out.Message.MessageID
	}
	return resp
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
