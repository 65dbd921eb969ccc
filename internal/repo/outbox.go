package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"sipstate/internal/domain"
	"sipstate/internal/events"
)

const outboxColumns = `message_id,kind,package_id,state,COALESCE(previous_state,''),version,event_id,COALESCE(reason,''),COALESCE(error_detail,''),created_at,delivered_at`

func scanOutbound(row rowScanner) (domain.OutboundMessage, error) {
	var m domain.OutboundMessage
	var state, prev string
	var delivered sql.NullString
	err := row.Scan(&m.MessageID, &m.Kind, &m.PackageID, &state, &prev, &m.Version, &m.EventID, &m.Reason, &m.ErrorDetail, &m.CreatedAt, &delivered)
	if err != nil {
		return m, err
	}
	m.State = domain.State(state)
	m.PreviousState = domain.State(prev)
	if delivered.Valid {
		d := delivered.String
		m.DeliveredAt = &d
	}
	return m, nil
}

// RecordOutbound stores a message that is not tied to a state change,
// such as a rejection. Recording the same message twice is a no-op.
func (r Repo) RecordOutbound(ctx context.Context, msg domain.OutboundMessage) error {
	if err := r.Events.AppendOutbound(ctx, nil, msg); err != nil {
		return unavailable("record outbound", err)
	}
	return nil
}

// Outbound returns a message by id.
func (r Repo) Outbound(ctx context.Context, messageID string) (domain.OutboundMessage, error) {
	m, err := scanOutbound(r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE message_id=?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, unavailable("get outbound", err)
	}
	return m, nil
}

// PendingOutbound returns the undelivered messages triggered by an event.
func (r Repo) PendingOutbound(ctx context.Context, eventID string) ([]domain.OutboundMessage, error) {
	return r.ListOutbound(ctx, OutboundFilter{EventID: eventID, Pending: true})
}

// MarkDelivered stamps a message as delivered. Already delivered messages keep
// their first stamp.
func (r Repo) MarkDelivered(ctx context.Context, messageID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET delivered_at=COALESCE(delivered_at,?) WHERE message_id=?`,
		events.Timestamp(r.now()), messageID)
	if err != nil {
		return unavailable("mark delivered", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("mark delivered", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// OutboundFilter narrows ListOutbound.
type OutboundFilter struct {
	PackageID string
	EventID   string
	Pending   bool
	Limit     int
}

// ListOutbound returns messages oldest first.
func (r Repo) ListOutbound(ctx context.Context, f OutboundFilter) ([]domain.OutboundMessage, error) {
	var (
		where []string
		args  []any
	)
	if f.PackageID != "" {
		where = append(where, "package_id=?")
		args = append(args, f.PackageID)
	}
	if f.EventID != "" {
		where = append(where, "event_id=?")
		args = append(args, f.EventID)
	}
	if f.Pending {
		where = append(where, "delivered_at IS NULL")
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, message_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list outbound", err)
	}
	defer rows.Close()
	var res []domain.OutboundMessage
	for rows.Next() {
		m, err := scanOutbound(rows)
		if err != nil {
			return nil, unavailable("scan outbound", err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list outbound", err)
	}
	return res, nil
}
