package events

import (
	"context"
	"database/sql"
	"time"

	"sipstate/internal/domain"
)

// Writer appends history and outbox rows. With a nil tx it writes through DB.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Timestamp formats t the way every row in the store is stamped.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (w Writer) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return w.DB.ExecContext(ctx, query, args...)
}

// AppendHistory records one committed transition.
func (w Writer) AppendHistory(ctx context.Context, tx *sql.Tx, entry domain.HistoryEntry) error {
	if entry.RecordedAt == "" {
		entry.RecordedAt = Timestamp(w.now())
	}
	_, err := w.exec(ctx, tx, `INSERT INTO package_history(package_id,version,state,event_id,source,occurred_at,recorded_at) VALUES (?,?,?,?,?,?,?)`,
		entry.PackageID, entry.Version, string(entry.State), entry.EventID, nullable(entry.Source), entry.OccurredAt, entry.RecordedAt)
	return err
}

// AppendOutbound stores an outbound message. Message ids are deterministic,
// so a second append of the same message is a no-op.
func (w Writer) AppendOutbound(ctx context.Context, tx *sql.Tx, msg domain.OutboundMessage) error {
	if msg.CreatedAt == "" {
		msg.CreatedAt = Timestamp(w.now())
	}
	_, err := w.exec(ctx, tx, `INSERT INTO outbox(message_id,kind,package_id,state,previous_state,version,event_id,reason,error_detail,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(message_id) DO NOTHING`,
		msg.MessageID, msg.Kind, msg.PackageID, string(msg.State), nullable(string(msg.PreviousState)), msg.Version,
		msg.EventID, nullable(msg.Reason), nullable(msg.ErrorDetail), msg.CreatedAt)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
