package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sipstate/internal/domain"
	"sipstate/internal/events"
)

// Repo is the state store accessor over SQLite.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	// KeepHistory enables the append-only package_history audit trail.
	KeepHistory bool
	Now     func() time.Time
}

var (
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// New returns a Repo with history enabled.
func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{DB: db}, KeepHistory: true, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// unavailable marks a driver or context failure as transient.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

const packageColumns = `package_id,state,version,COALESCE(last_event_id,''),COALESCE(pid,''),COALESCE(error_detail,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (domain.PackageState, error) {
	var p domain.PackageState
	var state string
	err := row.Scan(&p.PackageID, &state, &p.Version, &p.LastEventID, &p.PID, &p.ErrorDetail, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.State = domain.State(state)
	return p, nil
}

// Get returns the current record of a package.
func (r Repo) Get(ctx context.Context, packageID string) (domain.PackageState, error) {
	p, err := scanPackage(r.DB.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE package_id=?`, packageID))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, unavailable("get package", err)
	}
	return p, nil
}

// CreateIfAbsent creates the record at version 0 in the initial state. When
// another caller created it first, the existing record is returned.
func (r Repo) CreateIfAbsent(ctx context.Context, packageID string, initial domain.State) (domain.PackageState, error) {
	if strings.TrimSpace(packageID) == "" {
		return domain.PackageState{}, errors.New("package_id required")
	}
	if !initial.Valid() {
		return domain.PackageState{}, fmt.Errorf("invalid initial state %q", initial)
	}
	now := events.Timestamp(r.now())
	_, err := r.DB.ExecContext(ctx, `INSERT INTO packages(package_id,state,version,created_at,updated_at) VALUES (?,?,0,?,?) ON CONFLICT(package_id) DO NOTHING`,
		packageID, string(initial), now, now)
	if err != nil {
		return domain.PackageState{}, unavailable("create package", err)
	}
	return r.Get(ctx, packageID)
}

// Transition is one conditional write of a package record.
type Transition struct {
	PackageID       string
	ExpectedVersion int64
	NewVersion      int64
	NewState        domain.State
	EventID         string
	Source          string
	OccurredAt      time.Time
	PID             string
	ErrorDetail     string
	// Outbound is stored in the same transaction when set.
	Outbound *domain.OutboundMessage
}

// CompareAndSet applies t only if the stored version equals
// t.ExpectedVersion; otherwise it returns ErrVersionConflict and writes nothing.
func (r Repo) CompareAndSet(ctx context.Context, t Transition) error {
	if t.NewVersion <= t.ExpectedVersion {
		return fmt.Errorf("new version %d must exceed expected version %d", t.NewVersion, t.ExpectedVersion)
	}
	if !t.NewState.Valid() {
		return fmt.Errorf("invalid state %q", t.NewState)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transition", err)
	}
	defer tx.Rollback()

	now := events.Timestamp(r.now())
	res, err := tx.ExecContext(ctx, `UPDATE packages
SET state=?, version=?, last_event_id=?, pid=COALESCE(pid,?), error_detail=COALESCE(?,error_detail), updated_at=?
WHERE package_id=? AND version=?`,
		string(t.NewState), t.NewVersion, t.EventID, nullable(t.PID), nullable(t.ErrorDetail), now,
		t.PackageID, t.ExpectedVersion)
	if err != nil {
		return unavailable("update package", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable("update package", err)
	}
	if affected == 0 {
		return fmt.Errorf("package %s at version %d: %w", t.PackageID, t.ExpectedVersion, ErrVersionConflict)
	}
	if r.KeepHistory {
		entry := domain.HistoryEntry{
			PackageID:  t.PackageID,
			Version:    t.NewVersion,
			State:      t.NewState,
			EventID:    t.EventID,
			Source:     t.Source,
			OccurredAt: events.Timestamp(t.OccurredAt),
			RecordedAt: now,
		}
		if err := r.Events.AppendHistory(ctx, tx, entry); err != nil {
			return unavailable("append history", err)
		}
	}
	if t.Outbound != nil {
		if err := r.Events.AppendOutbound(ctx, tx, *t.Outbound); err != nil {
			return unavailable("append outbound", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit transition", err)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	State  domain.State
	Cursor string
	Limit  int
}

// List returns packages ordered by id, starting after Cursor.
func (r Repo) List(ctx context.Context, f Filter) ([]domain.PackageState, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state=?")
		args = append(args, string(f.State))
	}
	if f.Cursor != "" {
		where = append(where, "package_id>?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + packageColumns + ` FROM packages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY package_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list packages", err)
	}
	defer rows.Close()
	var res []domain.PackageState
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, unavailable("scan package", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list packages", err)
	}
	return res, nil
}

// CountByState returns the number of packages per state.
func (r Repo) CountByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM packages GROUP BY state`)
	if err != nil {
		return nil, unavailable("count packages", err)
	}
	defer rows.Close()
	counts := make(map[domain.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, unavailable("count packages", err)
		}
		counts[domain.State(state)] = n
	}
	return counts, rows.Err()
}

// History returns the committed transitions of a package, oldest first.
func (r Repo) History(ctx context.Context, packageID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT package_id,version,state,event_id,COALESCE(source,''),occurred_at,recorded_at
FROM package_history WHERE package_id=? ORDER BY version`, packageID)
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var state string
		if err := rows.Scan(&h.PackageID, &h.Version, &state, &h.EventID, &h.Source, &h.OccurredAt, &h.RecordedAt); err != nil {
			return nil, unavailable("scan history", err)
		}
		h.State = domain.State(state)
		res = append(res, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list history", err)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ListByState returns every package in state, ordered by id.
func (r Repo) ListByState(ctx context.Context, state domain.State) ([]domain.PackageState, error) {
	return r.List(ctx, Filter{State: state})
}
