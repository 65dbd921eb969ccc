package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipstate/internal/db"
	"sipstate/internal/domain"
	"sipstate/internal/migrate"
	"sipstate/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.New(conn)
	r.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	r.Events.Now = r.Now
	return r
}

func TestGetNotFound(t *testing.T) {
	r := newRepo(t)
	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateIfAbsentIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	p, err := r.CreateIfAbsent(ctx, "P1", domain.StatePending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, p.State)
	assert.Equal(t, int64(0), p.Version)

	require.NoError(t, r.CompareAndSet(ctx, repo.Transition{
		PackageID: "P1", ExpectedVersion: 0, NewVersion: 1, NewState: domain.StateReceived, EventID: "E1",
	}))

	again, err := r.CreateIfAbsent(ctx, "P1", domain.StatePending)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReceived, again.State, "existing record must win")
	assert.Equal(t, int64(1), again.Version)
}

func TestCreateIfAbsentConcurrent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.CreateIfAbsent(ctx, "P1", domain.StatePending)
			if err == nil && p.Version != 0 {
				err = errors.New("unexpected version")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestCompareAndSetVersionConflict(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateIfAbsent(ctx, "P1", domain.StatePending)
	require.NoError(t, err)

	require.NoError(t, r.CompareAndSet(ctx, repo.Transition{
		PackageID: "P1", ExpectedVersion: 0, NewVersion: 1, NewState: domain.StateReceived, EventID: "E1",
	}))
	err = r.CompareAndSet(ctx, repo.Transition{
		PackageID: "P1", ExpectedVersion: 0, NewVersion: 1, NewState: domain.StateError, EventID: "E9",
		Outbound: &domain.OutboundMessage{MessageID: "m9", Kind: domain.KindStateChanged, PackageID: "P1", State: domain.StateError, EventID: "E9"},
	})
	require.ErrorIs(t, err, repo.ErrVersionConflict)

	p, err := r.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReceived, p.State)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, "E1", p.LastEventID)

	_, err = r.Outbound(ctx, "m9")
	assert.ErrorIs(t, err, repo.ErrNotFound, "losing write must not leave an outbox row")

	hist, err := r.History(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.StateReceived, hist[0].State)
}

func TestCompareAndSetRejectsNonIncreasingVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateIfAbsent(ctx, "P1", domain.StatePending)
	require.NoError(t, err)
	err = r.CompareAndSet(ctx, repo.Transition{PackageID: "P1", ExpectedVersion: 0, NewVersion: 0, NewState: domain.StateReceived})
	require.Error(t, err)
	assert.NotErrorIs(t, err, repo.ErrVersionConflict)
}

func TestCompareAndSetWritesHistoryAndOutbox(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateIfAbsent(ctx, "P1", domain.StatePending)
	require.NoError(t, err)

	occurred := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.CompareAndSet(ctx, repo.Transition{
		PackageID: "P1", ExpectedVersion: 0, NewVersion: 1, NewState: domain.StateReceived,
		EventID: "E1", Source: "unzip", OccurredAt: occurred, PID: "pid-1",
		Outbound: &domain.OutboundMessage{MessageID: "m1", Kind: domain.KindStateChanged, PackageID: "P1", State: domain.StateReceived, PreviousState: domain.StatePending, Version: 1, EventID: "E1"},
	}))
	require.NoError(t, r.CompareAndSet(ctx, repo.Transition{
		PackageID: "P1", ExpectedVersion: 1, NewVersion: 2, NewState: domain.StateError,
		EventID: "E2", OccurredAt: occurred.Add(time.Minute), PID: "pid-other", ErrorDetail: "boom",
	}))

	p, err := r.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "pid-1", p.PID, "pid is only set once")
	assert.Equal(t, "boom", p.ErrorDetail)

	hist, err := r.History(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(1), hist[0].Version)
	assert.Equal(t, "2024-01-01T09:00:00Z", hist[0].OccurredAt)
	assert.Equal(t, "unzip", hist[0].Source)
	assert.Equal(t, p.State, hist[len(hist)-1].State)

	pending, err := r.PendingOutbound(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.StatePending, pending[0].PreviousState)
	assert.False(t, pending[0].Delivered())

	require.NoError(t, r.MarkDelivered(ctx, "m1"))
	pending, err = r.PendingOutbound(ctx, "E1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	m, err := r.Outbound(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.Delivered())
	assert.ErrorIs(t, r.MarkDelivered(ctx, "nope"), repo.ErrNotFound)
}

func TestHistoryDisabled(t *testing.T) {
	r := newRepo(t)
	r.KeepHistory = false
	ctx := context.Background()
	_, err := r.CreateIfAbsent(ctx, "P1", domain.StatePending)
	require.NoError(t, err)
	require.NoError(t, r.CompareAndSet(ctx, repo.Transition{PackageID: "P1", ExpectedVersion: 0, NewVersion: 1, NewState: domain.StateReceived, EventID: "E1"}))
	hist, err := r.History(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestRecordOutboundIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	msg := domain.OutboundMessage{MessageID: "r1", Kind: domain.KindStateRejected, PackageID: "P1", State: domain.StateReceived, EventID: "E3", Reason: "illegal_transition"}
	require.NoError(t, r.RecordOutbound(ctx, msg))
	require.NoError(t, r.RecordOutbound(ctx, msg))
	all, err := r.ListOutbound(ctx, repo.OutboundFilter{PackageID: "P1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "illegal_transition", all[0].Reason)
}

func TestListAndCount(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		_, err := r.CreateIfAbsent(ctx, id, domain.StatePending)
		require.NoError(t, err)
	}
	require.NoError(t, r.CompareAndSet(ctx, repo.Transition{PackageID: "B", ExpectedVersion: 0, NewVersion: 1, NewState: domain.StateReceived, EventID: "E"}))

	all, err := r.List(ctx, repo.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	page, err := r.List(ctx, repo.Filter{Cursor: "A", Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "B", page[0].PackageID)

	pending, err := r.List(ctx, repo.Filter{State: domain.StatePending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	received, err := r.ListByState(ctx, domain.StateReceived)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "B", received[0].PackageID)

	counts, err := r.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.StatePending])
	assert.Equal(t, 1, counts[domain.StateReceived])
}

func TestCanceledContextIsStoreUnavailable(t *testing.T) {
	r := newRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.CreateIfAbsent(ctx, "P1", domain.StatePending)
	require.Error(t, err)
	assert.ErrorIs(t, err, repo.ErrStoreUnavailable)
	assert.ErrorIs(t, r.MarkDelivered(ctx, "m1"), repo.ErrStoreUnavailable)
}
