package poller_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipstate/internal/db"
	"sipstate/internal/domain"
	"sipstate/internal/engine"
	"sipstate/internal/migrate"
	"sipstate/internal/notify"
	"sipstate/internal/poller"
	"sipstate/internal/repo"
)

func setup(t *testing.T) (repo.Repo, engine.Coordinator) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.New(conn)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := engine.New(r, notify.Notifier{Publisher: notify.LogPublisher{Logger: quiet}, Marker: r}, engine.DefaultConfig())
	coord.Logger = quiet
	return r, coord
}

func transferred(t *testing.T, r repo.Repo, id, pid string) {
	t.Helper()
	ctx := context.Background()
	_, err := r.CreateIfAbsent(ctx, id, domain.StatePending)
	require.NoError(t, err)
	require.NoError(t, r.CompareAndSet(ctx, repo.Transition{
		PackageID: id, ExpectedVersion: 0, NewVersion: 1, NewState: domain.StateTransferred, EventID: "seed-" + id, PID: pid,
	}))
}

func archiveServer(t *testing.T, records []poller.Record, seen *[][]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/records" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			*seen = append(*seen, r.URL.Query()["pid"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"records": records})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPollAppliesArchiveOutcomes(t *testing.T) {
	r, coord := setup(t)
	transferred(t, r, "P1", "pid-1")
	transferred(t, r, "P2", "pid-2")
	transferred(t, r, "P3", "")

	var seen [][]string
	srv := archiveServer(t, []poller.Record{
		{PID: "pid-1.zip", ArchiveStatus: "completed", RecordStatus: "Published", ArchivedDate: "2024-02-01T12:00:00Z"},
		{PID: "pid-2", ArchiveStatus: "failed"},
		{PID: "P3", ArchiveStatus: "in_progress"},
		{PID: "unknown", ArchiveStatus: "completed", RecordStatus: "Published"},
	}, &seen)

	p := poller.Poller{
		Packages: r,
		Archive:  poller.Client{BaseURL: srv.URL},
		Handler:  coord,
		Batch:    10,
		Now:      func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, seen, 1)
	assert.ElementsMatch(t, []string{"pid-1", "pid-2", "P3"}, seen[0])

	ctx := context.Background()
	p1, err := r.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateArchived, p1.State)
	hist, err := r.History(ctx, "P1")
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, poller.Source, last.Source)
	assert.Equal(t, "2024-02-01T12:00:00Z", last.OccurredAt)

	p2, err := r.Get(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, p2.State)
	assert.Equal(t, poller.DefaultFailureMessage, p2.ErrorDetail)

	p3, err := r.Get(ctx, "P3")
	require.NoError(t, err)
	assert.Equal(t, domain.StateTransferred, p3.State)

	// nothing left to apply on a second pass
	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPollPagesThroughTransferred(t *testing.T) {
	r, coord := setup(t)
	for _, id := range []string{"A", "B", "C"} {
		transferred(t, r, id, "")
	}
	var seen [][]string
	srv := archiveServer(t, nil, &seen)
	p := poller.Poller{Packages: r, Archive: poller.Client{BaseURL: srv.URL}, Handler: coord, Batch: 2}
	_, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"A", "B"}, seen[0])
	assert.Equal(t, []string{"C"}, seen[1])
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()
	_, err := poller.Client{BaseURL: srv.URL}.Records(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRecordClassification(t *testing.T) {
	assert.True(t, poller.Record{ArchiveStatus: "completed", RecordStatus: "Published"}.Archived())
	assert.False(t, poller.Record{ArchiveStatus: "completed", RecordStatus: "Draft"}.Archived())
	assert.True(t, poller.Record{ArchiveStatus: "FAILED"}.Failed())
	assert.False(t, poller.Record{ArchiveStatus: "on_tape"}.Failed())
}
