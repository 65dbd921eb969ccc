// Package poller asks the archive system for the fate of transferred
// packages and feeds the answers through the coordinator as ordinary events.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sipstate/internal/domain"
	"sipstate/internal/engine"
	"sipstate/internal/metrics"
	"sipstate/internal/repo"
)

// Source is the source attribute of every event the poller produces.
const Source = "archive-poller"

// DefaultFailureMessage is recorded when the archive reports a failure
// without a message.
const DefaultFailureMessage = "archive ingest failed"

// Record is the archive's view of one package.
type Record struct {
	PID           string `json:"pid"`
	ArchiveStatus string `json:"archive_status"`
	RecordStatus  string `json:"record_status"`
	ArchivedDate  string `json:"archived_date"`
	Message       string `json:"message"`
}

// Archived reports a completed, published record.
func (r Record) Archived() bool {
	return strings.EqualFold(r.ArchiveStatus, "completed") && strings.EqualFold(r.RecordStatus, "published")
}

// Failed reports a record the archive gave up on.
func (r Record) Failed() bool {
	return strings.EqualFold(r.ArchiveStatus, "failed")
}

// Client queries the archive status endpoint:
//
//	GET {BaseURL}/records?pid=a&pid=b -> {"records":[...]}
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c Client) Records(ctx context.Context, pids []string) ([]Record, error) {
	q := url.Values{}
	for _, pid := range pids {
		q.Add("pid", pid)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/records?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("archive status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Records []Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode archive records: %w", err)
	}
	return payload.Records, nil
}

// Archive looks up records by pid.
type Archive interface {
	Records(ctx context.Context, pids []string) ([]Record, error)
}

// Lister lists packages by state. repo.Repo implements it.
type Lister interface {
	List(ctx context.Context, f repo.Filter) ([]domain.PackageState, error)
}

// EventHandler applies canonical events. engine.Coordinator implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event) engine.Outcome
}

type Poller struct {
	Packages Lister
	Archive  Archive
	Handler  EventHandler
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func (p Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Poller) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Run polls immediately and then every Interval until ctx is done.
func (p Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := p.Poll(ctx); err != nil {
			p.logger().Warn("archive poll failed", "error", err)
		} else if n > 0 {
			p.logger().Info("archive poll applied events", "events", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll checks every transferred package once and returns the number of
// events that were committed.
func (p Poller) Poll(ctx context.Context) (int, error) {
	batch := p.Batch
	if batch <= 0 {
		batch = 100
	}
	applied := 0
	cursor := ""
	for {
		pkgs, err := p.Packages.List(ctx, repo.Filter{State: domain.StateTransferred, Cursor: cursor, Limit: batch})
		if err != nil {
			return applied, err
		}
		if len(pkgs) == 0 {
			return applied, nil
		}
		cursor = pkgs[len(pkgs)-1].PackageID
		n, err := p.check(ctx, pkgs)
		applied += n
		if err != nil {
			return applied, err
		}
		if len(pkgs) < batch {
			return applied, nil
		}
	}
}

func (p Poller) check(ctx context.Context, pkgs []domain.PackageState) (int, error) {
	byPID := make(map[string]domain.PackageState, len(pkgs))
	pids := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		pid := pkg.PID
		if pid == "" {
			pid = pkg.PackageID
		}
		byPID[pid] = pkg
		pids = append(pids, pid)
	}
	records, err := p.Archive.Records(ctx, pids)
	if err != nil {
		p.Metrics.ArchiveCheck("error")
		return 0, err
	}
	applied := 0
	for _, rec := range records {
		pkg, ok := byPID[strings.TrimSuffix(rec.PID, ".zip")]
		if !ok {
			continue
		}
		ev, ok := p.event(pkg, rec)
		if !ok {
			p.Metrics.ArchiveCheck("in_progress")
			continue
		}
		p.Metrics.ArchiveCheck(string(ev.ReportedState))
		out := p.Handler.HandleEvent(ctx, ev)
		if out.Status == engine.Committed {
			applied++
		}
	}
	return applied, nil
}

func (p Poller) event(pkg domain.PackageState, rec Record) (domain.Event, bool) {
	ev := domain.Event{
		PackageID:  pkg.PackageID,
		OccurredAt: p.now().UTC(),
		Source:     Source,
		PID:        pkg.PID,
	}
	switch {
	case rec.Archived():
		ev.ReportedState = domain.StateArchived
		if ts, err := time.Parse(time.RFC3339Nano, rec.ArchivedDate); err == nil {
			ev.OccurredAt = ts.UTC()
		}
	case rec.Failed():
		ev.ReportedState = domain.StateError
		ev.ErrorDetail = rec.Message
		if ev.ErrorDetail == "" {
			ev.ErrorDetail = DefaultFailureMessage
		}
	default:
		return domain.Event{}, false
	}
	// stable per package and outcome, so a repeated poll is a duplicate
	ev.EventID = fmt.Sprintf("%s:%s:%s", Source, pkg.PackageID, ev.ReportedState)
	return ev, true
}
