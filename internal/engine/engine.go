package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sipstate/internal/config"
	"sipstate/internal/domain"
	"sipstate/internal/lifecycle"
	"sipstate/internal/metrics"
	"sipstate/internal/normalize"
	"sipstate/internal/notify"
	"sipstate/internal/repo"
)

var ErrConcurrencyExhausted = errors.New("concurrency exhausted")

// Outcome reasons besides the policy and normalizer ones.
const (
	ReasonStoreUnavailable     = "store_unavailable"
	ReasonEmitFailed           = "emit_failed"
	ReasonConcurrencyExhausted = "concurrency_exhausted"
)

// Store is the state store the coordinator needs. repo.Repo implements it.
type Store interface {
	Get(ctx context.Context, packageID string) (domain.PackageState, error)
	CreateIfAbsent(ctx context.Context, packageID string, initial domain.State) (domain.PackageState, error)
	CompareAndSet(ctx context.Context, t repo.Transition) error
	RecordOutbound(ctx context.Context, msg domain.OutboundMessage) error
	Outbound(ctx context.Context, messageID string) (domain.OutboundMessage, error)
	PendingOutbound(ctx context.Context, eventID string) ([]domain.OutboundMessage, error)
}

// Emitter sends one outbound message. notify.Notifier implements it.
type Emitter interface {
	Emit(ctx context.Context, msg domain.OutboundMessage) error
}

// Config bounds the coordinator's retries and blocking calls.
type Config struct {
	Graph        lifecycle.Graph
	MaxAttempts  int
	StoreTimeout time.Duration
	EmitTimeout  time.Duration
	EmitAttempts int
	EmitBackoff  time.Duration
}

// DefaultConfig uses the default lifecycle graph.
func DefaultConfig() Config {
	return Config{
		Graph:        lifecycle.DefaultGraph(),
		MaxAttempts:  3,
		StoreTimeout: 5 * time.Second,
		EmitTimeout:  5 * time.Second,
		EmitAttempts: 3,
		EmitBackoff:  200 * time.Millisecond,
	}
}

// ConfigFrom builds the coordinator config from the service config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	g, err := cfg.Graph()
	if err != nil {
		return Config{}, err
	}
	c := cfg.Coordinator
	return Config{
		Graph:        g,
		MaxAttempts:  c.MaxAttempts,
		StoreTimeout: c.StoreTimeout,
		EmitTimeout:  c.EmitTimeout,
		EmitAttempts: c.EmitAttempts,
		EmitBackoff:  c.EmitBackoff,
	}, nil
}

// Coordinator handles one inbound event end to end.
type Coordinator struct {
	Store      Store
	Emitter    Emitter
	Normalizer normalize.Normalizer
	Policy     lifecycle.Policy
	Config     Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func New(store Store, emitter Emitter, cfg Config) Coordinator {
	return Coordinator{
		Store:   store,
		Emitter: emitter,
		Policy:  lifecycle.NewPolicy(cfg.Graph),
		Config:  cfg,
		Logger:  slog.Default(),
	}
}

func (c Coordinator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Handle normalizes raw and applies it. It never panics on bad input; the
// returned disposition tells the transport what to do with the message.
func (c Coordinator) Handle(ctx context.Context, raw []byte) Outcome {
	start := time.Now()
	var out Outcome
	ev, err := c.Normalizer.Normalize(raw)
	if err != nil {
		reason := string(normalize.KindMalformedPayload)
		var nerr *normalize.Error
		if errors.As(err, &nerr) {
			reason = string(nerr.Kind)
		}
		out = Outcome{Status: Rejected, Disposition: DeadLetter, Reason: reason, Err: err}
	} else {
		out = c.apply(ctx, ev)
	}
	c.finish(out, time.Since(start))
	return out
}

// HandleEvent applies an event that is already canonical.
func (c Coordinator) HandleEvent(ctx context.Context, ev domain.Event) Outcome {
	start := time.Now()
	out := c.apply(ctx, ev)
	c.finish(out, time.Since(start))
	return out
}

func (c Coordinator) finish(out Outcome, elapsed time.Duration) {
	c.Metrics.ObserveEvent(out.Status.String(), out.Disposition.String(), elapsed)
	attrs := []any{
		"package_id", out.Event.PackageID,
		"event_id", out.Event.EventID,
		"outcome", out.Status.String(),
		"disposition", out.Disposition.String(),
	}
	if out.Reason != "" {
		attrs = append(attrs, "reason", out.Reason)
	}
	if out.Status == Committed {
		attrs = append(attrs, "state", string(out.Record.State), "version", out.Record.Version)
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err)
	}
	switch out.Status {
	case Failed:
		c.logger().Warn("event not applied", attrs...)
	case Rejected:
		c.logger().Info("event rejected", attrs...)
	default:
		c.logger().Info("event handled", attrs...)
	}
}

func (c Coordinator) apply(ctx context.Context, ev domain.Event) Outcome {
	out := Outcome{Event: ev}
	current, err := c.fetchOrCreate(ctx, ev.PackageID)
	if err != nil {
		return out.fail(ReasonStoreUnavailable, err)
	}
	out.Record = current
	if replayed, ok := c.replay(ctx, out); ok {
		return replayed
	}
	maxAttempts := c.Config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		out.Record = current
		d := c.Policy.Decide(current, ev)
		switch d.Verdict {
		case lifecycle.Ignore:
			return c.ignore(ctx, out)
		case lifecycle.Reject:
			return c.reject(ctx, out, d)
		}

		msg := notify.StateChanged(current, d.NewState, current.Version+1, ev)
		t := repo.Transition{
			PackageID:       current.PackageID,
			ExpectedVersion: current.Version,
			NewVersion:      current.Version + 1,
			NewState:        d.NewState,
			EventID:         ev.EventID,
			Source:          ev.Source,
			OccurredAt:      ev.OccurredAt,
			PID:             ev.PID,
			ErrorDetail:     ev.ErrorDetail,
			Outbound:        &msg,
		}
		err := c.withStore(ctx, func(ctx context.Context) error {
			return c.Store.CompareAndSet(ctx, t)
		})
		if err == nil {
			out.Record = committed(current, t)
			out.Message = &msg
			if err := c.emit(ctx, msg); err != nil {
				return out.fail(ReasonEmitFailed, err)
			}
			out.Status = Committed
			out.Disposition = Ack
			return out
		}
		if !errors.Is(err, repo.ErrVersionConflict) {
			return out.fail(ReasonStoreUnavailable, err)
		}
		c.Metrics.Conflict()
		if attempt >= maxAttempts {
			return out.fail(ReasonConcurrencyExhausted,
				fmt.Errorf("%w: package %s after %d attempts", ErrConcurrencyExhausted, ev.PackageID, attempt))
		}
		c.logger().Debug("version conflict, retrying", "package_id", ev.PackageID, "event_id", ev.EventID, "attempt", attempt)
		if err := c.withStore(ctx, func(ctx context.Context) error {
			var gerr error
			current, gerr = c.Store.Get(ctx, ev.PackageID)
			return gerr
		}); err != nil {
			return out.fail(ReasonStoreUnavailable, err)
		}
	}
}

func (c Coordinator) fetchOrCreate(ctx context.Context, packageID string) (domain.PackageState, error) {
	var p domain.PackageState
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		p, err = c.Store.Get(ctx, packageID)
		if errors.Is(err, repo.ErrNotFound) {
			p, err = c.Store.CreateIfAbsent(ctx, packageID, c.Config.Graph.Initial())
		}
		return err
	})
	return p, err
}

// replay settles an event whose transition already committed, whatever the
// package went through since. The policy is not consulted again; a
// notification that never left the process is resent under its original id.
func (c Coordinator) replay(ctx context.Context, out Outcome) (Outcome, bool) {
	var prior domain.OutboundMessage
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		prior, err = c.Store.Outbound(ctx, notify.MessageID(domain.KindStateChanged, out.Event.EventID))
		return err
	})
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return out, false
	case err != nil:
		return out.fail(ReasonStoreUnavailable, err), true
	}
	out.Message = &prior
	if !prior.Delivered() {
		if err := c.emit(ctx, prior); err != nil {
			return out.fail(ReasonEmitFailed, err), true
		}
	}
	out.Status = Ignored
	out.Disposition = Ack
	out.Reason = string(lifecycle.ReasonDuplicate)
	return out, true
}

// ignore completes a duplicate. Messages of the earlier handling that never
// left the process are sent again under their original id.
func (c Coordinator) ignore(ctx context.Context, out Outcome) Outcome {
	var pending []domain.OutboundMessage
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		pending, err = c.Store.PendingOutbound(ctx, out.Event.EventID)
		return err
	})
	if err != nil {
		return out.fail(ReasonStoreUnavailable, err)
	}
	for _, msg := range pending {
		msg := msg
		if err := c.emit(ctx, msg); err != nil {
			return out.fail(ReasonEmitFailed, err)
		}
		out.Message = &msg
	}
	out.Status = Ignored
	out.Disposition = Ack
	out.Reason = string(lifecycle.ReasonDuplicate)
	return out
}

func (c Coordinator) reject(ctx context.Context, out Outcome, d lifecycle.Decision) Outcome {
	msg := notify.StateRejected(out.Record, out.Event, string(d.Reason), d.Detail)
	out.Reason = string(d.Reason)
	delivered := false
	err := c.withStore(ctx, func(ctx context.Context) error {
		prior, err := c.Store.Outbound(ctx, msg.MessageID)
		switch {
		case err == nil:
			delivered = prior.Delivered()
			return nil
		case errors.Is(err, repo.ErrNotFound):
			return c.Store.RecordOutbound(ctx, msg)
		default:
			return err
		}
	})
	if err != nil {
		return out.fail(ReasonStoreUnavailable, err)
	}
	out.Message = &msg
	if !delivered {
		if err := c.emit(ctx, msg); err != nil {
			return out.fail(ReasonEmitFailed, err)
		}
	}
	out.Status = Rejected
	out.Disposition = Ack
	out.Err = errors.New(d.Detail)
	return out
}

// emit publishes msg, retrying only the publish.
func (c Coordinator) emit(ctx context.Context, msg domain.OutboundMessage) error {
	if c.Emitter == nil {
		return nil
	}
	attempts := c.Config.EmitAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && c.Config.EmitBackoff > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", notify.ErrEmitFailed, ctx.Err())
			case <-time.After(c.Config.EmitBackoff * time.Duration(i)):
			}
		}
		err = c.withTimeout(ctx, c.Config.EmitTimeout, func(ctx context.Context) error {
			return c.Emitter.Emit(ctx, msg)
		})
		if err == nil {
			return nil
		}
		c.Metrics.EmitFailure()
		c.logger().Warn("emit failed", "message_id", msg.MessageID, "package_id", msg.PackageID, "attempt", i+1, "error", err)
	}
	if !errors.Is(err, notify.ErrEmitFailed) {
		err = fmt.Errorf("%w: %w", notify.ErrEmitFailed, err)
	}
	return err
}

func (c Coordinator) withStore(ctx context.Context, fn func(context.Context) error) error {
	return c.withTimeout(ctx, c.Config.StoreTimeout, fn)
}

func (c Coordinator) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

func committed(prev domain.PackageState, t repo.Transition) domain.PackageState {
	next := prev
	next.State = t.NewState
	next.Version = t.NewVersion
	next.LastEventID = t.EventID
	if next.PID == "" {
		next.PID = t.PID
	}
	if t.ErrorDetail != "" {
		next.ErrorDetail = t.ErrorDetail
	}
	return next
}
