// Package consumer runs a bounded pool of workers over an inbound message
// source. Each worker handles one delivery to completion before settling it.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sipstate/internal/engine"
	"sipstate/internal/metrics"
)

// ErrClosed is returned by a Source that will never yield another delivery.
var ErrClosed = errors.New("source closed")

// Delivery is one inbound message awaiting settlement.
type Delivery interface {
	Payload() []byte
	Ack(ctx context.Context) error
	Nack(ctx context.Context)
}

// Source yields deliveries. Receive blocks until a delivery arrives or ctx ends.
type Source interface {
	Receive(ctx context.Context) (Delivery, error)
}

// DeadLetterSink stores messages that will never be handled.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, payload []byte, reason string) error
}

// Handler applies one raw message. engine.Coordinator implements it.
type Handler interface {
	Handle(ctx context.Context, raw []byte) engine.Outcome
}

type Pool struct {
	Source      Source
	Handler     Handler
	DeadLetters DeadLetterSink
	Workers     int
	// ReceiveBackoff is the pause after a failed Receive.
	ReceiveBackoff time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Run blocks until ctx is done or the source closes.
func (p Pool) Run(ctx context.Context) error {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p Pool) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p Pool) work(ctx context.Context, id int) {
	backoff := p.ReceiveBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		d, err := p.Source.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			p.logger().Warn("receive failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		p.Process(ctx, d)
	}
}

// Process handles one delivery and settles it according to the outcome.
func (p Pool) Process(ctx context.Context, d Delivery) engine.Outcome {
	out := p.Handler.Handle(ctx, d.Payload())
	switch out.Disposition {
	case engine.Ack:
		if err := d.Ack(ctx); err != nil {
			p.logger().Warn("ack failed", "event_id", out.Event.EventID, "error", err)
		}
	case engine.DeadLetter:
		p.Metrics.DeadLetter()
		if p.DeadLetters != nil {
			if err := p.DeadLetters.DeadLetter(ctx, d.Payload(), out.Reason); err != nil {
				p.logger().Error("dead letter failed", "reason", out.Reason, "error", err)
				d.Nack(ctx)
				return out
			}
		} else {
			p.logger().Warn("dropping malformed message", "reason", out.Reason, "error", out.Err)
		}
		if err := d.Ack(ctx); err != nil {
			p.logger().Warn("ack failed", "error", err)
		}
	default:
		d.Nack(ctx)
	}
	return out
}
