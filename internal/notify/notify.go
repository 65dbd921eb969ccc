// Package notify publishes outbound state notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"sipstate/internal/domain"
)

var ErrEmitFailed = errors.New("emit failed")

// Publisher delivers one encoded message. Body is a structured CloudEvent.
type Publisher interface {
	Publish(ctx context.Context, msg domain.OutboundMessage, body []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg domain.OutboundMessage, body []byte) error

func (f PublisherFunc) Publish(ctx context.Context, msg domain.OutboundMessage, body []byte) error {
	return f(ctx, msg, body)
}

// DeliveryMarker records that a message left the process.
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, messageID string) error
}

// Notifier encodes and publishes messages, then marks them delivered.
type Notifier struct {
	Publisher Publisher
	Marker    DeliveryMarker
	// Source is the CloudEvent source attribute.
	Source string
	Logger *slog.Logger
}

// Emit publishes msg. Any encode or publish failure wraps ErrEmitFailed.
func (n Notifier) Emit(ctx context.Context, msg domain.OutboundMessage) error {
	body, err := Encode(n.source(), msg)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrEmitFailed, msg.MessageID, err)
	}
	if n.Publisher != nil {
		if err := n.Publisher.Publish(ctx, msg, body); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrEmitFailed, msg.MessageID, err)
		}
	}
	if n.Marker != nil {
		// a failed mark only leads to a second delivery on redelivery
		if err := n.Marker.MarkDelivered(ctx, msg.MessageID); err != nil {
			n.logger().Warn("mark delivered failed", "message_id", msg.MessageID, "package_id", msg.PackageID, "error", err)
		}
	}
	return nil
}

func (n Notifier) source() string {
	if n.Source == "" {
		return "sipstate"
	}
	return n.Source
}

func (n Notifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Fanout publishes to every publisher concurrently and fails if any fails.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, msg domain.OutboundMessage, body []byte) error {
	if len(f) == 1 {
		return f[0].Publish(ctx, msg, body)
	}
	errs := make([]error, len(f))
	var wg sync.WaitGroup
	for i, p := range f {
		wg.Add(1)
		go func(i int, p Publisher) {
			defer wg.Done()
			errs[i] = p.Publish(ctx, msg, body)
		}(i, p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// LogPublisher writes every message to a logger. It is the publisher of
// last resort when no broker or webhook is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, msg domain.OutboundMessage, body []byte) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "outbound message",
		"message_id", msg.MessageID,
		"kind", msg.Kind,
		"package_id", msg.PackageID,
		"state", string(msg.State),
		"version", msg.Version,
		"event_id", msg.EventID,
		"reason", msg.Reason,
	)
	return nil
}
