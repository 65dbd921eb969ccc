// Package pulsarbus connects the updater to Apache Pulsar: the sipin topics
// it consumes, the topic it publishes state notifications to and the dead
// letter topic for payloads that can never be handled.
package pulsarbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apache/pulsar-client-go/pulsar"

	"sipstate/internal/config"
	"sipstate/internal/consumer"
	"sipstate/internal/domain"
	"sipstate/internal/notify"
)

// Bus owns the client and every consumer and producer created from it.
type Bus struct {
	client      pulsar.Client
	consumer    pulsar.Consumer
	producer    pulsar.Producer
	deadLetters pulsar.Producer
	logger      *slog.Logger
}

// Dial connects, subscribes to cfg.Topics with a shared subscription starting
// at the earliest message, and creates the configured producers.
func Dial(cfg config.PulsarConfig, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:              cfg.URL,
		OperationTimeout: cfg.OperationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("pulsar client: %w", err)
	}
	b := &Bus{client: client, logger: logger}
	b.consumer, err = client.Subscribe(pulsar.ConsumerOptions{
		Topics:                      cfg.Topics,
		SubscriptionName:            cfg.Subscription,
		Type:                        pulsar.Shared,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
		NackRedeliveryDelay:         cfg.NackDelay,
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("pulsar subscribe %v: %w", cfg.Topics, err)
	}
	if cfg.OutputTopic != "" {
		b.producer, err = client.CreateProducer(pulsar.ProducerOptions{Topic: cfg.OutputTopic})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("pulsar producer %s: %w", cfg.OutputTopic, err)
		}
	}
	if cfg.DeadLetterTopic != "" {
		b.deadLetters, err = client.CreateProducer(pulsar.ProducerOptions{Topic: cfg.DeadLetterTopic})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("pulsar dead letter producer %s: %w", cfg.DeadLetterTopic, err)
		}
	}
	logger.Info("pulsar connected", "url", cfg.URL, "topics", cfg.Topics, "subscription", cfg.Subscription)
	return b, nil
}

// Source returns the inbound side.
func (b *Bus) Source() consumer.Source {
	return newSource(b.consumer)
}

// Publisher returns the outbound publisher, or nil without an output topic.
func (b *Bus) Publisher() notify.Publisher {
	if b.producer == nil {
		return nil
	}
	return newPublisher(b.producer)
}

// DeadLetters returns the dead letter sink, or nil without a dead letter topic.
func (b *Bus) DeadLetters() consumer.DeadLetterSink {
	if b.deadLetters == nil {
		return nil
	}
	return newDeadLetters(b.deadLetters)
}

func (b *Bus) Close() {
	if b.producer != nil {
		b.producer.Close()
	}
	if b.deadLetters != nil {
		b.deadLetters.Close()
	}
	if b.consumer != nil {
		b.consumer.Close()
	}
	if b.client != nil {
		b.client.Close()
	}
}

type receiver interface {
	Receive(ctx context.Context) (pulsar.Message, error)
	Ack(msg pulsar.Message) error
	Nack(msg pulsar.Message)
}

// Source adapts a Pulsar consumer to consumer.Source.
type Source struct {
	recv receiver
}

func newSource(r receiver) *Source {
	return &Source{recv: r}
}

func (s *Source) Receive(ctx context.Context) (consumer.Delivery, error) {
	msg, err := s.recv.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return delivery{recv: s.recv, msg: msg}, nil
}

type delivery struct {
	recv receiver
	msg  pulsar.Message
}

func (d delivery) Payload() []byte { return d.msg.Payload() }

func (d delivery) Ack(context.Context) error { return d.recv.Ack(d.msg) }

func (d delivery) Nack(context.Context) { d.recv.Nack(d.msg) }

type sender interface {
	Send(ctx context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error)
}

// Publisher sends encoded notifications keyed by package id, so every
// notification of a package lands on the same partition.
type Publisher struct {
	producer sender
}

func newPublisher(p sender) *Publisher {
	return &Publisher{producer: p}
}

func (p *Publisher) Publish(ctx context.Context, msg domain.OutboundMessage, body []byte) error {
	_, err := p.producer.Send(ctx, &pulsar.ProducerMessage{
		Payload: body,
		Key:     msg.PackageID,
		Properties: map[string]string{
			"message_id": msg.MessageID,
			"kind":       msg.Kind,
			"ce_type":    notify.EventType(msg.Kind),
		},
	})
	if err != nil {
		return fmt.Errorf("pulsar send %s: %w", msg.MessageID, err)
	}
	return nil
}

// DeadLetters forwards unhandled payloads unchanged with the failure reason
// as a property.
type DeadLetters struct {
	producer sender
}

func newDeadLetters(p sender) *DeadLetters {
	return &DeadLetters{producer: p}
}

func (d *DeadLetters) DeadLetter(ctx context.Context, payload []byte, reason string) error {
	_, err := d.producer.Send(ctx, &pulsar.ProducerMessage{
		Payload:    payload,
		Properties: map[string]string{"reason": reason},
	})
	if err != nil {
		return fmt.Errorf("pulsar dead letter: %w", err)
	}
	return nil
}
