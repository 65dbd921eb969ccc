package pulsarbus

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipstate/internal/domain"
	"sipstate/internal/notify"
)

type fakeMessage struct {
	pulsar.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

type fakeConsumer struct {
	queue  []pulsar.Message
	acked  []pulsar.Message
	nacked []pulsar.Message
}

func (c *fakeConsumer) Receive(ctx context.Context) (pulsar.Message, error) {
	if len(c.queue) == 0 {
		return nil, errors.New("empty")
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m, nil
}

func (c *fakeConsumer) Ack(m pulsar.Message) error {
	c.acked = append(c.acked, m)
	return nil
}

func (c *fakeConsumer) Nack(m pulsar.Message) { c.nacked = append(c.nacked, m) }

type fakeProducer struct {
	sent []*pulsar.ProducerMessage
	err  error
}

func (p *fakeProducer) Send(_ context.Context, m *pulsar.ProducerMessage) (pulsar.MessageID, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.sent = append(p.sent, m)
	return nil, nil
}

func TestSourceSettlesOnConsumer(t *testing.T) {
	c := &fakeConsumer{queue: []pulsar.Message{fakeMessage{payload: []byte("a")}, fakeMessage{payload: []byte("b")}}}
	src := newSource(c)
	ctx := context.Background()

	d, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), d.Payload())
	require.NoError(t, d.Ack(ctx))

	d, err = src.Receive(ctx)
	require.NoError(t, err)
	d.Nack(ctx)

	assert.Len(t, c.acked, 1)
	assert.Len(t, c.nacked, 1)

	_, err = src.Receive(ctx)
	assert.Error(t, err)
}

func TestPublisherKeysByPackage(t *testing.T) {
	p := &fakeProducer{}
	msg := domain.OutboundMessage{MessageID: "m1", Kind: domain.KindStateRejected, PackageID: "P1"}
	require.NoError(t, newPublisher(p).Publish(context.Background(), msg, []byte(`{}`)))
	require.Len(t, p.sent, 1)
	assert.Equal(t, "P1", p.sent[0].Key)
	assert.Equal(t, "m1", p.sent[0].Properties["message_id"])
	assert.Equal(t, notify.TypeStateRejected, p.sent[0].Properties["ce_type"])
}

func TestPublisherError(t *testing.T) {
	p := &fakeProducer{err: errors.New("timeout")}
	err := newPublisher(p).Publish(context.Background(), domain.OutboundMessage{MessageID: "m1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m1")
}

func TestDeadLettersCarryReason(t *testing.T) {
	p := &fakeProducer{}
	require.NoError(t, newDeadLetters(p).DeadLetter(context.Background(), []byte("{"), "malformed_payload"))
	require.Len(t, p.sent, 1)
	assert.Equal(t, []byte("{"), p.sent[0].Payload)
	assert.Equal(t, "malformed_payload", p.sent[0].Properties["reason"])
}

func TestBusWithoutProducers(t *testing.T) {
	b := &Bus{}
	assert.Nil(t, b.Publisher())
	assert.Nil(t, b.DeadLetters())
	assert.NotPanics(t, b.Close)
}
