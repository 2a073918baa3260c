package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/metadata"
	"github.com/drblury/queueflow/internal/runtime/postman"
	"github.com/drblury/queueflow/transport"
	"github.com/drblury/queueflow/transport/memory"
)

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription channel closed")
		return msg
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no message received")
		return nil
	}
}

func newSubscriber(t *testing.T, tr transport.Transport) *Subscriber {
	t.Helper()
	s, err := NewSubscriber(tr, SubscriberOptions{NackBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversionLiftsQueueFields(t *testing.T) {
	wm := message.NewMessage("id-1", []byte("payload"))
	wm.Metadata.Set(metadata.KeyLabel, "orders.created")
	wm.Metadata.Set(metadata.KeyCorrelationID, "corr")
	wm.Metadata.Set(metadata.KeyResponseQueue, "replies")
	wm.Metadata.Set("tenant", "acme")

	msg := ToTransport(wm)
	assert.Equal(t, "id-1", msg.ID)
	assert.Equal(t, "orders.created", msg.Label)
	assert.Equal(t, "corr", msg.CorrelationID)
	assert.Equal(t, "replies", msg.ResponseQueue)
	assert.Equal(t, metadata.Metadata{"tenant": "acme"}, msg.Properties)

	back := FromTransport(msg)
	assert.Equal(t, "id-1", back.UUID)
	assert.Equal(t, []byte("payload"), []byte(back.Payload))
	assert.Equal(t, "orders.created", back.Metadata.Get(metadata.KeyLabel))
	assert.Equal(t, "acme", back.Metadata.Get("tenant"))

	plain := FromTransport(&transport.Message{ID: "x"})
	assert.Empty(t, plain.Metadata)
}

func TestPublisherWritesToTopic(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"orders"}}, nil)
	defer tr.Close()

	p, err := NewPublisher(tr, PublisherOptions{})
	require.NoError(t, err)
	defer p.Close()

	first := message.NewMessage("a", []byte("1"))
	first.Metadata.Set(metadata.KeyLabel, "created")
	require.NoError(t, p.Publish("orders", first, message.NewMessage("b", []byte("2"))))

	got := tr.Snapshot("orders")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "created", got[0].Label)
	assert.Equal(t, "b", got[1].ID)

	assert.ErrorIs(t, p.Publish("", first), errspkg.ErrDestinationRequired)
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish("orders", first), transport.ErrClosed)
}

func TestPublisherWaitsForDelivery(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"admin", "orders"}}, nil)
	defer tr.Close()
	pm, err := postman.New(tr, postman.Options{AdminQueue: "admin"})
	require.NoError(t, err)
	require.NoError(t, pm.Start(context.Background()))
	defer pm.Stop()

	p, err := NewPublisher(tr, PublisherOptions{Postman: pm})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish("orders", message.NewMessage("a", []byte("1"))))
	assert.Len(t, tr.Snapshot("orders"), 1)
	assert.Zero(t, pm.Pending())

	err = p.Publish("missing", message.NewMessage("b", []byte("2")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrNegativeAck)
	assert.Zero(t, pm.Pending())
}

func TestPublisherAbortsOnCommitFailure(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"orders"}}, nil)
	defer tr.Close()
	p, err := NewPublisher(tr, PublisherOptions{})
	require.NoError(t, err)
	defer p.Close()

	tr.FailNextCommit(assert.AnError)
	err = p.Publish("orders", message.NewMessage("a", nil), message.NewMessage("b", nil))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, tr.Snapshot("orders"))
}

func TestSubscriberAckCommitsReceive(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"orders"}}, nil)
	defer tr.Close()
	s := newSubscriber(t, tr)

	ch, err := s.Subscribe(context.Background(), "orders")
	require.NoError(t, err)
	require.NoError(t, write(tr, "orders", &transport.Message{ID: "a", Label: "created", Body: []byte("1")}))

	msg := receive(t, ch)
	assert.Equal(t, "a", msg.UUID)
	assert.Equal(t, "created", msg.Metadata.Get(metadata.KeyLabel))
	msg.Ack()

	require.Eventually(t, func() bool {
		n, _ := tr.Count(context.Background(), "orders")
		return n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberNackRedelivers(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"orders"}}, nil)
	defer tr.Close()
	s := newSubscriber(t, tr)

	ch, err := s.Subscribe(context.Background(), "orders")
	require.NoError(t, err)
	require.NoError(t, write(tr, "orders", &transport.Message{ID: "a"}))

	first := receive(t, ch)
	first.Nack()
	second := receive(t, ch)
	assert.Equal(t, first.UUID, second.UUID)
	second.Ack()
}

func TestHandlerSendsInsideReceiveTransaction(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"in", "out"}}, nil)
	defer tr.Close()
	s := newSubscriber(t, tr)
	p, err := NewPublisher(tr, PublisherOptions{})
	require.NoError(t, err)
	defer p.Close()

	ch, err := s.Subscribe(context.Background(), "in")
	require.NoError(t, err)
	require.NoError(t, write(tr, "in", &transport.Message{ID: "a"}))

	forward := func(in *message.Message, id string) {
		out := message.NewMessage(id, in.Payload)
		out.SetContext(in.Context())
		require.NoError(t, p.Publish("out", out))
	}

	first := receive(t, ch)
	forward(first, "rejected")
	assert.Empty(t, tr.Snapshot("out"))
	first.Nack()

	second := receive(t, ch)
	forward(second, "accepted")
	second.Ack()

	require.Eventually(t, func() bool { return len(tr.Snapshot("out")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "accepted", tr.Snapshot("out")[0].ID)
	assert.Empty(t, tr.Snapshot("in"))
}

func TestSubscriberCloseEndsSubscriptions(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"orders"}}, nil)
	defer tr.Close()
	s, err := NewSubscriber(tr, SubscriberOptions{})
	require.NoError(t, err)

	_, err = s.Subscribe(context.Background(), "")
	assert.ErrorIs(t, err, errspkg.ErrInputQueueRequired)

	ch, err := s.Subscribe(context.Background(), "orders")
	require.NoError(t, err)
	require.NoError(t, write(tr, "orders", &transport.Message{ID: "a"}))
	msg := receive(t, ch)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, open := <-ch
	assert.False(t, open)
	msg.Ack()

	assert.Len(t, tr.Snapshot("orders"), 1, "unacked message returns to the queue")
	_, err = s.Subscribe(context.Background(), "orders")
	assert.ErrorIs(t, err, transport.ErrClosed)

	_, err = NewSubscriber(nil, SubscriberOptions{})
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)
}

func TestSubscriberStopsWithContext(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"orders"}}, nil)
	defer tr.Close()
	s := newSubscriber(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx, "orders")
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "channel not closed after cancel")
	}
}

func write(tr transport.Transport, queue string, msg *transport.Message) error {
	q, err := tr.Open(queue, transport.SendAccess, transport.ShareAll)
	if err != nil {
		return err
	}
	defer q.Close()
	return q.Write(context.Background(), msg, transport.Single)
}
