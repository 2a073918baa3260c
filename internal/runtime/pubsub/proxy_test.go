package pubsub

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/postman"
	"github.com/drblury/queueflow/transport"
	"github.com/drblury/queueflow/transport/memory"
)

const (
	proxyQueue = "proxy"
	adminQueue = "admin"
)

func newProxy(t *testing.T, tr *memory.Transport, opts ProxyOptions) *Proxy {
	t.Helper()
	opts.InputQueue = proxyQueue
	p, err := NewProxy(tr, opts)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func newClient(t *testing.T, tr transport.Transport, subscriber string) *Client {
	t.Helper()
	c, err := NewClient(tr, proxyQueue, subscriber)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func labels(tr *memory.Transport, queue string) []string {
	var out []string
	for _, m := range tr.Snapshot(queue) {
		out = append(out, m.Label)
	}
	return out
}

// drained waits until the proxy consumed everything sent to it.
func drained(t *testing.T, tr *memory.Transport) {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.Snapshot(proxyQueue)) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestProxyFansOutToSubscribers(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{proxyQueue, "sub1", "sub2"}}, nil)
	defer tr.Close()
	p := newProxy(t, tr, ProxyOptions{})
	ctx := context.Background()

	c1 := newClient(t, tr, "sub1")
	c2 := newClient(t, tr, "sub2")
	require.NoError(t, c1.Subscribe(ctx, "orders.*"))
	require.NoError(t, c2.Subscribe(ctx, "orders.created"))
	require.NoError(t, c1.Publish(ctx, "orders.created", []byte("1"), nil))
	require.NoError(t, c1.Publish(ctx, "orders.deleted", []byte("2"), nil))
	require.NoError(t, c1.Publish(ctx, "billing.paid", []byte("3"), nil))
	drained(t, tr)

	assert.Equal(t, []string{"orders.created", "orders.deleted"}, labels(tr, "sub1"))
	assert.Equal(t, []string{"orders.created"}, labels(tr, "sub2"))
	assert.ElementsMatch(t, []string{"sub1", "sub2"}, p.Subscribers("orders.created"))
	assert.Equal(t, []string{"orders.*"}, p.Labels("sub1"))

	forwarded := tr.Snapshot("sub2")[0]
	assert.Equal(t, []byte("1"), forwarded.Body)
	assert.Equal(t, int(ActionPublish), forwarded.AppSpecific)
}

func TestProxyUnsubscribeAndClear(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{proxyQueue, "sub"}}, nil)
	defer tr.Close()
	p := newProxy(t, tr, ProxyOptions{})
	ctx := context.Background()
	c := newClient(t, tr, "sub")

	require.NoError(t, c.Subscribe(ctx, "a.*"))
	require.NoError(t, c.Subscribe(ctx, "b.**"))
	require.NoError(t, c.Subscribe(ctx, "c"))
	require.NoError(t, c.Unsubscribe(ctx, "a.*"))
	drained(t, tr)
	assert.Equal(t, []string{"b.**", "c"}, p.Labels("sub"))

	require.NoError(t, c.Clear(ctx))
	drained(t, tr)
	assert.Empty(t, p.Labels("sub"))
}

func TestProxyDropsMalformedControlMessages(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{proxyQueue}}, nil)
	defer tr.Close()
	p := newProxy(t, tr, ProxyOptions{})
	in, err := tr.Open(proxyQueue, transport.SendAccess, transport.ShareAll)
	require.NoError(t, err)
	defer in.Close()
	ctx := context.Background()

	msgs := []*transport.Message{
		{AppSpecific: int(ActionSubscribe), Body: []byte("a.b")},
		{AppSpecific: int(ActionSubscribe), Body: []byte("a..b"), ResponseQueue: "sub"},
		{AppSpecific: 9, Body: []byte("a.b"), ResponseQueue: "sub"},
	}
	for _, m := range msgs {
		require.NoError(t, in.Write(ctx, m, nil))
	}
	drained(t, tr)
	assert.Empty(t, p.Labels("sub"))
	assert.Empty(t, p.Subscribers("a.b"))
}

func TestProxyWithPostmanPrunesMissingSubscribers(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{proxyQueue, adminQueue, "live"}}, nil)
	defer tr.Close()
	pm, err := postman.New(tr, postman.Options{AdminQueue: adminQueue})
	require.NoError(t, err)
	require.NoError(t, pm.Start(context.Background()))
	defer pm.Stop()

	p := newProxy(t, tr, ProxyOptions{Postman: pm})
	ctx := context.Background()
	require.NoError(t, newClient(t, tr, "live").Subscribe(ctx, "news.*"))
	require.NoError(t, newClient(t, tr, "gone").Subscribe(ctx, "news.**"))
	publisher := newClient(t, tr, "")
	require.NoError(t, publisher.Publish(ctx, "news.today", []byte("x"), nil))
	drained(t, tr)

	require.Eventually(t, func() bool { return len(p.Labels("gone")) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"news.*"}, p.Labels("live"))
	require.Len(t, tr.Snapshot("live"), 1)
	assert.Equal(t, adminQueue, tr.Snapshot("live")[0].AdministrationQueue)
	require.Eventually(t, func() bool { return pm.Pending() == 0 }, time.Second, 5*time.Millisecond)

	// "gone" never got its copy, so the message is kept in poison.
	require.Eventually(t, func() bool { return len(tr.Snapshot(p.PoisonQueue())) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Snapshot(p.InProgressQueue()))
}

func TestProxyQuarantinesUnacknowledgedFanOut(t *testing.T) {
	mock := clock.NewMock()
	tr := memory.New(memory.Config{Clock: mock, Queues: []string{proxyQueue, adminQueue, "sub"}}, nil)
	defer tr.Close()
	pm, err := postman.New(tr, postman.Options{AdminQueue: adminQueue, ReachQueueTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, pm.Start(context.Background()))
	defer pm.Stop()

	p := newProxy(t, tr, ProxyOptions{Postman: pm})
	ctx := context.Background()
	require.NoError(t, newClient(t, tr, "sub").Subscribe(ctx, "x"))
	drained(t, tr)

	tr.SetUnreachable("sub", true)
	require.NoError(t, newClient(t, tr, "").Publish(ctx, "x", []byte("1"), nil))
	require.Eventually(t, func() bool { return len(tr.Snapshot(p.InProgressQueue())) == 1 }, 2*time.Second, 5*time.Millisecond)

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return len(tr.Snapshot(p.PoisonQueue())) == 1 }, 2*time.Second, 5*time.Millisecond)
	tr.SetUnreachable("sub", false)

	assert.Empty(t, tr.Snapshot(p.InProgressQueue()))
	assert.Empty(t, tr.Snapshot("sub"))
	assert.Equal(t, []byte("1"), tr.Snapshot(p.PoisonQueue())[0].Body)
	assert.Equal(t, []string{"x"}, p.Labels("sub"), "a timed out subscriber is not pruned")
}

func TestProxyRecoversInProgressFanOutAfterRestart(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{proxyQueue, adminQueue, "sub"}}, nil)
	defer tr.Close()
	pm, err := postman.New(tr, postman.Options{AdminQueue: adminQueue})
	require.NoError(t, err)
	require.NoError(t, pm.Start(context.Background()))
	defer pm.Stop()

	ctx := context.Background()
	p, err := NewProxy(tr, ProxyOptions{InputQueue: proxyQueue, Postman: pm})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	require.NoError(t, newClient(t, tr, "sub").Subscribe(ctx, "x"))
	drained(t, tr)

	tr.SetUnreachable("sub", true)
	require.NoError(t, newClient(t, tr, "").Publish(ctx, "x", []byte("1"), nil))
	require.Eventually(t, func() bool { return len(tr.Snapshot(p.InProgressQueue())) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop())
	require.Len(t, tr.Snapshot(p.InProgressQueue()), 1)

	tr.SetUnreachable("sub", false)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.Eventually(t, func() bool { return len(tr.Snapshot(p.InProgressQueue())) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, tr.Snapshot("sub"), 1, "recovery must not send again")
	assert.Empty(t, tr.Snapshot(p.PoisonQueue()))
}

func TestProxyQuarantinesInProgressMessagesWithUnknownOutcome(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{proxyQueue}}, nil)
	defer tr.Close()
	ctx := context.Background()

	in, err := tr.Open(proxyQueue, transport.ReceiveAccess, transport.ShareAll)
	require.NoError(t, err)
	defer in.Close()
	inProgress, err := tr.Open(transport.Subqueue(proxyQueue, DefaultInProgressSubqueue), transport.ReceiveAccess, transport.ShareAll)
	require.NoError(t, err)
	defer inProgress.Close()
	send, err := tr.Open(proxyQueue, transport.SendAccess, transport.ShareAll)
	require.NoError(t, err)
	defer send.Close()

	require.NoError(t, send.Write(ctx, &transport.Message{Label: "x", Body: []byte("left behind")}, transport.Single))
	tx, err := tr.Begin(ctx)
	require.NoError(t, err)
	msg, err := in.Lookup(ctx, transport.LookupFirst, 0, tx)
	require.NoError(t, err)
	require.NoError(t, in.Move(ctx, msg.LookupID, inProgress, tx))
	require.NoError(t, tx.Commit())

	p := newProxy(t, tr, ProxyOptions{})
	require.Eventually(t, func() bool { return len(tr.Snapshot(p.PoisonQueue())) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Snapshot(p.InProgressQueue()))
	assert.Equal(t, "proxy;poison", p.PoisonQueue())
}

func TestProxyAbortsOnCommitFailure(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{proxyQueue, "sub"}}, nil)
	defer tr.Close()
	p, err := NewProxy(tr, ProxyOptions{InputQueue: proxyQueue})
	require.NoError(t, err)
	ctx := context.Background()

	c := newClient(t, tr, "sub")
	require.NoError(t, c.Subscribe(ctx, "x"))
	require.NoError(t, c.Publish(ctx, "x", nil, nil))

	require.NoError(t, p.Start(ctx))
	defer p.Stop()
	require.Eventually(t, func() bool { return len(tr.Snapshot("sub")) == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.FailNextCommit(errors.New("io"))
	require.NoError(t, c.Publish(ctx, "x", nil, nil))
	drained(t, tr)
	assert.Len(t, tr.Snapshot("sub"), 2)
}

// failingTransport fails every write to one queue.
type failingTransport struct {
	*memory.Transport
	queue  string
	writes atomic.Int32
}

func (f *failingTransport) Open(name string, mode transport.AccessMode, share transport.ShareMode) (transport.Queue, error) {
	q, err := f.Transport.Open(name, mode, share)
	if err != nil || name != f.queue || mode != transport.SendAccess {
		return q, err
	}
	return &failingQueue{Queue: q, writes: &f.writes}, nil
}

type failingQueue struct {
	transport.Queue
	writes *atomic.Int32
}

func (q *failingQueue) Write(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	q.writes.Add(1)
	return errors.New("disk full")
}

func TestProxyQuarantinesMessagesNotForwardedToEverySubscriber(t *testing.T) {
	mem := memory.New(memory.Config{Queues: []string{proxyQueue, "good", "broken"}}, nil)
	defer mem.Close()
	tr := &failingTransport{Transport: mem, queue: "broken"}
	p, err := NewProxy(tr, ProxyOptions{
		InputQueue: proxyQueue,
		Breaker:    BreakerOptions{FailureThreshold: 2, ResetTimeout: time.Minute},
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.NoError(t, newClient(t, tr, "good").Subscribe(ctx, "x"))
	require.NoError(t, newClient(t, tr, "broken").Subscribe(ctx, "x"))
	publisher := newClient(t, tr, "")
	for i := range 3 {
		require.NoError(t, publisher.Publish(ctx, "x", []byte(strconv.Itoa(i)), nil))
	}

	require.Eventually(t, func() bool { return len(mem.Snapshot(p.PoisonQueue())) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, mem.Snapshot("good"), 3)
	assert.Empty(t, mem.Snapshot("broken"))
	assert.Empty(t, mem.Snapshot(proxyQueue))
	assert.Equal(t, int32(2), tr.writes.Load(), "the open breaker skips the third write")
	assert.Equal(t, gobreaker.StateOpen, p.breaker("broken").State())
	assert.Equal(t, gobreaker.StateClosed, p.breaker("good").State())
}

func TestProxyLifecycleAndValidation(t *testing.T) {
	tr := memory.New(memory.Config{}, nil)
	defer tr.Close()

	_, err := NewProxy(nil, ProxyOptions{InputQueue: proxyQueue})
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)
	_, err = NewProxy(tr, ProxyOptions{})
	assert.ErrorIs(t, err, errspkg.ErrInputQueueRequired)

	p, err := NewProxy(tr, ProxyOptions{InputQueue: proxyQueue})
	require.NoError(t, err)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), errspkg.ErrAlreadyStarted)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}

func TestClient(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{proxyQueue}}, nil)
	defer tr.Close()
	ctx := context.Background()

	_, err := NewClient(nil, proxyQueue, "sub")
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)
	_, err = NewClient(tr, proxyQueue, "a,")
	assert.ErrorIs(t, err, transport.ErrInvalidFormatName)

	publisher := newClient(t, tr, "")
	assert.ErrorIs(t, publisher.Subscribe(ctx, "x"), errspkg.ErrDestinationRequired)
	assert.ErrorIs(t, publisher.PublishMessage(ctx, nil), errspkg.ErrMessageRequired)

	c := newClient(t, tr, "sub")
	require.NoError(t, c.Subscribe(ctx, "a.*"))
	control := tr.Snapshot(proxyQueue)[0]
	assert.Equal(t, int(ActionSubscribe), control.AppSpecific)
	assert.Equal(t, "sub", control.ResponseQueue)
	assert.Equal(t, "a.*", string(control.Body))

	tx, err := tr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, c.PublishMessage(transport.WithTransaction(ctx, tx), &transport.Message{Label: "a.b", AppSpecific: 7}))
	assert.Len(t, tr.Snapshot(proxyQueue), 1)
	require.NoError(t, tx.Commit())
	published := tr.Snapshot(proxyQueue)
	require.Len(t, published, 2)
	assert.Equal(t, int(ActionPublish), published[1].AppSpecific)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "subscribe", ActionSubscribe.String())
	assert.Equal(t, "action(9)", Action(9).String())
}
