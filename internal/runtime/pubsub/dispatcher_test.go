package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/queueflow/internal/runtime/body"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/metrics"
	"github.com/drblury/queueflow/internal/runtime/trie"
	"github.com/drblury/queueflow/transport"
	"github.com/drblury/queueflow/transport/memory"
)

func dispatchCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "queueflow_pubsub_callbacks_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

type calls struct {
	mu   sync.Mutex
	list []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, name)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.list...)
}

func TestDispatchIsolatesFaultyCallbacks(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	require.NoError(t, collector.Register())
	d, err := NewDispatcher(nil, DispatcherOptions{Metrics: collector})
	require.NoError(t, err)

	c := &calls{}
	_, err = d.Subscribe("orders.*", func(context.Context, *transport.Message) error {
		c.add("failing")
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = d.Subscribe("orders.created", func(context.Context, *transport.Message) error {
		c.add("panicking")
		panic("subscriber bug")
	})
	require.NoError(t, err)
	_, err = d.Subscribe("orders.**", func(_ context.Context, msg *transport.Message) error {
		c.add("healthy:" + msg.Label)
		return nil
	})
	require.NoError(t, err)

	ok := d.Dispatch(context.Background(), &transport.Message{Label: "orders.created"})
	assert.Equal(t, 1, ok)
	assert.ElementsMatch(t, []string{"failing", "panicking", "healthy:orders.created"}, c.get())

	assert.Equal(t, 1.0, dispatchCount(t, reg, metrics.DispatchOK))
	assert.Equal(t, 1.0, dispatchCount(t, reg, metrics.DispatchError))
	assert.Equal(t, 1.0, dispatchCount(t, reg, metrics.DispatchPanic))

	assert.Zero(t, d.Dispatch(context.Background(), &transport.Message{Label: "billing.paid"}))
	assert.Equal(t, 1.0, dispatchCount(t, reg, metrics.DispatchUnmatched))
}

func TestDispatchOrderAndUnsubscribe(t *testing.T) {
	d, err := NewDispatcher(nil, DispatcherOptions{})
	require.NoError(t, err)

	c := &calls{}
	first, err := d.Subscribe("a.b", func(context.Context, *transport.Message) error { c.add("first"); return nil })
	require.NoError(t, err)
	_, err = d.Subscribe("a.b", func(context.Context, *transport.Message) error { c.add("second"); return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, d.Subscriptions())
	assert.NotEmpty(t, first.ID())
	assert.Equal(t, "a.b", first.Label())

	d.Dispatch(context.Background(), &transport.Message{Label: "a.b"})
	assert.Equal(t, []string{"first", "second"}, c.get())

	require.NoError(t, first.Close())
	d.Dispatch(context.Background(), &transport.Message{Label: "a.b"})
	assert.Equal(t, []string{"first", "second", "second"}, c.get())
	assert.Equal(t, 1, d.Subscriptions())
}

func TestDispatcherCallbacksGetCopies(t *testing.T) {
	d, err := NewDispatcher(nil, DispatcherOptions{})
	require.NoError(t, err)
	_, err = d.Subscribe("x", func(_ context.Context, msg *transport.Message) error {
		msg.Body[0] = 'z'
		return nil
	})
	require.NoError(t, err)

	msg := &transport.Message{Label: "x", Body: []byte("abc")}
	d.Dispatch(context.Background(), msg)
	assert.Equal(t, "abc", string(msg.Body))
}

func TestSubscribeValidation(t *testing.T) {
	d, err := NewDispatcher(nil, DispatcherOptions{})
	require.NoError(t, err)

	_, err = d.Subscribe("a.b", nil)
	assert.ErrorIs(t, err, errspkg.ErrCallbackRequired)
	_, err = d.Subscribe("a.*.b", func(context.Context, *transport.Message) error { return nil })
	assert.ErrorIs(t, err, trie.ErrWildcardPosition)

	_, err = NewDispatcher(nil, DispatcherOptions{Queue: "events"})
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)
	assert.ErrorIs(t, d.Start(context.Background()), errspkg.ErrInputQueueRequired)
}

type userCreated struct {
	Name string `json:"name"`
}

func TestTypedSubscriptions(t *testing.T) {
	d, err := NewDispatcher(nil, DispatcherOptions{})
	require.NoError(t, err)

	var gotJSON *userCreated
	_, err = SubscribeJSON(d, "users.created", func(_ context.Context, v *userCreated, _ *transport.Message) error {
		gotJSON = v
		return nil
	})
	require.NoError(t, err)

	var gotProto string
	_, err = SubscribeProto(d, "greetings.*", func(_ context.Context, v *wrapperspb.StringValue, _ *transport.Message) error {
		gotProto = v.GetValue()
		return nil
	})
	require.NoError(t, err)

	jsonMsg, err := body.NewJSONMessage("users.created", userCreated{Name: "ada"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Dispatch(context.Background(), jsonMsg))
	require.NotNil(t, gotJSON)
	assert.Equal(t, "ada", gotJSON.Name)

	protoMsg, err := body.NewProtoMessage("greetings.en", wrapperspb.String("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Dispatch(context.Background(), protoMsg))
	assert.Equal(t, "hello", gotProto)

	// A body that does not decode fails only that subscriber.
	assert.Zero(t, d.Dispatch(context.Background(), &transport.Message{Label: "users.created", Body: []byte("{")}))

	_, err = SubscribeJSON[*userCreated](d, "x", nil)
	assert.ErrorIs(t, err, errspkg.ErrCallbackRequired)
}

func TestDispatcherServesQueue(t *testing.T) {
	tr := memory.New(memory.Config{Queues: []string{"events"}}, nil)
	defer tr.Close()
	d, err := NewDispatcher(tr, DispatcherOptions{Queue: "events"})
	require.NoError(t, err)

	c := &calls{}
	_, err = d.Subscribe("events.**", func(_ context.Context, msg *transport.Message) error {
		c.add(msg.Label)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), errspkg.ErrAlreadyStarted)

	out, err := tr.Open("events", transport.SendAccess, transport.ShareAll)
	require.NoError(t, err)
	for _, label := range []string{"events.a", "other", "events.b.c"} {
		require.NoError(t, out.Write(context.Background(), &transport.Message{Label: label}, nil))
	}

	require.Eventually(t, func() bool { return len(c.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"events.a", "events.b.c"}, c.get())
	require.Eventually(t, func() bool { return len(tr.Snapshot("events")) == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}
