// Package pubsub delivers queue messages to label subscribers. A Dispatcher
// invokes in-process callbacks; a Proxy fans messages out to subscriber
// queues that registered themselves through control messages.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/queueflow/internal/runtime/body"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/metrics"
	"github.com/drblury/queueflow/internal/runtime/trie"
	"github.com/drblury/queueflow/transport"
)

// DefaultErrorBackoff spaces out retries after failed queue reads.
const DefaultErrorBackoff = 100 * time.Millisecond

// Callback handles a message delivered to a local subscription.
type Callback func(ctx context.Context, msg *transport.Message) error

type subscriber struct {
	id       string
	label    string
	callback Callback
}

// Subscription is a local subscription. Close removes it.
type Subscription struct {
	handle *trie.Handle[*subscriber]
}

// ID returns the unique subscription id.
func (s *Subscription) ID() string { return s.handle.Subscriber().id }

// Label returns the subscribed label pattern.
func (s *Subscription) Label() string { return s.handle.Label() }

// Close unsubscribes. Later calls do nothing.
func (s *Subscription) Close() error { return s.handle.Close() }

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Queue is read by Start. A dispatcher fed through Dispatch only needs none.
	Queue        string
	Trie         trie.Options
	ErrorBackoff time.Duration
	Logger       logging.ServiceLogger
	Metrics      *metrics.Collector
}

// Dispatcher invokes local callbacks for the messages of a queue. Callbacks
// run on the dispatch goroutine in subscription order; an error or panic in
// one is logged and does not stop the others.
type Dispatcher struct {
	tr      transport.Transport
	opts    DispatcherOptions
	subs    *trie.Trie[*subscriber]
	logger  logging.ServiceLogger
	metrics *metrics.Collector

	mu     sync.Mutex
	q      transport.Queue
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(tr transport.Transport, opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Queue != "" {
		if tr == nil {
			return nil, errspkg.ErrTransportRequired
		}
		if err := transport.ValidateFormatName(opts.Queue); err != nil {
			return nil, err
		}
	}
	subs, err := trie.New[*subscriber](opts.Trie)
	if err != nil {
		return nil, err
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	logger := logging.OrNop(opts.Logger)

	return &Dispatcher{
		tr:      tr,
		opts:    opts,
		subs:    subs,
		logger:  logger.With(logging.LogFields{"component": "dispatcher", "queue": opts.Queue}),
		metrics: opts.Metrics,
	}, nil
}

// Subscribe registers cb for messages whose label matches label.
func (d *Dispatcher) Subscribe(label string, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, errspkg.ErrCallbackRequired
	}
	h, err := d.subs.Subscribe(label, &subscriber{id: ids.CreateUUID(), label: label, callback: cb})
	if err != nil {
		return nil, err
	}
	return &Subscription{handle: h}, nil
}

// Subscriptions returns the number of active subscriptions.
func (d *Dispatcher) Subscriptions() int { return d.subs.Len() }

// SubscribeJSON registers fn for JSON bodies decoded into T, which must be a
// pointer type. Messages that fail to decode count as callback failures.
func SubscribeJSON[T any](d *Dispatcher, label string, fn func(ctx context.Context, v T, msg *transport.Message) error) (*Subscription, error) {
	if fn == nil {
		return nil, errspkg.ErrCallbackRequired
	}
	return d.Subscribe(label, func(ctx context.Context, msg *transport.Message) error {
		v, err := body.DecodeJSON[T](msg)
		if err != nil {
			return err
		}
		return fn(ctx, v, msg)
	})
}

// SubscribeProto registers fn for protobuf bodies decoded into T.
func SubscribeProto[T proto.Message](d *Dispatcher, label string, fn func(ctx context.Context, v T, msg *transport.Message) error) (*Subscription, error) {
	if fn == nil {
		return nil, errspkg.ErrCallbackRequired
	}
	if _, err := body.EnsureProtoPrototype(*new(T)); err != nil {
		return nil, err
	}
	return d.Subscribe(label, func(ctx context.Context, msg *transport.Message) error {
		v, err := body.DecodeProto[T](msg)
		if err != nil {
			return err
		}
		return fn(ctx, v, msg)
	})
}

// Dispatch invokes every callback whose subscription matches msg.Label and
// returns how many of them succeeded. The trie lock is not held while
// callbacks run.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *transport.Message) int {
	matched := d.subs.Match(msg.Label)
	if len(matched) == 0 {
		d.metrics.RecordDispatch(metrics.DispatchUnmatched)
		d.logger.Trace("No subscriber for label", logging.LogFields{"label": msg.Label, "message_id": msg.ID})
		return 0
	}

	ok := 0
	for _, sub := range matched {
		outcome, err := d.invoke(ctx, sub, msg)
		d.metrics.RecordDispatch(outcome)
		if err != nil {
			d.logger.Error("Subscriber failed", err, logging.LogFields{
				"label":           msg.Label,
				"message_id":      msg.ID,
				"subscription_id": sub.id,
				"subscription":    sub.label,
			})
			continue
		}
		ok++
	}
	return ok
}

func (d *Dispatcher) invoke(ctx context.Context, sub *subscriber, msg *transport.Message) (outcome string, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome, err = metrics.DispatchPanic, fmt.Errorf("subscriber panicked: %v", p)
		}
	}()
	if err := sub.callback(ctx, msg.Clone()); err != nil {
		return metrics.DispatchError, err
	}
	return metrics.DispatchOK, nil
}

// Start opens the queue and dispatches its messages until Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.Queue == "" {
		return errspkg.ErrInputQueueRequired
	}
	if d.done != nil {
		return errspkg.ErrAlreadyStarted
	}

	q, err := d.tr.Open(d.opts.Queue, transport.ReceiveAccess, transport.ShareAll)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.q, d.cancel, d.done = q, cancel, make(chan struct{})

	go d.run(ctx, q, d.done)
	d.logger.Info("Dispatcher started", nil)
	return nil
}

// Stop closes the queue handle and waits for the dispatch goroutine.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.done == nil {
		d.mu.Unlock()
		return nil
	}
	q, cancel, done := d.q, d.cancel, d.done
	d.done = nil
	d.mu.Unlock()

	err := q.Close()
	cancel()
	<-done
	d.logger.Info("Dispatcher stopped", nil)
	return err
}

func (d *Dispatcher) run(ctx context.Context, q transport.Queue, done chan struct{}) {
	defer close(done)
	backoff := rate.NewLimiter(rate.Every(d.opts.ErrorBackoff), 1)

	for {
		msg, err := transport.ReadWait(ctx, q, transport.Infinite, transport.Single)
		if err != nil {
			if transport.IsCanceled(err) || ctx.Err() != nil {
				return
			}
			d.logger.Error("Failed to read message", err, nil)
			if err := backoff.Wait(ctx); err != nil {
				return
			}
			continue
		}
		d.Dispatch(ctx, msg)
	}
}
