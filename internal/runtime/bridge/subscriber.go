package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/time/rate"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/txlimit"
	"github.com/drblury/queueflow/transport"
)

const (
	// DefaultNackBackoff delays the redelivery of a nacked message.
	DefaultNackBackoff = 500 * time.Millisecond
	// DefaultErrorBackoff spaces out retries after failed queue reads.
	DefaultErrorBackoff = 100 * time.Millisecond
)

var errNacked = errors.New("bridge: message nacked")

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	Limiter      *txlimit.Limiter
	NackBackoff  time.Duration
	ErrorBackoff time.Duration
	Logger       logging.ServiceLogger
}

func (o SubscriberOptions) withDefaults() SubscriberOptions {
	if o.NackBackoff <= 0 {
		o.NackBackoff = DefaultNackBackoff
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	return o
}

// Subscriber streams the messages of a queue as Watermill messages. Each
// message is received inside a transaction that commits on Ack and aborts on
// Nack, returning the message to the queue. The message context carries that
// transaction as the ambient one, so handlers can send follow-up messages
// that commit atomically with the receive.
type Subscriber struct {
	tr     transport.Transport
	opts   SubscriberOptions
	logger logging.ServiceLogger

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
	queues  []transport.Queue
	wg      sync.WaitGroup
}

var _ message.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a subscriber on tr.
func NewSubscriber(tr transport.Transport, opts SubscriberOptions) (*Subscriber, error) {
	if tr == nil {
		return nil, errspkg.ErrTransportRequired
	}
	opts = opts.withDefaults()
	return &Subscriber{
		tr:     tr,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).With(logging.LogFields{"component": "bridge_subscriber"}),
	}, nil
}

// Subscribe starts consuming the queue named by topic. The channel closes
// when ctx is done or the subscriber is closed. Messages are handed out one
// at a time; the next one follows only after the previous was acked or
// nacked.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if topic == "" {
		return nil, errspkg.ErrInputQueueRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}

	q, err := s.tr.Open(topic, transport.ReceiveAccess, transport.ShareAll)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancels = append(s.cancels, cancel)
	s.queues = append(s.queues, q)

	out := make(chan *message.Message)
	s.wg.Add(1)
	go s.consume(ctx, topic, q, out)
	s.logger.Debug("Subscribed", logging.LogFields{"topic": topic})
	return out, nil
}

func (s *Subscriber) consume(ctx context.Context, topic string, q transport.Queue, out chan *message.Message) {
	defer s.wg.Done()
	defer close(out)
	fields := logging.LogFields{"topic": topic}
	errBackoff := rate.NewLimiter(rate.Every(s.opts.ErrorBackoff), 1)
	nackBackoff := rate.NewLimiter(rate.Every(s.opts.NackBackoff), 1)

	for {
		if _, err := transport.PeekWait(ctx, q, transport.Infinite, transport.Single); err != nil {
			if transport.IsCanceled(err) || ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to wait for a message", err, fields)
			if errBackoff.Wait(ctx) != nil {
				return
			}
			continue
		}

		err := s.deliver(ctx, q, out)
		switch {
		case err == nil:
		case errors.Is(err, errNacked):
			if nackBackoff.Wait(ctx) != nil {
				return
			}
		case transport.IsCanceled(err) || ctx.Err() != nil:
			return
		default:
			s.logger.Error("Failed to deliver message", err, fields)
			if errBackoff.Wait(ctx) != nil {
				return
			}
		}
	}
}

// deliver receives one message in a transaction and settles that transaction
// according to the consumer's answer.
func (s *Subscriber) deliver(ctx context.Context, q transport.Queue, out chan<- *message.Message) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	msg, err := q.Read(ctx, 0, tx)
	if err != nil {
		_ = tx.Abort()
		if transport.IsTimeout(err) {
			// another receiver got there first
			return nil
		}
		return err
	}

	wm := FromTransport(msg)
	wm.SetContext(transport.WithTransaction(ctx, tx))

	select {
	case out <- wm:
	case <-ctx.Done():
		_ = tx.Abort()
		return ctx.Err()
	}

	select {
	case <-wm.Acked():
		return tx.Commit()
	case <-wm.Nacked():
		if err := tx.Abort(); err != nil {
			return err
		}
		return errNacked
	case <-ctx.Done():
		_ = tx.Abort()
		return ctx.Err()
	}
}

func (s *Subscriber) begin(ctx context.Context) (transport.Transaction, error) {
	if s.opts.Limiter != nil {
		return s.opts.Limiter.Begin(ctx, s.tr)
	}
	return s.tr.Begin(ctx)
}

// Close stops every subscription and waits for the consumers to exit.
// Messages handed out but not yet acked are returned to their queues.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels, queues := s.cancels, s.queues
	s.cancels, s.queues = nil, nil
	s.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
