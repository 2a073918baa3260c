package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/handles"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/postman"
	"github.com/drblury/queueflow/internal/runtime/tracking"
	"github.com/drblury/queueflow/internal/runtime/txlimit"
	"github.com/drblury/queueflow/transport"
)

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	// Postman makes Publish block until every message reached its queue.
	// Publishing inside an ambient transaction never waits, since the
	// messages are only sent when that transaction commits.
	Postman *postman.Postman
	Handles *handles.Cache
	Limiter *txlimit.Limiter
	Logger  logging.ServiceLogger
}

// Publisher writes Watermill messages to the queue named by the topic.
type Publisher struct {
	tr          transport.Transport
	opts        PublisherOptions
	logger      logging.ServiceLogger
	handles     *handles.Cache
	ownsHandles bool

	mu     sync.Mutex
	closed bool
}

var _ message.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher on tr.
func NewPublisher(tr transport.Transport, opts PublisherOptions) (*Publisher, error) {
	if tr == nil {
		return nil, errspkg.ErrTransportRequired
	}
	p := &Publisher{
		tr:      tr,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).With(logging.LogFields{"component": "bridge_publisher"}),
		handles: opts.Handles,
	}
	if p.handles == nil {
		p.handles = handles.New(tr, handles.Options{Logger: opts.Logger})
		p.ownsHandles = true
	}
	return p, nil
}

// Publish writes msgs to topic in one transaction. The context of the first
// message governs the write; an ambient transaction found there is joined
// instead of starting a new one.
func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if topic == "" {
		return errspkg.ErrDestinationRequired
	}
	if len(msgs) == 0 {
		return nil
	}

	ctx := msgs[0].Context()
	if _, ok := transport.AmbientTransaction(ctx); ok {
		return p.handles.Use(topic, transport.SendAccess, func(q transport.Queue) error {
			for _, msg := range msgs {
				if err := q.Write(ctx, ToTransport(msg), transport.Ambient); err != nil {
					return err
				}
			}
			return nil
		})
	}

	tx, err := p.begin(ctx)
	if err != nil {
		return err
	}
	var keys []tracking.Key
	err = p.handles.Use(topic, transport.SendAccess, func(q transport.Queue) error {
		for _, msg := range msgs {
			out := ToTransport(msg)
			if p.opts.Postman == nil {
				if err := q.Write(ctx, out, tx); err != nil {
					return err
				}
				continue
			}
			key, err := p.opts.Postman.RequestDelivery(ctx, out, q, tx)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		_ = tx.Abort()
		p.forget(keys)
		return err
	}
	if err := tx.Commit(); err != nil {
		p.forget(keys)
		return err
	}

	var errs []error
	for _, key := range keys {
		if err := p.opts.Postman.WaitForDelivery(ctx, key); err != nil {
			p.logger.Error("Published message was not delivered", err, logging.LogFields{
				"topic":      topic,
				"message_id": key.MessageID,
			})
			errs = append(errs, err)
		}
		p.opts.Postman.Forget(key)
	}
	return errors.Join(errs...)
}

func (p *Publisher) begin(ctx context.Context) (transport.Transaction, error) {
	if p.opts.Limiter != nil {
		return p.opts.Limiter.Begin(ctx, p.tr)
	}
	return p.tr.Begin(ctx)
}

func (p *Publisher) forget(keys []tracking.Key) {
	for _, key := range keys {
		p.opts.Postman.Forget(key)
	}
}

// Close stops accepting messages. A handle cache the publisher created
// itself is closed too.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ownsHandles {
		return p.handles.Close()
	}
	return nil
}
