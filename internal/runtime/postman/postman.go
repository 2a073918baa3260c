// Package postman sends messages with acknowledgment tracking and resolves
// the tracking promises from the acknowledgments the transport posts to an
// administration queue.
package postman

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/metrics"
	"github.com/drblury/queueflow/internal/runtime/tracking"
	"github.com/drblury/queueflow/transport"
)

const (
	// DefaultReachQueueTimeout is stamped on messages that carry no
	// TimeToReachQueue of their own.
	DefaultReachQueueTimeout = 30 * time.Second
	// DefaultErrorBackoff spaces out retries after failed admin-queue reads.
	DefaultErrorBackoff = 100 * time.Millisecond
)

// Options configures a Postman.
type Options struct {
	// AdminQueue is the format name acknowledgments are posted to and read from.
	AdminQueue string
	// TrackingTTL bounds how long a tracking promise lives. Defaults to tracking.DefaultTTL.
	TrackingTTL time.Duration
	// MaxTracked bounds the number of tracked deliveries; 0 means unbounded.
	MaxTracked int
	// ReachQueueTimeout defaults to DefaultReachQueueTimeout.
	ReachQueueTimeout time.Duration
	// ReceiveTimeout is stamped as TimeToBeReceived by RequestReceipt. Zero
	// leaves messages without a receive deadline.
	ReceiveTimeout time.Duration
	// ErrorBackoff defaults to DefaultErrorBackoff.
	ErrorBackoff time.Duration
	Logger       logging.ServiceLogger
	Metrics      *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.TrackingTTL <= 0 {
		o.TrackingTTL = tracking.DefaultTTL
	}
	if o.ReachQueueTimeout <= 0 {
		o.ReachQueueTimeout = DefaultReachQueueTimeout
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Postman is the delivery acknowledgment tracker.
type Postman struct {
	tr       transport.Transport
	opts     Options
	logger   logging.ServiceLogger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	delivery *tracking.Cache
	receipt  *tracking.Cache

	mu      sync.Mutex
	admin   transport.Queue
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a postman listening on opts.AdminQueue once started.
func New(tr transport.Transport, opts Options) (*Postman, error) {
	if tr == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if opts.AdminQueue == "" {
		return nil, errspkg.ErrAdminQueueRequired
	}
	if err := transport.ValidateFormatName(opts.AdminQueue); err != nil {
		return nil, err
	}
	// Acknowledgments are written to the administration queue, so it must be
	// one plain queue.
	if _, sub := transport.SplitSubqueue(opts.AdminQueue); sub != "" || transport.IsMulticast(opts.AdminQueue) {
		return nil, transport.NewError("open", opts.AdminQueue, transport.ErrInvalidFormatName)
	}
	opts = opts.withDefaults()
	cacheOpts := tracking.CacheOptions{TTL: opts.TrackingTTL, MaxEntries: opts.MaxTracked}

	return &Postman{
		tr:       tr,
		opts:     opts,
		logger:   opts.Logger.With(logging.LogFields{"component": "postman", "admin_queue": opts.AdminQueue}),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("queueflow/postman"),
		delivery: tracking.NewCache(cacheOpts),
		receipt:  tracking.NewCache(cacheOpts),
	}, nil
}

// AdminQueue returns the administration queue format name.
func (p *Postman) AdminQueue() string { return p.opts.AdminQueue }

// RequestDelivery writes msg to dest asking for full reach-queue
// acknowledgments. The acknowledgment only exists once tx commits.
func (p *Postman) RequestDelivery(ctx context.Context, msg *transport.Message, dest transport.Queue, tx transport.Transaction) (tracking.Key, error) {
	return p.send(ctx, msg, dest, tx, transport.AckTypeFullReachQueue)
}

// RequestReceipt is RequestDelivery that additionally asks for full receive
// acknowledgments, for use with WaitToBeReceived.
func (p *Postman) RequestReceipt(ctx context.Context, msg *transport.Message, dest transport.Queue, tx transport.Transaction) (tracking.Key, error) {
	if msg != nil && msg.TimeToBeReceived == 0 && p.opts.ReceiveTimeout > 0 {
		msg.TimeToBeReceived = p.opts.ReceiveTimeout
	}
	return p.send(ctx, msg, dest, tx, transport.AckTypeFullReachQueue|transport.AckTypeFullReceive)
}

func (p *Postman) send(ctx context.Context, msg *transport.Message, dest transport.Queue, tx transport.Transaction, types transport.AckTypes) (tracking.Key, error) {
	if msg == nil {
		return tracking.Key{}, errspkg.ErrMessageRequired
	}
	if dest == nil {
		return tracking.Key{}, errspkg.ErrDestinationRequired
	}

	msg.AcknowledgeTypes |= types
	msg.AdministrationQueue = p.opts.AdminQueue
	if msg.TimeToReachQueue == 0 {
		msg.TimeToReachQueue = p.opts.ReachQueueTimeout
	}
	if err := dest.Write(ctx, msg, tx); err != nil {
		return tracking.Key{}, err
	}
	return tracking.Key{Destination: dest.FormatName(), MessageID: msg.ID, LookupID: msg.LookupID}, nil
}

// WaitForDelivery waits until the message of key reached every destination.
// A reach timeout fails with an AckError matching ErrAckTimeout; other
// negative acknowledgments match ErrNegativeAck.
func (p *Postman) WaitForDelivery(ctx context.Context, key tracking.Key) error {
	return p.wait(ctx, "postman.WaitForDelivery", p.delivery, key)
}

// WaitToBeReceived waits until the message of key was received at every
// destination. The message must have been sent with RequestReceipt.
func (p *Postman) WaitToBeReceived(ctx context.Context, key tracking.Key) error {
	return p.wait(ctx, "postman.WaitToBeReceived", p.receipt, key)
}

// DeliverAndWait sends msg to dest in its own transaction and waits for the
// reach-queue acknowledgment.
func (p *Postman) DeliverAndWait(ctx context.Context, msg *transport.Message, dest transport.Queue) (tracking.Key, error) {
	key, err := p.RequestDelivery(ctx, msg, dest, transport.Single)
	if err != nil {
		return key, err
	}
	return key, p.WaitForDelivery(ctx, key)
}

// Forget drops the tracking entries of key once the caller is done with it.
func (p *Postman) Forget(key tracking.Key) {
	for _, k := range key.Split() {
		p.delivery.Forget(k)
		p.receipt.Forget(k)
	}
	p.reportPending()
}

// Pending returns the number of tracking entries held.
func (p *Postman) Pending() int {
	return p.delivery.Len() + p.receipt.Len()
}

func (p *Postman) reportPending() {
	p.metrics.SetPendingTracking(p.Pending())
}

func (p *Postman) wait(ctx context.Context, spanName string, cache *tracking.Cache, key tracking.Key) error {
	ctx, span := p.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", key.MessageID),
		attribute.String("message.destination", key.Destination),
	)

	start := time.Now()
	keys := key.Split()
	var err error
	if len(keys) == 1 {
		err = p.waitOne(ctx, cache, keys[0])
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for _, k := range keys {
			g.Go(func() error { return p.waitOne(gctx, cache, k) })
		}
		err = g.Wait()
	}

	p.metrics.ObserveAckWait(waitOutcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Postman) waitOne(ctx context.Context, cache *tracking.Cache, key tracking.Key) error {
	_, err := cache.GetOrCreate(key).Wait(ctx)
	return err
}

func waitOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errspkg.ErrAckTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

// Start opens the administration queue and starts the listener.
func (p *Postman) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errspkg.ErrAlreadyStarted
	}

	admin, err := p.tr.Open(p.opts.AdminQueue, transport.ReceiveAccess, transport.ShareAll)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.admin = admin
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.listen(ctx, admin, p.done)
	p.logger.Info("Postman started", nil)
	return nil
}

// Stop closes the administration queue handle, which cancels the pending
// read, and waits for the listener to exit. Pending promises stay cached.
func (p *Postman) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	admin, cancel, done := p.admin, p.cancel, p.done
	p.mu.Unlock()

	err := admin.Close()
	cancel()
	<-done
	p.logger.Info("Postman stopped", nil)
	return err
}

func (p *Postman) listen(ctx context.Context, admin transport.Queue, done chan struct{}) {
	defer close(done)
	backoff := rate.NewLimiter(rate.Every(p.opts.ErrorBackoff), 1)

	for {
		msg, err := transport.ReadWait(ctx, admin, transport.Infinite, transport.Single)
		if err != nil {
			if transport.IsCanceled(err) || ctx.Err() != nil {
				return
			}
			p.logger.Error("Failed to read acknowledgment", err, nil)
			if err := backoff.Wait(ctx); err != nil {
				return
			}
			continue
		}
		p.handleAck(msg)
	}
}

// handleAck settles the promises an acknowledgment refers to. Settling only
// closes a channel, so waiters never run on the listener.
func (p *Postman) handleAck(msg *transport.Message) {
	class := msg.Acknowledgment
	fields := logging.LogFields{
		"message_id":  msg.CorrelationID,
		"destination": msg.DestinationQueue,
		"class":       class.String(),
	}
	if class == transport.AckNone {
		p.logger.Debug("Ignoring non-acknowledgment message on admin queue", logging.LogFields{"message_id": msg.ID})
		return
	}
	p.metrics.RecordAck(class)
	if msg.DestinationQueue == "" || msg.CorrelationID == "" {
		p.logger.Info("Ignoring acknowledgment without destination or message id", fields)
		return
	}

	key := tracking.Key{Destination: msg.DestinationQueue, MessageID: msg.CorrelationID}
	switch {
	case class == transport.AckReachQueue:
		p.delivery.Resolve(key, class)
	case class == transport.AckReceive:
		p.receipt.Resolve(key, class)
	case class.IsNegative() && class.IsReceiveFamily():
		p.receipt.Fail(key, errspkg.NewAckError(class, msg.DestinationQueue, msg.CorrelationID))
	case class.IsNegative():
		ackErr := errspkg.NewAckError(class, msg.DestinationQueue, msg.CorrelationID)
		p.delivery.Fail(key, ackErr)
		p.receipt.Fail(key, ackErr)
	default:
		p.logger.Debug("Ignoring unknown acknowledgment class", fields)
		return
	}
	p.logger.Trace("Acknowledgment settled", fields)
	p.reportPending()
}
