// Package router moves messages from an input queue to the destinations a
// routing function picks, in bounded transactional batches. Every message is
// parked in an in-progress subqueue until its delivery is acknowledged, so a
// router that stops or crashes mid-batch picks up where it left off.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/handles"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/metadata"
	"github.com/drblury/queueflow/internal/runtime/metrics"
	"github.com/drblury/queueflow/internal/runtime/postman"
	"github.com/drblury/queueflow/internal/runtime/tracking"
	"github.com/drblury/queueflow/internal/runtime/txlimit"
	"github.com/drblury/queueflow/transport"
)

const (
	DefaultMaxBatchSize       = 250
	DefaultInProgressSubqueue = "inprogress"
	DefaultPoisonSubqueue     = "poison"
	DefaultErrorBackoff       = 100 * time.Millisecond
)

// RouteFunc returns the destination format name for msg. It must be
// deterministic: recovery calls it again for messages routed before a crash.
type RouteFunc func(msg *transport.Message) (string, error)

// BadMessageHandler takes a message that could not be routed out of source.
// It runs inside the batch transaction tx.
type BadMessageHandler func(ctx context.Context, source transport.Queue, lookupID int64, tx transport.Transaction) error

// State is the lifecycle state of a Router.
type State int32

const (
	Stopped State = iota
	Recovering
	Running
)

func (s State) String() string {
	switch s {
	case Recovering:
		return "recovering"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// Options configures a Router.
type Options struct {
	InputQueue         string
	MaxBatchSize       int
	InProgressSubqueue string
	PoisonSubqueue     string
	// BadMessageHandler defaults to Router.MoveToPoison.
	BadMessageHandler BadMessageHandler
	// Limiter bounds open transactions across components sharing it.
	Limiter *txlimit.Limiter
	// Handles caches destination handles. A router without one creates its
	// own and closes it on Stop.
	Handles      *handles.Cache
	Hooks        Hooks
	ErrorBackoff time.Duration
	Logger       logging.ServiceLogger
	Metrics      *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.InProgressSubqueue == "" {
		o.InProgressSubqueue = DefaultInProgressSubqueue
	}
	if o.PoisonSubqueue == "" {
		o.PoisonSubqueue = DefaultPoisonSubqueue
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Router is the transactional batch router.
type Router struct {
	tr      transport.Transport
	postman *postman.Postman
	route   RouteFunc
	opts    Options
	onBad   BadMessageHandler
	logger  logging.ServiceLogger
	metrics *metrics.Collector
	tracer  trace.Tracer
	state   atomic.Int32

	mu          sync.Mutex
	input       transport.Queue
	inProgress  transport.Queue
	poison      transport.Queue
	handles     *handles.Cache
	ownsHandles bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// batchItem is one message moved to the in-progress subqueue and sent.
type batchItem struct {
	lookupID int64
	key      tracking.Key
}

// New creates a stopped router.
func New(tr transport.Transport, pm *postman.Postman, route RouteFunc, opts Options) (*Router, error) {
	switch {
	case tr == nil:
		return nil, errspkg.ErrTransportRequired
	case pm == nil:
		return nil, errspkg.ErrPostmanRequired
	case route == nil:
		return nil, errspkg.ErrRouteFuncRequired
	case opts.InputQueue == "":
		return nil, errspkg.ErrInputQueueRequired
	}
	if err := transport.ValidateFormatName(opts.InputQueue); err != nil {
		return nil, err
	}
	if _, sub := transport.SplitSubqueue(opts.InputQueue); sub != "" {
		return nil, fmt.Errorf("%w: input queue %q must not be a subqueue", transport.ErrInvalidFormatName, opts.InputQueue)
	}
	opts = opts.withDefaults()

	r := &Router{
		tr:      tr,
		postman: pm,
		route:   route,
		opts:    opts,
		logger:  opts.Logger.With(logging.LogFields{"component": "router", "input_queue": opts.InputQueue}),
		metrics: opts.Metrics,
		tracer:  otel.Tracer("queueflow/router"),
	}
	r.onBad = opts.BadMessageHandler
	if r.onBad == nil {
		r.onBad = r.MoveToPoison
	}
	return r, nil
}

// State returns the current lifecycle state.
func (r *Router) State() State { return State(r.state.Load()) }

// InProgressQueue returns the format name of the in-progress subqueue.
func (r *Router) InProgressQueue() string {
	return transport.Subqueue(r.opts.InputQueue, r.opts.InProgressSubqueue)
}

// PoisonQueue returns the format name of the poison subqueue.
func (r *Router) PoisonQueue() string {
	return transport.Subqueue(r.opts.InputQueue, r.opts.PoisonSubqueue)
}

// MoveToPoison is the default BadMessageHandler.
func (r *Router) MoveToPoison(ctx context.Context, source transport.Queue, lookupID int64, tx transport.Transaction) error {
	return source.Move(ctx, lookupID, r.poison, tx)
}

// Start opens the router's queues, recovers messages left in the in-progress
// subqueue and then routes batches until Stop.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != Stopped {
		return errspkg.ErrAlreadyStarted
	}

	if err := r.open(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state.Store(int32(Recovering))

	go r.run(ctx, r.done)
	return nil
}

func (r *Router) open() error {
	queues := make([]transport.Queue, 0, 3)
	for _, name := range []string{r.opts.InputQueue, r.InProgressQueue(), r.PoisonQueue()} {
		q, err := r.tr.Open(name, transport.ReceiveAccess, transport.ShareAll)
		if err != nil {
			for _, opened := range queues {
				_ = opened.Close()
			}
			return err
		}
		queues = append(queues, q)
	}
	r.input, r.inProgress, r.poison = queues[0], queues[1], queues[2]

	r.handles = r.opts.Handles
	r.ownsHandles = r.handles == nil
	if r.ownsHandles {
		r.handles = handles.New(r.tr, handles.Options{Logger: r.logger, Metrics: r.metrics})
	}
	return nil
}

// Stop closes the router's queues, which cancels a pending peek, and waits
// until the routing goroutine has exited. Messages whose acknowledgment was
// still awaited stay in the in-progress subqueue for the next Start.
func (r *Router) Stop() error {
	r.mu.Lock()
	if r.State() == Stopped || r.done == nil {
		r.mu.Unlock()
		return nil
	}
	done := r.done
	r.done = nil
	r.mu.Unlock()

	var errs []error
	for _, q := range []transport.Queue{r.input, r.inProgress, r.poison} {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.cancel()
	<-done

	if r.ownsHandles {
		errs = append(errs, r.handles.Close())
	}
	r.state.Store(int32(Stopped))
	r.logger.Info("Router stopped", nil)
	return errors.Join(errs...)
}

func (r *Router) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := r.recoverInProgress(ctx); err != nil {
		if ctx.Err() == nil && !transport.IsCanceled(err) {
			r.logger.Error("Recovery failed", err, nil)
		}
		return
	}
	r.state.Store(int32(Running))
	r.logger.Info("Router running", logging.LogFields{"max_batch_size": r.opts.MaxBatchSize})

	backoff := rate.NewLimiter(rate.Every(r.opts.ErrorBackoff), 1)
	for {
		_, err := transport.PeekWait(ctx, r.input, transport.Infinite, transport.Single)
		if err == nil {
			err = r.routeBatch(ctx)
		}
		if err == nil {
			continue
		}
		if transport.IsCanceled(err) || ctx.Err() != nil {
			return
		}
		r.logger.Error("Batch failed", err, nil)
		if err := backoff.Wait(ctx); err != nil {
			return
		}
	}
}

func (r *Router) begin(ctx context.Context) (transport.Transaction, error) {
	if r.opts.Limiter != nil {
		return r.opts.Limiter.Begin(ctx, r.tr)
	}
	return r.tr.Begin(ctx)
}

// resolve runs the routing function, turning errors, panics and empty or
// malformed destinations into a RoutingError.
func (r *Router) resolve(msg *transport.Message) (dest string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &errspkg.RoutingError{LookupID: msg.LookupID, Err: fmt.Errorf("%w: %v", errspkg.ErrRoutingPanic, p)}
		}
	}()

	dest, err = r.route(msg)
	dest = strings.TrimSpace(dest)
	switch {
	case err != nil:
	case dest == "":
		err = errspkg.ErrNoDestination
	default:
		err = validateDestination(dest)
	}
	if err != nil {
		return "", &errspkg.RoutingError{LookupID: msg.LookupID, Destination: dest, Err: err}
	}
	return dest, nil
}

// validateDestination accepts main queues only; subqueues are reachable
// through Move alone.
func validateDestination(dest string) error {
	if err := transport.ValidateFormatName(dest); err != nil {
		return err
	}
	for _, d := range transport.SplitDestinations(dest) {
		if _, sub := transport.SplitSubqueue(d); sub != "" {
			return fmt.Errorf("%w: cannot send to subqueue %q", transport.ErrInvalidFormatName, d)
		}
	}
	return nil
}

// routeBatch moves up to MaxBatchSize messages into the in-progress subqueue
// and sends them in one transaction, then waits for their acknowledgments.
func (r *Router) routeBatch(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "router.RouteBatch")
	defer span.End()
	span.SetAttributes(attribute.String("queue.input", r.opts.InputQueue))

	tx, err := r.begin(ctx)
	if err != nil {
		return err
	}

	items, quarantined, err := r.fill(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return transport.Finish(tx, err)
	}
	if len(items) == 0 && len(quarantined) == 0 {
		return tx.Abort()
	}

	start := time.Now()
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit batch: %w", err)
	}
	commit := time.Since(start)
	span.SetAttributes(
		attribute.Int("batch.size", len(items)),
		attribute.Int("batch.quarantined", len(quarantined)),
	)

	r.metrics.RecordBatch(r.opts.InputQueue, len(items), commit)
	for _, q := range quarantined {
		r.metrics.RecordQuarantined(r.opts.InputQueue, "routing")
		r.opts.Hooks.quarantined(q)
	}
	r.opts.Hooks.batchCommitted(BatchInfo{
		InputQueue:     r.opts.InputQueue,
		Size:           len(items),
		Quarantined:    len(quarantined),
		CommitDuration: commit,
	})
	r.logger.Debug("Batch committed", logging.LogFields{"size": len(items), "quarantined": len(quarantined)})

	r.settle(ctx, items, false)
	return nil
}

// fill walks the input queue inside tx, routing each message until the batch
// is full or the queue has no further message.
func (r *Router) fill(ctx context.Context, tx transport.Transaction) ([]batchItem, []QuarantineInfo, error) {
	var (
		items       []batchItem
		quarantined []QuarantineInfo
		cursor      int64
	)
	action := transport.LookupFirst

	for len(items)+len(quarantined) < r.opts.MaxBatchSize {
		msg, err := r.input.Lookup(ctx, action, cursor, tx)
		if errors.Is(err, transport.ErrMessageNotFound) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		cursor, action = msg.LookupID, transport.LookupNext

		dest, err := r.resolve(msg)
		if err != nil {
			r.logger.Error("Routing failed, quarantining message", err, logging.LogFields{"lookup_id": msg.LookupID, "message_id": msg.ID})
			if herr := r.onBad(ctx, r.input, msg.LookupID, tx); herr != nil {
				return nil, nil, fmt.Errorf("bad message handler: %w", herr)
			}
			quarantined = append(quarantined, QuarantineInfo{
				InputQueue:  r.opts.InputQueue,
				LookupID:    msg.LookupID,
				Destination: dest,
				Err:         err,
			})
			continue
		}

		if err := r.input.Move(ctx, msg.LookupID, r.inProgress, tx); err != nil {
			return nil, nil, err
		}
		key, err := r.send(ctx, msg, dest, tx)
		if err != nil {
			return nil, nil, &errspkg.RoutingError{LookupID: msg.LookupID, Destination: dest, Err: err}
		}
		items = append(items, batchItem{lookupID: msg.LookupID, key: key})
	}
	return items, quarantined, nil
}

func (r *Router) send(ctx context.Context, msg *transport.Message, dest string, tx transport.Transaction) (tracking.Key, error) {
	var key tracking.Key
	err := r.handles.Use(dest, transport.SendAccess, func(q transport.Queue) error {
		var err error
		fwd := msg.Forward()
		fwd.Properties = fwd.Properties.With(metadata.KeyRoutedFrom, r.opts.InputQueue)
		key, err = r.postman.RequestDelivery(ctx, fwd, q, tx)
		return err
	})
	return key, err
}

// settle waits for every item's acknowledgment concurrently. Delivered items
// are removed from the in-progress subqueue; failed ones are quarantined.
// Items whose wait was cut short by shutdown stay where they are.
func (r *Router) settle(ctx context.Context, items []batchItem, recovered bool) {
	g := new(errgroup.Group)
	g.SetLimit(r.opts.MaxBatchSize)
	for _, item := range items {
		g.Go(func() error {
			err := r.postman.WaitForDelivery(ctx, item.key)
			if ctx.Err() != nil {
				return nil
			}
			r.postman.Forget(item.key)
			if err != nil {
				r.quarantine(ctx, item, err, recovered)
				return nil
			}
			r.cleanup(ctx, item, recovered)
			return nil
		})
	}
	_ = g.Wait()
}

// cleanup removes a delivered message from the in-progress subqueue in its
// own single-operation transaction. A message already gone is not an error.
func (r *Router) cleanup(ctx context.Context, item batchItem, recovered bool) {
	_, err := r.inProgress.Lookup(ctx, transport.LookupReceiveCurrent, item.lookupID, transport.Single)
	if err != nil && !errors.Is(err, transport.ErrMessageNotFound) {
		if !transport.IsCanceled(err) {
			r.logger.Error("Failed to remove delivered message", err, logging.LogFields{"lookup_id": item.lookupID})
		}
		return
	}
	r.metrics.RecordDelivered(r.opts.InputQueue)
	r.opts.Hooks.delivered(DeliveryInfo{
		InputQueue: r.opts.InputQueue,
		LookupID:   item.lookupID,
		Key:        item.key,
		Recovered:  recovered,
	})
}

// quarantine rejects an in-progress message whose delivery failed and moves
// it to the poison subqueue.
func (r *Router) quarantine(ctx context.Context, item batchItem, cause error, recovered bool) {
	fields := logging.LogFields{"lookup_id": item.lookupID, "destination": item.key.Destination}
	r.logger.Error("Delivery failed, quarantining message", cause, fields)

	if err := r.inProgress.MarkRejected(ctx, item.lookupID); err != nil && !errors.Is(err, transport.ErrMessageNotFound) {
		r.logger.Error("Failed to mark message rejected", err, fields)
	}

	tx, err := r.begin(ctx)
	if err != nil {
		r.logger.Error("Failed to begin quarantine transaction", err, fields)
		return
	}
	err = r.inProgress.Move(ctx, item.lookupID, r.poison, tx)
	if err := transport.Finish(tx, err); err != nil {
		if !transport.IsCanceled(err) {
			r.logger.Error("Failed to quarantine message", err, fields)
		}
		return
	}

	r.metrics.RecordQuarantined(r.opts.InputQueue, quarantineReason(cause))
	r.opts.Hooks.quarantined(QuarantineInfo{
		InputQueue:  r.opts.InputQueue,
		LookupID:    item.lookupID,
		Destination: item.key.Destination,
		Err:         cause,
		Recovered:   recovered,
	})
}

func quarantineReason(err error) string {
	if class, ok := errspkg.AckClassOf(err); ok {
		return class.String()
	}
	if errors.Is(err, errspkg.ErrTrackingExpired) {
		return "expired"
	}
	var routingErr *errspkg.RoutingError
	if errors.As(err, &routingErr) {
		return "routing"
	}
	return "unknown"
}

// recoverInProgress re-observes the messages a previous run left in the
// in-progress subqueue. They were sent in a committed transaction, so they
// are only waited for, never sent again.
func (r *Router) recoverInProgress(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "router.Recover")
	defer span.End()

	var items []batchItem
	var cursor int64
	action := transport.LookupFirst
	for {
		msg, err := r.inProgress.Lookup(ctx, action, cursor, transport.Single)
		if errors.Is(err, transport.ErrMessageNotFound) {
			break
		}
		if err != nil {
			return err
		}
		cursor, action = msg.LookupID, transport.LookupNext

		dest, err := r.resolve(msg)
		if err != nil {
			r.quarantine(ctx, batchItem{lookupID: msg.LookupID}, err, true)
			continue
		}
		items = append(items, batchItem{
			lookupID: msg.LookupID,
			key:      tracking.Key{Destination: dest, MessageID: msg.ID, LookupID: msg.LookupID},
		})
	}

	span.SetAttributes(attribute.Int("recovery.size", len(items)))
	if len(items) == 0 {
		return nil
	}
	r.logger.Info("Recovering in-progress messages", logging.LogFields{"count": len(items)})
	r.metrics.RecordRecovered(r.opts.InputQueue, len(items))
	r.settle(ctx, items, true)
	return ctx.Err()
}
