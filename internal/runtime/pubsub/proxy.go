package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/handles"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/metadata"
	"github.com/drblury/queueflow/internal/runtime/metrics"
	"github.com/drblury/queueflow/internal/runtime/postman"
	"github.com/drblury/queueflow/internal/runtime/tracking"
	"github.com/drblury/queueflow/internal/runtime/trie"
	"github.com/drblury/queueflow/internal/runtime/txlimit"
	"github.com/drblury/queueflow/transport"
)

// Action is the AppSpecific discriminator of a message sent to a proxy.
type Action int

const (
	ActionPublish     Action = 0
	ActionSubscribe   Action = 1
	ActionUnsubscribe Action = 2
	ActionClear       Action = 3
)

// Default subqueue names of a proxy's input queue.
const (
	DefaultInProgressSubqueue = "inprogress"
	DefaultPoisonSubqueue     = "poison"
)

func (a Action) String() string {
	switch a {
	case ActionPublish:
		return "publish"
	case ActionSubscribe:
		return "subscribe"
	case ActionUnsubscribe:
		return "unsubscribe"
	case ActionClear:
		return "clear"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// BreakerOptions configures the per-subscriber circuit breakers used when a
// proxy has no postman.
type BreakerOptions struct {
	// FailureThreshold is the number of consecutive failed writes that opens
	// a breaker. Defaults to 5.
	FailureThreshold uint32
	// ResetTimeout is how long a breaker stays open. Defaults to 30s.
	ResetTimeout time.Duration
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 30 * time.Second
	}
	return o
}

// ProxyOptions configures a Proxy.
type ProxyOptions struct {
	InputQueue string
	// InProgressSubqueue holds published messages whose fan-out
	// acknowledgments are still awaited. Only used with a Postman.
	InProgressSubqueue string
	// PoisonSubqueue receives published messages that did not reach every
	// matching subscriber.
	PoisonSubqueue string
	// Postman, when set, sends every published message as one tracked
	// multicast and prunes subscribers whose queue turned out not to exist.
	// Without one, only failed writes are detected: a subscriber queue that
	// does not exist is reported through an acknowledgment nobody awaits.
	Postman *postman.Postman
	Handles *handles.Cache
	Limiter *txlimit.Limiter
	Trie    trie.Options
	Breaker BreakerOptions
	// AckTimeout bounds the background wait for a fan-out's acknowledgments.
	// Zero leaves it to the postman's tracking TTL.
	AckTimeout   time.Duration
	ErrorBackoff time.Duration
	Logger       logging.ServiceLogger
	Metrics      *metrics.Collector
}

// Proxy reads publish and control messages from its input queue. Control
// messages maintain a trie of subscriber queues; published messages are
// written to every matching subscriber queue in the transaction that
// consumed them.
type Proxy struct {
	tr      transport.Transport
	opts    ProxyOptions
	subs    *trie.Trie[string]
	logger  logging.ServiceLogger
	metrics *metrics.Collector

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	mu          sync.Mutex
	input       transport.Queue
	inProgress  transport.Queue
	poison      transport.Queue
	handles     *handles.Cache
	ownsHandles bool
	cancel      context.CancelFunc
	done        chan struct{}
	acks        sync.WaitGroup
}

// NewProxy creates a stopped proxy.
func NewProxy(tr transport.Transport, opts ProxyOptions) (*Proxy, error) {
	if tr == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if opts.InputQueue == "" {
		return nil, errspkg.ErrInputQueueRequired
	}
	if err := transport.ValidateFormatName(opts.InputQueue); err != nil {
		return nil, err
	}
	subs, err := trie.New[string](opts.Trie)
	if err != nil {
		return nil, err
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.InProgressSubqueue == "" {
		opts.InProgressSubqueue = DefaultInProgressSubqueue
	}
	if opts.PoisonSubqueue == "" {
		opts.PoisonSubqueue = DefaultPoisonSubqueue
	}
	opts.Breaker = opts.Breaker.withDefaults()
	logger := logging.OrNop(opts.Logger)

	return &Proxy{
		tr:       tr,
		opts:     opts,
		subs:     subs,
		logger:   logger.With(logging.LogFields{"component": "proxy", "input_queue": opts.InputQueue}),
		metrics:  opts.Metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// Subscribers returns the subscriber queues matching label.
func (p *Proxy) Subscribers(label string) []string { return p.subs.Match(label) }

// Labels returns the patterns queue is subscribed to.
func (p *Proxy) Labels(queue string) []string { return p.subs.Labels(queue) }

// InProgressQueue returns the format name of the in-progress subqueue.
func (p *Proxy) InProgressQueue() string {
	return transport.Subqueue(p.opts.InputQueue, p.opts.InProgressSubqueue)
}

// PoisonQueue returns the format name of the poison subqueue.
func (p *Proxy) PoisonQueue() string {
	return transport.Subqueue(p.opts.InputQueue, p.opts.PoisonSubqueue)
}

// Start opens the input queue and its subqueues, takes up messages a
// previous run left in progress and serves the input queue until Stop.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return errspkg.ErrAlreadyStarted
	}

	queues := make([]transport.Queue, 0, 3)
	for _, name := range []string{p.opts.InputQueue, p.InProgressQueue(), p.PoisonQueue()} {
		q, err := p.tr.Open(name, transport.ReceiveAccess, transport.ShareAll)
		if err != nil {
			for _, opened := range queues {
				_ = opened.Close()
			}
			return err
		}
		queues = append(queues, q)
	}
	p.input, p.inProgress, p.poison = queues[0], queues[1], queues[2]
	p.handles = p.opts.Handles
	p.ownsHandles = p.handles == nil
	if p.ownsHandles {
		p.handles = handles.New(p.tr, handles.Options{Logger: p.logger, Metrics: p.metrics})
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel, p.done = cancel, make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Info("Proxy started", nil)
	return nil
}

// Stop waits for the serving goroutine, abandons pending acknowledgment
// waits and closes the queues. Messages whose acknowledgments were still
// awaited stay in the in-progress subqueue for the next Start.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.done == nil {
		p.mu.Unlock()
		return nil
	}
	done := p.done
	p.done = nil
	p.mu.Unlock()

	p.cancel()
	<-done
	p.acks.Wait()
	var errs []error
	for _, q := range []transport.Queue{p.input, p.inProgress, p.poison} {
		errs = append(errs, q.Close())
	}
	if p.ownsHandles {
		errs = append(errs, p.handles.Close())
	}
	p.logger.Info("Proxy stopped", nil)
	return errors.Join(errs...)
}

func (p *Proxy) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := rate.NewLimiter(rate.Every(p.opts.ErrorBackoff), 1)

	if err := p.recoverInProgress(ctx); err != nil && !transport.IsCanceled(err) && ctx.Err() == nil {
		p.logger.Error("Failed to recover in-progress messages", err, nil)
	}

	for {
		_, err := transport.PeekWait(ctx, p.input, transport.Infinite, transport.Single)
		if err == nil {
			err = p.serveOne(ctx)
		}
		if err == nil {
			continue
		}
		if transport.IsCanceled(err) || ctx.Err() != nil {
			return
		}
		p.logger.Error("Failed to serve message", err, nil)
		if err := backoff.Wait(ctx); err != nil {
			return
		}
	}
}

func (p *Proxy) begin(ctx context.Context) (transport.Transaction, error) {
	if p.opts.Limiter != nil {
		return p.opts.Limiter.Begin(ctx, p.tr)
	}
	return p.tr.Begin(ctx)
}

// serveOne takes the first message of the input queue and applies it in a
// single transaction. The message leaves the input queue in that transaction:
// received, moved in progress or moved to poison.
func (p *Proxy) serveOne(ctx context.Context) error {
	tx, err := p.begin(ctx)
	if err != nil {
		return err
	}
	msg, err := p.input.Lookup(ctx, transport.LookupFirst, 0, tx)
	if errors.Is(err, transport.ErrMessageNotFound) {
		return tx.Abort()
	}
	if err != nil {
		return transport.Finish(tx, err)
	}

	var key tracking.Key
	if Action(msg.AppSpecific) == ActionPublish {
		key, err = p.publish(ctx, msg, tx)
	} else {
		p.control(msg)
		err = p.consume(ctx, msg, tx)
	}
	if err := transport.Finish(tx, err); err != nil {
		return err
	}
	if key.MessageID != "" {
		p.awaitAcks(ctx, msg.LookupID, key)
	}
	return nil
}

func (p *Proxy) consume(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	_, err := p.input.Lookup(ctx, transport.LookupReceiveCurrent, msg.LookupID, tx)
	return err
}

// control applies a subscription change. Malformed control messages are
// logged and consumed.
func (p *Proxy) control(msg *transport.Message) {
	action := Action(msg.AppSpecific)
	queue := strings.TrimSpace(msg.ResponseQueue)
	label := strings.TrimSpace(string(msg.Body))
	fields := logging.LogFields{"action": action.String(), "subscriber": queue, "label": label}

	if queue == "" {
		p.logger.Info("Dropping control message without response queue", fields)
		return
	}

	switch action {
	case ActionSubscribe:
		if _, err := p.subs.Subscribe(label, queue); err != nil {
			p.logger.Error("Rejected subscription", err, fields)
			return
		}
	case ActionUnsubscribe:
		p.subs.Remove(label, queue)
	case ActionClear:
		p.subs.Clear(queue)
	default:
		p.logger.Error("Dropping control message", errspkg.ErrUnknownControlAction, fields)
		return
	}
	p.logger.Debug("Subscription changed", fields)
}

// publish writes msg to every matching subscriber queue inside tx. With a
// postman the write is one tracked multicast whose key is returned and msg is
// held in the in-progress subqueue until its acknowledgments arrive. Without
// one, msg is moved to poison when a subscriber write fails or is skipped.
func (p *Proxy) publish(ctx context.Context, msg *transport.Message, tx transport.Transaction) (tracking.Key, error) {
	dests := p.subs.Match(msg.Label)
	if len(dests) == 0 {
		p.metrics.RecordDispatch(metrics.DispatchUnmatched)
		return tracking.Key{}, p.consume(ctx, msg, tx)
	}
	out := msg.Clone()
	out.Properties = out.Properties.With(metadata.KeyPublishedLabel, msg.Label)

	if pm := p.opts.Postman; pm != nil {
		var key tracking.Key
		err := p.handles.Use(transport.JoinDestinations(dests...), transport.SendAccess, func(q transport.Queue) error {
			var err error
			key, err = pm.RequestDelivery(ctx, out.Forward(), q, tx)
			return err
		})
		if err != nil {
			return tracking.Key{}, err
		}
		return key, p.input.Move(ctx, msg.LookupID, p.inProgress, tx)
	}

	var failed []string
	var lastErr error
	for _, dest := range dests {
		_, err := p.breaker(dest).Execute(func() (interface{}, error) {
			return nil, p.handles.Use(dest, transport.SendAccess, func(q transport.Queue) error {
				return q.Write(ctx, out.Forward(), tx)
			})
		})
		if err != nil {
			outcome := metrics.DispatchError
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				outcome = metrics.DispatchSkipped
			}
			p.metrics.RecordDispatch(outcome)
			p.logger.Error("Failed to forward to subscriber", err, logging.LogFields{"subscriber": dest, "label": msg.Label})
			failed, lastErr = append(failed, dest), err
			continue
		}
		p.metrics.RecordDispatch(metrics.DispatchOK)
	}
	if len(failed) == 0 {
		return tracking.Key{}, p.consume(ctx, msg, tx)
	}

	p.logger.Error("Quarantining message not forwarded to every subscriber", lastErr, logging.LogFields{
		"lookup_id":   msg.LookupID,
		"message_id":  msg.ID,
		"subscribers": failed,
	})
	if err := p.input.Move(ctx, msg.LookupID, p.poison, tx); err != nil {
		return tracking.Key{}, err
	}
	p.metrics.RecordQuarantined(p.opts.InputQueue, "forward")
	return tracking.Key{}, nil
}

func (p *Proxy) breaker(dest string) *gobreaker.CircuitBreaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()

	if cb, ok := p.breakers[dest]; ok {
		return cb
	}
	threshold := p.opts.Breaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dest,
		MaxRequests: 1,
		Timeout:     p.opts.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("Subscriber circuit breaker changed state", logging.LogFields{
				"subscriber": name,
				"from":       from.String(),
				"to":         to.String(),
			})
		},
	})
	p.breakers[dest] = cb
	return cb
}

// awaitAcks waits in the background for each destination of a committed
// fan-out. Subscribers whose queue is gone are pruned from the trie. Once
// every destination acknowledged, the message is removed from the
// in-progress subqueue; if any failed, it is moved to poison.
func (p *Proxy) awaitAcks(ctx context.Context, lookupID int64, key tracking.Key) {
	pm := p.opts.Postman
	p.acks.Add(1)
	go func() {
		defer p.acks.Done()
		waitCtx := ctx
		if p.opts.AckTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, p.opts.AckTimeout)
			defer cancel()
		}

		g := new(errgroup.Group)
		for _, k := range key.Split() {
			g.Go(func() error {
				err := pm.WaitForDelivery(waitCtx, k)
				if ctx.Err() != nil {
					return nil
				}
				pm.Forget(k)
				if err == nil {
					p.metrics.RecordDispatch(metrics.DispatchOK)
					return nil
				}
				p.metrics.RecordDispatch(metrics.DispatchError)
				class, _ := errspkg.AckClassOf(err)
				fields := logging.LogFields{"subscriber": k.Destination, "message_id": k.MessageID}
				if class == transport.AckBadDestinationQueue || class == transport.AckQueueDeleted {
					fields["removed_subscriptions"] = p.subs.Clear(k.Destination)
					p.logger.Info("Pruned subscriber whose queue is gone", fields)
					return err
				}
				p.logger.Error("Subscriber did not acknowledge delivery", err, fields)
				return err
			})
		}
		err := g.Wait()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.quarantine(ctx, lookupID, err)
			return
		}
		p.cleanup(ctx, lookupID)
	}()
}

// cleanup removes a fully delivered message from the in-progress subqueue.
func (p *Proxy) cleanup(ctx context.Context, lookupID int64) {
	_, err := p.inProgress.Lookup(ctx, transport.LookupReceiveCurrent, lookupID, transport.Single)
	if err != nil && !errors.Is(err, transport.ErrMessageNotFound) && !transport.IsCanceled(err) {
		p.logger.Error("Failed to remove delivered message", err, logging.LogFields{"lookup_id": lookupID})
	}
}

// quarantine moves an in-progress message whose fan-out failed to poison.
func (p *Proxy) quarantine(ctx context.Context, lookupID int64, cause error) {
	fields := logging.LogFields{"lookup_id": lookupID}
	p.logger.Error("Fan-out failed, quarantining message", cause, fields)

	tx, err := p.begin(ctx)
	if err != nil {
		p.logger.Error("Failed to begin quarantine transaction", err, fields)
		return
	}
	err = p.inProgress.Move(ctx, lookupID, p.poison, tx)
	if err := transport.Finish(tx, err); err != nil {
		if !transport.IsCanceled(err) {
			p.logger.Error("Failed to quarantine message", err, fields)
		}
		return
	}
	p.metrics.RecordQuarantined(p.opts.InputQueue, quarantineReason(cause))
}

func quarantineReason(err error) string {
	if class, ok := errspkg.AckClassOf(err); ok {
		return class.String()
	}
	switch {
	case errors.Is(err, errspkg.ErrTrackingExpired):
		return "expired"
	case errors.Is(err, context.DeadlineExceeded):
		return "ack_timeout"
	default:
		return "unknown"
	}
}

// recoverInProgress takes up messages a previous run left in the in-progress
// subqueue. Their fan-out committed, so they are never sent again: the
// acknowledgments of the subscribers currently matching their label are
// awaited. Messages without a postman or without matching subscribers have
// an unknown outcome and are quarantined.
func (p *Proxy) recoverInProgress(ctx context.Context) error {
	var cursor int64
	action := transport.LookupFirst
	for {
		msg, err := p.inProgress.Lookup(ctx, action, cursor, transport.Single)
		if errors.Is(err, transport.ErrMessageNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cursor, action = msg.LookupID, transport.LookupNext

		dests := p.subs.Match(msg.Label)
		if p.opts.Postman == nil || len(dests) == 0 {
			p.quarantine(ctx, msg.LookupID, errspkg.ErrDeliveryUnknown)
			continue
		}
		p.logger.Info("Recovering in-progress message", logging.LogFields{"lookup_id": msg.LookupID, "message_id": msg.ID})
		p.awaitAcks(ctx, msg.LookupID, tracking.Key{
			Destination: transport.JoinDestinations(dests...),
			MessageID:   msg.ID,
			LookupID:    msg.LookupID,
		})
	}
}
