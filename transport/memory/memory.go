// Package memory provides an in-process transactional transport. It keeps
// queues, subqueues and acknowledgments in memory and supports fault injection
// for tests: failing commits, unreachable destinations and deleted queues.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/benbjohnson/clock"

	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a new memory transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(Config{}, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Config holds memory-transport configuration.
type Config struct {
	// Clock drives blocking timeouts, reach-queue and receive deadlines.
	// Tests pass clock.NewMock() to control them.
	Clock clock.Clock
	// Queues are created up front.
	Queues []string
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Transport is the in-memory transport. Opening a queue for receive, peek or
// move creates it; writing to a queue nobody created yields a
// BadDestinationQueue acknowledgment.
type Transport struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  watermill.LoggerAdapter
	queues  map[string]*queue
	handles map[*handle]struct{}
	// changed is closed and replaced on every state change to wake waiters.
	changed chan struct{}
	closed  bool

	failNextCommit error
	unreachable    map[string]bool
	transit        map[string][]*transitItem
}

// New creates a memory transport.
func New(config Config, logger watermill.LoggerAdapter) *Transport {
	config = config.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t := &Transport{
		clock:       config.Clock,
		logger:      logger,
		queues:      make(map[string]*queue),
		handles:     make(map[*handle]struct{}),
		changed:     make(chan struct{}),
		unreachable: make(map[string]bool),
		transit:     make(map[string][]*transitItem),
	}
	for _, name := range config.Queues {
		t.createQueueLocked(name)
	}
	return t
}

func queueKey(name string) string {
	base, _ := transport.SplitSubqueue(strings.TrimSpace(name))
	return strings.ToLower(base)
}

// notifyLocked wakes every pending peek and read.
func (t *Transport) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Transport) createQueueLocked(name string) *queue {
	key := queueKey(name)
	if q, ok := t.queues[key]; ok {
		return q
	}
	base, _ := transport.SplitSubqueue(strings.TrimSpace(name))
	q := &queue{name: base}
	t.queues[key] = q
	return q
}

// Open returns a handle on formatName. Send handles accept comma-joined
// destination lists; the other modes address a single queue or subqueue.
func (t *Transport) Open(formatName string, mode transport.AccessMode, share transport.ShareMode) (transport.Queue, error) {
	if err := transport.ValidateFormatName(formatName); err != nil {
		return nil, transport.NewError("open", formatName, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.NewError("open", formatName, transport.ErrClosed)
	}

	h := &handle{
		t:      t,
		name:   formatName,
		mode:   mode,
		share:  share,
		closed: make(chan struct{}),
	}

	switch mode {
	case transport.SendAccess:
		for _, dest := range transport.SplitDestinations(formatName) {
			if _, sub := transport.SplitSubqueue(dest); sub != "" {
				return nil, transport.NewError("open", formatName, transport.ErrInvalidFormatName)
			}
		}
		h.dests = transport.SplitDestinations(formatName)
	case transport.ReceiveAccess, transport.PeekAccess, transport.MoveAccess:
		if transport.IsMulticast(formatName) {
			return nil, transport.NewError("open", formatName, transport.ErrInvalidFormatName)
		}
		h.q = t.createQueueLocked(formatName)
		_, h.sub = transport.SplitSubqueue(formatName)
		if mode == transport.ReceiveAccess {
			if err := h.q.acquireReceive(h, share); err != nil {
				return nil, transport.NewError("open", formatName, err)
			}
		}
	default:
		return nil, transport.NewError("open", formatName, transport.ErrAccessDenied)
	}

	t.handles[h] = struct{}{}
	return h, nil
}

// Begin starts a transaction.
func (t *Transport) Begin(ctx context.Context) (transport.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.NewError("begin", "", transport.ErrClosed)
	}
	return &memTx{t: t, id: ids.CreateUUID()}, nil
}

// Close closes every handle, cancelling pending operations, and stops
// pending deadline timers.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handles := make([]*handle, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	for _, items := range t.transit {
		for _, item := range items {
			item.stop()
		}
	}
	t.transit = make(map[string][]*transitItem)
	for _, q := range t.queues {
		for _, e := range q.entries {
			e.stopTimer()
		}
	}
	t.notifyLocked()
	t.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}

// CreateQueue creates a queue. Creating an existing queue is a no-op.
func (t *Transport) CreateQueue(ctx context.Context, name string) error {
	if err := transport.ValidateFormatName(name); err != nil || transport.IsMulticast(name) {
		return transport.NewError("create", name, transport.ErrInvalidFormatName)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.createQueueLocked(name)
	t.notifyLocked()
	return nil
}

// DeleteQueue removes a queue. Messages still in it produce QueueDeleted
// acknowledgments and later writes produce BadDestinationQueue.
func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := queueKey(name)
	q, ok := t.queues[key]
	if !ok {
		return transport.NewError("delete", name, transport.ErrQueueNotFound)
	}
	delete(t.queues, key)
	q.deleted = true
	for _, e := range append([]*entry(nil), q.entries...) {
		if e.owner != nil {
			continue
		}
		q.remove(e)
		t.ackLocked(e.msg, e.msg.DestinationQueue, transport.AckQueueDeleted)
	}
	t.notifyLocked()
	return nil
}

// Purge removes every unlocked message from formatName (a queue or
// subqueue) and returns how many were removed.
func (t *Transport) Purge(ctx context.Context, formatName string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queueKey(formatName)]
	if !ok {
		return 0, transport.NewError("purge", formatName, transport.ErrQueueNotFound)
	}
	_, sub := transport.SplitSubqueue(formatName)
	var n int64
	for _, e := range append([]*entry(nil), q.entries...) {
		if e.owner != nil || e.sub != sub {
			continue
		}
		q.remove(e)
		t.ackLocked(e.msg, e.msg.DestinationQueue, transport.AckQueuePurged)
		n++
	}
	t.notifyLocked()
	return n, nil
}

// Count returns the number of committed, unlocked messages in formatName.
func (t *Transport) Count(ctx context.Context, formatName string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queueKey(formatName)]
	if !ok {
		return 0, transport.NewError("count", formatName, transport.ErrQueueNotFound)
	}
	_, sub := transport.SplitSubqueue(formatName)
	var n int64
	for _, e := range q.entries {
		if s, visible := e.visibleTo(nil); visible && s == sub {
			n++
		}
	}
	return n, nil
}

// Snapshot returns copies of the committed, unlocked messages in formatName.
func (t *Transport) Snapshot(formatName string) []*transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queueKey(formatName)]
	if !ok {
		return nil
	}
	_, sub := transport.SplitSubqueue(formatName)
	var out []*transport.Message
	for _, e := range q.entries {
		if s, visible := e.visibleTo(nil); visible && s == sub {
			out = append(out, e.msg.Clone())
		}
	}
	return out
}

// FailNextCommit makes the next explicit Commit abort the transaction and
// return err instead.
func (t *Transport) FailNextCommit(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNextCommit = err
}

// SetUnreachable simulates a destination that cannot be reached. Messages
// sent to it wait in transit until their TimeToReachQueue expires, which
// yields a ReachQueueTimeout acknowledgment. Making the queue reachable again
// delivers whatever is still in transit.
func (t *Transport) SetUnreachable(name string, unreachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := queueKey(name)
	if unreachable {
		t.unreachable[key] = true
		return
	}
	delete(t.unreachable, key)
	items := t.transit[key]
	delete(t.transit, key)
	for _, item := range items {
		item.stop()
		t.arriveLocked(item.msg, item.dest)
	}
	t.notifyLocked()
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Purger       = (*Transport)(nil)
	_ transport.Counter      = (*Transport)(nil)
	_ transport.QueueCreator = (*Transport)(nil)
)
