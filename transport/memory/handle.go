package memory

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/transport"
)

type handle struct {
	t     *Transport
	name  string
	mode  transport.AccessMode
	share transport.ShareMode

	q     *queue
	sub   string
	dests []string

	closeOnce sync.Once
	closed    chan struct{}
}

func (h *handle) FormatName() string { return h.name }

// Close cancels pending operations on the handle.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.t.mu.Lock()
		delete(h.t.handles, h)
		if h.q != nil && h.mode == transport.ReceiveAccess {
			h.q.releaseReceive(h)
		}
		h.t.mu.Unlock()
	})
	return nil
}

func (h *handle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *handle) check(op string, allowed ...transport.AccessMode) error {
	if h.isClosed() {
		return transport.NewError(op, h.name, transport.ErrClosed)
	}
	for _, m := range allowed {
		if h.mode == m {
			return nil
		}
	}
	return transport.NewError(op, h.name, transport.ErrAccessDenied)
}

// begin resolves tx into a memory transaction. auto is true when the
// operation runs in its own transaction and must commit it.
func (h *handle) begin(ctx context.Context, op string, tx transport.Transaction) (mtx *memTx, auto bool, err error) {
	resolved, err := transport.ResolveTransaction(ctx, tx)
	if err != nil {
		return nil, false, transport.NewError(op, h.name, err)
	}
	if resolved == nil {
		return &memTx{t: h.t, id: ids.CreateUUID()}, true, nil
	}
	mtx, ok := resolved.(*memTx)
	if !ok || mtx.t != h.t {
		return nil, false, transport.NewError(op, h.name, transport.ErrForeignTransaction)
	}
	return mtx, false, nil
}

// usableLocked reports why the handle or transaction cannot be used.
func (h *handle) usableLocked(op string, tx *memTx) error {
	switch {
	case h.t.closed || h.isClosed():
		return transport.NewError(op, h.name, transport.ErrCanceled)
	case tx != nil && tx.done:
		return transport.NewError(op, h.name, transport.ErrTransactionDone)
	case h.q != nil && h.q.deleted:
		return transport.NewError(op, h.name, transport.ErrQueueNotFound)
	}
	return nil
}

// wait runs try until it yields a message or an error, suspending on state
// changes in between. try runs with the transport lock held.
func (h *handle) wait(ctx context.Context, op string, timeout time.Duration, try func() (*transport.Message, error)) (*transport.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := h.t.clock.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		h.t.mu.Lock()
		msg, err := try()
		changed := h.t.changed
		h.t.mu.Unlock()

		if err != nil || msg != nil {
			return msg, err
		}
		if timeout == 0 {
			return nil, transport.NewError(op, h.name, transport.ErrTimeout)
		}

		select {
		case <-changed:
		case <-expired:
			return nil, transport.NewError(op, h.name, transport.ErrTimeout)
		case <-h.closed:
			return nil, transport.NewError(op, h.name, transport.ErrCanceled)
		case <-ctx.Done():
			return nil, transport.NewError(op, h.name, transport.ErrCanceled)
		}
	}
}

func (h *handle) Peek(ctx context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	if err := h.check("peek", transport.ReceiveAccess, transport.PeekAccess); err != nil {
		return nil, err
	}
	mtx, auto, err := h.begin(ctx, "peek", tx)
	if err != nil {
		return nil, err
	}
	if auto {
		mtx = nil
	}
	return h.wait(ctx, "peek", timeout, func() (*transport.Message, error) {
		if err := h.usableLocked("peek", mtx); err != nil {
			return nil, err
		}
		if e := h.q.lookup(h.sub, mtx, transport.LookupFirst, 0); e != nil {
			return e.msg.Clone(), nil
		}
		return nil, nil
	})
}

func (h *handle) Read(ctx context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	if err := h.check("read", transport.ReceiveAccess); err != nil {
		return nil, err
	}
	mtx, auto, err := h.begin(ctx, "read", tx)
	if err != nil {
		return nil, err
	}
	return h.wait(ctx, "read", timeout, func() (*transport.Message, error) {
		if err := h.usableLocked("read", mtx); err != nil {
			return nil, err
		}
		e := h.q.lookup(h.sub, mtx, transport.LookupFirst, 0)
		if e == nil {
			return nil, nil
		}
		return h.receiveLocked(mtx, auto, e), nil
	})
}

func (h *handle) receiveLocked(mtx *memTx, auto bool, e *entry) *transport.Message {
	msg := e.msg.Clone()
	mtx.own(e)
	e.deleted = true
	e.received = true
	if auto {
		mtx.commitLocked()
	}
	return msg
}

func (h *handle) Lookup(ctx context.Context, action transport.LookupAction, lookupID int64, tx transport.Transaction) (*transport.Message, error) {
	receive := action == transport.LookupReceiveCurrent
	var err error
	if receive {
		err = h.check("lookup", transport.ReceiveAccess)
	} else {
		err = h.check("lookup", transport.ReceiveAccess, transport.PeekAccess)
	}
	if err != nil {
		return nil, err
	}
	mtx, auto, err := h.begin(ctx, "lookup", tx)
	if err != nil {
		return nil, err
	}
	if auto && !receive {
		mtx = nil
	}

	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.usableLocked("lookup", mtx); err != nil {
		return nil, err
	}
	e := h.q.lookup(h.sub, mtx, action, lookupID)
	if e == nil {
		return nil, transport.NewError("lookup", h.name, transport.ErrMessageNotFound)
	}
	if receive {
		return h.receiveLocked(mtx, auto, e), nil
	}
	return e.msg.Clone(), nil
}

// Move relocates a message between subqueues of one queue. The lookup id
// stays the same.
func (h *handle) Move(ctx context.Context, lookupID int64, dest transport.Queue, tx transport.Transaction) error {
	if err := h.check("move", transport.ReceiveAccess); err != nil {
		return err
	}
	target, ok := dest.(*handle)
	if !ok || target.t != h.t {
		return transport.NewError("move", h.name, transport.ErrForeignTransaction)
	}
	if target.mode != transport.MoveAccess && target.mode != transport.ReceiveAccess {
		return transport.NewError("move", target.name, transport.ErrAccessDenied)
	}
	if target.q != h.q {
		return transport.NewError("move", target.name, transport.ErrInvalidFormatName)
	}
	if target.isClosed() {
		return transport.NewError("move", target.name, transport.ErrClosed)
	}
	mtx, auto, err := h.begin(ctx, "move", tx)
	if err != nil {
		return err
	}

	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.usableLocked("move", mtx); err != nil {
		return err
	}
	e := h.q.lookup(h.sub, mtx, transport.LookupCurrent, lookupID)
	if e == nil {
		return transport.NewError("move", h.name, transport.ErrMessageNotFound)
	}
	mtx.own(e)
	e.moved = true
	e.moveTo = target.sub
	if auto {
		mtx.commitLocked()
	}
	return nil
}

// Write sends msg to every destination of the handle. msg.ID is assigned
// when empty; SentAt and DestinationQueue are set on msg, and LookupID too
// when the handle has a single reachable destination.
func (h *handle) Write(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	if err := h.check("write", transport.SendAccess); err != nil {
		return err
	}
	if msg == nil {
		return transport.NewError("write", h.name, transport.ErrNilMessage)
	}
	mtx, auto, err := h.begin(ctx, "write", tx)
	if err != nil {
		return err
	}

	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.usableLocked("write", mtx); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = ids.CreateULID()
	}
	msg.SentAt = h.t.clock.Now()
	msg.DestinationQueue = h.name

	for _, dest := range h.dests {
		stored := msg.Clone()
		stored.DestinationQueue = dest
		key := queueKey(dest)
		if h.t.unreachable[key] {
			mtx.transit = append(mtx.transit, &transitItem{msg: stored, dest: dest})
			continue
		}
		q, ok := h.t.queues[key]
		if !ok {
			mtx.acks = append(mtx.acks, pendingAck{msg: stored, dest: dest, class: transport.AckBadDestinationQueue})
			continue
		}
		e := q.insert(stored, "")
		mtx.own(e)
		e.inserted = true
		if len(h.dests) == 1 {
			msg.LookupID = stored.LookupID
		}
	}

	if auto {
		mtx.commitLocked()
	} else {
		h.t.notifyLocked()
	}
	return nil
}

// MarkRejected sends a ReceiveRejected acknowledgment for the message. The
// message itself stays where it is.
func (h *handle) MarkRejected(ctx context.Context, lookupID int64) error {
	if err := h.check("reject", transport.ReceiveAccess); err != nil {
		return err
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.usableLocked("reject", nil); err != nil {
		return err
	}
	e := h.q.lookup(h.sub, nil, transport.LookupCurrent, lookupID)
	if e == nil {
		return transport.NewError("reject", h.name, transport.ErrMessageNotFound)
	}
	h.t.ackLocked(e.msg, e.msg.DestinationQueue, transport.AckReceiveRejected)
	h.t.notifyLocked()
	return nil
}

var _ transport.Queue = (*handle)(nil)
