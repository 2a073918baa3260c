package sqlqueue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/transport"
)

type handle struct {
	t    *Transport
	name string
	mode transport.AccessMode

	queue string
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
		h.t.handlesMu.Lock()
		delete(h.t.handles, h)
		h.t.handlesMu.Unlock()
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
	if h.isClosed() || h.t.isClosed() {
		return transport.NewError(op, h.name, transport.ErrClosed)
	}
	for _, m := range allowed {
		if h.mode == m {
			return nil
		}
	}
	return transport.NewError(op, h.name, transport.ErrAccessDenied)
}

// poll runs try until it yields a message or an error, polling at the
// configured interval in between.
func (h *handle) poll(ctx context.Context, op string, timeout time.Duration, try func() (*transport.Message, error)) (*transport.Message, error) {
	msg, err := try()
	if err != nil || msg != nil {
		return msg, err
	}
	if timeout == 0 {
		return nil, transport.NewError(op, h.name, transport.ErrTimeout)
	}

	ticker := time.NewTicker(h.t.config.PollInterval)
	defer ticker.Stop()
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-ticker.C:
			msg, err := try()
			if err != nil || msg != nil {
				return msg, err
			}
		case <-expired:
			return nil, transport.NewError(op, h.name, transport.ErrTimeout)
		case <-h.closed:
			return nil, transport.NewError(op, h.name, transport.ErrCanceled)
		case <-h.t.closedChan:
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
	return h.poll(ctx, "peek", timeout, func() (*transport.Message, error) {
		var msg *transport.Message
		err := h.run(ctx, "peek", tx, true, func(stx *sql.Tx) (err error) {
			msg, err = h.t.lookup(ctx, stx, h.queue, h.sub, transport.LookupFirst, 0)
			return err
		})
		return msg, err
	})
}

func (h *handle) Read(ctx context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	if err := h.check("read", transport.ReceiveAccess); err != nil {
		return nil, err
	}
	return h.poll(ctx, "read", timeout, func() (*transport.Message, error) {
		var msg *transport.Message
		err := h.run(ctx, "read", tx, false, func(stx *sql.Tx) (err error) {
			msg, err = h.receive(ctx, stx, transport.LookupFirst, 0)
			return err
		})
		return msg, err
	})
}

// receive removes the addressed message and records its Receive
// acknowledgment in stx.
func (h *handle) receive(ctx context.Context, stx *sql.Tx, action transport.LookupAction, lookupID int64) (*transport.Message, error) {
	msg, err := h.t.lookup(ctx, stx, h.queue, h.sub, action, lookupID)
	if err != nil || msg == nil {
		return nil, err
	}
	if err := h.t.removeWithAck(ctx, stx, msg, transport.AckReceive); err != nil {
		return nil, err
	}
	return msg, nil
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

	var msg *transport.Message
	err = h.run(ctx, "lookup", tx, !receive, func(stx *sql.Tx) (err error) {
		if receive {
			msg, err = h.receive(ctx, stx, action, lookupID)
		} else {
			msg, err = h.t.lookup(ctx, stx, h.queue, h.sub, action, lookupID)
		}
		if err == nil && msg == nil {
			err = transport.ErrMessageNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
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
	if target.queue != h.queue {
		return transport.NewError("move", target.name, transport.ErrInvalidFormatName)
	}
	if target.isClosed() {
		return transport.NewError("move", target.name, transport.ErrClosed)
	}

	return h.run(ctx, "move", tx, false, func(stx *sql.Tx) error {
		res, err := stx.ExecContext(ctx, h.t.q.move, target.sub, lookupID, h.queue, h.sub)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transport.ErrMessageNotFound
		}
		return nil
	})
}

// Write sends msg to every destination of the handle. msg.ID is assigned
// when empty; SentAt and DestinationQueue are set on msg, and LookupID too
// when the handle has a single existing destination.
func (h *handle) Write(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	if err := h.check("write", transport.SendAccess); err != nil {
		return err
	}
	if msg == nil {
		return transport.NewError("write", h.name, transport.ErrNilMessage)
	}
	if msg.ID == "" {
		msg.ID = ids.CreateULID()
	}
	msg.SentAt = time.Now().UTC()
	msg.DestinationQueue = h.name

	return h.run(ctx, "write", tx, false, func(stx *sql.Tx) error {
		for _, dest := range h.dests {
			stored := msg.Clone()
			stored.DestinationQueue = dest
			key := queueKey(dest)
			if !h.t.queueExists(ctx, stx, key) {
				if err := h.t.ack(ctx, stx, stored, dest, transport.AckBadDestinationQueue); err != nil {
					return err
				}
				continue
			}
			if err := h.t.insert(ctx, stx, key, "", stored); err != nil {
				return err
			}
			if len(h.dests) == 1 {
				msg.LookupID = stored.LookupID
			}
			if err := h.t.ack(ctx, stx, stored, dest, transport.AckReachQueue); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkRejected sends a ReceiveRejected acknowledgment for the message. The
// message itself stays where it is.
func (h *handle) MarkRejected(ctx context.Context, lookupID int64) error {
	if err := h.check("reject", transport.ReceiveAccess); err != nil {
		return err
	}
	return h.t.inTx(ctx, "reject", h.name, func(stx *sql.Tx) error {
		msg, err := h.t.lookup(ctx, stx, h.queue, h.sub, transport.LookupCurrent, lookupID)
		if err != nil {
			return err
		}
		if msg == nil {
			return transport.ErrMessageNotFound
		}
		return h.t.ack(ctx, stx, msg, msg.DestinationQueue, transport.AckReceiveRejected)
	})
}

var _ transport.Queue = (*handle)(nil)
