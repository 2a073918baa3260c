package memory

import (
	"github.com/drblury/queueflow/transport"
)

type memTx struct {
	t       *Transport
	id      string
	done    bool
	touched []*entry
	acks    []pendingAck
	transit []*transitItem
}

func (tx *memTx) own(e *entry) {
	if e.owner != tx {
		e.owner = tx
		tx.touched = append(tx.touched, e)
	}
}

// Commit applies every pending change and emits the acknowledgments they
// produce.
func (tx *memTx) Commit() error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if tx.done {
		return transport.NewError("commit", "", transport.ErrTransactionDone)
	}
	if err := t.failNextCommit; err != nil {
		t.failNextCommit = nil
		tx.abortLocked()
		return transport.NewError("commit", "", err)
	}
	tx.commitLocked()
	return nil
}

// Abort discards every pending change.
func (tx *memTx) Abort() error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if tx.done {
		return transport.NewError("abort", "", transport.ErrTransactionDone)
	}
	tx.abortLocked()
	return nil
}

func (tx *memTx) commitLocked() {
	t := tx.t
	tx.done = true

	for _, e := range tx.touched {
		if e.owner != tx {
			continue
		}
		msg := e.msg
		dest := msg.DestinationQueue
		inserted, received := e.inserted, e.received

		switch {
		case e.q.deleted:
			e.resetPending()
			e.q.remove(e)
			if inserted {
				t.ackLocked(msg, dest, transport.AckBadDestinationQueue)
			}
		case e.deleted:
			e.resetPending()
			e.q.remove(e)
			if inserted {
				t.ackLocked(msg, dest, transport.AckReachQueue)
			}
			if received {
				t.ackLocked(msg, dest, transport.AckReceive)
			}
		default:
			if e.moved {
				e.sub = e.moveTo
			}
			e.resetPending()
			if inserted {
				t.ackLocked(msg, dest, transport.AckReachQueue)
				t.scheduleReceiveDeadlineLocked(e)
			}
			if e.expired {
				t.expireLocked(e)
			}
		}
	}
	for _, a := range tx.acks {
		t.ackLocked(a.msg, a.dest, a.class)
	}
	for _, item := range tx.transit {
		t.startTransitLocked(item)
	}

	tx.touched, tx.acks, tx.transit = nil, nil, nil
	t.notifyLocked()
}

func (tx *memTx) abortLocked() {
	t := tx.t
	tx.done = true

	for _, e := range tx.touched {
		if e.owner != tx {
			continue
		}
		if e.inserted {
			e.resetPending()
			e.q.remove(e)
			continue
		}
		e.resetPending()
		if e.expired {
			t.expireLocked(e)
		}
	}

	tx.touched, tx.acks, tx.transit = nil, nil, nil
	t.notifyLocked()
}
