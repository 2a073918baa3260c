package memory

import (
	"github.com/benbjohnson/clock"

	"github.com/drblury/queueflow/transport"
)

type queue struct {
	name       string
	nextLookup int64
	// entries are ordered by lookup id.
	entries []*entry
	deleted bool

	receivers int
	exclusive *handle
}

type entry struct {
	q   *queue
	msg *transport.Message
	sub string

	// Pending changes of the owning transaction.
	owner    *memTx
	inserted bool
	deleted  bool
	received bool
	moved    bool
	moveTo   string

	// expired is set when the receive deadline passed while locked.
	expired bool
	timer   *clock.Timer
	removed bool
}

func (q *queue) insert(msg *transport.Message, sub string) *entry {
	q.nextLookup++
	msg.LookupID = q.nextLookup
	e := &entry{q: q, msg: msg, sub: sub}
	q.entries = append(q.entries, e)
	return e
}

func (q *queue) remove(e *entry) {
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	e.removed = true
	e.stopTimer()
}

func (q *queue) acquireReceive(h *handle, share transport.ShareMode) error {
	if q.exclusive != nil {
		return transport.ErrAccessDenied
	}
	if share == transport.DenyReceiveShare {
		if q.receivers > 0 {
			return transport.ErrAccessDenied
		}
		q.exclusive = h
	}
	q.receivers++
	return nil
}

func (q *queue) releaseReceive(h *handle) {
	if q.exclusive == h {
		q.exclusive = nil
	}
	if q.receivers > 0 {
		q.receivers--
	}
}

// visibleTo returns the subqueue e appears in for tx, or false when tx cannot
// see it. Pending changes are only visible to their own transaction and
// entries locked by another transaction are hidden.
func (e *entry) visibleTo(tx *memTx) (string, bool) {
	if e.owner == nil {
		return e.sub, true
	}
	if e.owner != tx || e.deleted {
		return "", false
	}
	if e.moved {
		return e.moveTo, true
	}
	return e.sub, true
}

// find returns the entries of sub visible to tx, in lookup id order.
func (q *queue) find(sub string, tx *memTx) []*entry {
	var out []*entry
	for _, e := range q.entries {
		if s, ok := e.visibleTo(tx); ok && s == sub {
			out = append(out, e)
		}
	}
	return out
}

func (q *queue) lookup(sub string, tx *memTx, action transport.LookupAction, lookupID int64) *entry {
	visible := q.find(sub, tx)
	if len(visible) == 0 {
		return nil
	}
	switch action {
	case transport.LookupFirst:
		return visible[0]
	case transport.LookupLast:
		return visible[len(visible)-1]
	case transport.LookupCurrent, transport.LookupReceiveCurrent:
		for _, e := range visible {
			if e.msg.LookupID == lookupID {
				return e
			}
		}
	case transport.LookupNext:
		for _, e := range visible {
			if e.msg.LookupID > lookupID {
				return e
			}
		}
	case transport.LookupPrevious:
		for i := len(visible) - 1; i >= 0; i-- {
			if visible[i].msg.LookupID < lookupID {
				return visible[i]
			}
		}
	}
	return nil
}

func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *entry) resetPending() {
	e.owner = nil
	e.inserted = false
	e.deleted = false
	e.received = false
	e.moved = false
	e.moveTo = ""
}
