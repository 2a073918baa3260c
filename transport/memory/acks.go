package memory

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/benbjohnson/clock"

	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/transport"
)

type pendingAck struct {
	msg   *transport.Message
	dest  string
	class transport.AckClass
}

// transitItem is a committed message waiting for an unreachable destination.
type transitItem struct {
	msg   *transport.Message
	dest  string
	timer *clock.Timer
}

func (i *transitItem) stop() {
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

// ackLocked posts the acknowledgment for outcome to msg's administration
// queue when the sender asked for it.
func (t *Transport) ackLocked(msg *transport.Message, dest string, outcome transport.AckClass) {
	class := transport.AckFor(msg, outcome)
	if class == transport.AckNone {
		return
	}
	admin, ok := t.queues[queueKey(msg.AdministrationQueue)]
	if !ok {
		t.logger.Debug("Dropping acknowledgment, administration queue does not exist", watermill.LogFields{
			"admin_queue": msg.AdministrationQueue,
			"message_id":  msg.ID,
			"class":       class.String(),
		})
		return
	}
	ack := transport.NewAcknowledgment(msg, dest, class)
	ack.ID = ids.CreateULID()
	ack.SentAt = t.clock.Now()
	admin.insert(ack, "")
}

// arriveLocked places a committed message in its destination queue.
func (t *Transport) arriveLocked(msg *transport.Message, dest string) {
	q, ok := t.queues[queueKey(dest)]
	if !ok {
		t.ackLocked(msg, dest, transport.AckBadDestinationQueue)
		return
	}
	e := q.insert(msg, "")
	t.ackLocked(msg, dest, transport.AckReachQueue)
	t.scheduleReceiveDeadlineLocked(e)
}

func (t *Transport) startTransitLocked(item *transitItem) {
	key := queueKey(item.dest)
	if !t.unreachable[key] {
		t.arriveLocked(item.msg, item.dest)
		return
	}
	t.transit[key] = append(t.transit[key], item)
	if ttrq := item.msg.TimeToReachQueue; ttrq > 0 {
		item.timer = t.clock.AfterFunc(ttrq, func() { t.reachTimeout(item) })
	}
}

func (t *Transport) reachTimeout(item *transitItem) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := queueKey(item.dest)
	items := t.transit[key]
	for i, cur := range items {
		if cur != item {
			continue
		}
		t.transit[key] = append(items[:i], items[i+1:]...)
		item.timer = nil
		t.ackLocked(item.msg, item.dest, transport.AckReachQueueTimeout)
		t.notifyLocked()
		return
	}
}

func (t *Transport) scheduleReceiveDeadlineLocked(e *entry) {
	ttbr := e.msg.TimeToBeReceived
	if ttbr <= 0 || e.timer != nil || t.closed {
		return
	}
	e.timer = t.clock.AfterFunc(ttbr, func() { t.receiveDeadline(e) })
}

func (t *Transport) receiveDeadline(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.timer = nil
	if e.removed || t.closed {
		return
	}
	if e.owner != nil {
		e.expired = true
		return
	}
	t.expireLocked(e)
	t.notifyLocked()
}

func (t *Transport) expireLocked(e *entry) {
	if e.removed {
		return
	}
	e.q.remove(e)
	t.ackLocked(e.msg, e.msg.DestinationQueue, transport.AckReceiveTimeout)
}
