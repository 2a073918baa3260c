package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/internal/runtime/metadata"
	"github.com/drblury/queueflow/transport"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage reads a message row and returns the message with its subqueue.
func scanMessage(r rowScanner) (*transport.Message, string, error) {
	var (
		msg        transport.Message
		queue, sub string
		ackTypes   int64
		ackClass   int64
		ttrq, ttbr int64
		sentAt     int64
		props      string
	)
	err := r.Scan(&msg.LookupID, &queue, &sub, &msg.ID, &msg.Label, &msg.CorrelationID, &msg.Body,
		&msg.AppSpecific, &msg.ResponseQueue, &msg.AdministrationQueue, &msg.DestinationQueue,
		&ackTypes, &ackClass, &ttrq, &ttbr, &sentAt, &props)
	if err != nil {
		return nil, "", err
	}
	msg.AcknowledgeTypes = transport.AckTypes(ackTypes)
	msg.Acknowledgment = transport.AckClass(ackClass)
	msg.TimeToReachQueue = time.Duration(ttrq) * time.Millisecond
	msg.TimeToBeReceived = time.Duration(ttbr) * time.Millisecond
	if sentAt != 0 {
		msg.SentAt = time.Unix(0, sentAt).UTC()
	}
	if msg.Properties, err = metadata.Decode([]byte(props)); err != nil {
		return nil, "", err
	}
	return &msg, sub, nil
}

func (t *Transport) queueExists(ctx context.Context, tx *sql.Tx, key string) bool {
	var n int
	if err := tx.QueryRowContext(ctx, t.q.queueExists, key).Scan(&n); err != nil {
		t.logger.Error("failed to look up queue", err, watermill.LogFields{"queue": key})
		return false
	}
	return n > 0
}

// insert stores msg in queue key and sets its lookup id.
func (t *Transport) insert(ctx context.Context, tx *sql.Tx, key, sub string, msg *transport.Message) error {
	props, err := msg.Properties.Encode()
	if err != nil {
		return err
	}
	var sentAt int64
	if !msg.SentAt.IsZero() {
		sentAt = msg.SentAt.UnixNano()
	}
	return tx.QueryRowContext(ctx, t.q.insert,
		key, sub, msg.ID, msg.Label, msg.CorrelationID, msg.Body, msg.AppSpecific,
		msg.ResponseQueue, msg.AdministrationQueue, msg.DestinationQueue,
		int64(msg.AcknowledgeTypes), int64(msg.Acknowledgment),
		msg.TimeToReachQueue.Milliseconds(), msg.TimeToBeReceived.Milliseconds(),
		sentAt, string(props),
	).Scan(&msg.LookupID)
}

// lookup returns the message action addresses, or nil when there is none.
func (t *Transport) lookup(ctx context.Context, tx *sql.Tx, key, sub string, action transport.LookupAction, lookupID int64) (*transport.Message, error) {
	args := []any{key, sub}
	if usesLookupID(action) {
		args = append(args, lookupID)
	}
	msg, _, err := scanMessage(tx.QueryRowContext(ctx, t.q.lookup[action], args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// selectAll returns the messages of queue key. With filter set only
// subqueue sub is returned.
func (t *Transport) selectAll(ctx context.Context, tx *sql.Tx, key, sub string, filter bool) ([]*transport.Message, error) {
	rows, err := tx.QueryContext(ctx, t.q.selectAll, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*transport.Message
	for rows.Next() {
		msg, rowSub, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if filter && rowSub != sub {
			continue
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (t *Transport) remove(ctx context.Context, tx *sql.Tx, lookupID int64) error {
	_, err := tx.ExecContext(ctx, t.q.deleteMessage, lookupID)
	return err
}

func (t *Transport) removeWithAck(ctx context.Context, tx *sql.Tx, msg *transport.Message, outcome transport.AckClass) error {
	if err := t.remove(ctx, tx, msg.LookupID); err != nil {
		return err
	}
	return t.ack(ctx, tx, msg, msg.DestinationQueue, outcome)
}

// ack inserts the acknowledgment for outcome into msg's administration queue
// when the sender asked for it. It is committed with tx.
func (t *Transport) ack(ctx context.Context, tx *sql.Tx, msg *transport.Message, dest string, outcome transport.AckClass) error {
	class := transport.AckFor(msg, outcome)
	if class == transport.AckNone {
		return nil
	}
	admin := queueKey(msg.AdministrationQueue)
	if !t.queueExists(ctx, tx, admin) {
		t.logger.Debug("Dropping acknowledgment, administration queue does not exist", watermill.LogFields{
			"admin_queue": msg.AdministrationQueue,
			"message_id":  msg.ID,
			"class":       class.String(),
		})
		return nil
	}
	a := transport.NewAcknowledgment(msg, dest, class)
	a.ID = ids.CreateULID()
	a.SentAt = time.Now().UTC()
	return t.insert(ctx, tx, admin, "", a)
}
