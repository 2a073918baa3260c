package sqlqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/queueflow/internal/runtime/metadata"
	"github.com/drblury/queueflow/transport"
)

const admin = "admin"

func newTestTransport(t *testing.T, queues ...string) *Transport {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	tr, err := New(context.Background(), db, SQLite, Config{
		PollInterval: 5 * time.Millisecond,
		Queues:       append([]string{admin}, queues...),
	}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func open(t *testing.T, tr *Transport, name string, mode transport.AccessMode) transport.Queue {
	t.Helper()
	q, err := tr.Open(name, mode, transport.ShareAll)
	require.NoError(t, err)
	return q
}

func tracked(label string) *transport.Message {
	return &transport.Message{
		Label:               label,
		Body:                []byte(label),
		AdministrationQueue: admin,
		AcknowledgeTypes:    transport.AckTypeFullReachQueue | transport.AckTypeFullReceive,
		Properties:          metadata.New("tenant", "acme"),
	}
}

func drainAcks(t *testing.T, tr *Transport) []*transport.Message {
	t.Helper()
	in := open(t, tr, admin, transport.ReceiveAccess)
	defer in.Close()
	var out []*transport.Message
	for {
		msg, err := in.Read(context.Background(), 0, nil)
		if transport.IsTimeout(err) {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func TestDialectFormat(t *testing.T) {
	t.Run("sqlite keeps question marks", func(t *testing.T) {
		got := SQLite.format(`SELECT * FROM %[1]squeues WHERE name = ? AND x = ?`)
		assert.Equal(t, `SELECT * FROM queues WHERE name = ? AND x = ?`, got)
	})

	t.Run("postgres numbers placeholders and prefixes tables", func(t *testing.T) {
		got := Postgres("qf").format(`SELECT * FROM %[1]squeues WHERE name = ? AND x = ?`)
		assert.Equal(t, `SELECT * FROM qf.queues WHERE name = $1 AND x = $2`, got)
	})

	t.Run("postgres lookups skip locked rows", func(t *testing.T) {
		q := buildQueries(Postgres("qf"))
		assert.Contains(t, q.lookup[transport.LookupFirst], "FOR UPDATE SKIP LOCKED")
		assert.NotContains(t, q.count, "FOR UPDATE")
	})

	t.Run("schema statements without a table survive formatting", func(t *testing.T) {
		assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS qf", Postgres("qf").format(Postgres("qf").Schema[0]))
	})
}

func TestWriteAndRead(t *testing.T) {
	tr := newTestTransport(t, "orders")
	out := open(t, tr, "orders", transport.SendAccess)
	in := open(t, tr, "orders", transport.ReceiveAccess)
	ctx := context.Background()

	msg := tracked("orders.created")
	msg.TimeToReachQueue = 30 * time.Second
	require.NoError(t, out.Write(ctx, msg, nil))
	assert.NotEmpty(t, msg.ID)

	got, err := in.Read(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "orders.created", got.Label)
	assert.Equal(t, []byte("orders.created"), got.Body)
	assert.Equal(t, "orders", got.DestinationQueue)
	assert.Equal(t, "acme", got.Properties.Get("tenant", ""))
	assert.Equal(t, 30*time.Second, got.TimeToReachQueue)
	assert.True(t, got.AcknowledgeTypes.Has(transport.AckTypeFullReceive))

	ackMsgs := drainAcks(t, tr)
	require.Len(t, ackMsgs, 2)
	assert.Equal(t, transport.AckReachQueue, ackMsgs[0].Acknowledgment)
	assert.Equal(t, transport.AckReceive, ackMsgs[1].Acknowledgment)
	assert.Equal(t, msg.ID, ackMsgs[1].CorrelationID)
	assert.Equal(t, "orders", ackMsgs[1].DestinationQueue)
}

func TestAbortDiscardsWritesAndAcks(t *testing.T) {
	tr := newTestTransport(t, "orders")
	out := open(t, tr, "orders", transport.SendAccess)
	ctx := context.Background()

	tx, err := tr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, out.Write(ctx, tracked("a"), tx))
	require.NoError(t, tx.Abort())

	n, err := tr.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, drainAcks(t, tr))

	assert.ErrorIs(t, tx.Commit(), transport.ErrTransactionDone)
	assert.ErrorIs(t, out.Write(ctx, tracked("b"), tx), transport.ErrTransactionDone)
}

func TestMoveAndCommit(t *testing.T) {
	tr := newTestTransport(t, "orders")
	out := open(t, tr, "orders", transport.SendAccess)
	in := open(t, tr, "orders", transport.ReceiveAccess)
	progress := open(t, tr, "orders;inprogress", transport.ReceiveAccess)
	ctx := context.Background()

	require.NoError(t, out.Write(ctx, &transport.Message{Label: "a"}, nil))

	tx, err := tr.Begin(ctx)
	require.NoError(t, err)
	first, err := in.Peek(ctx, 0, tx)
	require.NoError(t, err)
	require.NoError(t, in.Move(ctx, first.LookupID, progress, tx))

	moved, err := progress.Lookup(ctx, transport.LookupCurrent, first.LookupID, tx)
	require.NoError(t, err, "moved message is visible to its own transaction")
	assert.Equal(t, first.ID, moved.ID)
	require.NoError(t, tx.Commit())

	n, err := tr.Count(ctx, "orders;inprogress")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = tr.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, n)

	err = in.Move(ctx, first.LookupID, progress, nil)
	assert.ErrorIs(t, err, transport.ErrMessageNotFound)
}

func TestLookupActions(t *testing.T) {
	tr := newTestTransport(t, "orders")
	out := open(t, tr, "orders", transport.SendAccess)
	in := open(t, tr, "orders", transport.ReceiveAccess)
	ctx := context.Background()

	var lookupIDs []int64
	for _, l := range []string{"a", "b", "c"} {
		require.NoError(t, out.Write(ctx, &transport.Message{Label: l}, nil))
		msg, err := in.Lookup(ctx, transport.LookupLast, 0, nil)
		require.NoError(t, err)
		lookupIDs = append(lookupIDs, msg.LookupID)
	}

	tests := []struct {
		name   string
		action transport.LookupAction
		id     int64
		want   string
	}{
		{"first", transport.LookupFirst, 0, "a"},
		{"last", transport.LookupLast, 0, "c"},
		{"next", transport.LookupNext, lookupIDs[0], "b"},
		{"previous", transport.LookupPrevious, lookupIDs[2], "b"},
		{"current", transport.LookupCurrent, lookupIDs[1], "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := in.Lookup(ctx, tt.action, tt.id, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Label)
		})
	}

	_, err := in.Lookup(ctx, transport.LookupNext, lookupIDs[2], nil)
	assert.ErrorIs(t, err, transport.ErrMessageNotFound)

	got, err := in.Lookup(ctx, transport.LookupReceiveCurrent, lookupIDs[1], nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Label)
	n, err := tr.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBadDestinationAndMulticast(t *testing.T) {
	tr := newTestTransport(t, "a")
	out := open(t, tr, transport.JoinDestinations("a", "missing"), transport.SendAccess)
	ctx := context.Background()

	msg := tracked("fan")
	require.NoError(t, out.Write(ctx, msg, nil))

	ackMsgs := drainAcks(t, tr)
	require.Len(t, ackMsgs, 2)
	assert.Equal(t, transport.AckReachQueue, ackMsgs[0].Acknowledgment)
	assert.Equal(t, "a", ackMsgs[0].DestinationQueue)
	assert.Equal(t, transport.AckBadDestinationQueue, ackMsgs[1].Acknowledgment)
	assert.Equal(t, "missing", ackMsgs[1].DestinationQueue)
	assert.Equal(t, msg.ID, ackMsgs[1].CorrelationID)
}

func TestBlockingReadPolls(t *testing.T) {
	tr := newTestTransport(t, "orders")
	out := open(t, tr, "orders", transport.SendAccess)
	in := open(t, tr, "orders", transport.ReceiveAccess)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = out.Write(ctx, &transport.Message{Label: "late"}, nil)
	}()

	msg, err := in.Read(ctx, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "late", msg.Label)

	_, err = in.Peek(ctx, 10*time.Millisecond, nil)
	assert.True(t, transport.IsTimeout(err))
}

func TestCloseCancelsPendingPeek(t *testing.T) {
	tr := newTestTransport(t, "orders")
	in := open(t, tr, "orders", transport.PeekAccess)

	errs := make(chan error, 1)
	go func() {
		_, err := in.Peek(context.Background(), transport.Infinite, nil)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, in.Close())

	select {
	case err := <-errs:
		assert.True(t, transport.IsCanceled(err))
	case <-time.After(time.Second):
		t.Fatal("pending peek was not canceled")
	}
}

func TestMarkRejectedPurgeAndDelete(t *testing.T) {
	tr := newTestTransport(t, "orders", "billing")
	ctx := context.Background()
	outOrders := open(t, tr, "orders", transport.SendAccess)
	outBilling := open(t, tr, "billing", transport.SendAccess)
	in := open(t, tr, "orders", transport.ReceiveAccess)

	require.NoError(t, outOrders.Write(ctx, tracked("o1"), nil))
	require.NoError(t, outBilling.Write(ctx, tracked("b1"), nil))

	first, err := in.Peek(ctx, 0, nil)
	require.NoError(t, err)
	require.NoError(t, in.MarkRejected(ctx, first.LookupID))

	n, err := tr.Purge(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, tr.DeleteQueue(ctx, "orders"))
	assert.ErrorIs(t, tr.DeleteQueue(ctx, "orders"), transport.ErrQueueNotFound)

	var classes []transport.AckClass
	for _, a := range drainAcks(t, tr) {
		classes = append(classes, a.Acknowledgment)
	}
	assert.Equal(t, []transport.AckClass{
		transport.AckReachQueue,
		transport.AckReachQueue,
		transport.AckReceiveRejected,
		transport.AckQueuePurged,
		transport.AckQueueDeleted,
	}, classes)
}

func TestAccessChecks(t *testing.T) {
	tr := newTestTransport(t, "orders")
	ctx := context.Background()

	_, err := tr.Open("orders;poison", transport.SendAccess, transport.ShareAll)
	assert.ErrorIs(t, err, transport.ErrInvalidFormatName)

	in := open(t, tr, "orders", transport.ReceiveAccess)
	assert.ErrorIs(t, in.Write(ctx, &transport.Message{}, nil), transport.ErrAccessDenied)

	out := open(t, tr, "orders", transport.SendAccess)
	assert.ErrorIs(t, out.Write(ctx, nil, nil), transport.ErrNilMessage)
	assert.ErrorIs(t, out.Write(ctx, &transport.Message{}, foreignTx{}), transport.ErrForeignTransaction)

	other := open(t, tr, "billing;poison", transport.MoveAccess)
	assert.ErrorIs(t, in.Move(ctx, 1, other, nil), transport.ErrInvalidFormatName)
}

type foreignTx struct{}

func (foreignTx) Commit() error { return nil }
func (foreignTx) Abort() error  { return nil }
