package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/queueflow/internal/runtime/metadata"
)

func TestSubqueueFormatNames(t *testing.T) {
	assert.Equal(t, "orders;poison", Subqueue("orders", "poison"))
	assert.Equal(t, "orders;poison", Subqueue("orders;inprogress", "poison"))

	queue, sub := SplitSubqueue("orders;inprogress")
	assert.Equal(t, "orders", queue)
	assert.Equal(t, "inprogress", sub)

	queue, sub = SplitSubqueue("orders")
	assert.Equal(t, "orders", queue)
	assert.Empty(t, sub)
}

func TestDestinations(t *testing.T) {
	joined := JoinDestinations("a", "b", "c")
	assert.Equal(t, "a,b,c", joined)
	assert.True(t, IsMulticast(joined))
	assert.False(t, IsMulticast("a"))
	assert.Equal(t, []string{"a", "b", "c"}, SplitDestinations(" a, ,b,c "))
}

func TestValidateFormatName(t *testing.T) {
	valid := []string{"orders", "orders;poison", "a,b;sub"}
	for _, name := range valid {
		assert.NoError(t, ValidateFormatName(name), name)
	}

	invalid := []string{"", ";poison", "orders;", "a,,b", "orders;x;y"}
	for _, name := range invalid {
		err := ValidateFormatName(name)
		assert.ErrorIs(t, err, ErrInvalidFormatName, name)
	}
}

func TestAckClassFamilies(t *testing.T) {
	tests := []struct {
		class    AckClass
		negative bool
		receive  bool
		timeout  bool
		name     string
	}{
		{AckReachQueue, false, false, false, "reach_queue"},
		{AckReceive, false, true, false, "receive"},
		{AckBadDestinationQueue, true, false, false, "bad_destination_queue"},
		{AckReachQueueTimeout, true, false, true, "reach_queue_timeout"},
		{AckAccessDenied, true, false, false, "access_denied"},
		{AckReceiveTimeout, true, true, true, "receive_timeout"},
		{AckReceiveRejected, true, true, false, "receive_rejected"},
		{AckQueuePurged, true, true, false, "queue_purged"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.negative, tt.class.IsNegative())
			assert.Equal(t, tt.receive, tt.class.IsReceiveFamily())
			assert.Equal(t, tt.timeout, tt.class.IsTimeout())
			assert.Equal(t, tt.name, tt.class.String())
		})
	}

	assert.Equal(t, "ack_class(0x1234)", AckClass(0x1234).String())
}

func TestAckFor(t *testing.T) {
	msg := &Message{ID: "m1", AdministrationQueue: "admin", AcknowledgeTypes: AckTypeFullReachQueue}

	assert.Equal(t, AckReachQueue, AckFor(msg, AckReachQueue))
	assert.Equal(t, AckBadDestinationQueue, AckFor(msg, AckBadDestinationQueue))
	assert.Equal(t, AckNone, AckFor(msg, AckReceive))
	assert.Equal(t, AckNone, AckFor(msg, AckReceiveRejected))

	msg.AcknowledgeTypes = AckTypeFullReachQueue | AckTypeFullReceive
	assert.Equal(t, AckReceive, AckFor(msg, AckReceive))
	assert.Equal(t, AckReceiveRejected, AckFor(msg, AckReceiveRejected))

	msg.AdministrationQueue = ""
	assert.Equal(t, AckNone, AckFor(msg, AckReachQueue))
}

func TestMessageForwardKeepsIdentity(t *testing.T) {
	msg := &Message{
		ID:                  "m1",
		LookupID:            42,
		Label:               "orders.created",
		Body:                []byte("payload"),
		AdministrationQueue: "admin",
		AcknowledgeTypes:    AckTypeFullReachQueue,
		DestinationQueue:    "input",
		Properties:          metadata.New("k", "v"),
	}

	fwd := msg.Forward()
	assert.Equal(t, "m1", fwd.ID)
	assert.Equal(t, "orders.created", fwd.Label)
	assert.Zero(t, fwd.LookupID)
	assert.Empty(t, fwd.AdministrationQueue)
	assert.Empty(t, fwd.DestinationQueue)

	fwd.Body[0] = 'X'
	fwd.Properties["k"] = "changed"
	assert.Equal(t, "payload", string(msg.Body))
	assert.Equal(t, "v", msg.Properties["k"])
}

func TestNewAcknowledgment(t *testing.T) {
	msg := &Message{ID: "m1", Label: "l", AppSpecific: 7}
	ack := NewAcknowledgment(msg, "dest", AckReachQueue)

	assert.Equal(t, "m1", ack.CorrelationID)
	assert.Equal(t, "dest", ack.DestinationQueue)
	assert.Equal(t, 7, ack.AppSpecific)
	assert.True(t, ack.IsAcknowledgment())
}

type txStub struct{ committed, aborted bool }

func (t *txStub) Commit() error { t.committed = true; return nil }
func (t *txStub) Abort() error  { t.aborted = true; return nil }

func TestResolveTransaction(t *testing.T) {
	ctx := context.Background()

	tx, err := ResolveTransaction(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, tx)

	tx, err = ResolveTransaction(ctx, Single)
	require.NoError(t, err)
	assert.Nil(t, tx)

	_, err = ResolveTransaction(ctx, Ambient)
	assert.ErrorIs(t, err, ErrNoAmbientTransaction)

	real := &txStub{}
	tx, err = ResolveTransaction(WithTransaction(ctx, real), Ambient)
	require.NoError(t, err)
	assert.Same(t, real, tx)

	tx, err = ResolveTransaction(ctx, real)
	require.NoError(t, err)
	assert.Same(t, real, tx)

	wrapped := wrapperStub{wrapperStub{real}}
	tx, err = ResolveTransaction(ctx, wrapped)
	require.NoError(t, err)
	assert.Same(t, real, tx)

	tx, err = ResolveTransaction(WithTransaction(ctx, wrapped), Ambient)
	require.NoError(t, err)
	assert.Same(t, real, tx)

	tx, err = ResolveTransaction(ctx, wrapperStub{Single})
	require.NoError(t, err)
	assert.Nil(t, tx)
}

type wrapperStub struct{ Transaction }

func (w wrapperStub) Unwrap() Transaction { return w.Transaction }

func TestFinish(t *testing.T) {
	ok := &txStub{}
	require.NoError(t, Finish(ok, nil))
	assert.True(t, ok.committed)

	failed := &txStub{}
	boom := errors.New("boom")
	assert.ErrorIs(t, Finish(failed, boom), boom)
	assert.True(t, failed.aborted)
	assert.False(t, failed.committed)
}

func TestErrorCodes(t *testing.T) {
	err := NewError("peek", "orders", ErrTimeout)
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, CodeTimeout, te.Code)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "peek orders failed (timeout)")

	assert.Same(t, err, NewError("read", "x", err))
	assert.Nil(t, NewError("read", "x", nil))

	assert.Equal(t, CodeCanceled, CodeOf(ErrClosed))
	assert.True(t, IsCanceled(NewError("read", "q", ErrCanceled)))
	assert.Equal(t, CodeStorage, CodeOf(errors.New("disk full")))
	assert.Equal(t, CodeTransaction, CodeOf(ErrForeignTransaction))
}
