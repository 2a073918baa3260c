package transport

import (
	"context"
	"errors"
	"time"
)

type marker string

func (m marker) Commit() error { return nil }
func (m marker) Abort() error  { return nil }

var (
	// Single runs the operation in its own transaction that commits when the
	// operation succeeds. A nil Transaction means the same.
	Single Transaction = marker("single")
	// Ambient uses the transaction stored in the operation's context by WithTransaction.
	Ambient Transaction = marker("ambient")
)

type ambientKey struct{}

// WithTransaction stores tx as the ambient transaction of ctx.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, ambientKey{}, tx)
}

// AmbientTransaction returns the transaction stored by WithTransaction.
func AmbientTransaction(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(ambientKey{}).(Transaction)
	return tx, ok && tx != nil
}

// Wrapper is implemented by transactions that decorate another transaction,
// such as the limiter's slot-holding transactions.
type Wrapper interface {
	Unwrap() Transaction
}

// Unwrap strips every Wrapper layer from tx.
func Unwrap(tx Transaction) Transaction {
	for {
		w, ok := tx.(Wrapper)
		if !ok {
			return tx
		}
		tx = w.Unwrap()
	}
}

// ResolveTransaction maps the markers onto a concrete, unwrapped
// transaction. It returns nil for single-operation semantics.
func ResolveTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	tx = Unwrap(tx)
	switch tx {
	case nil, Single:
		return nil, nil
	case Ambient:
		amb, ok := AmbientTransaction(ctx)
		if !ok || amb == Ambient {
			return nil, ErrNoAmbientTransaction
		}
		amb = Unwrap(amb)
		if amb == Single {
			return nil, nil
		}
		return amb, nil
	default:
		return tx, nil
	}
}

// PeekWait checks for a message without blocking and only then suspends until
// one arrives, avoiding a needless wait when the queue is already non-empty.
func PeekWait(ctx context.Context, q Queue, timeout time.Duration, tx Transaction) (*Message, error) {
	msg, err := q.Peek(ctx, 0, tx)
	if err == nil || !IsTimeout(err) || timeout == 0 {
		return msg, err
	}
	return q.Peek(ctx, timeout, tx)
}

// ReadWait is the receiving counterpart of PeekWait.
func ReadWait(ctx context.Context, q Queue, timeout time.Duration, tx Transaction) (*Message, error) {
	msg, err := q.Read(ctx, 0, tx)
	if err == nil || !IsTimeout(err) || timeout == 0 {
		return msg, err
	}
	return q.Read(ctx, timeout, tx)
}

// Finish commits tx when err is nil and aborts it otherwise, returning the
// first error encountered.
func Finish(tx Transaction, err error) error {
	if err != nil {
		if abortErr := tx.Abort(); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return err
	}
	return tx.Commit()
}
