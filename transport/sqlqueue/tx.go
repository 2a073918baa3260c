package sqlqueue

import (
	"context"
	"database/sql"
	"sync"

	"github.com/drblury/queueflow/transport"
)

type sqlTx struct {
	t    *Transport
	tx   *sql.Tx
	mu   sync.Mutex
	done bool
}

func (s *sqlTx) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return transport.NewError("commit", "", transport.ErrTransactionDone)
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return transport.NewError("commit", "", err)
	}
	return nil
}

func (s *sqlTx) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return transport.NewError("abort", "", transport.ErrTransactionDone)
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil {
		return transport.NewError("abort", "", err)
	}
	return nil
}

func (s *sqlTx) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// run executes fn inside tx, or inside a transaction of its own when tx
// resolves to single-operation semantics. readOnly single operations are
// rolled back instead of committed, releasing their row locks.
func (h *handle) run(ctx context.Context, op string, tx transport.Transaction, readOnly bool, fn func(*sql.Tx) error) error {
	resolved, err := transport.ResolveTransaction(ctx, tx)
	if err != nil {
		return transport.NewError(op, h.name, err)
	}
	if resolved == nil {
		if readOnly {
			return h.t.inReadTx(ctx, op, h.name, fn)
		}
		return h.t.inTx(ctx, op, h.name, fn)
	}

	stx, ok := resolved.(*sqlTx)
	if !ok || stx.t != h.t {
		return transport.NewError(op, h.name, transport.ErrForeignTransaction)
	}
	if stx.isDone() {
		return transport.NewError(op, h.name, transport.ErrTransactionDone)
	}
	if err := fn(stx.tx); err != nil {
		return transport.NewError(op, h.name, mapError(err))
	}
	return nil
}

func (t *Transport) inReadTx(ctx context.Context, op, name string, fn func(*sql.Tx) error) error {
	if t.isClosed() {
		return transport.NewError(op, name, transport.ErrClosed)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return transport.NewError(op, name, mapError(err))
	}
	defer t.rollback(tx)
	if err := fn(tx); err != nil {
		return transport.NewError(op, name, mapError(err))
	}
	return nil
}
