// Package txlimit bounds the number of transactions open at once. Each
// component that creates transactions owns or is handed a Limiter; there is
// no process-wide counter.
package txlimit

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/metrics"
	"github.com/drblury/queueflow/transport"
)

// DefaultMaxOpen is the default number of concurrently open transactions.
const DefaultMaxOpen = 64

// Limiter is a bounded semaphore over open transactions.
type Limiter struct {
	sem     *semaphore.Weighted
	max     int64
	open    atomic.Int64
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a limiter allowing max open transactions. A non-positive max
// selects DefaultMaxOpen. collector may be nil.
func New(max int64, collector *metrics.Collector) *Limiter {
	if max <= 0 {
		max = DefaultMaxOpen
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		sem:     semaphore.NewWeighted(max),
		max:     max,
		metrics: collector,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Acquire blocks until a slot is free, ctx is done or the limiter is closed.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.ctx.Err() != nil {
		return errspkg.ErrLimiterClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		if l.ctx.Err() != nil {
			return errspkg.ErrLimiterClosed
		}
		return err
	}
	l.metrics.SetOpenTransactions(l.open.Add(1))
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.metrics.SetOpenTransactions(l.open.Add(-1))
	l.sem.Release(1)
}

// Begin takes a slot and starts a transaction on tr. The slot is released
// when the transaction commits or aborts.
func (l *Limiter) Begin(ctx context.Context, tr transport.Transport) (transport.Transaction, error) {
	if err := l.Acquire(ctx); err != nil {
		return nil, err
	}
	tx, err := tr.Begin(ctx)
	if err != nil {
		l.Release()
		return nil, err
	}
	return &limitedTx{tx: tx, release: l.Release}, nil
}

// Open returns the number of slots currently held.
func (l *Limiter) Open() int64 { return l.open.Load() }

// Max returns the limit.
func (l *Limiter) Max() int64 { return l.max }

// Close makes pending and future Acquire calls fail with ErrLimiterClosed.
// Held slots can still be released.
func (l *Limiter) Close() {
	l.cancel()
}

type limitedTx struct {
	tx      transport.Transaction
	once    sync.Once
	release func()
}

func (t *limitedTx) Commit() error {
	defer t.done()
	return t.tx.Commit()
}

func (t *limitedTx) Abort() error {
	defer t.done()
	return t.tx.Abort()
}

func (t *limitedTx) done() { t.once.Do(t.release) }

// Unwrap returns the transport transaction.
func (t *limitedTx) Unwrap() transport.Transaction { return t.tx }

var _ transport.Wrapper = (*limitedTx)(nil)
