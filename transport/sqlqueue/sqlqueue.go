// Package sqlqueue implements the transactional queue transport on top of
// database/sql. Messages live in one table keyed by an auto-incremented
// lookup id; subqueues are a column, so moving a message keeps its lookup id.
// Acknowledgments are inserted into the administration queue inside the same
// SQL transaction as the operation that produced them, which makes them
// visible exactly when that transaction commits.
//
// Blocking peeks and reads are emulated by polling.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/queueflow/transport"
)

// DefaultPollInterval is how often blocked peeks and reads poll for new rows.
const DefaultPollInterval = 100 * time.Millisecond

// Config holds engine configuration shared by the SQL transports.
type Config struct {
	// PollInterval is the interval blocked operations poll at.
	PollInterval time.Duration
	// Queues are created when the engine starts.
	Queues []string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Transport is a queue transport backed by a SQL database.
type Transport struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter
	q       queries

	handlesMu sync.Mutex
	handles   map[*handle]struct{}

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New creates the schema in db and returns a transport using it. The
// transport owns db and closes it on Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	t := &Transport{
		db:         db,
		dialect:    dialect,
		config:     cfg,
		logger:     logger,
		q:          buildQueries(dialect),
		handles:    make(map[*handle]struct{}),
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	for _, name := range cfg.Queues {
		if err := t.CreateQueue(ctx, name); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Transport) initSchema(ctx context.Context) error {
	for _, stmt := range t.dialect.Schema {
		if _, err := t.db.ExecContext(ctx, t.dialect.format(stmt)); err != nil {
			return err
		}
	}
	return nil
}

func queueKey(name string) string {
	base, _ := transport.SplitSubqueue(strings.TrimSpace(name))
	return strings.ToLower(base)
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Open returns a handle on formatName. Opening a queue for receive, peek or
// move creates it.
func (t *Transport) Open(formatName string, mode transport.AccessMode, share transport.ShareMode) (transport.Queue, error) {
	if err := transport.ValidateFormatName(formatName); err != nil {
		return nil, transport.NewError("open", formatName, err)
	}
	if t.isClosed() {
		return nil, transport.NewError("open", formatName, transport.ErrClosed)
	}

	h := &handle{
		t:      t,
		name:   formatName,
		mode:   mode,
		closed: make(chan struct{}),
	}

	switch mode {
	case transport.SendAccess:
		for _, dest := range transport.SplitDestinations(formatName) {
			if _, sub := transport.SplitSubqueue(dest); sub != "" {
				return nil, transport.NewError("open", formatName, transport.ErrInvalidFormatName)
			}
		}
		h.dests = transport.SplitDestinations(formatName)
	case transport.ReceiveAccess, transport.PeekAccess, transport.MoveAccess:
		if transport.IsMulticast(formatName) {
			return nil, transport.NewError("open", formatName, transport.ErrInvalidFormatName)
		}
		h.queue = queueKey(formatName)
		_, h.sub = transport.SplitSubqueue(formatName)
		if err := t.CreateQueue(context.Background(), h.queue); err != nil {
			return nil, err
		}
	default:
		return nil, transport.NewError("open", formatName, transport.ErrAccessDenied)
	}

	t.handlesMu.Lock()
	t.handles[h] = struct{}{}
	t.handlesMu.Unlock()
	return h, nil
}

// Begin starts a SQL transaction.
func (t *Transport) Begin(ctx context.Context) (transport.Transaction, error) {
	if t.isClosed() {
		return nil, transport.NewError("begin", "", transport.ErrClosed)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, transport.NewError("begin", "", err)
	}
	return &sqlTx{t: t, tx: tx}, nil
}

// Close cancels pending operations and closes the database.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.handlesMu.Lock()
	handles := make([]*handle, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.handlesMu.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}

	return t.db.Close()
}

// GetDB returns the underlying database connection for advanced use cases.
func (t *Transport) GetDB() *sql.DB {
	return t.db
}

// CreateQueue creates a queue. Creating an existing queue is a no-op.
func (t *Transport) CreateQueue(ctx context.Context, name string) error {
	if err := transport.ValidateFormatName(name); err != nil || transport.IsMulticast(name) {
		return transport.NewError("create", name, transport.ErrInvalidFormatName)
	}
	if _, err := t.db.ExecContext(ctx, t.q.createQueue, queueKey(name)); err != nil {
		return transport.NewError("create", name, err)
	}
	return nil
}

// DeleteQueue removes a queue. Its messages produce QueueDeleted
// acknowledgments and later writes produce BadDestinationQueue.
func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	key := queueKey(name)
	return t.inTx(ctx, "delete", name, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, t.q.deleteQueue, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transport.ErrQueueNotFound
		}
		rows, err := t.selectAll(ctx, tx, key, "", false)
		if err != nil {
			return err
		}
		for _, msg := range rows {
			if err := t.removeWithAck(ctx, tx, msg, transport.AckQueueDeleted); err != nil {
				return err
			}
		}
		return nil
	})
}

// Purge removes every message from formatName (a queue or subqueue) and
// returns how many were removed.
func (t *Transport) Purge(ctx context.Context, formatName string) (int64, error) {
	key := queueKey(formatName)
	_, sub := transport.SplitSubqueue(formatName)
	var n int64
	err := t.inTx(ctx, "purge", formatName, func(tx *sql.Tx) error {
		if !t.queueExists(ctx, tx, key) {
			return transport.ErrQueueNotFound
		}
		rows, err := t.selectAll(ctx, tx, key, sub, true)
		if err != nil {
			return err
		}
		for _, msg := range rows {
			if err := t.removeWithAck(ctx, tx, msg, transport.AckQueuePurged); err != nil {
				return err
			}
		}
		n = int64(len(rows))
		return nil
	})
	return n, err
}

// Count returns the number of committed messages in formatName.
func (t *Transport) Count(ctx context.Context, formatName string) (int64, error) {
	key := queueKey(formatName)
	_, sub := transport.SplitSubqueue(formatName)
	var n int64
	err := t.inTx(ctx, "count", formatName, func(tx *sql.Tx) error {
		if !t.queueExists(ctx, tx, key) {
			return transport.ErrQueueNotFound
		}
		return tx.QueryRowContext(ctx, t.q.count, key, sub).Scan(&n)
	})
	return n, err
}

// inTx runs fn in its own transaction, committing when fn succeeds.
func (t *Transport) inTx(ctx context.Context, op, name string, fn func(*sql.Tx) error) error {
	if t.isClosed() {
		return transport.NewError(op, name, transport.ErrClosed)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return transport.NewError(op, name, err)
	}
	if err := fn(tx); err != nil {
		t.rollback(tx)
		return transport.NewError(op, name, mapError(err))
	}
	if err := tx.Commit(); err != nil {
		return transport.NewError(op, name, err)
	}
	return nil
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.Error("failed to rollback transaction", err, nil)
	}
}

// mapError turns context cancellation into transport cancellation.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", transport.ErrCanceled, err)
	}
	return err
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Purger       = (*Transport)(nil)
	_ transport.Counter      = (*Transport)(nil)
	_ transport.QueueCreator = (*Transport)(nil)
)
