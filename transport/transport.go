// Package transport defines the queue abstraction queueflow builds on: queue
// handles with peek/read/lookup/move/write primitives, short-lived
// transactions and subqueues. Each implementation (memory, sqlite, postgres)
// lives in its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Infinite makes Peek, Read and Lookup wait until a message arrives, the handle
// is closed or the context is done.
const Infinite time.Duration = -1

// AccessMode selects what a queue handle may be used for.
type AccessMode int

const (
	// ReceiveAccess allows Peek, Read, Lookup, Move and MarkRejected.
	ReceiveAccess AccessMode = iota + 1
	// SendAccess allows Write.
	SendAccess
	// PeekAccess allows Peek and peek-style Lookup only.
	PeekAccess
	// MoveAccess is required on the destination subqueue of a Move.
	MoveAccess
)

func (m AccessMode) String() string {
	switch m {
	case ReceiveAccess:
		return "receive"
	case SendAccess:
		return "send"
	case PeekAccess:
		return "peek"
	case MoveAccess:
		return "move"
	default:
		return "unknown"
	}
}

// ShareMode controls whether other handles may receive from the same queue.
type ShareMode int

const (
	// ShareAll lets any number of handles receive concurrently.
	ShareAll ShareMode = iota
	// DenyReceiveShare grants the handle exclusive receive access.
	DenyReceiveShare
)

// LookupAction selects the message a Lookup call addresses relative to a lookup id.
type LookupAction int

const (
	// LookupCurrent peeks the message with exactly the given lookup id.
	LookupCurrent LookupAction = iota
	// LookupNext peeks the first message with a lookup id greater than the given one.
	LookupNext
	// LookupPrevious peeks the last message with a lookup id smaller than the given one.
	LookupPrevious
	// LookupFirst peeks the first message in the queue; the lookup id is ignored.
	LookupFirst
	// LookupLast peeks the last message in the queue; the lookup id is ignored.
	LookupLast
	// LookupReceiveCurrent removes the message with exactly the given lookup id.
	LookupReceiveCurrent
)

// Transport opens queue handles and begins transactions.
type Transport interface {
	Open(formatName string, mode AccessMode, share ShareMode) (Queue, error)
	Begin(ctx context.Context) (Transaction, error)
	Close() error
}

// Queue is a handle on one queue, one subqueue, or (send only) a comma-joined
// list of destinations.
//
// A nil Transaction behaves like Single. Peek, Read and Lookup return
// ErrTimeout when nothing is available before the timeout and ErrCanceled when
// the handle is closed or ctx is done while waiting.
type Queue interface {
	FormatName() string
	Peek(ctx context.Context, timeout time.Duration, tx Transaction) (*Message, error)
	Read(ctx context.Context, timeout time.Duration, tx Transaction) (*Message, error)
	Lookup(ctx context.Context, action LookupAction, lookupID int64, tx Transaction) (*Message, error)
	Move(ctx context.Context, lookupID int64, dest Queue, tx Transaction) error
	Write(ctx context.Context, msg *Message, tx Transaction) error
	MarkRejected(ctx context.Context, lookupID int64) error
	Close() error
}

// Transaction groups queue operations that commit or abort together.
type Transaction interface {
	Commit() error
	Abort() error
}

// Purger is implemented by transports that can empty a queue.
type Purger interface {
	Purge(ctx context.Context, formatName string) (int64, error)
}

// Counter is implemented by transports that can report queue depth.
type Counter interface {
	Count(ctx context.Context, formatName string) (int64, error)
}

// QueueCreator is implemented by transports whose queues must exist before use.
type QueueCreator interface {
	CreateQueue(ctx context.Context, name string) error
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// GetPollInterval is used by transports that emulate blocking waits by polling.
	GetPollInterval() time.Duration
}
