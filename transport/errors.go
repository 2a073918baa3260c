package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no message became available before the timeout.
	ErrTimeout = errors.New("transport: timeout waiting for message")
	// ErrCanceled is returned when a pending operation observed its handle being
	// closed or its context being done. It marks intentional shutdown, not a fault.
	ErrCanceled = errors.New("transport: operation canceled")
	// ErrMessageNotFound is returned by Lookup, Move and MarkRejected when no
	// message matches the lookup id.
	ErrMessageNotFound = errors.New("transport: message not found")
	// ErrQueueNotFound is returned when a queue must exist but does not.
	ErrQueueNotFound = errors.New("transport: queue not found")
	// ErrClosed is returned by operations started on an already closed handle or transport.
	ErrClosed = errors.New("transport: handle is closed")
	// ErrAccessDenied is returned when the handle's access mode forbids the operation.
	ErrAccessDenied = errors.New("transport: access denied")
	// ErrInvalidFormatName is returned for malformed queue identifiers.
	ErrInvalidFormatName = errors.New("transport: invalid format name")
	// ErrTransactionDone is returned when a transaction is used after Commit or Abort.
	ErrTransactionDone = errors.New("transport: transaction already finished")
	// ErrForeignTransaction is returned when a transaction from another transport is passed in.
	ErrForeignTransaction = errors.New("transport: transaction belongs to a different transport")
	// ErrNoAmbientTransaction is returned when Ambient is used without a transaction in the context.
	ErrNoAmbientTransaction = errors.New("transport: no ambient transaction in context")
	// ErrNilMessage is returned by Write when no message is given.
	ErrNilMessage = errors.New("transport: message is nil")
)

// ErrorCode classifies transport failures.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeTimeout
	CodeCanceled
	CodeNotFound
	CodeQueueNotFound
	CodeAccessDenied
	CodeInvalidFormatName
	CodeTransaction
	CodeStorage
)

func (c ErrorCode) String() string {
	switch c {
	case CodeTimeout:
		return "timeout"
	case CodeCanceled:
		return "canceled"
	case CodeNotFound:
		return "not_found"
	case CodeQueueNotFound:
		return "queue_not_found"
	case CodeAccessDenied:
		return "access_denied"
	case CodeInvalidFormatName:
		return "invalid_format_name"
	case CodeTransaction:
		return "transaction"
	case CodeStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a failed queue operation carrying a transport error code.
type Error struct {
	Op    string
	Queue string
	Code  ErrorCode
	Err   error
}

func (e *Error) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("transport: %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("transport: %s %s failed (%s): %v", e.Op, e.Queue, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err, deriving the code from well-known sentinels.
func NewError(op, queue string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Queue: queue, Code: CodeOf(err), Err: err}
}

// CodeOf returns the error code for err.
func CodeOf(err error) ErrorCode {
	var te *Error
	switch {
	case err == nil:
		return CodeUnknown
	case errors.As(err, &te):
		return te.Code
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCanceled), errors.Is(err, ErrClosed):
		return CodeCanceled
	case errors.Is(err, ErrMessageNotFound):
		return CodeNotFound
	case errors.Is(err, ErrQueueNotFound):
		return CodeQueueNotFound
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrInvalidFormatName):
		return CodeInvalidFormatName
	case errors.Is(err, ErrTransactionDone), errors.Is(err, ErrForeignTransaction), errors.Is(err, ErrNoAmbientTransaction):
		return CodeTransaction
	default:
		return CodeStorage
	}
}

// IsCanceled reports whether err means the operation was cut short by shutdown.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, ErrClosed)
}

// IsTimeout reports whether err is a receive timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
