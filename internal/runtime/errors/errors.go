package errors

import (
	sterrors "errors"
	"fmt"

	"github.com/drblury/queueflow/transport"
)

var (
	ErrConfigRequired       = sterrors.New("queueflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("queueflow: logger is required")
	ErrTransportRequired    = sterrors.New("queueflow: transport is required")
	ErrPostmanRequired      = sterrors.New("queueflow: postman is required")
	ErrRouteFuncRequired    = sterrors.New("queueflow: routing function is required")
	ErrInputQueueRequired   = sterrors.New("queueflow: input queue is required")
	ErrAdminQueueRequired   = sterrors.New("queueflow: administration queue is required")
	ErrDestinationRequired  = sterrors.New("queueflow: destination queue is required")
	ErrMessageRequired      = sterrors.New("queueflow: message is required")
	ErrCallbackRequired     = sterrors.New("queueflow: callback is required")
	ErrAlreadyStarted       = sterrors.New("queueflow: component already started")
	ErrNotStarted           = sterrors.New("queueflow: component not started")
	ErrTrackingExpired      = sterrors.New("queueflow: tracking entry expired before an acknowledgment arrived")
	ErrAckTimeout           = sterrors.New("queueflow: acknowledgment timeout")
	ErrNegativeAck          = sterrors.New("queueflow: negative acknowledgment")
	ErrNoDestination        = sterrors.New("queueflow: routing function returned no destination")
	ErrRoutingPanic         = sterrors.New("queueflow: routing function panicked")
	ErrLimiterClosed        = sterrors.New("queueflow: transaction limiter closed")
	ErrHandleCacheClosed    = sterrors.New("queueflow: handle cache closed")
	ErrUnknownControlAction = sterrors.New("queueflow: unknown pub-sub control action")
	ErrDeliveryUnknown      = sterrors.New("queueflow: delivery outcome unknown")
	ErrBodyTypeRequired     = sterrors.New("queueflow: body type is required")
	ErrBodyPointerRequired  = sterrors.New("queueflow: body type must be a pointer")
	ErrContentType          = sterrors.New("queueflow: unexpected body content type")
)

// ConfigValidationError wraps every problem found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "queueflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// AckError is a negative acknowledgment reported for one destination.
type AckError struct {
	Class       transport.AckClass
	Destination string
	MessageID   string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("queueflow: message %s to %q acknowledged with %s", e.MessageID, e.Destination, e.Class)
}

// Timeout reports whether the acknowledgment was a reach or receive timeout.
// A timed-out message may still have arrived late.
func (e *AckError) Timeout() bool { return e.Class.IsTimeout() }

// Is lets errors.Is match ErrAckTimeout for timeouts and ErrNegativeAck for
// every other class.
func (e *AckError) Is(target error) bool {
	switch target {
	case ErrAckTimeout:
		return e.Timeout()
	case ErrNegativeAck:
		return !e.Timeout()
	}
	return false
}

// NewAckError builds the failure for a negative acknowledgment class.
func NewAckError(class transport.AckClass, destination, messageID string) *AckError {
	return &AckError{Class: class, Destination: destination, MessageID: messageID}
}

// AckClassOf extracts the acknowledgment class from err, if any.
func AckClassOf(err error) (transport.AckClass, bool) {
	var ackErr *AckError
	if sterrors.As(err, &ackErr) {
		return ackErr.Class, true
	}
	return transport.AckNone, false
}

// RoutingError reports a message the routing function could not place.
type RoutingError struct {
	LookupID    int64
	Destination string
	Err         error
}

func (e *RoutingError) Error() string {
	if e.Destination == "" {
		return fmt.Sprintf("queueflow: routing message %d failed: %v", e.LookupID, e.Err)
	}
	return fmt.Sprintf("queueflow: routing message %d to %q failed: %v", e.LookupID, e.Destination, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }
