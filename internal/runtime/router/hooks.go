package router

import (
	"time"

	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/tracking"
)

// BatchInfo describes a committed batch.
type BatchInfo struct {
	InputQueue string
	// Size is the number of messages moved and sent.
	Size int
	// Quarantined is the number of messages the bad-message handler took.
	Quarantined    int
	CommitDuration time.Duration
}

// DeliveryInfo describes a routed message whose delivery was confirmed and
// which was removed from the in-progress subqueue.
type DeliveryInfo struct {
	InputQueue string
	LookupID   int64
	Key        tracking.Key
	// Recovered is set for messages found in the in-progress subqueue on start.
	Recovered bool
}

// QuarantineInfo describes a message moved to the poison subqueue.
type QuarantineInfo struct {
	InputQueue  string
	LookupID    int64
	Destination string
	Err         error
	Recovered   bool
}

// Hooks are callbacks for router events. Nil hooks are not called. Hooks
// run on the router's goroutines and should return quickly.
type Hooks struct {
	OnBatchCommitted func(BatchInfo)
	OnDelivered      func(DeliveryInfo)
	OnQuarantined    func(QuarantineInfo)
}

// Merge combines two Hooks; the hooks from other run after the ones from h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnBatchCommitted: chain(h.OnBatchCommitted, other.OnBatchCommitted),
		OnDelivered:      chain(h.OnDelivered, other.OnDelivered),
		OnQuarantined:    chain(h.OnQuarantined, other.OnQuarantined),
	}
}

func chain[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

func (h Hooks) batchCommitted(info BatchInfo) {
	if h.OnBatchCommitted != nil {
		h.OnBatchCommitted(info)
	}
}

func (h Hooks) delivered(info DeliveryInfo) {
	if h.OnDelivered != nil {
		h.OnDelivered(info)
	}
}

func (h Hooks) quarantined(info QuarantineInfo) {
	if h.OnQuarantined != nil {
		h.OnQuarantined(info)
	}
}

// LoggingHooks returns hooks that log router events.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	logger = logging.OrNop(logger)
	return Hooks{
		OnBatchCommitted: func(b BatchInfo) {
			logger.Info("Batch routed", logging.LogFields{
				"input_queue": b.InputQueue,
				"size":        b.Size,
				"quarantined": b.Quarantined,
				"commit_ms":   b.CommitDuration.Milliseconds(),
			})
		},
		OnDelivered: func(d DeliveryInfo) {
			logger.Debug("Message delivered", logging.LogFields{
				"input_queue": d.InputQueue,
				"lookup_id":   d.LookupID,
				"message_id":  d.Key.MessageID,
				"destination": d.Key.Destination,
				"recovered":   d.Recovered,
			})
		},
		OnQuarantined: func(q QuarantineInfo) {
			logger.Error("Message quarantined", q.Err, logging.LogFields{
				"input_queue": q.InputQueue,
				"lookup_id":   q.LookupID,
				"destination": q.Destination,
				"recovered":   q.Recovered,
			})
		},
	}
}
