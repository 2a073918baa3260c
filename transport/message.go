package transport

import (
	"fmt"
	"time"

	"github.com/drblury/queueflow/internal/runtime/metadata"
)

// AckClass is the outcome code the transport reports for a sent message.
// Bit 15 marks a negative acknowledgment, bit 14 the receive family.
type AckClass uint16

const (
	AckNone                    AckClass = 0x0000
	AckReachQueue              AckClass = 0x0002
	AckReceive                 AckClass = 0x4000
	AckBadDestinationQueue     AckClass = 0x8000
	AckPurged                  AckClass = 0x8001
	AckReachQueueTimeout       AckClass = 0x8002
	AckQueueExceedMaximumSize  AckClass = 0x8003
	AckAccessDenied            AckClass = 0x8004
	AckHopCountExceeded        AckClass = 0x8005
	AckBadSignature            AckClass = 0x8006
	AckBadEncryption           AckClass = 0x8007
	AckCouldNotEncrypt         AckClass = 0x8008
	AckNotTransactionalQueue   AckClass = 0x8009
	AckNotTransactionalMessage AckClass = 0x800A
	AckQueueDeleted            AckClass = 0xC000
	AckQueuePurged             AckClass = 0xC001
	AckReceiveTimeout          AckClass = 0xC002
	AckReceiveRejected         AckClass = 0xC004
)

var ackClassNames = map[AckClass]string{
	AckNone:                    "none",
	AckReachQueue:              "reach_queue",
	AckReceive:                 "receive",
	AckBadDestinationQueue:     "bad_destination_queue",
	AckPurged:                  "purged",
	AckReachQueueTimeout:       "reach_queue_timeout",
	AckQueueExceedMaximumSize:  "queue_exceed_maximum_size",
	AckAccessDenied:            "access_denied",
	AckHopCountExceeded:        "hop_count_exceeded",
	AckBadSignature:            "bad_signature",
	AckBadEncryption:           "bad_encryption",
	AckCouldNotEncrypt:         "could_not_encrypt",
	AckNotTransactionalQueue:   "not_transactional_queue",
	AckNotTransactionalMessage: "not_transactional_message",
	AckQueueDeleted:            "queue_deleted",
	AckQueuePurged:             "queue_purged",
	AckReceiveTimeout:          "receive_timeout",
	AckReceiveRejected:         "receive_rejected",
}

func (c AckClass) String() string {
	if name, ok := ackClassNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ack_class(0x%04X)", uint16(c))
}

// IsNegative reports whether the class denotes a failure.
func (c AckClass) IsNegative() bool { return c&0x8000 != 0 }

// IsReceiveFamily reports whether the class relates to the message being
// received rather than reaching its queue.
func (c AckClass) IsReceiveFamily() bool { return c&0x4000 != 0 }

// IsTimeout reports whether the class is one of the two timeout classes.
func (c AckClass) IsTimeout() bool {
	return c == AckReachQueueTimeout || c == AckReceiveTimeout
}

// AckTypes is the set of acknowledgments a sender asks for.
type AckTypes uint16

const (
	AckTypeNone                     AckTypes = 0
	AckTypePositiveArrival          AckTypes = 0x01
	AckTypePositiveReceive          AckTypes = 0x02
	AckTypeNotAcknowledgeReachQueue AckTypes = 0x04
	AckTypeNotAcknowledgeReceive    AckTypes = 0x08

	// AckTypeFullReachQueue asks for both the positive arrival ack and
	// negative acks when the message cannot reach its queue.
	AckTypeFullReachQueue = AckTypePositiveArrival | AckTypeNotAcknowledgeReachQueue
	// AckTypeFullReceive asks for both the positive receive ack and negative
	// acks when the message is not received.
	AckTypeFullReceive = AckTypePositiveReceive | AckTypeNotAcknowledgeReceive
)

// Has reports whether every bit of want is requested.
func (t AckTypes) Has(want AckTypes) bool { return t&want == want }

// Message is a queue message plus the metadata the reliability layer relies on.
type Message struct {
	// ID is assigned by the transport on Write unless already set.
	ID string
	// LookupID is queue-local and stable until the message leaves its queue.
	// Moving between subqueues of one queue keeps it.
	LookupID int64

	Label         string
	CorrelationID string
	Body          []byte
	AppSpecific   int

	ResponseQueue       string
	AdministrationQueue string
	// DestinationQueue is set by the transport to the queue the message was written to.
	DestinationQueue string

	AcknowledgeTypes AckTypes
	// Acknowledgment is only set on messages read from an administration queue.
	Acknowledgment AckClass

	TimeToReachQueue time.Duration
	TimeToBeReceived time.Duration
	SentAt           time.Time

	Properties metadata.Metadata
}

// IsAcknowledgment reports whether the message is an admin-queue ack.
func (m *Message) IsAcknowledgment() bool {
	return m != nil && m.Acknowledgment != AckNone
}

// Clone returns a copy that shares no mutable state with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	c.Properties = m.Properties.Clone()
	return &c
}

// Forward returns a copy ready to be written elsewhere: queue-local and
// acknowledgment fields are cleared while ID, label, body and properties stay.
func (m *Message) Forward() *Message {
	c := m.Clone()
	if c == nil {
		return nil
	}
	c.LookupID = 0
	c.DestinationQueue = ""
	c.Acknowledgment = AckNone
	c.AcknowledgeTypes = AckTypeNone
	c.AdministrationQueue = ""
	c.SentAt = time.Time{}
	return c
}

// NewAcknowledgment builds the admin message reporting class for the message
// msg that was written to destination.
func NewAcknowledgment(msg *Message, destination string, class AckClass) *Message {
	return &Message{
		Label:            msg.Label,
		CorrelationID:    msg.ID,
		AppSpecific:      msg.AppSpecific,
		DestinationQueue: destination,
		Acknowledgment:   class,
		Properties:       msg.Properties.Clone(),
	}
}

// AckFor returns the acknowledgment class the sender of msg asked to be told
// about for outcome, or AckNone when that outcome was not requested.
func AckFor(msg *Message, outcome AckClass) AckClass {
	if msg == nil || msg.AdministrationQueue == "" {
		return AckNone
	}
	types := msg.AcknowledgeTypes
	switch {
	case outcome == AckReachQueue:
		if types.Has(AckTypePositiveArrival) {
			return outcome
		}
	case outcome == AckReceive:
		if types.Has(AckTypePositiveReceive) {
			return outcome
		}
	case outcome.IsNegative() && outcome.IsReceiveFamily():
		if types.Has(AckTypeNotAcknowledgeReceive) {
			return outcome
		}
	case outcome.IsNegative():
		if types.Has(AckTypeNotAcknowledgeReachQueue) || types.Has(AckTypeNotAcknowledgeReceive) {
			return outcome
		}
	}
	return AckNone
}
