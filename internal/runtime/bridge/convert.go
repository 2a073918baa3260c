// Package bridge exposes queues through Watermill's Publisher and Subscriber
// interfaces so Watermill routers and middleware can sit on top of the
// transactional transport.
package bridge

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/queueflow/internal/runtime/metadata"
	"github.com/drblury/queueflow/transport"
)

// ToTransport converts a Watermill message into a queue message. The label,
// correlation id and response queue travel in metadata under the queueflow
// keys and are lifted back into their fields.
func ToTransport(msg *message.Message) *transport.Message {
	props := metadata.FromWatermill(msg.Metadata)
	out := &transport.Message{
		ID:            msg.UUID,
		Label:         props[metadata.KeyLabel],
		CorrelationID: props[metadata.KeyCorrelationID],
		ResponseQueue: props[metadata.KeyResponseQueue],
		Body:          append([]byte(nil), msg.Payload...),
	}
	delete(props, metadata.KeyLabel)
	delete(props, metadata.KeyCorrelationID)
	delete(props, metadata.KeyResponseQueue)
	if len(props) > 0 {
		out.Properties = props
	}
	return out
}

// FromTransport converts a queue message into a Watermill message.
func FromTransport(msg *transport.Message) *message.Message {
	out := message.NewMessage(msg.ID, append([]byte(nil), msg.Body...))
	props := msg.Properties.Clone()
	for key, value := range map[string]string{
		metadata.KeyLabel:         msg.Label,
		metadata.KeyCorrelationID: msg.CorrelationID,
		metadata.KeyResponseQueue: msg.ResponseQueue,
	} {
		if value != "" {
			props[key] = value
		}
	}
	out.Metadata = metadata.ToWatermill(props)
	return out
}
