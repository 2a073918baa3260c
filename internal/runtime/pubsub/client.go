package pubsub

import (
	"context"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/metadata"
	"github.com/drblury/queueflow/transport"
)

// Client talks to a Proxy: it publishes messages and manages the
// subscriptions of one subscriber queue. Writes join the transaction carried
// by ctx, if any.
type Client struct {
	proxy      transport.Queue
	subscriber string
}

// NewClient opens proxyQueue for sending. subscriberQueue is where the proxy
// forwards matching messages; it may be empty for a publish-only client.
func NewClient(tr transport.Transport, proxyQueue, subscriberQueue string) (*Client, error) {
	if tr == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if subscriberQueue != "" {
		if err := transport.ValidateFormatName(subscriberQueue); err != nil {
			return nil, err
		}
	}
	q, err := tr.Open(proxyQueue, transport.SendAccess, transport.ShareAll)
	if err != nil {
		return nil, err
	}
	return &Client{proxy: q, subscriber: subscriberQueue}, nil
}

// Subscribe asks the proxy to forward messages matching label.
func (c *Client) Subscribe(ctx context.Context, label string) error {
	return c.control(ctx, ActionSubscribe, label)
}

// Unsubscribe removes one subscription.
func (c *Client) Unsubscribe(ctx context.Context, label string) error {
	return c.control(ctx, ActionUnsubscribe, label)
}

// Clear removes every subscription of the subscriber queue.
func (c *Client) Clear(ctx context.Context) error {
	return c.control(ctx, ActionClear, "")
}

func (c *Client) control(ctx context.Context, action Action, label string) error {
	if c.subscriber == "" {
		return errspkg.ErrDestinationRequired
	}
	return c.proxy.Write(ctx, &transport.Message{
		Label:         label,
		Body:          []byte(label),
		AppSpecific:   int(action),
		ResponseQueue: c.subscriber,
	}, txFrom(ctx))
}

// Publish sends body under label to the proxy.
func (c *Client) Publish(ctx context.Context, label string, body []byte, props metadata.Metadata) error {
	return c.PublishMessage(ctx, &transport.Message{Label: label, Body: body, Properties: props})
}

// PublishMessage sends msg to the proxy as a publish message.
func (c *Client) PublishMessage(ctx context.Context, msg *transport.Message) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	msg.AppSpecific = int(ActionPublish)
	return c.proxy.Write(ctx, msg, txFrom(ctx))
}

// Close closes the proxy handle.
func (c *Client) Close() error {
	return c.proxy.Close()
}

func txFrom(ctx context.Context) transport.Transaction {
	if _, ok := transport.AmbientTransaction(ctx); ok {
		return transport.Ambient
	}
	return transport.Single
}
