// Package metadata holds the string properties carried alongside a queue
// message and the keys queueflow itself writes into them.
package metadata

import (
	"sort"

	"github.com/drblury/queueflow/internal/runtime/jsoncodec"
)

// Keys written by queueflow components.
const (
	// KeyLabel mirrors the message label when a message crosses into Watermill.
	KeyLabel = "queueflow_label"
	// KeyCorrelationID mirrors the correlation id across the Watermill bridge.
	KeyCorrelationID = "queueflow_correlation_id"
	// KeyResponseQueue mirrors the response queue across the Watermill bridge.
	KeyResponseQueue = "queueflow_response_queue"
	// KeyRoutedFrom records the input queue a routed message was taken from.
	KeyRoutedFrom = "queueflow_routed_from"
	// KeyContentType describes how the body was encoded.
	KeyContentType = "content-type"
	// KeyPublishedLabel is the label a proxied publication was fanned out under.
	KeyPublishedLabel = "queueflow_published_label"
	// KeyMessageSchema names the Go type a body was encoded from.
	KeyMessageSchema = "event_message_schema"
)

// Content types set by the body helpers.
const (
	ContentTypeJSON      = "application/json"
	ContentTypeProtobuf  = "application/protobuf"
	ContentTypeProtoJSON = "application/protobuf+json"
)

// Metadata is a set of string properties attached to a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value for key, or fallback when it is missing or empty.
func (m Metadata) Get(key, fallback string) string {
	if v := m[key]; v != "" {
		return v
	}
	return fallback
}

// Keys returns the property names in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode renders the properties as a JSON object for storage. Empty metadata
// encodes to nil.
func (m Metadata) Encode() ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return jsoncodec.Marshal(map[string]string(m))
}

// Decode parses properties produced by Encode. Empty input yields empty metadata.
func Decode(data []byte) (Metadata, error) {
	md := Metadata{}
	if len(data) == 0 {
		return md, nil
	}
	if err := jsoncodec.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return md, nil
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
