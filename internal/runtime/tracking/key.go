// Package tracking correlates sent messages with the acknowledgments the
// transport reports for them.
package tracking

import (
	"fmt"
	"strings"

	"github.com/drblury/queueflow/transport"
)

// Key identifies one sent message at one destination. Keys compare equal when
// destination (ignoring case) and message id match; LookupID is carried along
// for cleanup but takes no part in equality.
type Key struct {
	Destination string
	MessageID   string
	LookupID    int64
}

// Equal reports whether k and other address the same delivery.
func (k Key) Equal(other Key) bool {
	return k.MessageID == other.MessageID && strings.EqualFold(k.Destination, other.Destination)
}

// IsMulticast reports whether the destination lists more than one queue.
func (k Key) IsMulticast() bool {
	return transport.IsMulticast(k.Destination)
}

// Split returns one key per destination of a multicast key, or k itself.
func (k Key) Split() []Key {
	return Keys(k.Destination, k.MessageID, k.LookupID)
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.MessageID, k.Destination)
}

// Keys builds the per-destination keys for a message sent to destination.
func Keys(destination, messageID string, lookupID int64) []Key {
	dests := transport.SplitDestinations(destination)
	keys := make([]Key, 0, len(dests))
	for _, d := range dests {
		keys = append(keys, Key{Destination: d, MessageID: messageID, LookupID: lookupID})
	}
	return keys
}

// cacheKey is the comparable form of Key used for map lookups.
type cacheKey struct {
	destination string
	messageID   string
}

func (k Key) normalize() cacheKey {
	return cacheKey{destination: strings.ToLower(strings.TrimSpace(k.Destination)), messageID: k.MessageID}
}
