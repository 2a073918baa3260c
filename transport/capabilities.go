package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsTransactions indicates operations can be grouped into atomic transactions.
	SupportsTransactions bool

	// SupportsSubqueues indicates messages can be moved into named subqueues.
	SupportsSubqueues bool

	// SupportsAcknowledgments indicates the transport posts reach/receive
	// acknowledgments to administration queues.
	SupportsAcknowledgments bool

	// SupportsReachTimeout indicates TimeToReachQueue can actually expire and
	// produce a reach-timeout acknowledgment.
	SupportsReachTimeout bool

	// SupportsMulticast indicates comma-joined destination lists can be written to.
	SupportsMulticast bool

	// NativeBlockingWait indicates blocking peeks are woken by arrivals rather
	// than emulated by polling.
	NativeBlockingWait bool

	// Durable indicates committed messages survive a process restart.
	Durable bool

	// MaxMessageSize is the maximum body size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string
}

// RequiresPolling returns true if blocking waits are emulated by polling.
func (c Capabilities) RequiresPolling() bool {
	return !c.NativeBlockingWait
}

// SupportsReliableRouting returns true if the transport offers everything the
// batch router needs: transactions, subqueues and acknowledgments.
func (c Capabilities) SupportsReliableRouting() bool {
	return c.SupportsTransactions && c.SupportsSubqueues && c.SupportsAcknowledgments
}

// Predefined capability sets for the bundled transports.
var (
	// MemoryCapabilities for the in-process transport.
	MemoryCapabilities = Capabilities{
		Name:                    "memory",
		SupportsTransactions:    true,
		SupportsSubqueues:       true,
		SupportsAcknowledgments: true,
		SupportsReachTimeout:    true,
		SupportsMulticast:       true,
		NativeBlockingWait:      true,
		Durable:                 false,
	}

	// SQLiteCapabilities for the SQLite-backed transport.
	SQLiteCapabilities = Capabilities{
		Name:                    "sqlite",
		SupportsTransactions:    true,
		SupportsSubqueues:       true,
		SupportsAcknowledgments: true,
		SupportsReachTimeout:    false,
		SupportsMulticast:       true,
		NativeBlockingWait:      false,
		Durable:                 true,
	}

	// PostgresCapabilities for the PostgreSQL-backed transport.
	PostgresCapabilities = Capabilities{
		Name:                    "postgres",
		SupportsTransactions:    true,
		SupportsSubqueues:       true,
		SupportsAcknowledgments: true,
		SupportsReachTimeout:    false,
		SupportsMulticast:       true,
		NativeBlockingWait:      false,
		Durable:                 true,
		MaxMessageSize:          1 << 30,
	}
)

// GetCapabilities returns the capabilities registered for a transport name in
// the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
