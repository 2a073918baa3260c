package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/queueflow/transport"
)

func TestBuiltinTransportsRegistered(t *testing.T) {
	for _, name := range []string{"memory", "sqlite", "postgres", "postgresql"} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, transport.DefaultRegistry.Has(name))
			assert.True(t, transport.GetCapabilities(name).SupportsReliableRouting())
		})
	}
}
