package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/queueflow/transport"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "queueflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "queueflow: logger is required"},
		{"ErrTransportRequired", ErrTransportRequired, "queueflow: transport is required"},
		{"ErrRouteFuncRequired", ErrRouteFuncRequired, "queueflow: routing function is required"},
		{"ErrTrackingExpired", ErrTrackingExpired, "queueflow: tracking entry expired before an acknowledgment arrived"},
		{"ErrAckTimeout", ErrAckTimeout, "queueflow: acknowledgment timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid poll interval")
	err := ConfigValidationError{Err: inner}

	assert.Equal(t, "queueflow: invalid configuration: invalid poll interval", err.Error())
	assert.Same(t, inner, err.Unwrap())
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, NewConfigValidationError(nil))
	})

	t.Run("wraps error correctly", func(t *testing.T) {
		inner := errors.New("bad config")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Same(t, inner, cfgErr.Err)
		assert.ErrorIs(t, err, inner)
	})
}

func TestAckError(t *testing.T) {
	tests := []struct {
		name     string
		class    transport.AckClass
		timeout  bool
		negative bool
	}{
		{"reach timeout", transport.AckReachQueueTimeout, true, false},
		{"receive timeout", transport.AckReceiveTimeout, true, false},
		{"bad destination", transport.AckBadDestinationQueue, false, true},
		{"access denied", transport.AckAccessDenied, false, true},
		{"receive rejected", transport.AckReceiveRejected, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("wait: %w", NewAckError(tt.class, "orders", "m1"))

			assert.Equal(t, tt.timeout, errors.Is(err, ErrAckTimeout))
			assert.Equal(t, tt.negative, errors.Is(err, ErrNegativeAck))

			class, ok := AckClassOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.class, class)

			var ackErr *AckError
			require.ErrorAs(t, err, &ackErr)
			assert.Equal(t, tt.timeout, ackErr.Timeout())
			assert.Equal(t, "orders", ackErr.Destination)
			assert.Contains(t, ackErr.Error(), tt.class.String())
		})
	}

	_, ok := AckClassOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestRoutingError(t *testing.T) {
	err := &RoutingError{LookupID: 7, Err: ErrNoDestination}
	assert.ErrorIs(t, err, ErrNoDestination)
	assert.Equal(t, "queueflow: routing message 7 failed: queueflow: routing function returned no destination", err.Error())

	err = &RoutingError{LookupID: 8, Destination: "out", Err: errors.New("boom")}
	assert.Contains(t, err.Error(), `to "out"`)
}
