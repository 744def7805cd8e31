package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestConnectivityEventsAreReserved(t *testing.T) {
	for _, name := range []string{EventConnect, EventDisconnect, EventReconnecting, EventConnectError} {
		assert.True(t, isConnectivityEvent(name), name)
	}
	assert.False(t, isConnectivityEvent("new_message"))
}
