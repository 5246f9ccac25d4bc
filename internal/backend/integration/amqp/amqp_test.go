package amqp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-manager/internal/backend/integration"
	"github.com/brocaar/lorawan"
)

func TestEventRoutingKey(t *testing.T) {
	assert := require.New(t)

	b, err := newBackend("application.{{ .ApplicationID }}.device.{{ .DevEUI }}.event.{{ .EventType }}", "", "", nil)
	assert.NoError(err)

	key, err := b.eventRoutingKeyString(integration.GatewaySessionChangedEvent{
		ApplicationID: "app-1",
		DevEUI:        lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
	})
	assert.NoError(err)
	assert.Equal("application.app-1.device.0807060504030201.event.gateway_session_changed", key)
}
