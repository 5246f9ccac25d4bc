package band

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

func TestGetDefaults(t *testing.T) {
	assert := require.New(t)

	var conf config.Config
	conf.DeviceManager.Band.Name = loraband.EU868
	assert.NoError(Setup(conf))
	assert.Equal(loraband.EU868, DefaultName())

	t.Run("EU868", func(t *testing.T) {
		assert := require.New(t)

		d, err := GetDefaults(loraband.EU868, lorawan.DevAddr{1, 2, 3, 4})
		assert.NoError(err)
		assert.EqualValues(869525000, d.RX2Frequency)
		assert.Equal(0, d.RX2DR)
		assert.EqualValues(1, d.RXDelay)
		assert.EqualValues(869525000, d.ClassBFrequency)
	})

	t.Run("Unknown band", func(t *testing.T) {
		assert := require.New(t)

		_, err := GetDefaults(loraband.Name("XX123"), lorawan.DevAddr{})
		assert.Error(err)
	})
}
