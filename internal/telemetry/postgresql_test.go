package telemetry_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/chirpstack-device-manager/internal/telemetry"
	"github.com/brocaar/chirpstack-device-manager/internal/test"
	"github.com/brocaar/lorawan"
)

type PostgreSQLReaderTestSuite struct {
	suite.Suite
}

func (ts *PostgreSQLReaderTestSuite) SetupSuite() {
	if !test.IntegrationEnabled() {
		ts.T().Skip("TEST_POSTGRES_DSN and TEST_REDIS_SERVERS must be set")
	}

	conf := test.GetConfig()
	require.NoError(ts.T(), storage.Setup(conf))
}

func (ts *PostgreSQLReaderTestSuite) SetupTest() {
	test.MustResetDB(storage.DB().DB)
}

func (ts *PostgreSQLReaderTestSuite) TestGetLatest() {
	assert := require.New(ts.T())
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	now := time.Now().Truncate(time.Millisecond)

	relayStates, err := json.Marshal(map[int]string{1: "on", 2: "off"})
	assert.NoError(err)
	parsed, err := json.Marshal(map[string]interface{}{"voltage": 230.1})
	assert.NoError(err)

	for i := 0; i < 3; i++ {
		_, err := storage.DB().Exec(`
			insert into device_telemetry (
				collection,
				dev_eui,
				time,
				status,
				channel_config,
				relay_states,
				parsed
			) values ($1, $2, $3, $4, $5, $6, $7)`,
			"relay_controller_telemetry",
			devEUI[:],
			now.Add(time.Duration(i)*time.Minute),
			"on",
			"doubleChannel",
			relayStates,
			parsed,
		)
		assert.NoError(err)
	}

	// record without parsed data
	_, err = storage.DB().Exec(`
		insert into device_telemetry (collection, dev_eui, time) values ($1, $2, $3)`,
		"relay_controller_telemetry",
		devEUI[:],
		now.Add(-time.Minute),
	)
	assert.NoError(err)

	r := telemetry.NewPostgreSQLReader(storage.DB())

	ts.T().Run("Limit and order", func(t *testing.T) {
		assert := require.New(t)
		records, err := r.GetLatest(ctx, "relay_controller_telemetry", devEUI, 2)
		assert.NoError(err)
		assert.Len(records, 2)
		assert.True(records[0].Time.Equal(now.Add(2 * time.Minute)))
		assert.True(records[1].Time.Equal(now.Add(time.Minute)))
		assert.Equal(telemetry.DoubleChannel, records[0].ChannelConfig)
		assert.Equal(map[int]string{1: "on", 2: "off"}, records[0].RelayStates)
		assert.Equal(map[string]interface{}{"voltage": 230.1}, records[0].Parsed)
	})

	ts.T().Run("Unparsed record", func(t *testing.T) {
		assert := require.New(t)
		records, err := r.GetLatest(ctx, "relay_controller_telemetry", devEUI, 10)
		assert.NoError(err)
		assert.Len(records, 4)
		assert.False(records[3].HasParsedData())
	})

	ts.T().Run("No records", func(t *testing.T) {
		assert := require.New(t)
		records, err := r.GetLatest(ctx, "smart_plug_telemetry", devEUI, 10)
		assert.NoError(err)
		assert.Len(records, 0)
	})
}

func TestPostgreSQLReader(t *testing.T) {
	suite.Run(t, new(PostgreSQLReaderTestSuite))
}
