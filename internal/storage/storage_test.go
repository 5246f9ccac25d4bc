package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/chirpstack-device-manager/internal/test"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

type StorageTestSuite struct {
	suite.Suite

	gateway     storage.GatewaySessionStore
	application storage.ApplicationSessionStore
}

func (ts *StorageTestSuite) SetupSuite() {
	if !test.IntegrationEnabled() {
		ts.T().Skip("TEST_POSTGRES_DSN and TEST_REDIS_SERVERS must be set")
	}

	assert := require.New(ts.T())
	conf := test.GetConfig()
	conf.PostgreSQL.Automigrate = false
	assert.NoError(storage.Setup(conf))

	ts.application = storage.NewApplicationSessionStore()
}

func (ts *StorageTestSuite) SetupTest() {
	test.MustFlushRedis()
	test.MustResetDB(storage.DB().DB)
	require.NoError(ts.T(), devicetype.SyncBuiltins(context.Background(), storage.DB()))
}

func (ts *StorageTestSuite) TestPing() {
	ts.NoError(storage.Ping(context.Background()))
}

func (ts *StorageTestSuite) TestGatewaySession() {
	ctx := context.Background()

	sessions := []storage.GatewaySession{
		{
			ApplicationID: "1",
			DevEUI:        lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
			DevAddr:       lorawan.DevAddr{1, 2, 3, 4},
			NwkSKey:       lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			Band:          band.EU868,
			RX2Frequency:  869525000,
			ADRInterval:   20,
			NbTrans:       1,
		},
		{
			ApplicationID: "1",
			DevEUI:        lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
			Band:          band.EU868,
		},
	}

	ts.T().Run("Create", func(t *testing.T) {
		assert := require.New(t)
		n, err := ts.gateway.CreateGatewaySessions(ctx, sessions)
		assert.NoError(err)
		assert.Equal(2, n)
	})

	ts.T().Run("Create existing", func(t *testing.T) {
		assert := require.New(t)
		n, err := ts.gateway.CreateGatewaySessions(ctx, sessions[:1])
		assert.NoError(err)
		assert.Equal(0, n)
	})

	ts.T().Run("Get", func(t *testing.T) {
		assert := require.New(t)
		gs, err := ts.gateway.GetGatewaySession(ctx, sessions[0].Key())
		assert.NoError(err)
		assert.Equal(sessions[0], gs)
	})

	ts.T().Run("Save", func(t *testing.T) {
		assert := require.New(t)
		s := sessions[0]
		s.ADRInterval = 30
		assert.NoError(ts.gateway.SaveGatewaySession(ctx, s))

		gs, err := ts.gateway.GetGatewaySession(ctx, s.Key())
		assert.NoError(err)
		assert.Equal(30, gs.ADRInterval)
	})

	ts.T().Run("Save missing", func(t *testing.T) {
		assert := require.New(t)
		s := sessions[0]
		s.DevEUI = lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
		assert.Equal(storage.ErrDoesNotExist, errors.Cause(ts.gateway.SaveGatewaySession(ctx, s)))
	})

	ts.T().Run("Existing keys", func(t *testing.T) {
		assert := require.New(t)
		missing := storage.Key{ApplicationID: "1", DevEUI: lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}}
		keys, err := ts.gateway.GetExistingGatewaySessionKeys(ctx, []storage.Key{sessions[0].Key(), missing, sessions[1].Key()})
		assert.NoError(err)
		assert.Equal([]storage.Key{sessions[0].Key(), sessions[1].Key()}, keys)
	})

	ts.T().Run("Delete", func(t *testing.T) {
		assert := require.New(t)
		n, err := ts.gateway.DeleteGatewaySession(ctx, sessions[0].Key())
		assert.NoError(err)
		assert.EqualValues(1, n)

		n, err = ts.gateway.DeleteGatewaySession(ctx, sessions[0].Key())
		assert.NoError(err)
		assert.EqualValues(0, n)

		_, err = ts.gateway.GetGatewaySession(ctx, sessions[0].Key())
		assert.Equal(storage.ErrDoesNotExist, errors.Cause(err))
	})
}

func (ts *StorageTestSuite) TestApplicationSession() {
	ctx := context.Background()
	nwkSKey := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	lat := 51.5

	sessions := []storage.ApplicationSession{
		{
			ApplicationID:   "1",
			DevEUI:          lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
			DeviceType:      "smart_plug",
			Mode:            storage.ModeABP,
			Class:           storage.ClassC,
			MulticastGroups: []int64{1},
			NwkSKey:         &nwkSKey,
			Latitude:        &lat,
		},
		{
			ApplicationID: "1",
			DevEUI:        lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
			DeviceType:    "temperature_sensor",
			Mode:          storage.ModeOTAA,
			Class:         storage.ClassA,
		},
	}

	ts.T().Run("Create", func(t *testing.T) {
		assert := require.New(t)
		n, err := ts.application.CreateApplicationSessions(ctx, sessions)
		assert.NoError(err)
		assert.Equal(2, n)
	})

	ts.T().Run("Create existing rolls back the batch", func(t *testing.T) {
		assert := require.New(t)
		batch := []storage.ApplicationSession{
			{
				ApplicationID: "1",
				DevEUI:        lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3},
				DeviceType:    "smart_plug",
				Mode:          storage.ModeABP,
				Class:         storage.ClassC,
			},
			sessions[0],
		}
		_, err := ts.application.CreateApplicationSessions(ctx, batch)
		assert.Equal(storage.ErrAlreadyExists, errors.Cause(err))

		_, err = ts.application.GetApplicationSession(ctx, batch[0].Key())
		assert.Equal(storage.ErrDoesNotExist, errors.Cause(err))
	})

	ts.T().Run("Unknown device-type", func(t *testing.T) {
		assert := require.New(t)
		_, err := ts.application.CreateApplicationSessions(ctx, []storage.ApplicationSession{
			{
				ApplicationID: "1",
				DevEUI:        lorawan.EUI64{4, 4, 4, 4, 4, 4, 4, 4},
				DeviceType:    "coffee_machine",
				Mode:          storage.ModeABP,
			},
		})
		assert.Error(err)
	})

	ts.T().Run("Get", func(t *testing.T) {
		assert := require.New(t)
		as, err := ts.application.GetApplicationSession(ctx, sessions[0].Key())
		assert.NoError(err)
		assert.Equal("smart_plug", as.DeviceType)
		assert.Equal(storage.ClassC, as.Class)
		assert.EqualValues([]int64{1}, as.MulticastGroups)
		assert.Equal(&nwkSKey, as.NwkSKey)
		assert.Nil(as.DevAddr)
		assert.Equal(&lat, as.Latitude)
	})

	ts.T().Run("Update", func(t *testing.T) {
		assert := require.New(t)
		as, err := ts.application.GetApplicationSession(ctx, sessions[0].Key())
		assert.NoError(err)

		as.InMaintenance = true
		as.MulticastGroups = []int64{1, 2}
		assert.NoError(ts.application.UpdateApplicationSession(ctx, &as))

		as, err = ts.application.GetApplicationSession(ctx, sessions[0].Key())
		assert.NoError(err)
		assert.True(as.InMaintenance)
		assert.EqualValues([]int64{1, 2}, as.MulticastGroups)
	})

	ts.T().Run("Update command-buffer", func(t *testing.T) {
		assert := require.New(t)
		buf := storage.CommandBuffer{
			Current:      "0F01",
			Previous:     "0E01",
			PendingCount: 1,
		}
		assert.NoError(ts.application.UpdateCommandBuffer(ctx, sessions[0].Key(), 2, buf))

		as, err := ts.application.GetApplicationSession(ctx, sessions[0].Key())
		assert.NoError(err)
		got := as.CommandBuffers.Get(2)
		assert.Equal("0F01", got.Current)
		assert.Equal("0E01", got.Previous)
		assert.Equal(1, got.PendingCount)
		assert.True(as.CommandBuffers.Get(0).IsEmpty())
	})

	ts.T().Run("Update keeps command-buffers written after read", func(t *testing.T) {
		assert := require.New(t)
		stale, err := ts.application.GetApplicationSession(ctx, sessions[0].Key())
		assert.NoError(err)

		buf := storage.CommandBuffer{Current: "0F00", Previous: "0E00", PendingCount: 2}
		assert.NoError(ts.application.UpdateCommandBuffer(ctx, sessions[0].Key(), 2, buf))

		stale.InMaintenance = false
		assert.NoError(ts.application.UpdateApplicationSession(ctx, &stale))

		as, err := ts.application.GetApplicationSession(ctx, sessions[0].Key())
		assert.NoError(err)
		assert.False(as.InMaintenance)
		assert.Equal("0F00", as.CommandBuffers.Get(2).Current)
		assert.Equal(2, as.CommandBuffers.Get(2).PendingCount)
	})

	ts.T().Run("Existing keys", func(t *testing.T) {
		assert := require.New(t)
		missing := storage.Key{ApplicationID: "1", DevEUI: lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}}
		keys, err := ts.application.GetExistingApplicationSessionKeys(ctx, []storage.Key{missing, sessions[1].Key()})
		assert.NoError(err)
		assert.Equal([]storage.Key{sessions[1].Key()}, keys)
	})

	ts.T().Run("Delete", func(t *testing.T) {
		assert := require.New(t)
		n, err := ts.application.DeleteApplicationSession(ctx, sessions[1].Key())
		assert.NoError(err)
		assert.EqualValues(1, n)

		n, err = ts.application.DeleteApplicationSession(ctx, sessions[1].Key())
		assert.NoError(err)
		assert.EqualValues(0, n)
	})
}

func (ts *StorageTestSuite) TestGatewaySessionChanged() {
	assert := require.New(ts.T())
	ctx := context.Background()
	key := storage.Key{ApplicationID: "1", DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}}

	_, err := storage.GetGatewaySessionChanged(ctx, key)
	assert.Equal(storage.ErrDoesNotExist, errors.Cause(err))

	now := time.Unix(1700000000, 0)
	assert.NoError(storage.SetGatewaySessionChanged(ctx, key, now))

	ts2, err := storage.GetGatewaySessionChanged(ctx, key)
	assert.NoError(err)
	assert.True(now.Equal(ts2))

	gs := storage.GatewaySession{ApplicationID: key.ApplicationID, DevEUI: key.DevEUI}
	n, err := storage.GatewaySessionStore{}.CreateGatewaySessions(ctx, []storage.GatewaySession{gs})
	assert.NoError(err)
	assert.Equal(1, n)

	// deleting the gateway-session removes the tracking record
	_, err = storage.GatewaySessionStore{}.DeleteGatewaySession(ctx, key)
	assert.NoError(err)
	_, err = storage.GetGatewaySessionChanged(ctx, key)
	assert.Equal(storage.ErrDoesNotExist, errors.Cause(err))

	// the store methods restore the flag of a re-created gateway-session
	assert.NoError(storage.GatewaySessionStore{}.SetGatewaySessionChanged(ctx, key, now))
	ts2, err = storage.GatewaySessionStore{}.GetGatewaySessionChanged(ctx, key)
	assert.NoError(err)
	assert.True(now.Equal(ts2))
}

func (ts *StorageTestSuite) TestDeviceType() {
	assert := require.New(ts.T())
	ctx := context.Background()

	dt := storage.DeviceType{
		Name:         "door_lock",
		Family:       "simple_actuator",
		Collection:   "door_lock_telemetry",
		RelayCount:   1,
		DefaultClass: storage.ClassC,
		Commands: storage.DeviceTypeCommands{
			"on": {State: "on", Segments: []string{"4101"}},
		},
	}
	assert.NoError(storage.CreateDeviceType(ctx, storage.DB(), &dt))
	assert.Equal(storage.ErrAlreadyExists, errors.Cause(storage.CreateDeviceType(ctx, storage.DB(), &dt)))

	got, err := storage.GetDeviceType(ctx, storage.DB(), "door_lock")
	assert.NoError(err)
	assert.Equal(dt.Commands, got.Commands)
	assert.Equal(storage.ClassC, got.DefaultClass)

	dt.Collection = "door_lock_v2"
	assert.NoError(storage.UpdateDeviceType(ctx, storage.DB(), &dt))
	got, err = storage.GetDeviceType(ctx, storage.DB(), "door_lock")
	assert.NoError(err)
	assert.Equal("door_lock_v2", got.Collection)

	all, err := storage.GetDeviceTypes(ctx, storage.DB())
	assert.NoError(err)
	assert.Len(all, len(devicetype.Builtins())+1)

	assert.NoError(storage.DeleteDeviceType(ctx, storage.DB(), "door_lock"))
	_, err = storage.GetDeviceType(ctx, storage.DB(), "door_lock")
	assert.Equal(storage.ErrDoesNotExist, errors.Cause(err))
}

func TestStorage(t *testing.T) {
	suite.Run(t, new(StorageTestSuite))
}
