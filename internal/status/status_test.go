package status

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-device-manager/internal/device"
	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/chirpstack-device-manager/internal/telemetry"
	"github.com/brocaar/chirpstack-device-manager/internal/test"
	"github.com/brocaar/lorawan"
)

type EngineTestSuite struct {
	suite.Suite

	gateway     *test.GatewaySessionStore
	application *test.ApplicationSessionStore
	telemetry   *test.TelemetryReader
	registry    *Registry
	engine      *Engine
	now         time.Time
}

func (ts *EngineTestSuite) SetupTest() {
	ts.gateway = test.NewGatewaySessionStore()
	ts.application = test.NewApplicationSessionStore()
	ts.telemetry = test.NewTelemetryReader()
	ts.registry = DefaultRegistry()
	ts.now = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

	ts.engine = NewEngine(
		ts.gateway,
		ts.application,
		ts.telemetry,
		devicetype.NewCache(devicetype.StaticLoader),
		ts.registry,
		ConfigFromConfig(test.GetConfig()),
	)
	ts.engine.now = func() time.Time { return ts.now }
}

func (ts *EngineTestSuite) createDevice(devEUI lorawan.EUI64, deviceType string, bufs storage.CommandBuffers) storage.Key {
	ts.gateway.Put(storage.GatewaySession{ApplicationID: "000001", DevEUI: devEUI})
	ts.application.Put(storage.ApplicationSession{
		ApplicationID:  "000001",
		DevEUI:         devEUI,
		DeviceType:     deviceType,
		CommandBuffers: bufs,
	})
	return storage.Key{ApplicationID: "000001", DevEUI: devEUI}
}

func (ts *EngineTestSuite) addTelemetry(rec telemetry.Record) {
	if rec.Time.IsZero() {
		rec.Time = ts.now.Add(-time.Hour)
	}
	ts.telemetry.Add(rec)
}

func (ts *EngineTestSuite) timeAgo(d time.Duration) *time.Time {
	t := ts.now.Add(-d)
	return &t
}

func (ts *EngineTestSuite) TestSimpleActuator() {
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	tests := []struct {
		name      string
		buffer    storage.CommandBuffer
		telemetry []telemetry.Record
		state     State
		condition Condition
	}{
		{
			name:      "no telemetry and no command history",
			state:     Off,
			condition: ConditionNoUplinks,
		},
		{
			name:   "undelivered command overrides telemetry",
			buffer: storage.CommandBuffer{Current: "0F01", Previous: "0E01", PendingCount: 1},
			telemetry: []telemetry.Record{
				{Collection: "smart_plug", Status: "off", Parsed: map[string]interface{}{"power": 0}},
			},
			state:     Waiting,
			condition: ConditionOK,
		},
		{
			name:      "recently processed command",
			buffer:    storage.CommandBuffer{Current: "0F01", Previous: "0E01", Delivered: true, LastProcessedAt: ts.timeAgo(10 * time.Second)},
			telemetry: []telemetry.Record{{Collection: "smart_plug", Status: "off"}},
			state:     Waiting,
			condition: ConditionOK,
		},
		{
			name:      "telemetry status is authoritative",
			buffer:    storage.CommandBuffer{Current: "0F01", Previous: "0E01", Delivered: true, LastProcessedAt: ts.timeAgo(time.Hour)},
			telemetry: []telemetry.Record{{Collection: "smart_plug", Status: "OFF"}},
			state:     Off,
			condition: ConditionOK,
		},
		{
			name:   "latest telemetry is used",
			buffer: storage.CommandBuffer{},
			telemetry: []telemetry.Record{
				{Collection: "smart_plug", Status: "off", Time: ts.now.Add(-2 * time.Hour)},
				{Collection: "smart_plug", Status: "on", Time: ts.now.Add(-time.Hour)},
			},
			state:     On,
			condition: ConditionOK,
		},
		{
			name:      "latest telemetry without parsed data",
			buffer:    storage.CommandBuffer{Current: "0F01", Previous: "0E01", Delivered: true},
			telemetry: []telemetry.Record{{Collection: "smart_plug"}},
			state:     On,
			condition: ConditionNoParsedData,
		},
		{
			name:      "current buffer inference",
			buffer:    storage.CommandBuffer{Current: "AA,0F00", Previous: "0E01", Delivered: true},
			state:     Off,
			condition: ConditionNoUplinks,
		},
		{
			name:      "previous buffer inference",
			buffer:    storage.CommandBuffer{Current: "FFFF", Previous: "0E01", Delivered: true},
			state:     On,
			condition: ConditionNoUplinks,
		},
		{
			name:      "unrecognized command history",
			buffer:    storage.CommandBuffer{Current: "FFFF", Previous: "EEEE", Delivered: true},
			state:     Error,
			condition: ConditionNoUplinks,
		},
	}

	for _, tst := range tests {
		ts.T().Run(tst.name, func(t *testing.T) {
			assert := require.New(t)
			ts.SetupTest()

			key := ts.createDevice(devEUI, "smart_plug", storage.CommandBuffers{0: tst.buffer})
			for _, rec := range tst.telemetry {
				rec.DevEUI = devEUI
				ts.addTelemetry(rec)
			}

			res, err := ts.engine.GetStatus(ctx, key, 0)
			assert.NoError(err)
			assert.Equal(tst.state, res.State)
			assert.Equal(tst.condition, res.Condition)
			assert.Equal("smart_plug", res.DeviceType)
			assert.Equal(devEUI, res.DevEUI)
		})
	}

	ts.T().Run("Maintenance does not override status", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "smart_plug", nil)
		as, _ := ts.application.GetApplicationSession(ctx, key)
		as.InMaintenance = true
		ts.application.Put(as)
		ts.addTelemetry(telemetry.Record{DevEUI: devEUI, Collection: "smart_plug", Status: "on"})

		res, err := ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Equal(On, res.State)
		assert.True(res.InMaintenance)
	})
}

func (ts *EngineTestSuite) TestMultiRelay() {
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	ts.T().Run("Relay above channel configuration", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "relay_controller", nil)
		ts.addTelemetry(telemetry.Record{
			DevEUI:        devEUI,
			Collection:    "relay_controller",
			ChannelConfig: telemetry.DoubleChannel,
			RelayStates:   map[int]string{1: "on", 2: "off"},
		})

		_, err := ts.engine.GetStatus(ctx, key, 3)
		var verr *device.ValidationError
		assert.True(errors.As(err, &verr))
		assert.Equal("validation error: relay must be in range [1,2]", verr.Error())
	})

	ts.T().Run("All relays", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "relay_controller", storage.CommandBuffers{
			2: {Current: "3100", Previous: "3200", PendingCount: 1},
		})
		ts.addTelemetry(telemetry.Record{
			DevEUI:        devEUI,
			Collection:    "relay_controller",
			ChannelConfig: telemetry.DoubleChannel,
			RelayStates:   map[int]string{1: "on", 2: "on"},
		})

		res, err := ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Equal([]RelayStatus{
			{Relay: 1, State: On, Condition: ConditionOK},
			{Relay: 2, State: Waiting, Condition: ConditionOK},
		}, res.Relays)
		assert.Equal(Unknown, res.State)
	})

	ts.T().Run("Single relay", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "relay_controller", nil)
		ts.addTelemetry(telemetry.Record{
			DevEUI:        devEUI,
			Collection:    "relay_controller",
			ChannelConfig: telemetry.TripleChannel,
			RelayStates:   map[int]string{1: "on", 2: "off", 3: "on"},
		})

		res, err := ts.engine.GetStatus(ctx, key, 2)
		assert.NoError(err)
		assert.Equal(Off, res.State)
		assert.Len(res.Relays, 1)
	})

	ts.T().Run("No telemetry uses the device-type relay count", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "relay_controller", nil)

		res, err := ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Len(res.Relays, 3)
		assert.Equal(Off, res.State)
		assert.Equal(ConditionNoUplinks, res.Condition)
	})

	ts.T().Run("Device-type without relay count", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		loader := devicetype.LoaderFunc(func(ctx context.Context, name string) (devicetype.DeviceType, error) {
			dt, _ := devicetype.GetBuiltin("relay_controller")
			dt.Name = name
			dt.RelayCount = 0
			return dt, nil
		})
		ts.engine = NewEngine(ts.gateway, ts.application, ts.telemetry, devicetype.NewCache(loader), ts.registry, ConfigFromConfig(test.GetConfig()))
		ts.engine.now = func() time.Time { return ts.now }

		key := ts.createDevice(devEUI, "legacy_relay", nil)
		ts.addTelemetry(telemetry.Record{
			DevEUI:      devEUI,
			Collection:  "relay_controller",
			RelayStates: map[int]string{1: "on"},
		})

		expected := &RelayConfigurationError{DeviceType: "legacy_relay"}

		_, err := ts.engine.GetStatus(ctx, key, 0)
		assert.Equal(expected, err)
		assert.Equal("configuration_error", resultFromError(err))

		_, err = ts.engine.DispatchCommand(ctx, key, "on", 1)
		assert.Equal(expected, err)

		// the channel configuration reported by the device is used
		ts.addTelemetry(telemetry.Record{
			DevEUI:        devEUI,
			Collection:    "relay_controller",
			ChannelConfig: telemetry.SingleChannel,
			RelayStates:   map[int]string{1: "on"},
			Time:          ts.now.Add(-time.Minute),
		})
		res, err := ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Len(res.Relays, 1)
	})
}

func (ts *EngineTestSuite) TestSensor() {
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	ts.T().Run("No uplinks", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "temperature_sensor", nil)
		_, err := ts.engine.GetStatus(ctx, key, 0)
		assert.Equal(ErrNoUplinks, err)
	})

	ts.T().Run("No parsed data", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "temperature_sensor", nil)
		ts.addTelemetry(telemetry.Record{DevEUI: devEUI, Collection: "temperature_sensor", Parsed: map[string]interface{}{"temperature": 21.5}, Time: ts.now.Add(-2 * time.Hour)})
		ts.addTelemetry(telemetry.Record{DevEUI: devEUI, Collection: "temperature_sensor"})

		_, err := ts.engine.GetStatus(ctx, key, 0)
		assert.Equal(ErrNoParsedData, err)
	})

	ts.T().Run("Latest values", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "temperature_sensor", nil)
		ts.addTelemetry(telemetry.Record{DevEUI: devEUI, Collection: "temperature_sensor", Parsed: map[string]interface{}{"temperature": 21.5}})

		res, err := ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Equal(ConditionOK, res.Condition)
		assert.Equal(map[string]interface{}{"temperature": 21.5}, res.Values)
		assert.NotNil(res.Time)
	})

	ts.T().Run("Uplink older than a year", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "temperature_sensor", nil)
		ts.addTelemetry(telemetry.Record{DevEUI: devEUI, Collection: "temperature_sensor", Parsed: map[string]interface{}{"temperature": 18.0}, Time: ts.now.AddDate(-2, 0, 0)})

		res, err := ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Equal(ConditionOK, res.Condition)
		assert.Equal(map[string]interface{}{"temperature": 18.0}, res.Values)
	})
}

func (ts *EngineTestSuite) TestRegistry() {
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	ts.T().Run("No status function", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()
		ts.engine.registry = NewRegistry()

		key := ts.createDevice(devEUI, "water_meter", nil)
		_, err := ts.engine.GetStatus(ctx, key, 0)
		nerr, ok := err.(*NoStatusFunctionError)
		assert.True(ok)
		assert.Equal("water_meter", nerr.DeviceType)
	})

	ts.T().Run("Unknown device-type", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "toaster", nil)
		_, err := ts.engine.GetStatus(ctx, key, 0)
		assert.Equal(&NoStatusFunctionError{DeviceType: "toaster"}, err)
	})

	ts.T().Run("Device-type policy overrides family policy", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()
		ts.registry.RegisterDeviceType("water_meter", PolicyFunc(func(in Input) (Result, error) {
			return Result{DeviceType: in.DeviceType.Name, State: Unknown}, nil
		}))

		key := ts.createDevice(devEUI, "water_meter", nil)
		res, err := ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Equal(Unknown, res.State)
	})

	ts.T().Run("Orphaned session", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()
		ts.application.Put(storage.ApplicationSession{ApplicationID: "000001", DevEUI: devEUI, DeviceType: "smart_plug"})

		_, err := ts.engine.GetStatus(ctx, storage.Key{ApplicationID: "000001", DevEUI: devEUI}, 0)
		assert.Equal(device.ErrNotFound, err)
	})
}

func (ts *EngineTestSuite) TestDispatchCommand() {
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	ts.T().Run("Already in requested state", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "smart_plug", nil)
		ts.addTelemetry(telemetry.Record{DevEUI: devEUI, Collection: "smart_plug", Status: "on"})

		res, err := ts.engine.DispatchCommand(ctx, key, "on", 0)
		assert.NoError(err)
		assert.Equal(On, res.State)
		assert.Equal(0, ts.application.WriteCount())
	})

	ts.T().Run("Never commanded device is off", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "smart_plug", nil)

		res, err := ts.engine.DispatchCommand(ctx, key, "off", 0)
		assert.NoError(err)
		assert.Equal(Off, res.State)
		assert.Equal(0, ts.application.WriteCount())
	})

	ts.T().Run("Command not recognized", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "smart_plug", nil)

		_, err := ts.engine.DispatchCommand(ctx, key, "blink", 0)
		assert.Equal(&CommandNotRecognizedError{Command: "blink", DeviceType: "smart_plug"}, err)
		assert.Equal(0, ts.application.WriteCount())
	})

	ts.T().Run("Sensor has no commands", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "temperature_sensor", nil)

		_, err := ts.engine.DispatchCommand(ctx, key, "on", 0)
		_, ok := err.(*CommandNotRecognizedError)
		assert.True(ok)
	})

	ts.T().Run("Dispatch, acknowledge and settle", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "smart_plug", nil)

		res, err := ts.engine.DispatchCommand(ctx, key, "on", 0)
		assert.NoError(err)
		assert.Equal(Waiting, res.State)
		assert.Equal(1, ts.application.WriteCount())

		as, err := ts.application.GetApplicationSession(ctx, key)
		assert.NoError(err)
		buf := as.CommandBuffers.Get(0)
		assert.Equal("0F01", buf.Current)
		assert.Equal("0E01", buf.Previous)
		assert.False(buf.Delivered)
		assert.Equal(1, buf.PendingCount)
		assert.Equal(ts.now, *buf.LastCommandAt)

		res, err = ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Equal(Waiting, res.State)

		assert.NoError(ts.engine.AcknowledgeCommand(ctx, key, 0))
		as, _ = ts.application.GetApplicationSession(ctx, key)
		buf = as.CommandBuffers.Get(0)
		assert.True(buf.Delivered)
		assert.Equal(0, buf.PendingCount)
		assert.Equal(ts.now, *buf.LastProcessedAt)

		res, err = ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Equal(Waiting, res.State)

		ts.now = ts.now.Add(2 * time.Minute)
		res, err = ts.engine.GetStatus(ctx, key, 0)
		assert.NoError(err)
		assert.Equal(On, res.State)

		// dispatching the same command again is a no-op
		writes := ts.application.WriteCount()
		res, err = ts.engine.DispatchCommand(ctx, key, "on", 0)
		assert.NoError(err)
		assert.Equal(On, res.State)
		assert.Equal(writes, ts.application.WriteCount())
	})

	ts.T().Run("Acknowledge without command", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "smart_plug", nil)
		err := ts.engine.AcknowledgeCommand(ctx, key, 0)
		var verr *device.ValidationError
		assert.True(errors.As(err, &verr))
	})

	ts.T().Run("Relay command", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "relay_controller", nil)
		ts.addTelemetry(telemetry.Record{
			DevEUI:        devEUI,
			Collection:    "relay_controller",
			ChannelConfig: telemetry.DoubleChannel,
			RelayStates:   map[int]string{1: "off", 2: "off"},
		})

		res, err := ts.engine.DispatchCommand(ctx, key, "on", 2)
		assert.NoError(err)
		assert.Equal(Waiting, res.State)
		assert.Equal([]RelayStatus{{Relay: 2, State: Waiting, Condition: ConditionOK}}, res.Relays)

		as, _ := ts.application.GetApplicationSession(ctx, key)
		assert.Equal("3101", as.CommandBuffers.Get(2).Current)
		assert.True(as.CommandBuffers.Get(1).IsEmpty())

		_, err = ts.engine.DispatchCommand(ctx, key, "on", 3)
		var verr *device.ValidationError
		assert.True(errors.As(err, &verr))
		assert.Contains(verr.Message, "[1,2]")

		_, err = ts.engine.DispatchCommand(ctx, key, "on", 0)
		assert.True(errors.As(err, &verr))
	})

	ts.T().Run("Storage error", func(t *testing.T) {
		assert := require.New(t)
		ts.SetupTest()

		key := ts.createDevice(devEUI, "smart_plug", nil)
		ts.application.CommandBufferErr = test.ErrInjected

		_, err := ts.engine.DispatchCommand(ctx, key, "on", 0)
		var serr *device.StorageError
		assert.True(errors.As(err, &serr))
	})
}

func TestEngine(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
