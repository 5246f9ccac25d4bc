package status

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/chirpstack-device-manager/internal/device"
	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/session"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/chirpstack-device-manager/internal/telemetry"
)

// GatewayStore defines the gateway session store methods used by the engine.
type GatewayStore interface {
	GetGatewaySession(ctx context.Context, key storage.Key) (storage.GatewaySession, error)
}

// ApplicationStore defines the application session store methods used by
// the engine.
type ApplicationStore interface {
	GetApplicationSession(ctx context.Context, key storage.Key) (storage.ApplicationSession, error)
	UpdateCommandBuffer(ctx context.Context, key storage.Key, channel int, buf storage.CommandBuffer) error
}

// Config holds the engine configuration.
type Config struct {
	// CommandFreshness defines the window after command delivery in which
	// the device is considered to be still switching.
	CommandFreshness time.Duration

	// TelemetryHistory defines the number of telemetry records to read.
	TelemetryHistory int
}

// ConfigFromConfig returns the engine configuration from the global
// configuration.
func ConfigFromConfig(c config.Config) Config {
	out := Config{
		CommandFreshness: c.DeviceManager.Status.CommandFreshness,
		TelemetryHistory: c.DeviceManager.Status.TelemetryHistory,
	}
	if out.TelemetryHistory <= 0 {
		out.TelemetryHistory = 1
	}
	return out
}

// Engine derives the device status and dispatches commands.
type Engine struct {
	gateway     GatewayStore
	application ApplicationStore
	telemetry   telemetry.Reader
	deviceTypes *devicetype.Cache
	registry    *Registry
	config      Config

	now func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(gw GatewayStore, app ApplicationStore, tr telemetry.Reader, deviceTypes *devicetype.Cache, registry *Registry, conf Config) *Engine {
	if conf.TelemetryHistory <= 0 {
		conf.TelemetryHistory = 1
	}

	return &Engine{
		gateway:     gw,
		application: app,
		telemetry:   tr,
		deviceTypes: deviceTypes,
		registry:    registry,
		config:      conf,
		now:         time.Now,
	}
}

// deviceState holds everything needed to derive the status of a device.
type deviceState struct {
	session    session.NodeSession
	deviceType devicetype.DeviceType
	policy     Policy
	telemetry  []telemetry.Record
}

func (e *Engine) load(ctx context.Context, key storage.Key) (deviceState, error) {
	var ds deviceState

	gs, err := e.gateway.GetGatewaySession(ctx, key)
	if err != nil {
		if isDoesNotExist(err) {
			return ds, device.ErrNotFound
		}
		return ds, &device.StorageError{Op: "get gateway-session", Err: err}
	}

	as, err := e.application.GetApplicationSession(ctx, key)
	if err != nil {
		if isDoesNotExist(err) {
			return ds, device.ErrNotFound
		}
		return ds, &device.StorageError{Op: "get application-session", Err: err}
	}

	ds.session = session.Merge(gs, as)

	ds.deviceType, err = e.deviceTypes.Get(ctx, ds.session.DeviceType)
	if err != nil {
		if err == devicetype.ErrUnknownDeviceType {
			return ds, &NoStatusFunctionError{DeviceType: ds.session.DeviceType}
		}
		return ds, &device.StorageError{Op: "get device-type", Err: err}
	}

	ds.policy, err = e.registry.Get(ds.deviceType)
	if err != nil {
		return ds, err
	}

	ds.telemetry, err = e.telemetry.GetLatest(ctx, ds.deviceType.Collection, key.DevEUI, e.config.TelemetryHistory)
	if err != nil {
		return ds, &device.StorageError{Op: "get telemetry", Err: err}
	}

	return ds, nil
}

func (e *Engine) input(ds deviceState, relay int) Input {
	return Input{
		Session:          ds.session,
		DeviceType:       ds.deviceType,
		Telemetry:        ds.telemetry,
		Relay:            relay,
		Now:              e.now(),
		CommandFreshness: e.config.CommandFreshness,
	}
}

// GetStatus returns the status of the device. For multi-relay devices, relay
// selects a single relay, 0 selects all relays. It is ignored for other
// device-types.
func (e *Engine) GetStatus(ctx context.Context, key storage.Key, relay int) (Result, error) {
	ds, err := e.load(ctx, key)
	if err != nil {
		statusCounter(resultFromError(err)).Inc()
		return Result{}, err
	}

	res, err := ds.policy.Status(e.input(ds, relay))
	if err != nil {
		statusCounter(resultFromError(err)).Inc()
		return res, err
	}

	if res.State != "" {
		statusCounter(string(res.State)).Inc()
	} else {
		statusCounter(string(res.Condition)).Inc()
	}
	return res, nil
}

func isDoesNotExist(err error) bool {
	return errors.Cause(err) == storage.ErrDoesNotExist
}

func resultFromError(err error) string {
	switch err.(type) {
	case *NoStatusFunctionError:
		return "no_status_function"
	case *CommandNotRecognizedError:
		return "command_not_recognized"
	case *RelayConfigurationError:
		return "configuration_error"
	case *device.ValidationError:
		return "invalid"
	}

	switch err {
	case device.ErrNotFound:
		return "not_found"
	case ErrNoUplinks:
		return "no_uplinks"
	case ErrNoParsedData:
		return "no_parsed_data"
	}

	return "error"
}
