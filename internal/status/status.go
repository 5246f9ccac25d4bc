// Package status implements the device status derivation and the command
// dispatch.
package status

import (
	"sync"
	"time"

	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/session"
	"github.com/brocaar/chirpstack-device-manager/internal/telemetry"
	"github.com/brocaar/lorawan"
)

// State defines the operational state of a device (or relay).
type State string

// Available states.
const (
	On      State = "on"
	Off     State = "off"
	Waiting State = "waiting"
	Error   State = "error"
	Unknown State = "unknown"
)

// Condition qualifies the telemetry a status was derived from.
type Condition string

// Available conditions.
const (
	ConditionOK           Condition = "ok"
	ConditionNoUplinks    Condition = "no_uplinks"
	ConditionNoParsedData Condition = "no_parsed_data"
)

// RelayStatus holds the status of a single relay.
type RelayStatus struct {
	Relay     int       `json:"relay"`
	State     State     `json:"state"`
	Condition Condition `json:"condition"`
}

// Result holds the derived device status.
type Result struct {
	ApplicationID string        `json:"applicationID"`
	DevEUI        lorawan.EUI64 `json:"devEUI"`
	DeviceType    string        `json:"deviceType"`

	State     State     `json:"state,omitempty"`
	Condition Condition `json:"condition"`

	// Relays is set for multi-relay devices.
	Relays []RelayStatus `json:"relays,omitempty"`

	// Values holds the latest parsed values of sensor devices.
	Values map[string]interface{} `json:"values,omitempty"`

	// Time holds the timestamp of the latest telemetry record.
	Time *time.Time `json:"time,omitempty"`

	// InMaintenance is reported next to the status, it does not override it.
	InMaintenance bool `json:"inMaintenance"`
}

// Input holds the data a status policy derives the status from.
type Input struct {
	Session    session.NodeSession
	DeviceType devicetype.DeviceType

	// Telemetry holds the latest records, newest first.
	Telemetry []telemetry.Record

	// Relay holds the requested relay (multi-relay only), 0 means all.
	Relay int

	Now              time.Time
	CommandFreshness time.Duration
}

// Policy derives the status of a device.
type Policy interface {
	Status(in Input) (Result, error)
}

// PolicyFunc implements Policy as a function.
type PolicyFunc func(in Input) (Result, error)

// Status implements the Policy interface.
func (f PolicyFunc) Status(in Input) (Result, error) {
	return f(in)
}

// Registry maps device-types to their status policy. A policy registered
// for a device-type name takes precedence over the policy of its family.
type Registry struct {
	mu          sync.RWMutex
	families    map[devicetype.Family]Policy
	deviceTypes map[string]Policy
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		families:    make(map[devicetype.Family]Policy),
		deviceTypes: make(map[string]Policy),
	}
}

// DefaultRegistry returns a Registry with the policies for the simple
// actuator, multi-relay and sensor families.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFamily(devicetype.FamilySimpleActuator, SimpleActuatorPolicy{})
	r.RegisterFamily(devicetype.FamilyMultiRelay, MultiRelayPolicy{})
	r.RegisterFamily(devicetype.FamilySensor, SensorPolicy{})
	return r
}

// RegisterFamily registers the policy for a device-type family.
func (r *Registry) RegisterFamily(f devicetype.Family, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[f] = p
}

// RegisterDeviceType registers the policy for a single device-type.
func (r *Registry) RegisterDeviceType(name string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceTypes[name] = p
}

// Get returns the policy for the given device-type.
func (r *Registry) Get(dt devicetype.DeviceType) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.deviceTypes[dt.Name]; ok {
		return p, nil
	}
	if p, ok := r.families[dt.Family]; ok {
		return p, nil
	}
	return nil, &NoStatusFunctionError{DeviceType: dt.Name}
}
