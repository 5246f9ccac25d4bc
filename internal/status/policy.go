package status

import (
	"fmt"
	"strings"

	"github.com/brocaar/chirpstack-device-manager/internal/device"
	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/chirpstack-device-manager/internal/telemetry"
)

// SimpleActuatorPolicy derives the status of single on/off devices.
type SimpleActuatorPolicy struct{}

// Status implements the Policy interface.
func (SimpleActuatorPolicy) Status(in Input) (Result, error) {
	res := newResult(in)

	buf := in.Session.CommandBuffers.Get(0)
	res.State, res.Condition = actuatorState(in, buf, func(rec telemetry.Record) string {
		return rec.Status
	})

	return res, nil
}

// MultiRelayPolicy derives the status of devices with up to three relays.
// The command channel equals the relay number.
type MultiRelayPolicy struct{}

// Status implements the Policy interface.
func (MultiRelayPolicy) Status(in Input) (Result, error) {
	res := newResult(in)

	count, err := relayCount(in.DeviceType, in.Telemetry)
	if err != nil {
		return res, err
	}
	if in.Relay < 0 || in.Relay > count {
		return res, &device.ValidationError{Message: fmt.Sprintf("relay must be in range [1,%d]", count)}
	}

	from, to := 1, count
	if in.Relay != 0 {
		from, to = in.Relay, in.Relay
	}

	for relay := from; relay <= to; relay++ {
		r := relay
		state, cond := actuatorState(in, in.Session.CommandBuffers.Get(r), func(rec telemetry.Record) string {
			return rec.RelayStates[r]
		})
		res.Relays = append(res.Relays, RelayStatus{
			Relay:     r,
			State:     state,
			Condition: cond,
		})
	}

	res.State, res.Condition = aggregate(res.Relays)
	return res, nil
}

// SensorPolicy reports the latest parsed values of sensor devices.
type SensorPolicy struct{}

// Status implements the Policy interface.
func (SensorPolicy) Status(in Input) (Result, error) {
	res := newResult(in)

	if len(in.Telemetry) == 0 {
		return res, ErrNoUplinks
	}

	latest := in.Telemetry[0]
	if !latest.HasParsedData() {
		return res, ErrNoParsedData
	}

	res.Condition = ConditionOK
	res.Values = latest.Parsed
	return res, nil
}

// RelayCount returns the number of relays, derived from the channel
// configuration of the latest telemetry record reporting one. It falls back
// to the relay count of the device-type.
func RelayCount(dt devicetype.DeviceType, records []telemetry.Record) int {
	for _, rec := range records {
		if n := rec.ChannelConfig.RelayCount(); n != 0 {
			return n
		}
	}
	return dt.RelayCount
}

func relayCount(dt devicetype.DeviceType, records []telemetry.Record) (int, error) {
	count := RelayCount(dt, records)
	if count < 1 {
		return 0, &RelayConfigurationError{DeviceType: dt.Name}
	}
	return count, nil
}

func newResult(in Input) Result {
	res := Result{
		ApplicationID: in.Session.ApplicationID,
		DevEUI:        in.Session.DevEUI,
		DeviceType:    in.DeviceType.Name,
		InMaintenance: in.Session.InMaintenance,
		Condition:     telemetryCondition(in.Telemetry),
	}
	if len(in.Telemetry) != 0 {
		t := in.Telemetry[0].Time
		res.Time = &t
	}
	return res
}

func telemetryCondition(records []telemetry.Record) Condition {
	if len(records) == 0 {
		return ConditionNoUplinks
	}
	if !records[0].HasParsedData() {
		return ConditionNoParsedData
	}
	return ConditionOK
}

// actuatorState derives the state of a single command channel. Precedence:
// undelivered command, recently processed command, reported telemetry state,
// command history.
func actuatorState(in Input, buf storage.CommandBuffer, reported func(telemetry.Record) string) (State, Condition) {
	cond := telemetryCondition(in.Telemetry)

	if buf.IsPending() {
		return Waiting, cond
	}

	if buf.LastProcessedAt != nil && in.Now.Sub(*buf.LastProcessedAt) < in.CommandFreshness {
		return Waiting, cond
	}

	if cond == ConditionOK {
		if s := strings.ToLower(reported(in.Telemetry[0])); s != "" {
			return State(s), cond
		}
	}

	return inferState(in.DeviceType, buf), cond
}

// inferState derives the state from the command history.
func inferState(dt devicetype.DeviceType, buf storage.CommandBuffer) State {
	if c, ok := dt.MatchSegment(storage.LastSegment(buf.Current)); ok {
		return State(c.State)
	}
	if c, ok := dt.MatchSegment(storage.LastSegment(buf.Previous)); ok {
		return State(c.State)
	}
	if !buf.IsEmpty() {
		return Error
	}
	return Off
}

// aggregate returns the common state of the relays, or Unknown when they
// differ.
func aggregate(relays []RelayStatus) (State, Condition) {
	if len(relays) == 0 {
		return Unknown, ConditionNoUplinks
	}

	state, cond := relays[0].State, relays[0].Condition
	for _, r := range relays[1:] {
		if r.State != state {
			return Unknown, cond
		}
	}
	return state, cond
}
