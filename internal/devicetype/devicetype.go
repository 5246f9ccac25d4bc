// Package devicetype implements the device-type information and command
// tables, and a read-through cache to look them up.
package devicetype

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

// Family defines the device-type family, which determines the status policy.
type Family string

// Available device-type families.
const (
	FamilySimpleActuator Family = "simple_actuator"
	FamilyMultiRelay     Family = "multi_relay"
	FamilySensor         Family = "sensor"
)

// Command defines a human-level command: the state the device ends up in
// and the MAC-command segments which are written into the current and
// previous command buffers.
type Command struct {
	State    string   `json:"state"`
	Segments []string `json:"segments"`
}

// DeviceType holds the device-type information.
type DeviceType struct {
	Name         string              `json:"name"`
	Family       Family              `json:"family"`
	Collection   string              `json:"collection"`
	RelayCount   int                 `json:"relayCount"`
	DefaultClass storage.DeviceClass `json:"defaultClass"`
	Commands     map[string]Command  `json:"commands"`
}

// Validate validates the device-type definition.
func (dt DeviceType) Validate() error {
	if dt.Name == "" {
		return errors.New("name must be set")
	}

	switch dt.Family {
	case FamilySimpleActuator, FamilySensor:
	case FamilyMultiRelay:
		if dt.RelayCount < 1 || dt.RelayCount > 3 {
			return errors.Errorf("relay count must be in range [1,3], got %d", dt.RelayCount)
		}
	default:
		return errors.Errorf("invalid family: %s", dt.Family)
	}

	if dt.Collection == "" {
		return errors.New("collection must be set")
	}

	for name, c := range dt.Commands {
		if c.State == "" {
			return errors.Errorf("command %s: state must be set", name)
		}
		if len(c.Segments) == 0 {
			return errors.Errorf("command %s: at least one segment must be set", name)
		}
	}

	return nil
}

// Save creates or updates the given device-type.
func Save(ctx context.Context, db sqlx.Execer, dt DeviceType) error {
	if err := dt.Validate(); err != nil {
		return errors.Wrap(err, "validate device-type error")
	}

	sdt := dt.ToStorage()
	err := storage.UpdateDeviceType(ctx, db, &sdt)
	if errors.Cause(err) == storage.ErrDoesNotExist {
		err = storage.CreateDeviceType(ctx, db, &sdt)
	}
	if err != nil {
		return errors.Wrap(err, "save device-type error")
	}

	return nil
}

// Command returns the command definition for the given human-level command.
func (dt DeviceType) Command(name string) (Command, bool) {
	c, ok := dt.Commands[name]
	return c, ok
}

// MatchSegment returns the command of which one of the encoded segments
// equals the given segment.
func (dt DeviceType) MatchSegment(segment string) (Command, bool) {
	if segment == "" {
		return Command{}, false
	}

	for _, c := range dt.Commands {
		for _, s := range c.Segments {
			if s == segment {
				return c, true
			}
		}
	}
	return Command{}, false
}

// FromStorage converts a stored device-type.
func FromStorage(dt storage.DeviceType) DeviceType {
	out := DeviceType{
		Name:         dt.Name,
		Family:       Family(dt.Family),
		Collection:   dt.Collection,
		RelayCount:   dt.RelayCount,
		DefaultClass: dt.DefaultClass,
		Commands:     make(map[string]Command, len(dt.Commands)),
	}

	for name, c := range dt.Commands {
		out.Commands[name] = Command{
			State:    c.State,
			Segments: append([]string{}, c.Segments...),
		}
	}

	return out
}

// ToStorage converts the device-type into its stored form.
func (dt DeviceType) ToStorage() storage.DeviceType {
	out := storage.DeviceType{
		Name:         dt.Name,
		Family:       string(dt.Family),
		Collection:   dt.Collection,
		RelayCount:   dt.RelayCount,
		DefaultClass: dt.DefaultClass,
		Commands:     make(storage.DeviceTypeCommands, len(dt.Commands)),
	}

	for name, c := range dt.Commands {
		out.Commands[name] = storage.DeviceTypeCommand{
			State:    c.State,
			Segments: append([]string{}, c.Segments...),
		}
	}

	return out
}
