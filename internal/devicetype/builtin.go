package devicetype

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

var onOffCommands = map[string]Command{
	"on":  {State: "on", Segments: []string{"0F01", "0E01"}},
	"off": {State: "off", Segments: []string{"0F00", "0E00"}},
}

var builtins = []DeviceType{
	{
		Name:         "smart_plug",
		Family:       FamilySimpleActuator,
		Collection:   "smart_plug",
		RelayCount:   1,
		DefaultClass: storage.ClassC,
		Commands:     onOffCommands,
	},
	{
		Name:         "street_light",
		Family:       FamilySimpleActuator,
		Collection:   "street_light",
		RelayCount:   1,
		DefaultClass: storage.ClassC,
		Commands: map[string]Command{
			"on":  {State: "on", Segments: []string{"2101", "2201"}},
			"off": {State: "off", Segments: []string{"2100", "2200"}},
		},
	},
	{
		Name:         "relay_controller",
		Family:       FamilyMultiRelay,
		Collection:   "relay_controller",
		RelayCount:   3,
		DefaultClass: storage.ClassC,
		Commands: map[string]Command{
			"on":  {State: "on", Segments: []string{"3101", "3201"}},
			"off": {State: "off", Segments: []string{"3100", "3200"}},
		},
	},
	{
		Name:         "temperature_sensor",
		Family:       FamilySensor,
		Collection:   "temperature_sensor",
		DefaultClass: storage.ClassA,
	},
	{
		Name:         "water_meter",
		Family:       FamilySensor,
		Collection:   "water_meter",
		DefaultClass: storage.ClassA,
	},
}

// Builtins returns the built-in device-types.
func Builtins() []DeviceType {
	out := make([]DeviceType, len(builtins))
	copy(out, builtins)
	return out
}

// GetBuiltin returns the built-in device-type matching the given name.
func GetBuiltin(name string) (DeviceType, bool) {
	for _, dt := range builtins {
		if dt.Name == name {
			return dt, true
		}
	}
	return DeviceType{}, false
}

// SyncBuiltins creates the built-in device-types which do not exist yet in
// the database. Existing device-types are never overwritten.
func SyncBuiltins(ctx context.Context, db sqlx.Ext) error {
	for _, dt := range builtins {
		_, err := storage.GetDeviceType(ctx, db, dt.Name)
		if err == nil {
			continue
		}
		if errors.Cause(err) != storage.ErrDoesNotExist {
			return errors.Wrap(err, "get device-type error")
		}

		sdt := dt.ToStorage()
		if err := storage.CreateDeviceType(ctx, db, &sdt); err != nil && errors.Cause(err) != storage.ErrAlreadyExists {
			return errors.Wrap(err, "create device-type error")
		}
	}

	log.WithField("count", len(builtins)).Info("devicetype: built-in device-types synchronized")

	return nil
}
