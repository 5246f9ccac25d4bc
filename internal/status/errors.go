package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// errors
var (
	ErrNoUplinks    = errors.New("no uplinks received yet")
	ErrNoParsedData = errors.New("latest uplink contains no parsed data")
)

// NoStatusFunctionError is returned when no status policy is registered for
// the device-type.
type NoStatusFunctionError struct {
	DeviceType string
}

// Error implements the error interface.
func (e *NoStatusFunctionError) Error() string {
	return fmt.Sprintf("no status function for device-type: %s", e.DeviceType)
}

// CommandNotRecognizedError is returned when the command is not part of the
// command table of the device-type.
type CommandNotRecognizedError struct {
	Command    string
	DeviceType string
}

// Error implements the error interface.
func (e *CommandNotRecognizedError) Error() string {
	return fmt.Sprintf("command %q not recognized for device-type: %s", e.Command, e.DeviceType)
}

// RelayConfigurationError is returned when the relay count of a multi-relay
// device can not be determined from the telemetry nor from the device-type.
type RelayConfigurationError struct {
	DeviceType string
}

// Error implements the error interface.
func (e *RelayConfigurationError) Error() string {
	return fmt.Sprintf("device-type %s has no relay count configured", e.DeviceType)
}
