package device

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// ErrNotFound is returned when the device does not exist in one or both
// stores.
var ErrNotFound = errors.New("device does not exist")

// ValidationError is returned on invalid input. No writes have been
// performed.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}

func validationErrorf(format string, a ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, a...)}
}

// DuplicateDeviceError is returned when one or more devices of a batch
// already exist. It is a ValidationError.
type DuplicateDeviceError struct {
	DevEUIs []lorawan.EUI64
}

// Error implements the error interface.
func (e *DuplicateDeviceError) Error() string {
	s := make([]string, 0, len(e.DevEUIs))
	for _, d := range e.DevEUIs {
		s = append(s, d.String())
	}
	return "validation error: device(s) already exist: " + strings.Join(s, ", ")
}

// As makes errors.As match *ValidationError for duplicate errors.
func (e *DuplicateDeviceError) As(target interface{}) bool {
	if t, ok := target.(**ValidationError); ok {
		*t = &ValidationError{Message: e.Error()}
		return true
	}
	return false
}

func newDuplicateDeviceError(set map[lorawan.EUI64]struct{}) *DuplicateDeviceError {
	out := &DuplicateDeviceError{}
	for d := range set {
		out.DevEUIs = append(out.DevEUIs, d)
	}
	sort.Slice(out.DevEUIs, func(i, j int) bool {
		return out.DevEUIs[i].String() < out.DevEUIs[j].String()
	})
	return out
}

// StorageError is returned on a store failure. When it is returned by a
// multi-store write, compensation has been scheduled.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %s", e.Op, e.Err)
}

// Cause returns the underlying error.
func (e *StorageError) Cause() error {
	return e.Err
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
