package storage

import (
	"fmt"

	"github.com/brocaar/lorawan"
)

// Key identifies a device within an application. The same key is used by
// the gateway and application session stores.
type Key struct {
	ApplicationID string
	DevEUI        lorawan.EUI64
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.ApplicationID, k.DevEUI)
}
