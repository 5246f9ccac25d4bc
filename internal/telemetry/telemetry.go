// Package telemetry implements read-only access to the parsed uplink
// telemetry written by the ingestion pipeline.
package telemetry

import (
	"context"
	"time"

	"github.com/brocaar/lorawan"
)

// ChannelConfig defines the relay channel configuration reported by a
// multi-relay device.
type ChannelConfig string

// Available channel configurations.
const (
	SingleChannel ChannelConfig = "singleChannel"
	DoubleChannel ChannelConfig = "doubleChannel"
	TripleChannel ChannelConfig = "tripleChannel"
)

// RelayCount returns the number of relays for the channel configuration, or
// 0 when unknown.
func (c ChannelConfig) RelayCount() int {
	switch c {
	case SingleChannel:
		return 1
	case DoubleChannel:
		return 2
	case TripleChannel:
		return 3
	default:
		return 0
	}
}

// Record holds a single parsed telemetry record.
type Record struct {
	DevEUI     lorawan.EUI64
	Collection string
	Time       time.Time

	// Status holds the parsed device status (e.g. "on", "off"), if any.
	Status string

	// ChannelConfig and RelayStates are only set by multi-relay devices.
	ChannelConfig ChannelConfig
	RelayStates   map[int]string

	// Parsed holds the parsed payload fields. It is nil when the uplink
	// could not be parsed.
	Parsed map[string]interface{}
}

// HasParsedData returns true when the record carries parsed payload data.
func (r Record) HasParsedData() bool {
	return len(r.Parsed) != 0 || r.Status != "" || len(r.RelayStates) != 0
}

// Reader returns the most recent telemetry records of a device.
type Reader interface {
	// GetLatest returns at most limit records for the given collection and
	// DevEUI, ordered newest first. No records is not an error.
	GetLatest(ctx context.Context, collection string, devEUI lorawan.EUI64, limit int) ([]Record, error)
}
