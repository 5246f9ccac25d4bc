package test

import (
	"context"
	"sync"

	"github.com/brocaar/chirpstack-device-manager/internal/telemetry"
	"github.com/brocaar/lorawan"
)

// TelemetryReader is an in-memory telemetry reader.
type TelemetryReader struct {
	mu      sync.Mutex
	records map[lorawan.EUI64][]telemetry.Record

	Err error
}

// NewTelemetryReader creates a new TelemetryReader.
func NewTelemetryReader() *TelemetryReader {
	return &TelemetryReader{
		records: make(map[lorawan.EUI64][]telemetry.Record),
	}
}

// Add adds the given record. Records must be added oldest first.
func (r *TelemetryReader) Add(rec telemetry.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.DevEUI] = append(r.records[rec.DevEUI], rec)
}

// GetLatest implements the telemetry.Reader interface.
func (r *TelemetryReader) GetLatest(ctx context.Context, collection string, devEUI lorawan.EUI64, limit int) ([]telemetry.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}

	var out []telemetry.Record
	recs := r.records[devEUI]
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		if collection != "" && recs[i].Collection != collection {
			continue
		}
		out = append(out, recs[i])
	}
	return out, nil
}
