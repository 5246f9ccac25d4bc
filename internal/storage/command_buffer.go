package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SegmentSeparator separates the MAC-command segments within a buffer.
const SegmentSeparator = ","

// CommandBuffer holds the downlink command buffers of a single command
// channel (fPort / relay number).
type CommandBuffer struct {
	// Current holds the last enqueued command segments.
	Current string `json:"current"`

	// Previous holds the command segments enqueued before Current.
	Previous string `json:"previous"`

	// Delivered is set when the device acknowledged the Current buffer.
	Delivered bool `json:"delivered"`

	// PendingCount contains the number of commands awaiting delivery.
	PendingCount int `json:"pendingCount"`

	// LastCommandAt contains the timestamp of the last enqueued command.
	LastCommandAt *time.Time `json:"lastCommandAt,omitempty"`

	// LastProcessedAt contains the timestamp when the last command was
	// delivered to the device.
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
}

// IsEmpty returns true when no command was ever enqueued.
func (b CommandBuffer) IsEmpty() bool {
	return b.Current == "" && b.Previous == ""
}

// IsPending returns true when the Current buffer is set and has not been
// delivered yet.
func (b CommandBuffer) IsPending() bool {
	return b.Current != "" && !b.Delivered
}

// LastSegment returns the last non-empty segment of the given buffer.
func LastSegment(buf string) string {
	parts := strings.Split(buf, SegmentSeparator)
	for i := len(parts) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(parts[i]); s != "" {
			return s
		}
	}
	return ""
}

// CommandBuffers maps the command channel to its buffers.
type CommandBuffers map[int]CommandBuffer

// Get returns the buffer for the given channel.
func (c CommandBuffers) Get(channel int) CommandBuffer {
	if c == nil {
		return CommandBuffer{}
	}
	return c[channel]
}

// Value implements the driver.Valuer interface.
func (c CommandBuffers) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}

	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal error")
	}
	return b, nil
}

// Scan implements the sql.Scanner interface.
func (c *CommandBuffers) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		*c = nil
		return nil
	default:
		return fmt.Errorf("expected []byte, got %T", src)
	}

	out := make(CommandBuffers)
	if err := json.Unmarshal(b, &out); err != nil {
		return errors.Wrap(err, "json unmarshal error")
	}
	*c = out
	return nil
}
