// Package integration defines the interface between the device manager and
// the message broker through which session-changed events are published and
// command delivery acknowledgements are received.
package integration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/lorawan"
)

// GatewaySessionChangedEvent is published when a radio-affecting parameter
// of a gateway session has been changed.
type GatewaySessionChangedEvent struct {
	ApplicationID string        `json:"applicationID"`
	DevEUI        lorawan.EUI64 `json:"devEUI"`
	Fields        []string      `json:"fields"`
	Time          time.Time     `json:"time"`
}

// CommandAck is received when a command has been delivered to the device.
type CommandAck struct {
	ApplicationID string        `json:"applicationID"`
	DevEUI        lorawan.EUI64 `json:"devEUI"`
	Channel       int           `json:"channel"`
}

// Integration defines the integration backend interface.
type Integration interface {
	// PublishGatewaySessionChanged publishes the gateway-session changed event.
	PublishGatewaySessionChanged(ctx context.Context, event GatewaySessionChangedEvent) error

	// Close closes the integration.
	Close() error
}

// AckHandler handles command delivery acknowledgements.
type AckHandler interface {
	AcknowledgeCommand(ctx context.Context, key storage.Key, channel int) error
}

// HandleCommandAck decodes the given payload and passes it to the handler.
func HandleCommandAck(ctx context.Context, h AckHandler, payload []byte) error {
	var ack CommandAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return errors.Wrap(err, "unmarshal command ack error")
	}

	if ack.ApplicationID == "" {
		return errors.New("application id must not be empty")
	}

	if ack.Channel < 0 {
		return errors.New("channel must not be negative")
	}

	key := storage.Key{
		ApplicationID: ack.ApplicationID,
		DevEUI:        ack.DevEUI,
	}

	if err := h.AcknowledgeCommand(ctx, key, ack.Channel); err != nil {
		return errors.Wrap(err, "acknowledge command error")
	}

	return nil
}

// GatewaySessionTracker flags a gateway session as changed.
type GatewaySessionTracker func(ctx context.Context, key storage.Key, ts time.Time) error

// Notifier sets the gateway-session changed tracking flag and publishes the
// corresponding event to the integration (when configured).
type Notifier struct {
	tracker     GatewaySessionTracker
	integration Integration
	now         func() time.Time
}

// NewNotifier creates a new Notifier. The integration may be nil.
func NewNotifier(tracker GatewaySessionTracker, i Integration) *Notifier {
	return &Notifier{
		tracker:     tracker,
		integration: i,
		now:         time.Now,
	}
}

// GatewaySessionChanged implements device.Notifier.
func (n *Notifier) GatewaySessionChanged(ctx context.Context, key storage.Key, fields []string) error {
	ts := n.now()

	if n.tracker != nil {
		if err := n.tracker(ctx, key, ts); err != nil {
			return errors.Wrap(err, "set gateway-session changed error")
		}
	}

	if n.integration == nil {
		return nil
	}

	err := n.integration.PublishGatewaySessionChanged(ctx, GatewaySessionChangedEvent{
		ApplicationID: key.ApplicationID,
		DevEUI:        key.DevEUI,
		Fields:        fields,
		Time:          ts,
	})
	if err != nil {
		return errors.Wrap(err, "publish gateway-session changed event error")
	}

	log.WithFields(log.Fields{
		"application_id": key.ApplicationID,
		"dev_eui":        key.DevEUI,
		"fields":         fields,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("integration: gateway-session changed event published")

	return nil
}
