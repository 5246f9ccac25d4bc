package test

import (
	"context"

	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

// GatewaySessionChange holds a gateway session changed notification.
type GatewaySessionChange struct {
	Key    storage.Key
	Fields []string
}

// Notifier is a test notifier.
type Notifier struct {
	ChangedChan chan GatewaySessionChange
	Err         error
}

// NewNotifier creates a new Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		ChangedChan: make(chan GatewaySessionChange, 100),
	}
}

// GatewaySessionChanged sends the notification to ChangedChan.
func (n *Notifier) GatewaySessionChanged(ctx context.Context, key storage.Key, fields []string) error {
	n.ChangedChan <- GatewaySessionChange{Key: key, Fields: fields}
	return n.Err
}
