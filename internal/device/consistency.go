package device

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/session"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

// Consistency defines the consistency state of a device key.
type Consistency string

// Available consistency states.
const (
	ConsistencyComplete        Consistency = "complete"
	ConsistencyGatewayOnly     Consistency = "gateway_only"
	ConsistencyApplicationOnly Consistency = "application_only"
	ConsistencyMissing         Consistency = "missing"
)

// IsOrphaned returns true when the key exists in exactly one store.
func (c Consistency) IsOrphaned() bool {
	return c == ConsistencyGatewayOnly || c == ConsistencyApplicationOnly
}

// CheckConsistency returns in which stores the given keys exist.
func (s *Service) CheckConsistency(ctx context.Context, keys []storage.Key) (map[storage.Key]Consistency, error) {
	var gwExisting, appExisting []storage.Key

	var g errgroup.Group
	g.Go(func() error {
		var err error
		gwExisting, err = s.gateway.GetExistingGatewaySessionKeys(ctx, keys)
		return err
	})
	g.Go(func() error {
		var err error
		appExisting, err = s.application.GetExistingApplicationSessionKeys(ctx, keys)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, storageError("check consistency", err)
	}

	gw := make(map[storage.Key]bool, len(gwExisting))
	for _, k := range gwExisting {
		gw[k] = true
	}
	app := make(map[storage.Key]bool, len(appExisting))
	for _, k := range appExisting {
		app[k] = true
	}

	out := make(map[storage.Key]Consistency, len(keys))
	for _, k := range keys {
		switch {
		case gw[k] && app[k]:
			out[k] = ConsistencyComplete
		case gw[k]:
			out[k] = ConsistencyGatewayOnly
		case app[k]:
			out[k] = ConsistencyApplicationOnly
		default:
			out[k] = ConsistencyMissing
		}

		if out[k].IsOrphaned() {
			log.WithFields(log.Fields{
				"application_id": k.ApplicationID,
				"dev_eui":        k.DevEUI,
				"state":          out[k],
				"ctx_id":         ctx.Value(logging.ContextIDKey),
			}).Warning("device: orphaned session detected")
		}
	}

	return out, nil
}

// Get returns the merged node session of the device.
func (s *Service) Get(ctx context.Context, key storage.Key) (session.NodeSession, error) {
	gs, as, err := s.getBoth(ctx, key)
	if err != nil {
		return session.NodeSession{}, err
	}
	return s.normalize(session.Merge(gs, as)), nil
}
