package device

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

// DeleteResult holds the number of deleted records per store.
type DeleteResult struct {
	GatewayDeleted     int64 `json:"gatewayDeleted"`
	ApplicationDeleted int64 `json:"applicationDeleted"`
}

// Delete deletes the device from both stores. The gateway session is
// deleted first. When the application session delete fails afterwards, the
// gateway session and its changed flag are re-created by a compensating
// action.
func (s *Service) Delete(ctx context.Context, key storage.Key) (DeleteResult, error) {
	var res DeleteResult

	gs, _, err := s.getBoth(ctx, key)
	if err != nil {
		deleteCounter(resultFromError(err)).Inc()
		return res, err
	}

	changedAt, err := s.gateway.GetGatewaySessionChanged(ctx, key)
	if err != nil && !isDoesNotExist(err) {
		deleteCounter("error").Inc()
		return res, storageError("get gateway-session changed", err)
	}

	res.GatewayDeleted, err = s.gateway.DeleteGatewaySession(ctx, key)
	if err != nil {
		deleteCounter("error").Inc()
		return res, storageError("delete gateway-session", err)
	}

	res.ApplicationDeleted, err = s.application.DeleteApplicationSession(ctx, key)
	if err != nil {
		deleteCounter("rollback").Inc()
		s.scheduler.Schedule(ctx, "delete_restore_gateway_session", keyFields(key), func(ctx context.Context) error {
			n, err := s.gateway.CreateGatewaySessions(ctx, []storage.GatewaySession{gs})
			if err != nil {
				return err
			}
			if n != 1 {
				return errors.Errorf("gateway-session for %s was re-created concurrently", key)
			}
			if !changedAt.IsZero() {
				return s.gateway.SetGatewaySessionChanged(ctx, key, changedAt)
			}
			return nil
		})

		log.WithError(err).WithFields(log.Fields{
			"application_id": key.ApplicationID,
			"dev_eui":        key.DevEUI,
			"ctx_id":         ctx.Value(logging.ContextIDKey),
		}).Error("device: delete application-session error")

		return res, storageError("delete application-session", err)
	}

	deleteCounter("ok").Inc()
	log.WithFields(log.Fields{
		"application_id":      key.ApplicationID,
		"dev_eui":             key.DevEUI,
		"gateway_deleted":     res.GatewayDeleted,
		"application_deleted": res.ApplicationDeleted,
		"ctx_id":              ctx.Value(logging.ContextIDKey),
	}).Info("device: device deleted")

	return res, nil
}
