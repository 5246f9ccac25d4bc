package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
)

const (
	trackingKeyTempl = "lora:dm:dyn:%s:%s" // dynamic tracking record of application id | DevEUI

	trackingGatewaySessionChanged = "gw_session_changed"
)

// SetGatewaySessionChanged flags the gateway session of the given device as
// changed, so that the gateway-server re-reads the radio parameters.
func SetGatewaySessionChanged(ctx context.Context, key Key, ts time.Time) error {
	err := RedisClient().HSet(ctx, trackingKey(key), trackingGatewaySessionChanged, ts.Unix()).Err()
	if err != nil {
		return errors.Wrap(err, "hset error")
	}

	log.WithFields(log.Fields{
		"application_id": key.ApplicationID,
		"dev_eui":        key.DevEUI,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("storage: gateway-session changed flag set")

	return nil
}

// GetGatewaySessionChanged returns the timestamp at which the gateway session
// was flagged as changed. It returns ErrDoesNotExist when the flag is not set.
func GetGatewaySessionChanged(ctx context.Context, key Key) (time.Time, error) {
	val, err := RedisClient().HGet(ctx, trackingKey(key), trackingGatewaySessionChanged).Result()
	if err != nil {
		return time.Time{}, handleRedisError(err, "hget error")
	}

	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse timestamp error")
	}

	return time.Unix(sec, 0), nil
}

// GetGatewaySessionChanged returns the gateway session changed flag of the
// given device, see GetGatewaySessionChanged.
func (GatewaySessionStore) GetGatewaySessionChanged(ctx context.Context, key Key) (time.Time, error) {
	return GetGatewaySessionChanged(ctx, key)
}

// SetGatewaySessionChanged sets the gateway session changed flag of the
// given device, see SetGatewaySessionChanged.
func (GatewaySessionStore) SetGatewaySessionChanged(ctx context.Context, key Key, ts time.Time) error {
	return SetGatewaySessionChanged(ctx, key, ts)
}

func trackingKey(k Key) string {
	return GetRedisKey(trackingKeyTempl, k.ApplicationID, k.DevEUI)
}
