package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

const (
	gatewaySessionKeyTempl = "lora:dm:gw:%s:%s" // gateway session of application id | DevEUI
)

// RXWindow defines the RX window option.
type RXWindow int8

// Available RX window options.
const (
	RX1 RXWindow = iota
	RX2
)

// GatewaySession holds the radio / MAC-layer session parameters of a device.
// These are owned by the gateway-server.
type GatewaySession struct {
	ApplicationID string
	DevEUI        lorawan.EUI64
	DevAddr       lorawan.DevAddr
	NwkSKey       lorawan.AES128Key
	Band          band.Name

	DR           int
	TXPowerIndex int
	FCntUp       uint32
	FCntDown     uint32

	// RelaxFCnt disables the frame-counter validation (ABP only).
	RelaxFCnt bool

	RXWindow     RXWindow
	RXDelay      uint8
	RX1DROffset  uint8
	RX2DR        int
	RX2Frequency uint32

	// Class-B parameters.
	PingSlotPeriodicity int
	ClassBFrequency     uint32
	ClassBDR            int

	InstallationMargin float64
	PacketLossRate     float64

	// ADRInterval contains the number of uplinks between ADR evaluations.
	ADRInterval int

	// NbTrans defines the number of (re)transmissions.
	NbTrans int
}

// Key returns the session key.
func (s GatewaySession) Key() Key {
	return Key{ApplicationID: s.ApplicationID, DevEUI: s.DevEUI}
}

// GetRandomDevAddr returns a random DevAddr, prefixed with the NwkID based
// on the given NetID.
func GetRandomDevAddr(netID lorawan.NetID) (lorawan.DevAddr, error) {
	var d lorawan.DevAddr
	b := make([]byte, len(d))
	if _, err := rand.Read(b); err != nil {
		return d, errors.Wrap(err, "read random bytes error")
	}
	copy(d[:], b)
	d.SetAddrPrefix(netID)

	return d, nil
}

// GatewaySessionStore implements the gateway session store using Redis.
type GatewaySessionStore struct{}

// CreateGatewaySessions creates the given gateway sessions. Existing sessions
// are never overwritten. It returns the number of created sessions, which is
// less than len(sessions) when one of the keys already exists.
func (GatewaySessionStore) CreateGatewaySessions(ctx context.Context, sessions []GatewaySession) (int, error) {
	if len(sessions) == 0 {
		return 0, nil
	}

	pipe := RedisClient().Pipeline()
	cmds := make([]*redis.BoolCmd, 0, len(sessions))

	for _, s := range sessions {
		b, err := encodeGatewaySession(s)
		if err != nil {
			return 0, err
		}

		cmds = append(cmds, pipe.SetNX(ctx, gatewaySessionKey(s.Key()), b, 0))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "exec error")
	}

	var count int
	for i, cmd := range cmds {
		if cmd.Val() {
			count++
			continue
		}

		log.WithFields(log.Fields{
			"application_id": sessions[i].ApplicationID,
			"dev_eui":        sessions[i].DevEUI,
			"ctx_id":         ctx.Value(logging.ContextIDKey),
		}).Warning("storage: gateway-session already exists")
	}

	log.WithFields(log.Fields{
		"count":  count,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Info("storage: gateway-sessions created")

	return count, nil
}

// GetGatewaySession returns the gateway session for the given key.
func (GatewaySessionStore) GetGatewaySession(ctx context.Context, key Key) (GatewaySession, error) {
	var s GatewaySession

	val, err := RedisClient().Get(ctx, gatewaySessionKey(key)).Bytes()
	if err != nil {
		return s, handleRedisError(err, "get error")
	}

	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&s); err != nil {
		return s, errors.Wrap(err, "gob decode error")
	}

	return s, nil
}

// SaveGatewaySession overwrites the given gateway session. It returns
// ErrDoesNotExist when there is no session to overwrite.
func (GatewaySessionStore) SaveGatewaySession(ctx context.Context, s GatewaySession) error {
	b, err := encodeGatewaySession(s)
	if err != nil {
		return err
	}

	ok, err := RedisClient().SetXX(ctx, gatewaySessionKey(s.Key()), b, redis.KeepTTL).Result()
	if err != nil {
		return errors.Wrap(err, "set error")
	}
	if !ok {
		return ErrDoesNotExist
	}

	log.WithFields(log.Fields{
		"application_id": s.ApplicationID,
		"dev_eui":        s.DevEUI,
		"dev_addr":       s.DevAddr,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("storage: gateway-session saved")

	return nil
}

// DeleteGatewaySession deletes the gateway session and its tracking record.
// It returns the number of deleted gateway sessions.
func (GatewaySessionStore) DeleteGatewaySession(ctx context.Context, key Key) (int64, error) {
	pipe := RedisClient().Pipeline()
	del := pipe.Del(ctx, gatewaySessionKey(key))
	pipe.Del(ctx, trackingKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "delete error")
	}
	n := del.Val()

	log.WithFields(log.Fields{
		"application_id": key.ApplicationID,
		"dev_eui":        key.DevEUI,
		"count":          n,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("storage: gateway-session deleted")

	return n, nil
}

// GetExistingGatewaySessionKeys returns the subset of the given keys for
// which a gateway session exists.
func (GatewaySessionStore) GetExistingGatewaySessionKeys(ctx context.Context, keys []Key) ([]Key, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := RedisClient().Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(keys))

	for _, k := range keys {
		cmds = append(cmds, pipe.Exists(ctx, gatewaySessionKey(k)))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "exec error")
	}

	var out []Key
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			out = append(out, keys[i])
		}
	}

	return out, nil
}

func gatewaySessionKey(k Key) string {
	return GetRedisKey(gatewaySessionKeyTempl, k.ApplicationID, k.DevEUI)
}

func encodeGatewaySession(s GatewaySession) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, errors.Wrap(err, "gob encode error")
	}
	return buf.Bytes(), nil
}
