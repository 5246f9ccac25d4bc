// Package device implements the registration, update and deletion of devices
// across the gateway and application session stores.
package device

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/compensation"
	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/lorawan"
)

// GatewayStore defines the gateway session store.
type GatewayStore interface {
	CreateGatewaySessions(ctx context.Context, sessions []storage.GatewaySession) (int, error)
	GetGatewaySession(ctx context.Context, key storage.Key) (storage.GatewaySession, error)
	SaveGatewaySession(ctx context.Context, s storage.GatewaySession) error
	DeleteGatewaySession(ctx context.Context, key storage.Key) (int64, error)
	GetExistingGatewaySessionKeys(ctx context.Context, keys []storage.Key) ([]storage.Key, error)

	// The changed flag is removed together with the gateway session.
	GetGatewaySessionChanged(ctx context.Context, key storage.Key) (time.Time, error)
	SetGatewaySessionChanged(ctx context.Context, key storage.Key, ts time.Time) error
}

// ApplicationStore defines the application session store.
type ApplicationStore interface {
	CreateApplicationSessions(ctx context.Context, sessions []storage.ApplicationSession) (int, error)
	GetApplicationSession(ctx context.Context, key storage.Key) (storage.ApplicationSession, error)
	UpdateApplicationSession(ctx context.Context, s *storage.ApplicationSession) error
	DeleteApplicationSession(ctx context.Context, key storage.Key) (int64, error)
	GetExistingApplicationSessionKeys(ctx context.Context, keys []storage.Key) ([]storage.Key, error)
}

// Notifier is notified when a radio-affecting parameter of the gateway
// session has changed.
type Notifier interface {
	GatewaySessionChanged(ctx context.Context, key storage.Key, fields []string) error
}

// Scheduler schedules compensating actions.
type Scheduler interface {
	Schedule(ctx context.Context, name string, fields log.Fields, fn compensation.Action)
}

// Config holds the device service configuration.
type Config struct {
	NetID                     lorawan.NetID
	MaxBatchSize              int
	DefaultADRInterval        int
	DefaultInstallationMargin float64
	DefaultNbTrans            int
	DefaultMulticastGroups    []int64
	DisplayPrecision          int
}

// ConfigFromConfig returns the service configuration from the global
// configuration.
func ConfigFromConfig(c config.Config) Config {
	out := Config{
		NetID:                     c.DeviceManager.NetID,
		MaxBatchSize:              c.DeviceManager.Registration.MaxBatchSize,
		DefaultADRInterval:        c.DeviceManager.Registration.DefaultADRInterval,
		DefaultInstallationMargin: c.DeviceManager.Registration.DefaultInstallMargin,
		DefaultNbTrans:            c.DeviceManager.Registration.DefaultNbTrans,
		DisplayPrecision:          c.DeviceManager.Registration.DisplayPrecision,
	}

	for _, g := range c.DeviceManager.Registration.DefaultMulticastGroups {
		out.DefaultMulticastGroups = append(out.DefaultMulticastGroups, int64(g))
	}

	if out.MaxBatchSize <= 0 || out.MaxBatchSize > maxBatchSize {
		out.MaxBatchSize = maxBatchSize
	}

	return out
}

const maxBatchSize = 500

// Service implements the device registration, update and deletion.
type Service struct {
	gateway     GatewayStore
	application ApplicationStore
	deviceTypes *devicetype.Cache
	scheduler   Scheduler
	notifier    Notifier
	config      Config

	wg sync.WaitGroup
}

// NewService creates a new Service.
func NewService(gw GatewayStore, app ApplicationStore, deviceTypes *devicetype.Cache, scheduler Scheduler, notifier Notifier, conf Config) *Service {
	if conf.MaxBatchSize <= 0 || conf.MaxBatchSize > maxBatchSize {
		conf.MaxBatchSize = maxBatchSize
	}

	return &Service{
		gateway:     gw,
		application: app,
		deviceTypes: deviceTypes,
		scheduler:   scheduler,
		notifier:    notifier,
		config:      conf,
	}
}

// Wait blocks until all background notifications have completed.
func (s *Service) Wait() {
	s.wg.Wait()
}

// getBoth returns the gateway and application session. It returns
// ErrNotFound when one of them does not exist.
func (s *Service) getBoth(ctx context.Context, key storage.Key) (storage.GatewaySession, storage.ApplicationSession, error) {
	gs, err := s.gateway.GetGatewaySession(ctx, key)
	if err != nil {
		if isDoesNotExist(err) {
			return gs, storage.ApplicationSession{}, ErrNotFound
		}
		return gs, storage.ApplicationSession{}, storageError("get gateway-session", err)
	}

	as, err := s.application.GetApplicationSession(ctx, key)
	if err != nil {
		if isDoesNotExist(err) {
			return gs, as, ErrNotFound
		}
		return gs, as, storageError("get application-session", err)
	}

	return gs, as, nil
}

func (s *Service) notifyGatewaySessionChanged(ctx context.Context, key storage.Key, fields []string) {
	if s.notifier == nil {
		return
	}

	ctx = logging.Detach(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.notifier.GatewaySessionChanged(ctx, key, fields); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"application_id": key.ApplicationID,
				"dev_eui":        key.DevEUI,
				"ctx_id":         ctx.Value(logging.ContextIDKey),
			}).Error("device: gateway-session changed notification error")
		}
	}()
}

func keyFields(key storage.Key) log.Fields {
	return log.Fields{
		"application_id": key.ApplicationID,
		"dev_eui":        key.DevEUI,
	}
}
