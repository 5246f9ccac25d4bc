package device

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brocaar/chirpstack-device-manager/internal/band"
	"github.com/brocaar/chirpstack-device-manager/internal/devicetype"
	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/session"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Candidate holds a device to register. Nil fields are populated with
// defaults.
type Candidate struct {
	DevEUI  lorawan.EUI64        `json:"devEUI"`
	DevAddr *lorawan.DevAddr     `json:"devAddr,omitempty"`
	AppKey  *lorawan.AES128Key   `json:"appKey,omitempty"`
	AppSKey *lorawan.AES128Key   `json:"appSKey,omitempty"`
	NwkSKey *lorawan.AES128Key   `json:"nwkSKey,omitempty"`
	Class   *storage.DeviceClass `json:"class,omitempty"`

	// MulticastGroups overrides the class-dependent default multicast
	// groups when not nil.
	MulticastGroups []int64 `json:"multicastGroups,omitempty"`

	ADRInterval        *int     `json:"adrInterval,omitempty"`
	InstallationMargin *float64 `json:"installationMargin,omitempty"`
	NbTrans            *int     `json:"nbTrans,omitempty"`
	RelaxFCnt          bool     `json:"relaxFCnt"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Batch holds the devices to register. All devices share the application,
// device-type, band and activation mode.
type Batch struct {
	ApplicationID string                 `json:"applicationID"`
	DeviceType    string                 `json:"deviceType"`
	Band          loraband.Name          `json:"band"`
	Mode          storage.ActivationMode `json:"mode"`
	Devices       []Candidate            `json:"devices"`
}

// RegisterResult holds the result of a registration.
type RegisterResult struct {
	GatewayRecordsSaved     int `json:"gatewayRecordsSaved"`
	ApplicationRecordsSaved int `json:"applicationRecordsSaved"`

	// Devices holds the registered devices, normalized for display.
	Devices []session.NodeSession `json:"devices"`
}

// Register registers the given batch of devices. Either all devices are
// created in both stores, or the created records are removed again by a
// compensating action and a StorageError is returned.
func (s *Service) Register(ctx context.Context, b Batch) (RegisterResult, error) {
	var res RegisterResult

	if len(b.Devices) == 0 || len(b.Devices) > s.config.MaxBatchSize {
		registerCounter("invalid").Inc()
		return res, validationErrorf("batch must contain between 1 and %d devices", s.config.MaxBatchSize)
	}
	if b.Mode != storage.ModeABP && b.Mode != storage.ModeOTAA {
		registerCounter("invalid").Inc()
		return res, validationErrorf("invalid activation mode: %s", b.Mode)
	}
	if b.Band == "" {
		b.Band = band.DefaultName()
	}

	dt, err := s.deviceTypes.Get(ctx, b.DeviceType)
	if err != nil {
		registerCounter("invalid").Inc()
		if err == devicetype.ErrUnknownDeviceType {
			return res, validationErrorf("unknown device-type: %s", b.DeviceType)
		}
		return res, storageError("get device-type", err)
	}

	keys := make([]storage.Key, 0, len(b.Devices))
	seen := make(map[lorawan.EUI64]struct{}, len(b.Devices))
	dups := make(map[lorawan.EUI64]struct{})
	for _, c := range b.Devices {
		if _, ok := seen[c.DevEUI]; ok {
			dups[c.DevEUI] = struct{}{}
		}
		seen[c.DevEUI] = struct{}{}
		keys = append(keys, storage.Key{ApplicationID: b.ApplicationID, DevEUI: c.DevEUI})
	}
	if len(dups) != 0 {
		registerCounter("duplicate").Inc()
		return res, newDuplicateDeviceError(dups)
	}

	if err := s.checkUnique(ctx, keys); err != nil {
		if _, ok := err.(*DuplicateDeviceError); ok {
			registerCounter("duplicate").Inc()
		} else {
			registerCounter("error").Inc()
		}
		return res, err
	}

	gwSessions := make([]storage.GatewaySession, 0, len(b.Devices))
	appSessions := make([]storage.ApplicationSession, 0, len(b.Devices))
	for _, c := range b.Devices {
		gs, as, err := s.newSessions(b, dt, c)
		if err != nil {
			registerCounter("invalid").Inc()
			return res, err
		}
		gwSessions = append(gwSessions, gs)
		appSessions = append(appSessions, as)
	}

	// Both sides are always attempted. A failure on one side does not
	// cancel the other.
	var g errgroup.Group
	g.Go(func() error {
		n, err := s.gateway.CreateGatewaySessions(ctx, gwSessions)
		res.GatewayRecordsSaved = n
		return errors.Wrap(err, "create gateway-sessions")
	})
	g.Go(func() error {
		n, err := s.application.CreateApplicationSessions(ctx, appSessions)
		res.ApplicationRecordsSaved = n
		return errors.Wrap(err, "create application-sessions")
	})
	err = g.Wait()

	if err == nil && (res.GatewayRecordsSaved != len(keys) || res.ApplicationRecordsSaved != len(keys)) {
		err = fmt.Errorf("saved %d gateway and %d application records, expected %d", res.GatewayRecordsSaved, res.ApplicationRecordsSaved, len(keys))
	}

	if err != nil {
		registerCounter("rollback").Inc()
		s.scheduleRegisterRollback(ctx, keys)

		log.WithError(err).WithFields(log.Fields{
			"application_id": b.ApplicationID,
			"count":          len(keys),
			"ctx_id":         ctx.Value(logging.ContextIDKey),
		}).Error("device: register devices error, rollback scheduled")

		return RegisterResult{
			GatewayRecordsSaved:     res.GatewayRecordsSaved,
			ApplicationRecordsSaved: res.ApplicationRecordsSaved,
		}, storageError("register", err)
	}

	for i := range gwSessions {
		res.Devices = append(res.Devices, s.normalize(session.Merge(gwSessions[i], appSessions[i])))
	}

	registerCounter("ok").Inc()
	log.WithFields(log.Fields{
		"application_id": b.ApplicationID,
		"device_type":    b.DeviceType,
		"count":          len(keys),
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("device: devices registered")

	return res, nil
}

// checkUnique returns a DuplicateDeviceError naming every key which exists
// in either store.
func (s *Service) checkUnique(ctx context.Context, keys []storage.Key) error {
	var gwExisting, appExisting []storage.Key

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		gwExisting, err = s.gateway.GetExistingGatewaySessionKeys(gctx, keys)
		return errors.Wrap(err, "get existing gateway-session keys")
	})
	g.Go(func() error {
		var err error
		appExisting, err = s.application.GetExistingApplicationSessionKeys(gctx, keys)
		return errors.Wrap(err, "get existing application-session keys")
	})
	if err := g.Wait(); err != nil {
		return storageError("check unique", err)
	}

	dups := make(map[lorawan.EUI64]struct{})
	for _, k := range gwExisting {
		dups[k.DevEUI] = struct{}{}
	}
	for _, k := range appExisting {
		dups[k.DevEUI] = struct{}{}
	}
	if len(dups) != 0 {
		return newDuplicateDeviceError(dups)
	}

	return nil
}

func (s *Service) scheduleRegisterRollback(ctx context.Context, keys []storage.Key) {
	s.scheduler.Schedule(ctx, "register_rollback", log.Fields{"count": len(keys)}, func(ctx context.Context) error {
		var errs int
		for _, k := range keys {
			if _, err := s.gateway.DeleteGatewaySession(ctx, k); err != nil {
				errs++
				log.WithError(err).WithFields(keyFields(k)).Error("device: rollback gateway-session error")
			}
			if _, err := s.application.DeleteApplicationSession(ctx, k); err != nil {
				errs++
				log.WithError(err).WithFields(keyFields(k)).Error("device: rollback application-session error")
			}
		}
		if errs != 0 {
			return fmt.Errorf("%d rollback delete(s) failed", errs)
		}
		return nil
	})
}

func (s *Service) newSessions(b Batch, dt devicetype.DeviceType, c Candidate) (storage.GatewaySession, storage.ApplicationSession, error) {
	var err error

	class := dt.DefaultClass
	if c.Class != nil {
		class = *c.Class
	}

	var devAddr lorawan.DevAddr
	if c.DevAddr != nil {
		devAddr = *c.DevAddr
	} else if devAddr, err = storage.GetRandomDevAddr(s.config.NetID); err != nil {
		return storage.GatewaySession{}, storage.ApplicationSession{}, storageError("get random DevAddr", err)
	}

	var nwkSKey, appSKey, appKey lorawan.AES128Key
	for _, k := range []struct {
		in  *lorawan.AES128Key
		out *lorawan.AES128Key
	}{
		{c.NwkSKey, &nwkSKey},
		{c.AppSKey, &appSKey},
		{c.AppKey, &appKey},
	} {
		if k.in != nil {
			*k.out = *k.in
			continue
		}
		if *k.out, err = getRandomKey(); err != nil {
			return storage.GatewaySession{}, storage.ApplicationSession{}, storageError("get random key", err)
		}
	}

	defaults, err := band.GetDefaults(b.Band, devAddr)
	if err != nil {
		return storage.GatewaySession{}, storage.ApplicationSession{}, validationErrorf("invalid band %s: %s", b.Band, err)
	}

	gs := storage.GatewaySession{
		ApplicationID:      b.ApplicationID,
		DevEUI:             c.DevEUI,
		DevAddr:            devAddr,
		NwkSKey:            nwkSKey,
		Band:               b.Band,
		RelaxFCnt:          c.RelaxFCnt && b.Mode == storage.ModeABP,
		RXWindow:           storage.RX1,
		RXDelay:            defaults.RXDelay,
		RX2DR:              defaults.RX2DR,
		RX2Frequency:       defaults.RX2Frequency,
		ClassBFrequency:    defaults.ClassBFrequency,
		ClassBDR:           defaults.ClassBDR,
		ADRInterval:        s.config.DefaultADRInterval,
		InstallationMargin: s.config.DefaultInstallationMargin,
		NbTrans:            s.config.DefaultNbTrans,
	}
	if c.ADRInterval != nil {
		gs.ADRInterval = *c.ADRInterval
	}
	if c.InstallationMargin != nil {
		gs.InstallationMargin = *c.InstallationMargin
	}
	if c.NbTrans != nil {
		gs.NbTrans = *c.NbTrans
	}

	as := storage.ApplicationSession{
		ApplicationID:  b.ApplicationID,
		DevEUI:         c.DevEUI,
		DeviceType:     dt.Name,
		Mode:           b.Mode,
		Class:          class,
		AppKey:         appKey,
		AppSKey:        appSKey,
		CommandBuffers: make(storage.CommandBuffers),
		Latitude:       c.Latitude,
		Longitude:      c.Longitude,
	}

	switch {
	case c.MulticastGroups != nil:
		if len(c.MulticastGroups) != 0 && !class.SupportsMulticast() {
			return gs, as, validationErrorf("multicast groups are not supported by class %s (device %s)", class, c.DevEUI)
		}
		as.MulticastGroups = append([]int64{}, c.MulticastGroups...)
	case class.SupportsMulticast():
		as.MulticastGroups = append([]int64{}, s.config.DefaultMulticastGroups...)
	default:
		as.MulticastGroups = []int64{}
	}

	return gs, as, nil
}

func getRandomKey() (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	if _, err := rand.Read(key[:]); err != nil {
		return key, errors.Wrap(err, "read random bytes error")
	}
	return key, nil
}
