package device

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/chirpstack-device-manager/internal/session"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/lorawan"
)

// Patch holds the fields to update. Nil fields are left untouched.
type Patch struct {
	// Gateway session fields.
	DR                  *int     `json:"dr,omitempty"`
	TXPowerIndex        *int     `json:"txPowerIndex,omitempty"`
	ADRInterval         *int     `json:"adrInterval,omitempty"`
	InstallationMargin  *float64 `json:"installationMargin,omitempty"`
	NbTrans             *int     `json:"nbTrans,omitempty"`
	RelaxFCnt           *bool    `json:"relaxFCnt,omitempty"`
	RXDelay             *uint8   `json:"rxDelay,omitempty"`
	RX1DROffset         *uint8   `json:"rx1DROffset,omitempty"`
	RX2DR               *int     `json:"rx2DR,omitempty"`
	RX2Frequency        *uint32  `json:"rx2Frequency,omitempty"`
	PingSlotPeriodicity *int     `json:"pingSlotPeriodicity,omitempty"`
	ClassBFrequency     *uint32  `json:"classBFrequency,omitempty"`
	ClassBDR            *int     `json:"classBDR,omitempty"`

	// NwkSKey is stored by both sides.
	NwkSKey *lorawan.AES128Key `json:"nwkSKey,omitempty"`

	// Application session fields.
	Class           *storage.DeviceClass `json:"class,omitempty"`
	MulticastGroups *[]int64             `json:"multicastGroups,omitempty"`
	AppKey          *lorawan.AES128Key   `json:"appKey,omitempty"`
	AppSKey         *lorawan.AES128Key   `json:"appSKey,omitempty"`
	InMaintenance   *bool                `json:"inMaintenance,omitempty"`
	Latitude        *float64             `json:"latitude,omitempty"`
	Longitude       *float64             `json:"longitude,omitempty"`
}

// applyGateway applies the patch to the given gateway session. It returns
// whether the session changed and the watched fields present in the patch.
func (p Patch) applyGateway(gs *storage.GatewaySession) (changed bool, watched []string) {
	setInt := func(dst *int, v *int, name string, watch bool) {
		if v == nil {
			return
		}
		*dst = *v
		changed = true
		if watch {
			watched = append(watched, name)
		}
	}
	setUint8 := func(dst *uint8, v *uint8, name string) {
		if v == nil {
			return
		}
		*dst = *v
		changed = true
		watched = append(watched, name)
	}
	setUint32 := func(dst *uint32, v *uint32, name string, watch bool) {
		if v == nil {
			return
		}
		*dst = *v
		changed = true
		if watch {
			watched = append(watched, name)
		}
	}

	setInt(&gs.DR, p.DR, "dr", false)
	setInt(&gs.TXPowerIndex, p.TXPowerIndex, "tx_power_index", false)
	setInt(&gs.ADRInterval, p.ADRInterval, "adr_interval", true)
	setInt(&gs.NbTrans, p.NbTrans, "nb_trans", true)
	setInt(&gs.RX2DR, p.RX2DR, "rx2_dr", true)
	setInt(&gs.PingSlotPeriodicity, p.PingSlotPeriodicity, "ping_slot_periodicity", true)
	setInt(&gs.ClassBDR, p.ClassBDR, "class_b_dr", true)
	setUint8(&gs.RXDelay, p.RXDelay, "rx_delay")
	setUint8(&gs.RX1DROffset, p.RX1DROffset, "rx1_dr_offset")
	setUint32(&gs.RX2Frequency, p.RX2Frequency, "rx2_frequency", false)
	setUint32(&gs.ClassBFrequency, p.ClassBFrequency, "class_b_frequency", true)

	if p.InstallationMargin != nil {
		gs.InstallationMargin = *p.InstallationMargin
		changed = true
		watched = append(watched, "installation_margin")
	}
	if p.RelaxFCnt != nil {
		gs.RelaxFCnt = *p.RelaxFCnt
		changed = true
		watched = append(watched, "relax_fcnt")
	}
	if p.NwkSKey != nil {
		gs.NwkSKey = *p.NwkSKey
		changed = true
	}

	return changed, watched
}

// applyApplication applies the patch to the given application session.
func (p Patch) applyApplication(as *storage.ApplicationSession) (bool, error) {
	var changed bool

	class := as.Class
	if p.Class != nil {
		class = *p.Class
	}

	if p.MulticastGroups != nil {
		if len(*p.MulticastGroups) != 0 && !class.SupportsMulticast() {
			return false, validationErrorf("multicast groups are not supported by class %s", class)
		}
		as.MulticastGroups = append([]int64{}, (*p.MulticastGroups)...)
		changed = true
	} else if p.Class != nil && !class.SupportsMulticast() && len(as.MulticastGroups) != 0 {
		as.MulticastGroups = []int64{}
		changed = true
	}

	if p.Class != nil {
		as.Class = *p.Class
		changed = true
	}
	if p.AppKey != nil {
		as.AppKey = *p.AppKey
		changed = true
	}
	if p.AppSKey != nil {
		as.AppSKey = *p.AppSKey
		changed = true
	}
	if p.InMaintenance != nil {
		as.InMaintenance = *p.InMaintenance
		changed = true
	}
	if p.Latitude != nil {
		v := *p.Latitude
		as.Latitude = &v
		changed = true
	}
	if p.Longitude != nil {
		v := *p.Longitude
		as.Longitude = &v
		changed = true
	}

	// The application copy takes precedence on merge, so it must follow
	// the gateway value when it is set.
	if p.NwkSKey != nil && as.NwkSKey != nil {
		v := *p.NwkSKey
		as.NwkSKey = &v
		changed = true
	}

	return changed, nil
}

// Update applies the given patch to the device. The gateway session is
// written first. When the application session write fails afterwards, the
// gateway session is restored by a compensating action.
func (s *Service) Update(ctx context.Context, key storage.Key, p Patch) (session.NodeSession, error) {
	gsOld, asOld, err := s.getBoth(ctx, key)
	if err != nil {
		updateCounter(resultFromError(err)).Inc()
		return session.NodeSession{}, err
	}

	gs := gsOld
	as := copyApplicationSession(asOld)

	gwChanged, watched := p.applyGateway(&gs)
	appChanged, err := p.applyApplication(&as)
	if err != nil {
		updateCounter("invalid").Inc()
		return session.NodeSession{}, err
	}

	if gwChanged {
		if err := s.gateway.SaveGatewaySession(ctx, gs); err != nil {
			updateCounter("error").Inc()
			if isDoesNotExist(err) {
				return session.NodeSession{}, ErrNotFound
			}
			return session.NodeSession{}, storageError("save gateway-session", err)
		}
	}

	if appChanged {
		if err := s.application.UpdateApplicationSession(ctx, &as); err != nil {
			updateCounter("rollback").Inc()
			if gwChanged {
				s.scheduler.Schedule(ctx, "update_restore_gateway_session", keyFields(key), func(ctx context.Context) error {
					return s.gateway.SaveGatewaySession(ctx, gsOld)
				})
			}

			log.WithError(err).WithFields(log.Fields{
				"application_id": key.ApplicationID,
				"dev_eui":        key.DevEUI,
				"ctx_id":         ctx.Value(logging.ContextIDKey),
			}).Error("device: update application-session error")

			if isDoesNotExist(err) {
				return session.NodeSession{}, ErrNotFound
			}
			return session.NodeSession{}, storageError("update application-session", err)
		}
	}

	if len(watched) != 0 {
		s.notifyGatewaySessionChanged(ctx, key, watched)
	}

	updateCounter("ok").Inc()
	log.WithFields(log.Fields{
		"application_id":      key.ApplicationID,
		"dev_eui":             key.DevEUI,
		"gateway_changed":     gwChanged,
		"application_changed": appChanged,
		"ctx_id":              ctx.Value(logging.ContextIDKey),
	}).Info("device: device updated")

	return s.normalize(session.Merge(gs, as)), nil
}

func copyApplicationSession(as storage.ApplicationSession) storage.ApplicationSession {
	if as.MulticastGroups != nil {
		as.MulticastGroups = append(as.MulticastGroups[:0:0], as.MulticastGroups...)
	}
	if as.CommandBuffers != nil {
		bufs := make(storage.CommandBuffers, len(as.CommandBuffers))
		for k, v := range as.CommandBuffers {
			bufs[k] = v
		}
		as.CommandBuffers = bufs
	}
	return as
}

func isDoesNotExist(err error) bool {
	return errors.Cause(err) == storage.ErrDoesNotExist
}

func resultFromError(err error) string {
	switch err.(type) {
	case *ValidationError, *DuplicateDeviceError:
		return "invalid"
	}
	if err == ErrNotFound {
		return "not_found"
	}
	return "error"
}
