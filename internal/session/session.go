// Package session implements the merged node-session view of a device.
package session

import (
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"

	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

// NodeSession is the logical device session, assembled from the gateway and
// the application session.
type NodeSession struct {
	ApplicationID string        `json:"applicationID"`
	DevEUI        lorawan.EUI64 `json:"devEUI"`

	// Fields stored by both sides.
	DevAddr  lorawan.DevAddr   `json:"devAddr"`
	NwkSKey  lorawan.AES128Key `json:"nwkSKey"`
	FCntUp   uint32            `json:"fCntUp"`
	FCntDown uint32            `json:"fCntDown"`

	// Gateway session fields.
	Band                band.Name        `json:"band"`
	DR                  int              `json:"dr"`
	TXPowerIndex        int              `json:"txPowerIndex"`
	RelaxFCnt           bool             `json:"relaxFCnt"`
	RXWindow            storage.RXWindow `json:"rxWindow"`
	RXDelay             uint8            `json:"rxDelay"`
	RX1DROffset         uint8            `json:"rx1DROffset"`
	RX2DR               int              `json:"rx2DR"`
	RX2Frequency        uint32           `json:"rx2Frequency"`
	PingSlotPeriodicity int              `json:"pingSlotPeriodicity"`
	ClassBFrequency     uint32           `json:"classBFrequency"`
	ClassBDR            int              `json:"classBDR"`
	InstallationMargin  float64          `json:"installationMargin"`
	PacketLossRate      float64          `json:"packetLossRate"`
	ADRInterval         int              `json:"adrInterval"`
	NbTrans             int              `json:"nbTrans"`

	// Application session fields.
	DeviceType      string                 `json:"deviceType"`
	Mode            storage.ActivationMode `json:"mode"`
	Class           storage.DeviceClass    `json:"class"`
	AppKey          lorawan.AES128Key      `json:"appKey"`
	AppSKey         lorawan.AES128Key      `json:"appSKey"`
	CommandBuffers  storage.CommandBuffers `json:"commandBuffers"`
	MulticastGroups []int64                `json:"multicastGroups"`
	InMaintenance   bool                   `json:"inMaintenance"`
	Latitude        *float64               `json:"latitude,omitempty"`
	Longitude       *float64               `json:"longitude,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// Merge combines the gateway and application session into a NodeSession.
// Values present in the application session take precedence, gateway values
// are only used for fields the application session does not hold.
func Merge(gw storage.GatewaySession, app storage.ApplicationSession) NodeSession {
	ns := NodeSession{
		ApplicationID: app.ApplicationID,
		DevEUI:        app.DevEUI,

		DevAddr:  gw.DevAddr,
		NwkSKey:  gw.NwkSKey,
		FCntUp:   gw.FCntUp,
		FCntDown: gw.FCntDown,

		Band:                gw.Band,
		DR:                  gw.DR,
		TXPowerIndex:        gw.TXPowerIndex,
		RelaxFCnt:           gw.RelaxFCnt,
		RXWindow:            gw.RXWindow,
		RXDelay:             gw.RXDelay,
		RX1DROffset:         gw.RX1DROffset,
		RX2DR:               gw.RX2DR,
		RX2Frequency:        gw.RX2Frequency,
		PingSlotPeriodicity: gw.PingSlotPeriodicity,
		ClassBFrequency:     gw.ClassBFrequency,
		ClassBDR:            gw.ClassBDR,
		InstallationMargin:  gw.InstallationMargin,
		PacketLossRate:      gw.PacketLossRate,
		ADRInterval:         gw.ADRInterval,
		NbTrans:             gw.NbTrans,

		DeviceType:     app.DeviceType,
		Mode:           app.Mode,
		Class:          app.Class,
		AppKey:         app.AppKey,
		AppSKey:        app.AppSKey,
		CommandBuffers: app.CommandBuffers,
		InMaintenance:  app.InMaintenance,
		Latitude:       app.Latitude,
		Longitude:      app.Longitude,
		CreatedAt:      app.CreatedAt,
		UpdatedAt:      app.UpdatedAt,
	}

	if ns.ApplicationID == "" {
		ns.ApplicationID = gw.ApplicationID
	}
	if ns.DevEUI == (lorawan.EUI64{}) {
		ns.DevEUI = gw.DevEUI
	}

	if app.DevAddr != nil {
		ns.DevAddr = *app.DevAddr
	}
	if app.NwkSKey != nil {
		ns.NwkSKey = *app.NwkSKey
	}
	if app.FCntUp != nil {
		ns.FCntUp = *app.FCntUp
	}
	if app.FCntDown != nil {
		ns.FCntDown = *app.FCntDown
	}

	if app.MulticastGroups != nil {
		ns.MulticastGroups = append([]int64{}, app.MulticastGroups...)
	}

	return ns
}
