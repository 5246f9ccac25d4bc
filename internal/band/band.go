// Package band provides the per-band default radio parameters used when
// registering devices.
package band

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

var (
	dwellTime          = lorawan.DwellTimeNoLimit
	repeaterCompatible bool
	defaultName        loraband.Name

	mu    sync.RWMutex
	bands = make(map[loraband.Name]loraband.Band)
)

// Defaults holds the default radio parameters of a band.
type Defaults struct {
	RX2Frequency    uint32
	RX2DR           int
	RXDelay         uint8
	ClassBFrequency uint32
	ClassBDR        int
}

// Setup sets up the band with the given configuration.
func Setup(c config.Config) error {
	dwellTime = lorawan.DwellTimeNoLimit
	if c.DeviceManager.Band.DownlinkDwellTime400ms {
		dwellTime = lorawan.DwellTime400ms
	}
	repeaterCompatible = c.DeviceManager.Band.RepeaterCompatible
	defaultName = c.DeviceManager.Band.Name

	mu.Lock()
	bands = make(map[loraband.Name]loraband.Band)
	mu.Unlock()

	if _, err := Get(defaultName); err != nil {
		return err
	}

	return nil
}

// DefaultName returns the configured default band name.
func DefaultName() loraband.Name {
	return defaultName
}

// Get returns the band for the given name.
func Get(name loraband.Name) (loraband.Band, error) {
	mu.RLock()
	b, ok := bands[name]
	mu.RUnlock()
	if ok {
		return b, nil
	}

	b, err := loraband.GetConfig(name, repeaterCompatible, dwellTime)
	if err != nil {
		return nil, errors.Wrap(err, "get band config error")
	}

	mu.Lock()
	bands[name] = b
	mu.Unlock()

	return b, nil
}

// GetDefaults returns the default radio parameters for the given band and
// DevAddr. The class-B ping-slot frequency depends on the DevAddr for bands
// using frequency hopping.
func GetDefaults(name loraband.Name, devAddr lorawan.DevAddr) (Defaults, error) {
	b, err := Get(name)
	if err != nil {
		return Defaults{}, err
	}

	d := b.GetDefaults()
	pingSlotFreq, err := b.GetPingSlotFrequency(devAddr, 0)
	if err != nil {
		return Defaults{}, errors.Wrap(err, "get ping-slot frequency error")
	}

	return Defaults{
		RX2Frequency:    d.RX2Frequency,
		RX2DR:           d.RX2DataRate,
		RXDelay:         uint8(d.ReceiveDelay1 / time.Second),
		ClassBFrequency: pingSlotFreq,
		ClassBDR:        d.RX2DataRate,
	}, nil
}
