package device

import (
	"math"
	"strconv"

	"github.com/brocaar/chirpstack-device-manager/internal/session"
)

const (
	defaultDisplayPrecision = 15
	maxDisplayPrecision     = 17
)

// normalize removes the floating-point error from the float fields, so that
// e.g. 10.1 + 0.2 is returned as 10.3. Values without such error are returned
// unchanged. The result is only used for display, stored values are never
// modified.
func (s *Service) normalize(ns session.NodeSession) session.NodeSession {
	p := s.config.DisplayPrecision
	if p <= 0 || p > maxDisplayPrecision {
		p = defaultDisplayPrecision
	}

	ns.InstallationMargin = shortest(ns.InstallationMargin, p)
	ns.PacketLossRate = shortest(ns.PacketLossRate, p)
	if ns.Latitude != nil {
		v := shortest(*ns.Latitude, p)
		ns.Latitude = &v
	}
	if ns.Longitude != nil {
		v := shortest(*ns.Longitude, p)
		ns.Longitude = &v
	}

	return ns
}

// shortest returns v rounded to the given number of significant digits.
func shortest(v float64, precision int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}

	out, err := strconv.ParseFloat(strconv.FormatFloat(v, 'g', precision, 64), 64)
	if err != nil {
		return v
	}
	return out
}
