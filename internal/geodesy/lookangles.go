package geodesy

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// LookAngles is a topocentric pointing solution.
type LookAngles struct {
	AzimuthDeg   float64 `json:"azimuth_deg"`
	ElevationDeg float64 `json:"elevation_deg"`
	RangeM       float64 `json:"range_m"`
}

// TopocentricLookAngles computes azimuth, elevation and slant range from a to b
// on the ellipsoid rather than with the flat right triangle used by Elevation.
// The difference matters once the target is tens of kilometers out and the
// horizon drops away.
//
// Both points are placed in the same inertial frame at the given instant, so
// the result does not depend on at beyond floating point noise.
func TopocentricLookAngles(a, b Point, at time.Time) (LookAngles, error) {
	aAlt, aok := a.Alt()
	bAlt, bok := b.Alt()
	if !aok || !bok {
		return LookAngles{}, ErrMissingAltitude
	}
	if a.LatDeg == b.LatDeg && a.LonDeg == b.LonDeg && aAlt == bAlt {
		return LookAngles{}, nil
	}

	at = at.UTC()
	jday := satellite.JDay(at.Year(), int(at.Month()), at.Day(), at.Hour(), at.Minute(), at.Second())

	obs := satellite.LatLong{Latitude: a.latRad(), Longitude: a.lonRad()}
	tgt := satellite.LatLong{Latitude: b.latRad(), Longitude: b.lonRad()}

	eciTarget := satellite.LLAToECI(tgt, bAlt/1000.0, jday)
	look := satellite.ECIToLookAngles(eciTarget, obs, aAlt/1000.0, jday)

	out := LookAngles{
		AzimuthDeg:   NormalizePositive(look.Az * 180.0 / math.Pi),
		ElevationDeg: look.El * 180.0 / math.Pi,
		RangeM:       look.Rg * 1000.0,
	}
	if math.IsNaN(out.ElevationDeg) {
		out.ElevationDeg = 0
	}
	return out, nil
}
