package geodesy

import (
	"errors"
	"math"
	"time"
)

// EarthRadiusM is the spherical Earth radius used by Distance (WGS-84 semi-major axis).
const EarthRadiusM = 6_378_137.0

var ErrMissingAltitude = errors.New("geodesy: elevation requires both altitudes")

// Distance returns the great-circle surface distance in meters.
func Distance(a, b Point) float64 {
	dLat := b.latRad() - a.latRad()
	dLon := b.lonRad() - a.lonRad()

	sLat := math.Sin(dLat / 2)
	sLon := math.Sin(dLon / 2)
	h := sLat*sLat + math.Cos(a.latRad())*math.Cos(b.latRad())*sLon*sLon
	// Rounding can push h slightly outside [0,1] for antipodal points.
	if h > 1 {
		h = 1
	}
	if h < 0 {
		h = 0
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusM * c
}

// AltitudeDelta returns b.alt - a.alt, or false if either altitude is unknown.
func AltitudeDelta(a, b Point) (float64, bool) {
	aAlt, aok := a.Alt()
	bAlt, bok := b.Alt()
	if !aok || !bok {
		return 0, false
	}
	return bAlt - aAlt, true
}

// Bearing returns the true initial bearing from a to b in degrees.
//
// With positive=false the result is in (-180, 180]; with positive=true it is
// in [0, 360). Coincident points yield 0.
func Bearing(a, b Point, positive bool) float64 {
	lat1, lat2 := a.latRad(), b.latRad()
	dLon := b.lonRad() - a.lonRad()

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	if y == 0 && x == 0 {
		return 0
	}
	deg := math.Atan2(y, x) * 180.0 / math.Pi
	if positive {
		return NormalizePositive(deg)
	}
	return NormalizeSigned(deg)
}

// Elevation returns the angle above the local horizon from a to b in degrees,
// using a flat-earth right triangle of surface distance and altitude delta.
//
// Zero surface distance yields exactly 0.
func Elevation(a, b Point) (float64, error) {
	dist := Distance(a, b)
	if dist == 0 {
		return 0, nil
	}
	delta, ok := AltitudeDelta(a, b)
	if !ok {
		return 0, ErrMissingAltitude
	}
	return math.Atan(delta/dist) * 180.0 / math.Pi, nil
}

// Destination returns the point reached from p after distanceM along the
// great circle with initial true bearing bearingDeg. Altitude is carried over.
func Destination(p Point, bearingDeg, distanceM float64) Point {
	if distanceM == 0 {
		return p
	}
	lat1, lon1 := p.latRad(), p.lonRad()
	brg := bearingDeg * math.Pi / 180.0
	ang := distanceM / EarthRadiusM

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(math.Sin(brg)*math.Sin(ang)*math.Cos(lat1), math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2))

	out := p
	out.LatDeg = lat2 * 180.0 / math.Pi
	out.LonDeg = NormalizeSigned(lon2 * 180.0 / math.Pi)
	return out
}

// NormalizePositive maps any angle into [0, 360).
func NormalizePositive(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	out := math.Mod(deg, 360)
	if out < 0 {
		out += 360
	}
	if out >= 360 {
		out = 0
	}
	return out
}

// NormalizeSigned maps any angle into (-180, 180].
func NormalizeSigned(deg float64) float64 {
	out := NormalizePositive(deg)
	if out > 180 {
		out -= 360
	}
	return out
}

// FractionalYear returns the decimal year used by geomagnetic models.
func FractionalYear(t time.Time) float64 {
	t = t.UTC()
	return float64(t.Year()) + float64(t.YearDay()-1)/365.2425
}

func MetersToFeet(m float64) float64 {
	return m / 0.3048
}
