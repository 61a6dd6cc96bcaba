package geodesy

import "time"

// DeclinationProvider reports magnetic declination in degrees, east positive,
// for a geodetic position at a fractional year.
type DeclinationProvider interface {
	Declination(latDeg, lonDeg, altM, year float64) float64
}

// DeclinationFunc adapts a plain function to DeclinationProvider.
type DeclinationFunc func(latDeg, lonDeg, altM, year float64) float64

func (f DeclinationFunc) Declination(latDeg, lonDeg, altM, year float64) float64 {
	return f(latDeg, lonDeg, altM, year)
}

// Engine adds the time-varying magnetic correction on top of the pure
// functions in this package.
//
// A nil Declination means zero declination; a nil Now means time.Now.
type Engine struct {
	Declination DeclinationProvider
	Now         func() time.Time
}

// MagneticBearing returns Bearing(a, b) corrected by the declination at a, so
// that a device referencing magnetic north points at b.
func (e Engine) MagneticBearing(a, b Point, positive bool) float64 {
	bearing := Bearing(a, b, false) + e.DeclinationAt(a)
	if positive {
		return NormalizePositive(bearing)
	}
	return NormalizeSigned(bearing)
}

// DeclinationAt returns the declination at p for the engine's current time.
// Unknown altitude is treated as sea level.
func (e Engine) DeclinationAt(p Point) float64 {
	if e.Declination == nil {
		return 0
	}
	alt, _ := p.Alt()
	return e.Declination.Declination(p.LatDeg, p.LonDeg, alt, FractionalYear(e.now()))
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}
