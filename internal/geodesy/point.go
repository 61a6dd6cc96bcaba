package geodesy

import (
	"fmt"
	"math"
)

// Point is a geodetic position. AltM is nil when the altitude is unknown.
//
// Points are values; callers should not mutate AltM through a shared pointer.
type Point struct {
	LatDeg float64  `json:"latitude" yaml:"latitude"`
	LonDeg float64  `json:"longitude" yaml:"longitude"`
	AltM   *float64 `json:"altitude,omitempty" yaml:"altitude,omitempty"`
}

func NewPoint(latDeg, lonDeg float64) Point {
	return Point{LatDeg: latDeg, LonDeg: lonDeg}
}

func NewPointAlt(latDeg, lonDeg, altM float64) Point {
	alt := altM
	return Point{LatDeg: latDeg, LonDeg: lonDeg, AltM: &alt}
}

// Alt returns the altitude in meters and whether it is known.
func (p Point) Alt() (float64, bool) {
	if p.AltM == nil {
		return 0, false
	}
	return *p.AltM, true
}

// WithAlt returns a copy of p with the given altitude.
func (p Point) WithAlt(altM float64) Point {
	return NewPointAlt(p.LatDeg, p.LonDeg, altM)
}

// WithoutAlt returns a copy of p with an unknown altitude.
func (p Point) WithoutAlt() Point {
	return NewPoint(p.LatDeg, p.LonDeg)
}

// Equal compares by value, including altitude presence.
func (p Point) Equal(o Point) bool {
	if p.LatDeg != o.LatDeg || p.LonDeg != o.LonDeg {
		return false
	}
	a, aok := p.Alt()
	b, bok := o.Alt()
	if aok != bok {
		return false
	}
	return !aok || a == b
}

// Valid reports whether latitude and longitude are finite and in range.
func (p Point) Valid() bool {
	if math.IsNaN(p.LatDeg) || math.IsNaN(p.LonDeg) || math.IsInf(p.LatDeg, 0) || math.IsInf(p.LonDeg, 0) {
		return false
	}
	if p.LatDeg < -90 || p.LatDeg > 90 || p.LonDeg < -180 || p.LonDeg > 180 {
		return false
	}
	if alt, ok := p.Alt(); ok && (math.IsNaN(alt) || math.IsInf(alt, 0)) {
		return false
	}
	return true
}

func (p Point) String() string {
	if alt, ok := p.Alt(); ok {
		return fmt.Sprintf("(%.6f, %.6f, %.1fm)", p.LatDeg, p.LonDeg, alt)
	}
	return fmt.Sprintf("(%.6f, %.6f, ?)", p.LatDeg, p.LonDeg)
}

func (p Point) latRad() float64 { return p.LatDeg * math.Pi / 180.0 }
func (p Point) lonRad() float64 { return p.LonDeg * math.Pi / 180.0 }
