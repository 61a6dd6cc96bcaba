// Package sim produces synthetic telemetry and a simulated rotator controller
// for bench runs without radio or rotator hardware.
package sim

import (
	"time"

	"antenna-tracker/internal/geodesy"
)

type Phase string

const (
	PhaseAscent  Phase = "ascent"
	PhaseDescent Phase = "descent"
	PhaseLanded  Phase = "landed"
)

// Sample is the simulated vehicle at one instant.
type Sample struct {
	Point geodesy.Point
	Phase Phase
}

// Path is a deterministic trajectory. At clamps elapsed to [0, Duration()].
type Path interface {
	At(elapsed time.Duration) Sample
	Duration() time.Duration
}

// Flight is a straight ascent to ApogeeM above the launch point followed by a
// descent back to launch altitude, drifting downrange along DriftBearingDeg
// the whole time.
type Flight struct {
	Launch          geodesy.Point
	ApogeeM         float64
	AscentRateMps   float64
	DescentRateMps  float64
	DriftMps        float64
	DriftBearingDeg float64
}

func (f Flight) rates() (ascent, descent float64) {
	ascent, descent = f.AscentRateMps, f.DescentRateMps
	if ascent <= 0 {
		ascent = 150
	}
	if descent <= 0 {
		descent = 20
	}
	return ascent, descent
}

func (f Flight) phaseDurations() (ascent, descent float64) {
	if f.ApogeeM <= 0 {
		return 0, 0
	}
	ar, dr := f.rates()
	return f.ApogeeM / ar, f.ApogeeM / dr
}

// Duration is the time from launch to touchdown.
func (f Flight) Duration() time.Duration {
	a, d := f.phaseDurations()
	return time.Duration((a + d) * float64(time.Second))
}

func (f Flight) At(elapsed time.Duration) Sample {
	base, _ := f.Launch.Alt()
	ascentS, descentS := f.phaseDurations()
	ar, dr := f.rates()

	t := elapsed.Seconds()
	if t < 0 {
		t = 0
	}
	if total := ascentS + descentS; t > total {
		t = total
	}

	var alt float64
	phase := PhaseLanded
	switch {
	case t < ascentS:
		alt = base + ar*t
		phase = PhaseAscent
	case t < ascentS+descentS:
		alt = base + f.ApogeeM - dr*(t-ascentS)
		phase = PhaseDescent
	default:
		alt = base
	}

	p := f.Launch
	if f.DriftMps != 0 && t > 0 {
		p = geodesy.Destination(f.Launch, f.DriftBearingDeg, f.DriftMps*t)
	}
	return Sample{Point: p.WithAlt(alt), Phase: phase}
}
