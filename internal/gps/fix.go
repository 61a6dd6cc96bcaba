package gps

import (
	"time"

	"antenna-tracker/internal/geodesy"
)

// fixState accumulates receiver reports. NMEA and gpsd both feed it; a report
// that carries only some fields leaves the others at their last value.
type fixState struct {
	latDeg, lonDeg float64
	latOK, lonOK   bool

	altM  float64
	altOK bool

	quality   int
	qualityOK bool
	mode      int
	modeOK    bool
	sats      int
	satsOK    bool
	hdop      float64
	hdopOK    bool

	hAccM, vAccM   float64
	hAccOK, vAccOK bool

	lastFix time.Time
	valid   bool
}

// point returns the current fix when it is valid and carries an altitude.
func (s *fixState) point() (geodesy.Point, bool) {
	if !s.valid || !s.latOK || !s.lonOK || !s.altOK {
		return geodesy.Point{}, false
	}
	p := geodesy.NewPointAlt(s.latDeg, s.lonDeg, s.altM)
	if !p.Valid() {
		return geodesy.Point{}, false
	}
	return p, true
}

func (s *fixState) fill(out *Snapshot) {
	out.Valid = s.valid
	if s.latOK && s.lonOK {
		p := geodesy.NewPoint(s.latDeg, s.lonDeg)
		if s.altOK {
			p = p.WithAlt(s.altM)
		}
		out.Position = &p
	}
	out.FixQuality = intPtr(s.quality, s.qualityOK)
	out.FixMode = intPtr(s.mode, s.modeOK)
	out.Satellites = intPtr(s.sats, s.satsOK)
	out.HDOP = floatPtr(s.hdop, s.hdopOK)
	out.HorizAccM = floatPtr(s.hAccM, s.hAccOK)
	out.VertAccM = floatPtr(s.vAccM, s.vAccOK)
	if !s.lastFix.IsZero() {
		out.LastFixUTC = s.lastFix.UTC().Format(time.RFC3339Nano)
	}
}

func intPtr(v int, ok bool) *int {
	if !ok {
		return nil
	}
	return &v
}

func floatPtr(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}
