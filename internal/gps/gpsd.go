package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// watchCommand asks gpsd for JSON reports in SI units.
const watchCommand = "?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

type gpsdTPV struct {
	Class string `json:"class"`
	Mode  *int   `json:"mode"`
	Time  string `json:"time"`

	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Alt    *float64 `json:"alt"`
	AltMSL *float64 `json:"altMSL"`

	Epx *float64 `json:"epx"`
	Epy *float64 `json:"epy"`
	Eph *float64 `json:"eph"`
	Epv *float64 `json:"epv"`
}

type gpsdSKY struct {
	Class      string   `json:"class"`
	HDOP       *float64 `json:"hdop"`
	USat       *int     `json:"uSat"`
	Satellites []struct {
		Used bool `json:"used"`
	} `json:"satellites"`
}

// applyGPSDLine folds one gpsd report into s. Classes other than TPV and SKY
// are ignored.
func (s *fixState) applyGPSDLine(nowUTC time.Time, line string) (bool, error) {
	var base struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return false, fmt.Errorf("gpsd: parse: %w", err)
	}
	switch strings.ToUpper(base.Class) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return false, fmt.Errorf("gpsd: parse TPV: %w", err)
		}
		return s.applyTPV(nowUTC, tpv), nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return false, fmt.Errorf("gpsd: parse SKY: %w", err)
		}
		return s.applySKY(sky), nil
	}
	return false, nil
}

// applyTPV treats mode 2 and 3 as a fix. A 2D fix keeps the last altitude.
func (s *fixState) applyTPV(nowUTC time.Time, tpv gpsdTPV) bool {
	if tpv.Mode == nil {
		return false
	}
	s.mode, s.modeOK = *tpv.Mode, true
	if *tpv.Mode < 2 || tpv.Lat == nil || tpv.Lon == nil {
		s.valid = false
		return true
	}

	if tpv.Eph != nil {
		s.hAccM, s.hAccOK = *tpv.Eph, true
	} else if tpv.Epx != nil && tpv.Epy != nil {
		s.hAccM, s.hAccOK = math.Hypot(*tpv.Epx, *tpv.Epy), true
	}
	if tpv.Epv != nil {
		s.vAccM, s.vAccOK = *tpv.Epv, true
	}

	s.latDeg, s.latOK = *tpv.Lat, true
	s.lonDeg, s.lonOK = *tpv.Lon, true
	alt := tpv.AltMSL
	if alt == nil {
		alt = tpv.Alt
	}
	if alt != nil && *tpv.Mode >= 3 {
		s.altM, s.altOK = *alt, true
	}

	s.lastFix = nowUTC
	if t, err := time.Parse(time.RFC3339Nano, tpv.Time); err == nil {
		s.lastFix = t.UTC()
	}
	s.valid = true
	return true
}

func (s *fixState) applySKY(sky gpsdSKY) bool {
	updated := false
	if sky.HDOP != nil {
		s.hdop, s.hdopOK = *sky.HDOP, true
		updated = true
	}
	switch {
	case sky.USat != nil:
		s.sats, s.satsOK = *sky.USat, true
		updated = true
	case len(sky.Satellites) > 0:
		used := 0
		for _, sat := range sky.Satellites {
			if sat.Used {
				used++
			}
		}
		s.sats, s.satsOK = used, true
		updated = true
	}
	return updated
}
