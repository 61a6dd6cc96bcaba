package gps

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type nmeaSentence struct {
	// Type is the last three characters of the address field, so GPGGA and
	// GNGGA both read as GGA.
	Type   string
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum %q", ck[:2])
	}
	var got byte
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch got=%02X want=%02X", got, want[0])
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type %q", parts[0])
	}
	typ := parts[0][len(parts[0])-3:]
	return nmeaSentence{Type: strings.ToUpper(typ), Fields: parts}, nil
}

// applyNMEA folds one sentence into s and reports whether anything changed.
// Only RMC and GGA are used.
func (s *fixState) applyNMEA(nowUTC time.Time, sent nmeaSentence) bool {
	switch sent.Type {
	case "RMC":
		return s.applyRMC(nowUTC, sent.Fields)
	case "GGA":
		return s.applyGGA(nowUTC, sent.Fields)
	}
	return false
}

// RMC fields: 1 time, 2 status (A active, V void), 3-4 latitude, 5-6
// longitude, 7 speed, 8 course, 9 date.
func (s *fixState) applyRMC(nowUTC time.Time, f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		if !s.valid {
			return false
		}
		s.valid = false
		return true
	}
	lat, latOK := parseNMEALatLon(f[3], f[4])
	lon, lonOK := parseNMEALatLon(f[5], f[6])
	if !latOK || !lonOK {
		return false
	}
	s.latDeg, s.latOK = lat, true
	s.lonDeg, s.lonOK = lon, true
	s.lastFix = nowUTC
	s.valid = true
	return true
}

// GGA fields: 1 time, 2-3 latitude, 4-5 longitude, 6 quality (0 invalid),
// 7 satellites used, 8 HDOP, 9-10 altitude above mean sea level and unit.
func (s *fixState) applyGGA(nowUTC time.Time, f []string) bool {
	if len(f) < 11 {
		return false
	}
	q, err := strconv.Atoi(strings.TrimSpace(f[6]))
	if err != nil {
		return false
	}
	s.quality, s.qualityOK = q, true
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.sats, s.satsOK = sats, true
	}
	if hdop, ok := parseFloat(f[8]); ok {
		s.hdop, s.hdopOK = hdop, true
	}
	if q == 0 {
		s.valid = false
		return true
	}

	lat, latOK := parseNMEALatLon(f[2], f[3])
	lon, lonOK := parseNMEALatLon(f[4], f[5])
	if !latOK || !lonOK {
		return true
	}
	s.latDeg, s.latOK = lat, true
	s.lonDeg, s.lonOK = lon, true
	if alt, ok := parseFloat(f[9]); ok && strings.EqualFold(strings.TrimSpace(f[10]), "M") {
		s.altM, s.altOK = alt, true
	}
	s.lastFix = nowUTC
	s.valid = true
	return true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (latitude) or dddmm.mmmm (longitude) with
// its hemisphere letter into signed decimal degrees.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.ToUpper(strings.TrimSpace(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}
	intPart := v
	if dot := strings.IndexByte(v, '.'); dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}
	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil || mins >= 60 {
		return 0, false
	}
	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
