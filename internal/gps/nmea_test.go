package gps

import (
	"fmt"
	"math"
	"testing"
	"time"

	"antenna-tracker/internal/geodesy"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

const (
	rmcActive = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	rmcVoid   = "GPRMC,123519,V,,,,,,,230394,,"
	ggaFix    = "GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
	ggaNoFix  = "GNGGA,123520,,,,,0,00,99.9,,M,,M,,"
)

func applyLines(t *testing.T, st *fixState, payloads ...string) {
	t.Helper()
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	for _, p := range payloads {
		s, err := parseNMEASentence(nmeaLine(p))
		if err != nil {
			t.Fatalf("parse %q: %v", p, err)
		}
		st.applyNMEA(now, s)
	}
}

func TestParseNMEASentence_ChecksumOK(t *testing.T) {
	s, err := parseNMEASentence(nmeaLine(rmcActive))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.Type != "RMC" {
		t.Fatalf("type=%q want RMC", s.Type)
	}
}

func TestParseNMEASentence_Rejects(t *testing.T) {
	good := nmeaLine(rmcActive)
	cases := map[string]string{
		"mismatch":   good[:len(good)-2] + "00",
		"no dollar":  good[1:],
		"no star":    "$" + rmcActive,
		"short ck":   "$" + rmcActive + "*0",
		"hex":        "$" + rmcActive + "*ZZ",
		"short type": nmeaLine("GP"),
	}
	for name, line := range cases {
		if _, err := parseNMEASentence(line); err == nil {
			t.Fatalf("%s: expected error for %q", name, line)
		}
	}
}

func TestFixState_RMCWithoutAltitudeIsNotPublishable(t *testing.T) {
	var st fixState
	applyLines(t, &st, rmcActive)
	if !st.valid {
		t.Fatalf("expected valid")
	}
	if math.Abs(st.latDeg-48.1173) > 1e-9 || math.Abs(st.lonDeg-11.516666666666667) > 1e-9 {
		t.Fatalf("lat=%v lon=%v", st.latDeg, st.lonDeg)
	}
	if _, ok := st.point(); ok {
		t.Fatalf("point without altitude should not be publishable")
	}
}

func TestFixState_GGAGivesAltitudeInMeters(t *testing.T) {
	var st fixState
	applyLines(t, &st, ggaFix)
	p, ok := st.point()
	if !ok {
		t.Fatalf("expected point")
	}
	if alt, _ := p.Alt(); alt != 545.4 {
		t.Fatalf("alt=%v want 545.4", alt)
	}

	var snap Snapshot
	st.fill(&snap)
	if snap.FixQuality == nil || *snap.FixQuality != 1 {
		t.Fatalf("fix_quality=%v", snap.FixQuality)
	}
	if snap.Satellites == nil || *snap.Satellites != 8 {
		t.Fatalf("satellites=%v", snap.Satellites)
	}
	if snap.HDOP == nil || math.Abs(*snap.HDOP-0.9) > 1e-9 {
		t.Fatalf("hdop=%v", snap.HDOP)
	}
	if snap.LastFixUTC == "" {
		t.Fatalf("expected last_fix_utc")
	}
}

func TestFixState_LossOfFixInvalidates(t *testing.T) {
	var st fixState
	applyLines(t, &st, ggaFix, rmcVoid)
	if st.valid {
		t.Fatalf("void RMC should invalidate")
	}

	applyLines(t, &st, ggaFix, ggaNoFix)
	if st.valid {
		t.Fatalf("GGA quality 0 should invalidate")
	}
	// The last position stays visible for the operator.
	var snap Snapshot
	st.fill(&snap)
	if snap.Valid || snap.Position == nil {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestParseNMEALatLon(t *testing.T) {
	cases := []struct {
		v, hemi string
		want    float64
		ok      bool
	}{
		{"4807.038", "N", 48.1173, true},
		{"4807.038", "S", -48.1173, true},
		{"09641.816", "W", -96.6969333, true},
		{"0000.000", "E", 0, true},
		{"", "N", 0, false},
		{"4807.038", "X", 0, false},
		{"07.0", "N", 0, false},
		{"4875.000", "N", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseNMEALatLon(tc.v, tc.hemi)
		if ok != tc.ok || (ok && math.Abs(got-tc.want) > 1e-6) {
			t.Fatalf("parseNMEALatLon(%q,%q)=%v,%v want %v,%v", tc.v, tc.hemi, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFixState_PointRejectsOutOfRange(t *testing.T) {
	st := fixState{latDeg: 91, lonDeg: 0, latOK: true, lonOK: true, altM: 1, altOK: true, valid: true}
	if _, ok := st.point(); ok {
		t.Fatalf("expected out-of-range latitude to be rejected")
	}
	st.latDeg = 40
	p, ok := st.point()
	if !ok || !p.Equal(geodesy.NewPointAlt(40, 0, 1)) {
		t.Fatalf("point=%v ok=%v", p, ok)
	}
}
