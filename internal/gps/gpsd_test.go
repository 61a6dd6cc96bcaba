package gps

import (
	"math"
	"testing"
	"time"
)

func TestFixState_TPV3DFix(t *testing.T) {
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	var st fixState

	line := `{"class":"TPV","mode":3,"time":"2026-05-02T11:59:59.500Z","lat":40.8232,"lon":-96.69693,"alt":1410.2,"altMSL":1381.0,"eph":4.2,"epv":7.0}`
	updated, err := st.applyGPSDLine(now, line)
	if err != nil {
		t.Fatalf("applyGPSDLine: %v", err)
	}
	if !updated {
		t.Fatalf("expected updated")
	}
	p, ok := st.point()
	if !ok {
		t.Fatalf("expected publishable point")
	}
	if p.LatDeg != 40.8232 || p.LonDeg != -96.69693 {
		t.Fatalf("point=%v", p)
	}
	if alt, _ := p.Alt(); alt != 1381.0 {
		t.Fatalf("alt=%v want altMSL 1381", alt)
	}

	var snap Snapshot
	st.fill(&snap)
	if snap.FixMode == nil || *snap.FixMode != 3 {
		t.Fatalf("fix_mode=%v", snap.FixMode)
	}
	if snap.HorizAccM == nil || *snap.HorizAccM != 4.2 {
		t.Fatalf("horiz_acc_m=%v", snap.HorizAccM)
	}
	if snap.VertAccM == nil || *snap.VertAccM != 7.0 {
		t.Fatalf("vert_acc_m=%v", snap.VertAccM)
	}
	if snap.LastFixUTC != "2026-05-02T11:59:59.5Z" {
		t.Fatalf("last_fix_utc=%q", snap.LastFixUTC)
	}
}

func TestFixState_TPV2DKeepsLastAltitude(t *testing.T) {
	var st fixState
	now := time.Now().UTC()
	if _, err := st.applyGPSDLine(now, `{"class":"TPV","mode":2,"lat":1,"lon":2,"alt":50}`); err != nil {
		t.Fatalf("applyGPSDLine: %v", err)
	}
	if _, ok := st.point(); ok {
		t.Fatalf("2D fix alone has no altitude")
	}
	if _, err := st.applyGPSDLine(now, `{"class":"TPV","mode":3,"lat":1,"lon":2,"alt":300}`); err != nil {
		t.Fatalf("applyGPSDLine: %v", err)
	}
	if _, err := st.applyGPSDLine(now, `{"class":"TPV","mode":2,"lat":1.5,"lon":2,"alt":50}`); err != nil {
		t.Fatalf("applyGPSDLine: %v", err)
	}
	p, ok := st.point()
	if !ok || p.LatDeg != 1.5 {
		t.Fatalf("point=%v ok=%v", p, ok)
	}
	if alt, _ := p.Alt(); alt != 300 {
		t.Fatalf("alt=%v want 300", alt)
	}
}

func TestFixState_TPVNoFixInvalidates(t *testing.T) {
	var st fixState
	now := time.Now().UTC()
	_, _ = st.applyGPSDLine(now, `{"class":"TPV","mode":3,"lat":1,"lon":2,"alt":3}`)
	updated, err := st.applyGPSDLine(now, `{"class":"TPV","mode":1}`)
	if err != nil || !updated {
		t.Fatalf("updated=%v err=%v", updated, err)
	}
	if st.valid {
		t.Fatalf("mode 1 should invalidate")
	}
}

func TestFixState_SKY(t *testing.T) {
	var st fixState
	line := `{"class":"SKY","hdop":0.9,"satellites":[{"used":true},{"used":false},{"used":true}]}`
	updated, err := st.applyGPSDLine(time.Now().UTC(), line)
	if err != nil || !updated {
		t.Fatalf("updated=%v err=%v", updated, err)
	}
	if st.sats != 2 {
		t.Fatalf("sats=%d want 2", st.sats)
	}
	if math.Abs(st.hdop-0.9) > 1e-9 {
		t.Fatalf("hdop=%v", st.hdop)
	}

	if _, err := st.applyGPSDLine(time.Now().UTC(), `{"class":"SKY","uSat":11}`); err != nil {
		t.Fatalf("applyGPSDLine: %v", err)
	}
	if st.sats != 11 {
		t.Fatalf("sats=%d want uSat 11", st.sats)
	}
}

func TestFixState_GPSDIgnoresOtherClassesAndRejectsJunk(t *testing.T) {
	var st fixState
	updated, err := st.applyGPSDLine(time.Now().UTC(), `{"class":"VERSION","release":"3.25"}`)
	if err != nil || updated {
		t.Fatalf("VERSION: updated=%v err=%v", updated, err)
	}
	if _, err := st.applyGPSDLine(time.Now().UTC(), `not json`); err == nil {
		t.Fatalf("expected parse error")
	}
}
