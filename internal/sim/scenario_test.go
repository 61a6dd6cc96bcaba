package sim

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScenario_ParseAndInterpolate(t *testing.T) {
	yaml := []byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    lat_deg: 0
    lon_deg: 0
    alt_m: 0
  - t: 10s
    lat_deg: 10
    lon_deg: 20
    alt_m: 1000
  - t: 20s
    lat_deg: 10
    lon_deg: 20
    alt_m: 0
`)

	script, err := ParseFlightScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseFlightScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 20*time.Second {
		t.Fatalf("duration: got %s want %s", scn.Duration(), 20*time.Second)
	}

	s := scn.At(5 * time.Second)
	if s.Point.LatDeg != 5 || s.Point.LonDeg != 10 {
		t.Fatalf("position: got %v want 5,10", s.Point)
	}
	if alt, ok := s.Point.Alt(); !ok || alt != 500 {
		t.Fatalf("alt: got %v want 500", s.Point.AltM)
	}
	if s.Phase != PhaseAscent {
		t.Fatalf("phase: got %s want %s", s.Phase, PhaseAscent)
	}

	if got := scn.At(15 * time.Second).Phase; got != PhaseDescent {
		t.Fatalf("phase at 15s: got %s want %s", got, PhaseDescent)
	}

	end := scn.At(time.Hour)
	if alt, _ := end.Point.Alt(); alt != 0 || end.Phase != PhaseLanded {
		t.Fatalf("after end: got %v %s", end.Point, end.Phase)
	}
}

func TestScenario_LongitudeCrossesAntimeridian(t *testing.T) {
	scn, err := NewScenario(FlightScript{Keyframes: []Keyframe{
		{T: 0, LatDeg: 0, LonDeg: 179},
		{T: 10 * time.Second, LatDeg: 0, LonDeg: -179},
	}})
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	lon := scn.At(5 * time.Second).Point.LonDeg
	if math.Abs(math.Abs(lon)-180) > 1e-9 {
		t.Fatalf("midpoint lon=%v want +-180", lon)
	}
	lon = scn.At(7500 * time.Millisecond).Point.LonDeg
	if math.Abs(lon-(-179.5)) > 1e-9 {
		t.Fatalf("lon=%v want -179.5", lon)
	}
}

func TestScenario_Validation(t *testing.T) {
	cases := []struct {
		name   string
		script FlightScript
	}{
		{"no keyframes", FlightScript{}},
		{"bad version", FlightScript{Version: 2, Keyframes: []Keyframe{{T: time.Second}}}},
		{"unsorted", FlightScript{Keyframes: []Keyframe{{T: 2 * time.Second}, {T: time.Second}}}},
		{"negative t", FlightScript{Keyframes: []Keyframe{{T: -time.Second}}}},
		{"zero duration", FlightScript{Keyframes: []Keyframe{{T: 0}}}},
		{"out of range", FlightScript{Keyframes: []Keyframe{{T: time.Second, LatDeg: 91}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewScenario(tc.script); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.yaml")
	body := "duration: 30s\nkeyframes:\n  - t: 0s\n    lat_deg: 40.8\n    lon_deg: -96.7\n    alt_m: 380\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	scn, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if scn.Duration() != 30*time.Second {
		t.Fatalf("duration=%s want 30s", scn.Duration())
	}
	s := scn.At(10 * time.Second)
	if s.Point.LatDeg != 40.8 || s.Phase != PhaseLanded {
		t.Fatalf("sample=%+v", s)
	}
}
