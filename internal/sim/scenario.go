package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"antenna-tracker/internal/geodesy"
)

// FlightScript is a keyframed flight loaded from YAML.
//
// Time is a Go duration string ("0s", "250ms", "90s"). If Duration is zero it
// is taken from the last keyframe.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 10m
//	keyframes:
//	  - t: 0s
//	    lat_deg: 40.8232
//	    lon_deg: -96.6969
//	    alt_m: 381
//	  - t: 2m
//	    lat_deg: 40.8300
//	    lon_deg: -96.6800
//	    alt_m: 12000
//
// Keyframes must use non-decreasing t values.
type FlightScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

// Keyframe is a time-stamped vehicle position.
type Keyframe struct {
	T      time.Duration `yaml:"t"`
	LatDeg float64       `yaml:"lat_deg"`
	LonDeg float64       `yaml:"lon_deg"`
	AltM   float64       `yaml:"alt_m"`
}

// Scenario is a validated FlightScript. It implements Path.
type Scenario struct {
	keyframes []Keyframe
	duration  time.Duration
}

func LoadFlightScript(path string) (FlightScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FlightScript{}, err
	}
	return ParseFlightScriptYAML(b)
}

func ParseFlightScriptYAML(b []byte) (FlightScript, error) {
	var s FlightScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return FlightScript{}, err
	}
	return s, nil
}

// NewScenario validates script.
func NewScenario(script FlightScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported flight script version %d", script.Version)
	}
	kfs := script.Keyframes
	if len(kfs) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range kfs {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < kfs[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if p := geodesy.NewPoint(kf.LatDeg, kf.LonDeg); !p.Valid() {
			return nil, fmt.Errorf("keyframes[%d]: position out of range %v", i, p)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = kfs[len(kfs)-1].T
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or derivable from keyframes)")
	}
	return &Scenario{keyframes: append([]Keyframe(nil), kfs...), duration: dur}, nil
}

// LoadScenario reads and validates a flight script file.
func LoadScenario(path string) (*Scenario, error) {
	script, err := LoadFlightScript(path)
	if err != nil {
		return nil, err
	}
	return NewScenario(script)
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// At interpolates linearly between keyframes. Longitude takes the short way
// across the antimeridian. The phase follows the altitude trend of the
// current segment; past the last keyframe the vehicle is landed.
func (s *Scenario) At(elapsed time.Duration) Sample {
	if s == nil || len(s.keyframes) == 0 {
		return Sample{Phase: PhaseLanded}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > s.duration {
		elapsed = s.duration
	}

	k0, k1, alpha := selectSegment(s.keyframes, elapsed)
	lat := lerp(k0.LatDeg, k1.LatDeg, alpha)
	lon := geodesy.NormalizeSigned(k0.LonDeg + geodesy.NormalizeSigned(k1.LonDeg-k0.LonDeg)*alpha)
	alt := lerp(k0.AltM, k1.AltM, alpha)

	phase := PhaseLanded
	switch {
	case k1.T == k0.T:
	case k1.AltM >= k0.AltM:
		phase = PhaseAscent
	default:
		phase = PhaseDescent
	}
	return Sample{Point: geodesy.NewPointAlt(lat, lon, alt), Phase: phase}
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
