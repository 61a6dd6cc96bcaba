// Package tracking holds the shared ground/air state and the control loop
// that turns it into rotator commands.
package tracking

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"antenna-tracker/internal/geodesy"
)

// Snapshot is a consistent copy of State.
type Snapshot struct {
	Ground geodesy.Point `json:"ground"`
	Air    geodesy.Point `json:"air"`

	// HasAir is false until the first valid fix arrives.
	HasAir bool `json:"has_air"`

	// LastFix is the capture time of Air; zero when HasAir is false.
	LastFix time.Time `json:"last_fix"`

	Fixes uint64 `json:"fixes"`
}

// State is written by the telemetry ingestor and the ground collaborator and
// read by the controller. Points are replaced whole, never field by field.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewState starts with ground and air at (0, 0) with unknown altitude.
func NewState() *State {
	return &State{snap: Snapshot{
		Ground: geodesy.NewPoint(0, 0),
		Air:    geodesy.NewPoint(0, 0),
	}}
}

// PublishAir records a new airborne fix captured at at.
func (s *State) PublishAir(p geodesy.Point, at time.Time) {
	s.mu.Lock()
	s.snap.Air = p
	s.snap.HasAir = true
	s.snap.LastFix = at
	s.snap.Fixes++
	s.mu.Unlock()
}

func (s *State) SetGround(p geodesy.Point) {
	s.mu.Lock()
	s.snap.Ground = p
	s.mu.Unlock()
}

func (s *State) Ground() geodesy.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Ground
}

// UpdateGroundText applies operator free-text input. Each field that is empty,
// unparsable or out of range is ignored and keeps its previous value. It
// returns the resulting ground position and the names of the fields applied.
func (s *State) UpdateGroundText(lat, lon, alt string) (geodesy.Point, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.snap.Ground
	var applied []string
	if v, ok := parseField(lat); ok && v >= -90 && v <= 90 {
		g.LatDeg = v
		applied = append(applied, "latitude")
	}
	if v, ok := parseField(lon); ok && v >= -180 && v <= 180 {
		g.LonDeg = v
		applied = append(applied, "longitude")
	}
	if v, ok := parseField(alt); ok {
		g = g.WithAlt(v)
		applied = append(applied, "altitude")
	}
	s.snap.Ground = g
	return g, applied
}

func parseField(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
