package web

import (
	"sync"
	"sync/atomic"
	"time"

	"antenna-tracker/internal/gps"
	"antenna-tracker/internal/telemetry"
	"antenna-tracker/internal/tracking"
)

type TelemetryStatus interface {
	Snapshot() telemetry.Snapshot
}

type GPSStatus interface {
	Snapshot() gps.Snapshot
}

type TrackingStatus interface {
	Last() (tracking.Solution, bool)
	Stats() tracking.Stats
}

// Status aggregates what /api/status reports. Sources may be attached after
// the server starts; missing ones are simply omitted.
type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	interval      atomic.Value // string
	udpDest       atomic.Value // string

	mu        sync.RWMutex
	state     *tracking.State
	telemetry TelemetryStatus
	tracking  TrackingStatus
	gps       GPSStatus
	clients   func() int
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.interval.Store("")
	s.udpDest.Store("")
	return s
}

func (s *Status) SetStatic(mode, interval, udpDest string) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if interval != "" {
		s.interval.Store(interval)
	}
	if udpDest != "" {
		s.udpDest.Store(udpDest)
	}
}

// Attach wires the live components. Nil arguments leave the previous source
// in place.
func (s *Status) Attach(state *tracking.State, tel TelemetryStatus, trk TrackingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state != nil {
		s.state = state
	}
	if tel != nil {
		s.telemetry = tel
	}
	if trk != nil {
		s.tracking = trk
	}
}

func (s *Status) AttachGPS(g GPSStatus) {
	s.mu.Lock()
	s.gps = g
	s.mu.Unlock()
}

func (s *Status) AttachClients(count func() int) {
	s.mu.Lock()
	s.clients = count
	s.mu.Unlock()
}

type StatusSnapshot struct {
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
	NowUTC    string `json:"now_utc"`
	UptimeSec int64  `json:"uptime_sec"`
	Mode      string `json:"mode"`
	Interval  string `json:"interval"`
	UDPDest   string `json:"udp_dest,omitempty"`

	State     *tracking.Snapshot  `json:"state,omitempty"`
	Telemetry *telemetry.Snapshot `json:"telemetry,omitempty"`
	Tracking  *tracking.Stats     `json:"tracking,omitempty"`
	Solution  *tracking.Solution  `json:"solution,omitempty"`
	GroundGPS *gps.Snapshot       `json:"ground_gps,omitempty"`
	WSClients int                 `json:"ws_clients"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   serviceName,
		Version:   buildVersion(),
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Mode:      s.mode.Load().(string),
		Interval:  s.interval.Load().(string),
		UDPDest:   s.udpDest.Load().(string),
	}

	s.mu.RLock()
	state, tel, trk, g, clients := s.state, s.telemetry, s.tracking, s.gps, s.clients
	s.mu.RUnlock()

	if state != nil {
		st := state.Snapshot()
		snap.State = &st
	}
	if tel != nil {
		ts := tel.Snapshot()
		snap.Telemetry = &ts
	}
	if trk != nil {
		stats := trk.Stats()
		snap.Tracking = &stats
		if sol, ok := trk.Last(); ok {
			snap.Solution = &sol
		}
	}
	if g != nil {
		gs := g.Snapshot()
		snap.GroundGPS = &gs
	}
	if clients != nil {
		snap.WSClients = clients()
	}
	return snap
}
