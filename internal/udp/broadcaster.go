// Package udp pushes pointing solutions to display collaborators as JSON
// datagrams.
package udp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"antenna-tracker/internal/tracking"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn
	log  *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64

	mu      sync.Mutex
	lastErr string
}

func NewBroadcaster(dest string, log *slog.Logger) (*Broadcaster, error) {
	b, err := newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		// DialUDP selects a suitable local address automatically.
		return net.DialUDP(network, laddr, raddr)
	})
	if err != nil {
		return nil, err
	}
	if log != nil {
		b.log = log
	}
	return b, nil
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn, log: slog.Default()}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// Datagram is the display wire format: one JSON object per datagram.
type Datagram struct {
	TimeMs     int64    `json:"t"`
	Result     string   `json:"result"`
	Horizontal float64  `json:"horizontal_deg"`
	Vertical   *float64 `json:"vertical_deg,omitempty"`
	DistanceM  float64  `json:"distance_m"`
	AirLat     float64  `json:"air_lat"`
	AirLon     float64  `json:"air_lon"`
	AirAltM    *float64 `json:"air_alt_m,omitempty"`
	Commanded  bool     `json:"commanded"`
}

func NewDatagram(s tracking.Solution) Datagram {
	return Datagram{
		TimeMs:     s.Time.UnixMilli(),
		Result:     s.Result,
		Horizontal: s.Horizontal,
		Vertical:   s.Vertical,
		DistanceM:  s.DistanceM,
		AirLat:     s.Air.LatDeg,
		AirLon:     s.Air.LonDeg,
		AirAltM:    s.Air.AltM,
		Commanded:  s.Commanded,
	}
}

// PublishSolution implements tracking.Sink. Send failures are counted and
// logged once per distinct error; the tracking loop never sees them.
func (b *Broadcaster) PublishSolution(s tracking.Solution) {
	if s.Result == tracking.ResultNoAir {
		return
	}
	payload, err := json.Marshal(NewDatagram(s))
	if err != nil {
		b.noteError(err)
		return
	}
	if err := b.Send(payload); err != nil {
		b.noteError(err)
		return
	}
	b.sent.Add(1)
	b.mu.Lock()
	recovered := b.lastErr != ""
	b.lastErr = ""
	b.mu.Unlock()
	if recovered {
		b.log.Info("udp display send recovered", "dest", b.dest)
	}
}

func (b *Broadcaster) noteError(err error) {
	b.failed.Add(1)
	msg := err.Error()
	b.mu.Lock()
	changed := msg != b.lastErr
	b.lastErr = msg
	b.mu.Unlock()
	if changed {
		b.log.Warn("udp display send failed", "dest", b.dest, "err", err)
	}
}

// Counts returns datagrams sent and failed.
func (b *Broadcaster) Counts() (sent, failed uint64) {
	return b.sent.Load(), b.failed.Load()
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
