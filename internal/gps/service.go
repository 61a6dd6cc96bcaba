// Package gps keeps the ground station position current from a GNSS receiver
// at the antenna, read as NMEA over serial or from a gpsd daemon.
package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"antenna-tracker/internal/geodesy"
	"antenna-tracker/internal/serialport"
)

const (
	SourceNMEA = "nmea"
	SourceGPSD = "gpsd"
)

type Config struct {
	// Source is SourceNMEA or SourceGPSD.
	Source string

	// Device and Baud are used for NMEA.
	Device string
	Baud   int

	// GPSDAddr is host:port for gpsd.
	GPSDAddr string

	// MinSatellites holds back fixes using fewer satellites, when the
	// receiver reports a count. Zero accepts any fix.
	MinSatellites int

	// MoveThresholdM suppresses publishing until the fix has moved this far
	// horizontally or vertically from the last published ground.
	MoveThresholdM float64
}

// Publisher receives ground positions. tracking.State implements it.
type Publisher interface {
	SetGround(p geodesy.Point)
}

type Snapshot struct {
	Enabled bool `json:"enabled"`
	Valid   bool `json:"valid"`

	Source   string `json:"source,omitempty"`
	Device   string `json:"device,omitempty"`
	Baud     int    `json:"baud,omitempty"`
	GPSDAddr string `json:"gpsd_addr,omitempty"`

	Position   *geodesy.Point `json:"position,omitempty"`
	FixQuality *int           `json:"fix_quality,omitempty"`
	FixMode    *int           `json:"fix_mode,omitempty"`
	Satellites *int           `json:"satellites,omitempty"`
	HDOP       *float64       `json:"hdop,omitempty"`
	HorizAccM  *float64       `json:"horiz_acc_m,omitempty"`
	VertAccM   *float64       `json:"vert_acc_m,omitempty"`

	Published        uint64 `json:"published"`
	LastFixUTC       string `json:"last_fix_utc,omitempty"`
	LastPublishedUTC string `json:"last_published_utc,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// openPortFn and dialGPSDFn are replaced in tests.
var (
	openPortFn = serialport.Open
	dialGPSDFn = dialGPSD
)

// Service reads the receiver until Close, reconnecting with backoff, and
// publishes each accepted fix that has moved past the threshold.
type Service struct {
	cfg Config
	pub Publisher
	log *slog.Logger
	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // Snapshot

	mu     sync.Mutex
	closer io.Closer

	// Owned by the reader goroutine.
	lastPub   geodesy.Point
	hasPub    bool
	published uint64
}

func New(cfg Config, pub Publisher, opts ...Option) *Service {
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Source == "" {
		cfg.Source = SourceNMEA
	}
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if strings.TrimSpace(cfg.GPSDAddr) == "" {
		cfg.GPSDAddr = gpsdDefaultAddr
	}
	s := &Service{cfg: cfg, pub: pub, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "gps", "source", cfg.Source)
	s.last.Store(s.baseSnapshot())
	return s
}

func (s *Service) baseSnapshot() Snapshot {
	out := Snapshot{Enabled: true, Source: s.cfg.Source}
	if s.cfg.Source == SourceGPSD {
		out.GPSDAddr = s.cfg.GPSDAddr
	} else {
		out.Device = s.cfg.Device
		out.Baud = s.cfg.Baud
	}
	return out
}

func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Source != SourceNMEA && s.cfg.Source != SourceGPSD {
		return fmt.Errorf("gps: unknown source %q", s.cfg.Source)
	}
	if s.cfg.Source == SourceNMEA && strings.TrimSpace(s.cfg.Device) == "" {
		return fmt.Errorf("gps: nmea source needs a device")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	const minBackoff, maxBackoff = 250 * time.Millisecond, 10 * time.Second
	backoff := minBackoff
	var lastErr string

	for ctx.Err() == nil {
		rc, err := s.connect(ctx)
		if err == nil {
			backoff = minBackoff
			lastErr = ""
			s.log.Info("gps receiver connected")
			err = s.read(ctx, rc)
			_ = rc.Close()
		}
		if ctx.Err() != nil {
			return
		}
		s.setError(err.Error())
		if msg := err.Error(); msg != lastErr {
			s.log.Warn("gps receiver unavailable", "err", err, "retry", backoff)
			lastErr = msg
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// connect opens the receiver and registers it for Close.
func (s *Service) connect(ctx context.Context) (io.ReadCloser, error) {
	var rc io.ReadCloser
	switch s.cfg.Source {
	case SourceGPSD:
		conn, err := dialGPSDFn(ctx, s.cfg.GPSDAddr)
		if err != nil {
			return nil, fmt.Errorf("gpsd dial %s: %w", s.cfg.GPSDAddr, err)
		}
		if _, err := io.WriteString(conn, watchCommand); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("gpsd watch: %w", err)
		}
		rc = conn
	default:
		port, err := openPortFn(serialport.Config{Device: s.cfg.Device, Baud: s.cfg.Baud})
		if err != nil {
			return nil, err
		}
		rc = port
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		_ = rc.Close()
		return nil, ctx.Err()
	}
	s.closer = rc
	return rc, nil
}

func (s *Service) read(ctx context.Context, r io.Reader) error {
	var st fixState
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 256*1024)

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var updated bool
		var err error
		now := s.now().UTC()
		if s.cfg.Source == SourceGPSD {
			updated, err = st.applyGPSDLine(now, line)
		} else if strings.HasPrefix(line, "$") {
			var sent nmeaSentence
			if sent, err = parseNMEASentence(line); err == nil {
				updated = st.applyNMEA(now, sent)
			}
		}
		if err != nil {
			s.log.Debug("gps line rejected", "err", err)
			s.setError(err.Error())
			continue
		}
		if updated {
			s.observe(&st)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("gps read: %w", err)
	}
	return fmt.Errorf("gps read: %w", io.EOF)
}

// observe publishes an accepted fix and refreshes the snapshot.
func (s *Service) observe(st *fixState) {
	if p, ok := st.point(); ok && s.accept(st) && s.moved(p) {
		s.pub.SetGround(p)
		if !s.hasPub {
			alt, _ := p.Alt()
			s.log.Info("ground position from gps", "lat", p.LatDeg, "lon", p.LonDeg, "alt_m", alt)
		}
		s.lastPub, s.hasPub = p, true
		s.published++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.Snapshot()
	next := s.baseSnapshot()
	st.fill(&next)
	next.Published = s.published
	next.LastPublishedUTC = prev.LastPublishedUTC
	if next.Published != prev.Published {
		next.LastPublishedUTC = s.now().UTC().Format(time.RFC3339Nano)
	}
	next.LastError = prev.LastError
	s.last.Store(next)
}

func (s *Service) accept(st *fixState) bool {
	return s.cfg.MinSatellites <= 0 || !st.satsOK || st.sats >= s.cfg.MinSatellites
}

func (s *Service) moved(p geodesy.Point) bool {
	if !s.hasPub {
		return true
	}
	if geodesy.Distance(s.lastPub, p) >= s.cfg.MoveThresholdM {
		return true
	}
	a, _ := s.lastPub.Alt()
	b, _ := p.Alt()
	return math.Abs(a-b) >= s.cfg.MoveThresholdM
}

// Close stops the reader and waits for it. It is safe to call more than once.
func (s *Service) Close() {
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.closer = nil
	if cancel != nil {
		cancel()
	}
	s.mu.Unlock()

	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	v, _ := s.last.Load().(Snapshot)
	return v
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.Snapshot()
	cur.LastError = msg
	s.last.Store(cur)
}
