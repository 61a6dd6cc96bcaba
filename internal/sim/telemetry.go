package sim

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"time"

	"antenna-tracker/internal/telemetry"
)

// TelemetryConfig drives a TelemetrySource.
type TelemetryConfig struct {
	Path Path

	// Rate is the record interval. Elapsed flight time advances by Rate per
	// record, independent of wall clock.
	Rate time.Duration

	// CorruptEvery damages the checksum of every Nth record; zero disables.
	CorruptEvery int

	// Loop restarts the flight after touchdown; otherwise the landed
	// position repeats.
	Loop bool

	Checksum telemetry.ChecksumFn
}

// TelemetrySource streams checksum-framed records for Path, one per Rate, as
// the radio would. The first record has no gps object.
type TelemetrySource struct {
	cfg TelemetryConfig

	pr *io.PipeReader
	pw *io.PipeWriter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type simRecord struct {
	Seq   int     `json:"seq"`
	State string  `json:"state"`
	T     float64 `json:"t"`
	GPS   *simGPS `json:"gps,omitempty"`
}

type simGPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// NewTelemetrySource starts emitting until ctx ends or Close is called.
func NewTelemetrySource(ctx context.Context, cfg TelemetryConfig) *TelemetrySource {
	if cfg.Rate <= 0 {
		cfg.Rate = 200 * time.Millisecond
	}
	if cfg.Checksum == nil {
		cfg.Checksum = telemetry.CRC32
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &TelemetrySource{cfg: cfg, pr: pr, pw: pw, cancel: cancel}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

func (s *TelemetrySource) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.pw.Close()

	ticker := time.NewTicker(s.cfg.Rate)
	defer ticker.Stop()

	for seq := 0; ; seq++ {
		if _, err := s.pw.Write(s.Record(seq)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Record renders record seq.
func (s *TelemetrySource) Record(seq int) []byte {
	rec := simRecord{Seq: seq, State: "boot"}
	if seq > 0 && s.cfg.Path != nil {
		elapsed := time.Duration(seq-1) * s.cfg.Rate
		if dur := s.cfg.Path.Duration(); s.cfg.Loop && dur > 0 {
			elapsed %= dur + s.cfg.Rate
		}
		sample := s.cfg.Path.At(elapsed)
		alt, _ := sample.Point.Alt()
		rec.State = string(sample.Phase)
		rec.T = elapsed.Seconds()
		rec.GPS = &simGPS{Latitude: sample.Point.LatDeg, Longitude: sample.Point.LonDeg, Altitude: alt}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	if s.cfg.CorruptEvery > 0 && seq > 0 && seq%s.cfg.CorruptEvery == 0 {
		bad := s.cfg.Checksum(payload) ^ 1
		return append([]byte(strconv.FormatUint(uint64(bad), 10)+" "), append(payload, '\n')...)
	}
	return telemetry.EncodeLine(payload, s.cfg.Checksum)
}

func (s *TelemetrySource) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Close stops the generator. Pending reads return io.EOF.
func (s *TelemetrySource) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.pw.Close()
		s.wg.Wait()
	})
	return nil
}
