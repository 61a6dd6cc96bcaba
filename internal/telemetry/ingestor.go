package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"antenna-tracker/internal/geodesy"
	"antenna-tracker/internal/serialport"
)

// Publisher receives every valid GPS fix.
type Publisher interface {
	PublishAir(p geodesy.Point, at time.Time)
}

// Recorder receives every raw line before it is decoded.
type Recorder interface {
	WriteLine(now time.Time, line []byte) error
}

// Metrics counts records by outcome: ok, no_gps, decode, integrity.
type Metrics interface {
	ObservePacket(result string)
}

const (
	ResultOK        = "ok"
	ResultNoGPS     = "no_gps"
	ResultDecode    = "decode"
	ResultIntegrity = "integrity"
)

// Config controls the telemetry ingestor.
//
// Device may be empty to auto-detect. Checksum defaults to CRC32.
type Config struct {
	Device       string
	Baud         int
	Checksum     ChecksumFn
	MaxLineBytes int

	// ReconnectDelay is the initial backoff after the serial link drops.
	ReconnectDelay time.Duration
}

type Snapshot struct {
	Running bool   `json:"running"`
	Source  string `json:"source,omitempty"`
	Device  string `json:"device,omitempty"`
	Baud    int    `json:"baud,omitempty"`

	Lines           uint64 `json:"lines"`
	Valid           uint64 `json:"valid"`
	NoGPS           uint64 `json:"no_gps"`
	DecodeErrors    uint64 `json:"decode_errors"`
	IntegrityErrors uint64 `json:"integrity_errors"`

	LastFix       *geodesy.Point `json:"last_fix,omitempty"`
	LastPacketUTC string         `json:"last_packet_utc,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

type Option func(*Ingestor)

func WithLogger(l *slog.Logger) Option {
	return func(in *Ingestor) {
		if l != nil {
			in.log = l
		}
	}
}

func WithMetrics(m Metrics) Option { return func(in *Ingestor) { in.metrics = m } }

func WithRecorder(r Recorder) Option { return func(in *Ingestor) { in.recorder = r } }

func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) {
		if now != nil {
			in.now = now
		}
	}
}

// openPortFn is replaced in tests.
var openPortFn = serialport.Open

// Ingestor reads telemetry records on its own goroutine and publishes every
// valid GPS fix. Bad records are counted and logged but never stop the loop.
type Ingestor struct {
	cfg      Config
	pub      Publisher
	log      *slog.Logger
	metrics  Metrics
	recorder Recorder
	now      func() time.Time

	lines, valid, noGPS, decodeErrs, integrityErrs atomic.Uint64

	mu      sync.Mutex
	running bool
	source  string
	device  string
	lastFix *geodesy.Point
	lastAt  time.Time
	lastErr string
	cancel  context.CancelFunc
	closer  io.Closer
	wg      sync.WaitGroup
}

func New(cfg Config, pub Publisher, opts ...Option) *Ingestor {
	if cfg.Checksum == nil {
		cfg.Checksum = CRC32
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 57600
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	in := &Ingestor{
		cfg: cfg,
		pub: pub,
		log: slog.Default(),
		now: time.Now,
	}
	for _, o := range opts {
		o(in)
	}
	in.log = in.log.With("component", "telemetry")
	return in
}

// Start opens the serial device and begins reading. An open failure is
// returned as a *serialport.ConnectionError and nothing is started.
func (in *Ingestor) Start(ctx context.Context) error {
	if in == nil {
		return fmt.Errorf("ingestor is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel != nil {
		return nil
	}

	port, err := openPortFn(serialport.Config{Device: in.cfg.Device, Baud: in.cfg.Baud})
	if err != nil {
		in.lastErr = err.Error()
		in.log.Error("telemetry open failed", "device", in.cfg.Device, "baud", in.cfg.Baud, "err", err)
		return err
	}
	in.log.Info("telemetry enabled", "device", port.Device(), "baud", in.cfg.Baud)
	in.startLocked(ctx, "serial", port.Device(), port, true)
	return nil
}

// StartReader reads records from rc instead of a serial device (replay,
// simulation). rc is closed when the ingestor stops.
func (in *Ingestor) StartReader(ctx context.Context, name string, rc io.ReadCloser) error {
	if in == nil {
		return fmt.Errorf("ingestor is nil")
	}
	if ctx == nil || rc == nil {
		return fmt.Errorf("ctx and reader are required")
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel != nil {
		return fmt.Errorf("ingestor already started")
	}
	in.log.Info("telemetry enabled", "source", name)
	in.startLocked(ctx, name, "", rc, false)
	return nil
}

func (in *Ingestor) startLocked(ctx context.Context, source, device string, rc io.ReadCloser, reconnect bool) {
	childCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel
	in.closer = rc
	in.running = true
	in.source = source
	in.device = device

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer func() {
			in.mu.Lock()
			in.running = false
			in.mu.Unlock()
		}()
		in.run(childCtx, rc, reconnect)
	}()
}

func (in *Ingestor) run(ctx context.Context, rc io.ReadCloser, reconnect bool) {
	backoff := in.cfg.ReconnectDelay
	const maxBackoff = 10 * time.Second

	for {
		err := in.readLoop(ctx, rc)
		_ = rc.Close()
		if ctx.Err() != nil {
			return
		}
		in.setError(fmt.Sprintf("telemetry read stopped: %v", err))
		in.log.Warn("telemetry read stopped", "err", err)
		if !reconnect {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			port, oerr := openPortFn(serialport.Config{Device: in.device, Baud: in.cfg.Baud})
			if oerr != nil {
				in.setError(oerr.Error())
				continue
			}
			in.mu.Lock()
			if ctx.Err() != nil {
				in.mu.Unlock()
				_ = port.Close()
				return
			}
			// Swap the closer so Close() can interrupt the new connection.
			in.closer = port
			in.mu.Unlock()
			in.log.Info("telemetry reconnected", "device", port.Device())
			backoff = in.cfg.ReconnectDelay
			rc = port
			break
		}
	}
}

// readLoop holds at most MaxLineBytes of a line in memory. The slice passed
// to handleLine is only valid until the next read.
func (in *Ingestor) readLoop(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReaderSize(r, in.cfg.MaxLineBytes)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if err := in.skipOversize(reader, len(line)); err != nil {
				return err
			}
			continue
		}
		if len(line) > 0 && (err == nil || errors.Is(err, io.EOF)) {
			in.handleLine(line)
		}
		if err != nil {
			return err
		}
	}
}

// skipOversize discards the rest of a line that overflowed the read buffer
// and counts it as one decode error.
func (in *Ingestor) skipOversize(reader *bufio.Reader, n int) error {
	for {
		chunk, err := reader.ReadSlice('\n')
		n += len(chunk)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		in.lines.Add(1)
		in.reject(ResultDecode, &DecodeError{Reason: fmt.Sprintf("line too large (%d bytes)", n)})
		return err
	}
}

// handleLine runs one raw record through decode, integrity check and publish.
func (in *Ingestor) handleLine(line []byte) {
	now := in.now().UTC()
	in.lines.Add(1)

	if in.recorder != nil {
		if err := in.recorder.WriteLine(now, line); err != nil {
			in.log.Warn("telemetry record failed", "err", err)
		}
	}

	if len(line) > in.cfg.MaxLineBytes {
		in.reject(ResultDecode, &DecodeError{Reason: fmt.Sprintf("line too large (%d bytes)", len(line))})
		return
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	pkt, err := ParseLine(line, in.cfg.Checksum)
	if err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			in.reject(ResultIntegrity, err)
		} else {
			in.reject(ResultDecode, err)
		}
		return
	}

	if pkt.GPS == nil {
		in.noGPS.Add(1)
		in.observe(ResultNoGPS)
		return
	}

	in.valid.Add(1)
	in.observe(ResultOK)
	fix := *pkt.GPS
	in.mu.Lock()
	in.lastFix = &fix
	in.lastAt = now
	in.mu.Unlock()
	if in.pub != nil {
		in.pub.PublishAir(fix, now)
	}
}

func (in *Ingestor) reject(result string, err error) {
	switch result {
	case ResultIntegrity:
		in.integrityErrs.Add(1)
	default:
		in.decodeErrs.Add(1)
	}
	in.observe(result)
	in.setError(err.Error())
	in.log.Warn("telemetry record discarded", "result", result, "err", err)
}

func (in *Ingestor) observe(result string) {
	if in.metrics != nil {
		in.metrics.ObservePacket(result)
	}
}

func (in *Ingestor) setError(msg string) {
	in.mu.Lock()
	in.lastErr = msg
	in.mu.Unlock()
}

// Close stops the read loop, closing the port to unblock a pending read.
func (in *Ingestor) Close() {
	if in == nil {
		return
	}
	// Cancel under the lock so a concurrent reconnect sees ctx.Err().
	in.mu.Lock()
	if in.cancel != nil {
		in.cancel()
	}
	closer := in.closer
	in.cancel = nil
	in.closer = nil
	in.mu.Unlock()

	if closer != nil {
		_ = closer.Close()
	}
	in.wg.Wait()
}

func (in *Ingestor) Snapshot() Snapshot {
	if in == nil {
		return Snapshot{}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	snap := Snapshot{
		Running:         in.running,
		Source:          in.source,
		Device:          in.device,
		Baud:            in.cfg.Baud,
		Lines:           in.lines.Load(),
		Valid:           in.valid.Load(),
		NoGPS:           in.noGPS.Load(),
		DecodeErrors:    in.decodeErrs.Load(),
		IntegrityErrors: in.integrityErrs.Load(),
		LastError:       in.lastErr,
	}
	if in.lastFix != nil {
		fix := *in.lastFix
		snap.LastFix = &fix
		snap.LastPacketUTC = in.lastAt.Format(time.RFC3339Nano)
	}
	return snap
}
