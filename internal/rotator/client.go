package rotator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"antenna-tracker/internal/serialport"
)

const tracerName = "antenna-tracker/internal/rotator"

// State is the position of the client in one command round trip.
type State int32

const (
	StateIdle State = iota
	StateSent
	StateEchoReceived
	StateResponseReceived
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSent:
		return "sent"
	case StateEchoReceived:
		return "echo_received"
	case StateResponseReceived:
		return "response_received"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Round trip results reported to Metrics.
const (
	ResultOK            = "ok"
	ResultDeviceError   = "device_error"
	ResultProtocolError = "protocol_error"
	ResultIOError       = "io_error"
)

// Metrics observes every round trip.
type Metrics interface {
	ObserveRotator(op string, result string, d time.Duration)
}

type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m Metrics) Option { return func(c *Client) { c.metrics = m } }

// openPortFn is replaced in tests.
var openPortFn = serialport.Open

var (
	sessionsMu sync.Mutex
	sessions   = map[string]string{}
)

// Client is one session with a rotator controller. Round trips are
// serialised, so the client may be shared between the tracking loop and
// operator actions.
type Client struct {
	port   serialport.Port
	reader *bufio.Reader
	id     string
	log    *slog.Logger

	metrics Metrics
	tracer  trace.Tracer

	mu    sync.Mutex
	state atomic.Int32

	// stale is set when an exchange broke off; guarded by mu.
	stale    bool
	failures atomic.Int32

	protocolVersion string
	calibrated      atomic.Bool
	closed          atomic.Bool
	closeOnce       sync.Once
	closeErr        error
}

// Dial opens the controller's serial port and performs the handshake.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	port, err := openPortFn(serialport.Config{Device: cfg.Device, Baud: cfg.Baud, ReadTimeout: cfg.ReadTimeout})
	if err != nil {
		return nil, err
	}
	return New(ctx, port, opts...)
}

// New starts a session on an already open port. It asks for the protocol
// version, which doubles as a liveness check, then for the calibration
// state; both are cached. On any failure the port is closed.
//
// Reads on port must time out on their own (serialport.Config.ReadTimeout).
func New(ctx context.Context, port serialport.Port, opts ...Option) (*Client, error) {
	if port == nil {
		return nil, fmt.Errorf("rotator port is nil")
	}
	device := port.Device()

	id := uuid.NewString()
	sessionsMu.Lock()
	if owner, held := sessions[device]; held {
		sessionsMu.Unlock()
		_ = port.Close()
		return nil, fmt.Errorf("%s (session %s): %w", device, owner, ErrDeviceBusy)
	}
	sessions[device] = id
	sessionsMu.Unlock()

	c := &Client{
		port:   port,
		reader: bufio.NewReader(port),
		id:     id,
		log:    slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "rotator", "device", device, "session", id)

	version, err := c.Version(ctx)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("rotator handshake (version): %w", err)
	}
	c.protocolVersion = version
	if _, err := c.QueryCalibrated(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("rotator handshake (calibrated): %w", err)
	}
	c.log.Info("rotator connected", "version", version, "calibrated", c.Calibrated())
	return c, nil
}

func (c *Client) Device() string          { return c.port.Device() }
func (c *Client) SessionID() string       { return c.id }
func (c *Client) ProtocolVersion() string { return c.protocolVersion }

// Calibrated reports the cached calibration flag. Positioning commands
// should not be sent while it is false.
func (c *Client) Calibrated() bool { return c.calibrated.Load() }

// ConsecutiveFailures counts the round trips in a row that ended without a
// framed answer from the controller. An ERR reply resets it.
func (c *Client) ConsecutiveFailures() int { return int(c.failures.Load()) }

// State reports where the current round trip is.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) SetPositionVertical(ctx context.Context, deg float64) error {
	_, err := c.Do(ctx, SetVertical(deg))
	return err
}

func (c *Client) SetPositionHorizontal(ctx context.Context, deg float64) error {
	_, err := c.Do(ctx, SetHorizontal(deg))
	return err
}

// SetPosition sends the vertical then the horizontal angle. It stops at the
// first failure.
func (c *Client) SetPosition(ctx context.Context, vertDeg, horizDeg float64) error {
	if err := c.SetPositionVertical(ctx, vertDeg); err != nil {
		return err
	}
	return c.SetPositionHorizontal(ctx, horizDeg)
}

func (c *Client) CalibrateVertical(ctx context.Context, persist bool) error {
	if _, err := c.Do(ctx, CalibrateVertical(persist)); err != nil {
		return err
	}
	_, err := c.QueryCalibrated(ctx)
	return err
}

func (c *Client) CalibrateHorizontal(ctx context.Context) error {
	if _, err := c.Do(ctx, CalibrateHorizontal()); err != nil {
		return err
	}
	_, err := c.QueryCalibrated(ctx)
	return err
}

func (c *Client) Move(ctx context.Context, d Direction) error {
	_, err := c.Do(ctx, Move(d))
	return err
}

func (c *Client) MoveVerticalSteps(ctx context.Context, steps int) error {
	_, err := c.Do(ctx, MoveVerticalSteps(steps))
	return err
}

func (c *Client) MoveHorizontalSteps(ctx context.Context, steps int) error {
	_, err := c.Do(ctx, MoveHorizontalSteps(steps))
	return err
}

// Halt locks both motors.
func (c *Client) Halt(ctx context.Context) error {
	_, err := c.Do(ctx, Halt())
	return err
}

// Position returns the current (vertical, horizontal) angles in degrees. The
// horizontal value is converted back to the bearing sign convention.
func (c *Client) Position(ctx context.Context) (vertDeg, horizDeg float64, err error) {
	cmd := GetPosition()
	fields, err := c.Do(ctx, cmd)
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, &ProtocolError{Command: cmd.String(), State: StateResponseReceived, Reason: "vertical position", Line: strings.Join(fields, " "), Err: err}
	}
	h, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, &ProtocolError{Command: cmd.String(), State: StateResponseReceived, Reason: "horizontal position", Line: strings.Join(fields, " "), Err: err}
	}
	return v, -h, nil
}

// QueryCalibrated asks the controller whether it is calibrated and updates
// the cached flag.
func (c *Client) QueryCalibrated(ctx context.Context) (bool, error) {
	fields, err := c.Do(ctx, GetCalibrated())
	if err != nil {
		return false, err
	}
	ok := fields[0] == "true"
	c.calibrated.Store(ok)
	return ok, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	fields, err := c.Do(ctx, GetVersion())
	if err != nil {
		return "", err
	}
	return fields[0], nil
}

// Do runs one command round trip and returns the OK payload.
//
// Once a command is written it runs to completion, timeout or protocol
// error; ctx is only checked before sending.
func (c *Client) Do(ctx context.Context, cmd Command) ([]string, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("rotator session closed")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, span := c.tracer.Start(ctx, "rotator/"+string(cmd.Op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rotator.command", cmd.String()),
			attribute.String("rotator.device", c.port.Device()),
			attribute.String("rotator.session", c.id),
		))
	defer span.End()

	start := time.Now()
	fields, err := c.roundTrip(cmd)
	result := classify(err)
	switch result {
	case ResultOK, ResultDeviceError:
		c.failures.Store(0)
	default:
		c.failures.Add(1)
	}
	if c.metrics != nil {
		c.metrics.ObserveRotator(string(cmd.Op), result, time.Since(start))
	}
	span.SetAttributes(attribute.String("rotator.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		c.log.Debug("rotator command failed", "command", cmd.String(), "result", result, "err", err)
		return nil, err
	}
	return fields, nil
}

// Resynchronisation limits after a broken exchange.
const (
	maxStaleLines = 8
	maxDrainReads = 64
)

// roundTrip walks Idle -> Sent -> EchoReceived -> ResponseReceived and always
// ends back in Idle. Caller holds c.mu.
func (c *Client) roundTrip(cmd Command) ([]string, error) {
	defer c.state.Store(int32(StateIdle))
	line := cmd.String()

	if c.stale {
		c.discardInput()
		c.stale = false
	}

	if _, err := c.port.Write(cmd.Encode()); err != nil {
		return nil, fmt.Errorf("rotator write %q: %w", line, err)
	}
	c.state.Store(int32(StateSent))

	if err := c.awaitEcho(line); err != nil {
		c.stale = true
		return nil, err
	}
	c.state.Store(int32(StateEchoReceived))

	respLine, err := c.readLine()
	if err != nil {
		c.stale = true
		return nil, &ProtocolError{Command: line, State: StateEchoReceived, Reason: "no response", Err: err}
	}
	c.state.Store(int32(StateResponseReceived))

	resp, err := ParseResponse(respLine)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.Command = line
		}
		c.stale = true
		return nil, err
	}
	if resp.Status == StatusErr {
		return nil, &DeviceError{Command: line}
	}
	if len(resp.Fields) != cmd.Expect {
		c.stale = true
		return nil, &ProtocolError{
			Command: line,
			State:   StateResponseReceived,
			Reason:  fmt.Sprintf("got %d fields want %d", len(resp.Fields), cmd.Expect),
			Line:    strings.TrimSpace(respLine),
		}
	}
	return resp.Fields, nil
}

// awaitEcho reads until the controller echoes line. Lines left over from an
// earlier exchange that answered late are skipped.
func (c *Client) awaitEcho(line string) error {
	for skipped := 0; ; skipped++ {
		got, err := c.readLine()
		if err != nil {
			return &ProtocolError{Command: line, State: StateSent, Reason: "no echo", Err: err}
		}
		got = strings.TrimSpace(got)
		if got == line {
			return nil
		}
		if skipped >= maxStaleLines {
			return &ProtocolError{Command: line, State: StateSent, Reason: "echo mismatch", Line: got}
		}
		c.log.Debug("rotator skipped stale line", "sent", line, "line", got)
	}
}

func (c *Client) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

// discardInput drops input left from a broken exchange. It returns once a
// read times out.
func (c *Client) discardInput() {
	c.reader.Reset(c.port)
	if err := serialport.FlushInput(c.port); err != nil && !errors.Is(err, serialport.ErrFlushUnsupported) {
		c.log.Debug("rotator input flush failed", "err", err)
	}
	buf := make([]byte, 256)
	for i := 0; i < maxDrainReads; i++ {
		n, err := c.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

func classify(err error) string {
	if err == nil {
		return ResultOK
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return ResultDeviceError
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return ResultProtocolError
	}
	return ResultIOError
}

// Close closes the port and releases the device for a new session.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.port.Close()
		sessionsMu.Lock()
		if sessions[c.port.Device()] == c.id {
			delete(sessions, c.port.Device())
		}
		sessionsMu.Unlock()
		c.log.Info("rotator closed")
	})
	return c.closeErr
}
