package sim

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"antenna-tracker/internal/serialport"
)

// StepDeg is the angle one MOVV/MOVH step turns an axis.
const StepDeg = 0.1

const simVersion = "sim-1.0"

// RotatorOption configures a simulated controller.
type RotatorOption func(*Rotator)

// WithCalibrated starts the controller with both axes calibrated.
func WithCalibrated(v bool) RotatorOption {
	return func(r *Rotator) {
		r.vert.calibrated = v
		r.horiz.calibrated = v
	}
}

// WithSlewRate sets how fast an axis turns toward its target. Zero moves
// instantly.
func WithSlewRate(degPerSec float64) RotatorOption {
	return func(r *Rotator) { r.slewDegPerSec = degPerSec }
}

func WithRotatorClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) {
		if now != nil {
			r.now = now
		}
	}
}

type axis struct {
	calibrated bool
	min, max   float64

	from   float64
	target float64
	start  time.Time
}

func (a *axis) position(now time.Time, rate float64) float64 {
	if rate <= 0 || a.from == a.target {
		return a.target
	}
	travel := rate * now.Sub(a.start).Seconds()
	if d := a.target - a.from; math.Abs(d) <= travel {
		return a.target
	} else if d > 0 {
		return a.from + travel
	}
	return a.from - travel
}

func (a *axis) moveTo(now time.Time, rate, deg float64) {
	cur := a.position(now, rate)
	a.from = cur
	a.target = math.Max(a.min, math.Min(a.max, deg))
	a.start = now
}

func (a *axis) stop(now time.Time, rate float64) {
	a.moveTo(now, rate, a.position(now, rate))
}

// Rotator emulates the two-axis rotator controller's line protocol: it
// echoes each command, then answers OK or ERR. Angles are in wire
// convention, so horizontal values are negated bearings.
type Rotator struct {
	mu sync.Mutex

	now           func() time.Time
	slewDegPerSec float64

	vert  axis
	horiz axis

	persisted    bool
	unresponsive bool
	commands     []string
}

func NewRotator(opts ...RotatorOption) *Rotator {
	r := &Rotator{
		now:           time.Now,
		slewDegPerSec: 30,
		vert:          axis{min: -90, max: 90},
		horiz:         axis{min: -540, max: 540},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetUnresponsive makes the controller swallow commands without echo or
// response, as a hung controller would.
func (r *Rotator) SetUnresponsive(v bool) {
	r.mu.Lock()
	r.unresponsive = v
	r.mu.Unlock()
}

// Commands returns every command line received, in order.
func (r *Rotator) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Position returns the current wire angles.
func (r *Rotator) Position() (vert, horiz float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	return r.vert.position(now, r.slewDegPerSec), r.horiz.position(now, r.slewDegPerSec)
}

// Persisted reports whether vertical calibration was stored with CALV SET.
func (r *Rotator) Persisted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persisted
}

// Handle processes one command line and returns what the controller would
// write back, echo included.
func (r *Rotator) Handle(line string) string {
	line = strings.TrimSpace(line)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, line)
	if r.unresponsive {
		return ""
	}
	return line + "\n" + r.respond(strings.Fields(line)) + "\n"
}

func (r *Rotator) respond(tokens []string) string {
	const errResp = "ERR"
	if len(tokens) == 0 {
		return errResp
	}
	now := r.now()
	rate := r.slewDegPerSec
	calibrated := r.vert.calibrated && r.horiz.calibrated
	args := tokens[1:]

	switch tokens[0] {
	case "VERS":
		return "OK " + simVersion
	case "GETC":
		return "OK " + strconv.FormatBool(calibrated)
	case "GETP":
		return fmt.Sprintf("OK %.1f %.1f", r.vert.position(now, rate), r.horiz.position(now, rate))
	case "HALT":
		r.vert.stop(now, rate)
		r.horiz.stop(now, rate)
		return "OK"
	case "CALV":
		if len(args) > 1 || (len(args) == 1 && args[0] != "SET") {
			return errResp
		}
		r.vert = axis{calibrated: true, min: r.vert.min, max: r.vert.max, start: now}
		if len(args) == 1 {
			r.persisted = true
		}
		return "OK"
	case "CALH":
		if len(args) != 0 {
			return errResp
		}
		r.horiz = axis{calibrated: true, min: r.horiz.min, max: r.horiz.max, start: now}
		return "OK"
	}

	// Everything below moves an axis.
	if !calibrated || len(args) != 1 {
		return errResp
	}
	switch tokens[0] {
	case "DVER", "DHOR":
		deg, err := strconv.ParseFloat(args[0], 64)
		if err != nil || math.IsNaN(deg) || math.IsInf(deg, 0) {
			return errResp
		}
		if tokens[0] == "DVER" {
			r.vert.moveTo(now, rate, deg)
		} else {
			r.horiz.moveTo(now, rate, deg)
		}
		return "OK"
	case "MOVV", "MOVH":
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errResp
		}
		a := &r.vert
		if tokens[0] == "MOVH" {
			a = &r.horiz
		}
		a.moveTo(now, rate, a.position(now, rate)+float64(n)*StepDeg)
		return "OK"
	case "MOVC":
		switch args[0] {
		case "UP":
			r.vert.moveTo(now, rate, r.vert.max)
		case "DN":
			r.vert.moveTo(now, rate, r.vert.min)
		case "SV":
			r.vert.stop(now, rate)
		case "LT":
			r.horiz.moveTo(now, rate, r.horiz.max)
		case "RT":
			r.horiz.moveTo(now, rate, r.horiz.min)
		case "SH":
			r.horiz.stop(now, rate)
		default:
			return errResp
		}
		return "OK"
	}
	return errResp
}

// Open returns a serial port attached to r. Reads block for at most
// readTimeout and then fail with serialport.ErrTimeout; zero blocks until
// data arrives or the port is closed.
func (r *Rotator) Open(device string, readTimeout time.Duration) serialport.Port {
	return &rotatorPort{
		dev:     r,
		device:  device,
		timeout: readTimeout,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

type rotatorPort struct {
	dev     *Rotator
	device  string
	timeout time.Duration

	mu      sync.Mutex
	in      bytes.Buffer
	out     bytes.Buffer
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

func (p *rotatorPort) Device() string { return p.device }

func (p *rotatorPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.in.Write(b)
	wrote := false
	for {
		i := bytes.IndexByte(p.in.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(p.in.Next(i + 1))
		if resp := p.dev.Handle(line); resp != "" {
			p.out.WriteString(resp)
			wrote = true
		}
	}
	p.mu.Unlock()
	if wrote {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	return len(b), nil
}

func (p *rotatorPort) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		if p.out.Len() > 0 {
			n, _ := p.out.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.done:
		case <-timeout:
			return 0, serialport.ErrTimeout
		}
	}
}

// FlushInput drops replies that have not been read yet.
func (p *rotatorPort) FlushInput() error {
	p.mu.Lock()
	p.out.Reset()
	p.mu.Unlock()
	return nil
}

func (p *rotatorPort) Close() error {
	p.closeMu.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}
