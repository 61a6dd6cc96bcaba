// Package serialport opens raw 8N1 serial devices for the telemetry radio and
// the rotator controller.
//
// Linux uses termios directly; other platforms go through tarm/serial. A
// device can be held open by only one Port per process.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is returned by Read when no byte arrived within Config.ReadTimeout.
var ErrTimeout = errors.New("serial read timeout")

// ErrBusy is returned by Open when the device is already open in this process.
var ErrBusy = errors.New("serial device already in use")

// Port is an open serial device. Closing it unblocks a pending Read.
type Port interface {
	io.ReadWriteCloser
	Device() string
}

type Config struct {
	Device string
	Baud   int

	// ReadTimeout bounds each Read. Zero blocks until data or Close.
	ReadTimeout time.Duration
}

// ConnectionError reports that a device could not be opened.
type ConnectionError struct {
	Device string
	Baud   int
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("open %s baud=%d: %v", e.Device, e.Baud, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrFlushUnsupported is returned by FlushInput for ports that cannot
// discard pending input.
var ErrFlushUnsupported = errors.New("serial input flush not supported")

type inputFlusher interface {
	FlushInput() error
}

// FlushInput discards bytes the device sent that have not been read yet.
func FlushInput(p io.Reader) error {
	if f, ok := p.(inputFlusher); ok {
		return f.FlushInput()
	}
	return ErrFlushUnsupported
}

// openFn is the platform opener; tests replace it.
var openFn = openPlatform

var (
	registryMu sync.Mutex
	registry   = map[string]struct{}{}
)

// Open opens cfg.Device. An empty device path triggers AutoDetect.
func Open(cfg Config) (Port, error) {
	device := strings.TrimSpace(cfg.Device)
	if device == "" {
		device = AutoDetect()
		if device == "" {
			return nil, &ConnectionError{Device: "auto", Baud: cfg.Baud, Err: fmt.Errorf("no /dev/ttyACM* or /dev/ttyUSB* found")}
		}
	}
	if cfg.Baud <= 0 {
		return nil, &ConnectionError{Device: device, Baud: cfg.Baud, Err: fmt.Errorf("baud must be > 0")}
	}

	registryMu.Lock()
	if _, held := registry[device]; held {
		registryMu.Unlock()
		return nil, &ConnectionError{Device: device, Baud: cfg.Baud, Err: ErrBusy}
	}
	registry[device] = struct{}{}
	registryMu.Unlock()

	rwc, err := openFn(device, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		release(device)
		return nil, &ConnectionError{Device: device, Baud: cfg.Baud, Err: err}
	}
	return &port{rwc: rwc, device: device}, nil
}

func release(device string) {
	registryMu.Lock()
	delete(registry, device)
	registryMu.Unlock()
}

type port struct {
	rwc    io.ReadWriteCloser
	device string

	closeOnce sync.Once
	closeErr  error
}

func (p *port) Read(b []byte) (int, error)  { return p.rwc.Read(b) }
func (p *port) Write(b []byte) (int, error) { return p.rwc.Write(b) }
func (p *port) Device() string              { return p.device }
func (p *port) FlushInput() error           { return FlushInput(p.rwc) }

func (p *port) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.rwc.Close()
		release(p.device)
	})
	return p.closeErr
}

// AutoDetect returns the first USB serial device present, or "".
func AutoDetect() string {
	candidates := make([]string, 0, 20)
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, p := range candidates {
		if _, held := registry[p]; held {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
