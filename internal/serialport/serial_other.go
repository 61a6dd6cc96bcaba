//go:build !linux

package serialport

import (
	"errors"
	"io"
	"time"

	"github.com/tarm/serial"
)

func openPlatform(path string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(&serial.Config{Name: path, Baud: baud, ReadTimeout: readTimeout})
	if err != nil {
		return nil, err
	}
	return &tarmPort{p: p, readTimeout: readTimeout}, nil
}

type tarmPort struct {
	p           *serial.Port
	readTimeout time.Duration
}

// Read maps the empty read tarm/serial reports on timeout (EOF on posix,
// nil on windows) to ErrTimeout.
func (t *tarmPort) Read(b []byte) (int, error) {
	n, err := t.p.Read(b)
	if n == 0 && t.readTimeout > 0 && (err == nil || errors.Is(err, io.EOF)) {
		return 0, ErrTimeout
	}
	return n, err
}

// FlushInput discards pending input. tarm/serial flushes both directions.
func (t *tarmPort) FlushInput() error { return t.p.Flush() }

func (t *tarmPort) Write(b []byte) (int, error) { return t.p.Write(b) }
func (t *tarmPort) Close() error                { return t.p.Close() }
