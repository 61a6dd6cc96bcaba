//go:build linux

package serialport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// openPlatform opens the tty non-blocking so the runtime poller owns it; that
// is what makes read deadlines work and lets Close interrupt a blocked Read.
func openPlatform(path string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	flag := unix.O_RDWR | unix.O_NOCTTY | unix.O_NONBLOCK
	fd, err := unix.Open(path, flag, 0)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	spd, err := baudToUnix(baud)
	if err != nil {
		return nil, err
	}

	// Raw mode, 8N1, no flow control.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, err
	}
	// Drop whatever the device said before we were listening.
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)

	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		return nil, fmt.Errorf("os.NewFile failed")
	}
	ok = true
	return &ttyFile{f: f, readTimeout: readTimeout}, nil
}

type ttyFile struct {
	f           *os.File
	readTimeout time.Duration
}

func (t *ttyFile) Read(p []byte) (int, error) {
	if t.readTimeout > 0 {
		if err := t.f.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := t.f.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrTimeout
	}
	return n, err
}

// FlushInput drops the kernel's receive queue (tcflush TCIFLUSH).
func (t *ttyFile) FlushInput() error {
	rc, err := t.f.SyscallConn()
	if err != nil {
		return err
	}
	var ioErr error
	if err := rc.Control(func(fd uintptr) {
		ioErr = unix.IoctlSetInt(int(fd), unix.TCFLSH, unix.TCIFLUSH)
	}); err != nil {
		return err
	}
	return ioErr
}

func (t *ttyFile) Write(p []byte) (int, error) { return t.f.Write(p) }
func (t *ttyFile) Close() error                { return t.f.Close() }

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}
