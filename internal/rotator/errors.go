package rotator

import (
	"errors"
	"fmt"
)

// ErrDeviceBusy is returned when a second session is opened on a device.
var ErrDeviceBusy = errors.New("rotator device already has a session")

// DeviceError means the controller answered ERR.
type DeviceError struct {
	Command string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("rotator rejected %q", e.Command)
}

// ProtocolError covers bad framing, wrong field counts and read timeouts.
// The client discards pending input before its next command.
type ProtocolError struct {
	Command string
	State   State
	Reason  string
	Line    string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := "rotator protocol"
	if e.Command != "" {
		msg += fmt.Sprintf(" (%s)", e.Command)
	}
	msg += fmt.Sprintf(" after %s: %s", e.State, e.Reason)
	if e.Line != "" {
		msg += fmt.Sprintf(" line=%q", e.Line)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }
