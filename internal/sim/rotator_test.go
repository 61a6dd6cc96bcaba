package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"antenna-tracker/internal/rotator"
	"antenna-tracker/internal/serialport"
)

func TestRotator_Handle(t *testing.T) {
	r := NewRotator(WithSlewRate(0))

	cases := []struct {
		line string
		want string
	}{
		{"VERS", "VERS\nOK sim-1.0\n"},
		{"GETC", "GETC\nOK false\n"},
		{"DVER 10.0", "DVER 10.0\nERR\n"},
		{"CALV SET", "CALV SET\nOK\n"},
		{"CALH", "CALH\nOK\n"},
		{"GETC", "GETC\nOK true\n"},
		{"DVER 42.5", "DVER 42.5\nOK\n"},
		{"DHOR -30.0", "DHOR -30.0\nOK\n"},
		{"GETP", "GETP\nOK 42.5 -30.0\n"},
		{"MOVV -25", "MOVV -25\nOK\n"},
		{"MOVH 100", "MOVH 100\nOK\n"},
		{"GETP", "GETP\nOK 40.0 -20.0\n"},
		{"DVER abc", "DVER abc\nERR\n"},
		{"MOVC SIDEWAYS", "MOVC SIDEWAYS\nERR\n"},
		{"CALV NOW", "CALV NOW\nERR\n"},
		{"FOO", "FOO\nERR\n"},
		{"HALT", "HALT\nOK\n"},
	}
	for _, tc := range cases {
		if got := r.Handle(tc.line); got != tc.want {
			t.Fatalf("Handle(%q)=%q want %q", tc.line, got, tc.want)
		}
	}
	if !r.Persisted() {
		t.Fatalf("CALV SET should persist calibration")
	}
	if n := len(r.Commands()); n != len(cases) {
		t.Fatalf("commands=%d want %d", n, len(cases))
	}
}

func TestRotator_SlewsTowardTarget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRotator(WithCalibrated(true), WithSlewRate(10), WithRotatorClock(func() time.Time { return now }))

	r.Handle("DVER 45.0")
	now = now.Add(2 * time.Second)
	if v, _ := r.Position(); v != 20 {
		t.Fatalf("vert=%v want 20 after 2s at 10deg/s", v)
	}

	r.Handle("HALT")
	now = now.Add(10 * time.Second)
	if v, _ := r.Position(); v != 20 {
		t.Fatalf("vert=%v want 20 after HALT", v)
	}

	r.Handle("MOVC DN")
	now = now.Add(time.Hour)
	if v, _ := r.Position(); v != -90 {
		t.Fatalf("vert=%v want clamped -90", v)
	}
}

func TestRotator_ClientSession(t *testing.T) {
	dev := NewRotator(WithCalibrated(true), WithSlewRate(0))
	port := dev.Open("sim-rotator-session", 200*time.Millisecond)

	ctx := context.Background()
	c, err := rotator.New(ctx, port)
	if err != nil {
		t.Fatalf("rotator.New: %v", err)
	}
	defer c.Close()

	if c.ProtocolVersion() != simVersion || !c.Calibrated() {
		t.Fatalf("version=%q calibrated=%v", c.ProtocolVersion(), c.Calibrated())
	}
	if err := c.SetPosition(ctx, 12.5, 270); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	v, h, err := c.Position(ctx)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if v != 12.5 || h != 270 {
		t.Fatalf("position=%v,%v want 12.5,270", v, h)
	}
	if err := c.Move(ctx, rotator.Up); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := c.Halt(ctx); err != nil {
		t.Fatalf("Halt: %v", err)
	}
}

func TestRotator_ClientSeesDeviceErrorWhenUncalibrated(t *testing.T) {
	dev := NewRotator(WithSlewRate(0))
	c, err := rotator.New(context.Background(), dev.Open("sim-rotator-uncal", 200*time.Millisecond))
	if err != nil {
		t.Fatalf("rotator.New: %v", err)
	}
	defer c.Close()

	if c.Calibrated() {
		t.Fatalf("fresh simulator should be uncalibrated")
	}
	var de *rotator.DeviceError
	if err := c.SetPositionVertical(context.Background(), 10); !errors.As(err, &de) {
		t.Fatalf("err=%v want DeviceError", err)
	}
	if err := c.CalibrateVertical(context.Background(), false); err != nil {
		t.Fatalf("CalibrateVertical: %v", err)
	}
	if err := c.CalibrateHorizontal(context.Background()); err != nil {
		t.Fatalf("CalibrateHorizontal: %v", err)
	}
	if !c.Calibrated() {
		t.Fatalf("calibrated flag not refreshed")
	}
}

func TestRotator_UnresponsiveTimesOut(t *testing.T) {
	dev := NewRotator(WithCalibrated(true))
	c, err := rotator.New(context.Background(), dev.Open("sim-rotator-hang", 50*time.Millisecond))
	if err != nil {
		t.Fatalf("rotator.New: %v", err)
	}
	defer c.Close()

	dev.SetUnresponsive(true)
	err = c.Halt(context.Background())
	var pe *rotator.ProtocolError
	if !errors.As(err, &pe) || pe.State != rotator.StateSent {
		t.Fatalf("err=%v want ProtocolError in state sent", err)
	}
	if !errors.Is(err, serialport.ErrTimeout) {
		t.Fatalf("err=%v should wrap serialport.ErrTimeout", err)
	}

	dev.SetUnresponsive(false)
	if err := c.Halt(context.Background()); err != nil {
		t.Fatalf("Halt after recovery: %v", err)
	}
}

func TestRotatorPort_CloseUnblocksRead(t *testing.T) {
	port := NewRotator().Open("sim-rotator-close", 0)
	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = port.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Read after Close returned nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Read not unblocked by Close")
	}
	if _, err := port.Write([]byte("VERS\n")); err == nil {
		t.Fatalf("Write after Close should fail")
	}
}

func TestRotatorPort_FlushInputDropsPendingReplies(t *testing.T) {
	port := NewRotator().Open("sim-rotator-flush", 20*time.Millisecond)
	defer port.Close()

	if _, err := port.Write([]byte("VERS\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := serialport.FlushInput(port); err != nil {
		t.Fatalf("FlushInput: %v", err)
	}
	if _, err := port.Read(make([]byte, 32)); !errors.Is(err, serialport.ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout after flush", err)
	}
}
