package gps

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"antenna-tracker/internal/geodesy"
	"antenna-tracker/internal/serialport"
)

type fakeGround struct {
	mu  sync.Mutex
	got []geodesy.Point
}

func (f *fakeGround) SetGround(p geodesy.Point) {
	f.mu.Lock()
	f.got = append(f.got, p)
	f.mu.Unlock()
}

func (f *fakeGround) points() []geodesy.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]geodesy.Point(nil), f.got...)
}

type pipePort struct {
	*io.PipeReader
	device string
}

func (p pipePort) Write(b []byte) (int, error) { return len(b), nil }
func (p pipePort) Device() string              { return p.device }

func stubOpenPort(t *testing.T, fn func(serialport.Config) (serialport.Port, error)) {
	t.Helper()
	prev := openPortFn
	openPortFn = fn
	t.Cleanup(func() { openPortFn = prev })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_NMEAPublishesGroundPastThreshold(t *testing.T) {
	pr, pw := io.Pipe()
	var opened serialport.Config
	stubOpenPort(t, func(cfg serialport.Config) (serialport.Port, error) {
		opened = cfg
		return pipePort{PipeReader: pr, device: cfg.Device}, nil
	})

	ground := &fakeGround{}
	svc := New(Config{Device: "/dev/ttyGPS0", MoveThresholdM: 5}, ground)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	go func() {
		for _, p := range []string{
			"GPGSV,3,1,11,03,03,111,00,04,15,270,00,06,01,010,00,13,06,292,00",
			ggaFix,
			// About 1 m north: below the threshold.
			"GNGGA,123520,4807.0385,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,",
			// About 185 m north.
			"GNGGA,123521,4807.138,N,01131.000,E,1,08,0.9,546.0,M,46.9,M,,",
		} {
			_, _ = io.WriteString(pw, nmeaLine(p)+"\r\n")
		}
		_, _ = io.WriteString(pw, "garbage\r\n$GPGGA,bad*00\r\n")
	}()

	waitFor(t, "two publishes", func() bool { return len(ground.points()) == 2 })
	waitFor(t, "parse error recorded", func() bool { return svc.Snapshot().LastError != "" })

	got := ground.points()
	if alt, _ := got[0].Alt(); alt != 545.4 {
		t.Fatalf("first alt=%v want 545.4", alt)
	}
	if alt, _ := got[1].Alt(); alt != 546.0 {
		t.Fatalf("second alt=%v want 546", alt)
	}
	if opened.Device != "/dev/ttyGPS0" || opened.Baud != 9600 {
		t.Fatalf("opened=%+v", opened)
	}

	snap := svc.Snapshot()
	if !snap.Valid || snap.Published != 2 || snap.Source != SourceNMEA || snap.Device != "/dev/ttyGPS0" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.LastPublishedUTC == "" {
		t.Fatalf("expected last_published_utc")
	}
}

func TestService_MinSatellitesHoldsBackFix(t *testing.T) {
	pr, pw := io.Pipe()
	stubOpenPort(t, func(cfg serialport.Config) (serialport.Port, error) {
		return pipePort{PipeReader: pr, device: cfg.Device}, nil
	})

	ground := &fakeGround{}
	svc := New(Config{Device: "/dev/ttyGPS0", MinSatellites: 10}, ground)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	_, _ = io.WriteString(pw, nmeaLine(ggaFix)+"\r\n")
	waitFor(t, "fix seen", func() bool { return svc.Snapshot().Valid })
	if n := len(ground.points()); n != 0 {
		t.Fatalf("published %d fixes with 8 satellites, want 0", n)
	}

	_, _ = io.WriteString(pw, nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,2,12,0.7,545.4,M,46.9,M,,")+"\r\n")
	waitFor(t, "publish", func() bool { return len(ground.points()) == 1 })
}

func TestService_ReconnectsAfterOpenFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	pr, pw := io.Pipe()
	stubOpenPort(t, func(cfg serialport.Config) (serialport.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, &serialport.ConnectionError{Device: cfg.Device, Baud: cfg.Baud, Err: errors.New("no such device")}
		}
		return pipePort{PipeReader: pr, device: cfg.Device}, nil
	})

	ground := &fakeGround{}
	svc := New(Config{Device: "/dev/ttyGPS0"}, ground)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	waitFor(t, "open error", func() bool { return strings.Contains(svc.Snapshot().LastError, "no such device") })
	go func() { _, _ = io.WriteString(pw, nmeaLine(ggaFix)+"\r\n") }()
	waitFor(t, "publish after reconnect", func() bool { return len(ground.points()) == 1 })
}

func TestService_StartValidates(t *testing.T) {
	if err := New(Config{Source: "nmea"}, &fakeGround{}).Start(context.Background()); err == nil {
		t.Fatalf("expected error for nmea without device")
	}
	if err := New(Config{Source: "ubx", Device: "/dev/ttyGPS0"}, &fakeGround{}).Start(context.Background()); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}

func TestService_CloseUnblocksReader(t *testing.T) {
	pr, _ := io.Pipe()
	stubOpenPort(t, func(cfg serialport.Config) (serialport.Port, error) {
		return pipePort{PipeReader: pr, device: cfg.Device}, nil
	})
	svc := New(Config{Device: "/dev/ttyGPS0"}, &fakeGround{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		svc.Close()
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close did not return")
	}
}

func TestService_GPSD(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	watch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, `{"class":"VERSION","release":"3.25","proto_major":3}`+"\n")
		line, _ := bufio.NewReader(conn).ReadString('\n')
		watch <- line
		_, _ = io.WriteString(conn, `{"class":"SKY","hdop":1.1,"uSat":9}`+"\n")
		_, _ = io.WriteString(conn, `{"class":"TPV","mode":3,"lat":40.8232,"lon":-96.69693,"altMSL":1381.0}`+"\n")
		// Hold the connection until the service closes it.
		_, _ = io.Copy(io.Discard, conn)
	}()

	ground := &fakeGround{}
	svc := New(Config{Source: SourceGPSD, GPSDAddr: ln.Addr().String()}, ground)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	select {
	case got := <-watch:
		if got != watchCommand {
			t.Fatalf("watch=%q want %q", got, watchCommand)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no WATCH command")
	}

	waitFor(t, "publish", func() bool { return len(ground.points()) == 1 })
	p := ground.points()[0]
	if !p.Equal(geodesy.NewPointAlt(40.8232, -96.69693, 1381.0)) {
		t.Fatalf("ground=%v", p)
	}
	snap := svc.Snapshot()
	if snap.GPSDAddr != ln.Addr().String() || snap.Satellites == nil || *snap.Satellites != 9 {
		t.Fatalf("snapshot=%+v", snap)
	}
}
