package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"antenna-tracker/internal/config"
	"antenna-tracker/internal/logging"
	"antenna-tracker/internal/rotator"
	"antenna-tracker/internal/serialport"
	"antenna-tracker/internal/sim"
	"antenna-tracker/internal/telemetry"
	"antenna-tracker/internal/tracking"
	"antenna-tracker/internal/web"
)

func simCfg(t *testing.T) config.Config {
	t.Helper()
	off := false
	cfg := config.Config{}
	cfg.Web.Enable = &off
	cfg.Telemetry.Source = "sim"
	cfg.Rotator.Device = simDevice
	cfg.Tracking.Interval = 20 * time.Millisecond
	cfg.Sim.Flight.Rate = 10 * time.Millisecond
	cfg.Metrics.Enable = true
	if err := config.DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate() error: %v", err)
	}
	return cfg
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

// startRuntime runs rt until the test ends.
func startRuntime(t *testing.T, ctx context.Context, cancel context.CancelFunc, rt *trackerRuntime) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("Run() did not return after cancel")
		}
		rt.Close()
	})
}

func lastResult(rt *trackerRuntime) string {
	sol, ok := rt.controller.Last()
	if !ok {
		return ""
	}
	return sol.Result
}

func TestRuntime_SimFlightCommandsSimRotator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, simCfg(t), "", logging.Discard(), nil)
	if err != nil {
		cancel()
		t.Fatalf("newRuntime() error: %v", err)
	}
	startRuntime(t, ctx, cancel, rt)

	waitFor(t, "a commanded solution", func() bool { return lastResult(rt) == tracking.ResultCommanded })

	var sawVertical, sawHorizontal bool
	for _, cmd := range rt.simRotator.Commands() {
		sawVertical = sawVertical || strings.HasPrefix(cmd, "DVER ")
		sawHorizontal = sawHorizontal || strings.HasPrefix(cmd, "DHOR ")
	}
	if !sawVertical || !sawHorizontal {
		t.Fatalf("sim rotator commands=%v", rt.simRotator.Commands())
	}
	if snap := rt.ingestor.Snapshot(); snap.Source != "sim" || snap.Valid == 0 {
		t.Fatalf("telemetry snapshot=%+v", snap)
	}
}

func TestRuntime_StatusAndMetricsRoutes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, simCfg(t), "", logging.Discard(), web.NewLogBuffer(10))
	if err != nil {
		cancel()
		t.Fatalf("newRuntime() error: %v", err)
	}
	startRuntime(t, ctx, cancel, rt)
	waitFor(t, "a solution", func() bool { return lastResult(rt) != "" })

	ts := httptest.NewServer(rt.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	var st web.StatusSnapshot
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Mode != "sim" || st.Interval != "20ms" {
		t.Fatalf("status mode=%q interval=%q", st.Mode, st.Interval)
	}
	if st.Telemetry == nil || st.Tracking == nil {
		t.Fatalf("status missing components: %+v", st)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"tracking_ticks_total", "telemetry_records_total", "rotator_commands_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("/metrics missing %s", name)
		}
	}

	resp, err = http.Get(ts.URL + "/api/rotator")
	if err != nil {
		t.Fatalf("GET /api/rotator: %v", err)
	}
	var rs web.RotatorStatus
	err = json.NewDecoder(resp.Body).Decode(&rs)
	resp.Body.Close()
	if err != nil || !rs.Available || rs.Device != simDevice {
		t.Fatalf("rotator status=%+v err=%v", rs, err)
	}
}

func TestRuntime_RotatorRetryAttaches(t *testing.T) {
	dev := sim.NewRotator(sim.WithCalibrated(true), sim.WithSlewRate(0))
	var calls atomic.Int32
	prev := dialRotatorFn
	dialRotatorFn = func(ctx context.Context, cfg rotator.Config, opts ...rotator.Option) (*rotator.Client, error) {
		if calls.Add(1) < 3 {
			return nil, &serialport.ConnectionError{Device: cfg.Device, Baud: cfg.Baud, Err: errors.New("no such device")}
		}
		return rotator.New(ctx, dev.Open(cfg.Device, cfg.ReadTimeout), opts...)
	}
	defer func() { dialRotatorFn = prev }()

	cfg := simCfg(t)
	cfg.Rotator.Device = "/dev/ttyRETRY0"
	cfg.Rotator.Retry = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, cfg, "", logging.Discard(), nil)
	if err != nil {
		cancel()
		t.Fatalf("newRuntime() error: %v", err)
	}
	if rt.controller.Rotator() != nil {
		t.Fatalf("first dial should have failed")
	}
	startRuntime(t, ctx, cancel, rt)

	waitFor(t, "rotator attach", func() bool { return rt.controller.Rotator() != nil })
	waitFor(t, "a commanded solution", func() bool { return lastResult(rt) == tracking.ResultCommanded })
	if n := calls.Load(); n != 3 {
		t.Fatalf("dial calls=%d want 3", n)
	}
}

func TestRuntime_UnresponsiveRotatorIsRedialed(t *testing.T) {
	dev := sim.NewRotator(sim.WithCalibrated(true), sim.WithSlewRate(0))
	var calls atomic.Int32
	prev := dialRotatorFn
	dialRotatorFn = func(ctx context.Context, cfg rotator.Config, opts ...rotator.Option) (*rotator.Client, error) {
		calls.Add(1)
		return rotator.New(ctx, dev.Open(cfg.Device, cfg.ReadTimeout), opts...)
	}
	defer func() { dialRotatorFn = prev }()

	cfg := simCfg(t)
	cfg.Rotator.Device = "/dev/ttyLOST0"
	cfg.Rotator.ReadTimeout = 10 * time.Millisecond
	cfg.Rotator.Retry = 10 * time.Millisecond
	cfg.Rotator.MaxFailures = 2

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, cfg, "", logging.Discard(), nil)
	if err != nil {
		cancel()
		t.Fatalf("newRuntime() error: %v", err)
	}
	first, ok := rt.controller.Rotator().(*rotator.Client)
	if !ok || first == nil {
		t.Fatalf("rotator not attached at startup")
	}
	startRuntime(t, ctx, cancel, rt)
	waitFor(t, "a commanded solution", func() bool { return lastResult(rt) == tracking.ResultCommanded })

	dev.SetUnresponsive(true)
	waitFor(t, "a redial", func() bool { return calls.Load() > 1 })
	dev.SetUnresponsive(false)

	waitFor(t, "a new session", func() bool {
		cur, ok := rt.controller.Rotator().(*rotator.Client)
		return ok && cur != nil && cur.SessionID() != first.SessionID()
	})
	waitFor(t, "commands on the new session", func() bool { return lastResult(rt) == tracking.ResultCommanded })
	if _, err := first.Version(context.Background()); err == nil {
		t.Fatalf("dropped session should be closed")
	}
}

func TestRuntime_ReplayWithoutRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.log")
	lines := []string{
		string(telemetry.EncodeLine([]byte(`{"state":"boot"}`), nil)),
		string(telemetry.EncodeLine([]byte(`{"gps":{"latitude":40.83,"longitude":-96.69,"altitude":2400}}`), nil)),
		"7 {\"gps\":{}}\n",
	}
	var b strings.Builder
	b.WriteString("START\n")
	for _, l := range lines {
		b.WriteString("0," + l)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	off := false
	cfg := simCfg(t)
	cfg.Telemetry.Source = "serial"
	cfg.Rotator.Enable = &off
	cfg.Replay.Enable = true
	cfg.Replay.Path = path
	cfg.Replay.Speed = 1

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, cfg, "", logging.Discard(), nil)
	if err != nil {
		cancel()
		t.Fatalf("newRuntime() error: %v", err)
	}
	startRuntime(t, ctx, cancel, rt)

	waitFor(t, "replayed records", func() bool { return rt.ingestor.Snapshot().Lines == 3 })
	snap := rt.ingestor.Snapshot()
	if snap.Source != "replay" || snap.Valid != 1 || snap.NoGPS != 1 || snap.IntegrityErrors != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	waitFor(t, "a no_rotator solution", func() bool { return lastResult(rt) == tracking.ResultNoRotator })
	if rt.rotatorControl() != nil {
		t.Fatalf("rotatorControl() should be nil without a rotator")
	}
}

func TestRuntime_GroundFollowsGPSD(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, `{"class":"TPV","mode":3,"lat":41.1,"lon":-96.2,"altMSL":402.5}`+"\n")
		_, _ = io.Copy(io.Discard, conn)
	}()

	cfg := simCfg(t)
	cfg.Ground.GPS = config.GroundGPSConfig{Enable: true, Source: "gpsd", GPSDAddr: ln.Addr().String()}
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, cfg, "", logging.Discard(), nil)
	if err != nil {
		cancel()
		t.Fatalf("newRuntime() error: %v", err)
	}
	startRuntime(t, ctx, cancel, rt)

	waitFor(t, "ground from gps", func() bool { return rt.state.Ground().LatDeg == 41.1 })
	if alt, ok := rt.state.Ground().Alt(); !ok || alt != 402.5 {
		t.Fatalf("ground alt=%v ok=%v", alt, ok)
	}
	snap := rt.status.Snapshot(time.Time{})
	if snap.GroundGPS == nil || snap.GroundGPS.Published != 1 {
		t.Fatalf("ground_gps=%+v", snap.GroundGPS)
	}
}

func TestNewRuntime_RejectsInvalidConfig(t *testing.T) {
	cfg := simCfg(t)
	cfg.Tracking.ElevationModel = "spherical"
	if _, err := newRuntime(context.Background(), cfg, "", logging.Discard(), nil); err == nil {
		t.Fatalf("expected error")
	}
}
