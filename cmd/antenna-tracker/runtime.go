package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"antenna-tracker/internal/config"
	"antenna-tracker/internal/geodesy"
	"antenna-tracker/internal/geomag"
	"antenna-tracker/internal/gps"
	"antenna-tracker/internal/indicator"
	"antenna-tracker/internal/observability"
	"antenna-tracker/internal/replay"
	"antenna-tracker/internal/rotator"
	"antenna-tracker/internal/sim"
	"antenna-tracker/internal/telemetry"
	"antenna-tracker/internal/tracking"
	"antenna-tracker/internal/udp"
	"antenna-tracker/internal/web"
)

const simDevice = "sim"

// dialRotatorFn is replaced in tests.
var dialRotatorFn = rotator.Dial

type trackerRuntime struct {
	cfg        config.Config
	configPath string
	log        *slog.Logger
	logs       *web.LogBuffer

	mode string

	state      *tracking.State
	status     *web.Status
	ingestor   *telemetry.Ingestor
	recorder   *replay.Writer
	controller *tracking.Controller
	collector  *observability.Collector
	hub        *web.Hub
	display    *udp.Broadcaster
	lamp       *indicator.Indicator
	simRotator *sim.Rotator
	groundGPS  *gps.Service
	handler    http.Handler

	tracingShutdown func(context.Context) error
}

func newRuntime(ctx context.Context, cfg config.Config, configPath string, log *slog.Logger, logs *web.LogBuffer) (*trackerRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	r := &trackerRuntime{
		cfg:        c,
		configPath: configPath,
		log:        log,
		logs:       logs,
		state:      tracking.NewState(),
		status:     web.NewStatus(),
	}

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     c.Tracing.Enable,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("tracing init: %w", err)
	}
	r.tracingShutdown = shutdown

	if c.Metrics.Enable {
		col, err := observability.NewCollector(prometheus.NewRegistry())
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("metrics init: %w", err)
		}
		r.collector = col
	}

	ground := geodesy.NewPoint(c.Ground.LatDeg, c.Ground.LonDeg)
	if c.Ground.AltM != nil {
		ground = ground.WithAlt(*c.Ground.AltM)
	}
	r.state.SetGround(ground)
	if g := c.Ground.GPS; g.Enable {
		r.groundGPS = gps.New(gps.Config{
			Source:         g.Source,
			Device:         g.Device,
			Baud:           g.Baud,
			GPSDAddr:       g.GPSDAddr,
			MinSatellites:  g.MinSatellites,
			MoveThresholdM: g.MoveThresholdM,
		}, r.state, gps.WithLogger(log))
		if err := r.groundGPS.Start(ctx); err != nil {
			log.Warn("ground gps disabled", "err", err)
			r.groundGPS = nil
		}
	}

	decl, err := geomag.FromConfig(geomag.Config{
		Model:           c.Magnetic.Model,
		DeclinationDeg:  c.Magnetic.DeclinationDeg,
		EpochYear:       c.Magnetic.EpochYear,
		AnnualChangeDeg: c.Magnetic.AnnualChangeDeg,
	}, log)
	if err != nil {
		r.Close()
		return nil, err
	}

	sinks := r.initSinks(ctx)
	ctlOpts := []tracking.Option{tracking.WithLogger(log), tracking.WithSinks(sinks...)}
	if r.collector != nil {
		ctlOpts = append(ctlOpts, tracking.WithMetrics(r.collector))
	}
	r.controller = tracking.NewController(r.state, geodesy.Engine{Declination: decl}, tracking.Config{
		Interval:          c.Tracking.Interval,
		MaxFixAge:         c.Tracking.MaxFixAge,
		ElevationModel:    c.Tracking.ElevationModel,
		AllowUncalibrated: c.Tracking.AllowUncalibrated,
	}, ctlOpts...)

	if err := r.startTelemetry(ctx); err != nil {
		r.Close()
		return nil, err
	}

	if config.Enabled(c.Rotator.Enable) {
		if err := r.connectRotator(ctx); err != nil {
			// Keep tracking without a rotator; solutions still reach the displays.
			log.Warn("rotator unavailable", "device", c.Rotator.Device, "err", err, "retry", c.Rotator.Retry.String())
		}
	}

	var tel web.TelemetryStatus
	if r.ingestor != nil {
		tel = r.ingestor
	}
	r.status.SetStatic(r.mode, c.Tracking.Interval.String(), c.Display.UDPDest)
	r.status.Attach(r.state, tel, r.controller)
	if r.groundGPS != nil {
		r.status.AttachGPS(r.groundGPS)
	}

	deps := web.Deps{
		Status: r.status,
		Ground: web.GroundStore{
			State:      r.state,
			ConfigPath: configPath,
			Persist:    c.Ground.Persist,
			Log:        log,
		},
		Rotator: r.rotatorControl,
		Hub:     r.hub,
		Logs:    logs,
		Log:     log,
	}
	if r.collector != nil {
		deps.Metrics = r.collector.Handler()
	}
	if r.hub != nil {
		r.status.AttachClients(r.hub.Clients)
	}
	r.handler = web.Handler(deps)
	return r, nil
}

// initSinks builds every consumer of pointing solutions. A display or LED
// that fails to come up is logged and left out.
func (r *trackerRuntime) initSinks(ctx context.Context) []tracking.Sink {
	c := r.cfg
	var sinks []tracking.Sink
	if r.collector != nil {
		sinks = append(sinks, r.collector)
	}
	if config.Enabled(c.Web.Enable) {
		r.hub = web.NewHub(r.log)
		sinks = append(sinks, r.hub)
	}
	if c.Display.UDPDest != "" {
		b, err := udp.NewBroadcaster(c.Display.UDPDest, r.log.With("component", "udp"))
		if err != nil {
			r.log.Warn("udp display disabled", "dest", c.Display.UDPDest, "err", err)
		} else {
			r.display = b
			sinks = append(sinks, b)
		}
	}
	if c.Indicator.Enable {
		lamp, err := indicator.New(indicator.Config{
			Chip:         c.Indicator.Chip,
			Line:         c.Indicator.Line,
			BlinkOnStale: c.Indicator.BlinkOnStale,
		}, indicator.WithLogger(r.log))
		if err != nil {
			r.log.Warn("lock indicator disabled", "chip", c.Indicator.Chip, "line", c.Indicator.Line, "err", err)
		} else {
			r.lamp = lamp
			lamp.Start(ctx)
			sinks = append(sinks, lamp)
		}
	}
	return sinks
}

func (r *trackerRuntime) startTelemetry(ctx context.Context) error {
	c := r.cfg
	if !config.Enabled(c.Telemetry.Enable) {
		r.mode = "off"
		return nil
	}
	sum, err := telemetry.ChecksumByName(c.Telemetry.Checksum)
	if err != nil {
		return err
	}

	opts := []telemetry.Option{telemetry.WithLogger(r.log)}
	if r.collector != nil {
		opts = append(opts, telemetry.WithMetrics(r.collector))
	}
	if c.Record.Enable {
		w, err := replay.CreateWriter(c.Record.Path)
		if err != nil {
			return fmt.Errorf("record: %w", err)
		}
		r.recorder = w
		opts = append(opts, telemetry.WithRecorder(w))
		r.log.Info("recording telemetry", "path", c.Record.Path)
	}
	r.ingestor = telemetry.New(telemetry.Config{
		Device:         c.Telemetry.Device,
		Baud:           c.Telemetry.Baud,
		Checksum:       sum,
		MaxLineBytes:   c.Telemetry.MaxLineBytes,
		ReconnectDelay: c.Telemetry.Reconnect,
	}, r.state, opts...)

	switch {
	case c.Replay.Enable:
		recs, err := replay.Load(c.Replay.Path)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		r.mode = "replay"
		src := replay.NewSource(ctx, recs, c.Replay.Speed, c.Replay.Loop, nil)
		return r.ingestor.StartReader(ctx, "replay", src)
	case c.Telemetry.Source == "sim":
		path, err := r.flightPath()
		if err != nil {
			return fmt.Errorf("sim: %w", err)
		}
		r.mode = "sim"
		src := sim.NewTelemetrySource(ctx, sim.TelemetryConfig{
			Path:         path,
			Rate:         c.Sim.Flight.Rate,
			CorruptEvery: c.Sim.Flight.CorruptEvery,
			Loop:         c.Sim.Flight.Loop,
			Checksum:     sum,
		})
		return r.ingestor.StartReader(ctx, "sim", src)
	default:
		r.mode = "serial"
		if err := r.ingestor.Start(ctx); err != nil {
			// Keep serving ground updates and rotator actions without telemetry.
			r.log.Warn("telemetry unavailable", "err", err)
		}
		return nil
	}
}

// flightPath launches the simulated flight from the ground station unless a
// script is configured.
func (r *trackerRuntime) flightPath() (sim.Path, error) {
	f := r.cfg.Sim.Flight
	if f.Script != "" {
		return sim.LoadScenario(f.Script)
	}
	return sim.Flight{
		Launch:          r.state.Ground(),
		ApogeeM:         f.ApogeeM,
		AscentRateMps:   f.AscentRateMps,
		DescentRateMps:  f.DescentRateMps,
		DriftMps:        f.DriftMps,
		DriftBearingDeg: f.DriftBearing,
	}, nil
}

func (r *trackerRuntime) dialRotator(ctx context.Context) (*rotator.Client, error) {
	c := r.cfg.Rotator
	opts := []rotator.Option{rotator.WithLogger(r.log)}
	if r.collector != nil {
		opts = append(opts, rotator.WithMetrics(r.collector))
	}
	if strings.EqualFold(c.Device, simDevice) {
		if r.simRotator == nil {
			r.simRotator = sim.NewRotator(sim.WithCalibrated(true))
		}
		return rotator.New(ctx, r.simRotator.Open(simDevice, c.ReadTimeout), opts...)
	}
	return dialRotatorFn(ctx, rotator.Config{Device: c.Device, Baud: c.Baud, ReadTimeout: c.ReadTimeout}, opts...)
}

func (r *trackerRuntime) connectRotator(ctx context.Context) error {
	client, err := r.dialRotator(ctx)
	if err != nil {
		return err
	}
	r.controller.AttachRotator(client)
	return nil
}

// superviseRotator keeps a rotator session attached. Every Retry it dials
// when none is attached, and drops a session whose last MaxFailures round
// trips all broke off, as happens when the controller is unplugged.
func (r *trackerRuntime) superviseRotator(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Rotator.Retry)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		cur := r.controller.Rotator()
		if cur == nil {
			if err := r.connectRotator(ctx); err != nil {
				r.log.Debug("rotator dial failed", "err", err)
				continue
			}
			r.log.Info("rotator attached after retry")
			continue
		}
		h, ok := cur.(interface{ ConsecutiveFailures() int })
		if !ok || h.ConsecutiveFailures() < r.cfg.Rotator.MaxFailures {
			continue
		}
		r.log.Warn("rotator not answering, reconnecting", "failures", h.ConsecutiveFailures())
		if rot, ok := r.controller.DetachRotator().(*rotator.Client); ok && rot != nil {
			_ = rot.Close()
		}
	}
}

func (r *trackerRuntime) rotatorControl() web.RotatorControl {
	rc, _ := r.controller.Rotator().(web.RotatorControl)
	return rc
}

func (r *trackerRuntime) webAddr() string {
	if r.hub == nil {
		return ""
	}
	return r.cfg.Web.Listen
}

// Run blocks until ctx ends or a supervised task fails.
func (r *trackerRuntime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.controller.Run(gctx) })
	if config.Enabled(r.cfg.Web.Enable) {
		g.Go(func() error {
			if err := web.Serve(gctx, r.cfg.Web.Listen, r.handler); err != nil {
				return fmt.Errorf("web: %w", err)
			}
			return nil
		})
	}
	if config.Enabled(r.cfg.Rotator.Enable) && r.cfg.Rotator.Retry > 0 {
		g.Go(func() error { return r.superviseRotator(gctx) })
	}
	return g.Wait()
}

// Close stops every component. It is safe to call more than once.
func (r *trackerRuntime) Close() {
	if r == nil {
		return
	}
	if r.ingestor != nil {
		r.ingestor.Close()
	}
	if r.groundGPS != nil {
		r.groundGPS.Close()
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			r.log.Warn("record close failed", "err", err)
		}
		r.recorder = nil
	}
	if r.controller != nil {
		if rot, ok := r.controller.DetachRotator().(*rotator.Client); ok && rot != nil {
			_ = rot.Close()
		}
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.display != nil {
		_ = r.display.Close()
		r.display = nil
	}
	if r.lamp != nil {
		_ = r.lamp.Close()
		r.lamp = nil
	}
	if r.tracingShutdown != nil {
		observability.ShutdownWithTimeout(context.Background(), r.tracingShutdown, r.log)
		r.tracingShutdown = nil
	}
}
