package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"antenna-tracker/internal/tracking"
)

// Collector bundles the tracker's Prometheus metrics. It satisfies the
// Metrics interfaces of the telemetry, rotator and tracking packages and is a
// tracking.Sink for the pointing gauges.
type Collector struct {
	gatherer prometheus.Gatherer

	TelemetryRecords *prometheus.CounterVec

	RotatorCommands  *prometheus.CounterVec
	RotatorDurations *prometheus.HistogramVec

	TrackingTicks *prometheus.CounterVec
	TickDurations *prometheus.HistogramVec

	Azimuth   prometheus.Gauge
	Elevation prometheus.Gauge
	Distance  prometheus.Gauge
	FixAge    prometheus.Gauge
}

// NewCollector registers the tracker metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	records, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_records_total",
		Help: "Telemetry records read, labeled by outcome (ok, no_gps, decode, integrity).",
	}, []string{"result"}), "telemetry_records_total")
	if err != nil {
		return nil, err
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rotator_commands_total",
		Help: "Rotator command round trips, labeled by opcode and result.",
	}, []string{"opcode", "result"}), "rotator_commands_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rotator_command_duration_seconds",
		Help:    "Rotator command round trip latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"opcode"}), "rotator_command_duration_seconds")
	if err != nil {
		return nil, err
	}

	ticks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_ticks_total",
		Help: "Tracking loop iterations, labeled by outcome.",
	}, []string{"result"}), "tracking_ticks_total")
	if err != nil {
		return nil, err
	}
	tickDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracking_tick_duration_seconds",
		Help:    "Tracking loop iteration time in seconds, including rotator I/O.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, nil), "tracking_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	azimuth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_azimuth_degrees",
		Help: "Last computed magnetic bearing to the target.",
	}), "tracking_azimuth_degrees")
	if err != nil {
		return nil, err
	}
	elevation, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_elevation_degrees",
		Help: "Last computed elevation to the target.",
	}), "tracking_elevation_degrees")
	if err != nil {
		return nil, err
	}
	distance, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_distance_meters",
		Help: "Surface distance from ground station to target.",
	}), "tracking_distance_meters")
	if err != nil {
		return nil, err
	}
	fixAge, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_fix_age_seconds",
		Help: "Age of the newest telemetry fix when the last solution was computed.",
	}), "tracking_fix_age_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		TelemetryRecords: records,
		RotatorCommands:  commands,
		RotatorDurations: durations,
		TrackingTicks:    ticks,
		TickDurations:    tickDurations,
		Azimuth:          azimuth,
		Elevation:        elevation,
		Distance:         distance,
		FixAge:           fixAge,
	}, nil
}

func (c *Collector) ObservePacket(result string) {
	if c == nil || c.TelemetryRecords == nil {
		return
	}
	c.TelemetryRecords.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveRotator(op, result string, d time.Duration) {
	if c == nil {
		return
	}
	if c.RotatorCommands != nil {
		c.RotatorCommands.WithLabelValues(op, result).Inc()
	}
	if c.RotatorDurations != nil {
		c.RotatorDurations.WithLabelValues(op).Observe(d.Seconds())
	}
}

func (c *Collector) ObserveTick(result string, d time.Duration) {
	if c == nil {
		return
	}
	if c.TrackingTicks != nil {
		c.TrackingTicks.WithLabelValues(result).Inc()
	}
	if c.TickDurations != nil {
		c.TickDurations.WithLabelValues().Observe(d.Seconds())
	}
}

// PublishSolution drives the pointing gauges.
func (c *Collector) PublishSolution(s tracking.Solution) {
	if c == nil || s.Result == tracking.ResultNoAir {
		return
	}
	c.Azimuth.Set(s.Horizontal)
	if s.Vertical != nil {
		c.Elevation.Set(*s.Vertical)
	}
	c.Distance.Set(s.DistanceM)
	c.FixAge.Set(s.FixAgeSeconds)
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
