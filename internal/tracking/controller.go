package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"antenna-tracker/internal/geodesy"
)

// Elevation models.
const (
	ModelFlat        = "flat"
	ModelTopocentric = "topocentric"
)

// Tick outcomes reported to Metrics and carried in Solution.Result.
const (
	ResultNoAir        = "no_air"
	ResultNoAltitude   = "no_altitude"
	ResultStale        = "stale"
	ResultNoRotator    = "no_rotator"
	ResultUncalibrated = "uncalibrated"
	ResultCommanded    = "commanded"
	ResultRotatorError = "rotator_error"
)

// Rotator is the part of a rotator session the loop drives.
type Rotator interface {
	Calibrated() bool
	SetPositionVertical(ctx context.Context, deg float64) error
	SetPositionHorizontal(ctx context.Context, deg float64) error
}

// Sink receives every computed pointing solution.
type Sink interface {
	PublishSolution(Solution)
}

type SinkFunc func(Solution)

func (f SinkFunc) PublishSolution(s Solution) { f(s) }

type Metrics interface {
	ObserveTick(result string, d time.Duration)
}

// Solution is one tick's pointing vector plus the context it came from.
type Solution struct {
	Time   time.Time `json:"time"`
	Result string    `json:"result"`
	Model  string    `json:"model"`

	// Horizontal is the magnetic bearing to the target in (-180, 180].
	Horizontal float64 `json:"horizontal_deg"`
	// Vertical is nil when an altitude is unknown.
	Vertical *float64 `json:"vertical_deg,omitempty"`

	DistanceM      float64  `json:"distance_m"`
	AltitudeDeltaM *float64 `json:"altitude_delta_m,omitempty"`
	RangeM         float64  `json:"range_m,omitempty"`

	Ground geodesy.Point `json:"ground"`
	Air    geodesy.Point `json:"air"`

	FixAgeSeconds float64 `json:"fix_age_s"`
	Commanded     bool    `json:"commanded"`
	Error         string  `json:"error,omitempty"`
}

type Config struct {
	Interval time.Duration

	// MaxFixAge stops commanding the rotator once the newest fix is older.
	// Zero disables the check.
	MaxFixAge time.Duration

	ElevationModel string

	// AllowUncalibrated sends positions even while the controller reports
	// itself uncalibrated.
	AllowUncalibrated bool
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithSinks(sinks ...Sink) Option {
	return func(c *Controller) { c.sinks = append(c.sinks, sinks...) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller runs the periodic tracking loop.
type Controller struct {
	state   *State
	engine  geodesy.Engine
	cfg     Config
	log     *slog.Logger
	metrics Metrics
	sinks   []Sink
	now     func() time.Time

	mu       sync.Mutex
	rot      Rotator
	last     Solution
	hasLast  bool
	ticks    uint64
	lastErr  string
	rotFails uint64
}

func NewController(state *State, engine geodesy.Engine, cfg Config, opts ...Option) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.ElevationModel == "" {
		cfg.ElevationModel = ModelFlat
	}
	c := &Controller{
		state:  state,
		engine: engine,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "tracking")
	return c
}

// AttachRotator makes the loop command r from the next tick on.
func (c *Controller) AttachRotator(r Rotator) {
	c.mu.Lock()
	c.rot = r
	c.lastErr = ""
	c.mu.Unlock()
}

// DetachRotator returns the loop to display-only operation.
func (c *Controller) DetachRotator() Rotator {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rot
	c.rot = nil
	return r
}

func (c *Controller) Rotator() Rotator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rot
}

// Last returns the newest published solution.
func (c *Controller) Last() (Solution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Run ticks every Interval until ctx is done. The next tick is armed only
// after the previous one returns, so ticks never overlap and a slow rotator
// stretches the period instead of queueing work.
func (c *Controller) Run(ctx context.Context) error {
	if c == nil || c.state == nil {
		return fmt.Errorf("controller has no state")
	}
	c.log.Info("tracking loop started", "interval", c.cfg.Interval.String(), "model", c.cfg.ElevationModel)

	timer := time.NewTimer(c.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("tracking loop stopped")
			return nil
		case <-timer.C:
		}
		c.Tick(ctx, c.now())
		timer.Reset(c.cfg.Interval)
	}
}

// Tick runs one iteration. It reports false when there was no air position
// yet and nothing was published.
func (c *Controller) Tick(ctx context.Context, now time.Time) (Solution, bool) {
	start := time.Now()
	snap := c.state.Snapshot()
	if !snap.HasAir {
		c.observe(ResultNoAir, start)
		return Solution{}, false
	}

	sol := Solution{
		Time:   now.UTC(),
		Model:  c.cfg.ElevationModel,
		Ground: snap.Ground,
		Air:    snap.Air,
	}
	if !snap.LastFix.IsZero() {
		sol.FixAgeSeconds = now.Sub(snap.LastFix).Seconds()
	}
	sol.DistanceM = geodesy.Distance(snap.Ground, snap.Air)
	if d, ok := geodesy.AltitudeDelta(snap.Ground, snap.Air); ok {
		sol.AltitudeDeltaM = &d
	}

	vert, err := c.solve(&sol, now)
	switch {
	case errors.Is(err, geodesy.ErrMissingAltitude):
		sol.Result = ResultNoAltitude
	case err != nil:
		sol.Result = ResultNoAltitude
		sol.Error = err.Error()
	default:
		sol.Vertical = &vert
		sol.Result = c.command(ctx, &sol, vert, now.Sub(snap.LastFix))
	}

	c.mu.Lock()
	c.last = sol
	c.hasLast = true
	c.ticks++
	c.mu.Unlock()

	for _, s := range c.sinks {
		s.PublishSolution(sol)
	}
	c.observe(sol.Result, start)
	return sol, true
}

// solve fills the horizontal angle and returns the vertical one.
func (c *Controller) solve(sol *Solution, now time.Time) (float64, error) {
	if c.cfg.ElevationModel == ModelTopocentric {
		look, err := geodesy.TopocentricLookAngles(sol.Ground, sol.Air, now)
		if err != nil {
			sol.Horizontal = c.engine.MagneticBearing(sol.Ground, sol.Air, false)
			return 0, err
		}
		sol.RangeM = look.RangeM
		if look.RangeM == 0 {
			sol.Horizontal = c.engine.MagneticBearing(sol.Ground, sol.Air, false)
		} else {
			sol.Horizontal = geodesy.NormalizeSigned(look.AzimuthDeg + c.engine.DeclinationAt(sol.Ground))
		}
		return look.ElevationDeg, nil
	}
	sol.Horizontal = c.engine.MagneticBearing(sol.Ground, sol.Air, false)
	return geodesy.Elevation(sol.Ground, sol.Air)
}

// command sends vertical then horizontal. A rotator failure is logged and
// recorded on the solution; it never ends the loop.
func (c *Controller) command(ctx context.Context, sol *Solution, vert float64, fixAge time.Duration) string {
	c.mu.Lock()
	rot := c.rot
	c.mu.Unlock()

	if rot == nil {
		return ResultNoRotator
	}
	if c.cfg.MaxFixAge > 0 && fixAge > c.cfg.MaxFixAge {
		return ResultStale
	}
	if !c.cfg.AllowUncalibrated && !rot.Calibrated() {
		return ResultUncalibrated
	}

	err := rot.SetPositionVertical(ctx, vert)
	if err == nil {
		err = rot.SetPositionHorizontal(ctx, sol.Horizontal)
	}
	if err != nil {
		sol.Error = err.Error()
		c.noteRotatorError(err)
		return ResultRotatorError
	}
	sol.Commanded = true
	c.mu.Lock()
	if c.lastErr != "" {
		c.log.Info("rotator commands recovered")
		c.lastErr = ""
	}
	c.mu.Unlock()
	return ResultCommanded
}

// noteRotatorError logs at warn level only when the error changes, so a
// disconnected rotator does not flood the log twice a second.
func (c *Controller) noteRotatorError(err error) {
	c.mu.Lock()
	c.rotFails++
	repeat := c.lastErr == err.Error()
	c.lastErr = err.Error()
	c.mu.Unlock()
	if repeat {
		c.log.Debug("rotator command failed", "err", err)
		return
	}
	c.log.Warn("rotator command failed", "err", err)
}

func (c *Controller) observe(result string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveTick(result, time.Since(start))
	}
}

// Stats is a small status summary for the web surface.
type Stats struct {
	Ticks           uint64 `json:"ticks"`
	RotatorErrors   uint64 `json:"rotator_errors"`
	RotatorAttached bool   `json:"rotator_attached"`
	LastError       string `json:"last_error,omitempty"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Ticks:           c.ticks,
		RotatorErrors:   c.rotFails,
		RotatorAttached: c.rot != nil,
		LastError:       c.lastErr,
	}
}
