package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Ground    GroundConfig    `yaml:"ground"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Rotator   RotatorConfig   `yaml:"rotator"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Magnetic  MagneticConfig  `yaml:"magnetic"`
	Web       WebConfig       `yaml:"web"`
	Display   DisplayConfig   `yaml:"display"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Record    RecordConfig    `yaml:"record"`
	Replay    ReplayConfig    `yaml:"replay"`
	Sim       SimConfig       `yaml:"sim"`
}

// GroundConfig is the antenna position. Altitude nil means unknown.
type GroundConfig struct {
	LatDeg float64  `yaml:"latitude"`
	LonDeg float64  `yaml:"longitude"`
	AltM   *float64 `yaml:"altitude"`

	// Persist writes ground changes made over HTTP back to the config file.
	Persist bool `yaml:"persist"`

	// GPS follows a receiver at the antenna instead of the fixed position.
	GPS GroundGPSConfig `yaml:"gps,omitempty"`
}

type GroundGPSConfig struct {
	Enable bool `yaml:"enable"`

	// Source is "nmea" (serial) or "gpsd".
	Source         string  `yaml:"source,omitempty"`
	Device         string  `yaml:"device,omitempty"`
	Baud           int     `yaml:"baud,omitempty"`
	GPSDAddr       string  `yaml:"gpsd_addr,omitempty"`
	MinSatellites  int     `yaml:"min_satellites,omitempty"`
	MoveThresholdM float64 `yaml:"move_threshold_m,omitempty"`
}

type TelemetryConfig struct {
	Enable *bool `yaml:"enable"`

	// Source is "serial" or "sim".
	Source       string        `yaml:"source"`
	Device       string        `yaml:"device"`
	Baud         int           `yaml:"baud"`
	Checksum     string        `yaml:"checksum"`
	MaxLineBytes int           `yaml:"max_line_bytes"`
	Reconnect    time.Duration `yaml:"reconnect"`
}

type RotatorConfig struct {
	Enable *bool `yaml:"enable"`

	// Device is a serial path, empty for auto-detect, or "sim".
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Retry is how often a missing rotator is dialed again. Zero disables.
	Retry time.Duration `yaml:"retry"`

	// MaxFailures is how many round trips in a row may break off before a
	// session is dropped and dialed again. Only used when Retry is set.
	MaxFailures int `yaml:"max_failures"`
}

type TrackingConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxFixAge         time.Duration `yaml:"max_fix_age"`
	ElevationModel    string        `yaml:"elevation_model"`
	AllowUncalibrated bool          `yaml:"allow_uncalibrated"`
}

type MagneticConfig struct {
	// Model is wmm, none, fixed or secular. With wmm, DeclinationDeg is
	// used only when the model cannot be evaluated.
	Model           string  `yaml:"model"`
	DeclinationDeg  float64 `yaml:"declination_deg"`
	EpochYear       float64 `yaml:"epoch_year"`
	AnnualChangeDeg float64 `yaml:"annual_change_deg"`
}

type WebConfig struct {
	Enable *bool  `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type DisplayConfig struct {
	// UDPDest receives one JSON datagram per solution when set.
	UDPDest string `yaml:"udp_dest"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File enables a rotating log file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`

	// BufferLines is the size of the in-memory tail served over HTTP.
	BufferLines int `yaml:"buffer_lines"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable"`
}

type TracingConfig struct {
	Enable      bool    `yaml:"enable"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type IndicatorConfig struct {
	Enable bool   `yaml:"enable"`
	Chip   string `yaml:"chip"`
	Line   int    `yaml:"line"`

	// BlinkOnStale flashes the LED while the fix is stale instead of turning it off.
	BlinkOnStale bool `yaml:"blink_on_stale"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type SimConfig struct {
	Flight FlightSimConfig `yaml:"flight"`
}

// FlightSimConfig describes a synthetic ascent and descent downrange of the
// ground station.
type FlightSimConfig struct {
	ApogeeM        float64       `yaml:"apogee_m"`
	AscentRateMps  float64       `yaml:"ascent_rate_mps"`
	DescentRateMps float64       `yaml:"descent_rate_mps"`
	DriftMps       float64       `yaml:"drift_mps"`
	DriftBearing   float64       `yaml:"drift_bearing_deg"`
	Rate           time.Duration `yaml:"rate"`

	// CorruptEvery damages the checksum of every Nth record; zero disables.
	CorruptEvery int  `yaml:"corrupt_every"`
	Loop         bool `yaml:"loop"`

	// Script is an optional YAML keyframe flight; when set it replaces the
	// parametric ascent and descent.
	Script string `yaml:"script"`
}

func boolPtr(v bool) *bool { return &v }

// Enabled reports a tri-state enable flag, defaulting to true.
func Enabled(b *bool) bool { return b == nil || *b }

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, rejecting unknown fields, then applies defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			msgs := trimYAMLLinePrefix(te.Errors)
			if allUnknownField(msgs) {
				return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
			}
			return Config{}, fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// trimYAMLLinePrefix drops the "line N: " prefix yaml.v3 puts on each error.
func trimYAMLLinePrefix(errs []string) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if i := strings.Index(e, ": "); i >= 0 && strings.HasPrefix(e, "line ") {
			e = e[i+2:]
		}
		out = append(out, e)
	}
	return out
}

func allUnknownField(msgs []string) bool {
	for _, m := range msgs {
		if !strings.Contains(m, "not found in type") {
			return false
		}
	}
	return len(msgs) > 0
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	_ = DefaultAndValidate(&cfg)
	return cfg
}

// DefaultAndValidate fills unset fields and rejects invalid combinations.
// Error messages name the offending YAML key.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// Ground: the club's launch site unless configured.
	if cfg.Ground.LatDeg == 0 && cfg.Ground.LonDeg == 0 && cfg.Ground.AltM == nil {
		cfg.Ground.LatDeg = 40.82320
		cfg.Ground.LonDeg = -96.69693
		alt := 1381.0
		cfg.Ground.AltM = &alt
	}
	if cfg.Ground.LatDeg < -90 || cfg.Ground.LatDeg > 90 {
		return fmt.Errorf("ground.latitude must be within [-90, 90]")
	}
	if cfg.Ground.LonDeg < -180 || cfg.Ground.LonDeg > 180 {
		return fmt.Errorf("ground.longitude must be within [-180, 180]")
	}

	if g := &cfg.Ground.GPS; g.Enable {
		g.Source = strings.ToLower(strings.TrimSpace(g.Source))
		if g.Source == "" {
			g.Source = "nmea"
		}
		g.Device = strings.TrimSpace(g.Device)
		g.GPSDAddr = strings.TrimSpace(g.GPSDAddr)
		switch g.Source {
		case "nmea":
			if g.Device == "" {
				return fmt.Errorf("ground.gps.device is required when ground.gps.source is nmea")
			}
			if g.Baud == 0 {
				g.Baud = 9600
			}
			if g.Baud < 0 {
				return fmt.Errorf("ground.gps.baud must be > 0")
			}
		case "gpsd":
			if g.GPSDAddr == "" {
				g.GPSDAddr = "127.0.0.1:2947"
			}
			if _, _, err := net.SplitHostPort(g.GPSDAddr); err != nil {
				return fmt.Errorf("ground.gps.gpsd_addr must be host:port: %w", err)
			}
		default:
			return fmt.Errorf("ground.gps.source must be nmea or gpsd")
		}
		if g.MinSatellites < 0 {
			return fmt.Errorf("ground.gps.min_satellites must be >= 0")
		}
		if g.MoveThresholdM == 0 {
			g.MoveThresholdM = 5
		}
		if g.MoveThresholdM < 0 {
			return fmt.Errorf("ground.gps.move_threshold_m must be >= 0")
		}
	}

	// Telemetry.
	if cfg.Telemetry.Enable == nil {
		cfg.Telemetry.Enable = boolPtr(true)
	}
	cfg.Telemetry.Source = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Source))
	if cfg.Telemetry.Source == "" {
		cfg.Telemetry.Source = "serial"
	}
	if cfg.Telemetry.Source != "serial" && cfg.Telemetry.Source != "sim" {
		return fmt.Errorf("telemetry.source must be serial or sim")
	}
	if cfg.Telemetry.Baud == 0 {
		cfg.Telemetry.Baud = 57600
	}
	if cfg.Telemetry.Baud < 0 {
		return fmt.Errorf("telemetry.baud must be > 0")
	}
	cfg.Telemetry.Checksum = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Checksum))
	if cfg.Telemetry.Checksum == "" {
		cfg.Telemetry.Checksum = "crc32"
	}
	if cfg.Telemetry.Checksum != "crc32" && cfg.Telemetry.Checksum != "crc8" {
		return fmt.Errorf("telemetry.checksum must be crc32 or crc8")
	}
	if cfg.Telemetry.MaxLineBytes <= 0 {
		cfg.Telemetry.MaxLineBytes = 64 * 1024
	}
	if cfg.Telemetry.Reconnect <= 0 {
		cfg.Telemetry.Reconnect = 500 * time.Millisecond
	}

	// Rotator.
	if cfg.Rotator.Enable == nil {
		cfg.Rotator.Enable = boolPtr(true)
	}
	cfg.Rotator.Device = strings.TrimSpace(cfg.Rotator.Device)
	if cfg.Rotator.Baud == 0 {
		cfg.Rotator.Baud = 115200
	}
	if cfg.Rotator.Baud < 0 {
		return fmt.Errorf("rotator.baud must be > 0")
	}
	if cfg.Rotator.ReadTimeout == 0 {
		cfg.Rotator.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.Rotator.ReadTimeout < 0 {
		return fmt.Errorf("rotator.read_timeout must be > 0")
	}
	if cfg.Rotator.Retry < 0 {
		return fmt.Errorf("rotator.retry must be >= 0")
	}
	if cfg.Rotator.MaxFailures == 0 {
		cfg.Rotator.MaxFailures = 5
	}
	if cfg.Rotator.MaxFailures < 0 {
		return fmt.Errorf("rotator.max_failures must be > 0")
	}
	if Enabled(cfg.Telemetry.Enable) && Enabled(cfg.Rotator.Enable) &&
		cfg.Telemetry.Source == "serial" && cfg.Telemetry.Device != "" &&
		cfg.Telemetry.Device == cfg.Rotator.Device {
		return fmt.Errorf("telemetry.device and rotator.device must differ")
	}
	if g := cfg.Ground.GPS; g.Enable && g.Source == "nmea" {
		if (Enabled(cfg.Telemetry.Enable) && cfg.Telemetry.Source == "serial" && g.Device == cfg.Telemetry.Device) ||
			(Enabled(cfg.Rotator.Enable) && g.Device == cfg.Rotator.Device) {
			return fmt.Errorf("ground.gps.device must differ from telemetry.device and rotator.device")
		}
	}

	// Tracking.
	if cfg.Tracking.Interval == 0 {
		cfg.Tracking.Interval = 500 * time.Millisecond
	}
	if cfg.Tracking.Interval < 0 {
		return fmt.Errorf("tracking.interval must be > 0")
	}
	if cfg.Tracking.MaxFixAge < 0 {
		return fmt.Errorf("tracking.max_fix_age must be >= 0")
	}
	cfg.Tracking.ElevationModel = strings.ToLower(strings.TrimSpace(cfg.Tracking.ElevationModel))
	if cfg.Tracking.ElevationModel == "" {
		cfg.Tracking.ElevationModel = "flat"
	}
	if cfg.Tracking.ElevationModel != "flat" && cfg.Tracking.ElevationModel != "topocentric" {
		return fmt.Errorf("tracking.elevation_model must be flat or topocentric")
	}

	// Magnetic.
	cfg.Magnetic.Model = strings.ToLower(strings.TrimSpace(cfg.Magnetic.Model))
	if cfg.Magnetic.Model == "" {
		cfg.Magnetic.Model = "wmm"
	}
	switch cfg.Magnetic.Model {
	case "wmm", "none", "fixed":
	case "secular":
		if cfg.Magnetic.EpochYear <= 0 {
			return fmt.Errorf("magnetic.epoch_year is required when magnetic.model is secular")
		}
	default:
		return fmt.Errorf("magnetic.model must be wmm, none, fixed or secular")
	}

	// Web.
	if cfg.Web.Enable == nil {
		cfg.Web.Enable = boolPtr(true)
	}
	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}

	// Display.
	cfg.Display.UDPDest = strings.TrimSpace(cfg.Display.UDPDest)
	if cfg.Display.UDPDest != "" {
		if _, _, err := net.SplitHostPort(cfg.Display.UDPDest); err != nil {
			return fmt.Errorf("display.udp_dest must be host:port: %w", err)
		}
	}

	// Log.
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 28
	}
	if cfg.Log.BufferLines <= 0 {
		cfg.Log.BufferLines = 500
	}

	// Tracing.
	cfg.Tracing.Exporter = strings.ToLower(strings.TrimSpace(cfg.Tracing.Exporter))
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "stdout"
	}
	if cfg.Tracing.Exporter != "stdout" && cfg.Tracing.Exporter != "otlp" {
		return fmt.Errorf("tracing.exporter must be stdout or otlp")
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "antenna-tracker"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}

	// Indicator.
	if cfg.Indicator.Enable {
		if cfg.Indicator.Chip == "" {
			cfg.Indicator.Chip = "gpiochip0"
		}
		if cfg.Indicator.Line < 0 {
			return fmt.Errorf("indicator.line must be >= 0")
		}
	}

	// Record / replay.
	if cfg.Record.Enable && strings.TrimSpace(cfg.Record.Path) == "" {
		return fmt.Errorf("record.path is required when record.enable is true")
	}
	if cfg.Replay.Enable {
		if strings.TrimSpace(cfg.Replay.Path) == "" {
			return fmt.Errorf("replay.path is required when replay.enable is true")
		}
		if cfg.Replay.Speed == 0 {
			cfg.Replay.Speed = 1
		}
		if cfg.Replay.Speed < 0 {
			return fmt.Errorf("replay.speed must be > 0")
		}
	}
	if cfg.Record.Enable && cfg.Replay.Enable {
		return fmt.Errorf("record and replay cannot both be enabled")
	}

	// Flight simulator defaults (safe even if unused).
	f := &cfg.Sim.Flight
	if f.ApogeeM <= 0 {
		f.ApogeeM = 3000
	}
	if f.AscentRateMps <= 0 {
		f.AscentRateMps = 150
	}
	if f.DescentRateMps <= 0 {
		f.DescentRateMps = 20
	}
	if f.DriftMps == 0 {
		f.DriftMps = 8
	}
	if f.Rate <= 0 {
		f.Rate = 200 * time.Millisecond
	}
	f.Script = strings.TrimSpace(f.Script)
	if f.CorruptEvery < 0 {
		return fmt.Errorf("sim.flight.corrupt_every must be >= 0")
	}

	return nil
}

// Save writes cfg to path atomically. The config is validated first.
func Save(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is empty")
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	// Temp file in the same directory so the rename is atomic.
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
