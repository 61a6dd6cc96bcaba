// Package geomag provides magnetic declination sources for the pointing engine.
//
// The default is the World Magnetic Model. A fixed value or a chart-style
// epoch value with annual drift can override it for sites that calibrate
// their own. Anything that satisfies geodesy.DeclinationProvider can be
// swapped in.
package geomag

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"antenna-tracker/internal/geodesy"
)

// Fixed returns the same declination everywhere, at any time.
type Fixed struct {
	Deg float64
}

func (f Fixed) Declination(latDeg, lonDeg, altM, year float64) float64 {
	return f.Deg
}

// Secular is a declination valid near one site, given at an epoch with a
// constant annual change (as printed on sectional charts).
type Secular struct {
	EpochYear       float64
	DeclinationDeg  float64
	AnnualChangeDeg float64
}

func (s Secular) Declination(latDeg, lonDeg, altM, year float64) float64 {
	if s.EpochYear == 0 || math.IsNaN(year) {
		return s.DeclinationDeg
	}
	return s.DeclinationDeg + s.AnnualChangeDeg*(year-s.EpochYear)
}

// Config selects a provider. Model is "wmm", "none", "fixed" or "secular".
// For wmm, DeclinationDeg is the fallback when the model cannot answer.
type Config struct {
	Model           string
	DeclinationDeg  float64
	EpochYear       float64
	AnnualChangeDeg float64
}

// FromConfig builds the provider described by cfg. An empty model is wmm.
func FromConfig(cfg Config, log *slog.Logger) (geodesy.DeclinationProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Model)) {
	case "", "wmm":
		return NewWMM(Fixed{Deg: cfg.DeclinationDeg}, log), nil
	case "none":
		return Fixed{}, nil
	case "fixed":
		return Fixed{Deg: cfg.DeclinationDeg}, nil
	case "secular":
		if cfg.EpochYear <= 0 {
			return nil, fmt.Errorf("geomag: secular model requires epoch_year")
		}
		return Secular{
			EpochYear:       cfg.EpochYear,
			DeclinationDeg:  cfg.DeclinationDeg,
			AnnualChangeDeg: cfg.AnnualChangeDeg,
		}, nil
	default:
		return nil, fmt.Errorf("geomag: unknown model %q", cfg.Model)
	}
}
