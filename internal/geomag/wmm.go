package geomag

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"

	"antenna-tracker/internal/geodesy"
)

// wmmLastYear is the end of the bundled coefficient set (WMM2020). Later
// dates are evaluated here when the model refuses them.
const wmmLastYear = 2024.99

// wmmDeclinationFn is replaced in tests.
var wmmDeclinationFn = wmmDeclination

// WMM evaluates the World Magnetic Model at the ground station.
type WMM struct {
	// Fallback answers when the model cannot be evaluated. Nil means zero.
	Fallback geodesy.DeclinationProvider

	log    *slog.Logger
	warned atomic.Bool
}

func NewWMM(fallback geodesy.DeclinationProvider, log *slog.Logger) *WMM {
	if log == nil {
		log = slog.Default()
	}
	return &WMM{Fallback: fallback, log: log.With("component", "geomag")}
}

func (w *WMM) Declination(latDeg, lonDeg, altM, year float64) float64 {
	d, err := wmmDeclinationFn(latDeg, lonDeg, altM, year)
	if err != nil && year > wmmLastYear {
		d, err = wmmDeclinationFn(latDeg, lonDeg, altM, wmmLastYear)
	}
	if err == nil {
		return d
	}
	if w.warned.CompareAndSwap(false, true) {
		w.log.Warn("wmm declination unavailable, using fallback", "lat", latDeg, "lon", lonDeg, "year", year, "err", err)
	}
	if w.Fallback == nil {
		return 0
	}
	return w.Fallback.Declination(latDeg, lonDeg, altM, year)
}

func wmmDeclination(latDeg, lonDeg, altM, year float64) (float64, error) {
	loc := egm96.NewLocationGeodetic(latDeg, lonDeg, altM)
	mag, err := wmm.CalculateWMMMagneticField(loc, yearToTime(year))
	if err != nil {
		return 0, err
	}
	return mag.D(), nil
}

// yearToTime inverts geodesy.FractionalYear to within a few minutes.
func yearToTime(year float64) time.Time {
	if math.IsNaN(year) || math.IsInf(year, 0) {
		return time.Now().UTC()
	}
	y := math.Floor(year)
	start := time.Date(int(y), time.January, 1, 0, 0, 0, 0, time.UTC)
	length := start.AddDate(1, 0, 0).Sub(start)
	return start.Add(time.Duration((year - y) * float64(length)))
}
