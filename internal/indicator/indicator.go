// Package indicator drives a "locked on" LED from the tracking solutions.
package indicator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"antenna-tracker/internal/tracking"
)

type Mode int32

const (
	ModeOff Mode = iota
	ModeSolid
	ModeBlink
)

func (m Mode) String() string {
	switch m {
	case ModeSolid:
		return "solid"
	case ModeBlink:
		return "blink"
	default:
		return "off"
	}
}

// output is the single digital line the indicator toggles.
type output interface {
	Set(on bool) error
	Close() error
}

type Config struct {
	// Chip is a gpiochip name or path. "auto" scans every chip for a line
	// named GPIO<Line>, using BCM numbering.
	Chip string
	Line int

	// BlinkOnStale flashes instead of going dark while a fix exists but the
	// rotator is not being commanded.
	BlinkOnStale bool
	BlinkPeriod  time.Duration
}

type Option func(*Indicator)

func WithLogger(l *slog.Logger) Option {
	return func(i *Indicator) {
		if l != nil {
			i.log = l
		}
	}
}

// Indicator implements tracking.Sink.
type Indicator struct {
	cfg  Config
	log  *slog.Logger
	out  output
	mode atomic.Int32

	wake     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, opts ...Option) (*Indicator, error) {
	out, err := openLineFn(cfg.Chip, cfg.Line)
	if err != nil {
		return nil, err
	}
	return newIndicator(cfg, out, opts...), nil
}

func newIndicator(cfg Config, out output, opts ...Option) *Indicator {
	if cfg.BlinkPeriod <= 0 {
		cfg.BlinkPeriod = time.Second
	}
	i := &Indicator{
		cfg:    cfg,
		log:    slog.Default(),
		out:    out,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ModeFor maps a tick outcome onto the LED.
func ModeFor(result string, blinkOnStale bool) Mode {
	switch result {
	case tracking.ResultCommanded:
		return ModeSolid
	case tracking.ResultNoAir, "":
		return ModeOff
	default:
		if blinkOnStale {
			return ModeBlink
		}
		return ModeOff
	}
}

func (i *Indicator) Mode() Mode { return Mode(i.mode.Load()) }

func (i *Indicator) PublishSolution(s tracking.Solution) {
	m := ModeFor(s.Result, i.cfg.BlinkOnStale)
	if Mode(i.mode.Swap(int32(m))) == m {
		return
	}
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Start runs the LED loop until ctx is done or Close is called.
func (i *Indicator) Start(ctx context.Context) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.loop(ctx)
	}()
}

func (i *Indicator) loop(ctx context.Context) {
	half := i.cfg.BlinkPeriod / 2
	ticker := time.NewTicker(half)
	defer ticker.Stop()

	lit := false
	var lastErr string
	set := func(on bool) {
		if on == lit {
			return
		}
		if err := i.out.Set(on); err != nil {
			if err.Error() != lastErr {
				i.log.Warn("indicator write failed", "err", err)
				lastErr = err.Error()
			}
			return
		}
		lastErr = ""
		lit = on
	}

	for {
		switch i.Mode() {
		case ModeSolid:
			set(true)
		case ModeOff:
			set(false)
		}
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		case <-i.wake:
		case <-ticker.C:
			if i.Mode() == ModeBlink {
				set(!lit)
			}
		}
	}
}

// Close stops the loop, turns the LED off and releases the line.
func (i *Indicator) Close() error {
	var err error
	i.stopOnce.Do(func() {
		close(i.stopCh)
		i.wg.Wait()
		_ = i.out.Set(false)
		err = i.out.Close()
	})
	return err
}
