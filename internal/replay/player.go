package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play calls cb for every data record, waiting out the recorded gaps.
// START markers reset the origin.
//
// speed: 1.0 = real time, 2.0 = twice as fast, 0.5 = half speed.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(line []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	data := 0
	for _, r := range records {
		if r.Line != nil {
			data++
		}
	}
	if data == 0 {
		return errors.New("no records")
	}

	for {
		var origin, lastAt time.Duration
		haveLast := false

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Line == nil {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := max(r.At-origin, 0)
			if haveLast {
				wait := time.Duration(float64(max(at-lastAt, 0)) / speed)
				if wait > 0 {
					if err := sleeper.Sleep(ctx, wait); err != nil {
						return err
					}
				}
			}
			if err := cb(r.Line); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

// Source streams records as newline-terminated telemetry, so the ingestor
// reads a replay exactly like a serial port.
type Source struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewSource(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper) *Source {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &Source{pr: pr, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		err := Play(ctx, records, speed, loop, sleeper, func(line []byte) error {
			buf := make([]byte, 0, len(line)+1)
			buf = append(buf, line...)
			buf = append(buf, '\n')
			_, err := pw.Write(buf)
			return err
		})
		s.err = err
		if err == nil || errors.Is(err, context.Canceled) {
			_ = pw.Close()
			return
		}
		_ = pw.CloseWithError(err)
	}()
	return s
}

func (s *Source) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Close stops playback and unblocks any pending Read.
func (s *Source) Close() error {
	s.cancel()
	_ = s.pr.Close()
	<-s.done
	return nil
}

// Err reports why playback ended; nil for a clean finish or Close.
func (s *Source) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if errors.Is(s.err, context.Canceled) || errors.Is(s.err, io.ErrClosedPipe) {
		return nil
	}
	return s.err
}
