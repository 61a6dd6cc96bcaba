package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"antenna-tracker/internal/geodesy"
	"antenna-tracker/internal/replay"
	"antenna-tracker/internal/telemetry"
)

type logSummary struct {
	Segments        int
	Lines           int
	Valid           int
	NoGPS           int
	DecodeErrors    int
	IntegrityErrors int
	MaxDuration     time.Duration
	FirstFix        *geodesy.Point
	LastFix         *geodesy.Point
}

func summarizeTelemetryLog(records []replay.Record, sum telemetry.ChecksumFn) logSummary {
	var s logSummary
	if len(records) == 0 {
		return s
	}

	origin := time.Duration(0)
	hasLines := false
	segments := 0

	for _, r := range records {
		if r.Line == nil {
			segments++
			origin = r.At
			continue
		}
		hasLines = true

		s.Lines++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		pkt, err := telemetry.ParseLine(r.Line, sum)
		var ie *telemetry.IntegrityError
		switch {
		case errors.As(err, &ie):
			s.IntegrityErrors++
		case err != nil:
			s.DecodeErrors++
		case pkt.GPS == nil:
			s.NoGPS++
		default:
			s.Valid++
			fix := *pkt.GPS
			if s.FirstFix == nil {
				s.FirstFix = &fix
			}
			s.LastFix = &fix
		}
	}
	if segments == 0 && hasLines {
		segments = 1
	}
	s.Segments = segments
	return s
}

func printLogSummary(w io.Writer, path, checksum string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	sum, err := telemetry.ChecksumByName(checksum)
	if err != nil {
		return err
	}
	recs, err := replay.Load(path)
	if err != nil {
		return err
	}

	s := summarizeTelemetryLog(recs, sum)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "lines: %d\n", s.Lines)
	fmt.Fprintf(w, "valid: %d\n", s.Valid)
	fmt.Fprintf(w, "no_gps: %d\n", s.NoGPS)
	fmt.Fprintf(w, "decode_errors: %d\n", s.DecodeErrors)
	fmt.Fprintf(w, "integrity_errors: %d\n", s.IntegrityErrors)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	if s.FirstFix != nil {
		fmt.Fprintf(w, "first_fix: %s\n", s.FirstFix)
		fmt.Fprintf(w, "last_fix: %s\n", s.LastFix)
		if alt, ok := s.LastFix.Alt(); ok {
			fmt.Fprintf(w, "last_alt_ft: %.0f\n", geodesy.MetersToFeet(alt))
		}
	}
	return nil
}
