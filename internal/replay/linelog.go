// Package replay records raw telemetry lines with their arrival times and
// plays them back into the ingestor.
package replay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log format: line-oriented text.
//
//   - Blank lines and lines starting with '#' are ignored.
//   - "START" resets the origin; the next record is relative to 0 again.
//   - Data lines are <t_ns>,<raw telemetry line> where t_ns is nanoseconds
//     since START. Only the first comma separates; the raw line keeps its own.

type Record struct {
	At   time.Duration
	Line []byte // nil for a START marker
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimRight(s.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if trimmed == "START" {
			recs = append(recs, Record{})
			continue
		}

		comma := strings.IndexByte(line, ',')
		if comma < 0 {
			return nil, fmt.Errorf("line %d: missing comma: %q", n, line)
		}
		tsStr := strings.TrimSpace(line[:comma])
		raw := line[comma+1:]
		if tsStr == "" || strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("line %d: empty field: %q", n, line)
		}
		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid timestamp %q: %w", n, tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("line %d: negative timestamp %d", n, tsNs)
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Line: []byte(raw)})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Load reads a whole log file.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer appends telemetry lines to a log. It satisfies telemetry.Recorder.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	start     time.Time
	lastFlush time.Time
	closed    bool
}

const flushEvery = time.Second

// CreateWriter appends to path, writing a START marker so earlier sessions
// in the same file keep their own timeline.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	now := time.Now()
	if _, err := fmt.Fprintf(bw, "# antenna-tracker telemetry %s\nSTART\n", now.UTC().Format(time.RFC3339)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: now, lastFlush: now}, nil
}

func (ww *Writer) WriteLine(now time.Time, line []byte) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	if bytes.IndexByte(line, '\n') >= 0 {
		return errors.New("line contains a newline")
	}

	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	if _, err := fmt.Fprintf(ww.w, "%d,", d.Nanoseconds()); err != nil {
		return err
	}
	if _, err := ww.w.Write(line); err != nil {
		return err
	}
	if err := ww.w.WriteByte('\n'); err != nil {
		return err
	}
	if now.Sub(ww.lastFlush) >= flushEvery {
		ww.lastFlush = now
		return ww.w.Flush()
	}
	return nil
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}
