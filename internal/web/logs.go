package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogBuffer keeps the most recent log lines in a fixed ring. It is an
// io.Writer so it can sit behind the slog handler next to stderr.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []string
	next    int
	full    bool
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{ring: make([]string, maxLines)}
}

// Write splits p on newlines; a trailing fragment is held until its newline
// arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	if len(b.partial) > 0 {
		data = append(b.partial, p...)
		b.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLocked(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	if len(data) > 0 {
		b.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

func (b *LogBuffer) appendLocked(line string) {
	if line == "" {
		return
	}
	if b.full {
		b.dropped++
	}
	b.ring[b.next] = line
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
}

// Snapshot returns up to tail of the newest lines, oldest first. When contains
// is non-empty only matching lines are considered.
func (b *LogBuffer) Snapshot(tail int, contains string) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = 200
	}
	n := b.next
	if b.full {
		n = len(b.ring)
	}
	out := make([]string, 0, min(tail, n))
	for i := 0; i < n && len(out) < tail; i++ {
		idx := (b.next - 1 - i + len(b.ring)) % len(b.ring)
		line := b.ring[idx]
		if contains != "" && !strings.Contains(line, contains) {
			continue
		}
		out = append(out, line)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, b.dropped
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}

		q := r.URL.Query()
		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}

		lines, dropped := b.Snapshot(tail, q.Get("contains"))
		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}
		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
