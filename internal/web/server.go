// Package web is the HTTP surface of the tracker: status, the operator's
// ground position, rotator maintenance actions, logs, metrics and a
// WebSocket push of pointing solutions.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Deps are the collaborators the HTTP surface reads from. Nil members turn
// their routes off (404) except for Status, which is always served.
type Deps struct {
	Status  *Status
	Ground  GroundStore
	Rotator RotatorProvider
	Hub     *Hub
	Logs    *LogBuffer
	Metrics http.Handler
	Log     *slog.Logger
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, d.Status.Snapshot(time.Now().UTC()))
	})

	if d.Ground.State != nil {
		mux.Handle("/api/ground", d.Ground.Handler())
	}

	rh := rotatorHandlers{get: d.Rotator, log: d.Log.With("component", "web.rotator")}
	mux.HandleFunc("/api/rotator", rh.status)
	mux.HandleFunc("/api/rotator/halt", rh.halt)
	mux.HandleFunc("/api/rotator/calibrate", rh.calibrate)
	mux.HandleFunc("/api/rotator/move", rh.move)
	mux.HandleFunc("/api/rotator/steps", rh.steps)

	if d.Hub != nil {
		mux.Handle("/ws", d.Hub)
	}
	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
	mux.Handle("/api/about", AboutHandler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexHTML))
	})

	return mux
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

const indexHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>antenna-tracker</title>
<style>body{font-family:monospace;margin:2em}td{padding:0 1em}</style></head>
<body>
<h1>antenna-tracker</h1>
<table>
<tr><td>result</td><td id="result">-</td></tr>
<tr><td>horizontal</td><td id="horizontal">-</td></tr>
<tr><td>vertical</td><td id="vertical">-</td></tr>
<tr><td>distance m</td><td id="distance">-</td></tr>
<tr><td>fix age s</td><td id="age">-</td></tr>
</table>
<p><a href="/api/status">status</a> <a href="/api/rotator">rotator</a> <a href="/api/logs?format=text">logs</a></p>
<script>
function connect(){
  const ws = new WebSocket((location.protocol==="https:"?"wss://":"ws://")+location.host+"/ws");
  ws.onmessage = (ev) => {
    const s = JSON.parse(ev.data);
    document.getElementById("result").textContent = s.result;
    document.getElementById("horizontal").textContent = s.horizontal_deg.toFixed(1);
    document.getElementById("vertical").textContent = s.vertical_deg === undefined ? "n/a" : s.vertical_deg.toFixed(1);
    document.getElementById("distance").textContent = s.distance_m.toFixed(0);
    document.getElementById("age").textContent = s.fix_age_s.toFixed(1);
  };
  ws.onclose = () => setTimeout(connect, 2000);
}
connect();
</script>
</body></html>
`
