package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"antenna-tracker/internal/rotator"
)

// RotatorControl is the maintenance surface of a rotator session. Every call
// goes through the session's own serialisation, so HTTP actions interleave
// with the tracking loop one round trip at a time.
type RotatorControl interface {
	Device() string
	SessionID() string
	ProtocolVersion() string
	Calibrated() bool

	Position(ctx context.Context) (vertDeg, horizDeg float64, err error)
	Halt(ctx context.Context) error
	CalibrateVertical(ctx context.Context, persist bool) error
	CalibrateHorizontal(ctx context.Context) error
	Move(ctx context.Context, d rotator.Direction) error
	MoveVerticalSteps(ctx context.Context, steps int) error
	MoveHorizontalSteps(ctx context.Context, steps int) error
}

// RotatorProvider returns the current session or nil while none is attached.
type RotatorProvider func() RotatorControl

const rotatorActionTimeout = 5 * time.Second

type RotatorStatus struct {
	Available       bool     `json:"available"`
	Device          string   `json:"device,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
	Calibrated      bool     `json:"calibrated"`
	VerticalDeg     *float64 `json:"vertical_deg,omitempty"`
	HorizontalDeg   *float64 `json:"horizontal_deg,omitempty"`
	PositionError   string   `json:"position_error,omitempty"`
}

type rotatorHandlers struct {
	get RotatorProvider
	log *slog.Logger
}

// rotatorErrorCode maps session errors onto HTTP status codes.
func rotatorErrorCode(err error) int {
	var devErr *rotator.DeviceError
	switch {
	case errors.As(err, &devErr):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h rotatorHandlers) session(w http.ResponseWriter) RotatorControl {
	var rc RotatorControl
	if h.get != nil {
		rc = h.get()
	}
	if rc == nil {
		http.Error(w, "rotator not connected", http.StatusServiceUnavailable)
	}
	return rc
}

// run executes action against the session and writes the outcome.
func (h rotatorHandlers) run(w http.ResponseWriter, r *http.Request, name string, action func(context.Context, RotatorControl) error) {
	rc := h.session(w)
	if rc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), rotatorActionTimeout)
	defer cancel()
	if err := action(ctx, rc); err != nil {
		h.log.Warn("rotator action failed", "action", name, "err", err)
		http.Error(w, err.Error(), rotatorErrorCode(err))
		return
	}
	h.log.Info("rotator action", "action", name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": name})
}

func (h rotatorHandlers) status(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	var rc RotatorControl
	if h.get != nil {
		rc = h.get()
	}
	if rc == nil {
		writeJSON(w, http.StatusOK, RotatorStatus{})
		return
	}
	st := RotatorStatus{
		Available:       true,
		Device:          rc.Device(),
		SessionID:       rc.SessionID(),
		ProtocolVersion: rc.ProtocolVersion(),
		Calibrated:      rc.Calibrated(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), rotatorActionTimeout)
	defer cancel()
	if v, hz, err := rc.Position(ctx); err != nil {
		st.PositionError = err.Error()
	} else {
		st.VerticalDeg, st.HorizontalDeg = &v, &hz
	}
	writeJSON(w, http.StatusOK, st)
}

func (h rotatorHandlers) halt(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	h.run(w, r, "halt", func(ctx context.Context, rc RotatorControl) error { return rc.Halt(ctx) })
}

func (h rotatorHandlers) calibrate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	raw, err := decodeStrictObject(body, []string{"axis", "persist"}, []string{"axis"})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var axis string
	var persist bool
	if err := json.Unmarshal(raw["axis"], &axis); err != nil {
		http.Error(w, "axis must be a string", http.StatusBadRequest)
		return
	}
	if v, ok := raw["persist"]; ok {
		if err := json.Unmarshal(v, &persist); err != nil {
			http.Error(w, "persist must be a boolean", http.StatusBadRequest)
			return
		}
	}

	var action func(context.Context, RotatorControl) error
	switch axis {
	case "vertical":
		action = func(ctx context.Context, rc RotatorControl) error { return rc.CalibrateVertical(ctx, persist) }
	case "horizontal":
		action = func(ctx context.Context, rc RotatorControl) error { return rc.CalibrateHorizontal(ctx) }
	case "both":
		action = func(ctx context.Context, rc RotatorControl) error {
			if err := rc.CalibrateVertical(ctx, persist); err != nil {
				return err
			}
			return rc.CalibrateHorizontal(ctx)
		}
	default:
		http.Error(w, "axis must be vertical, horizontal or both", http.StatusBadRequest)
		return
	}
	h.run(w, r, "calibrate_"+axis, action)
}

func (h rotatorHandlers) move(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	raw, err := decodeStrictObject(body, []string{"direction"}, []string{"direction"})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var s string
	if err := json.Unmarshal(raw["direction"], &s); err != nil {
		http.Error(w, "direction must be a string", http.StatusBadRequest)
		return
	}
	d, err := rotator.ParseDirection(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.run(w, r, "move_"+string(d), func(ctx context.Context, rc RotatorControl) error { return rc.Move(ctx, d) })
}

func (h rotatorHandlers) steps(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	raw, err := decodeStrictObject(body, []string{"axis", "steps"}, []string{"axis", "steps"})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var axis string
	var n int
	if err := json.Unmarshal(raw["axis"], &axis); err != nil {
		http.Error(w, "axis must be a string", http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(raw["steps"], &n); err != nil {
		http.Error(w, "steps must be an integer", http.StatusBadRequest)
		return
	}
	if n == 0 {
		http.Error(w, "steps must be non-zero", http.StatusBadRequest)
		return
	}

	name := fmt.Sprintf("steps_%s_%d", axis, n)
	switch axis {
	case "vertical":
		h.run(w, r, name, func(ctx context.Context, rc RotatorControl) error { return rc.MoveVerticalSteps(ctx, n) })
	case "horizontal":
		h.run(w, r, name, func(ctx context.Context, rc RotatorControl) error { return rc.MoveHorizontalSteps(ctx, n) })
	default:
		http.Error(w, "axis must be vertical or horizontal", http.StatusBadRequest)
	}
}
