package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"antenna-tracker/internal/logging"
	"antenna-tracker/internal/rotator"
)

type fakeRotatorControl struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRotatorControl) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeRotatorControl) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRotatorControl) Device() string          { return "/dev/ttyACM0" }
func (f *fakeRotatorControl) SessionID() string       { return "sess-1" }
func (f *fakeRotatorControl) ProtocolVersion() string { return "2.1" }
func (f *fakeRotatorControl) Calibrated() bool        { return true }

func (f *fakeRotatorControl) Position(context.Context) (float64, float64, error) {
	if err := f.record("position"); err != nil {
		return 0, 0, err
	}
	return 12.5, 30, nil
}
func (f *fakeRotatorControl) Halt(context.Context) error { return f.record("halt") }
func (f *fakeRotatorControl) CalibrateVertical(_ context.Context, persist bool) error {
	if persist {
		return f.record("calv_persist")
	}
	return f.record("calv")
}
func (f *fakeRotatorControl) CalibrateHorizontal(context.Context) error { return f.record("calh") }
func (f *fakeRotatorControl) Move(_ context.Context, d rotator.Direction) error {
	return f.record("move " + string(d))
}
func (f *fakeRotatorControl) MoveVerticalSteps(context.Context, int) error   { return f.record("movv") }
func (f *fakeRotatorControl) MoveHorizontalSteps(context.Context, int) error { return f.record("movh") }

func newRotatorServer(rc RotatorControl) *httptest.Server {
	return httptest.NewServer(Handler(Deps{
		Rotator: func() RotatorControl { return rc },
		Log:     logging.Discard(),
	}))
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestRotatorStatus(t *testing.T) {
	rc := &fakeRotatorControl{}
	ts := newRotatorServer(rc)
	defer ts.Close()

	var st RotatorStatus
	getJSON(t, ts.URL+"/api/rotator", &st)
	if !st.Available || st.Device != "/dev/ttyACM0" || st.ProtocolVersion != "2.1" || !st.Calibrated {
		t.Fatalf("status=%+v", st)
	}
	if st.VerticalDeg == nil || *st.VerticalDeg != 12.5 || st.HorizontalDeg == nil || *st.HorizontalDeg != 30 {
		t.Fatalf("position=%v,%v", st.VerticalDeg, st.HorizontalDeg)
	}
}

func TestRotatorStatus_NotConnected(t *testing.T) {
	ts := newRotatorServer(nil)
	defer ts.Close()

	var st RotatorStatus
	getJSON(t, ts.URL+"/api/rotator", &st)
	if st.Available {
		t.Fatalf("status=%+v want unavailable", st)
	}

	code, _ := post(t, ts.URL+"/api/rotator/halt", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("halt status=%d want 503", code)
	}
}

func TestRotatorActions(t *testing.T) {
	cases := []struct {
		name string
		path string
		body string
		want string
	}{
		{"halt", "/api/rotator/halt", "", "halt"},
		{"calibrate vertical persisted", "/api/rotator/calibrate", `{"axis":"vertical","persist":true}`, "calv_persist"},
		{"calibrate horizontal", "/api/rotator/calibrate", `{"axis":"horizontal"}`, "calh"},
		{"move", "/api/rotator/move", `{"direction":"left"}`, "move LT"},
		{"vertical steps", "/api/rotator/steps", `{"axis":"vertical","steps":-20}`, "movv"},
		{"horizontal steps", "/api/rotator/steps", `{"axis":"horizontal","steps":5}`, "movh"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := &fakeRotatorControl{}
			ts := newRotatorServer(rc)
			defer ts.Close()

			var code int
			var body string
			if tc.body == "" {
				resp, err := http.Post(ts.URL+tc.path, "", nil)
				if err != nil {
					t.Fatalf("POST: %v", err)
				}
				resp.Body.Close()
				code = resp.StatusCode
			} else {
				code, body = post(t, ts.URL+tc.path, tc.body)
			}
			if code != http.StatusOK {
				t.Fatalf("status=%d body=%s", code, body)
			}
			if calls := rc.Calls(); len(calls) != 1 || calls[0] != tc.want {
				t.Fatalf("calls=%v want [%s]", calls, tc.want)
			}
		})
	}
}

func TestRotatorCalibrateBothOrder(t *testing.T) {
	rc := &fakeRotatorControl{}
	ts := newRotatorServer(rc)
	defer ts.Close()

	if code, body := post(t, ts.URL+"/api/rotator/calibrate", `{"axis":"both"}`); code != http.StatusOK {
		t.Fatalf("status=%d body=%s", code, body)
	}
	if calls := rc.Calls(); len(calls) != 2 || calls[0] != "calv" || calls[1] != "calh" {
		t.Fatalf("calls=%v", calls)
	}
}

func TestRotatorActions_BadInput(t *testing.T) {
	rc := &fakeRotatorControl{}
	ts := newRotatorServer(rc)
	defer ts.Close()

	cases := []struct{ path, body string }{
		{"/api/rotator/calibrate", `{"axis":"diagonal"}`},
		{"/api/rotator/calibrate", `{"persist":true}`},
		{"/api/rotator/move", `{"direction":"sideways"}`},
		{"/api/rotator/steps", `{"axis":"vertical","steps":0}`},
		{"/api/rotator/steps", `{"axis":"vertical","steps":1.5}`},
		{"/api/rotator/steps", `{"axis":"roll","steps":1}`},
	}
	for _, tc := range cases {
		if code, body := post(t, ts.URL+tc.path, tc.body); code != http.StatusBadRequest {
			t.Fatalf("%s %s status=%d body=%s want 400", tc.path, tc.body, code, body)
		}
	}
	if calls := rc.Calls(); len(calls) != 0 {
		t.Fatalf("rotator called on bad input: %v", calls)
	}
}

func TestRotatorActions_ErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&rotator.DeviceError{Command: "HALT"}, http.StatusConflict},
		{&rotator.ProtocolError{Command: "HALT", State: rotator.StateSent, Reason: "timeout"}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("port closed"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		rc := &fakeRotatorControl{err: tc.err}
		ts := newRotatorServer(rc)
		code, _ := post(t, ts.URL+"/api/rotator/halt", "")
		ts.Close()
		if code != tc.want {
			t.Fatalf("err=%v status=%d want %d", tc.err, code, tc.want)
		}
	}
}
