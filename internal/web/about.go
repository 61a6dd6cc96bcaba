package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"
)

const serviceName = "antenna-tracker"

type AboutResponse struct {
	Service    string `json:"service"`
	NowUTC     string `json:"now_utc"`
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

func readAbout() AboutResponse {
	resp := AboutResponse{
		Service:   serviceName,
		NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		GoVersion: runtime.Version(),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resp
	}
	resp.ModulePath = bi.Main.Path
	resp.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		case "vcs.time":
			resp.BuildTime = s.Value
		}
	}
	return resp
}

// buildVersion prefers the VCS revision over the module version, which is
// "(devel)" for local builds.
func buildVersion() string {
	a := readAbout()
	if a.Commit != "" {
		if len(a.Commit) > 12 {
			return a.Commit[:12]
		}
		return a.Commit
	}
	return a.Version
}

func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, readAbout())
	})
}
