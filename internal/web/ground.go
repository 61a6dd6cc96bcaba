package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"antenna-tracker/internal/config"
	"antenna-tracker/internal/geodesy"
	"antenna-tracker/internal/tracking"
)

var groundKeys = []string{"latitude", "longitude", "altitude"}

// persistMu serialises read-modify-write cycles on the config file.
var persistMu sync.Mutex

// GroundStore serves the operator's ground position. Updates are free text:
// fields that are empty or do not parse keep their previous value.
type GroundStore struct {
	State *tracking.State

	// ConfigPath and Persist write accepted updates back into the YAML config.
	ConfigPath string
	Persist    bool

	Log *slog.Logger
}

type GroundResponse struct {
	Ground    geodesy.Point `json:"ground"`
	Applied   []string      `json:"applied"`
	Persisted bool          `json:"persisted"`
}

// groundText turns a JSON string or number into the free-text form the state
// parser expects. Anything else yields "", which is ignored.
func groundText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (g GroundStore) parseRequest(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	fields := make(map[string]string, len(groundKeys))
	switch mediaType(r) {
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			http.Error(w, fmt.Sprintf("invalid form: %v", err), http.StatusBadRequest)
			return nil, false
		}
		for _, k := range groundKeys {
			fields[k] = r.PostForm.Get(k)
		}
		return fields, true
	default:
		body, ok := readJSONBody(w, r)
		if !ok {
			return nil, false
		}
		raw, err := decodeStrictObject(body, groundKeys, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return nil, false
		}
		for k, v := range raw {
			fields[k] = groundText(v)
		}
		return fields, true
	}
}

func (g GroundStore) persist(p geodesy.Point) error {
	persistMu.Lock()
	defer persistMu.Unlock()

	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return err
	}
	cfg.Ground.LatDeg = p.LatDeg
	cfg.Ground.LonDeg = p.LonDeg
	cfg.Ground.AltM = nil
	if alt, ok := p.Alt(); ok {
		cfg.Ground.AltM = &alt
	}
	return config.Save(g.ConfigPath, cfg)
}

func (g GroundStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.State == nil {
			http.Error(w, "ground position unavailable", http.StatusServiceUnavailable)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, GroundResponse{Ground: g.State.Ground(), Applied: []string{}})
		case http.MethodPost:
			fields, ok := g.parseRequest(w, r)
			if !ok {
				return
			}
			p, applied := g.State.UpdateGroundText(fields["latitude"], fields["longitude"], fields["altitude"])
			if applied == nil {
				applied = []string{}
			}
			resp := GroundResponse{Ground: p, Applied: applied}

			if len(applied) > 0 && g.Persist && strings.TrimSpace(g.ConfigPath) != "" {
				if err := g.persist(p); err != nil {
					// The live position already changed; only the file write failed.
					if g.Log != nil {
						g.Log.Warn("ground position not persisted", "path", g.ConfigPath, "err", err)
					}
					http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
					return
				}
				resp.Persisted = true
			}
			if g.Log != nil && len(applied) > 0 {
				g.Log.Info("ground position updated", "ground", p.String(), "fields", strings.Join(applied, ","))
			}
			writeJSON(w, http.StatusOK, resp)
		default:
			allowMethod(w, r, http.MethodGet, http.MethodPost)
		}
	})
}
