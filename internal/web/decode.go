package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

const maxBodyBytes = 64 << 10

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// readJSONBody enforces the content type and caps the body size.
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if mediaType(r) != "application/json" {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// decodeStrictObject accepts a single JSON object whose keys are all in
// allowed, appear once and are not null. Keys listed in required must be
// present. Values are returned undecoded.
func decodeStrictObject(body []byte, allowed, required []string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	allow := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		allow[k] = struct{}{}
	}
	out := make(map[string]json.RawMessage, len(allowed))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("invalid json: expected object")
	}

	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return nil, errors.New("invalid json: expected string key")
		}
		if _, ok := allow[key]; !ok {
			return nil, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("invalid json: duplicate key %q", key)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return nil, fmt.Errorf("invalid json: %q cannot be null", key)
		}
		out[key] = raw
	}

	end, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := end.(json.Delim); !ok || delim != '}' {
		return nil, errors.New("invalid json: expected end of object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid json: trailing data")
	}

	for _, k := range required {
		if _, ok := out[k]; !ok {
			return nil, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}
	return out, nil
}
