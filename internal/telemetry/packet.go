package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"antenna-tracker/internal/geodesy"
)

// Packet is one decoded, integrity-checked telemetry record.
//
// GPS is nil when the record carried no gps object. Fields holds every
// top-level member, gps included, for consumers outside the tracking path.
type Packet struct {
	GPS              *geodesy.Point
	RawPayload       []byte
	DeclaredChecksum uint32
	Fields           map[string]json.RawMessage
}

// DecodeError reports a record that could not be split or parsed.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("telemetry decode: %s: %v", e.Reason, e.Err)
	}
	return "telemetry decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IntegrityError reports a record whose checksum does not match its payload.
type IntegrityError struct {
	Declared uint32
	Computed uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("telemetry integrity: declared=%d computed=%d", e.Declared, e.Computed)
}

type gpsFields struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
}

// ParseLine decodes one `<uint32 checksum> <json object>` record.
//
// The checksum is verified before the JSON is looked at; a mismatching record
// is rejected with *IntegrityError even when its JSON is well formed.
func ParseLine(line []byte, sum ChecksumFn) (Packet, error) {
	if sum == nil {
		sum = CRC32
	}
	line = bytes.TrimRight(line, " \t\r\n")

	sep := bytes.IndexAny(line, " \t")
	if sep <= 0 {
		return Packet{}, &DecodeError{Reason: "missing checksum separator"}
	}
	token := line[:sep]
	payload := bytes.TrimLeft(line[sep:], " \t")
	if len(payload) == 0 {
		return Packet{}, &DecodeError{Reason: "empty payload"}
	}

	declared, err := strconv.ParseUint(string(token), 10, 32)
	if err != nil {
		return Packet{}, &DecodeError{Reason: fmt.Sprintf("checksum %q", token), Err: err}
	}
	if computed := sum(payload); computed != uint32(declared) {
		return Packet{}, &IntegrityError{Declared: uint32(declared), Computed: computed}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Packet{}, &DecodeError{Reason: "json", Err: err}
	}
	if fields == nil {
		return Packet{}, &DecodeError{Reason: "json: not an object"}
	}

	pkt := Packet{
		RawPayload:       append([]byte(nil), payload...),
		DeclaredChecksum: uint32(declared),
		Fields:           fields,
	}

	raw, ok := fields["gps"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return pkt, nil
	}
	var g gpsFields
	if err := json.Unmarshal(raw, &g); err != nil {
		return Packet{}, &DecodeError{Reason: "gps", Err: err}
	}
	if g.Latitude == nil || g.Longitude == nil || g.Altitude == nil {
		return Packet{}, &DecodeError{Reason: "gps: latitude, longitude and altitude are required"}
	}
	p := geodesy.NewPointAlt(*g.Latitude, *g.Longitude, *g.Altitude)
	if !p.Valid() {
		return Packet{}, &DecodeError{Reason: fmt.Sprintf("gps: out of range %v", p)}
	}
	pkt.GPS = &p
	return pkt, nil
}

// EncodeLine frames payload as a record terminated by '\n'.
func EncodeLine(payload []byte, sum ChecksumFn) []byte {
	if sum == nil {
		sum = CRC32
	}
	out := make([]byte, 0, len(payload)+12)
	out = strconv.AppendUint(out, uint64(sum(payload)), 10)
	out = append(out, ' ')
	out = append(out, payload...)
	return append(out, '\n')
}
