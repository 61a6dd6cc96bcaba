package telemetry

import (
	"errors"
	"strconv"
	"testing"
)

func TestCRC32_KnownVector(t *testing.T) {
	if got := CRC32([]byte("123456789")); got != 0xCBF43926 {
		t.Fatalf("crc32=%#x want 0xcbf43926", got)
	}
}

func TestCRC8_Properties(t *testing.T) {
	if got := CRC8(nil); got != 0 {
		t.Fatalf("crc8(empty)=%d want 0", got)
	}
	// Single byte 0x01 with zero init is the polynomial itself.
	if got := CRC8([]byte{0x01}); got != 0xD5 {
		t.Fatalf("crc8(0x01)=%#x want 0xd5", got)
	}
	if got := CRC8([]byte("123456789")); got > 0xFF {
		t.Fatalf("crc8 out of range: %d", got)
	}
}

func TestChecksumByName(t *testing.T) {
	for _, name := range []string{"", "crc32", " CRC32 ", "crc8"} {
		if _, err := ChecksumByName(name); err != nil {
			t.Fatalf("ChecksumByName(%q): %v", name, err)
		}
	}
	if _, err := ChecksumByName("md5"); err == nil {
		t.Fatalf("expected error for unknown checksum")
	}
}

func TestParseLine_ValidGPS(t *testing.T) {
	payload := []byte(`{"gps":{"latitude":40.8,"longitude":-96.7,"altitude":1500.5},"batt":7.4}`)
	line := EncodeLine(payload, CRC32)

	pkt, err := ParseLine(line, CRC32)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if pkt.GPS == nil {
		t.Fatalf("expected gps")
	}
	alt, ok := pkt.GPS.Alt()
	if pkt.GPS.LatDeg != 40.8 || pkt.GPS.LonDeg != -96.7 || !ok || alt != 1500.5 {
		t.Fatalf("gps=%v", pkt.GPS)
	}
	if _, ok := pkt.Fields["batt"]; !ok {
		t.Fatalf("expected batt field to be kept")
	}
	if pkt.DeclaredChecksum != CRC32(payload) {
		t.Fatalf("declared=%d want %d", pkt.DeclaredChecksum, CRC32(payload))
	}
}

func TestParseLine_NoGPSIsNotAnError(t *testing.T) {
	line := EncodeLine([]byte(`{"batt":7.4}`), CRC32)
	pkt, err := ParseLine(line, CRC32)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if pkt.GPS != nil {
		t.Fatalf("gps=%v want nil", pkt.GPS)
	}
}

func TestParseLine_NonIntegerChecksumIsDecodeError(t *testing.T) {
	_, err := ParseLine([]byte(`notanint {"gps":{}}`+"\n"), CRC32)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%T %v want *DecodeError", err, err)
	}
}

func TestParseLine_ChecksumMismatchIsIntegrityError(t *testing.T) {
	payload := `{"gps":{"latitude":1,"longitude":2,"altitude":3}}`
	bad := CRC32([]byte(payload)) + 1
	line := []byte(strconv.FormatUint(uint64(bad), 10) + " " + payload + "\n")

	_, err := ParseLine(line, CRC32)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("err=%T %v want *IntegrityError", err, err)
	}
	if ie.Declared != bad || ie.Computed != bad-1 {
		t.Fatalf("integrity=%+v", ie)
	}
}

func TestParseLine_DecodeFailures(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{"gps":`},
		{"array", `[1,2,3]`},
		{"null", `null`},
		{"gps missing altitude", `{"gps":{"latitude":1,"longitude":2}}`},
		{"gps empty", `{"gps":{}}`},
		{"gps wrong type", `{"gps":"here"}`},
		{"latitude out of range", `{"gps":{"latitude":91,"longitude":2,"altitude":3}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLine(EncodeLine([]byte(tc.payload), CRC32), CRC32)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err=%T %v want *DecodeError", err, err)
			}
		})
	}
}

func TestParseLine_MissingSeparator(t *testing.T) {
	for _, line := range []string{"", "12345", " {}", "12345 "} {
		_, err := ParseLine([]byte(line), CRC32)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("line=%q err=%v want *DecodeError", line, err)
		}
	}
}

func TestParseLine_CRC8(t *testing.T) {
	payload := []byte(`{"gps":{"latitude":10,"longitude":20,"altitude":30}}`)
	line := EncodeLine(payload, CRC8)
	if _, err := ParseLine(line, CRC8); err != nil {
		t.Fatalf("ParseLine crc8: %v", err)
	}
	var ie *IntegrityError
	if _, err := ParseLine(line, CRC32); !errors.As(err, &ie) {
		t.Fatalf("crc8 record checked as crc32: err=%v want *IntegrityError", err)
	}
}

func TestParseLine_ToleratesCRLFAndTabs(t *testing.T) {
	payload := []byte(`{"gps":{"latitude":1,"longitude":2,"altitude":3}}`)
	line := strconv.FormatUint(uint64(CRC32(payload)), 10) + "\t" + string(payload) + "\r\n"
	if _, err := ParseLine([]byte(line), CRC32); err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
}
