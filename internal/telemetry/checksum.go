package telemetry

import (
	"fmt"
	"hash/crc32"
	"strings"
)

// ChecksumFn computes the integrity value declared at the start of a record.
type ChecksumFn func(data []byte) uint32

// CRC32 is the IEEE 802.3 CRC-32 (reflected 0xEDB88320, init and xorout
// 0xFFFFFFFF). It is the default for telemetry records.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// CRC8 is the 8-bit CRC used by the flight computer firmware: polynomial 0xD5,
// MSB first, zero init, no final xor. The result is widened to uint32 so both
// algorithms share one record format.
func CRC8(data []byte) uint32 {
	var crc uint8
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return uint32(crc)
}

var crc8Table = func() [256]uint8 {
	var table [256]uint8
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0xD5
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// ChecksumByName maps a config value to a ChecksumFn. Empty means crc32.
func ChecksumByName(name string) (ChecksumFn, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "crc32":
		return CRC32, nil
	case "crc8":
		return CRC8, nil
	default:
		return nil, fmt.Errorf("unknown checksum %q", name)
	}
}
