// Package integrity computes and verifies the checksums carried by every
// persisted registry and key-cache snapshot.
//
// The checksum is CRC-32 with the Castagnoli polynomial. CRC detects every
// burst error no wider than the checksum, so any single-byte mutation of a
// payload is always rejected. Mismatches fail closed: nothing here repairs data.
package integrity

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/avaropoint/crunchy/internal/fault"
)

// Size is the width of a sealed trailer in bytes.
const Size = 4

var table = crc32.MakeTable(crc32.Castagnoli)

// Recompute returns the checksum of payload. It is pure.
func Recompute(payload []byte) uint32 {
	return crc32.Checksum(payload, table)
}

// Verify reports whether payload matches the expected checksum.
func Verify(expected uint32, payload []byte) bool {
	return Recompute(payload) == expected
}

// Seal returns payload followed by its big-endian checksum.
func Seal(payload []byte) []byte {
	out := make([]byte, len(payload)+Size)
	copy(out, payload)
	binary.BigEndian.PutUint32(out[len(payload):], Recompute(payload))
	return out
}

// Open checks the trailing checksum of a sealed blob and returns the payload.
func Open(blob []byte) ([]byte, error) {
	if len(blob) < Size {
		return nil, fault.New(fault.IntegrityMismatch, "blob too short: %d bytes", len(blob))
	}
	payload := blob[:len(blob)-Size]
	want := binary.BigEndian.Uint32(blob[len(blob)-Size:])
	if got := Recompute(payload); got != want {
		return nil, fault.New(fault.IntegrityMismatch, "checksum %08x, trailer %08x", got, want)
	}
	return payload, nil
}
