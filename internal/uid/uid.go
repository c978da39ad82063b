// Package uid assigns identifiers to components.
//
// A UID is an arbitrary-precision non-negative integer sized by a key-size
// class between MinKeySize and MaxKeySize bits. It is held in canonical
// lowercase hex so it can key maps and be persisted verbatim.
//
// The value Default is reserved: every component registered without asking
// for its own identifier shares it. Freshly generated UIDs never take that
// value.
package uid

import (
	"math/big"
	"strings"

	"github.com/avaropoint/crunchy/internal/fault"
)

// Supported key-size classes, in bits.
const (
	MinKeySize = 8
	MaxKeySize = 1024
)

// UID is a component identifier in canonical hex form.
type UID string

// Default is the shared identity of components registered without a UID.
const Default UID = "1"

// FromBig converts n to a UID. n must be non-negative.
func FromBig(n *big.Int) UID {
	return UID(n.Text(16))
}

// FromUint64 converts v to a UID.
func FromUint64(v uint64) UID {
	return FromBig(new(big.Int).SetUint64(v))
}

// Parse accepts a hex string, with or without 0x prefix and leading zeros.
func Parse(s string) (UID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	n, ok := new(big.Int).SetString(s, 16)
	if !ok || n.Sign() < 0 {
		return "", fault.New(fault.InvalidUID, "malformed uid %q", s)
	}
	return FromBig(n), nil
}

// Big returns the numeric value of u. Malformed UIDs yield -1.
func (u UID) Big() *big.Int {
	n, ok := new(big.Int).SetString(string(u), 16)
	if !ok {
		return big.NewInt(-1)
	}
	return n
}

// Canonical returns u without leading zeros and in lowercase. Malformed
// UIDs are returned unchanged.
func (u UID) Canonical() UID {
	n := u.Big()
	if n.Sign() < 0 {
		return u
	}
	return FromBig(n)
}

// IsDefault reports whether u is the shared default identity.
func (u UID) IsDefault() bool { return u == Default }

// Fits reports whether u lies in [0, 2^bits).
func (u UID) Fits(bits int) bool {
	n := u.Big()
	return n.Sign() >= 0 && n.BitLen() <= bits
}

func (u UID) String() string { return "0x" + string(u) }

// ValidKeySize reports whether bits is a supported key-size class.
func ValidKeySize(bits int) bool {
	return bits >= MinKeySize && bits <= MaxKeySize
}
