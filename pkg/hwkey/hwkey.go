// Package hwkey derives the content-addressed identifier of one hardware
// aggregate row.
package hwkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the digest width in bytes.
const Size = sha256.Size

// Key identifies the (origin, platform, checkout) triple. It is comparable
// and can be used directly as a map key.
type Key [Size]byte

// Derive hashes "origin|platform|checkoutID".
func Derive(origin, platform, checkoutID string) Key {
	return sha256.Sum256([]byte(origin + "|" + platform + "|" + checkoutID))
}

// String returns the lowercase hex encoding stored in the ledger.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Parse decodes the hex form produced by String.
func Parse(s string) (Key, error) {
	var k Key

	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decoding hardware key: %w", err)
	}

	if len(raw) != Size {
		return k, fmt.Errorf("hardware key must be %d bytes, got %d", Size, len(raw))
	}

	copy(k[:], raw)

	return k, nil
}
