// Package xxhash provides the record digest used in collection row keys.
package xxhash

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Hasher implements frontier.Hasher using 64-bit xxHash.
type Hasher struct{}

// New returns an xxHash hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the big-endian hex form of the record's xxHash digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxhash.Sum64(data))
	return hex.EncodeToString(buf[:]), nil
}
