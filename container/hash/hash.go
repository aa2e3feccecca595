package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Fn hashes a key for directory indexing.
// the table only ever uses the low global-depth bits of the result.
type Fn func(key int64) uint32

// DefaultFn downcasts xxhash's 64-bit hash to the 32 bits extendible
// hashing works with
func DefaultFn(key int64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return uint32(xxhash.Sum64(buf[:]))
}
