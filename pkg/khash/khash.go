// Package khash computes the precomputed key hash that callers thread
// through a cN-tree lookup. It
// follows the same consistent-hash key routing pattern used elsewhere for
// shard assignment, using MurmurHash3 for the
// same reason: a fast, well-distributed, non-cryptographic hash over
// arbitrary byte keys.
package khash

import "github.com/spaolacci/murmur3"

// Sum64 returns the 64-bit MurmurHash3 of key.
func Sum64(key []byte) uint64 {
	return murmur3.Sum64(key)
}

// Sum64Prefix returns the 64-bit MurmurHash3 of the first n bytes of key
// (or of all of key if it is shorter than n), used by prefix-hashed kvsets.
func Sum64Prefix(key []byte, n int) uint64 {
	if n > 0 && n < len(key) {
		key = key[:n]
	}
	return murmur3.Sum64(key)
}
