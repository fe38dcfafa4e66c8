// Package hashing holds the two key hashes that decide which shard owns a key.
// Both functions are part of the partitioning contract between processes, so
// their output must never change.
package hashing

import "math/bits"

const (
	fnvOffsetBasis uint64 = 14695981039346656037
	fnvPrime       uint64 = 1099511628211

	// orderedPrefixLen is the number of leading key bytes the ordered hash reads.
	orderedPrefixLen = 8
)

// ContentHash returns the 64-bit FNV-1a hash of b.
func ContentHash(b []byte) uint64 {
	h := fnvOffsetBasis
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime
	}
	return h
}

// OrderedHash packs the first eight bytes of b into a big-endian uint64,
// padding short keys with zero bytes. If a <= b lexicographically then
// OrderedHash(a) <= OrderedHash(b).
func OrderedHash(b []byte) uint64 {
	var h uint64
	for i := 0; i < orderedPrefixLen; i++ {
		h <<= 8
		if i < len(b) {
			h |= uint64(b[i])
		}
	}
	return h
}

// ContentPartition maps key onto one of shardCount shards by content hash.
func ContentPartition(key []byte, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int(ContentHash(key) % uint64(shardCount))
}

// OrderedPartition maps key onto one of shardCount shards so that the
// partition index never decreases as keys increase. The hash space is cut
// into shardCount contiguous slices of equal width.
func OrderedPartition(key []byte, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	hi, _ := bits.Mul64(OrderedHash(key), uint64(shardCount))
	return int(hi)
}
