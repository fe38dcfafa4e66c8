package model

import (
	"bytes"

	"github.com/devrev/scaledb/internal/hashing"
)

// HashScheme selects how an entity's key is mapped onto a shard.
type HashScheme int

const (
	// HashContent spreads keys uniformly with the FNV-1a content hash.
	HashContent HashScheme = iota
	// HashOrdered keeps key order across shards so range scans can be routed.
	HashOrdered
)

// String returns the scheme name used in logs and metrics labels.
func (s HashScheme) String() string {
	switch s {
	case HashContent:
		return "content"
	case HashOrdered:
		return "ordered"
	default:
		return "unknown"
	}
}

// Entity is a single key/value pair as stored by a shard backend.
// The owning partition is derived from Key and Scheme on demand and is
// never stored.
type Entity struct {
	Key    []byte
	Value  []byte
	Scheme HashScheme
}

// NewEntity creates a content-hashed entity.
func NewEntity(key, value []byte) Entity {
	return Entity{Key: key, Value: value}
}

// KeyOnly creates an entity carrying just a key, as used for lookups and deletes.
func KeyOnly(key []byte, scheme HashScheme) Entity {
	return Entity{Key: key, Scheme: scheme}
}

// Partition returns the index of the shard that owns e among shardCount shards.
func (e Entity) Partition(shardCount int) int {
	if e.Scheme == HashOrdered {
		return hashing.OrderedPartition(e.Key, shardCount)
	}
	return hashing.ContentPartition(e.Key, shardCount)
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	return Entity{
		Key:    CloneBytes(e.Key),
		Value:  CloneBytes(e.Value),
		Scheme: e.Scheme,
	}
}

// CloneBytes copies b, preserving the difference between nil and empty.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// CompareKeys orders keys lexicographically by unsigned byte value.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Keys returns the key of every entity in order.
func Keys(entities []Entity) [][]byte {
	keys := make([][]byte, len(entities))
	for i, e := range entities {
		keys[i] = e.Key
	}
	return keys
}
