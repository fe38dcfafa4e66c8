// Package memstore is the reference in-process shard backend. It keeps every
// entity in a hash map for point lookups and a sorted key index for range
// scans, and keeps the two in lockstep under a single mutex.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/shard"
)

const defaultInitialCapacity = 16

// Config holds memory store configuration
type Config struct {
	// InitialCapacity is the starting size of the sorted key index.
	InitialCapacity int
}

// Store is a single shard held entirely in memory.
//
// index[:n] holds exactly the keys of values in strictly ascending order;
// len(index) is the current capacity and doubles whenever it is exhausted.
type Store struct {
	mu     sync.Mutex
	values map[string][]byte
	index  [][]byte
	n      int
	bytes  int64
	logger *zap.Logger
}

var _ shard.Backend = (*Store)(nil)

// NewStore creates an empty memory store
func NewStore(cfg *Config, logger *zap.Logger) *Store {
	capacity := defaultInitialCapacity
	if cfg != nil && cfg.InitialCapacity > 0 {
		capacity = cfg.InitialCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		values: make(map[string][]byte),
		index:  make([][]byte, capacity),
		logger: logger,
	}
}

// ShardCount always returns 1.
func (s *Store) ShardCount(context.Context) (int, error) {
	return 1, nil
}

// ShardServers returns nil: the store holds its data itself.
func (s *Store) ShardServers(context.Context) ([]shard.Backend, error) {
	return nil, nil
}

// Upsert inserts or overwrites every entity. The batch is rejected as a whole
// if any entity has no value.
func (s *Store) Upsert(ctx context.Context, entities []model.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range entities {
		if e.Value == nil {
			return errors.InvalidValue(e.Key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, e := range entities {
		k := string(e.Key)
		old, exists := s.values[k]
		if exists {
			s.bytes -= int64(len(old))
		} else {
			s.insertKey(model.CloneBytes(e.Key))
			s.bytes += int64(len(k))
			inserted++
		}
		s.values[k] = model.CloneBytes(e.Value)
		s.bytes += int64(len(e.Value))
	}

	s.logger.Debug("Upsert applied",
		zap.Int("entities", len(entities)),
		zap.Int("inserted", inserted),
		zap.Int("keys", s.n))
	return nil
}

// RetrieveByKeys delivers every requested entity that exists as one batch.
// Missing keys are skipped; nothing is delivered when none are found.
func (s *Store) RetrieveByKeys(ctx context.Context, keys []model.Entity, cb shard.RetrieveCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	batch := make([]model.Entity, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.values[string(k.Key)]; ok {
			batch = append(batch, model.Entity{
				Key:    model.CloneBytes(k.Key),
				Value:  model.CloneBytes(v),
				Scheme: k.Scheme,
			})
		}
	}
	s.mu.Unlock()

	if len(batch) > 0 {
		cb(batch)
	}
	return nil
}

// RetrieveRange delivers, in key order, every entity whose key lies strictly
// between start and end. A nil start scans from the first key and a nil end
// scans to the last.
func (s *Store) RetrieveRange(ctx context.Context, start, end []byte, cb shard.RetrieveCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	i := 0
	if start != nil {
		i = s.search(start)
		if i < s.n && bytes.Equal(s.index[i], start) {
			i++
		}
	}

	var batch []model.Entity
	for ; i < s.n; i++ {
		key := s.index[i]
		if end != nil && bytes.Compare(key, end) >= 0 {
			break
		}
		batch = append(batch, model.Entity{
			Key:    model.CloneBytes(key),
			Value:  model.CloneBytes(s.values[string(key)]),
			Scheme: model.HashOrdered,
		})
	}
	s.mu.Unlock()

	if len(batch) > 0 {
		cb(batch)
	}
	return nil
}

// Delete removes the given keys. Keys that do not exist are ignored.
func (s *Store) Delete(ctx context.Context, keys []model.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, k := range keys {
		key := string(k.Key)
		v, ok := s.values[key]
		if !ok {
			continue
		}
		delete(s.values, key)
		s.bytes -= int64(len(key) + len(v))
		s.removeKey(k.Key)
		removed++
	}

	s.logger.Debug("Delete applied",
		zap.Int("requested", len(keys)),
		zap.Int("removed", removed))
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Stats describes the store's current footprint.
type Stats struct {
	Keys     int
	Bytes    int64
	Capacity int
}

// Stats returns a snapshot of store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Keys: s.n, Bytes: s.bytes, Capacity: len(s.index)}
}

// CheckInvariant verifies that the sorted index and the map describe the
// same strictly ordered key set.
func (s *Store) CheckInvariant() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.n > len(s.index) {
		return errors.StructuralInvariantViolation(
			fmt.Sprintf("index length %d exceeds capacity %d", s.n, len(s.index)))
	}
	if s.n != len(s.values) {
		return errors.StructuralInvariantViolation(
			fmt.Sprintf("index holds %d keys but map holds %d", s.n, len(s.values)))
	}
	for i := 0; i < s.n; i++ {
		if _, ok := s.values[string(s.index[i])]; !ok {
			return errors.StructuralInvariantViolation(
				fmt.Sprintf("index key at position %d is missing from the map", i))
		}
		if i > 0 && bytes.Compare(s.index[i-1], s.index[i]) >= 0 {
			return errors.StructuralInvariantViolation(
				fmt.Sprintf("index keys at positions %d and %d are out of order", i-1, i))
		}
	}
	return nil
}

// search returns the position of the first indexed key >= key.
func (s *Store) search(key []byte) int {
	return sort.Search(s.n, func(i int) bool {
		return bytes.Compare(s.index[i], key) >= 0
	})
}

// insertKey places a key known to be absent at its sorted position.
func (s *Store) insertKey(key []byte) {
	pos := s.search(key)
	if s.n == len(s.index) {
		grown := make([][]byte, 2*len(s.index))
		copy(grown, s.index[:s.n])
		s.index = grown
	}
	copy(s.index[pos+1:s.n+1], s.index[pos:s.n])
	s.index[pos] = key
	s.n++
}

// removeKey drops a key known to be present from the index.
func (s *Store) removeKey(key []byte) {
	pos := s.search(key)
	copy(s.index[pos:s.n-1], s.index[pos+1:s.n])
	s.n--
	s.index[s.n] = nil
}
