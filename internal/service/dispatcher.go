package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/hashing"
	"github.com/devrev/scaledb/internal/metrics"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/shard"
)

const (
	opUpsert        = "upsert"
	opRetrieve      = "retrieve"
	opRetrieveRange = "retrieve_range"
	opDelete        = "delete"
)

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	// MaxConcurrency bounds the number of in-flight shard calls per request.
	// Zero or negative means one goroutine per shard.
	MaxConcurrency int
}

// Dispatcher routes entity operations from a root backend to its shards.
// Point operations are grouped by each entity's partition and sent to the
// owning shards concurrently; range scans go to every shard whose slice of
// the ordered hash space can hold keys in the range.
type Dispatcher struct {
	root    shard.Backend
	config  *DispatcherConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

var _ shard.Backend = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher over root. m may be nil.
func NewDispatcher(root shard.Backend, cfg *DispatcherConfig, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg == nil {
		cfg = &DispatcherConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		root:    root,
		config:  cfg,
		metrics: m,
		logger:  logger,
	}
}

// ShardCount returns the root backend's shard count.
func (d *Dispatcher) ShardCount(ctx context.Context) (int, error) {
	return d.root.ShardCount(ctx)
}

// ShardServers returns the root backend's shards.
func (d *Dispatcher) ShardServers(ctx context.Context) ([]shard.Backend, error) {
	return d.root.ShardServers(ctx)
}

// Upsert writes entities to the shards that own them.
func (d *Dispatcher) Upsert(ctx context.Context, entities []model.Entity) error {
	start := time.Now()
	calls, err := d.dispatchPoint(ctx, entities, func(ctx context.Context, b shard.Backend, group []model.Entity) error {
		return b.Upsert(ctx, group)
	})
	d.record(opUpsert, start, len(entities), calls, err)
	return err
}

// Retrieve looks up entities by key and delivers found entities in batches.
func (d *Dispatcher) Retrieve(ctx context.Context, keys []model.Entity, cb shard.RetrieveCallback) error {
	return d.RetrieveByKeys(ctx, keys, cb)
}

// RetrieveByKeys looks up entities by key on their owning shards. Batches
// are delivered one at a time; once cb returns false no further batch of
// this call reaches it.
func (d *Dispatcher) RetrieveByKeys(ctx context.Context, keys []model.Entity, cb shard.RetrieveCallback) error {
	start := time.Now()
	sink := d.newSink(cb)
	calls, err := d.dispatchPoint(ctx, keys, func(ctx context.Context, b shard.Backend, group []model.Entity) error {
		return b.RetrieveByKeys(ctx, group, sink.deliver)
	})
	d.record(opRetrieve, start, len(keys), calls, err)
	return err
}

// Delete removes entities from the shards that own them.
func (d *Dispatcher) Delete(ctx context.Context, keys []model.Entity) error {
	start := time.Now()
	calls, err := d.dispatchPoint(ctx, keys, func(ctx context.Context, b shard.Backend, group []model.Entity) error {
		return b.Delete(ctx, group)
	})
	d.record(opDelete, start, len(keys), calls, err)
	return err
}

// RetrieveRange scans keys strictly between start and end on every shard
// that may hold them. Results are only complete when the keys were written
// with the ordered hash scheme.
func (d *Dispatcher) RetrieveRange(ctx context.Context, start, end []byte, cb shard.RetrieveCallback) error {
	began := time.Now()
	sink := d.newSink(cb)

	count, servers, err := d.topology(ctx)
	if err != nil {
		d.record(opRetrieveRange, began, 0, 0, err)
		return err
	}
	if len(servers) == 0 {
		err = d.root.RetrieveRange(ctx, start, end, sink.deliver)
		d.record(opRetrieveRange, began, 0, 1, err)
		return err
	}

	first, last := RangeShards(start, end, count)
	g := d.newGroup()
	calls := 0
	for i := first; i < last; i++ {
		idx, backend := i, servers[i]
		calls++
		g.Go(func() error {
			if err := backend.RetrieveRange(ctx, start, end, sink.deliver); err != nil {
				return fmt.Errorf("shard %d: %w", idx, err)
			}
			return nil
		})
	}
	err = g.Wait()
	d.record(opRetrieveRange, began, 0, calls, err)
	return err
}

// RangeShards returns the half-open interval [first, last) of shard indexes
// that can hold keys between start and end under the ordered scheme. A nil
// bound leaves that side of the interval open.
func RangeShards(start, end []byte, shardCount int) (first, last int) {
	first, last = 0, shardCount
	if start != nil {
		first = hashing.OrderedPartition(start, shardCount)
	}
	if end != nil {
		last = hashing.OrderedPartition(end, shardCount) + 1
	}
	return first, last
}

type pointOp func(ctx context.Context, b shard.Backend, group []model.Entity) error

// dispatchPoint groups entities by partition and runs op once per non-empty
// group. It returns the number of backend calls made.
func (d *Dispatcher) dispatchPoint(ctx context.Context, entities []model.Entity, op pointOp) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}

	count, servers, err := d.topology(ctx)
	if err != nil {
		return 0, err
	}
	if len(servers) == 0 {
		return 1, op(ctx, d.root, entities)
	}

	groups := make([][]model.Entity, count)
	for _, e := range entities {
		p := e.Partition(count)
		groups[p] = append(groups[p], e)
	}

	g := d.newGroup()
	calls := 0
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		idx, backend, group := i, servers[i], group
		calls++
		g.Go(func() error {
			if err := op(ctx, backend, group); err != nil {
				return fmt.Errorf("shard %d: %w", idx, err)
			}
			return nil
		})
	}
	return calls, g.Wait()
}

func (d *Dispatcher) topology(ctx context.Context) (int, []shard.Backend, error) {
	count, err := d.root.ShardCount(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get shard count: %w", err)
	}
	if count < 1 {
		return 0, nil, errors.InternalError(fmt.Sprintf("backend reports %d shards", count), nil)
	}
	servers, err := d.root.ShardServers(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get shard servers: %w", err)
	}
	if len(servers) > 0 && len(servers) != count {
		return 0, nil, errors.InternalError(
			fmt.Sprintf("backend reports %d shards but lists %d servers", count, len(servers)), nil)
	}
	return count, servers, nil
}

func (d *Dispatcher) newGroup() *errgroup.Group {
	g := &errgroup.Group{}
	if d.config.MaxConcurrency > 0 {
		g.SetLimit(d.config.MaxConcurrency)
	}
	return g
}

func (d *Dispatcher) record(op string, start time.Time, entities, calls int, err error) {
	duration := time.Since(start)
	if d.metrics != nil {
		d.metrics.RecordRequest(op, duration, entities, calls, err)
	}
	if err != nil {
		d.logger.Warn("Dispatch failed",
			zap.String("operation", op),
			zap.Int("entities", entities),
			zap.Int("shard_calls", calls),
			zap.Error(err))
		return
	}
	d.logger.Debug("Dispatch completed",
		zap.String("operation", op),
		zap.Int("entities", entities),
		zap.Int("shard_calls", calls),
		zap.Duration("duration", duration))
}

// sink hands shard batches to a caller's callback one at a time and drops
// everything after the callback has asked to stop.
type sink struct {
	mu      sync.Mutex
	stopped atomic.Bool
	cb      shard.RetrieveCallback
	metrics *metrics.Metrics
}

func (d *Dispatcher) newSink(cb shard.RetrieveCallback) *sink {
	return &sink{cb: cb, metrics: d.metrics}
}

func (s *sink) deliver(batch []model.Entity) bool {
	if s.stopped.Load() {
		s.recordDelivery(false)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		s.recordDelivery(false)
		return false
	}
	s.recordDelivery(true)
	if !s.cb(batch) {
		s.stopped.Store(true)
		return false
	}
	return true
}

func (s *sink) recordDelivery(delivered bool) {
	if s.metrics != nil {
		s.metrics.RecordDelivery(delivered)
	}
}
