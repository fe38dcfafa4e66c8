package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/shard"
	"github.com/devrev/scaledb/internal/util/workerpool"
	"github.com/devrev/scaledb/internal/wire"
)

// Config holds remote shard client settings.
type Config struct {
	// BatchSize is the maximum number of entities per request.
	BatchSize int
	// Timeout bounds each RPC. Zero means no per-call timeout.
	Timeout time.Duration
	// MaxInFlight bounds concurrent write requests per shard.
	MaxInFlight int
}

// DefaultConfig returns the client defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   100,
		Timeout:     30 * time.Second,
		MaxInFlight: 4,
	}
}

// RemoteShard is a shard.Backend served by another node. From the caller's
// point of view it is a single shard: ShardServers is always empty, so a
// dispatcher forwards to it directly.
type RemoteShard struct {
	addr   string
	conn   *grpc.ClientConn
	client *wire.ShardClient
	pool   *workerpool.WorkerPool
	cfg    Config
	logger *zap.Logger
}

// NewRemoteShard creates a client for the shard node at addr. The connection
// is established lazily on first use.
func NewRemoteShard(addr string, cfg *Config, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteShard, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for shard at %s: %w", addr, err)
	}

	return &RemoteShard{
		addr:   addr,
		conn:   conn,
		client: wire.NewShardClient(conn),
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "shard-client-" + addr,
			MaxWorkers: c.MaxInFlight,
			QueueSize:  c.MaxInFlight * 4,
			Logger:     logger,
		}),
		cfg:    c,
		logger: logger,
	}, nil
}

// Addr returns the remote address.
func (r *RemoteShard) Addr() string {
	return r.addr
}

func (r *RemoteShard) ShardCount(ctx context.Context) (int, error) {
	return 1, nil
}

func (r *RemoteShard) ShardServers(ctx context.Context) ([]shard.Backend, error) {
	return nil, nil
}

// RemoteShardCount asks the node how many shards it serves locally.
func (r *RemoteShard) RemoteShardCount(ctx context.Context) (int, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	resp, err := r.client.ShardCount(ctx, &wire.ShardCountRequest{})
	if err != nil {
		return 0, r.wrap("ShardCount", err)
	}
	return int(resp.Count), nil
}

// Upsert sends entities in batches, several batches in flight at once.
func (r *RemoteShard) Upsert(ctx context.Context, entities []model.Entity) error {
	return r.writeBatches(ctx, "Upsert", entities, func(ctx context.Context, batch []model.Entity) error {
		_, err := r.client.Upsert(ctx, &wire.UpsertRequest{Entities: batch})
		return err
	})
}

// Delete removes keys in batches.
func (r *RemoteShard) Delete(ctx context.Context, keys []model.Entity) error {
	return r.writeBatches(ctx, "Delete", keys, func(ctx context.Context, batch []model.Entity) error {
		_, err := r.client.Delete(ctx, &wire.DeleteRequest{Keys: batch})
		return err
	})
}

// RetrieveByKeys streams lookups batch by batch. Batches are requested one
// after the other so that a stop from cb takes effect immediately.
func (r *RemoteShard) RetrieveByKeys(ctx context.Context, keys []model.Entity, cb shard.RetrieveCallback) error {
	for _, batch := range chunk(keys, r.cfg.BatchSize) {
		more, err := r.receive(ctx, "RetrieveByKeys", func(ctx context.Context) (wire.EntityReceiver, error) {
			return r.client.RetrieveByKeys(ctx, &wire.RetrieveByKeysRequest{Keys: batch})
		}, cb)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// RetrieveRange streams the entities strictly between start and end.
func (r *RemoteShard) RetrieveRange(ctx context.Context, start, end []byte, cb shard.RetrieveCallback) error {
	_, err := r.receive(ctx, "RetrieveRange", func(ctx context.Context) (wire.EntityReceiver, error) {
		return r.client.RetrieveRange(ctx, &wire.RetrieveRangeRequest{Start: start, End: end})
	}, cb)
	return err
}

// Close stops the worker pool and closes the connection.
func (r *RemoteShard) Close() error {
	if err := r.pool.Stop(5 * time.Second); err != nil {
		r.logger.Warn("Shard client pool did not stop cleanly",
			zap.String("addr", r.addr),
			zap.Error(err))
	}
	return r.conn.Close()
}

// receive drains one stream into cb. It reports false once cb asked to stop,
// in which case the stream is cancelled.
func (r *RemoteShard) receive(ctx context.Context, method string, open func(context.Context) (wire.EntityReceiver, error), cb shard.RetrieveCallback) (bool, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	stream, err := open(ctx)
	if err != nil {
		return false, r.wrap(method, err)
	}
	for {
		batch, err := stream.Recv()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, r.wrap(method, err)
		}
		if len(batch.Entities) == 0 {
			continue
		}
		if !cb(batch.Entities) {
			return false, nil
		}
	}
}

// writeBatches runs call for every chunk of entities on the worker pool and
// waits for all of them. The first failure is returned.
func (r *RemoteShard) writeBatches(ctx context.Context, method string, entities []model.Entity, call func(context.Context, []model.Entity) error) error {
	batches := chunk(entities, r.cfg.BatchSize)
	switch len(batches) {
	case 0:
		return nil
	case 1:
		return r.callBatch(ctx, method, batches[0], call)
	}

	tasks := make([]workerpool.Task, len(batches))
	for i, batch := range batches {
		batch := batch
		tasks[i] = workerpool.Task{
			ID: fmt.Sprintf("%s-%d", method, i),
			Fn: func(ctx context.Context) error {
				return r.callBatch(ctx, method, batch, call)
			},
		}
	}
	if err := r.pool.Run(ctx, tasks...); err != nil {
		if errors.IsStorageError(err) {
			return err
		}
		return errors.Unavailable(fmt.Sprintf("%s to %s failed", method, r.addr), err)
	}
	return nil
}

func (r *RemoteShard) callBatch(ctx context.Context, method string, batch []model.Entity, call func(context.Context, []model.Entity) error) error {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	start := time.Now()
	err := call(ctx, batch)
	r.logger.Debug("Shard call finished",
		zap.String("addr", r.addr),
		zap.String("method", method),
		zap.Int("entities", len(batch)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return r.wrap(method, err)
	}
	return nil
}

func (r *RemoteShard) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, r.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (r *RemoteShard) wrap(method string, err error) error {
	return fmt.Errorf("%s on shard %s: %w", method, r.addr, errors.FromGRPC(err))
}

func chunk(entities []model.Entity, size int) [][]model.Entity {
	var out [][]model.Entity
	for len(entities) > 0 {
		n := min(len(entities), size)
		out = append(out, entities[:n])
		entities = entities[n:]
	}
	return out
}
