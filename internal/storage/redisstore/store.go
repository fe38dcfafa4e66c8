// Package redisstore is a shard backend kept in Redis. Values live in one
// hash; keys are mirrored into a sorted set with equal scores so that range
// scans can use lexicographic ordering.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/shard"
)

const defaultScanBatch = 1000

// Config holds Redis backend configuration
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	// ScanBatch is the number of keys fetched per round trip during range scans.
	ScanBatch int
}

// Store is one shard stored in a Redis database.
type Store struct {
	client    *redis.Client
	valuesKey string
	indexKey  string
	scanBatch int
	logger    *zap.Logger
}

var _ shard.Backend = (*Store)(nil)

// NewStore connects to Redis and verifies the connection.
func NewStore(cfg *Config, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStoreWithClient(client, cfg.Namespace, cfg.ScanBatch, logger), nil
}

// NewStoreWithClient wraps an existing client. Stores with different
// namespaces share a database without seeing each other's keys.
func NewStoreWithClient(client *redis.Client, namespace string, scanBatch int, logger *zap.Logger) *Store {
	if namespace == "" {
		namespace = "scaledb"
	}
	if scanBatch <= 0 {
		scanBatch = defaultScanBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:    client,
		valuesKey: namespace + ":values",
		indexKey:  namespace + ":index",
		scanBatch: scanBatch,
		logger:    logger,
	}
}

func (s *Store) ShardCount(context.Context) (int, error) {
	return 1, nil
}

func (s *Store) ShardServers(context.Context) ([]shard.Backend, error) {
	return nil, nil
}

// Upsert writes every entity in one MULTI/EXEC transaction.
func (s *Store) Upsert(ctx context.Context, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	for _, e := range entities {
		if e.Value == nil {
			return errors.InvalidValue(e.Key)
		}
	}

	fields := make([]interface{}, 0, 2*len(entities))
	members := make([]redis.Z, 0, len(entities))
	for _, e := range entities {
		fields = append(fields, string(e.Key), e.Value)
		members = append(members, redis.Z{Score: 0, Member: string(e.Key)})
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.valuesKey, fields...)
		pipe.ZAdd(ctx, s.indexKey, members...)
		return nil
	})
	if err != nil {
		return errors.Unavailable("redis upsert failed", err)
	}
	return nil
}

// RetrieveByKeys looks all keys up with one HMGET. Found entities keep the
// scheme of the key they were requested with.
func (s *Store) RetrieveByKeys(ctx context.Context, keys []model.Entity, cb shard.RetrieveCallback) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	schemes := make([]model.HashScheme, len(keys))
	for i, k := range keys {
		names[i] = string(k.Key)
		schemes[i] = k.Scheme
	}

	found, err := s.fetch(ctx, names, schemes)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		cb(found)
	}
	return nil
}

// RetrieveRange scans keys strictly between start and end in batches of
// ScanBatch, delivering one callback per non-empty batch. Each page starts
// after the last key of the previous one, so keys deleted mid-scan do not
// shift later pages.
func (s *Store) RetrieveRange(ctx context.Context, start, end []byte, cb shard.RetrieveCallback) error {
	lo, hi := lexBounds(start, end)
	for {
		names, err := s.client.ZRangeByLex(ctx, s.indexKey, &redis.ZRangeBy{
			Min:   lo,
			Max:   hi,
			Count: int64(s.scanBatch),
		}).Result()
		if err != nil {
			return errors.Unavailable("redis range scan failed", err)
		}
		if len(names) == 0 {
			return nil
		}

		schemes := make([]model.HashScheme, len(names))
		for i := range schemes {
			schemes[i] = model.HashOrdered
		}
		found, err := s.fetch(ctx, names, schemes)
		if err != nil {
			return err
		}
		if len(found) > 0 && !cb(found) {
			return nil
		}
		if len(names) < s.scanBatch {
			return nil
		}
		lo = "(" + names[len(names)-1]
	}
}

// Delete removes keys from both the hash and the index.
func (s *Store) Delete(ctx context.Context, keys []model.Entity) error {
	if len(keys) == 0 {
		return nil
	}
	fields := make([]string, len(keys))
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		fields[i] = string(k.Key)
		members[i] = string(k.Key)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.valuesKey, fields...)
		pipe.ZRem(ctx, s.indexKey, members...)
		return nil
	})
	if err != nil {
		return errors.Unavailable("redis delete failed", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) fetch(ctx context.Context, names []string, schemes []model.HashScheme) ([]model.Entity, error) {
	values, err := s.client.HMGet(ctx, s.valuesKey, names...).Result()
	if err != nil {
		return nil, errors.Unavailable("redis lookup failed", err)
	}
	return toEntities(names, schemes, values)
}

// toEntities pairs HMGET results with their keys and schemes, skipping
// missing fields.
func toEntities(names []string, schemes []model.HashScheme, values []interface{}) ([]model.Entity, error) {
	if len(names) != len(values) {
		return nil, errors.InternalError(fmt.Sprintf("redis returned %d values for %d keys", len(values), len(names)), nil)
	}
	var out []model.Entity
	for i, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, errors.CorruptedData(fmt.Sprintf("unexpected redis value type %T", v), nil)
		}
		out = append(out, model.Entity{Key: []byte(names[i]), Value: []byte(str), Scheme: schemes[i]})
	}
	return out, nil
}

// lexBounds converts exclusive byte bounds into ZRANGEBYLEX arguments.
func lexBounds(start, end []byte) (string, string) {
	lo, hi := "-", "+"
	if start != nil {
		lo = "(" + string(start)
	}
	if end != nil {
		hi = "(" + string(end)
	}
	return lo, hi
}
