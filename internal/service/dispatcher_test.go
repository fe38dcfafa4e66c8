package service

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/hashing"
	"github.com/devrev/scaledb/internal/metrics"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/shard"
	"github.com/devrev/scaledb/internal/storage/memstore"
)

func newMemCluster(t *testing.T, n int) (*shard.Cluster, []*memstore.Store) {
	t.Helper()
	stores := make([]*memstore.Store, n)
	backends := make([]shard.Backend, n)
	for i := range stores {
		stores[i] = memstore.NewStore(nil, zap.NewNop())
		backends[i] = stores[i]
	}
	cluster, err := shard.NewCluster(backends...)
	require.NoError(t, err)
	return cluster, stores
}

func randomEntities(rng *rand.Rand, n int, scheme model.HashScheme) []model.Entity {
	out := make([]model.Entity, n)
	for i := range out {
		key := make([]byte, 8+rng.Intn(32))
		value := make([]byte, 64)
		rng.Read(key)
		rng.Read(value)
		out[i] = model.Entity{Key: key, Value: value, Scheme: scheme}
	}
	return out
}

func TestDispatcher_UpsertRetrieveAcrossShards(t *testing.T) {
	ctx := context.Background()
	cluster, stores := newMemCluster(t, 8)
	d := NewDispatcher(cluster, nil, nil, zap.NewNop())

	entities := randomEntities(rand.New(rand.NewSource(11)), 5000, model.HashContent)
	require.NoError(t, d.Upsert(ctx, entities))

	total := 0
	for i, s := range stores {
		require.NoError(t, s.CheckInvariant())
		total += s.Len()
		require.NoError(t, s.RetrieveRange(ctx, nil, nil, func(batch []model.Entity) bool {
			for _, e := range batch {
				assert.Equal(t, i, hashing.ContentPartition(e.Key, 8), "key stored on the wrong shard")
			}
			return true
		}))
	}
	assert.Equal(t, 5000, total)

	var mu sync.Mutex
	got := make(map[string][]byte)
	require.NoError(t, d.Retrieve(ctx, entities, func(batch []model.Entity) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range batch {
			got[string(e.Key)] = e.Value
		}
		return true
	}))
	require.Len(t, got, len(entities))
	for _, e := range entities {
		assert.Equal(t, e.Value, got[string(e.Key)])
	}
}

func TestDispatcher_RangeAcrossOrderedShards(t *testing.T) {
	ctx := context.Background()
	cluster, stores := newMemCluster(t, 5)
	d := NewDispatcher(cluster, nil, nil, zap.NewNop())

	entities := randomEntities(rand.New(rand.NewSource(5)), 3000, model.HashOrdered)
	require.NoError(t, d.Upsert(ctx, entities))
	for i, s := range stores {
		assert.Greater(t, s.Len(), 0, "shard %d is empty", i)
	}

	sorted := make([][]byte, len(entities))
	for i, e := range entities {
		sorted[i] = e.Key
	}
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	start, end := sorted[400], sorted[2500]
	var mu sync.Mutex
	var got [][]byte
	require.NoError(t, d.RetrieveRange(ctx, start, end, func(batch []model.Entity) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range batch {
			got = append(got, e.Key)
		}
		return true
	}))

	sort.Slice(got, func(i, j int) bool { return bytes.Compare(got[i], got[j]) < 0 })
	assert.Equal(t, sorted[401:2500], got)

	var all int
	require.NoError(t, d.RetrieveRange(ctx, nil, nil, func(batch []model.Entity) bool {
		mu.Lock()
		all += len(batch)
		mu.Unlock()
		return true
	}))
	assert.Equal(t, len(entities), all)
}

func TestDispatcher_RangeOverIntegerKeys(t *testing.T) {
	tests := []struct {
		name   string
		key    func(i int) []byte
		shards int
	}{
		{
			name:   "int32 keys",
			shards: 4,
			key: func(i int) []byte {
				return binary.BigEndian.AppendUint32(nil, uint32(i))
			},
		},
		{
			name:   "keys spread over the hash space",
			shards: 5,
			key: func(i int) []byte {
				return binary.BigEndian.AppendUint64(nil, uint64(i)*(math.MaxUint64/5000))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cluster, _ := newMemCluster(t, tt.shards)
			d := NewDispatcher(cluster, nil, nil, zap.NewNop())

			entities := make([]model.Entity, 5000)
			for i := range entities {
				entities[i] = model.Entity{Key: tt.key(i), Value: []byte{byte(i)}, Scheme: model.HashOrdered}
			}
			require.NoError(t, d.Upsert(ctx, entities))

			var mu sync.Mutex
			var got [][]byte
			require.NoError(t, d.RetrieveRange(ctx, tt.key(200), tt.key(1000), func(batch []model.Entity) bool {
				mu.Lock()
				defer mu.Unlock()
				for _, e := range batch {
					got = append(got, e.Key)
				}
				return true
			}))

			require.Len(t, got, 799)
			sort.Slice(got, func(i, j int) bool { return bytes.Compare(got[i], got[j]) < 0 })
			assert.Equal(t, tt.key(201), got[0])
			assert.Equal(t, tt.key(999), got[798])
		})
	}
}

func TestDispatcher_StopSignal(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newMemCluster(t, 8)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	d := NewDispatcher(cluster, nil, m, zap.NewNop())

	entities := randomEntities(rand.New(rand.NewSource(2)), 2000, model.HashContent)
	require.NoError(t, d.Upsert(ctx, entities))

	var calls atomic.Int32
	require.NoError(t, d.Retrieve(ctx, entities, func([]model.Entity) bool {
		calls.Add(1)
		return false
	}))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesDelivered))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BatchesSuppressed))

	calls.Store(0)
	require.NoError(t, d.RetrieveRange(ctx, nil, nil, func([]model.Entity) bool {
		calls.Add(1)
		return false
	}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_CallbacksAreSerialised(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newMemCluster(t, 16)
	d := NewDispatcher(cluster, nil, nil, zap.NewNop())

	entities := randomEntities(rand.New(rand.NewSource(9)), 1000, model.HashContent)
	require.NoError(t, d.Upsert(ctx, entities))

	var inside atomic.Int32
	overlap := false
	count := 0
	require.NoError(t, d.Retrieve(ctx, entities, func(batch []model.Entity) bool {
		if inside.Add(1) > 1 {
			overlap = true
		}
		count += len(batch)
		inside.Add(-1)
		return true
	}))
	assert.False(t, overlap)
	assert.Equal(t, len(entities), count)
}

type failingBackend struct {
	shard.Unsupported
	err   error
	calls atomic.Int32
}

func (f *failingBackend) ShardCount(context.Context) (int, error)               { return 1, nil }
func (f *failingBackend) ShardServers(context.Context) ([]shard.Backend, error) { return nil, nil }
func (f *failingBackend) Upsert(context.Context, []model.Entity) error {
	f.calls.Add(1)
	return f.err
}

func TestDispatcher_ShardErrorFailsWholeCall(t *testing.T) {
	ctx := context.Background()
	good := memstore.NewStore(nil, nil)
	bad := &failingBackend{err: errors.Unavailable("shard down", nil)}
	cluster, err := shard.NewCluster(good, bad)
	require.NoError(t, err)
	d := NewDispatcher(cluster, nil, nil, zap.NewNop())

	entities := randomEntities(rand.New(rand.NewSource(4)), 200, model.HashContent)
	err = d.Upsert(ctx, entities)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
	assert.Contains(t, err.Error(), "shard 1")
	assert.Equal(t, int32(1), bad.calls.Load())
	assert.Greater(t, good.Len(), 0, "healthy shards still complete")
}

func TestDispatcher_DirectForward(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore(nil, nil)
	d := NewDispatcher(store, nil, nil, nil)

	entities := randomEntities(rand.New(rand.NewSource(6)), 100, model.HashContent)
	require.NoError(t, d.Upsert(ctx, entities))
	assert.Equal(t, 100, store.Len())

	require.NoError(t, d.Delete(ctx, entities[:40]))
	assert.Equal(t, 60, store.Len())

	n := 0
	require.NoError(t, d.RetrieveRange(ctx, nil, nil, func(b []model.Entity) bool {
		n += len(b)
		return true
	}))
	assert.Equal(t, 60, n)
}

func TestDispatcher_DeleteAcrossShards(t *testing.T) {
	ctx := context.Background()
	cluster, stores := newMemCluster(t, 4)
	d := NewDispatcher(cluster, &DispatcherConfig{MaxConcurrency: 2}, nil, nil)

	entities := randomEntities(rand.New(rand.NewSource(8)), 500, model.HashContent)
	require.NoError(t, d.Upsert(ctx, entities))
	require.NoError(t, d.Delete(ctx, entities))
	for _, s := range stores {
		assert.Zero(t, s.Len())
	}
}

func TestDispatcher_NilValueRejected(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newMemCluster(t, 3)
	d := NewDispatcher(cluster, nil, nil, nil)

	err := d.Upsert(ctx, []model.Entity{{Key: []byte("k")}})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidValue, errors.GetCode(err))
}

func TestDispatcher_EmptyInput(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newMemCluster(t, 3)
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	d := NewDispatcher(cluster, nil, m, nil)

	require.NoError(t, d.Upsert(ctx, nil))
	require.NoError(t, d.Retrieve(ctx, nil, func([]model.Entity) bool {
		t.Fatal("callback must not run")
		return true
	}))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ShardCallsTotal.WithLabelValues(opUpsert)))
}

type mismatchedBackend struct {
	shard.Unsupported
}

func (mismatchedBackend) ShardCount(context.Context) (int, error) { return 3, nil }
func (mismatchedBackend) ShardServers(context.Context) ([]shard.Backend, error) {
	return []shard.Backend{memstore.NewStore(nil, nil)}, nil
}

func TestDispatcher_TopologyMismatch(t *testing.T) {
	d := NewDispatcher(mismatchedBackend{}, nil, nil, nil)
	err := d.Upsert(context.Background(), []model.Entity{model.NewEntity([]byte("k"), []byte("v"))})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternal, errors.GetCode(err))
}

func TestDispatcher_Nested(t *testing.T) {
	ctx := context.Background()
	inner, stores := newMemCluster(t, 4)
	outer := NewDispatcher(NewDispatcher(inner, nil, nil, nil), nil, nil, nil)

	entities := randomEntities(rand.New(rand.NewSource(12)), 400, model.HashContent)
	require.NoError(t, outer.Upsert(ctx, entities))
	total := 0
	for _, s := range stores {
		total += s.Len()
	}
	assert.Equal(t, 400, total)
}

func TestRangeShards(t *testing.T) {
	tests := []struct {
		name        string
		start, end  []byte
		count       int
		first, last int
	}{
		{"open", nil, nil, 4, 0, 4},
		{"open start", nil, []byte{0x10}, 4, 0, 1},
		{"open end", []byte{0xc0}, nil, 4, 3, 4},
		{"middle", []byte{0x40}, []byte{0x90}, 4, 1, 3},
		{"single shard", []byte{1}, []byte{2}, 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := RangeShards(tt.start, tt.end, tt.count)
			assert.Equal(t, tt.first, first)
			assert.Equal(t, tt.last, last)
		})
	}
}

func TestDispatcher_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cluster, _ := newMemCluster(t, 2)
	d := NewDispatcher(cluster, nil, nil, nil)

	err := d.Upsert(ctx, randomEntities(rand.New(rand.NewSource(1)), 10, model.HashContent))
	assert.True(t, stderrors.Is(err, context.Canceled))
}
