package client

import (
	"context"
	"fmt"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/handler"
	"github.com/devrev/scaledb/internal/metrics"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/service"
	"github.com/devrev/scaledb/internal/shard"
	"github.com/devrev/scaledb/internal/storage/memstore"
)

type testServer struct {
	backend   shard.Backend
	batchSize int
	metrics   *metrics.Metrics
	limiter   *handler.RateLimiter
}

// dial starts an in-process shard server and returns a client connected to it.
func dial(t *testing.T, ts testServer, cfg *Config) *RemoteShard {
	t.Helper()

	lis := bufconn.Listen(1 << 20)

	unary := []grpc.UnaryServerInterceptor{handler.UnaryMetricsInterceptor(ts.metrics)}
	stream := []grpc.StreamServerInterceptor{handler.StreamMetricsInterceptor(ts.metrics)}
	if ts.limiter != nil {
		unary = append(unary, ts.limiter.Unary())
		stream = append(stream, ts.limiter.Stream())
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	handler.NewShardHandler(ts.backend, ts.batchSize, ts.metrics, nil).Register(srv)

	go func() {
		_ = srv.Serve(lis)
	}()

	r, err := NewRemoteShard("passthrough:///bufnet", cfg, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = r.Close()
		srv.Stop()
	})
	return r
}

func entities(n int) []model.Entity {
	out := make([]model.Entity, n)
	for i := range out {
		out[i] = model.NewEntity([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("value-%d", i)))
	}
	return out
}

func collect(t *testing.T, fn func(shard.RetrieveCallback) error) map[string]string {
	t.Helper()
	got := make(map[string]string)
	require.NoError(t, fn(func(batch []model.Entity) bool {
		for _, e := range batch {
			got[string(e.Key)] = string(e.Value)
		}
		return true
	}))
	return got
}

func TestRemoteShard_RoundTrip(t *testing.T) {
	store := memstore.NewStore(nil, nil)
	r := dial(t, testServer{backend: store}, &Config{BatchSize: 100, Timeout: 5 * time.Second, MaxInFlight: 2})
	ctx := context.Background()

	all := entities(250)
	require.NoError(t, r.Upsert(ctx, all))
	assert.Equal(t, 250, store.Len())

	keys := []model.Entity{
		model.KeyOnly([]byte("key-0000"), model.HashContent),
		model.KeyOnly([]byte("key-0249"), model.HashContent),
		model.KeyOnly([]byte("missing"), model.HashContent),
	}
	got := collect(t, func(cb shard.RetrieveCallback) error { return r.RetrieveByKeys(ctx, keys, cb) })
	assert.Equal(t, map[string]string{"key-0000": "value-0", "key-0249": "value-249"}, got)

	got = collect(t, func(cb shard.RetrieveCallback) error {
		return r.RetrieveRange(ctx, []byte("key-0010"), []byte("key-0020"), cb)
	})
	require.Len(t, got, 9)
	rangeKeys := make([]string, 0, len(got))
	for k := range got {
		rangeKeys = append(rangeKeys, k)
	}
	sort.Strings(rangeKeys)
	assert.Equal(t, "key-0011", rangeKeys[0])
	assert.Equal(t, "key-0019", rangeKeys[8])

	got = collect(t, func(cb shard.RetrieveCallback) error { return r.RetrieveRange(ctx, nil, nil, cb) })
	assert.Len(t, got, 250)

	require.NoError(t, r.Delete(ctx, keys[:2]))
	assert.Equal(t, 248, store.Len())

	n, err := r.RemoteShardCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoteShard_LooksLikeOneShard(t *testing.T) {
	r := dial(t, testServer{backend: memstore.NewStore(nil, nil)}, nil)
	ctx := context.Background()

	n, err := r.ShardCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	servers, err := r.ShardServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestRemoteShard_EmptyValuePreserved(t *testing.T) {
	r := dial(t, testServer{backend: memstore.NewStore(nil, nil)}, nil)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, []model.Entity{model.NewEntity([]byte("k"), []byte{})}))

	var got []model.Entity
	require.NoError(t, r.RetrieveByKeys(ctx, []model.Entity{model.KeyOnly([]byte("k"), model.HashContent)},
		func(batch []model.Entity) bool {
			got = append(got, batch...)
			return true
		}))
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].Value)
	assert.Empty(t, got[0].Value)
}

func TestRemoteShard_StopSignal(t *testing.T) {
	store := memstore.NewStore(nil, nil)
	r := dial(t, testServer{backend: store, batchSize: 10}, nil)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, entities(100)))

	calls := 0
	err := r.RetrieveRange(ctx, nil, nil, func(batch []model.Entity) bool {
		calls++
		assert.Len(t, batch, 10)
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// The connection stays usable after a cancelled stream.
	got := collect(t, func(cb shard.RetrieveCallback) error { return r.RetrieveRange(ctx, nil, nil, cb) })
	assert.Len(t, got, 100)
}

func TestRemoteShard_ErrorMapping(t *testing.T) {
	r := dial(t, testServer{backend: memstore.NewStore(nil, nil)}, nil)
	ctx := context.Background()

	err := r.Upsert(ctx, []model.Entity{{Key: []byte("k")}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
	assert.Contains(t, err.Error(), "Upsert on shard")

	unsupported := &unsupportedBackend{}
	r = dial(t, testServer{backend: unsupported}, nil)
	err = r.RetrieveRange(ctx, nil, nil, func([]model.Entity) bool { return true })
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotSupported))
}

type unsupportedBackend struct {
	shard.Unsupported
}

func (unsupportedBackend) ShardCount(context.Context) (int, error)               { return 1, nil }
func (unsupportedBackend) ShardServers(context.Context) ([]shard.Backend, error) { return nil, nil }

func TestRemoteShard_RateLimited(t *testing.T) {
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	limiter := handler.NewRateLimiter(0.001, 1, m, nil)
	r := dial(t, testServer{backend: memstore.NewStore(nil, nil), metrics: m, limiter: limiter}, nil)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, entities(1)))
	err := r.Upsert(ctx, entities(1))
	assert.True(t, errors.HasCode(err, errors.ErrCodeRateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRateLimitedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequestsTotal.WithLabelValues("Upsert", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequestsTotal.WithLabelValues("Upsert", "ResourceExhausted")))
}

func TestRemoteShard_BehindDispatcher(t *testing.T) {
	stores := []*memstore.Store{memstore.NewStore(nil, nil), memstore.NewStore(nil, nil), memstore.NewStore(nil, nil)}
	remotes := make([]shard.Backend, len(stores))
	for i, s := range stores {
		remotes[i] = dial(t, testServer{backend: s}, &Config{BatchSize: 7})
	}
	cluster, err := shard.NewCluster(remotes...)
	require.NoError(t, err)
	d := service.NewDispatcher(cluster, nil, nil, nil)
	ctx := context.Background()

	all := entities(300)
	require.NoError(t, d.Upsert(ctx, all))

	total := 0
	for i, s := range stores {
		assert.Positive(t, s.Len(), "shard %d", i)
		total += s.Len()
	}
	assert.Equal(t, 300, total)

	keys := make([]model.Entity, len(all))
	for i, e := range all {
		keys[i] = model.KeyOnly(e.Key, e.Scheme)
	}
	got := collect(t, func(cb shard.RetrieveCallback) error { return d.Retrieve(ctx, keys, cb) })
	assert.Len(t, got, 300)
	assert.Equal(t, "value-42", got["key-0042"])
}

func TestChunk(t *testing.T) {
	assert.Empty(t, chunk(nil, 10))
	batches := chunk(entities(25), 10)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[2], 5)
}
