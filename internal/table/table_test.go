package table

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/codec"
	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/hashing"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/service"
	"github.com/devrev/scaledb/internal/shard"
	"github.com/devrev/scaledb/internal/storage/memstore"
)

func newTestDB(t *testing.T, shards int) (*DB, *service.Dispatcher) {
	t.Helper()
	backends := make([]shard.Backend, shards)
	for i := range backends {
		backends[i] = memstore.NewStore(nil, zap.NewNop())
	}
	cluster, err := shard.NewCluster(backends...)
	require.NoError(t, err)
	d := service.NewDispatcher(cluster, nil, nil, zap.NewNop())
	return NewDB(d, nil, zap.NewNop()), d
}

func mustKey(t *testing.T, v any) []byte {
	t.Helper()
	k, err := KeyOf(v)
	require.NoError(t, err)
	return k
}

func TestTable_UpsertRetrieveTypedRow(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 4)
	products, err := db.Table("products")
	require.NoError(t, err)

	created := time.Date(2022, 5, 6, 7, 8, 9, 0, time.UTC)
	id := uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479")
	row := NewRow(mustKey(t, "sku-1"),
		Field{Name: "Name", Value: "Widget"},
		Field{Name: "Count", Value: int32(12)},
		Field{Name: "Total", Value: int64(1 << 40)},
		Field{Name: "Weight", Value: 2.5},
		Field{Name: "Price", Value: codec.MustParseDecimal("9.99")},
		Field{Name: "Created", Value: created},
		Field{Name: "Blob", Value: []byte{0, 1}},
		Field{Name: "Ref", Value: id},
		Field{Name: "Active", Value: true},
	)
	require.NoError(t, products.Upsert(ctx, row))

	got, found, err := products.RetrieveOne(ctx, mustKey(t, "sku-1"))
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, row.Key, got.Key)
	key, err := got.KeyValue()
	require.NoError(t, err)
	assert.Equal(t, "sku-1", key)

	name, ok := Value[string](got, "Name")
	assert.True(t, ok)
	assert.Equal(t, "Widget", name)
	count, _ := Value[int32](got, "Count")
	assert.Equal(t, int32(12), count)
	price, _ := Value[codec.Decimal](got, "Price")
	assert.Equal(t, "9.99", price.String())
	ts, _ := Value[time.Time](got, "Created")
	assert.True(t, created.Equal(ts))
	ref, _ := Value[uuid.UUID](got, "Ref")
	assert.Equal(t, id, ref)

	names := make([]string, len(got.Fields))
	for i, f := range got.Fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"Name", "Count", "Total", "Weight", "Price", "Created", "Blob", "Ref", "Active"}, names)

	_, found, err = products.RetrieveOne(ctx, mustKey(t, "missing"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTable_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 3)
	a, err := db.Table("a")
	require.NoError(t, err)
	b, err := db.Table("b")
	require.NoError(t, err)

	key := []byte("shared")
	require.NoError(t, a.Upsert(ctx, NewRow(key, Field{Name: "From", Value: "a"})))
	require.NoError(t, b.Upsert(ctx, NewRow(key, Field{Name: "From", Value: "b"})))

	ra, _, err := a.RetrieveOne(ctx, key)
	require.NoError(t, err)
	rb, _, err := b.RetrieveOne(ctx, key)
	require.NoError(t, err)

	fa, _ := Value[string](ra, "From")
	fb, _ := Value[string](rb, "From")
	assert.Equal(t, "a", fa)
	assert.Equal(t, "b", fb)
}

func TestTable_OrderedRange(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 4)
	tbl, err := db.Table("numbers", WithOrderedKeys())
	require.NoError(t, err)

	rows := make([]Row, 5000)
	for i := range rows {
		rows[i] = NewRow(mustKey(t, int32(i)), Field{Name: "N", Value: int32(i)})
	}
	require.NoError(t, tbl.Upsert(ctx, rows...))

	got, err := tbl.Scan(ctx, mustKey(t, int32(0)), mustKey(t, int32(4999)))
	require.NoError(t, err)
	assert.Len(t, got, 4998)

	got, err = tbl.Scan(ctx, mustKey(t, int32(50)), mustKey(t, int32(100)))
	require.NoError(t, err)
	require.Len(t, got, 49)
	for i, r := range got {
		n, _ := Value[int32](r, "N")
		assert.Equal(t, int32(51+i), n)
	}

	all, err := tbl.Scan(ctx, nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 5000)
}

func TestTable_OrderedRowsShareOneShard(t *testing.T) {
	for _, name := range []string{"t", "loadtest"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := make([]*memstore.Store, 4)
			backends := make([]shard.Backend, len(stores))
			for i := range stores {
				stores[i] = memstore.NewStore(nil, zap.NewNop())
				backends[i] = stores[i]
			}
			cluster, err := shard.NewCluster(backends...)
			require.NoError(t, err)
			db := NewDB(service.NewDispatcher(cluster, nil, nil, zap.NewNop()), nil, zap.NewNop())

			tbl, err := db.Table(name, WithOrderedKeys())
			require.NoError(t, err)
			rows := make([]Row, 1000)
			for i := range rows {
				rows[i] = NewRow(mustKey(t, int64(i)*7919), Field{Name: "N", Value: int64(i)})
			}
			require.NoError(t, tbl.Upsert(ctx, rows...))

			want := make([]int, len(stores))
			want[hashing.OrderedPartition([]byte(name+"\x00"), len(stores))] += len(rows)
			want[hashing.OrderedPartition([]byte(RegistryTable+"\x00"+name), len(stores))]++
			for i, s := range stores {
				assert.Equal(t, want[i], s.Len(), "shard %d", i)
			}
		})
	}
}

func TestTable_RangeStaysInsideTable(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 2)
	ta, err := db.Table("t", WithOrderedKeys())
	require.NoError(t, err)
	tb, err := db.Table("u", WithOrderedKeys())
	require.NoError(t, err)

	require.NoError(t, ta.Upsert(ctx, NewRow([]byte{0xff}, Field{Name: "x", Value: true})))
	require.NoError(t, tb.Upsert(ctx, NewRow([]byte{0x00}, Field{Name: "x", Value: true})))

	rows, err := ta.Scan(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte{0xff}, rows[0].Key)
}

func TestTable_RangeRequiresOrderedKeys(t *testing.T) {
	db, _ := newTestDB(t, 2)
	tbl, err := db.Table("plain")
	require.NoError(t, err)

	_, err = tbl.Scan(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotSupported, errors.GetCode(err))
}

func TestTable_SchemeIsFixedPerTable(t *testing.T) {
	db, _ := newTestDB(t, 2)
	_, err := db.Table("events", WithOrderedKeys())
	require.NoError(t, err)

	_, err = db.Table("events")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	again, err := db.Table("events", WithOrderedKeys())
	require.NoError(t, err)
	assert.True(t, again.Ordered())
}

type recordingStore struct {
	*memstore.Store
	schemes []model.HashScheme
}

func (r *recordingStore) Upsert(ctx context.Context, entities []model.Entity) error {
	for _, e := range entities {
		r.schemes = append(r.schemes, e.Scheme)
	}
	return r.Store.Upsert(ctx, entities)
}

func TestTable_EntitiesCarryScheme(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{Store: memstore.NewStore(nil, nil)}
	db := NewDB(service.NewDispatcher(store, nil, nil, nil), nil, nil)

	ordered, err := db.Table("ordered", WithOrderedKeys())
	require.NoError(t, err)
	require.NoError(t, ordered.Upsert(ctx, NewRow([]byte("k"), Field{Name: "f", Value: true})))

	// Registry write followed by the row itself.
	assert.Equal(t, []model.HashScheme{model.HashOrdered, model.HashOrdered}, store.schemes)

	store.schemes = nil
	plain, err := db.Table("plain")
	require.NoError(t, err)
	require.NoError(t, plain.Upsert(ctx, NewRow([]byte("k"), Field{Name: "f", Value: true})))
	assert.Equal(t, []model.HashScheme{model.HashOrdered, model.HashContent}, store.schemes)
}

func TestTable_Delete(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 3)
	tbl, err := db.Table("doomed")
	require.NoError(t, err)

	require.NoError(t, tbl.Upsert(ctx,
		NewRow([]byte("a"), Field{Name: "v", Value: int64(1)}),
		NewRow([]byte("b"), Field{Name: "v", Value: int64(2)}),
	))
	require.NoError(t, tbl.Delete(ctx, []byte("a")))

	rows, err := tbl.RetrieveMany(ctx, []byte("a"), []byte("b"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("b"), rows[0].Key)
}

func TestTable_Registry(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 4)

	users, err := db.Table("users")
	require.NoError(t, err)
	events, err := db.Table("events", WithOrderedKeys())
	require.NoError(t, err)
	_, err = db.Table("unused")
	require.NoError(t, err)

	require.NoError(t, users.Upsert(ctx, NewRow([]byte("u1"), Field{Name: "Name", Value: "Ann"})))
	require.NoError(t, users.Upsert(ctx, NewRow([]byte("u2"), Field{Name: "Name", Value: "Bo"})))
	require.NoError(t, events.Upsert(ctx, NewRow([]byte("e1"), Field{Name: "Kind", Value: "click"})))

	tables, err := db.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TableInfo{
		{Name: "events", Ordered: true},
		{Name: "users", Ordered: false},
	}, tables)
}

func TestTable_InvalidInput(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 1)

	_, err := db.Table("")
	assert.Equal(t, errors.ErrCodeInvalidName, errors.GetCode(err))
	_, err = db.Table("bad\x00name")
	assert.Equal(t, errors.ErrCodeInvalidName, errors.GetCode(err))

	tbl, err := db.Table("ok")
	require.NoError(t, err)

	err = tbl.Upsert(ctx, NewRow(nil, Field{Name: "f", Value: true}))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	err = tbl.Upsert(ctx, NewRow([]byte("k"), Field{Name: "f", Value: 42}))
	assert.Equal(t, errors.ErrCodeEncoding, errors.GetCode(err))

	err = tbl.Upsert(ctx, NewRow([]byte("k"), Field{Name: "a\x00b", Value: true}))
	assert.Equal(t, errors.ErrCodeInvalidName, errors.GetCode(err))
}

func TestTable_EmptyRow(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 2)
	tbl, err := db.Table("empty")
	require.NoError(t, err)

	require.NoError(t, tbl.Upsert(ctx, NewRow([]byte("k"))))
	row, found, err := tbl.RetrieveOne(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, row.Fields)
}

func TestTable_CorruptValueSurfacesDecodingError(t *testing.T) {
	ctx := context.Background()
	db, d := newTestDB(t, 2)
	tbl, err := db.Table("raw")
	require.NoError(t, err)

	require.NoError(t, d.Upsert(ctx, []model.Entity{model.NewEntity([]byte("raw\x00k"), []byte{'f', 0, 99})}))

	_, err = tbl.RetrieveMany(ctx, []byte("k"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDecoding, errors.GetCode(err))
}

func TestTable_StopDelivery(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 8)
	tbl, err := db.Table("many")
	require.NoError(t, err)

	var keys [][]byte
	var rows []Row
	for i := 0; i < 500; i++ {
		k := make([]byte, 4)
		binary.BigEndian.PutUint32(k, uint32(i))
		keys = append(keys, k)
		rows = append(rows, NewRow(k, Field{Name: "i", Value: int32(i)}))
	}
	require.NoError(t, tbl.Upsert(ctx, rows...))

	batches := 0
	require.NoError(t, tbl.Retrieve(ctx, keys, func([]Row) bool {
		batches++
		return false
	}))
	assert.Equal(t, 1, batches)
}

func TestRow_Set(t *testing.T) {
	r := NewRow([]byte("k"), Field{Name: "a", Value: int32(1)})
	r.Set("a", int32(2))
	r.Set("b", "x")

	v, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int32(2), v)
	assert.Len(t, r.Fields, 2)

	_, ok = Value[string](r, "a")
	assert.False(t, ok)
	_, ok = r.Get("zzz")
	assert.False(t, ok)
}
