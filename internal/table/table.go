// Package table layers named tables of structured rows over the sharding
// dispatcher. Every row is stored as one entity whose key is the table name,
// a zero separator byte and the row key, and whose value is the row's fields
// encoded as a codec record.
package table

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/codec"
	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/service"
	"github.com/devrev/scaledb/internal/validation"
)

const (
	separator = 0x00

	// RegistryTable lists every table that has been written to.
	RegistryTable = "__tables"
)

var defaultValidator = validation.NewValidator()

// Option configures a table.
type Option func(*tableOptions)

type tableOptions struct {
	scheme model.HashScheme
	schema *Schema
}

// WithOrderedKeys stores the table's rows with the order-preserving hash so
// that RetrieveRange and Scan work on it.
//
// The ordered hash reads the first 8 bytes of the physical key, which starts
// with the table name and the separator. Those leading bytes are shared by
// every row, so an ordered table lives on the one shard that owns its prefix.
// Once the name is 7 bytes or longer the row key takes no part in placement
// at all. Different ordered tables may still land on different shards.
func WithOrderedKeys() Option {
	return func(o *tableOptions) { o.scheme = model.HashOrdered }
}

// WithSchema makes the table validate every written row against s.
func WithSchema(s *Schema) Option {
	return func(o *tableOptions) { o.schema = s }
}

// DB is a set of named tables sharing one dispatcher.
type DB struct {
	dispatcher *service.Dispatcher
	validator  *validation.Validator
	logger     *zap.Logger

	mu     sync.Mutex
	tables map[string]*Table
}

// NewDB creates a table database over d. v and logger may be nil.
func NewDB(d *service.Dispatcher, v *validation.Validator, logger *zap.Logger) *DB {
	if v == nil {
		v = defaultValidator
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		dispatcher: d,
		validator:  v,
		logger:     logger,
		tables:     make(map[string]*Table),
	}
}

// Table returns the named table. A table keeps the hash scheme it was first
// opened with; reopening it with a different scheme is an error.
func (db *DB) Table(name string, opts ...Option) (*Table, error) {
	if err := db.validator.ValidateTableName(name); err != nil {
		return nil, err
	}

	var o tableOptions
	for _, opt := range opts {
		opt(&o)
	}
	if name == RegistryTable {
		o.scheme = model.HashOrdered
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if t, ok := db.tables[name]; ok {
		if t.scheme != o.scheme {
			return nil, errors.InvalidArgument(
				fmt.Sprintf("table %s is already open with the %s hash scheme", name, t.scheme), nil)
		}
		if o.schema != nil && o.schema != t.schema {
			return nil, errors.InvalidArgument(
				fmt.Sprintf("table %s is already open with another schema", name), nil)
		}
		return t, nil
	}

	prefix := make([]byte, 0, len(name)+1)
	prefix = append(prefix, name...)
	prefix = append(prefix, separator)

	t := &Table{
		db:         db,
		name:       name,
		prefix:     prefix,
		scheme:     o.scheme,
		schema:     o.schema,
		registered: name == RegistryTable,
	}
	db.tables[name] = t
	return t, nil
}

// TableInfo describes a registered table.
type TableInfo struct {
	Name    string `json:"name"`
	Ordered bool   `json:"ordered"`
}

// Tables lists the tables recorded in the registry, in name order.
func (db *DB) Tables(ctx context.Context) ([]TableInfo, error) {
	reg, err := db.Table(RegistryTable)
	if err != nil {
		return nil, err
	}
	rows, err := reg.Scan(ctx, nil, nil)
	if err != nil {
		return nil, err
	}

	infos := make([]TableInfo, 0, len(rows))
	for _, r := range rows {
		ordered, _ := Value[bool](r, "Ordered")
		infos = append(infos, TableInfo{Name: string(r.Key), Ordered: ordered})
	}
	return infos, nil
}

// Table is a named namespace of rows.
type Table struct {
	db     *DB
	name   string
	prefix []byte
	scheme model.HashScheme
	schema *Schema

	regMu      sync.Mutex
	registered bool
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Ordered reports whether the table uses the order-preserving hash.
func (t *Table) Ordered() bool {
	return t.scheme == model.HashOrdered
}

// Upsert encodes and writes rows, replacing existing rows with equal keys.
func (t *Table) Upsert(ctx context.Context, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}

	entities := make([]model.Entity, len(rows))
	for i, r := range rows {
		e, err := t.encodeRow(r)
		if err != nil {
			return err
		}
		entities[i] = e
	}
	if err := t.db.validator.ValidateBatch(entities); err != nil {
		return err
	}
	if err := t.register(ctx); err != nil {
		return err
	}

	if err := t.db.dispatcher.Upsert(ctx, entities); err != nil {
		return fmt.Errorf("failed to upsert into table %s: %w", t.name, err)
	}
	return nil
}

// Retrieve looks up rows by key and delivers the rows found in batches.
// Returning false from cb stops further deliveries.
func (t *Table) Retrieve(ctx context.Context, keys [][]byte, cb func([]Row) bool) error {
	entities := make([]model.Entity, len(keys))
	for i, k := range keys {
		entities[i] = model.KeyOnly(t.physicalKey(k), t.scheme)
	}
	return t.deliver(ctx, cb, func(ecb func([]model.Entity) bool) error {
		return t.db.dispatcher.Retrieve(ctx, entities, ecb)
	})
}

// RetrieveMany returns every row found for keys, in no particular order.
func (t *Table) RetrieveMany(ctx context.Context, keys ...[]byte) ([]Row, error) {
	var out []Row
	err := t.Retrieve(ctx, keys, func(rows []Row) bool {
		out = append(out, rows...)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetrieveOne returns the row stored under key, if any.
func (t *Table) RetrieveOne(ctx context.Context, key []byte) (Row, bool, error) {
	rows, err := t.RetrieveMany(ctx, key)
	if err != nil || len(rows) == 0 {
		return Row{}, false, err
	}
	return rows[0], true, nil
}

// RetrieveRange delivers the rows whose keys lie strictly between start and
// end. Nil bounds are open. Only tables opened WithOrderedKeys support it.
func (t *Table) RetrieveRange(ctx context.Context, start, end []byte, cb func([]Row) bool) error {
	if !t.Ordered() {
		return errors.NotSupported("RetrieveRange").
			WithDetail("table", t.name).
			WithDetail("reason", "table does not use ordered keys")
	}

	lo := t.prefix
	if start != nil {
		lo = t.physicalKey(start)
	}
	var hi []byte
	if end != nil {
		hi = t.physicalKey(end)
	} else {
		hi = append(append([]byte(nil), t.prefix[:len(t.prefix)-1]...), separator+1)
	}

	return t.deliver(ctx, cb, func(ecb func([]model.Entity) bool) error {
		return t.db.dispatcher.RetrieveRange(ctx, lo, hi, ecb)
	})
}

// Scan returns the rows strictly between start and end sorted by key.
func (t *Table) Scan(ctx context.Context, start, end []byte) ([]Row, error) {
	var out []Row
	err := t.RetrieveRange(ctx, start, end, func(rows []Row) bool {
		out = append(out, rows...)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Delete removes rows by key.
func (t *Table) Delete(ctx context.Context, keys ...[]byte) error {
	entities := make([]model.Entity, len(keys))
	for i, k := range keys {
		entities[i] = model.KeyOnly(t.physicalKey(k), t.scheme)
	}
	if err := t.db.dispatcher.Delete(ctx, entities); err != nil {
		return fmt.Errorf("failed to delete from table %s: %w", t.name, err)
	}
	return nil
}

// deliver runs fetch and converts each entity batch into rows for cb. The
// first decoding failure stops delivery and is returned.
func (t *Table) deliver(ctx context.Context, cb func([]Row) bool, fetch func(func([]model.Entity) bool) error) error {
	var (
		mu        sync.Mutex
		decodeErr error
	)
	err := fetch(func(batch []model.Entity) bool {
		rows, err := t.decodeBatch(batch)
		if err != nil {
			mu.Lock()
			if decodeErr == nil {
				decodeErr = err
			}
			mu.Unlock()
			return false
		}
		if len(rows) == 0 {
			return true
		}
		return cb(rows)
	})
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return decodeErr
}

func (t *Table) encodeRow(r Row) (model.Entity, error) {
	if err := t.db.validator.ValidateRowKey(r.Key); err != nil {
		return model.Entity{}, err
	}
	for _, f := range r.Fields {
		if err := t.db.validator.ValidateFieldName(f.Name); err != nil {
			return model.Entity{}, err
		}
	}
	if t.schema != nil {
		if err := t.schema.Validate(r); err != nil {
			return model.Entity{}, err
		}
	}

	value, err := codec.EncodeRecord(r.Fields)
	if err != nil {
		return model.Entity{}, fmt.Errorf("row %q: %w", r.Key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return model.Entity{Key: t.physicalKey(r.Key), Value: value, Scheme: t.scheme}, nil
}

func (t *Table) decodeBatch(batch []model.Entity) ([]Row, error) {
	rows := make([]Row, 0, len(batch))
	for _, e := range batch {
		if !bytes.HasPrefix(e.Key, t.prefix) {
			continue
		}
		fields, err := codec.DecodeRecord(e.Value)
		if err != nil {
			return nil, fmt.Errorf("table %s row %q: %w", t.name, e.Key[len(t.prefix):], err)
		}
		rows = append(rows, Row{Key: e.Key[len(t.prefix):], Fields: fields})
	}
	return rows, nil
}

func (t *Table) physicalKey(key []byte) []byte {
	out := make([]byte, 0, len(t.prefix)+len(key))
	out = append(out, t.prefix...)
	return append(out, key...)
}

// register records the table in the registry before its first write.
func (t *Table) register(ctx context.Context) error {
	t.regMu.Lock()
	defer t.regMu.Unlock()
	if t.registered {
		return nil
	}

	reg, err := t.db.Table(RegistryTable)
	if err != nil {
		return err
	}
	row := NewRow([]byte(t.name),
		Field{Name: "Name", Value: t.name},
		Field{Name: "Ordered", Value: t.Ordered()},
	)
	if err := reg.Upsert(ctx, row); err != nil {
		return fmt.Errorf("failed to register table %s: %w", t.name, err)
	}
	t.registered = true

	t.db.logger.Info("Table registered",
		zap.String("table", t.name),
		zap.String("scheme", t.scheme.String()))
	return nil
}
