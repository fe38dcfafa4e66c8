package table

import (
	"context"
	"fmt"

	"github.com/devrev/scaledb/internal/codec"
	"github.com/devrev/scaledb/internal/errors"
)

// FieldDef declares the name and kind of one field.
type FieldDef struct {
	Name string
	Kind codec.Kind
}

// Schema is an explicit row layout. Rows written through a table that has a
// schema may only carry declared fields, each with its declared kind; fields
// may be omitted.
type Schema struct {
	Fields []FieldDef
	byName map[string]codec.Kind
}

// NewSchema builds a schema, rejecting duplicate or invalid field names.
func NewSchema(defs ...FieldDef) (*Schema, error) {
	byName := make(map[string]codec.Kind, len(defs))
	for _, d := range defs {
		if err := defaultValidator.ValidateFieldName(d.Name); err != nil {
			return nil, err
		}
		if !d.Kind.Valid() {
			return nil, errors.InvalidArgument(fmt.Sprintf("field %s has unknown kind %s", d.Name, d.Kind), nil)
		}
		if _, dup := byName[d.Name]; dup {
			return nil, errors.InvalidArgument(fmt.Sprintf("field %s is declared twice", d.Name), nil)
		}
		byName[d.Name] = d.Kind
	}
	return &Schema{Fields: append([]FieldDef(nil), defs...), byName: byName}, nil
}

// Validate checks a row against the schema.
func (s *Schema) Validate(row Row) error {
	for _, f := range row.Fields {
		want, ok := s.byName[f.Name]
		if !ok {
			return errors.InvalidArgument(fmt.Sprintf("field %s is not declared", f.Name), nil).
				WithDetail("field", f.Name)
		}
		got, ok := codec.KindOf(f.Value)
		if !ok || got != want {
			return errors.InvalidArgument(fmt.Sprintf("field %s must be %s, got %T", f.Name, want, f.Value), nil).
				WithDetail("field", f.Name)
		}
	}
	return nil
}

// Mapper converts between an application type and table rows.
type Mapper[T any] interface {
	ToRow(v T) (Row, error)
	FromRow(r Row) (T, error)
}

// MapperFuncs adapts a pair of functions to Mapper.
type MapperFuncs[T any] struct {
	To   func(T) (Row, error)
	From func(Row) (T, error)
}

func (m MapperFuncs[T]) ToRow(v T) (Row, error)   { return m.To(v) }
func (m MapperFuncs[T]) FromRow(r Row) (T, error) { return m.From(r) }

// UpsertAs writes values through a mapper.
func UpsertAs[T any](ctx context.Context, t *Table, m Mapper[T], values ...T) error {
	rows := make([]Row, len(values))
	for i, v := range values {
		r, err := m.ToRow(v)
		if err != nil {
			return fmt.Errorf("failed to map value %d: %w", i, err)
		}
		rows[i] = r
	}
	return t.Upsert(ctx, rows...)
}

// RetrieveAs looks up keys and delivers mapped values in batches.
func RetrieveAs[T any](ctx context.Context, t *Table, m Mapper[T], keys [][]byte, cb func([]T) bool) error {
	var mapErr error
	err := t.Retrieve(ctx, keys, func(rows []Row) bool {
		out, err := mapRows(m, rows)
		if err != nil {
			mapErr = err
			return false
		}
		return cb(out)
	})
	if err != nil {
		return err
	}
	return mapErr
}

// RetrieveManyAs looks up keys and returns every mapped value found.
func RetrieveManyAs[T any](ctx context.Context, t *Table, m Mapper[T], keys ...[]byte) ([]T, error) {
	rows, err := t.RetrieveMany(ctx, keys...)
	if err != nil {
		return nil, err
	}
	return mapRows(m, rows)
}

// ScanAs returns the mapped rows strictly between start and end in key order.
func ScanAs[T any](ctx context.Context, t *Table, m Mapper[T], start, end []byte) ([]T, error) {
	rows, err := t.Scan(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return mapRows(m, rows)
}

func mapRows[T any](m Mapper[T], rows []Row) ([]T, error) {
	out := make([]T, len(rows))
	for i, r := range rows {
		v, err := m.FromRow(r)
		if err != nil {
			return nil, fmt.Errorf("failed to map row %q: %w", r.Key, err)
		}
		out[i] = v
	}
	return out, nil
}
