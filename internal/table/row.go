package table

import (
	"github.com/devrev/scaledb/internal/codec"
)

// Field is one named, typed value of a row.
type Field = codec.Field

// Row is a logical record: a key plus an ordered list of fields. Rows are
// built fresh on every read.
type Row struct {
	Key    []byte
	Fields []Field
}

// NewRow creates a row with the given key and fields.
func NewRow(key []byte, fields ...Field) Row {
	return Row{Key: key, Fields: fields}
}

// Get returns the value of the named field.
func (r Row) Get(name string) (any, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the named field's value, or appends the field if absent.
func (r *Row) Set(name string, value any) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// KeyValue decodes a key that was built with KeyOf from a typed value.
func (r Row) KeyValue() (any, error) {
	return codec.Decode(r.Key)
}

// KeyOf turns a row key into bytes. Byte slices are used as they are; any
// other supported value is encoded with the record codec, so typed keys of
// the same kind keep a stable byte form. Integer keys are big-endian two's
// complement, so byte order follows numeric order only for non-negative values.
func KeyOf(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return codec.Encode(v)
}

// KeysOf applies KeyOf to every value.
func KeysOf(values ...any) ([][]byte, error) {
	keys := make([][]byte, len(values))
	for i, v := range values {
		k, err := KeyOf(v)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

// Value reads a typed field, returning the zero value when the field is
// missing or has another type.
func Value[T any](r Row, name string) (T, bool) {
	v, ok := r.Get(name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
