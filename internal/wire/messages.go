// Package wire defines the messages, gRPC codec and service descriptor used
// to expose a shard backend over the network. Messages use the protobuf
// binary wire format, written directly with protowire.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/scaledb/internal/model"
)

// Message is implemented by every request and response type.
type Message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(data []byte) error
}

// Entity field numbers.
const (
	entityKeyField    protowire.Number = 1
	entityValueField  protowire.Number = 2
	entitySchemeField protowire.Number = 3
)

// ShardCountRequest asks a node for its shard count.
type ShardCountRequest struct{}

// ShardCountResponse carries a node's shard count.
type ShardCountResponse struct {
	Count int32
}

// UpsertRequest carries entities to write.
type UpsertRequest struct {
	Entities []model.Entity
}

// DeleteRequest carries keys to delete.
type DeleteRequest struct {
	Keys []model.Entity
}

// RetrieveByKeysRequest carries keys to look up.
type RetrieveByKeysRequest struct {
	Keys []model.Entity
}

// RetrieveRangeRequest carries optional exclusive range bounds. A nil bound
// is open.
type RetrieveRangeRequest struct {
	Start []byte
	End   []byte
}

// EntityBatch is one streamed batch of retrieved entities.
type EntityBatch struct {
	Entities []model.Entity
}

// Ack acknowledges a write.
type Ack struct {
	Applied int32
}

func (m *ShardCountRequest) MarshalWire() ([]byte, error) { return []byte{}, nil }
func (m *ShardCountRequest) UnmarshalWire(data []byte) error {
	return skipAll(data)
}

func (m *ShardCountResponse) MarshalWire() ([]byte, error) {
	return appendVarintField(nil, 1, uint64(m.Count)), nil
}

func (m *ShardCountResponse) UnmarshalWire(data []byte) error {
	*m = ShardCountResponse{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.Count = int32(v)
			return n, nil
		}
		return skip(num, typ, b)
	})
}

func (m *Ack) MarshalWire() ([]byte, error) {
	return appendVarintField(nil, 1, uint64(m.Applied)), nil
}

func (m *Ack) UnmarshalWire(data []byte) error {
	*m = Ack{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.Applied = int32(v)
			return n, nil
		}
		return skip(num, typ, b)
	})
}

func (m *UpsertRequest) MarshalWire() ([]byte, error) { return marshalEntities(m.Entities), nil }
func (m *UpsertRequest) UnmarshalWire(data []byte) error {
	var err error
	m.Entities, err = unmarshalEntities(data)
	return err
}

func (m *DeleteRequest) MarshalWire() ([]byte, error) { return marshalEntities(m.Keys), nil }
func (m *DeleteRequest) UnmarshalWire(data []byte) error {
	var err error
	m.Keys, err = unmarshalEntities(data)
	return err
}

func (m *RetrieveByKeysRequest) MarshalWire() ([]byte, error) { return marshalEntities(m.Keys), nil }
func (m *RetrieveByKeysRequest) UnmarshalWire(data []byte) error {
	var err error
	m.Keys, err = unmarshalEntities(data)
	return err
}

func (m *EntityBatch) MarshalWire() ([]byte, error) { return marshalEntities(m.Entities), nil }
func (m *EntityBatch) UnmarshalWire(data []byte) error {
	var err error
	m.Entities, err = unmarshalEntities(data)
	return err
}

func (m *RetrieveRangeRequest) MarshalWire() ([]byte, error) {
	var b []byte
	if m.Start != nil {
		b = appendBytesField(b, 1, m.Start)
	}
	if m.End != nil {
		b = appendBytesField(b, 2, m.End)
	}
	return b, nil
}

func (m *RetrieveRangeRequest) UnmarshalWire(data []byte) error {
	*m = RetrieveRangeRequest{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != 1 && num != 2) {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		if num == 1 {
			m.Start = copyPresent(v)
		} else {
			m.End = copyPresent(v)
		}
		return n, nil
	})
}

// marshalEntities writes each entity as a repeated nested message in field 1.
func marshalEntities(entities []model.Entity) []byte {
	var b []byte
	for _, e := range entities {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalEntity(e))
	}
	return b
}

func marshalEntity(e model.Entity) []byte {
	b := appendBytesField(nil, entityKeyField, e.Key)
	if e.Value != nil {
		b = appendBytesField(b, entityValueField, e.Value)
	}
	if e.Scheme != model.HashContent {
		b = appendVarintField(b, entitySchemeField, uint64(e.Scheme))
	}
	return b
}

func unmarshalEntities(data []byte) ([]model.Entity, error) {
	var out []model.Entity
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		e, err := unmarshalEntity(v)
		if err != nil {
			return 0, err
		}
		out = append(out, e)
		return n, nil
	})
	return out, err
}

func unmarshalEntity(data []byte) (model.Entity, error) {
	var e model.Entity
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == entityKeyField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				e.Key = copyPresent(v)
			}
			return n, nil
		case num == entityValueField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				e.Value = copyPresent(v)
			}
			return n, nil
		case num == entitySchemeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Scheme = model.HashScheme(v)
			return n, nil
		}
		return skip(num, typ, b)
	})
	return e, err
}

// walk iterates over the fields of a message. fn consumes the field value
// at the start of b and returns the number of bytes it used, or a negative
// protowire error code.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func skipAll(data []byte) error {
	return walk(data, skip)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// copyPresent copies a field that was present on the wire, keeping empty
// values distinct from absent ones.
func copyPresent(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
