// Package codec implements the self-describing binary format used to store
// structured rows inside opaque shard values.
//
// Every value is written as a one-byte kind tag followed by a kind specific
// payload. All multi-byte integers are big-endian. A record is a sequence of
// (zero-terminated field name, tagged value) pairs with no outer length; it
// ends where the input ends.
package codec

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the tag byte that prefixes every encoded value.
type Kind byte

const (
	KindBool Kind = iota
	KindInt32
	KindInt64
	KindFloat64
	KindDecimal
	KindTimestamp
	KindString
	KindBytes
	KindUUID

	kindCount
)

var kindNames = [...]string{
	KindBool:      "bool",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat64:   "float64",
	KindDecimal:   "decimal",
	KindTimestamp: "timestamp",
	KindString:    "string",
	KindBytes:     "bytes",
	KindUUID:      "uuid",
}

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Valid reports whether k is one of the known tags.
func (k Kind) Valid() bool {
	return k < kindCount
}

// KindOf returns the kind that v encodes as, or false if the Go type of v is
// outside the supported set.
func KindOf(v any) (Kind, bool) {
	switch v.(type) {
	case bool:
		return KindBool, true
	case int32:
		return KindInt32, true
	case int64:
		return KindInt64, true
	case float64:
		return KindFloat64, true
	case Decimal:
		return KindDecimal, true
	case time.Time:
		return KindTimestamp, true
	case string:
		return KindString, true
	case []byte:
		return KindBytes, true
	case uuid.UUID:
		return KindUUID, true
	default:
		return 0, false
	}
}
