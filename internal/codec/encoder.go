package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/scaledb/internal/errors"
)

// Encoder writes tagged values to an underlying writer.
type Encoder struct {
	w       io.Writer
	scratch [16]byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the kind tag of v followed by its payload. Values whose Go
// type is outside the supported set fail with an encoding error and nothing
// is written.
func (e *Encoder) Encode(v any) error {
	kind, ok := KindOf(v)
	if !ok {
		return errors.EncodingError(fmt.Sprintf("unsupported value type %T", v), nil).
			WithDetail("type", fmt.Sprintf("%T", v))
	}

	switch val := v.(type) {
	case string:
		if strings.IndexByte(val, 0) >= 0 {
			return errors.EncodingError("string value contains a zero byte", nil)
		}
	case []byte:
		if uint64(len(val)) > math.MaxUint32 {
			return errors.EncodingError(fmt.Sprintf("byte array of %d bytes is too long", len(val)), nil)
		}
	}

	if err := e.writeByte(byte(kind)); err != nil {
		return err
	}
	return e.encodePayload(v)
}

func (e *Encoder) encodePayload(v any) error {
	switch val := v.(type) {
	case bool:
		if val {
			return e.writeByte(1)
		}
		return e.writeByte(0)

	case int32:
		binary.BigEndian.PutUint32(e.scratch[:4], uint32(val))
		return e.write(e.scratch[:4])

	case int64:
		binary.BigEndian.PutUint64(e.scratch[:8], uint64(val))
		return e.write(e.scratch[:8])

	case float64:
		binary.BigEndian.PutUint64(e.scratch[:8], math.Float64bits(val))
		return e.write(e.scratch[:8])

	case Decimal:
		binary.BigEndian.PutUint64(e.scratch[0:8], val.Lo)
		binary.BigEndian.PutUint32(e.scratch[8:12], val.Hi)
		binary.BigEndian.PutUint32(e.scratch[12:16], val.flags())
		return e.write(e.scratch[:16])

	case time.Time:
		bin, err := timeToBinary(val)
		if err != nil {
			return errors.EncodingError("timestamp out of range", err)
		}
		binary.BigEndian.PutUint64(e.scratch[:8], bin)
		return e.write(e.scratch[:8])

	case string:
		if err := e.write([]byte(val)); err != nil {
			return err
		}
		return e.writeByte(0)

	case []byte:
		binary.BigEndian.PutUint32(e.scratch[:4], uint32(len(val)))
		if err := e.write(e.scratch[:4]); err != nil {
			return err
		}
		return e.write(val)

	case uuid.UUID:
		return e.write(val[:])
	}
	return errors.EncodingError(fmt.Sprintf("unsupported value type %T", v), nil)
}

func (e *Encoder) writeByte(b byte) error {
	e.scratch[0] = b
	return e.write(e.scratch[:1])
}

func (e *Encoder) write(p []byte) error {
	if _, err := e.w.Write(p); err != nil {
		return fmt.Errorf("failed to write encoded value: %w", err)
	}
	return nil
}

// Encode returns the tagged encoding of v.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
