package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/devrev/scaledb/internal/errors"
)

// Field is one named value of a record.
type Field struct {
	Name  string
	Value any
}

// EncodeRecord writes fields in order as (name, 0x00, tagged value) pairs.
func EncodeRecord(fields []Field) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, f := range fields {
		if f.Name == "" {
			return nil, errors.EncodingError("record field name is empty", nil)
		}
		if strings.IndexByte(f.Name, 0) >= 0 {
			return nil, errors.EncodingError(fmt.Sprintf("record field name %q contains a zero byte", f.Name), nil)
		}
		buf.WriteString(f.Name)
		buf.WriteByte(0)
		if err := enc.Encode(f.Value); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeRecord reads (name, tagged value) pairs until the input is exhausted.
func DecodeRecord(data []byte) ([]Field, error) {
	r := bytes.NewReader(data)
	dec := NewDecoder(r)

	var fields []Field
	for r.Len() > 0 {
		name, err := readName(r)
		if err != nil {
			return nil, err
		}
		v, err := dec.Decode()
		if err == io.EOF {
			return nil, errors.DecodingError(fmt.Sprintf("field %s has no value", name), io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields = append(fields, Field{Name: name, Value: v})
	}
	return fields, nil
}

func readName(r *bytes.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", errors.DecodingError("unterminated field name", io.ErrUnexpectedEOF)
		}
		if b == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}
