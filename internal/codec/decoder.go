package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/devrev/scaledb/internal/errors"
)

// MaxBytesLength caps the declared length of a byte array payload so a
// corrupted length cannot force a huge allocation.
const MaxBytesLength = 256 << 20

type byteReader interface {
	io.Reader
	io.ByteReader
}

// Decoder reads tagged values from an underlying reader.
type Decoder struct {
	r       byteReader
	scratch [16]byte
}

// NewDecoder returns a Decoder reading from r. Readers that do not implement
// io.ByteReader are buffered.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

// Decode reads one tagged value. It returns io.EOF when the input ends
// cleanly before a tag, and a decoding error for unknown tags or truncated
// payloads.
func (d *Decoder) Decode() (any, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.DecodingError("failed to read kind tag", err)
	}

	kind := Kind(tag)
	if !kind.Valid() {
		return nil, errors.DecodingError(fmt.Sprintf("unknown kind tag %d", tag), nil).
			WithDetail("tag", tag)
	}

	v, err := d.decodePayload(kind)
	if err != nil {
		if errors.IsStorageError(err) {
			return nil, err
		}
		return nil, errors.DecodingError(fmt.Sprintf("truncated %s payload", kind), err)
	}
	return v, nil
}

func (d *Decoder) decodePayload(kind Kind) (any, error) {
	switch kind {
	case KindBool:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil

	case KindInt32:
		if err := d.readFull(4); err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(d.scratch[:4])), nil

	case KindInt64:
		if err := d.readFull(8); err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(d.scratch[:8])), nil

	case KindFloat64:
		if err := d.readFull(8); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(d.scratch[:8])), nil

	case KindDecimal:
		if err := d.readFull(16); err != nil {
			return nil, err
		}
		dec, err := decimalFromParts(
			binary.BigEndian.Uint64(d.scratch[0:8]),
			binary.BigEndian.Uint32(d.scratch[8:12]),
			binary.BigEndian.Uint32(d.scratch[12:16]),
		)
		if err != nil {
			return nil, errors.DecodingError("invalid decimal payload", err)
		}
		return dec, nil

	case KindTimestamp:
		if err := d.readFull(8); err != nil {
			return nil, err
		}
		t, err := binaryToTime(binary.BigEndian.Uint64(d.scratch[:8]))
		if err != nil {
			return nil, errors.DecodingError("invalid timestamp payload", err)
		}
		return t, nil

	case KindString:
		s, err := d.readCString()
		if err != nil {
			return nil, err
		}
		return s, nil

	case KindBytes:
		if err := d.readFull(4); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(d.scratch[:4])
		if n > MaxBytesLength {
			return nil, errors.DecodingError(fmt.Sprintf("byte array length %d exceeds limit", n), nil)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(d.r, data); err != nil {
			return nil, unexpected(err)
		}
		return data, nil

	case KindUUID:
		if err := d.readFull(16); err != nil {
			return nil, err
		}
		var id uuid.UUID
		copy(id[:], d.scratch[:16])
		return id, nil
	}
	return nil, errors.DecodingError(fmt.Sprintf("unknown kind tag %d", byte(kind)), nil)
}

// readCString reads bytes up to and excluding a zero terminator.
func (d *Decoder) readCString() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return "", unexpected(err)
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, unexpected(err)
	}
	return b, nil
}

func (d *Decoder) readFull(n int) error {
	if _, err := io.ReadFull(d.r, d.scratch[:n]); err != nil {
		return unexpected(err)
	}
	return nil
}

func unexpected(err error) error {
	if stderrors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Decode decodes exactly one tagged value from b. Trailing bytes are an error.
func Decode(b []byte) (any, error) {
	r := bytes.NewReader(b)
	v, err := NewDecoder(r).Decode()
	if err == io.EOF {
		return nil, errors.DecodingError("empty input", io.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, errors.DecodingError(fmt.Sprintf("%d trailing bytes after value", r.Len()), nil)
	}
	return v, nil
}
