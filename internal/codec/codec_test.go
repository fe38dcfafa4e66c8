package codec

import (
	"bytes"
	"io"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/scaledb/internal/errors"
)

func TestEncode_WireLayout(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []byte
	}{
		{"bool true", true, []byte{0, 1}},
		{"bool false", false, []byte{0, 0}},
		{"int32", int32(-2), []byte{1, 0xff, 0xff, 0xff, 0xfe}},
		{"int64", int64(258), []byte{2, 0, 0, 0, 0, 0, 0, 1, 2}},
		{"float64", 1.0, []byte{3, 0x3f, 0xf0, 0, 0, 0, 0, 0, 0}},
		{"string", "hi", []byte{6, 'h', 'i', 0}},
		{"empty string", "", []byte{6, 0}},
		{"bytes", []byte{9, 8}, []byte{7, 0, 0, 0, 2, 9, 8}},
		{"empty bytes", []byte{}, []byte{7, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode_Decimal(t *testing.T) {
	// -1.5 has unscaled magnitude 15 and scale 1.
	d := MustParseDecimal("-1.5")
	got, err := Encode(d)
	require.NoError(t, err)

	want := []byte{
		4,
		0, 0, 0, 0, 0, 0, 0, 15, // lo
		0, 0, 0, 0, // hi
		0x80, 0x01, 0, 0, // flags: sign bit and scale 1
	}
	assert.Equal(t, want, got)

	back, err := Decode(got)
	require.NoError(t, err)
	assert.Equal(t, d, back)
	assert.Equal(t, "-1.5", back.(Decimal).String())
}

func TestEncode_Timestamp(t *testing.T) {
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := Encode(epoch)
	require.NoError(t, err)

	// 621355968000000000 ticks with the UTC kind bit.
	want := []byte{5, 0x48, 0x9f, 0x7f, 0xf5, 0xf7, 0xb5, 0x80, 0x00}
	assert.Equal(t, want, got)
}

func TestRoundTrip_AllKinds(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	ts := time.Date(2024, 3, 14, 15, 9, 26, 535897900, time.UTC)
	big96, _ := new(big.Int).SetString("79228162514264337593543950335", 10)
	maxDec, err := NewDecimal(big96, 0)
	require.NoError(t, err)

	values := []any{
		true, false,
		int32(math.MinInt32), int32(math.MaxInt32),
		int64(math.MinInt64), int64(math.MaxInt64),
		math.Inf(-1), 0.0, math.SmallestNonzeroFloat64,
		MustParseDecimal("123456789.000001"), maxDec,
		ts,
		"unicode ✓ text",
		[]byte{0, 1, 2, 0},
		id,
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, v := range values {
		require.NoError(t, enc.Encode(v))
	}

	dec := NewDecoder(&buf)
	for _, want := range values {
		got, err := dec.Decode()
		require.NoError(t, err)
		if wt, ok := want.(time.Time); ok {
			assert.True(t, wt.Equal(got.(time.Time)), "want %s got %s", wt, got)
			continue
		}
		assert.Equal(t, want, got)
	}

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRoundTrip_NaN(t *testing.T) {
	b, err := Encode(math.NaN())
	require.NoError(t, err)
	v, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v.(float64)))
}

func TestTimestamp_TruncatesToTick(t *testing.T) {
	ts := time.Date(2001, 2, 3, 4, 5, 6, 123456789, time.UTC)
	b, err := Encode(ts)
	require.NoError(t, err)

	v, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, TruncateToTick(ts).Equal(v.(time.Time)))
	assert.Equal(t, 123456700, v.(time.Time).Nanosecond())
}

func TestTimestamp_LocalZoneConvertedToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+5", 5*3600)
	ts := time.Date(2020, 6, 1, 12, 0, 0, 0, zone)

	b, err := Encode(ts)
	require.NoError(t, err)
	v, err := Decode(b)
	require.NoError(t, err)

	got := v.(time.Time)
	assert.True(t, ts.Equal(got))
	assert.Equal(t, time.UTC, got.Location())
}

func TestTimestamp_DecodesLocalKind(t *testing.T) {
	ts := time.Date(2015, 7, 1, 0, 0, 0, 0, time.UTC)
	bin, err := timeToBinary(ts)
	require.NoError(t, err)

	local := (bin & ticksMask) | kindLocal
	got, err := binaryToTime(local)
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))
}

func TestEncode_UnsupportedTypes(t *testing.T) {
	for _, v := range []any{int(1), uint8(1), float32(1), nil, struct{}{}, &Decimal{}} {
		_, err := Encode(v)
		require.Error(t, err, "%T", v)
		assert.Equal(t, errors.ErrCodeEncoding, errors.GetCode(err))
	}
}

func TestEncode_StringWithZeroByte(t *testing.T) {
	var buf bytes.Buffer
	err := NewEncoder(&buf).Encode("a\x00b")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEncoding, errors.GetCode(err))
	assert.Zero(t, buf.Len(), "nothing is written for a rejected value")
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{9}},
		{"high tag", []byte{0xff, 0, 0}},
		{"truncated int32", []byte{1, 0, 0}},
		{"truncated int64", []byte{2, 0, 0, 0, 0}},
		{"truncated decimal", []byte{4, 0, 0, 0}},
		{"unterminated string", []byte{6, 'a', 'b'}},
		{"short bytes", []byte{7, 0, 0, 0, 5, 1, 2}},
		{"truncated uuid", []byte{8, 1, 2, 3}},
		{"bad decimal flags", []byte{4, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1}},
		{"decimal scale too large", []byte{4, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 29, 0, 0}},
		{"trailing bytes", []byte{0, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeDecoding, errors.GetCode(err))
		})
	}
}

func TestKindOf(t *testing.T) {
	k, ok := KindOf(uuid.New())
	assert.True(t, ok)
	assert.Equal(t, KindUUID, k)

	_, ok = KindOf(int16(3))
	assert.False(t, ok)

	assert.Equal(t, "timestamp", KindTimestamp.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
