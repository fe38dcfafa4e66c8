package codec

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// MaxDecimalScale is the largest number of fractional digits a Decimal holds.
	MaxDecimalScale = 28

	decimalScaleShift = 16
	decimalScaleMask  = 0x00ff0000
	decimalSignMask   = 0x80000000
)

var maxDecimalMagnitude = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))

// Decimal is a base-10 fixed point number with a 96-bit unsigned magnitude,
// a scale of 0..28 fractional digits and a separate sign. Its value is
// (-1)^Negative * (Hi<<64 | Lo) / 10^Scale.
type Decimal struct {
	Lo       uint64
	Hi       uint32
	Scale    uint8
	Negative bool
}

// NewDecimal builds a Decimal from an unscaled integer and a scale.
func NewDecimal(unscaled *big.Int, scale int) (Decimal, error) {
	if scale < 0 || scale > MaxDecimalScale {
		return Decimal{}, fmt.Errorf("decimal scale %d out of range [0, %d]", scale, MaxDecimalScale)
	}
	mag := new(big.Int).Abs(unscaled)
	if mag.Cmp(maxDecimalMagnitude) > 0 {
		return Decimal{}, fmt.Errorf("decimal magnitude %s exceeds 96 bits", mag)
	}

	lo := new(big.Int).And(mag, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(mag, 64)
	return Decimal{
		Lo:       lo.Uint64(),
		Hi:       uint32(hi.Uint64()),
		Scale:    uint8(scale),
		Negative: unscaled.Sign() < 0,
	}, nil
}

// DecimalFromInt64 returns v/10^scale.
func DecimalFromInt64(v int64, scale int) (Decimal, error) {
	return NewDecimal(big.NewInt(v), scale)
}

// ParseDecimal parses a plain decimal literal such as "-12.3400".
func ParseDecimal(s string) (Decimal, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return Decimal{}, fmt.Errorf("empty decimal literal")
	}

	neg := false
	switch str[0] {
	case '-':
		neg = true
		str = str[1:]
	case '+':
		str = str[1:]
	}

	intPart, fracPart, _ := strings.Cut(str, ".")
	digits := intPart + fracPart
	if digits == "" {
		return Decimal{}, fmt.Errorf("invalid decimal literal %q", s)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return Decimal{}, fmt.Errorf("invalid decimal literal %q", s)
		}
	}

	unscaled, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("invalid decimal literal %q", s)
	}
	if neg {
		unscaled.Neg(unscaled)
	}
	return NewDecimal(unscaled, len(fracPart))
}

// MustParseDecimal is ParseDecimal that panics on error, for constants and tests.
func MustParseDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Unscaled returns the signed integer value before the scale is applied.
func (d Decimal) Unscaled() *big.Int {
	v := new(big.Int).SetUint64(uint64(d.Hi))
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(d.Lo))
	if d.Negative {
		v.Neg(v)
	}
	return v
}

// IsZero reports whether the magnitude is zero, whatever the sign or scale.
func (d Decimal) IsZero() bool {
	return d.Lo == 0 && d.Hi == 0
}

// String formats d with exactly Scale fractional digits.
func (d Decimal) String() string {
	digits := new(big.Int).SetUint64(uint64(d.Hi))
	digits.Lsh(digits, 64)
	digits.Or(digits, new(big.Int).SetUint64(d.Lo))
	s := digits.String()

	scale := int(d.Scale)
	if scale > 0 {
		if len(s) <= scale {
			s = strings.Repeat("0", scale-len(s)+1) + s
		}
		s = s[:len(s)-scale] + "." + s[len(s)-scale:]
	}
	if d.Negative {
		s = "-" + s
	}
	return s
}

// flags packs scale and sign the way the 16-byte binary layout expects.
func (d Decimal) flags() uint32 {
	f := uint32(d.Scale) << decimalScaleShift
	if d.Negative {
		f |= decimalSignMask
	}
	return f
}

func decimalFromParts(lo uint64, hi uint32, flags uint32) (Decimal, error) {
	if flags&^(decimalScaleMask|decimalSignMask) != 0 {
		return Decimal{}, fmt.Errorf("decimal flags %#x have reserved bits set", flags)
	}
	scale := (flags & decimalScaleMask) >> decimalScaleShift
	if scale > MaxDecimalScale {
		return Decimal{}, fmt.Errorf("decimal scale %d out of range", scale)
	}
	return Decimal{
		Lo:       lo,
		Hi:       hi,
		Scale:    uint8(scale),
		Negative: flags&decimalSignMask != 0,
	}, nil
}
