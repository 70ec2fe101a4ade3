package port

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"math/bits"
	"reflect"
	"strconv"
	"strings"

	"github.com/wippyai/hdlsim/errors"
)

// Value is a fixed-width two's complement bit vector. Word 0 holds bits
// 31..0; bits above the width are always zero.
type Value struct {
	words  []uint32
	width  int
	signed bool
}

func wordCount(width int) int {
	if width <= 0 {
		return 0
	}
	return (width + 31) / 32
}

// Zero returns the all-zero value of the given width.
func Zero(width int, signed bool) Value {
	return Value{words: make([]uint32, wordCount(width)), width: width, signed: signed}
}

// FromWords builds a value from little-endian 32-bit words, masking any bits
// above width. Missing words are zero.
func FromWords(words []uint32, width int, signed bool) Value {
	v := Zero(width, signed)
	copy(v.words, words)
	v.mask()
	return v
}

// FromUint64 builds a value from raw bits, masking bits above width.
func FromUint64(raw uint64, width int, signed bool) Value {
	v := Zero(width, signed)
	v.setLow(raw, false)
	v.mask()
	return v
}

func (v *Value) setLow(raw uint64, negative bool) {
	if len(v.words) > 0 {
		v.words[0] = uint32(raw)
	}
	if len(v.words) > 1 {
		v.words[1] = uint32(raw >> 32)
	}
	if negative {
		for i := 2; i < len(v.words); i++ {
			v.words[i] = ^uint32(0)
		}
	}
}

func (v *Value) mask() {
	if r := v.width % 32; r != 0 && len(v.words) > 0 {
		v.words[len(v.words)-1] &= uint32(1)<<r - 1
	}
}

func (v Value) Width() int   { return v.width }
func (v Value) Signed() bool { return v.signed }

// Words returns a copy of the little-endian word array.
func (v Value) Words() []uint32 {
	out := make([]uint32, len(v.words))
	copy(out, v.words)
	return out
}

// Bit reports bit i.
func (v Value) Bit(i int) bool {
	if i < 0 || i >= v.width {
		return false
	}
	return v.words[i/32]>>(i%32)&1 == 1
}

// Uint64 returns the low 64 bits, zero-extended.
func (v Value) Uint64() uint64 {
	var raw uint64
	if len(v.words) > 0 {
		raw = uint64(v.words[0])
	}
	if len(v.words) > 1 {
		raw |= uint64(v.words[1]) << 32
	}
	return raw
}

// Int64 returns the low 64 bits, sign-extended from the width when the value
// is signed.
func (v Value) Int64() int64 {
	raw := v.Uint64()
	if !v.signed || v.width >= 64 || v.width == 0 {
		return int64(raw)
	}
	shift := uint(64 - v.width)
	return int64(raw<<shift) >> shift
}

// Bool reports whether any bit is set.
func (v Value) Bool() bool {
	return !v.IsZero()
}

func (v Value) IsZero() bool {
	for _, w := range v.words {
		if w != 0 {
			return false
		}
	}
	return true
}

func (v Value) unsignedBig() *big.Int {
	buf := make([]byte, 4*len(v.words))
	for i, w := range v.words {
		binary.BigEndian.PutUint32(buf[len(buf)-4*(i+1):], w)
	}
	return new(big.Int).SetBytes(buf)
}

// Big returns the value as an integer, negative when signed with the top
// bit set.
func (v Value) Big() *big.Int {
	x := v.unsignedBig()
	if v.signed && v.width > 0 && v.Bit(v.width-1) {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(v.width)))
	}
	return x
}

// Equal reports whether both values have the same width, signedness and bits.
func (v Value) Equal(o Value) bool {
	if v.width != o.width || v.signed != o.signed || len(v.words) != len(o.words) {
		return false
	}
	for i := range v.words {
		if v.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// BinaryString renders the bits MSB first without leading zeros, "0" when
// zero.
func (v Value) BinaryString() string {
	var b strings.Builder
	started := false
	for i := v.width - 1; i >= 0; i-- {
		bit := v.Bit(i)
		if bit {
			started = true
		}
		if started {
			if bit {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
	}
	if !started {
		return "0"
	}
	return b.String()
}

// String renders the value as a sized Verilog literal, e.g. 8'hff or 4'sh8.
func (v Value) String() string {
	var digits string
	if v.width <= 64 {
		digits = strconv.FormatUint(v.Uint64(), 16)
	} else {
		digits = v.unsignedBig().Text(16)
	}
	if v.signed {
		return fmt.Sprintf("%d'sh%s", v.width, digits)
	}
	return fmt.Sprintf("%d'h%s", v.width, digits)
}

// Convert turns a host value into a value shaped for the port. It accepts Go
// integers (including named integer types), bool, *big.Int, big.Int and
// Value. Negative inputs are stored as two's complement. A value needing more
// bits than the port provides is a port error.
func Convert(x any, s Spec) (Value, error) {
	width := s.Width()
	switch n := x.(type) {
	case Value:
		return fromBig(n.Big(), x, s)
	case *big.Int:
		if n == nil {
			return Value{}, errors.New(errors.ClassPort, errors.KindInvalidInput).
				Port(s.Name).
				Detail("nil *big.Int").
				Build()
		}
		return fromBig(n, x, s)
	case big.Int:
		return fromBig(&n, x, s)
	case bool:
		if n {
			return FromUint64(1, width, s.Signed), nil
		}
		return Zero(width, s.Signed), nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return fromUnsigned(rv.Uint(), x, s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fromSigned(rv.Int(), x, s)
	case reflect.Bool:
		return Convert(rv.Bool(), s)
	}

	return Value{}, errors.New(errors.ClassPort, errors.KindInvalidInput).
		Port(s.Name).
		Value(x).
		Detail("unsupported value type %T", x).
		Build()
}

func fromUnsigned(u uint64, orig any, s Spec) (Value, error) {
	width := s.Width()
	if width < 64 && bits.Len64(u) > width {
		return Value{}, errors.Overflow("", s.Name, orig, width)
	}
	return FromUint64(u, width, s.Signed), nil
}

func fromSigned(n int64, orig any, s Spec) (Value, error) {
	if n >= 0 {
		return fromUnsigned(uint64(n), orig, s)
	}
	width := s.Width()
	if width < 64 && n < -(int64(1)<<(width-1)) {
		return Value{}, errors.Overflow("", s.Name, orig, width)
	}
	v := Zero(width, s.Signed)
	v.setLow(uint64(n), true)
	v.mask()
	return v, nil
}

func fromBig(n *big.Int, orig any, s Spec) (Value, error) {
	width := s.Width()
	u := new(big.Int).Set(n)
	if n.Sign() < 0 {
		// -n-1 must fit in width-1 bits
		m := new(big.Int).Neg(n)
		m.Sub(m, big.NewInt(1))
		if m.BitLen() > width-1 {
			return Value{}, errors.Overflow("", s.Name, orig, width)
		}
		u.Add(u, new(big.Int).Lsh(big.NewInt(1), uint(width)))
	} else if n.BitLen() > width {
		return Value{}, errors.Overflow("", s.Name, orig, width)
	}

	v := Zero(width, s.Signed)
	buf := u.FillBytes(make([]byte, 4*len(v.words)))
	for i := range v.words {
		v.words[i] = binary.BigEndian.Uint32(buf[len(buf)-4*(i+1):])
	}
	v.mask()
	return v, nil
}
