package vm

import (
	"math"
	"strconv"
)

// Value is a NaN-boxed guest value.
//
// A float is stored as its own bits. Every other kind sits in the negative
// quiet-NaN space that FromFloat never produces, with a kind tag in bits
// 48-50 and its payload in the low 32 bits:
//
//	tagInt      small integer, int32 payload
//	tagHandle   heap handle, uint32 index into the Heap
//	tagSpecial  nil, true or false
//
// Values never hold Go pointers, which lets compiled code embed them and
// lets them cross goroutines in atomics.
type Value uint64

const (
	// boxed marks a non-float: sign bit, all exponent bits and the quiet bit.
	boxed   uint64 = 0xFFF8000000000000
	kindTag uint64 = 0x0007000000000000
	low32   uint64 = 0x00000000FFFFFFFF

	tagInt     uint64 = 0x0001000000000000
	tagHandle  uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000

	// quietNaN is the single NaN FromFloat stores; its sign bit is clear so
	// it never reads as boxed.
	quietNaN uint64 = 0x7FF8000000000000
)

const (
	Nil   = Value(boxed | tagSpecial)
	True  = Value(boxed | tagSpecial | 1)
	False = Value(boxed | tagSpecial | 2)
)

// Bounds of the small integer range. Results outside it become floats.
const (
	MaxInt int64 = math.MaxInt32
	MinInt int64 = math.MinInt32
)

func (v Value) tag() uint64 {
	if uint64(v)&boxed != boxed {
		return 0
	}
	return uint64(v) & kindTag
}

// IsFloat reports whether v holds a float64, including infinities and NaN.
func (v Value) IsFloat() bool { return v.tag() == 0 }

// IsInt reports whether v is a small integer.
func (v Value) IsInt() bool { return v.tag() == tagInt }

func (v Value) IsNumber() bool { return v.tag() <= tagInt }

// IsHandle reports whether v refers to a heap object.
func (v Value) IsHandle() bool { return v.tag() == tagHandle }

func (v Value) IsNil() bool { return v == Nil }

func (v Value) IsBool() bool { return v == True || v == False }

// Float64 unboxes a float. It panics on any other kind.
func (v Value) Float64() float64 {
	if v.tag() != 0 {
		panic("vm: Float64 of non-float " + v.String())
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat creates a Value from a float64. NaNs are canonicalized so they can
// never collide with tagged values.
func FromFloat(f float64) Value {
	if f != f {
		return Value(quietNaN)
	}
	return Value(math.Float64bits(f))
}

// Int returns v as an int32. Panics if v is not a small integer.
func (v Value) Int() int32 {
	if v.tag() != tagInt {
		panic("vm: Int of non-integer " + v.String())
	}
	return int32(uint32(uint64(v) & low32))
}

// FromInt creates a small integer Value.
func FromInt(n int32) Value {
	return Value(boxed | tagInt | uint64(uint32(n)))
}

// FromInt64 creates an int Value if n fits the small integer range and a float
// Value otherwise.
func FromInt64(n int64) Value {
	if n >= MinInt && n <= MaxInt {
		return FromInt(int32(n))
	}
	return FromFloat(float64(n))
}

// Handle returns the heap handle held by v.
func (v Value) Handle() uint32 {
	if v.tag() != tagHandle {
		panic("vm: Handle of non-object " + v.String())
	}
	return uint32(uint64(v) & low32)
}

// FromHandle creates a Value referring to heap handle h.
func FromHandle(h uint32) Value {
	return Value(boxed | tagHandle | uint64(h))
}

// Bool converts a Go bool to True or False.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Number returns v as a float64 if it is numeric.
func (v Value) Number() (float64, bool) {
	if v.IsInt() {
		return float64(v.Int()), true
	}
	if v.IsFloat() {
		return v.Float64(), true
	}
	return 0, false
}

// Truthy reports the boolean interpretation of v. nil, false, 0, 0.0 and NaN
// are falsy; everything else (including every heap object) is truthy.
func (v Value) Truthy() bool {
	switch {
	case v == Nil || v == False:
		return false
	case v == True:
		return true
	case v.IsInt():
		return v.Int() != 0
	case v.IsFloat():
		f := v.Float64()
		return f != 0 && f == f
	}
	return true
}

// String renders immediate values. Heap values render as their handle; use
// Engine.Format for a full rendering.
func (v Value) String() string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsInt():
		return strconv.FormatInt(int64(v.Int()), 10)
	case v.IsFloat():
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case v.IsHandle():
		return "#" + strconv.FormatUint(uint64(v.Handle()), 10)
	}
	return "<invalid>"
}

// typeMaskOf classifies a value for binary-operation feedback.
func typeMaskOf(v Value) TypeMask {
	switch {
	case v.IsInt():
		return TypeSignedSmall
	case v.IsFloat():
		return TypeFloat
	}
	return 0
}
