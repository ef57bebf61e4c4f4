package vm

import (
	"math"
	"testing"
)

func TestValueKindsAreDisjoint(t *testing.T) {
	floats := []float64{0, math.Copysign(0, -1), 1.5, -2.25, math.MaxFloat64, math.Inf(1), math.Inf(-1), math.NaN()}
	for _, f := range floats {
		v := FromFloat(f)
		if !v.IsFloat() || v.IsInt() || v.IsHandle() || v.IsNil() || v.IsBool() {
			t.Errorf("FromFloat(%g) misclassified as %s", f, v)
		}
	}
	if got := FromFloat(math.NaN()).Float64(); got == got {
		t.Errorf("NaN did not survive boxing, got %g", got)
	}
	if got := FromFloat(math.Inf(-1)).Float64(); !math.IsInf(got, -1) {
		t.Errorf("-Inf did not survive boxing, got %g", got)
	}

	for _, n := range []int32{0, 1, -1, math.MaxInt32, math.MinInt32} {
		v := FromInt(n)
		if !v.IsInt() || v.IsFloat() || v.IsHandle() || !v.IsNumber() {
			t.Errorf("FromInt(%d) misclassified", n)
		}
		if v.Int() != n {
			t.Errorf("FromInt(%d).Int() = %d", n, v.Int())
		}
	}

	h := FromHandle(math.MaxUint32)
	if !h.IsHandle() || h.IsNumber() || h.Handle() != math.MaxUint32 {
		t.Errorf("handle misclassified: %s", h)
	}

	for _, v := range []Value{Nil, True, False} {
		if v.IsNumber() || v.IsHandle() {
			t.Errorf("%s classified as number or handle", v)
		}
	}
	if Nil == False || True == False || !True.IsBool() || Nil.IsBool() {
		t.Error("special values overlap")
	}
}

func TestFromInt64PromotesOutOfRange(t *testing.T) {
	if v := FromInt64(MaxInt); !v.IsInt() {
		t.Errorf("MaxInt should stay an integer, got %s", v)
	}
	v := FromInt64(MaxInt + 1)
	if !v.IsFloat() || v.Float64() != float64(MaxInt+1) {
		t.Errorf("Expected float %d, got %s", MaxInt+1, v)
	}
}

func TestTruthy(t *testing.T) {
	falsy := []Value{Nil, False, FromInt(0), FromFloat(0), FromFloat(math.NaN())}
	for _, v := range falsy {
		if v.Truthy() {
			t.Errorf("%s should be falsy", v)
		}
	}
	truthy := []Value{True, FromInt(-1), FromFloat(0.1), FromHandle(0)}
	for _, v := range truthy {
		if !v.Truthy() {
			t.Errorf("%s should be truthy", v)
		}
	}
}
