package vm

import (
	"fmt"
	"math"
	"strings"
)

// NativeID identifies a built-in function. The optimizer recognizes some of
// them and replaces calls by the operation itself.
type NativeID uint8

const (
	NativePrint NativeID = iota
	NativeAbs
	NativeSqrt
	NativeFloor
	NativeGC
	NativeOptimizeOnNextCall
	NativePrepareForOptimization
	NativeNeverOptimize
	NativeDeoptimizeFunction
	NativeDeoptimizeNow
	NativeClearFunctionFeedback
	NativeGetOptimizationStatus
	NativeOptimizeOSR
	NativeIsOptimized
)

// NativeFunc implements a native. It runs on the execution goroutine.
type NativeFunc func(e *Engine, args []Value) (Value, error)

// Native is a built-in function implemented in Go.
type Native struct {
	Name string
	ID   NativeID
	Fn   NativeFunc
}

func (n *Native) Kind() ObjectKind       { return KindNative }
func (n *Native) visitRefs(func(Value)) {}

// callNative runs n on args.
func (e *Engine) callNative(n *Native, args []Value) (Value, error) {
	return n.Fn(e, args)
}

// builtinNatives are defined in every realm.
var builtinNatives = []*Native{
	{Name: "print", ID: NativePrint, Fn: nativePrint},
	{Name: "abs", ID: NativeAbs, Fn: nativeAbs},
	{Name: "sqrt", ID: NativeSqrt, Fn: mathNative(math.Sqrt)},
	{Name: "floor", ID: NativeFloor, Fn: mathNative(math.Floor)},
	{Name: "gc", ID: NativeGC, Fn: nativeGC},
}

// debugNatives expose the tiering controls to guest code when
// Config.AllowNativesSyntax is set.
var debugNatives = []*Native{
	{Name: "optimizeOnNextCall", ID: NativeOptimizeOnNextCall, Fn: unitNative(func(e *Engine, u *FunctionUnit) (Value, error) {
		return Nil, e.optimizeOnNextCall(u)
	})},
	{Name: "prepareForOptimization", ID: NativePrepareForOptimization, Fn: unitNative(func(e *Engine, u *FunctionUnit) (Value, error) {
		e.prepareForOptimization(u)
		return Nil, nil
	})},
	{Name: "neverOptimize", ID: NativeNeverOptimize, Fn: unitNative(func(e *Engine, u *FunctionUnit) (Value, error) {
		e.neverOptimize(u)
		return Nil, nil
	})},
	{Name: "deoptimizeFunction", ID: NativeDeoptimizeFunction, Fn: unitNative(func(e *Engine, u *FunctionUnit) (Value, error) {
		e.forceDeopt(u, ReasonForced)
		return Nil, nil
	})},
	{Name: "deoptimizeNow", ID: NativeDeoptimizeNow, Fn: func(e *Engine, _ []Value) (Value, error) {
		return Bool(e.deoptimizeNow()), nil
	}},
	{Name: "clearFunctionFeedback", ID: NativeClearFunctionFeedback, Fn: unitNative(func(e *Engine, u *FunctionUnit) (Value, error) {
		e.clearFeedback(u)
		return Nil, nil
	})},
	{Name: "getOptimizationStatus", ID: NativeGetOptimizationStatus, Fn: unitNative(func(e *Engine, u *FunctionUnit) (Value, error) {
		return FromInt(int32(e.optimizationStatus(u))), nil
	})},
	{Name: "optimizeOsr", ID: NativeOptimizeOSR, Fn: nativeOptimizeOSR},
	{Name: "isOptimized", ID: NativeIsOptimized, Fn: unitNative(func(e *Engine, u *FunctionUnit) (Value, error) {
		return Bool(u.Tier() >= TierOptimized), nil
	})},
}

// installNatives defines the natives as builtin globals.
func (e *Engine) installNatives() {
	defs := builtinNatives
	if e.cfg.AllowNativesSyntax {
		defs = append(defs[:len(defs):len(defs)], debugNatives...)
	}
	for _, n := range defs {
		e.realm.defineBuiltin(n.Name, e.heap.Allocate(n))
	}
}

func nativePrint(e *Engine, args []Value) (Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = e.heap.Format(a)
	}
	if _, err := fmt.Fprintln(e.out, strings.Join(parts, " ")); err != nil {
		return Nil, fmt.Errorf("print: %w", err)
	}
	return Nil, nil
}

func numberArg(e *Engine, name string, args []Value) (Value, error) {
	if len(args) < 1 {
		return Nil, newTypeError("%s expects a number", name)
	}
	if !args[0].IsNumber() {
		return Nil, newTypeError("%s expects a number, not %s", name, e.typeName(args[0]))
	}
	return args[0], nil
}

// nativeAbs keeps small integers small.
func nativeAbs(e *Engine, args []Value) (Value, error) {
	v, err := numberArg(e, "abs", args)
	if err != nil {
		return Nil, err
	}
	if v.IsInt() {
		n := int64(v.Int())
		if n < 0 {
			n = -n
		}
		return FromInt64(n), nil
	}
	return FromFloat(math.Abs(v.Float64())), nil
}

// mathNative wraps a float function; the result is always a float.
func mathNative(fn func(float64) float64) NativeFunc {
	return func(e *Engine, args []Value) (Value, error) {
		v, err := numberArg(e, "math function", args)
		if err != nil {
			return Nil, err
		}
		f, _ := v.Number()
		return FromFloat(fn(f)), nil
	}
}

func nativeGC(e *Engine, _ []Value) (Value, error) {
	return FromInt64(int64(e.collectGarbage())), nil
}

// unitNative adapts an operation on the function passed as first argument.
func unitNative(fn func(e *Engine, u *FunctionUnit) (Value, error)) NativeFunc {
	return func(e *Engine, args []Value) (Value, error) {
		if len(args) < 1 {
			return Nil, newTypeError("expected a function argument")
		}
		c, ok := e.heap.Closure(args[0])
		if !ok {
			return Nil, newTypeError("%s is not a guest function", e.typeName(args[0]))
		}
		return fn(e, c.Unit)
	}
}

// nativeOptimizeOSR requests OSR for the function given, or for the calling
// function when called without arguments.
func nativeOptimizeOSR(e *Engine, args []Value) (Value, error) {
	if len(args) > 0 {
		return unitNative(func(e *Engine, u *FunctionUnit) (Value, error) {
			return Nil, e.optimizeOSR(u)
		})(e, args)
	}
	u := e.currentUnit()
	if u == nil {
		return Nil, newTypeError("optimizeOsr called outside a guest function")
	}
	return Nil, e.optimizeOSR(u)
}
