package vm

import (
	"math"
	"sync/atomic"
)

// optActivation is one running invocation of optimized code.
type optActivation struct {
	code  *CompiledCode
	regs  Registers
	state deoptState
	// deoptRequested asks the activation to deoptimize at its next safepoint.
	deoptRequested atomic.Bool
	left           bool
}

func newOptActivation(code *CompiledCode) *optActivation {
	act := &optActivation{
		code: code,
		regs: Registers{Tagged: make([]Value, code.numTagged), Raw: make([]uint64, code.numRaw)},
	}
	for i := range act.regs.Tagged {
		act.regs.Tagged[i] = Nil
	}
	return act
}

// enter retains the code for the lifetime of the activation.
func (a *optActivation) enter() {
	a.code.entries.Add(1)
	a.code.active.Add(1)
	a.code.retain()
}

// leave drops the activation's reference once, when it returns or when it
// is replaced by deoptimized frames.
func (a *optActivation) leave() {
	if a.left {
		return
	}
	a.left = true
	a.code.active.Add(-1)
	a.code.release()
}

func (a *optActivation) visitRoots(visit func(Value)) {
	for _, v := range a.regs.Tagged {
		visit(v)
	}
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func i32(raw uint64) int32 { return int32(uint32(raw)) }

// execute runs act from machine pc until it returns, throws or deoptimizes.
// After a deopt the reconstructed frames finish the invocation and their
// result is returned.
func (e *Engine) execute(act *optActivation, pc int) (Value, error) {
	code := act.code
	instrs := code.instrs
	t := act.regs.Tagged
	r := act.regs.Raw

	deopt := func(in *MInstr, reason DeoptReason) (Value, error) {
		dp, ok := code.DeoptPointAt(pc - 1)
		if !ok || dp.ID != int(in.Deopt) {
			invariantf("%s: no deopt point %d at machine pc %d", code.unit.name, in.Deopt, pc-1)
		}
		if reason == ReasonNone {
			reason = dp.Reason
		}
		frames := e.deoptimizer.deoptimize(act, dp, reason)
		return e.resume(frames, nil)
	}

	for {
		in := &instrs[pc]
		pc++
		switch in.Op {
		case MOp(NConst):
			t[in.Dst] = Value(in.Imm)
		case MConstRaw:
			r[in.Dst] = in.Imm
		case MMove:
			t[in.Dst] = t[in.A]

		// Guards
		case MOp(NCheckSmi):
			v := t[in.A]
			if !v.IsInt() {
				return deopt(in, ReasonNone)
			}
			r[in.Dst] = uint64(uint32(v.Int()))
		case MOp(NCheckNumber):
			f, ok := t[in.A].Number()
			if !ok {
				return deopt(in, ReasonNone)
			}
			r[in.Dst] = math.Float64bits(f)
		case MOp(NCheckFloat):
			v := t[in.A]
			if !v.IsFloat() {
				return deopt(in, ReasonNone)
			}
			r[in.Dst] = math.Float64bits(v.Float64())
		case MOp(NCheckString):
			if _, ok := e.heap.Str(t[in.A]); !ok {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = t[in.A]
		case MOp(NCheckArray):
			if _, ok := e.heap.Array(t[in.A]); !ok {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = t[in.A]
		case MOp(NCheckShape):
			o, ok := e.heap.Object(t[in.A])
			if !ok || o.shape != in.Shapes[0] {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = t[in.A]
		case MOp(NCheckCallee):
			if t[in.A] != Value(in.Imm) {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = t[in.A]

		// Representation changes
		case MOp(NBoxInt32):
			t[in.Dst] = FromInt(i32(r[in.A]))
		case MOp(NBoxFloat64):
			t[in.Dst] = FromFloat(math.Float64frombits(r[in.A]))
		case MOp(NBoxBool):
			t[in.Dst] = Bool(r[in.A] != 0)
		case MOp(NInt32ToFloat64):
			r[in.Dst] = math.Float64bits(float64(i32(r[in.A])))

		// Typed arithmetic
		case MOp(NInt32Add), MOp(NInt32Sub), MOp(NInt32Mul), MOp(NInt32Mod):
			v, ok := int32Arith(NodeOp(in.Op), i32(r[in.A]), i32(r[in.B]))
			if !ok {
				return deopt(in, ReasonNone)
			}
			r[in.Dst] = uint64(uint32(v))
		case MOp(NInt32Neg):
			x := i32(r[in.A])
			if x == math.MinInt32 {
				return deopt(in, ReasonNone)
			}
			r[in.Dst] = uint64(uint32(-x))
		case MOp(NFloat64Add), MOp(NFloat64Sub), MOp(NFloat64Mul), MOp(NFloat64Div), MOp(NFloat64Mod):
			x, y := math.Float64frombits(r[in.A]), math.Float64frombits(r[in.B])
			r[in.Dst] = math.Float64bits(float64Arith(NodeOp(in.Op), x, y))
		case MOp(NFloat64Neg):
			r[in.Dst] = math.Float64bits(-math.Float64frombits(r[in.A]))
		case MOp(NMathSqrt), MOp(NMathFloor), MOp(NMathAbs):
			r[in.Dst] = math.Float64bits(mathOp(NodeOp(in.Op), math.Float64frombits(r[in.A])))
		case MOp(NNumberArith):
			a, b := t[in.A], t[in.B]
			if !a.IsNumber() || !b.IsNumber() {
				return deopt(in, ReasonNone)
			}
			v, ok := numberArith(in.Cmp, a, b)
			if !ok {
				return deopt(in, ReasonDivisionByZero)
			}
			t[in.Dst] = v
		case MOp(NNumberNeg):
			a := t[in.A]
			if !a.IsNumber() {
				return deopt(in, ReasonNone)
			}
			t[in.Dst], _ = e.Negate(a)
		case MOp(NInt32Cmp):
			r[in.Dst] = b2u(int32Compare(in.Cmp, i32(r[in.A]), i32(r[in.B])))
		case MOp(NFloat64Cmp):
			r[in.Dst] = b2u(float64Compare(in.Cmp, math.Float64frombits(r[in.A]), math.Float64frombits(r[in.B])))
		case MOp(NNot):
			r[in.Dst] = r[in.A] ^ 1
		case MOp(NTruthy):
			r[in.Dst] = b2u(t[in.A].Truthy())
		case MOp(NStringConcat):
			a, _ := e.heap.Str(t[in.A])
			b, _ := e.heap.Str(t[in.B])
			t[in.Dst] = e.heap.NewString(a + b)

		// Objects
		case MOp(NLoadField):
			o, _ := e.heap.Object(t[in.A])
			t[in.Dst] = o.slots[in.Index]
		case MOp(NLoadConstField):
			o, _ := e.heap.Object(Value(in.Imm))
			t[in.Dst] = o.slots[in.Index]
		case MOp(NLoadPoly):
			o, ok := e.heap.Object(t[in.A])
			if !ok {
				return deopt(in, ReasonNone)
			}
			hit := false
			for _, c := range in.Cases {
				if o.shape != c.Shape {
					continue
				}
				switch c.Kind {
				case PropOwn:
					t[in.Dst] = o.slots[c.Index]
				case PropProto:
					h, _ := e.heap.Object(c.Holder)
					t[in.Dst] = h.slots[c.Index]
				default:
					t[in.Dst] = Nil
				}
				hit = true
				break
			}
			if !hit {
				return deopt(in, ReasonNone)
			}
		case MOp(NStoreField):
			o, _ := e.heap.Object(t[in.A])
			o.slots[in.Index] = t[in.B]
		case MOp(NTransitionStore):
			o, _ := e.heap.Object(t[in.A])
			o.shape = in.Shapes[1]
			o.slots = append(o.slots, t[in.B])
			if o.isPrototype {
				e.prototypeChanged(in.Shapes[0])
			}
		case MOp(NLoadElement):
			a, _ := e.heap.Array(t[in.A])
			i := i32(r[in.B])
			if i < 0 || int(i) >= len(a.elems) {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = a.elems[i]
		case MOp(NStoreElement):
			a, _ := e.heap.Array(t[in.A])
			i := i32(r[in.B])
			if i < 0 || int(i) >= len(a.elems) {
				return deopt(in, ReasonNone)
			}
			a.elems[i] = t[in.C]

		// Generic operations
		case MOp(NGenericArith):
			v, err := e.Arith(in.Cmp, t[in.A], t[in.B])
			if err != nil {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = v
		case MOp(NGenericNeg):
			v, err := e.Negate(t[in.A])
			if err != nil {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = v
		case MOp(NGenericCompare):
			v, err := e.Compare(in.Cmp, t[in.A], t[in.B])
			if err != nil {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = v
		case MOp(NGenericGetProp):
			v, _, _, err := e.GetProperty(t[in.A], in.Name)
			if err != nil {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = v
		case MOp(NGenericSetProp):
			if _, _, err := e.SetProperty(t[in.A], in.Name, t[in.B]); err != nil {
				return deopt(in, ReasonNone)
			}
		case MOp(NDeleteProp):
			if err := e.DeleteProperty(t[in.A], in.Name); err != nil {
				return deopt(in, ReasonNone)
			}
		case MOp(NGenericGetIndex):
			v, _, err := e.GetIndex(t[in.A], t[in.B])
			if err != nil {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = v
		case MOp(NGenericSetIndex):
			if _, err := e.SetIndex(t[in.A], t[in.B], t[in.C]); err != nil {
				return deopt(in, ReasonNone)
			}
		case MOp(NGenericLength):
			v, err := e.Length(t[in.A])
			if err != nil {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = v
		case MOp(NLoadGlobal):
			v, err := e.LoadGlobal(in.Name)
			if err != nil {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = v
		case MOp(NStoreGlobal):
			e.StoreGlobal(in.Name, t[in.A])
		case MOp(NNewObject):
			t[in.Dst], _ = e.NewObject(Nil)
		case MOp(NNewObjectProto):
			v, err := e.NewObject(t[in.A])
			if err != nil {
				return deopt(in, ReasonNone)
			}
			t[in.Dst] = v
		case MOp(NNewArray):
			elems := make([]Value, len(in.Args))
			for i, a := range in.Args {
				elems[i] = t[a]
			}
			t[in.Dst] = e.heap.NewArray(elems)
		case MOp(NClosure):
			t[in.Dst] = e.heap.Allocate(&Closure{Unit: in.Unit})

		// Calls
		case MOp(NCall):
			args := make([]Value, len(in.Args)-1)
			for i, a := range in.Args[1:] {
				args[i] = t[a]
			}
			v, err := e.Invoke(t[in.Args[0]], args)
			if err != nil {
				return Nil, err
			}
			t[in.Dst] = v
		case MOp(NCallNative):
			args := make([]Value, len(in.Args))
			for i, a := range in.Args {
				args[i] = t[a]
			}
			v, err := e.callNative(in.Native, args)
			if err != nil {
				return Nil, err
			}
			t[in.Dst] = v
		case MOp(NSafepoint):
			if code.invalid.Load() {
				return deopt(in, DeoptReason(code.invalidWhy.Load()))
			}
			if act.deoptRequested.Load() {
				return deopt(in, ReasonForced)
			}

		// Control
		case MJump:
			pc = int(in.Target)
		case MBranch:
			if r[in.A] != 0 {
				pc = int(in.Target)
			} else {
				pc = int(in.Else)
			}
		case MReturn:
			return t[in.A], nil
		case MThrow:
			v := t[in.A]
			return Nil, &LangError{Kind: Thrown, Message: e.heap.Format(v), Value: v}
		case MDeopt:
			return deopt(in, ReasonNone)
		default:
			invariantf("optimized code for %s: unknown machine op %s at %d", code.unit.name, in.Op, pc-1)
		}
	}
}
