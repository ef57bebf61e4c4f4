package vm

import (
	"fmt"
)

// Baseline tier
//
// The baseline compiler pre-decodes a function into a table of closures, one
// per instruction, with operands, constants and jump targets resolved. It
// does no speculation and keeps the interpreter's frame layout and feedback
// recording, so frames move freely between the two tiers.

// baselineOp executes one instruction and returns the index of the next op,
// or opReturn when the frame finished with the value in *ret.
type baselineOp func(f *Frame, ret *Value) (int, error)

const opReturn = -1

// BaselineCode is the baseline translation of a FunctionUnit.
type BaselineCode struct {
	unit  *FunctionUnit
	ops   []baselineOp
	pcs   []int // bytecode offset of each op
	index []int // bytecode offset -> op index, -1 between instructions
}

// Ops returns the number of translated instructions.
func (b *BaselineCode) Ops() int { return len(b.ops) }

// compileBaseline translates u. It never fails for verified bytecode.
func (e *Engine) compileBaseline(u *FunctionUnit) (*BaselineCode, error) {
	b := &BaselineCode{unit: u, index: make([]int, len(u.code))}
	for i := range b.index {
		b.index[i] = -1
	}
	var instrs []Instruction
	for pc := 0; pc < len(u.code); {
		in, err := DecodeAt(u.code, pc)
		if err != nil {
			return nil, err
		}
		b.index[pc] = len(instrs)
		instrs = append(instrs, in)
		pc = in.Next
	}
	b.ops = make([]baselineOp, len(instrs))
	b.pcs = make([]int, len(instrs))
	for i, in := range instrs {
		op, err := e.translate(b, i, in)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", u.name, err)
		}
		b.ops[i] = op
		b.pcs[i] = in.PC
	}
	return b, nil
}

// translate builds the closure for one instruction.
func (e *Engine) translate(b *BaselineCode, i int, in Instruction) (baselineOp, error) {
	u := b.unit
	fv := u.feedback
	next := i + 1
	slot := in.Slot
	target := -1
	if in.Target >= 0 {
		target = b.index[in.Target]
	}
	op := in.Op

	switch op {
	case OpNop:
		return func(*Frame, *Value) (int, error) { return next, nil }, nil
	case OpPop:
		return func(f *Frame, _ *Value) (int, error) { f.pop(); return next, nil }, nil
	case OpDup:
		return func(f *Frame, _ *Value) (int, error) { f.push(f.top()); return next, nil }, nil
	case OpSwap:
		return func(f *Frame, _ *Value) (int, error) {
			n := len(f.Stack)
			f.Stack[n-1], f.Stack[n-2] = f.Stack[n-2], f.Stack[n-1]
			return next, nil
		}, nil
	case OpPushNil, OpPushTrue, OpPushFalse, OpPushInt, OpPushConst:
		var v Value
		switch op {
		case OpPushNil:
			v = Nil
		case OpPushTrue:
			v = True
		case OpPushFalse:
			v = False
		case OpPushInt:
			v = FromInt(int32(in.A))
		case OpPushConst:
			v = u.constants[in.A]
		}
		return func(f *Frame, _ *Value) (int, error) { f.push(v); return next, nil }, nil
	case OpLoadLocal:
		idx := in.A
		return func(f *Frame, _ *Value) (int, error) { f.push(f.Locals[idx]); return next, nil }, nil
	case OpStoreLocal:
		idx := in.A
		return func(f *Frame, _ *Value) (int, error) { f.Locals[idx] = f.pop(); return next, nil }, nil
	case OpLoadGlobal:
		name := u.meta.Names[in.A]
		return func(f *Frame, _ *Value) (int, error) {
			v, err := e.LoadGlobal(name)
			if err != nil {
				return 0, err
			}
			f.push(v)
			return next, nil
		}, nil
	case OpStoreGlobal:
		name := u.meta.Names[in.A]
		return func(f *Frame, _ *Value) (int, error) { e.StoreGlobal(name, f.pop()); return next, nil }, nil
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return func(f *Frame, _ *Value) (int, error) {
			b, a := f.pop(), f.pop()
			if a.IsInt() && b.IsInt() && op != OpDiv && op != OpMod {
				// Fast path: small integers without overflow.
				x, y := int64(a.Int()), int64(b.Int())
				var r int64
				switch op {
				case OpAdd:
					r = x + y
				case OpSub:
					r = x - y
				default:
					r = x * y
				}
				if r >= MinInt && r <= MaxInt {
					fv.RecordTypes(slot, TypeSignedSmall)
					f.push(FromInt(int32(r)))
					return next, nil
				}
			}
			r, err := e.execArith(fv, slot, op, a, b)
			if err != nil {
				return 0, err
			}
			f.push(r)
			return next, nil
		}, nil
	case OpNeg:
		return func(f *Frame, _ *Value) (int, error) {
			r, err := e.execNegate(fv, slot, f.pop())
			if err != nil {
				return 0, err
			}
			f.push(r)
			return next, nil
		}, nil
	case OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
		return func(f *Frame, _ *Value) (int, error) {
			b, a := f.pop(), f.pop()
			r, err := e.execCompare(fv, slot, op, a, b)
			if err != nil {
				return 0, err
			}
			f.push(r)
			return next, nil
		}, nil
	case OpNot:
		return func(f *Frame, _ *Value) (int, error) { f.push(Bool(!f.pop().Truthy())); return next, nil }, nil
	case OpGetProp:
		name := u.meta.Names[in.A]
		return func(f *Frame, _ *Value) (int, error) {
			v, err := e.execGetProp(fv, slot, f.pop(), name)
			if err != nil {
				return 0, err
			}
			f.push(v)
			return next, nil
		}, nil
	case OpSetProp:
		name := u.meta.Names[in.A]
		return func(f *Frame, _ *Value) (int, error) {
			v, obj := f.pop(), f.pop()
			return next, e.execSetProp(fv, slot, obj, name, v)
		}, nil
	case OpDeleteProp:
		name := u.meta.Names[in.A]
		return func(f *Frame, _ *Value) (int, error) { return next, e.DeleteProperty(f.pop(), name) }, nil
	case OpNewObject, OpNewObjectProto:
		return func(f *Frame, _ *Value) (int, error) {
			proto := Nil
			if op == OpNewObjectProto {
				proto = f.pop()
			}
			v, err := e.NewObject(proto)
			if err != nil {
				return 0, err
			}
			f.push(v)
			return next, nil
		}, nil
	case OpNewArray:
		n := in.A
		return func(f *Frame, _ *Value) (int, error) {
			elems := make([]Value, n)
			copy(elems, f.Stack[len(f.Stack)-n:])
			f.Stack = f.Stack[:len(f.Stack)-n]
			f.push(e.heap.NewArray(elems))
			return next, nil
		}, nil
	case OpGetIndex:
		return func(f *Frame, _ *Value) (int, error) {
			key, container := f.pop(), f.pop()
			v, err := e.execGetIndex(fv, slot, container, key)
			if err != nil {
				return 0, err
			}
			f.push(v)
			return next, nil
		}, nil
	case OpSetIndex:
		return func(f *Frame, _ *Value) (int, error) {
			v, key, container := f.pop(), f.pop(), f.pop()
			return next, e.execSetIndex(fv, slot, container, key, v)
		}, nil
	case OpLength:
		return func(f *Frame, _ *Value) (int, error) {
			v, err := e.Length(f.pop())
			if err != nil {
				return 0, err
			}
			f.push(v)
			return next, nil
		}, nil
	case OpCall:
		argc, resume := in.A, in.Next
		return func(f *Frame, _ *Value) (int, error) {
			callee, args := f.popArgs(argc)
			e.recordCall(fv, slot, callee)
			f.IP = resume
			f.AwaitingResult = true
			v, err := e.Invoke(callee, args)
			f.AwaitingResult = false
			if err != nil {
				return 0, err
			}
			f.push(v)
			return next, nil
		}, nil
	case OpClosure:
		fn := u.meta.Functions[in.A]
		return func(f *Frame, _ *Value) (int, error) {
			f.push(e.heap.Allocate(&Closure{Unit: fn}))
			return next, nil
		}, nil
	case OpJump:
		return func(*Frame, *Value) (int, error) { return target, nil }, nil
	case OpJumpIfFalse, OpJumpIfTrue:
		want := op == OpJumpIfTrue
		return func(f *Frame, _ *Value) (int, error) {
			taken := f.pop().Truthy() == want
			fv.RecordBranch(slot, taken)
			if taken {
				return target, nil
			}
			return next, nil
		}, nil
	case OpLoop:
		header := in.Target
		return func(f *Frame, ret *Value) (int, error) {
			f.IP = header
			if code := e.onBackEdge(f); code != nil {
				v, err := e.enterOSR(f, code)
				*ret = v
				return opReturn, err
			}
			return target, nil
		}, nil
	case OpReturn:
		return func(f *Frame, ret *Value) (int, error) { *ret = f.pop(); return opReturn, nil }, nil
	case OpThrow:
		return func(f *Frame, _ *Value) (int, error) {
			v := f.pop()
			return 0, &LangError{Kind: Thrown, Message: e.heap.Format(v), Value: v}
		}, nil
	}
	return nil, fmt.Errorf("%w: opcode %s", ErrBadBytecode, op)
}

// run executes f with baseline code starting at f.IP.
func (b *BaselineCode) run(e *Engine, f *Frame, pending error) (Value, error) {
	if pending != nil && !e.unwind(f, pending) {
		return Nil, pending
	}
	i := b.index[f.IP]
	var ret Value
	for {
		f.PC = b.pcs[i]
		next, err := b.ops[i](f, &ret)
		if next == opReturn {
			return ret, err
		}
		if err != nil {
			if e.unwind(f, err) {
				i = b.index[f.IP]
				continue
			}
			return Nil, err
		}
		i = next
	}
}
