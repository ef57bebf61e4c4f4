package vm

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Frame: Execution state for a function invocation
// ---------------------------------------------------------------------------

// Frame is the interpreter's view of one activation. The baseline tier uses
// the same layout, and deoptimization produces Frames.
type Frame struct {
	Unit   *FunctionUnit
	IP     int // next instruction to execute
	PC     int // offset of the instruction being executed
	Locals []Value
	Stack  []Value
	// AwaitingResult is set while the frame is suspended in a call.
	AwaitingResult bool
}

func newFrame(u *FunctionUnit, args []Value) *Frame {
	f := &Frame{
		Unit:   u,
		Locals: make([]Value, u.meta.NumLocals),
		Stack:  make([]Value, 0, u.maxStack+1),
	}
	n := copy(f.Locals, args[:min(len(args), u.meta.Arity)])
	for i := n; i < len(f.Locals); i++ {
		f.Locals[i] = Nil
	}
	return f
}

func (f *Frame) push(v Value) {
	f.Stack = append(f.Stack, v)
}

func (f *Frame) pop() Value {
	n := len(f.Stack) - 1
	v := f.Stack[n]
	f.Stack = f.Stack[:n]
	return v
}

func (f *Frame) top() Value {
	return f.Stack[len(f.Stack)-1]
}

// popArgs removes argc arguments and the callee beneath them.
func (f *Frame) popArgs(argc int) (Value, []Value) {
	base := len(f.Stack) - argc - 1
	callee := f.Stack[base]
	args := make([]Value, argc)
	copy(args, f.Stack[base+1:])
	f.Stack = f.Stack[:base]
	return callee, args
}

func (f *Frame) visitRoots(visit func(Value)) {
	for _, v := range f.Locals {
		visit(v)
	}
	for _, v := range f.Stack {
		visit(v)
	}
}

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes bytecode directly, recording type feedback at every
// slot-carrying instruction.
type Interpreter struct {
	e *Engine
}

// unwind transfers control to the handler covering f.PC, if there is one.
func (e *Engine) unwind(f *Frame, err error) bool {
	le, ok := AsLangError(err)
	if !ok {
		return false
	}
	h, ok := f.Unit.handlerFor(f.PC)
	if !ok {
		return false
	}
	f.Stack = f.Stack[:h.StackDepth]
	f.push(e.errorValue(le))
	f.IP = h.Target
	f.AwaitingResult = false
	return true
}

// run executes f until it returns. A non-nil pending error is raised in f
// before the first instruction, which is how an error from a callee reaches
// a reconstructed caller frame.
func (in *Interpreter) run(f *Frame, pending error) (Value, error) {
	e := in.e
	u := f.Unit
	bc := u.code
	fv := u.feedback
	if pending != nil && !e.unwind(f, pending) {
		return Nil, pending
	}

	for {
		f.PC = f.IP
		op := Opcode(bc[f.IP])
		f.IP++
		var err error

		switch op {
		// --- Stack operations ---
		case OpNop:

		case OpPop:
			f.pop()

		case OpDup:
			f.push(f.top())

		case OpSwap:
			n := len(f.Stack)
			f.Stack[n-1], f.Stack[n-2] = f.Stack[n-2], f.Stack[n-1]

		// --- Push constants ---
		case OpPushNil:
			f.push(Nil)

		case OpPushTrue:
			f.push(True)

		case OpPushFalse:
			f.push(False)

		case OpPushInt:
			f.push(FromInt(int32(binary.LittleEndian.Uint32(bc[f.IP:]))))
			f.IP += 4

		case OpPushConst:
			idx := binary.LittleEndian.Uint16(bc[f.IP:])
			f.IP += 2
			f.push(u.constants[idx])

		// --- Variables ---
		case OpLoadLocal:
			f.push(f.Locals[bc[f.IP]])
			f.IP++

		case OpStoreLocal:
			f.Locals[bc[f.IP]] = f.pop()
			f.IP++

		case OpLoadGlobal:
			idx := binary.LittleEndian.Uint16(bc[f.IP:])
			f.IP += 2
			var v Value
			if v, err = e.LoadGlobal(u.meta.Names[idx]); err == nil {
				f.push(v)
			}

		case OpStoreGlobal:
			idx := binary.LittleEndian.Uint16(bc[f.IP:])
			f.IP += 2
			e.StoreGlobal(u.meta.Names[idx], f.pop())

		// --- Arithmetic ---
		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			slot := int(binary.LittleEndian.Uint16(bc[f.IP:]))
			f.IP += 2
			b, a := f.pop(), f.pop()
			var r Value
			if r, err = e.execArith(fv, slot, op, a, b); err == nil {
				f.push(r)
			}

		case OpNeg:
			slot := int(binary.LittleEndian.Uint16(bc[f.IP:]))
			f.IP += 2
			var r Value
			if r, err = e.execNegate(fv, slot, f.pop()); err == nil {
				f.push(r)
			}

		case OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
			slot := int(binary.LittleEndian.Uint16(bc[f.IP:]))
			f.IP += 2
			b, a := f.pop(), f.pop()
			var r Value
			if r, err = e.execCompare(fv, slot, op, a, b); err == nil {
				f.push(r)
			}

		case OpNot:
			f.push(Bool(!f.pop().Truthy()))

		// --- Objects ---
		case OpGetProp:
			name := u.meta.Names[binary.LittleEndian.Uint16(bc[f.IP:])]
			slot := int(binary.LittleEndian.Uint16(bc[f.IP+2:]))
			f.IP += 4
			var v Value
			if v, err = e.execGetProp(fv, slot, f.pop(), name); err == nil {
				f.push(v)
			}

		case OpSetProp:
			name := u.meta.Names[binary.LittleEndian.Uint16(bc[f.IP:])]
			slot := int(binary.LittleEndian.Uint16(bc[f.IP+2:]))
			f.IP += 4
			v, obj := f.pop(), f.pop()
			err = e.execSetProp(fv, slot, obj, name, v)

		case OpDeleteProp:
			name := u.meta.Names[binary.LittleEndian.Uint16(bc[f.IP:])]
			f.IP += 2
			err = e.DeleteProperty(f.pop(), name)

		case OpNewObject:
			var v Value
			if v, err = e.NewObject(Nil); err == nil {
				f.push(v)
			}

		case OpNewObjectProto:
			var v Value
			if v, err = e.NewObject(f.pop()); err == nil {
				f.push(v)
			}

		case OpNewArray:
			n := int(bc[f.IP])
			f.IP++
			elems := make([]Value, n)
			copy(elems, f.Stack[len(f.Stack)-n:])
			f.Stack = f.Stack[:len(f.Stack)-n]
			f.push(e.heap.NewArray(elems))

		case OpGetIndex:
			slot := int(binary.LittleEndian.Uint16(bc[f.IP:]))
			f.IP += 2
			key, container := f.pop(), f.pop()
			var v Value
			if v, err = e.execGetIndex(fv, slot, container, key); err == nil {
				f.push(v)
			}

		case OpSetIndex:
			slot := int(binary.LittleEndian.Uint16(bc[f.IP:]))
			f.IP += 2
			v, key, container := f.pop(), f.pop(), f.pop()
			err = e.execSetIndex(fv, slot, container, key, v)

		case OpLength:
			var v Value
			if v, err = e.Length(f.pop()); err == nil {
				f.push(v)
			}

		// --- Calls ---
		case OpCall:
			argc := int(bc[f.IP])
			slot := int(binary.LittleEndian.Uint16(bc[f.IP+1:]))
			f.IP += 3
			callee, args := f.popArgs(argc)
			e.recordCall(fv, slot, callee)
			f.AwaitingResult = true
			var v Value
			v, err = e.Invoke(callee, args)
			f.AwaitingResult = false
			if err == nil {
				f.push(v)
			}

		case OpClosure:
			idx := binary.LittleEndian.Uint16(bc[f.IP:])
			f.IP += 2
			f.push(e.heap.Allocate(&Closure{Unit: u.meta.Functions[idx]}))

		// --- Control flow ---
		case OpJump:
			offset := int16(binary.LittleEndian.Uint16(bc[f.IP:]))
			f.IP += 2 + int(offset)

		case OpJumpIfFalse, OpJumpIfTrue:
			offset := int16(binary.LittleEndian.Uint16(bc[f.IP:]))
			slot := int(binary.LittleEndian.Uint16(bc[f.IP+2:]))
			f.IP += 4
			taken := f.pop().Truthy() == (op == OpJumpIfTrue)
			fv.RecordBranch(slot, taken)
			if taken {
				f.IP += int(offset)
			}

		case OpLoop:
			offset := int16(binary.LittleEndian.Uint16(bc[f.IP:]))
			f.IP += 2 + int(offset)
			if code := e.onBackEdge(f); code != nil {
				return e.enterOSR(f, code)
			}

		case OpReturn:
			return f.pop(), nil

		case OpThrow:
			v := f.pop()
			err = &LangError{Kind: Thrown, Message: e.heap.Format(v), Value: v}

		default:
			invariantf("interpreter: unknown opcode 0x%02x in %s at %04d", byte(op), u.name, f.PC)
		}

		if err != nil {
			if e.unwind(f, err) {
				continue
			}
			return Nil, err
		}
	}
}
