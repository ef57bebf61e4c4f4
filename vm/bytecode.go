package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction set
// ---------------------------------------------------------------------------

// Opcode is the first byte of every instruction. Operand widths follow from
// the opcode alone, so code can be decoded without a side table.
type Opcode byte

// Stack shuffling
const (
	OpNop  Opcode = 0x00 // no operation
	OpPop  Opcode = 0x01 // discard top of stack
	OpDup  Opcode = 0x02 // duplicate top of stack
	OpSwap Opcode = 0x03 // swap the two top values
)

// Literals
const (
	OpPushNil   Opcode = 0x10 // push nil
	OpPushTrue  Opcode = 0x11 // push true
	OpPushFalse Opcode = 0x12 // push false
	OpPushInt   Opcode = 0x13 // push 32-bit signed integer
	OpPushConst Opcode = 0x14 // push constant (16-bit index)
)

// Locals and globals
const (
	OpLoadLocal   Opcode = 0x20 // push local (8-bit index)
	OpStoreLocal  Opcode = 0x21 // pop into local (8-bit index)
	OpLoadGlobal  Opcode = 0x22 // push global (16-bit name index)
	OpStoreGlobal Opcode = 0x23 // pop into global (16-bit name index)
)

// Arithmetic and comparison. Each carries a 16-bit feedback slot.
const (
	OpAdd Opcode = 0x30
	OpSub Opcode = 0x31
	OpMul Opcode = 0x32
	OpDiv Opcode = 0x33
	OpMod Opcode = 0x34
	OpNeg Opcode = 0x35
	OpLt  Opcode = 0x36
	OpLe  Opcode = 0x37
	OpGt  Opcode = 0x38
	OpGe  Opcode = 0x39
	OpEq  Opcode = 0x3A
	OpNe  Opcode = 0x3B
	OpNot Opcode = 0x3C // no slot
)

// Objects and arrays
const (
	OpGetProp        Opcode = 0x40 // name u16, slot u16
	OpSetProp        Opcode = 0x41 // name u16, slot u16; pops value and object
	OpDeleteProp     Opcode = 0x42 // name u16
	OpNewObject      Opcode = 0x43 // push a fresh object
	OpNewObjectProto Opcode = 0x44 // pop prototype, push object inheriting from it
	OpNewArray       Opcode = 0x45 // u8 element count
	OpGetIndex       Opcode = 0x46 // slot u16
	OpSetIndex       Opcode = 0x47 // slot u16; pops value, index and array
	OpLength         Opcode = 0x48 // length of array or string
)

// Calls
const (
	OpCall    Opcode = 0x50 // argc u8, slot u16
	OpClosure Opcode = 0x51 // function index u16
)

// Jumps are relative to the end of the instruction.
const (
	OpJump        Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpIfFalse Opcode = 0x61 // pop, jump if falsy (16-bit offset, 16-bit slot)
	OpJumpIfTrue  Opcode = 0x62 // pop, jump if truthy (16-bit offset, 16-bit slot)
	OpLoop        Opcode = 0x63 // backward jump, marks a loop back-edge
	OpReturn      Opcode = 0x64 // return top of stack
	OpThrow       Opcode = 0x65 // throw top of stack
)

// ---------------------------------------------------------------------------
// Per-opcode properties
// ---------------------------------------------------------------------------

// OpcodeInfo describes the encoding and static behaviour of an opcode.
type OpcodeInfo struct {
	Name         string
	OperandBytes int
	StackEffect  int  // net change; variable-arity ops are computed by stackEffect
	HasSlot      bool // carries a feedback slot operand
	Terminates   bool // control never falls through
}

var opcodes = map[Opcode]OpcodeInfo{
	OpNop:  {Name: "NOP"},
	OpPop:  {Name: "POP", StackEffect: -1},
	OpDup:  {Name: "DUP", StackEffect: 1},
	OpSwap: {Name: "SWAP"},

	OpPushNil:   {Name: "PUSH_NIL", StackEffect: 1},
	OpPushTrue:  {Name: "PUSH_TRUE", StackEffect: 1},
	OpPushFalse: {Name: "PUSH_FALSE", StackEffect: 1},
	OpPushInt:   {Name: "PUSH_INT", OperandBytes: 4, StackEffect: 1},
	OpPushConst: {Name: "PUSH_CONST", OperandBytes: 2, StackEffect: 1},

	OpLoadLocal:   {Name: "LOAD_LOCAL", OperandBytes: 1, StackEffect: 1},
	OpStoreLocal:  {Name: "STORE_LOCAL", OperandBytes: 1, StackEffect: -1},
	OpLoadGlobal:  {Name: "LOAD_GLOBAL", OperandBytes: 2, StackEffect: 1},
	OpStoreGlobal: {Name: "STORE_GLOBAL", OperandBytes: 2, StackEffect: -1},

	OpAdd: {Name: "ADD", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpSub: {Name: "SUB", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpMul: {Name: "MUL", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpDiv: {Name: "DIV", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpMod: {Name: "MOD", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpNeg: {Name: "NEG", OperandBytes: 2, HasSlot: true},
	OpLt:  {Name: "LT", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpLe:  {Name: "LE", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpGt:  {Name: "GT", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpGe:  {Name: "GE", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpEq:  {Name: "EQ", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpNe:  {Name: "NE", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpNot: {Name: "NOT"},

	OpGetProp:        {Name: "GET_PROP", OperandBytes: 4, HasSlot: true},
	OpSetProp:        {Name: "SET_PROP", OperandBytes: 4, StackEffect: -2, HasSlot: true},
	OpDeleteProp:     {Name: "DELETE_PROP", OperandBytes: 2, StackEffect: -1},
	OpNewObject:      {Name: "NEW_OBJECT", StackEffect: 1},
	OpNewObjectProto: {Name: "NEW_OBJECT_PROTO"},
	OpNewArray:       {Name: "NEW_ARRAY", OperandBytes: 1},
	OpGetIndex:       {Name: "GET_INDEX", OperandBytes: 2, StackEffect: -1, HasSlot: true},
	OpSetIndex:       {Name: "SET_INDEX", OperandBytes: 2, StackEffect: -3, HasSlot: true},
	OpLength:         {Name: "LENGTH"},

	OpCall:    {Name: "CALL", OperandBytes: 3, HasSlot: true},
	OpClosure: {Name: "CLOSURE", OperandBytes: 2, StackEffect: 1},

	OpJump:        {Name: "JUMP", OperandBytes: 2, Terminates: true},
	OpJumpIfFalse: {Name: "JUMP_IF_FALSE", OperandBytes: 4, StackEffect: -1, HasSlot: true},
	OpJumpIfTrue:  {Name: "JUMP_IF_TRUE", OperandBytes: 4, StackEffect: -1, HasSlot: true},
	OpLoop:        {Name: "LOOP", OperandBytes: 2, Terminates: true},
	OpReturn:      {Name: "RETURN", StackEffect: -1, Terminates: true},
	OpThrow:       {Name: "THROW", StackEffect: -1, Terminates: true},
}

// Info looks op up. Unknown opcodes get a placeholder name and no operands.
func (op Opcode) Info() OpcodeInfo {
	info, ok := opcodes[op]
	if !ok {
		info.Name = fmt.Sprintf("OP_%02X?", byte(op))
	}
	return info
}

// Name is the mnemonic used by the disassembler.
func (op Opcode) Name() string { return op.Info().Name }

func (op Opcode) Valid() bool {
	_, ok := opcodes[op]
	return ok
}

func (op Opcode) String() string { return op.Name() }

// slotKindFor returns the feedback slot kind an opcode expects.
func slotKindFor(op Opcode) SlotKind {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg:
		return SlotBinaryOp
	case OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
		return SlotCompare
	case OpGetProp:
		return SlotLoad
	case OpSetProp:
		return SlotStore
	case OpGetIndex:
		return SlotKeyedLoad
	case OpSetIndex:
		return SlotKeyedStore
	case OpCall:
		return SlotCall
	case OpJumpIfFalse, OpJumpIfTrue:
		return SlotBranch
	}
	return SlotNone
}

// ---------------------------------------------------------------------------
// Decoded instructions
// ---------------------------------------------------------------------------

// Instruction is a decoded bytecode instruction.
type Instruction struct {
	Op   Opcode
	PC   int // offset of the opcode byte
	Next int // offset of the following instruction
	A    int // first operand (index, count, immediate)
	Slot int // feedback slot, -1 when absent
	// Target is the absolute jump target for jumps, -1 otherwise.
	Target int
}

// DecodeAt decodes the instruction at pc.
func DecodeAt(code []byte, pc int) (Instruction, error) {
	if pc < 0 || pc >= len(code) {
		return Instruction{}, fmt.Errorf("%w: pc %d out of range", ErrBadBytecode, pc)
	}
	op := Opcode(code[pc])
	info, ok := opcodes[op]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: unknown opcode 0x%02x at %d", ErrBadBytecode, byte(op), pc)
	}
	next := pc + 1 + info.OperandBytes
	if next > len(code) {
		return Instruction{}, fmt.Errorf("%w: truncated %s at %d", ErrBadBytecode, info.Name, pc)
	}
	in := Instruction{Op: op, PC: pc, Next: next, Slot: -1, Target: -1}
	ops := code[pc+1 : next]
	u16 := func(off int) int { return int(binary.LittleEndian.Uint16(ops[off:])) }

	switch op {
	case OpPushInt:
		in.A = int(int32(binary.LittleEndian.Uint32(ops)))
	case OpPushConst, OpLoadGlobal, OpStoreGlobal, OpDeleteProp, OpClosure:
		in.A = u16(0)
	case OpLoadLocal, OpStoreLocal, OpNewArray:
		in.A = int(ops[0])
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg, OpLt, OpLe, OpGt, OpGe, OpEq, OpNe,
		OpGetIndex, OpSetIndex:
		in.Slot = u16(0)
	case OpGetProp, OpSetProp:
		in.A = u16(0)
		in.Slot = u16(2)
	case OpCall:
		in.A = int(ops[0])
		in.Slot = u16(1)
	case OpJump, OpLoop:
		in.Target = next + int(int16(binary.LittleEndian.Uint16(ops)))
	case OpJumpIfFalse, OpJumpIfTrue:
		in.Target = next + int(int16(binary.LittleEndian.Uint16(ops)))
		in.Slot = u16(2)
	}
	return in, nil
}

// stackEffect returns the net stack change of a decoded instruction.
func (in Instruction) stackEffect() int {
	switch in.Op {
	case OpNewArray:
		return 1 - in.A
	case OpCall:
		return -in.A // pops callee and args, pushes result
	}
	return in.Op.Info().StackEffect
}

// stackInputs returns how many values the instruction pops.
func (in Instruction) stackInputs() int {
	switch in.Op {
	case OpPop, OpStoreLocal, OpStoreGlobal, OpNeg, OpNot, OpNewObjectProto, OpLength,
		OpJumpIfFalse, OpJumpIfTrue, OpReturn, OpThrow, OpGetProp, OpDeleteProp, OpDup:
		return 1
	case OpSwap, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpLt, OpLe, OpGt, OpGe, OpEq, OpNe,
		OpSetProp, OpGetIndex:
		return 2
	case OpSetIndex:
		return 3
	case OpNewArray:
		return in.A
	case OpCall:
		return in.A + 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Emitting bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder appends encoded instructions to a growing function body.
// Multi-byte operands are little-endian.
type BytecodeBuilder struct {
	code []byte
}

func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{code: make([]byte, 0, 128)}
}

// Bytes returns the encoded body. The builder keeps appending to it.
func (b *BytecodeBuilder) Bytes() []byte { return b.code }

// Len is the offset the next instruction will be emitted at.
func (b *BytecodeBuilder) Len() int { return len(b.code) }

func (b *BytecodeBuilder) put16(v uint16) {
	b.code = binary.LittleEndian.AppendUint16(b.code, v)
}

// Emit appends an instruction without operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.code = append(b.code, byte(op))
}

// EmitByte appends op with a u8 operand: a local index or a count.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.code = append(b.code, byte(op), operand)
}

// EmitUint16 appends op with a u16 operand: a name, constant or function index.
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.Emit(op)
	b.put16(operand)
}

// EmitInt32 appends PUSH_INT-style instructions with an i32 immediate.
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.Emit(op)
	b.code = binary.LittleEndian.AppendUint32(b.code, uint32(operand))
}

// EmitSlot appends an opcode whose only operand is a feedback slot.
func (b *BytecodeBuilder) EmitSlot(op Opcode, slot uint16) {
	b.EmitUint16(op, slot)
}

// EmitProp appends GET_PROP or SET_PROP.
func (b *BytecodeBuilder) EmitProp(op Opcode, name, slot uint16) {
	b.Emit(op)
	b.put16(name)
	b.put16(slot)
}

// EmitCall appends a CALL instruction.
func (b *BytecodeBuilder) EmitCall(argc uint8, slot uint16) {
	b.EmitByte(OpCall, argc)
	b.put16(slot)
}

// ---------------------------------------------------------------------------
// Jump targets
// ---------------------------------------------------------------------------

// Label is a jump target. Jumps emitted before the label is placed are
// patched when Mark places it.
type Label struct {
	placed bool
	at     int
	uses   []labelRef
}

type labelRef struct {
	at   int // operand position to patch
	base int // offset the jump is relative to
}

// NewLabel returns a label that is not placed yet.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{}
}

// Mark places label at the current offset and patches earlier jumps to it.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.placed {
		panic("vm: label marked twice")
	}
	label.placed, label.at = true, len(b.code)
	for _, ref := range label.uses {
		b.patch(ref, label.at)
	}
	label.uses = nil
}

func (b *BytecodeBuilder) patch(ref labelRef, target int) {
	binary.LittleEndian.PutUint16(b.code[ref.at:], uint16(int16(target-ref.base)))
}

// EmitJump emits JUMP or LOOP to a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.Emit(op)
	b.put16(0)
	b.refer(label, labelRef{at: len(b.code) - 2, base: len(b.code)})
}

// EmitBranch emits a conditional jump carrying a branch feedback slot.
func (b *BytecodeBuilder) EmitBranch(op Opcode, label *Label, slot uint16) {
	b.Emit(op)
	b.put16(0)
	b.put16(slot)
	b.refer(label, labelRef{at: len(b.code) - 4, base: len(b.code)})
}

func (b *BytecodeBuilder) refer(label *Label, ref labelRef) {
	if label.placed {
		b.patch(ref, label.at)
		return
	}
	label.uses = append(label.uses, ref)
}

// Unresolved reports whether jumps to l were emitted but l was never marked.
func (l *Label) Unresolved() bool {
	return !l.placed && len(l.uses) > 0
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders a single decoded instruction.
func DisassembleInstruction(in Instruction, meta *FunctionMeta) string {
	name := in.Op.Name()
	switch in.Op {
	case OpPushInt, OpLoadLocal, OpStoreLocal, OpNewArray:
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.A)
	case OpPushConst:
		if meta != nil && in.A < len(meta.Constants) {
			return fmt.Sprintf("%04d  %s %d (%s)", in.PC, name, in.A, meta.Constants[in.A])
		}
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.A)
	case OpLoadGlobal, OpStoreGlobal, OpDeleteProp:
		return fmt.Sprintf("%04d  %s %s", in.PC, name, nameOperand(meta, in.A))
	case OpGetProp, OpSetProp:
		return fmt.Sprintf("%04d  %s %s [%d]", in.PC, name, nameOperand(meta, in.A), in.Slot)
	case OpCall:
		return fmt.Sprintf("%04d  %s argc=%d [%d]", in.PC, name, in.A, in.Slot)
	case OpClosure:
		if meta != nil && in.A < len(meta.Functions) {
			return fmt.Sprintf("%04d  %s %s", in.PC, name, meta.Functions[in.A].Name())
		}
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.A)
	case OpJump, OpLoop:
		return fmt.Sprintf("%04d  %s -> %04d", in.PC, name, in.Target)
	case OpJumpIfFalse, OpJumpIfTrue:
		return fmt.Sprintf("%04d  %s -> %04d [%d]", in.PC, name, in.Target, in.Slot)
	}
	if in.Slot >= 0 {
		return fmt.Sprintf("%04d  %s [%d]", in.PC, name, in.Slot)
	}
	return fmt.Sprintf("%04d  %s", in.PC, name)
}

func nameOperand(meta *FunctionMeta, idx int) string {
	if meta != nil && idx < len(meta.Names) {
		return meta.Names[idx]
	}
	return fmt.Sprintf("#%d", idx)
}

// Disassemble returns a full disassembly of bytecode. meta may be nil.
func Disassemble(bc []byte, meta *FunctionMeta) string {
	var sb strings.Builder
	for pc := 0; pc < len(bc); {
		in, err := DecodeAt(bc, pc)
		if err != nil {
			fmt.Fprintf(&sb, "%04d  <%v>\n", pc, err)
			break
		}
		sb.WriteString(DisassembleInstruction(in, meta))
		sb.WriteByte('\n')
		pc = in.Next
	}
	return sb.String()
}
