package vm

import (
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/chazu/tiervm/vm/wire"
)

// ---------------------------------------------------------------------------
// Tier states
// ---------------------------------------------------------------------------

// TierState is the execution tier currently installed for a function.
type TierState uint32

const (
	TierInterpreted TierState = iota
	TierBaseline
	TierOptimized
	TierOptimizedOSR
)

var tierNames = [...]string{"interpreted", "baseline", "optimized", "optimized-osr"}

func (t TierState) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return "unknown"
}

// ParseTierState converts a tier name back to a TierState.
func ParseTierState(s string) (TierState, error) {
	for i, name := range tierNames {
		if name == s {
			return TierState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// ---------------------------------------------------------------------------
// Function metadata
// ---------------------------------------------------------------------------

// ConstKind is the type of a constant pool entry.
type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstString
)

// Constant is a constant pool entry. Strings are materialized on load.
type Constant struct {
	Kind  ConstKind `cbor:"1,keyasint"`
	Int   int32     `cbor:"2,keyasint,omitempty"`
	Float float64   `cbor:"3,keyasint,omitempty"`
	Str   string    `cbor:"4,keyasint,omitempty"`
}

func (c Constant) String() string {
	switch c.Kind {
	case ConstInt:
		return strconv.FormatInt(int64(c.Int), 10)
	case ConstFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	}
	return strconv.Quote(c.Str)
}

// Handler is an exception handler covering [Start, End).
type Handler struct {
	Start, End int
	Target     int
	StackDepth int // operand stack depth restored before pushing the error
}

// FunctionMeta is everything a function needs besides its bytecode.
type FunctionMeta struct {
	Arity      int
	NumLocals  int // including parameters
	Constants  []Constant
	Names      []string
	Slots      []SlotKind
	Handlers   []Handler
	Functions  []*FunctionUnit
	LocalNames []string
}

// ---------------------------------------------------------------------------
// FunctionUnit
// ---------------------------------------------------------------------------

// Unit flags
const (
	flagNeverOptimize uint32 = 1 << iota
	flagOptimizeOnNextCall
	flagPrepared
	flagOSRRequested
	flagDisposed
	flagMarkedForDeopt
)

var nextUnitID atomic.Uint64

// FunctionUnit is one compiled function: verified bytecode, its feedback
// vector, and the tiering state of the code installed for it.
type FunctionUnit struct {
	id       uint64
	name     string
	code     []byte
	meta     FunctionMeta
	hash     [32]byte
	feedback *FeedbackVector

	// Derived by verification.
	depthAt     []int16 // operand stack depth before each instruction, -1 between instructions
	maxStack    int
	loopHeaders []int
	loaded      atomic.Bool

	// Materialized by Engine.Load.
	constants []Value

	// Tiering state. Written by the execution goroutine; read anywhere.
	state        atomic.Uint32
	invocations  atomic.Uint64
	backEdges    atomic.Uint64
	deopts       atomic.Uint32
	backoffUntil atomic.Uint64
	flags        atomic.Uint32
	baseline     atomic.Pointer[BaselineCode]
	optimized    atomic.Pointer[CompiledCode]
	osrCode      atomic.Pointer[CompiledCode]
	disabled     atomic.Pointer[string]
}

// FromBytecode verifies code and creates a FunctionUnit.
func FromBytecode(name string, code []byte, meta FunctionMeta) (*FunctionUnit, error) {
	u := &FunctionUnit{
		id:   nextUnitID.Add(1),
		name: name,
		code: code,
		meta: meta,
	}
	if err := u.verify(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	u.feedback = newFeedbackVector(u, meta.Slots, DefaultMaxPolymorphism)
	h, err := unitHash(u)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	u.hash = h
	return u, nil
}

// ID returns the unit's process-unique identifier.
func (u *FunctionUnit) ID() uint64 { return u.id }

// Name returns the function name.
func (u *FunctionUnit) Name() string { return u.name }

// Code returns the bytecode.
func (u *FunctionUnit) Code() []byte { return u.code }

// Meta returns the function metadata.
func (u *FunctionUnit) Meta() *FunctionMeta { return &u.meta }

// Hash returns a digest of the bytecode and metadata.
func (u *FunctionUnit) Hash() [32]byte { return u.hash }

// Feedback returns the function's feedback vector.
func (u *FunctionUnit) Feedback() *FeedbackVector { return u.feedback }

// Tier returns the currently installed tier.
func (u *FunctionUnit) Tier() TierState { return TierState(u.state.Load()) }

// Invocations returns the invocation counter.
func (u *FunctionUnit) Invocations() uint64 { return u.invocations.Load() }

// BackEdges returns the loop back-edge counter.
func (u *FunctionUnit) BackEdges() uint64 { return u.backEdges.Load() }

// Deopts returns how many times optimized code for this unit deoptimized.
func (u *FunctionUnit) Deopts() uint32 { return u.deopts.Load() }

// LoopHeaders returns the bytecode offsets of loop headers.
func (u *FunctionUnit) LoopHeaders() []int { return u.loopHeaders }

// OptimizedCode returns the installed optimized code, if any.
func (u *FunctionUnit) OptimizedCode() *CompiledCode { return u.optimized.Load() }

// DisabledReason returns why the optimizer gave up on this unit.
func (u *FunctionUnit) DisabledReason() string {
	if p := u.disabled.Load(); p != nil {
		return *p
	}
	return ""
}

func (u *FunctionUnit) hasFlag(f uint32) bool { return u.flags.Load()&f != 0 }
func (u *FunctionUnit) setFlag(f uint32)      { u.flags.Or(f) }
func (u *FunctionUnit) clearFlag(f uint32)    { u.flags.And(^f) }

// takeFlag clears f and reports whether it was set.
func (u *FunctionUnit) takeFlag(f uint32) bool { return u.flags.And(^f)&f != 0 }

// NeverOptimize reports whether the optimizer gave up on this unit.
func (u *FunctionUnit) NeverOptimize() bool { return u.hasFlag(flagNeverOptimize) }

// Disposed reports whether the unit was disposed.
func (u *FunctionUnit) Disposed() bool { return u.hasFlag(flagDisposed) }

func (u *FunctionUnit) disable(reason string) {
	u.disabled.Store(&reason)
	u.setFlag(flagNeverOptimize)
}

func (u *FunctionUnit) isLoopHeader(pc int) bool {
	for _, h := range u.loopHeaders {
		if h == pc {
			return true
		}
	}
	return false
}

// stackDepth returns the verified operand depth before the instruction at pc.
func (u *FunctionUnit) stackDepth(pc int) int {
	return int(u.depthAt[pc])
}

// handlerFor returns the innermost handler covering pc.
func (u *FunctionUnit) handlerFor(pc int) (Handler, bool) {
	for i := len(u.meta.Handlers) - 1; i >= 0; i-- {
		h := u.meta.Handlers[i]
		if pc >= h.Start && pc < h.End {
			return h, true
		}
	}
	return Handler{}, false
}

// Disassemble returns the unit's disassembly.
func (u *FunctionUnit) Disassemble() string {
	return Disassemble(u.code, &u.meta)
}

func (u *FunctionUnit) String() string {
	return fmt.Sprintf("<function %s/%d>", u.name, u.meta.Arity)
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

const maxOperandStack = 1024

func (u *FunctionUnit) verify() error {
	code, meta := u.code, &u.meta
	if len(code) == 0 {
		return fmt.Errorf("%w: empty function", ErrBadBytecode)
	}
	if meta.Arity < 0 || meta.NumLocals < meta.Arity || meta.NumLocals > 256 {
		return fmt.Errorf("%w: arity %d, locals %d", ErrBadBytecode, meta.Arity, meta.NumLocals)
	}
	for i, k := range meta.Slots {
		if k == SlotNone || int(k) >= len(slotKindNames) {
			return fmt.Errorf("%w: slot %d has invalid kind %d", ErrBadBytecode, i, k)
		}
	}

	// Decode linearly first so jump targets can be checked against instruction starts.
	starts := make([]bool, len(code))
	var instrs []Instruction
	for pc := 0; pc < len(code); {
		in, err := DecodeAt(code, pc)
		if err != nil {
			return err
		}
		starts[pc] = true
		instrs = append(instrs, in)
		pc = in.Next
	}

	slotUsed := make([]bool, len(meta.Slots))
	loops := map[int]bool{}
	for _, in := range instrs {
		if err := u.checkOperands(in, starts, slotUsed); err != nil {
			return err
		}
		if in.Op == OpLoop {
			loops[in.Target] = true
		}
	}

	u.depthAt = make([]int16, len(code))
	for i := range u.depthAt {
		u.depthAt[i] = -1
	}
	type item struct{ pc, depth int }
	work := []item{{0, 0}}
	for _, h := range meta.Handlers {
		if h.Start < 0 || h.End > len(code) || h.Start >= h.End || h.Target < 0 || h.Target >= len(code) || !starts[h.Target] {
			return fmt.Errorf("%w: bad handler %+v", ErrBadBytecode, h)
		}
		work = append(work, item{h.Target, h.StackDepth + 1})
	}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		if it.pc >= len(code) {
			return fmt.Errorf("%w: control falls off the end", ErrBadBytecode)
		}
		if d := u.depthAt[it.pc]; d >= 0 {
			if int(d) != it.depth {
				return fmt.Errorf("%w: inconsistent stack depth at %04d (%d vs %d)", ErrBadBytecode, it.pc, d, it.depth)
			}
			continue
		}
		u.depthAt[it.pc] = int16(it.depth)
		in, _ := DecodeAt(code, it.pc)
		if in.stackInputs() > it.depth {
			return fmt.Errorf("%w: stack underflow at %04d", ErrBadBytecode, it.pc)
		}
		next := it.depth + in.stackEffect()
		if next > maxOperandStack {
			return fmt.Errorf("%w: operand stack too deep at %04d", ErrBadBytecode, it.pc)
		}
		if next > u.maxStack {
			u.maxStack = next
		}
		if it.depth > u.maxStack {
			u.maxStack = it.depth
		}
		if in.Target >= 0 {
			work = append(work, item{in.Target, next})
		}
		if !in.Op.Info().Terminates {
			work = append(work, item{in.Next, next})
		}
	}
	for _, h := range meta.Handlers {
		for pc := h.Start; pc < h.End; pc++ {
			if d := u.depthAt[pc]; d >= 0 && int(d) < h.StackDepth {
				return fmt.Errorf("%w: handler depth %d exceeds stack at %04d", ErrBadBytecode, h.StackDepth, pc)
			}
		}
	}

	for pc := range loops {
		u.loopHeaders = append(u.loopHeaders, pc)
	}
	slices.Sort(u.loopHeaders)
	return nil
}

func (u *FunctionUnit) checkOperands(in Instruction, starts, slotUsed []bool) error {
	meta := &u.meta
	bad := func(what string) error {
		return fmt.Errorf("%w: %s at %04d", ErrBadBytecode, what, in.PC)
	}
	switch in.Op {
	case OpPushConst:
		if in.A >= len(meta.Constants) {
			return bad("constant index out of range")
		}
	case OpLoadLocal, OpStoreLocal:
		if in.A >= meta.NumLocals {
			return bad("local index out of range")
		}
	case OpLoadGlobal, OpStoreGlobal, OpGetProp, OpSetProp, OpDeleteProp:
		if in.A >= len(meta.Names) {
			return bad("name index out of range")
		}
	case OpClosure:
		if in.A >= len(meta.Functions) || meta.Functions[in.A] == nil {
			return bad("function index out of range")
		}
	case OpJump, OpJumpIfFalse, OpJumpIfTrue:
		if in.Target < 0 || in.Target >= len(starts) || !starts[in.Target] {
			return bad("jump target is not an instruction")
		}
		if in.Target <= in.PC {
			return bad("backward jump must use LOOP")
		}
	case OpLoop:
		if in.Target < 0 || in.Target > in.PC || !starts[in.Target] {
			return bad("LOOP target must be an earlier instruction")
		}
	}
	if want := slotKindFor(in.Op); want != SlotNone {
		if in.Slot >= len(meta.Slots) {
			return bad("feedback slot out of range")
		}
		if meta.Slots[in.Slot] != want {
			return bad(fmt.Sprintf("slot %d is %s, want %s", in.Slot, meta.Slots[in.Slot], want))
		}
		if slotUsed[in.Slot] {
			return bad(fmt.Sprintf("slot %d shared by two instructions", in.Slot))
		}
		slotUsed[in.Slot] = true
	}
	return nil
}

type unitDigest struct {
	Code      []byte     `cbor:"1,keyasint"`
	Arity     int        `cbor:"2,keyasint"`
	NumLocals int        `cbor:"3,keyasint"`
	Constants []Constant `cbor:"4,keyasint"`
	Names     []string   `cbor:"5,keyasint"`
	Slots     []SlotKind `cbor:"6,keyasint"`
	Handlers  []Handler  `cbor:"7,keyasint"`
	Functions [][32]byte `cbor:"8,keyasint"`
}

func unitHash(u *FunctionUnit) ([32]byte, error) {
	d := unitDigest{
		Code:      u.code,
		Arity:     u.meta.Arity,
		NumLocals: u.meta.NumLocals,
		Constants: u.meta.Constants,
		Names:     u.meta.Names,
		Slots:     u.meta.Slots,
		Handlers:  u.meta.Handlers,
	}
	for _, f := range u.meta.Functions {
		d.Functions = append(d.Functions, f.hash)
	}
	sum, err := wire.Digest(d)
	if err != nil {
		return [32]byte{}, fmt.Errorf("hash: %w", err)
	}
	return sum, nil
}

// ---------------------------------------------------------------------------
// FunctionBuilder
// ---------------------------------------------------------------------------

// FunctionBuilder assembles a FunctionUnit programmatically.
type FunctionBuilder struct {
	name string
	meta FunctionMeta
	bc   *BytecodeBuilder
}

// NewFunctionBuilder creates a builder for a function of the given arity.
func NewFunctionBuilder(name string, arity int) *FunctionBuilder {
	return &FunctionBuilder{
		name: name,
		meta: FunctionMeta{Arity: arity, NumLocals: arity},
		bc:   NewBytecodeBuilder(),
	}
}

// Bytecode returns the underlying bytecode builder.
func (b *FunctionBuilder) Bytecode() *BytecodeBuilder { return b.bc }

// AddLocal reserves a local and returns its index.
func (b *FunctionBuilder) AddLocal() int {
	b.meta.NumLocals++
	return b.meta.NumLocals - 1
}

// AddConstant interns a constant and returns its index.
func (b *FunctionBuilder) AddConstant(c Constant) uint16 {
	for i, existing := range b.meta.Constants {
		if existing == c {
			return uint16(i)
		}
	}
	b.meta.Constants = append(b.meta.Constants, c)
	return uint16(len(b.meta.Constants) - 1)
}

// AddName interns a global or property name.
func (b *FunctionBuilder) AddName(name string) uint16 {
	for i, n := range b.meta.Names {
		if n == name {
			return uint16(i)
		}
	}
	b.meta.Names = append(b.meta.Names, name)
	return uint16(len(b.meta.Names) - 1)
}

// AddSlot allocates a feedback slot.
func (b *FunctionBuilder) AddSlot(kind SlotKind) uint16 {
	b.meta.Slots = append(b.meta.Slots, kind)
	return uint16(len(b.meta.Slots) - 1)
}

// AddFunction registers a nested function for CLOSURE.
func (b *FunctionBuilder) AddFunction(f *FunctionUnit) uint16 {
	b.meta.Functions = append(b.meta.Functions, f)
	return uint16(len(b.meta.Functions) - 1)
}

// AddHandler registers an exception handler.
func (b *FunctionBuilder) AddHandler(h Handler) {
	b.meta.Handlers = append(b.meta.Handlers, h)
}

// Build verifies and returns the unit.
func (b *FunctionBuilder) Build() (*FunctionUnit, error) {
	return FromBytecode(b.name, b.bc.Bytes(), b.meta)
}
