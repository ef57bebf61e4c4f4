package vm

// Optimizer IR
//
// The graph is a list of basic blocks per inline context. Within a block,
// values are SSA nodes; across block boundaries every local and operand stack
// slot travels through a fixed tagged "variable register" owned by the
// context. Block entries therefore read variables, and block exits write them
// with a parallel move. That layout makes both deoptimization (a frame state
// is just a list of node locations) and OSR entry (write the variables, jump
// to the loop header) straightforward.

// Rep is the machine representation of a node's value.
type Rep uint8

const (
	RepTagged Rep = iota
	RepInt32
	RepFloat64
	RepBool
	RepNone
)

var repNames = [...]string{"tagged", "int32", "float64", "bool", "none"}

func (r Rep) String() string { return repNames[r] }

// NodeOp is an IR operation.
type NodeOp uint8

const (
	NConst NodeOp = iota
	NVar

	// Guards
	NCheckSmi    // tagged -> int32
	NCheckNumber // tagged -> float64, accepts ints
	NCheckFloat  // tagged -> float64, rejects ints
	NCheckString // tagged -> tagged
	NCheckArray  // tagged -> tagged
	NCheckShape  // tagged -> tagged
	NCheckCallee // tagged -> tagged

	// Representation changes
	NBoxInt32
	NBoxFloat64
	NBoxBool
	NInt32ToFloat64

	// Typed arithmetic
	NInt32Add
	NInt32Sub
	NInt32Mul
	NInt32Mod
	NInt32Neg
	NFloat64Add
	NFloat64Sub
	NFloat64Mul
	NFloat64Div
	NFloat64Mod
	NFloat64Neg
	NNumberArith // tagged numbers, interpreter semantics
	NNumberNeg
	NInt32Cmp
	NFloat64Cmp
	NNot
	NTruthy
	NStringConcat
	NMathSqrt
	NMathFloor
	NMathAbs

	// Objects
	NLoadField
	NLoadConstField
	NLoadPoly
	NStoreField
	NTransitionStore
	NLoadElement
	NStoreElement

	// Generic operations; a language error deoptimizes so the interpreter
	// raises it.
	NGenericArith
	NGenericNeg
	NGenericCompare
	NGenericGetProp
	NGenericSetProp
	NDeleteProp
	NGenericGetIndex
	NGenericSetIndex
	NGenericLength
	NLoadGlobal
	NStoreGlobal
	NNewObject
	NNewObjectProto
	NNewArray
	NClosure
	NCall
	NCallNative
	NSafepoint
)

var nodeOpNames = [...]string{
	"Const", "Var",
	"CheckSmi", "CheckNumber", "CheckFloat", "CheckString", "CheckArray", "CheckShape", "CheckCallee",
	"BoxInt32", "BoxFloat64", "BoxBool", "Int32ToFloat64",
	"Int32Add", "Int32Sub", "Int32Mul", "Int32Mod", "Int32Neg",
	"Float64Add", "Float64Sub", "Float64Mul", "Float64Div", "Float64Mod", "Float64Neg",
	"NumberArith", "NumberNeg", "Int32Cmp", "Float64Cmp", "Not", "Truthy", "StringConcat",
	"MathSqrt", "MathFloor", "MathAbs",
	"LoadField", "LoadConstField", "LoadPoly", "StoreField", "TransitionStore", "LoadElement", "StoreElement",
	"GenericArith", "GenericNeg", "GenericCompare", "GenericGetProp", "GenericSetProp", "DeleteProp",
	"GenericGetIndex", "GenericSetIndex", "GenericLength", "LoadGlobal", "StoreGlobal",
	"NewObject", "NewObjectProto", "NewArray", "Closure", "Call", "CallNative", "Safepoint",
}

func (op NodeOp) String() string {
	if int(op) < len(nodeOpNames) {
		return nodeOpNames[op]
	}
	return "?"
}

// pure reports whether a node can be removed when unused.
func (op NodeOp) pure() bool {
	switch op {
	case NConst, NVar, NBoxInt32, NBoxFloat64, NBoxBool, NInt32ToFloat64,
		NFloat64Add, NFloat64Sub, NFloat64Mul, NFloat64Div, NFloat64Mod, NFloat64Neg,
		NInt32Cmp, NFloat64Cmp, NNot, NTruthy, NStringConcat,
		NMathSqrt, NMathFloor, NMathAbs,
		NLoadField, NLoadConstField, NNewObject, NNewArray, NClosure:
		return true
	}
	return false
}

// hasSideEffects reports whether a node can change heap shapes or globals.
func (op NodeOp) hasSideEffects() bool {
	switch op {
	case NStoreField, NTransitionStore, NStoreElement, NGenericSetProp, NDeleteProp,
		NGenericSetIndex, NStoreGlobal, NNewObjectProto, NCall, NCallNative:
		return true
	}
	return false
}

// polyCase is one arm of a polymorphic property load.
type polyCase struct {
	Shape  *Shape
	Kind   PropertyKind
	Index  int
	Holder Value
}

// Node is one IR value or effect.
type Node struct {
	id   int
	op   NodeOp
	rep  Rep
	in   []*Node
	dead bool

	konst  Value  // NConst tagged; NCheckCallee target
	raw    uint64 // NConst raw payload
	index  int    // field index, variable index
	shapes []*Shape
	cases  []polyCase
	unit   *FunctionUnit
	native *Native
	name   string
	cmp    Opcode

	// Deopt information for guards, deopting generic ops and safepoints.
	frame  *frameSnap
	dkind  DeoptKind
	reason DeoptReason

	reg int32
}

func (n *Node) isConst() bool { return n.op == NConst }

// frameSnap is an IR frame state: env nodes of one frame.
type frameSnap struct {
	unit     *FunctionUnit
	resumePC int
	pc       int
	locals   []*Node
	stack    []*Node
	awaiting bool
	outer    *frameSnap
}

// Move writes Src into variable register Dst at a block exit.
type Move struct {
	Dst int
	Src *Node
}

type termKind uint8

const (
	termNone termKind = iota
	termJump
	termBranch
	termReturn
	termThrow
	termDeopt
)

type term struct {
	kind   termKind
	cond   *Node
	then   *Block
	els    *Block
	moves  []Move
	value  *Node
	frame  *frameSnap
	dkind  DeoptKind
	reason DeoptReason
}

// Block is a basic block of one inline context.
type Block struct {
	id        int
	ctx       *inlineCtx
	pc        int
	depth     int
	nodes     []*Node
	term      term
	synthetic bool
	locals    []*Node // entry variables
	stack     []*Node
	label     int
}

// inlineCtx is one (possibly inlined) function body inside a compile.
type inlineCtx struct {
	unit     *FunctionUnit
	snapshot *FeedbackSnapshot
	parent   *inlineCtx
	outer    *frameSnap // caller state while this body runs, nil for the root
	varBase  int
	depth    int
	starts   map[int]bool
	blocks   map[int]*Block

	cont      *Block // caller continuation for inlined returns
	contDepth int
}

func (c *inlineCtx) localVar(i int) int { return c.varBase + i }
func (c *inlineCtx) stackVar(k int) int { return c.varBase + c.unit.meta.NumLocals + k }
func (c *inlineCtx) numVars() int       { return c.unit.meta.NumLocals + c.unit.maxStack + 1 }

// blockStarts returns every bytecode offset that begins a basic block.
func blockStarts(u *FunctionUnit) map[int]bool {
	starts := map[int]bool{0: true}
	for pc := 0; pc < len(u.code); {
		in, _ := DecodeAt(u.code, pc)
		switch in.Op {
		case OpJump, OpLoop:
			starts[in.Target] = true
		case OpJumpIfFalse, OpJumpIfTrue:
			starts[in.Target] = true
			starts[in.Next] = true
		}
		pc = in.Next
	}
	return starts
}
