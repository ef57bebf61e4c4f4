package vm

import (
	"fmt"
	"math"
	"slices"
)

// graphBuilder turns bytecode and a feedback snapshot into IR. Every
// specialization it makes is either guarded by a check that deoptimizes, or
// recorded as a dependency that invalidates the code when it breaks.
type graphBuilder struct {
	c       *OptimizingCompiler
	root    *inlineCtx
	blocks  []*Block
	work    []*Block
	nodes   int
	numVars int
	deps    []Dependency
	depSeen map[any]bool
	inlined []*FunctionUnit
	entry   *Block
	osr     []*Block // root loop headers in offset order

	// Walk state of the block being built.
	cur    *Block
	ctx    *inlineCtx
	locals []*Node
	stack  []*Node
}

func newGraphBuilder(c *OptimizingCompiler, u *FunctionUnit, snap *FeedbackSnapshot) *graphBuilder {
	g := &graphBuilder{c: c, depSeen: make(map[any]bool)}
	g.root = g.newCtx(u, snap, nil, nil)
	return g
}

func (g *graphBuilder) newCtx(u *FunctionUnit, snap *FeedbackSnapshot, parent *inlineCtx, outer *frameSnap) *inlineCtx {
	ctx := &inlineCtx{
		unit:     u,
		snapshot: snap,
		parent:   parent,
		outer:    outer,
		varBase:  g.numVars,
		starts:   blockStarts(u),
		blocks:   make(map[int]*Block),
	}
	if parent != nil {
		ctx.depth = parent.depth + 1
	}
	g.numVars += ctx.numVars()
	return ctx
}

// build constructs the whole graph: the function entry, one root block per
// loop header for OSR, and everything reachable from them.
func (g *graphBuilder) build() error {
	g.entry = g.blockAt(g.root, 0)
	for _, h := range g.root.unit.loopHeaders {
		g.osr = append(g.osr, g.blockAt(g.root, h))
	}
	for len(g.work) > 0 {
		b := g.work[0]
		g.work = g.work[1:]
		if err := g.buildBlock(b); err != nil {
			return err
		}
	}
	return nil
}

func (g *graphBuilder) blockAt(ctx *inlineCtx, pc int) *Block {
	if b, ok := ctx.blocks[pc]; ok {
		return b
	}
	b := g.newBlock(ctx, pc)
	ctx.blocks[pc] = b
	g.work = append(g.work, b)
	return b
}

func (g *graphBuilder) newBlock(ctx *inlineCtx, pc int) *Block {
	depth := ctx.unit.stackDepth(pc)
	b := &Block{id: len(g.blocks), ctx: ctx, pc: pc, depth: depth, label: -1}
	b.locals = make([]*Node, ctx.unit.meta.NumLocals)
	for i := range b.locals {
		b.locals[i] = g.varNode(ctx.localVar(i))
	}
	b.stack = make([]*Node, depth)
	for k := range b.stack {
		b.stack[k] = g.varNode(ctx.stackVar(k))
	}
	g.blocks = append(g.blocks, b)
	return b
}

// deoptBlock is an unbuilt successor: a branch direction never observed.
// Reaching it deoptimizes softly with the successor's entry state.
func (g *graphBuilder) deoptBlock(ctx *inlineCtx, pc int) *Block {
	b := g.newBlock(ctx, pc)
	b.synthetic = true
	b.term = term{
		kind:   termDeopt,
		dkind:  DeoptSoft,
		reason: ReasonUnreachedBranch,
		frame:  &frameSnap{unit: ctx.unit, resumePC: pc, pc: pc, locals: b.locals, stack: b.stack, outer: ctx.outer},
	}
	return b
}

func (g *graphBuilder) buildBlock(b *Block) error {
	g.cur, g.ctx = b, b.ctx
	g.locals = slices.Clone(b.locals)
	g.stack = slices.Clone(b.stack)
	u := b.ctx.unit
	for pc := b.pc; ; {
		if pc != b.pc && b.ctx.starts[pc] {
			return g.jumpTo(g.blockAt(b.ctx, pc))
		}
		in, err := DecodeAt(u.code, pc)
		if err != nil {
			return &CompileError{Function: u.name, Offset: pc, Err: err}
		}
		done, err := g.visit(in)
		if err != nil {
			return &CompileError{Function: u.name, Offset: pc, Err: err}
		}
		if done {
			return nil
		}
		pc = in.Next
	}
}

// ---------------------------------------------------------------------------
// Node construction
// ---------------------------------------------------------------------------

func (g *graphBuilder) emit(op NodeOp, rep Rep, in ...*Node) *Node {
	g.nodes++
	n := &Node{id: g.nodes, op: op, rep: rep, in: in, reg: -1}
	g.cur.nodes = append(g.cur.nodes, n)
	return n
}

// varNode reads a variable register. It is never scheduled.
func (g *graphBuilder) varNode(idx int) *Node {
	g.nodes++
	return &Node{id: g.nodes, op: NVar, rep: RepTagged, index: idx, reg: int32(idx)}
}

func (g *graphBuilder) constTagged(v Value) *Node {
	n := g.emit(NConst, RepTagged)
	n.konst = v
	return n
}

func (g *graphBuilder) constInt32(i int32) *Node {
	n := g.emit(NConst, RepInt32)
	n.raw = uint64(uint32(i))
	return n
}

func (g *graphBuilder) constFloat(f float64) *Node {
	n := g.emit(NConst, RepFloat64)
	n.raw = math.Float64bits(f)
	return n
}

func (g *graphBuilder) constBool(b bool) *Node {
	n := g.emit(NConst, RepBool)
	if b {
		n.raw = 1
	}
	return n
}

func guard(n *Node, fs *frameSnap, reason DeoptReason) *Node {
	n.frame, n.dkind, n.reason = fs, DeoptEager, reason
	return n
}

func deoptOnError(n *Node, fs *frameSnap) *Node {
	return guard(n, fs, ReasonLanguageError)
}

func (g *graphBuilder) depend(d Dependency) {
	k := d.key()
	if g.depSeen[k] {
		return
	}
	g.depSeen[k] = true
	g.deps = append(g.deps, d)
}

// ---------------------------------------------------------------------------
// Representation changes
// ---------------------------------------------------------------------------

// constValue returns the tagged value of a constant node.
func constValue(n *Node) Value {
	switch n.rep {
	case RepInt32:
		return FromInt(int32(uint32(n.raw)))
	case RepFloat64:
		return FromFloat(math.Float64frombits(n.raw))
	case RepBool:
		return Bool(n.raw != 0)
	}
	return n.konst
}

func (g *graphBuilder) tagged(n *Node) *Node {
	if n.rep == RepTagged {
		return n
	}
	if n.isConst() {
		return g.constTagged(constValue(n))
	}
	switch n.rep {
	case RepInt32:
		return g.emit(NBoxInt32, RepTagged, n)
	case RepFloat64:
		return g.emit(NBoxFloat64, RepTagged, n)
	case RepBool:
		return g.emit(NBoxBool, RepTagged, n)
	}
	invariantf("tagged: node %d has no value", n.id)
	return nil
}

func (g *graphBuilder) asInt32(n *Node, fs *frameSnap) *Node {
	if n.rep == RepInt32 {
		return n
	}
	n = g.tagged(n)
	if n.isConst() && n.konst.IsInt() {
		return g.constInt32(n.konst.Int())
	}
	if n.op == NBoxInt32 {
		return n.in[0]
	}
	return guard(g.emit(NCheckSmi, RepInt32, n), fs, ReasonNotASmi)
}

// asFloat converts n to float64. A strict conversion rejects small integers,
// so that float-only arithmetic never turns an int result into a float.
func (g *graphBuilder) asFloat(n *Node, fs *frameSnap, strict bool) *Node {
	switch n.rep {
	case RepFloat64:
		return n
	case RepInt32:
		if !strict {
			if n.isConst() {
				return g.constFloat(float64(int32(uint32(n.raw))))
			}
			return g.emit(NInt32ToFloat64, RepFloat64, n)
		}
	}
	n = g.tagged(n)
	if n.isConst() {
		if n.konst.IsFloat() {
			return g.constFloat(n.konst.Float64())
		}
		if n.konst.IsInt() && !strict {
			return g.constFloat(float64(n.konst.Int()))
		}
	}
	if n.op == NBoxFloat64 {
		return n.in[0]
	}
	if strict {
		return guard(g.emit(NCheckFloat, RepFloat64, n), fs, ReasonNotANumber)
	}
	return guard(g.emit(NCheckNumber, RepFloat64, n), fs, ReasonNotANumber)
}

func (g *graphBuilder) asBool(n *Node) *Node {
	if n.rep == RepBool {
		return n
	}
	if n.isConst() {
		return g.constBool(constValue(n).Truthy())
	}
	return g.emit(NTruthy, RepBool, g.tagged(n))
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

func (g *graphBuilder) push(n *Node) { g.stack = append(g.stack, n) }

func (g *graphBuilder) pop() *Node {
	n := g.stack[len(g.stack)-1]
	g.stack = g.stack[:len(g.stack)-1]
	return n
}

// snapshot captures the current environment as a frame state.
func (g *graphBuilder) snapshot(resumePC, pc int) *frameSnap {
	return &frameSnap{
		unit:     g.ctx.unit,
		resumePC: resumePC,
		pc:       pc,
		locals:   slices.Clone(g.locals),
		stack:    slices.Clone(g.stack),
		outer:    g.ctx.outer,
	}
}

// safepoint lets the code deoptimize lazily after an instruction with side
// effects. The interpreter resumes at the following instruction.
func (g *graphBuilder) safepoint(in Instruction) {
	n := g.emit(NSafepoint, RepNone)
	n.frame = g.snapshot(in.Next, in.PC)
	n.dkind = DeoptLazy
	n.reason = ReasonDependencyChanged
}

// exitMoves writes the environment into the context's variables.
func (g *graphBuilder) exitMoves() []Move {
	ctx := g.ctx
	moves := make([]Move, 0, len(g.locals)+len(g.stack))
	for i, n := range g.locals {
		moves = append(moves, Move{Dst: ctx.localVar(i), Src: g.tagged(n)})
	}
	for k, n := range g.stack {
		moves = append(moves, Move{Dst: ctx.stackVar(k), Src: g.tagged(n)})
	}
	return moves
}

func (g *graphBuilder) jumpTo(t *Block) error {
	if len(g.stack) != t.depth {
		return fmt.Errorf("stack depth %d does not match %d at %04d", len(g.stack), t.depth, t.pc)
	}
	g.cur.term = term{kind: termJump, then: t, moves: g.exitMoves()}
	return nil
}

func (g *graphBuilder) softDeopt(fs *frameSnap, reason DeoptReason) {
	g.cur.term = term{kind: termDeopt, frame: fs, dkind: DeoptSoft, reason: reason}
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// visit translates one instruction. It reports true when the instruction
// terminated the block.
func (g *graphBuilder) visit(in Instruction) (bool, error) {
	u := g.ctx.unit
	before := g.snapshot(in.PC, in.PC)

	switch in.Op {
	case OpNop:
	case OpPop:
		g.pop()
	case OpDup:
		g.push(g.stack[len(g.stack)-1])
	case OpSwap:
		n := len(g.stack)
		g.stack[n-1], g.stack[n-2] = g.stack[n-2], g.stack[n-1]
	case OpPushNil:
		g.push(g.constTagged(Nil))
	case OpPushTrue:
		g.push(g.constBool(true))
	case OpPushFalse:
		g.push(g.constBool(false))
	case OpPushInt:
		g.push(g.constInt32(int32(in.A)))
	case OpPushConst:
		g.push(g.constTagged(u.constants[in.A]))
	case OpLoadLocal:
		g.push(g.locals[in.A])
	case OpStoreLocal:
		g.locals[in.A] = g.pop()
	case OpLoadGlobal:
		g.push(g.loadGlobal(u.meta.Names[in.A], before))
	case OpStoreGlobal:
		n := g.emit(NStoreGlobal, RepNone, g.tagged(g.pop()))
		n.name = u.meta.Names[in.A]
		g.safepoint(in)

	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		b, a := g.pop(), g.pop()
		r := g.arith(in, a, b, before)
		if r == nil {
			return true, nil
		}
		g.push(r)
	case OpNeg:
		r := g.negate(in, g.pop(), before)
		if r == nil {
			return true, nil
		}
		g.push(r)
	case OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
		b, a := g.pop(), g.pop()
		r := g.compare(in, a, b, before)
		if r == nil {
			return true, nil
		}
		g.push(r)
	case OpNot:
		g.push(g.emit(NNot, RepBool, g.asBool(g.pop())))

	case OpGetProp:
		r := g.getProp(in, g.pop(), before)
		if r == nil {
			return true, nil
		}
		g.push(r)
	case OpSetProp:
		v, obj := g.pop(), g.pop()
		if !g.setProp(in, obj, v, before) {
			return true, nil
		}
	case OpDeleteProp:
		n := deoptOnError(g.emit(NDeleteProp, RepNone, g.tagged(g.pop())), before)
		n.name = u.meta.Names[in.A]
		g.safepoint(in)
	case OpNewObject:
		g.push(g.emit(NNewObject, RepTagged))
	case OpNewObjectProto:
		g.push(deoptOnError(g.emit(NNewObjectProto, RepTagged, g.tagged(g.pop())), before))
		g.safepoint(in)
	case OpNewArray:
		elems := make([]*Node, in.A)
		base := len(g.stack) - in.A
		for i := range elems {
			elems[i] = g.tagged(g.stack[base+i])
		}
		g.stack = g.stack[:base]
		g.push(g.emit(NNewArray, RepTagged, elems...))
	case OpGetIndex:
		key, container := g.pop(), g.pop()
		r := g.getIndex(in, container, key, before)
		if r == nil {
			return true, nil
		}
		g.push(r)
	case OpSetIndex:
		v, key, container := g.pop(), g.pop(), g.pop()
		if !g.setIndex(in, container, key, v, before) {
			return true, nil
		}
	case OpLength:
		g.push(deoptOnError(g.emit(NGenericLength, RepTagged, g.tagged(g.pop())), before))

	case OpCall:
		return g.call(in, before)
	case OpClosure:
		n := g.emit(NClosure, RepTagged)
		n.unit = u.meta.Functions[in.A]
		g.push(n)

	case OpJump:
		return true, g.jumpTo(g.blockAt(g.ctx, in.Target))
	case OpLoop:
		// The interpreter re-executes the back edge, so a lazy deopt here
		// counts the iteration exactly once.
		n := g.emit(NSafepoint, RepNone)
		n.frame, n.dkind, n.reason = before, DeoptLazy, ReasonDependencyChanged
		return true, g.jumpTo(g.blockAt(g.ctx, in.Target))
	case OpJumpIfFalse, OpJumpIfTrue:
		return true, g.branch(in, before)
	case OpReturn:
		g.ret(g.tagged(g.pop()))
		return true, nil
	case OpThrow:
		g.cur.term = term{kind: termThrow, value: g.tagged(g.pop())}
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupported, in.Op)
	}
	return false, nil
}

func (g *graphBuilder) slot(in Instruction) *SlotState {
	return g.ctx.snapshot.Slot(in.Slot)
}

var int32Ops = map[Opcode]NodeOp{OpAdd: NInt32Add, OpSub: NInt32Sub, OpMul: NInt32Mul, OpMod: NInt32Mod}

var float64Ops = map[Opcode]NodeOp{OpAdd: NFloat64Add, OpSub: NFloat64Sub, OpMul: NFloat64Mul, OpDiv: NFloat64Div, OpMod: NFloat64Mod}

// arith specializes a binary operator. It returns nil after ending the block
// with a soft deopt.
func (g *graphBuilder) arith(in Instruction, a, b *Node, fs *frameSnap) *Node {
	st := g.slot(in)
	if st.Cardinality == Uninitialized {
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return nil
	}
	t := st.Types
	switch {
	case t.Only(TypeSignedSmall) && in.Op != OpDiv:
		x, y := g.asInt32(a, fs), g.asInt32(b, fs)
		reason := ReasonOverflow
		if in.Op == OpMod {
			reason = ReasonDivisionByZero
		}
		return guard(g.emit(int32Ops[in.Op], RepInt32, x, y), fs, reason)
	case t.Only(TypeNumber) && in.Op == OpDiv:
		return g.emit(NFloat64Div, RepFloat64, g.asFloat(a, fs, false), g.asFloat(b, fs, false))
	case t.Only(TypeFloat):
		return g.emit(float64Ops[in.Op], RepFloat64, g.asFloat(a, fs, true), g.asFloat(b, fs, true))
	case t.Only(TypeNumber):
		n := guard(g.emit(NNumberArith, RepTagged, g.tagged(a), g.tagged(b)), fs, ReasonNotANumber)
		n.cmp = in.Op
		return n
	case t.Only(TypeString) && in.Op == OpAdd:
		x := guard(g.emit(NCheckString, RepTagged, g.tagged(a)), fs, ReasonNotAString)
		y := guard(g.emit(NCheckString, RepTagged, g.tagged(b)), fs, ReasonNotAString)
		return g.emit(NStringConcat, RepTagged, x, y)
	}
	n := deoptOnError(g.emit(NGenericArith, RepTagged, g.tagged(a), g.tagged(b)), fs)
	n.cmp = in.Op
	return n
}

func (g *graphBuilder) negate(in Instruction, a *Node, fs *frameSnap) *Node {
	st := g.slot(in)
	if st.Cardinality == Uninitialized {
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return nil
	}
	switch t := st.Types; {
	case t.Only(TypeSignedSmall):
		return guard(g.emit(NInt32Neg, RepInt32, g.asInt32(a, fs)), fs, ReasonOverflow)
	case t.Only(TypeFloat):
		return g.emit(NFloat64Neg, RepFloat64, g.asFloat(a, fs, true))
	case t.Only(TypeNumber):
		return guard(g.emit(NNumberNeg, RepTagged, g.tagged(a)), fs, ReasonNotANumber)
	}
	return deoptOnError(g.emit(NGenericNeg, RepTagged, g.tagged(a)), fs)
}

func (g *graphBuilder) compare(in Instruction, a, b *Node, fs *frameSnap) *Node {
	st := g.slot(in)
	if st.Cardinality == Uninitialized {
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return nil
	}
	var n *Node
	switch t := st.Types; {
	case t.Only(TypeSignedSmall):
		n = g.emit(NInt32Cmp, RepBool, g.asInt32(a, fs), g.asInt32(b, fs))
	case t.Only(TypeNumber):
		n = g.emit(NFloat64Cmp, RepBool, g.asFloat(a, fs, false), g.asFloat(b, fs, false))
	default:
		n = deoptOnError(g.emit(NGenericCompare, RepTagged, g.tagged(a), g.tagged(b)), fs)
	}
	n.cmp = in.Op
	return n
}

// propertyCases converts load feedback into guarded cases and records the
// prototype chains they rely on.
func (g *graphBuilder) propertyCases(entries []ShapeEntry) ([]polyCase, bool) {
	cases := make([]polyCase, 0, len(entries))
	var chain []*Shape
	for _, e := range entries {
		if e.Receiver == nil || e.Receiver.Invalid() {
			return nil, false
		}
		switch e.Kind {
		case PropOwn, PropProto, PropMissing:
		default:
			return nil, false
		}
		for _, s := range e.Chain {
			if s.Invalid() {
				return nil, false
			}
			chain = append(chain, s)
		}
		cases = append(cases, polyCase{Shape: e.Receiver, Kind: e.Kind, Index: e.Index, Holder: e.Holder})
	}
	for _, s := range chain {
		g.depend(Dependency{Kind: DepShapeStable, Shape: s})
	}
	return cases, true
}

func (g *graphBuilder) checkShape(obj *Node, s *Shape, fs *frameSnap) *Node {
	n := guard(g.emit(NCheckShape, RepTagged, obj), fs, ReasonWrongShape)
	n.shapes = []*Shape{s}
	return n
}

func (g *graphBuilder) getProp(in Instruction, obj *Node, fs *frameSnap) *Node {
	name := g.ctx.unit.meta.Names[in.A]
	st := g.slot(in)
	switch st.Cardinality {
	case Uninitialized:
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return nil
	case Monomorphic, Polymorphic:
		cases, ok := g.propertyCases(st.Shapes)
		if !ok {
			break
		}
		o := g.tagged(obj)
		if len(cases) > 1 {
			n := guard(g.emit(NLoadPoly, RepTagged, o), fs, ReasonWrongShape)
			n.cases = cases
			return n
		}
		c := cases[0]
		chk := g.checkShape(o, c.Shape, fs)
		switch c.Kind {
		case PropOwn:
			n := g.emit(NLoadField, RepTagged, chk)
			n.index = c.Index
			return n
		case PropProto:
			n := g.emit(NLoadConstField, RepTagged)
			n.konst, n.index = c.Holder, c.Index
			return n
		}
		return g.constTagged(Nil)
	}
	n := deoptOnError(g.emit(NGenericGetProp, RepTagged, g.tagged(obj)), fs)
	n.name = name
	return n
}

// setProp reports false after ending the block with a soft deopt.
func (g *graphBuilder) setProp(in Instruction, obj, v *Node, fs *frameSnap) bool {
	name := g.ctx.unit.meta.Names[in.A]
	st := g.slot(in)
	if st.Cardinality == Uninitialized {
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return false
	}
	if st.Cardinality == Monomorphic {
		e := st.Shapes[0]
		if e.Receiver != nil && !e.Receiver.Invalid() {
			switch {
			case e.Kind == PropOwn:
				chk := g.checkShape(g.tagged(obj), e.Receiver, fs)
				n := g.emit(NStoreField, RepNone, chk, g.tagged(v))
				n.index = e.Index
				return true
			case e.Kind == PropAdd && e.Transition != nil && !e.Transition.Invalid():
				chk := g.checkShape(g.tagged(obj), e.Receiver, fs)
				n := g.emit(NTransitionStore, RepNone, chk, g.tagged(v))
				n.shapes = []*Shape{e.Receiver, e.Transition}
				g.safepoint(in)
				return true
			}
		}
	}
	n := deoptOnError(g.emit(NGenericSetProp, RepNone, g.tagged(obj), g.tagged(v)), fs)
	n.name = name
	g.safepoint(in)
	return true
}

func (g *graphBuilder) getIndex(in Instruction, container, key *Node, fs *frameSnap) *Node {
	st := g.slot(in)
	if st.Cardinality == Uninitialized {
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return nil
	}
	if st.Elements == ElemArrayInBounds {
		arr := guard(g.emit(NCheckArray, RepTagged, g.tagged(container)), fs, ReasonNotAnArray)
		idx := g.asInt32(key, fs)
		return guard(g.emit(NLoadElement, RepTagged, arr, idx), fs, ReasonOutOfBounds)
	}
	return deoptOnError(g.emit(NGenericGetIndex, RepTagged, g.tagged(container), g.tagged(key)), fs)
}

func (g *graphBuilder) setIndex(in Instruction, container, key, v *Node, fs *frameSnap) bool {
	st := g.slot(in)
	if st.Cardinality == Uninitialized {
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return false
	}
	if st.Elements == ElemArrayInBounds {
		arr := guard(g.emit(NCheckArray, RepTagged, g.tagged(container)), fs, ReasonNotAnArray)
		idx := g.asInt32(key, fs)
		guard(g.emit(NStoreElement, RepNone, arr, idx, g.tagged(v)), fs, ReasonOutOfBounds)
		return true
	}
	deoptOnError(g.emit(NGenericSetIndex, RepNone, g.tagged(container), g.tagged(key), g.tagged(v)), fs)
	g.safepoint(in)
	return true
}

// loadGlobal folds globals that cannot change without invalidating the code:
// intact builtins and globals written exactly once.
func (g *graphBuilder) loadGlobal(name string, fs *frameSnap) *Node {
	realm := g.c.realm
	if cell, ok := realm.LookupCell(name); ok {
		version := cell.Version()
		v, defined := cell.Load()
		if defined && cell.Version() == version {
			switch {
			case cell.IsBuiltin() && realm.protectors.Get(ProtectorBuiltinsIntact).Intact():
				g.depend(Dependency{Kind: DepProtector, Protector: ProtectorBuiltinsIntact})
				return g.constTagged(v)
			case cell.Stores() == 1:
				g.depend(Dependency{Kind: DepGlobalCell, Cell: cell, Version: version})
				return g.constTagged(v)
			}
		}
	}
	n := deoptOnError(g.emit(NLoadGlobal, RepTagged), fs)
	n.name = name
	return n
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func (g *graphBuilder) branch(in Instruction, fs *frameSnap) error {
	st := g.slot(in)
	cond := g.pop()
	if st.Branch == 0 {
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return nil
	}
	c := g.asBool(cond)
	var taken, fall *Block
	if st.Branch&BranchTaken != 0 {
		taken = g.blockAt(g.ctx, in.Target)
	} else {
		taken = g.deoptBlock(g.ctx, in.Target)
	}
	if st.Branch&BranchNotTaken != 0 {
		fall = g.blockAt(g.ctx, in.Next)
	} else {
		fall = g.deoptBlock(g.ctx, in.Next)
	}
	if taken.depth != len(g.stack) || fall.depth != len(g.stack) {
		return fmt.Errorf("stack depth %d does not match branch targets", len(g.stack))
	}
	then, els := fall, taken
	if in.Op == OpJumpIfTrue {
		then, els = taken, fall
	}
	g.cur.term = term{kind: termBranch, cond: c, then: then, els: els, moves: g.exitMoves()}
	return nil
}

// ret returns from the root function, or from an inlined body into the
// caller's continuation.
func (g *graphBuilder) ret(v *Node) {
	ctx := g.ctx
	if ctx.parent == nil {
		g.cur.term = term{kind: termReturn, value: v}
		return
	}
	g.cur.term = term{
		kind:  termJump,
		then:  ctx.cont,
		moves: []Move{{Dst: ctx.parent.stackVar(ctx.contDepth), Src: v}},
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (g *graphBuilder) call(in Instruction, fs *frameSnap) (bool, error) {
	args := slices.Clone(g.stack[len(g.stack)-in.A:])
	g.stack = g.stack[:len(g.stack)-in.A]
	callee := g.pop()

	st := g.slot(in)
	if st.Cardinality == Uninitialized {
		g.softDeopt(fs, ReasonInsufficientFeedback)
		return true, nil
	}
	if st.Cardinality == Monomorphic {
		ce := st.Calls[0]
		if ce.Unit != nil && g.canInline(ce.Unit) {
			g.inline(in, callee, args, ce, fs)
			return true, nil
		}
		if ce.Native != nil {
			g.checkCallee(callee, ce.Target, fs)
			if r := g.inlineBuiltin(ce.Native, args, fs); r != nil {
				g.push(r)
				return false, nil
			}
			ins := make([]*Node, len(args))
			for i, a := range args {
				ins[i] = g.tagged(a)
			}
			n := g.emit(NCallNative, RepTagged, ins...)
			n.native = ce.Native
			g.push(n)
			g.safepoint(in)
			return false, nil
		}
	}
	ins := make([]*Node, 0, len(args)+1)
	ins = append(ins, g.tagged(callee))
	for _, a := range args {
		ins = append(ins, g.tagged(a))
	}
	g.push(g.emit(NCall, RepTagged, ins...))
	g.safepoint(in)
	return false, nil
}

func (g *graphBuilder) checkCallee(callee *Node, target Value, fs *frameSnap) {
	callee = g.tagged(callee)
	if callee.isConst() && callee.konst == target {
		return
	}
	n := guard(g.emit(NCheckCallee, RepTagged, callee), fs, ReasonWrongCallTarget)
	n.konst = target
}

func (g *graphBuilder) canInline(cu *FunctionUnit) bool {
	cfg := g.c.cfg
	if !cfg.EnableInlining || g.ctx.depth >= cfg.MaxInlineDepth {
		return false
	}
	if len(cu.code) > cfg.MaxInlineBytecodeSize || len(cu.meta.Handlers) > 0 {
		return false
	}
	if cu.NeverOptimize() || cu.Disposed() || cu.Invocations() == 0 {
		return false
	}
	for c := g.ctx; c != nil; c = c.parent {
		if c.unit == cu {
			return false
		}
	}
	return true
}

// inline ends the block by entering the callee's body. The caller's state
// moves into its variables, where the callee's frame states and the
// continuation block find it; the callee's return writes the result into the
// caller's next stack variable and jumps to the continuation.
func (g *graphBuilder) inline(in Instruction, callee *Node, args []*Node, ce CallEntry, fs *frameSnap) {
	caller := g.ctx
	cu := ce.Unit
	g.checkCallee(callee, ce.Target, fs)

	d := len(g.stack)
	cont := g.blockAt(caller, in.Next)
	outer := &frameSnap{
		unit:     caller.unit,
		resumePC: in.Next,
		pc:       in.PC,
		awaiting: true,
		outer:    caller.outer,
		locals:   make([]*Node, len(g.locals)),
		stack:    make([]*Node, d),
	}
	for i := range outer.locals {
		outer.locals[i] = g.varNode(caller.localVar(i))
	}
	for k := range outer.stack {
		outer.stack[k] = g.varNode(caller.stackVar(k))
	}

	inner := g.newCtx(cu, cu.feedback.Snapshot(), caller, outer)
	inner.cont, inner.contDepth = cont, d
	entry := g.blockAt(inner, 0)

	moves := g.exitMoves()
	for i := 0; i < cu.meta.NumLocals; i++ {
		var src *Node
		if i < cu.meta.Arity && i < len(args) {
			src = g.tagged(args[i])
		} else {
			src = g.constTagged(Nil)
		}
		moves = append(moves, Move{Dst: inner.localVar(i), Src: src})
	}
	g.cur.term = term{kind: termJump, then: entry, moves: moves}
	if !slices.Contains(g.inlined, cu) {
		g.inlined = append(g.inlined, cu)
	}
}

// inlineBuiltin replaces a call to a math builtin by its operation. The
// callee check already pinned the target.
func (g *graphBuilder) inlineBuiltin(n *Native, args []*Node, fs *frameSnap) *Node {
	if len(args) != 1 {
		return nil
	}
	switch n.ID {
	case NativeSqrt:
		return g.emit(NMathSqrt, RepFloat64, g.asFloat(args[0], fs, false))
	case NativeFloor:
		return g.emit(NMathFloor, RepFloat64, g.asFloat(args[0], fs, false))
	case NativeAbs:
		if args[0].rep == RepFloat64 {
			return g.emit(NMathAbs, RepFloat64, args[0])
		}
	}
	return nil
}
