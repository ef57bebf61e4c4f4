package vm

import (
	"math"
)

// optimize runs the IR passes in order: constant folding and representation
// cleanup, redundant check elimination, branch folding, dead code
// elimination.
func optimize(g *graphBuilder) {
	p := &passes{repl: make(map[*Node]*Node)}
	for _, b := range g.blocks {
		p.block(b)
	}
	for _, b := range g.blocks {
		p.rewriteUses(b)
		foldBranch(b)
	}
	eliminateDeadCode(g)
}

type checkKey struct {
	op    NodeOp
	in    *Node
	extra any
}

type passes struct {
	repl map[*Node]*Node
}

func (p *passes) resolve(n *Node) *Node {
	for {
		r, ok := p.repl[n]
		if !ok {
			return n
		}
		n = r
	}
}

// block folds and deduplicates one block in a single forward pass; inputs are
// always defined earlier in the block or are variables.
func (p *passes) block(b *Block) {
	values := make(map[checkKey]*Node)
	shapes := make(map[checkKey]*Node)
	for _, n := range b.nodes {
		for i, in := range n.in {
			n.in[i] = p.resolve(in)
		}
		if r := p.fold(n); r != nil {
			p.repl[n] = r
			n.dead = true
			continue
		}
		if n.op.hasSideEffects() {
			clear(shapes)
		}
		var seen map[checkKey]*Node
		key := checkKey{op: n.op}
		switch n.op {
		case NCheckSmi, NCheckNumber, NCheckFloat, NCheckString, NCheckArray:
			seen, key.in = values, passThrough(n.in[0])
		case NCheckCallee:
			seen, key.in, key.extra = values, passThrough(n.in[0]), n.konst
		case NCheckShape:
			seen, key.in, key.extra = shapes, passThrough(n.in[0]), n.shapes[0]
		default:
			continue
		}
		if prev, ok := seen[key]; ok {
			p.repl[n] = prev
			n.dead = true
			continue
		}
		seen[key] = n
	}
}

// passThrough strips checks that return their input unchanged.
func passThrough(n *Node) *Node {
	for {
		switch n.op {
		case NCheckString, NCheckArray, NCheckShape, NCheckCallee:
			n = n.in[0]
		default:
			return n
		}
	}
}

func (p *passes) rewriteFrame(fs *frameSnap) {
	for ; fs != nil; fs = fs.outer {
		for i, n := range fs.locals {
			fs.locals[i] = p.resolve(n)
		}
		for i, n := range fs.stack {
			fs.stack[i] = p.resolve(n)
		}
	}
}

func (p *passes) rewriteUses(b *Block) {
	for _, n := range b.nodes {
		if n.frame != nil {
			p.rewriteFrame(n.frame)
		}
	}
	t := &b.term
	if t.cond != nil {
		t.cond = p.resolve(t.cond)
	}
	if t.value != nil {
		t.value = p.resolve(t.value)
	}
	for i := range t.moves {
		t.moves[i].Src = p.resolve(t.moves[i].Src)
	}
	if t.frame != nil {
		p.rewriteFrame(t.frame)
	}
}

func foldBranch(b *Block) {
	t := &b.term
	if t.kind != termBranch || !t.cond.isConst() {
		return
	}
	target := t.els
	if t.cond.raw != 0 {
		target = t.then
	}
	*t = term{kind: termJump, then: target, moves: t.moves}
}

// ---------------------------------------------------------------------------
// Constant folding
// ---------------------------------------------------------------------------

func rawInt(n *Node) int32     { return int32(uint32(n.raw)) }
func rawFloat(n *Node) float64 { return math.Float64frombits(n.raw) }

// toConst rewrites n in place into a constant.
func toConst(n *Node, rep Rep, raw uint64, v Value) {
	n.op, n.rep, n.raw, n.konst = NConst, rep, raw, v
	n.in, n.frame = nil, nil
}

func constInt(n *Node, i int32)         { toConst(n, RepInt32, uint64(uint32(i)), Nil) }
func constFloatNode(n *Node, f float64) { toConst(n, RepFloat64, math.Float64bits(f), Nil) }

func constBoolNode(n *Node, b bool) {
	var raw uint64
	if b {
		raw = 1
	}
	toConst(n, RepBool, raw, Nil)
}

func allConst(ns []*Node) bool {
	for _, n := range ns {
		if !n.isConst() {
			return false
		}
	}
	return len(ns) > 0
}

// fold simplifies n. It either rewrites n in place and returns nil, or
// returns an existing node that replaces it.
func (p *passes) fold(n *Node) *Node {
	in := n.in
	switch n.op {
	case NBoxInt32, NBoxFloat64, NBoxBool:
		if in[0].isConst() {
			toConst(n, RepTagged, 0, constValue(in[0]))
		}
	case NCheckSmi:
		x := in[0]
		if x.isConst() && x.konst.IsInt() {
			constInt(n, x.konst.Int())
		} else if x.op == NBoxInt32 {
			return x.in[0]
		}
	case NCheckNumber:
		x := in[0]
		switch {
		case x.isConst() && x.konst.IsNumber():
			f, _ := x.konst.Number()
			constFloatNode(n, f)
		case x.op == NBoxFloat64:
			return x.in[0]
		case x.op == NBoxInt32:
			n.op, n.in, n.frame = NInt32ToFloat64, []*Node{x.in[0]}, nil
		}
	case NCheckFloat:
		x := in[0]
		if x.isConst() && x.konst.IsFloat() {
			constFloatNode(n, x.konst.Float64())
		} else if x.op == NBoxFloat64 {
			return x.in[0]
		}
	case NInt32ToFloat64:
		if in[0].isConst() {
			constFloatNode(n, float64(rawInt(in[0])))
		}
	case NInt32Add, NInt32Sub, NInt32Mul, NInt32Mod:
		if allConst(in) {
			if r, ok := int32Arith(n.op, rawInt(in[0]), rawInt(in[1])); ok {
				constInt(n, r)
			}
		}
	case NInt32Neg:
		if in[0].isConst() && rawInt(in[0]) != math.MinInt32 {
			constInt(n, -rawInt(in[0]))
		}
	case NFloat64Add, NFloat64Sub, NFloat64Mul, NFloat64Div, NFloat64Mod:
		if allConst(in) {
			constFloatNode(n, float64Arith(n.op, rawFloat(in[0]), rawFloat(in[1])))
		}
	case NFloat64Neg:
		if in[0].isConst() {
			constFloatNode(n, -rawFloat(in[0]))
		}
	case NMathSqrt, NMathFloor, NMathAbs:
		if in[0].isConst() {
			constFloatNode(n, mathOp(n.op, rawFloat(in[0])))
		}
	case NNumberArith:
		if allConst(in) && in[0].konst.IsNumber() && in[1].konst.IsNumber() {
			if v, ok := numberArith(n.cmp, in[0].konst, in[1].konst); ok {
				toConst(n, RepTagged, 0, v)
			}
		}
	case NInt32Cmp:
		if allConst(in) {
			constBoolNode(n, int32Compare(n.cmp, rawInt(in[0]), rawInt(in[1])))
		}
	case NFloat64Cmp:
		if allConst(in) {
			constBoolNode(n, float64Compare(n.cmp, rawFloat(in[0]), rawFloat(in[1])))
		}
	case NNot:
		x := in[0]
		if x.isConst() {
			constBoolNode(n, x.raw == 0)
		} else if x.op == NNot {
			return x.in[0]
		}
	case NTruthy:
		x := in[0]
		if x.isConst() {
			constBoolNode(n, x.konst.Truthy())
		} else if x.op == NBoxBool {
			return x.in[0]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Typed operations shared by folding and execution
// ---------------------------------------------------------------------------

// int32Arith reports false on overflow or division by zero.
func int32Arith(op NodeOp, x, y int32) (int32, bool) {
	a, b := int64(x), int64(y)
	var r int64
	switch op {
	case NInt32Add:
		r = a + b
	case NInt32Sub:
		r = a - b
	case NInt32Mul:
		r = a * b
	case NInt32Mod:
		if b == 0 {
			return 0, false
		}
		r = a % b
	}
	if r < math.MinInt32 || r > math.MaxInt32 {
		return 0, false
	}
	return int32(r), true
}

func float64Arith(op NodeOp, x, y float64) float64 {
	switch op {
	case NFloat64Add:
		return x + y
	case NFloat64Sub:
		return x - y
	case NFloat64Mul:
		return x * y
	case NFloat64Div:
		return x / y
	}
	return math.Mod(x, y)
}

func mathOp(op NodeOp, x float64) float64 {
	switch op {
	case NMathSqrt:
		return math.Sqrt(x)
	case NMathFloor:
		return math.Floor(x)
	}
	return math.Abs(x)
}

// numberArith applies op to two numbers with the interpreter's result types.
// It reports false where the interpreter raises an error.
func numberArith(op Opcode, a, b Value) (Value, bool) {
	if a.IsInt() && b.IsInt() {
		x, y := int64(a.Int()), int64(b.Int())
		switch op {
		case OpAdd:
			return FromInt64(x + y), true
		case OpSub:
			return FromInt64(x - y), true
		case OpMul:
			return FromInt64(x * y), true
		case OpDiv:
			return FromFloat(float64(x) / float64(y)), true
		case OpMod:
			if y == 0 {
				return Nil, false
			}
			return FromInt64(x % y), true
		}
		return Nil, false
	}
	x, _ := a.Number()
	y, _ := b.Number()
	switch op {
	case OpAdd:
		return FromFloat(x + y), true
	case OpSub:
		return FromFloat(x - y), true
	case OpMul:
		return FromFloat(x * y), true
	case OpDiv:
		return FromFloat(x / y), true
	case OpMod:
		return FromFloat(math.Mod(x, y)), true
	}
	return Nil, false
}

func int32Compare(op Opcode, x, y int32) bool {
	switch op {
	case OpEq:
		return x == y
	case OpNe:
		return x != y
	}
	return compareOrdered(op, x, y)
}

func float64Compare(op Opcode, x, y float64) bool {
	switch op {
	case OpEq:
		return x == y
	case OpNe:
		return x != y
	}
	return compareOrdered(op, x, y)
}

// ---------------------------------------------------------------------------
// Dead code elimination
// ---------------------------------------------------------------------------

// eliminateDeadCode drops pure nodes nothing uses. Guards, effects, frame
// state inputs and block exit values stay.
func eliminateDeadCode(g *graphBuilder) {
	live := make(map[*Node]bool)
	var mark func(n *Node)
	markFrame := func(fs *frameSnap) {
		for ; fs != nil; fs = fs.outer {
			for _, n := range fs.locals {
				if !n.isConst() {
					mark(n)
				}
			}
			for _, n := range fs.stack {
				if !n.isConst() {
					mark(n)
				}
			}
		}
	}
	mark = func(n *Node) {
		if live[n] {
			return
		}
		live[n] = true
		for _, in := range n.in {
			mark(in)
		}
		if n.frame != nil {
			markFrame(n.frame)
		}
	}
	for _, b := range g.blocks {
		for _, n := range b.nodes {
			if !n.dead && !n.op.pure() {
				mark(n)
			}
		}
		t := &b.term
		if t.cond != nil {
			mark(t.cond)
		}
		if t.value != nil {
			mark(t.value)
		}
		for _, m := range t.moves {
			mark(m.Src)
		}
		if t.frame != nil {
			markFrame(t.frame)
		}
	}
	for _, b := range g.blocks {
		kept := b.nodes[:0]
		for _, n := range b.nodes {
			if live[n] && !n.dead {
				kept = append(kept, n)
			}
		}
		b.nodes = kept
	}
}
