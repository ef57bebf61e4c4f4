package vm

import (
	"fmt"
	"strings"

	"github.com/chazu/tiervm/vm/wire"
)

// ---------------------------------------------------------------------------
// Machine code
// ---------------------------------------------------------------------------

// MOp is a machine operation. Values below mControl are IR operations
// executed one-to-one; the rest move data and transfer control.
type MOp uint8

const (
	mControl MOp = 128 + iota
	MConstRaw
	MMove
	MJump
	MBranch
	MReturn
	MThrow
	MDeopt
)

var controlNames = [...]string{"", "ConstRaw", "Move", "Jump", "Branch", "Return", "Throw", "Deopt"}

func (op MOp) String() string {
	if op < mControl {
		return NodeOp(op).String()
	}
	if i := int(op - mControl); i < len(controlNames) {
		return controlNames[i]
	}
	return "?"
}

// MInstr is one machine instruction over the register file. Register
// operands index the tagged or raw file depending on the operation.
type MInstr struct {
	Op      MOp
	Dst     int32
	A, B, C int32
	Args    []int32
	Imm     uint64
	Index   int32
	Cmp     Opcode
	Shapes  []*Shape
	Cases   []polyCase
	Unit    *FunctionUnit
	Native  *Native
	Name    string
	Target  int32
	Else    int32
	Deopt   int32
}

// ---------------------------------------------------------------------------
// Lowering
// ---------------------------------------------------------------------------

type lowering struct {
	g         *graphBuilder
	instrs    []MInstr
	numTagged int32
	numRaw    int32
	scratch   int32
	states    map[*frameSnap]*FrameState
	deopts    []*DeoptPoint
	constants []Value
	seenConst map[Value]bool
	order     []*Block
}

// lower allocates registers and emits machine code for an optimized graph.
func lower(g *graphBuilder, kind CompileKind) (*CompiledCode, error) {
	l := &lowering{
		g:         g,
		states:    make(map[*frameSnap]*FrameState),
		seenConst: make(map[Value]bool),
	}
	// Variables own the first tagged registers, then the move scratch.
	l.scratch = int32(g.numVars)
	l.numTagged = l.scratch + 1
	l.layout()

	for _, b := range l.order {
		b.label = len(l.instrs)
		for _, n := range b.nodes {
			l.node(n)
		}
		if err := l.term(b); err != nil {
			return nil, err
		}
	}
	for i := range l.instrs {
		in := &l.instrs[i]
		switch in.Op {
		case MJump:
			in.Target = int32(l.g.blocks[in.Target].label)
		case MBranch:
			in.Target = int32(l.g.blocks[in.Target].label)
			in.Else = int32(l.g.blocks[in.Else].label)
		}
	}

	code := &CompiledCode{
		id:         nextCodeID.Add(1),
		unit:       g.root.unit,
		kind:       kind,
		instrs:     l.instrs,
		numTagged:  int(l.numTagged),
		numRaw:     int(l.numRaw),
		entry:      l.entryFor(g.entry),
		osrEntries: make(map[int]machineEntry, len(g.osr)),
		deopts:     newDeoptTree(),
		deoptList:  l.deopts,
		deps:       g.deps,
		inlined:    g.inlined,
		constants:  l.constants,
	}
	for _, b := range g.osr {
		code.osrEntries[b.pc] = l.entryFor(b)
	}
	for _, dp := range l.deopts {
		code.deopts.ReplaceOrInsert(dp)
	}
	fp, err := fingerprint(code)
	if err != nil {
		return nil, err
	}
	code.fingerprint = fp
	return code, nil
}

// layout orders the reachable blocks breadth first from the entries.
func (l *lowering) layout() {
	seen := make(map[*Block]bool)
	queue := append([]*Block{l.g.entry}, l.g.osr...)
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		if seen[b] {
			continue
		}
		seen[b] = true
		l.order = append(l.order, b)
		if b.term.then != nil {
			queue = append(queue, b.term.then)
		}
		if b.term.els != nil {
			queue = append(queue, b.term.els)
		}
	}
}

func (l *lowering) entryFor(b *Block) machineEntry {
	e := machineEntry{pc: b.label, locals: make([]int32, len(b.locals)), stack: make([]int32, len(b.stack))}
	for i, n := range b.locals {
		e.locals[i] = n.reg
	}
	for k, n := range b.stack {
		e.stack[k] = n.reg
	}
	return e
}

func (l *lowering) root(v Value) {
	if v.IsHandle() && !l.seenConst[v] {
		l.seenConst[v] = true
		l.constants = append(l.constants, v)
	}
}

func (l *lowering) emit(in MInstr) {
	l.instrs = append(l.instrs, in)
}

func blank(op MOp) MInstr {
	return MInstr{Op: op, Dst: -1, A: -1, B: -1, C: -1, Target: -1, Else: -1, Deopt: -1}
}

func (l *lowering) node(n *Node) {
	in := blank(MOp(n.op))
	switch n.rep {
	case RepTagged:
		n.reg = l.numTagged
		l.numTagged++
	case RepInt32, RepFloat64, RepBool:
		n.reg = l.numRaw
		l.numRaw++
	}
	in.Dst = n.reg

	switch n.op {
	case NConst:
		if n.rep == RepTagged {
			in.Imm = uint64(n.konst)
			l.root(n.konst)
		} else {
			in.Op = MConstRaw
			in.Imm = n.raw
		}
	case NNewArray, NCall, NCallNative:
		in.Args = make([]int32, len(n.in))
		for i, a := range n.in {
			in.Args[i] = a.reg
		}
	default:
		ops := [...]*int32{&in.A, &in.B, &in.C}
		for i, a := range n.in {
			*ops[i] = a.reg
		}
	}
	switch n.op {
	case NCheckCallee, NLoadConstField:
		in.Imm = uint64(n.konst)
		l.root(n.konst)
	case NLoadPoly:
		for _, c := range n.cases {
			l.root(c.Holder)
		}
	}
	in.Index = int32(n.index)
	in.Cmp = n.cmp
	in.Shapes = n.shapes
	in.Cases = n.cases
	in.Unit = n.unit
	in.Native = n.native
	in.Name = n.name
	if n.frame != nil {
		in.Deopt = l.deoptPoint(n.frame, n.dkind, n.reason)
	}
	l.emit(in)
}

// deoptPoint registers a deopt point at the instruction about to be emitted.
func (l *lowering) deoptPoint(fs *frameSnap, kind DeoptKind, reason DeoptReason) int32 {
	dp := &DeoptPoint{
		ID:     len(l.deopts),
		PC:     len(l.instrs),
		Kind:   kind,
		Reason: reason,
		State:  l.frameState(fs),
	}
	l.deopts = append(l.deopts, dp)
	return int32(dp.ID)
}

func (l *lowering) frameState(fs *frameSnap) *FrameState {
	if st, ok := l.states[fs]; ok {
		return st
	}
	st := &FrameState{
		Unit:           fs.unit,
		ResumePC:       fs.resumePC,
		PC:             fs.pc,
		AwaitingResult: fs.awaiting,
		Locals:         make([]Location, len(fs.locals)),
		Stack:          make([]Location, len(fs.stack)),
	}
	for i, n := range fs.locals {
		st.Locals[i] = l.location(n)
	}
	for k, n := range fs.stack {
		st.Stack[k] = l.location(n)
	}
	if fs.outer != nil {
		st.Outer = l.frameState(fs.outer)
	}
	l.states[fs] = st
	return st
}

func (l *lowering) location(n *Node) Location {
	if n.isConst() {
		v := constValue(n)
		l.root(v)
		return ConstantLoc(v)
	}
	if n.reg < 0 {
		invariantf("frame state references unscheduled node %d (%s)", n.id, n.op)
	}
	switch n.rep {
	case RepInt32:
		return Location{Kind: LocInt32, Index: n.reg}
	case RepFloat64:
		return Location{Kind: LocFloat64, Index: n.reg}
	case RepBool:
		return Location{Kind: LocBool, Index: n.reg}
	}
	return TaggedAt(int(n.reg))
}

func (l *lowering) term(b *Block) error {
	t := &b.term
	switch t.kind {
	case termJump:
		l.moves(t.moves)
		in := blank(MJump)
		in.Target = int32(t.then.id)
		l.emit(in)
	case termBranch:
		l.moves(t.moves)
		in := blank(MBranch)
		in.A = t.cond.reg
		in.Target, in.Else = int32(t.then.id), int32(t.els.id)
		l.emit(in)
	case termReturn, termThrow:
		op := MReturn
		if t.kind == termThrow {
			op = MThrow
		}
		in := blank(op)
		in.A = t.value.reg
		l.emit(in)
	case termDeopt:
		in := blank(MDeopt)
		in.Deopt = l.deoptPoint(t.frame, t.dkind, t.reason)
		l.emit(in)
	default:
		return fmt.Errorf("block %d at %04d has no terminator", b.id, b.pc)
	}
	return nil
}

// moves sequentializes a parallel move between tagged registers. A cycle is
// broken by saving one destination in the scratch register.
func (l *lowering) moves(ms []Move) {
	type mv struct{ dst, src int32 }
	pending := make([]mv, 0, len(ms))
	for _, m := range ms {
		if m.Src.reg != int32(m.Dst) {
			pending = append(pending, mv{int32(m.Dst), m.Src.reg})
		}
	}
	emit := func(dst, src int32) {
		in := blank(MMove)
		in.Dst, in.A = dst, src
		l.emit(in)
	}
	for len(pending) > 0 {
		progress := false
		for i := 0; i < len(pending); i++ {
			m := pending[i]
			blocked := false
			for j, o := range pending {
				if j != i && o.src == m.dst {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			emit(m.dst, m.src)
			pending = append(pending[:i], pending[i+1:]...)
			i--
			progress = true
		}
		if !progress {
			d := pending[0].dst
			emit(l.scratch, d)
			for j := range pending {
				if pending[j].src == d {
					pending[j].src = l.scratch
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Fingerprint and disassembly
// ---------------------------------------------------------------------------

type fpInstr struct {
	Op     MOp      `cbor:"1,keyasint"`
	Regs   []int32  `cbor:"2,keyasint"`
	Args   []int32  `cbor:"3,keyasint,omitempty"`
	Imm    uint64   `cbor:"4,keyasint,omitempty"`
	Cmp    Opcode   `cbor:"5,keyasint,omitempty"`
	Shapes []uint32 `cbor:"6,keyasint,omitempty"`
	Ref    string   `cbor:"7,keyasint,omitempty"`
}

type fpFrame struct {
	Unit     string     `cbor:"1,keyasint"`
	ResumePC int        `cbor:"2,keyasint"`
	PC       int        `cbor:"3,keyasint"`
	Awaiting bool       `cbor:"4,keyasint"`
	Locals   []Location `cbor:"5,keyasint"`
	Stack    []Location `cbor:"6,keyasint"`
}

type fpDeopt struct {
	PC     int         `cbor:"1,keyasint"`
	Kind   DeoptKind   `cbor:"2,keyasint"`
	Reason DeoptReason `cbor:"3,keyasint"`
	Frames []fpFrame   `cbor:"4,keyasint"`
}

type fpCode struct {
	Unit   [32]byte  `cbor:"1,keyasint"`
	Instrs []fpInstr `cbor:"2,keyasint"`
	Deopts []fpDeopt `cbor:"3,keyasint"`
	Deps   []string  `cbor:"4,keyasint"`
}

// fingerprint digests everything that determines the code's behavior, so
// two compiles from identical feedback produce identical fingerprints.
func fingerprint(c *CompiledCode) ([32]byte, error) {
	d := fpCode{Unit: c.unit.hash}
	for _, in := range c.instrs {
		fi := fpInstr{
			Op:   in.Op,
			Regs: []int32{in.Dst, in.A, in.B, in.C, in.Index, in.Target, in.Else, in.Deopt},
			Args: in.Args,
			Imm:  in.Imm,
			Cmp:  in.Cmp,
		}
		for _, s := range in.Shapes {
			fi.Shapes = append(fi.Shapes, s.id)
		}
		for _, pc := range in.Cases {
			var holder uint32
			if pc.Holder.IsHandle() {
				holder = pc.Holder.Handle()
			}
			fi.Shapes = append(fi.Shapes, pc.Shape.id, uint32(pc.Kind), uint32(pc.Index), holder)
		}
		switch {
		case in.Unit != nil:
			fi.Ref = in.Unit.name
		case in.Native != nil:
			fi.Ref = in.Native.Name
		default:
			fi.Ref = in.Name
		}
		d.Instrs = append(d.Instrs, fi)
	}
	for _, dp := range c.deoptList {
		fd := fpDeopt{PC: dp.PC, Kind: dp.Kind, Reason: dp.Reason}
		for fs := dp.State; fs != nil; fs = fs.Outer {
			fd.Frames = append(fd.Frames, fpFrame{
				Unit:     fs.Unit.name,
				ResumePC: fs.ResumePC,
				PC:       fs.PC,
				Awaiting: fs.AwaitingResult,
				Locals:   fs.Locals,
				Stack:    fs.Stack,
			})
		}
		d.Deopts = append(d.Deopts, fd)
	}
	for _, dep := range c.deps {
		d.Deps = append(d.Deps, dep.String())
	}
	sum, err := wire.Digest(d)
	if err != nil {
		return [32]byte{}, fmt.Errorf("fingerprint: %w", err)
	}
	return sum, nil
}

func disassembleMachine(c *CompiledCode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; %s code #%d for %s: %d instrs, %d tagged + %d raw regs, %d deopt points\n",
		c.kind, c.id, c.unit.name, len(c.instrs), c.numTagged, c.numRaw, len(c.deoptList))
	for _, d := range c.deps {
		fmt.Fprintf(&sb, "; depends on %s\n", d)
	}
	for pc, in := range c.instrs {
		fmt.Fprintf(&sb, "%04d  %-16s", pc, in.Op)
		if in.Dst >= 0 {
			fmt.Fprintf(&sb, " d=%d", in.Dst)
		}
		for i, r := range [...]int32{in.A, in.B, in.C} {
			if r >= 0 {
				fmt.Fprintf(&sb, " %c=%d", 'a'+i, r)
			}
		}
		if len(in.Args) > 0 {
			fmt.Fprintf(&sb, " args=%v", in.Args)
		}
		switch in.Op {
		case MOp(NConst), MOp(NCheckCallee), MOp(NLoadConstField):
			fmt.Fprintf(&sb, " %s", Value(in.Imm))
		case MConstRaw:
			fmt.Fprintf(&sb, " #%#x", in.Imm)
		case MJump:
			fmt.Fprintf(&sb, " -> %04d", in.Target)
		case MBranch:
			fmt.Fprintf(&sb, " ? %04d : %04d", in.Target, in.Else)
		}
		if in.Name != "" {
			fmt.Fprintf(&sb, " %q", in.Name)
		}
		if in.Cmp != 0 {
			fmt.Fprintf(&sb, " %s", in.Cmp.Name())
		}
		for _, s := range in.Shapes {
			fmt.Fprintf(&sb, " shape#%d", s.id)
		}
		if in.Deopt >= 0 {
			dp := c.deoptList[in.Deopt]
			fmt.Fprintf(&sb, "  ; deopt %d %s (%s) -> %s@%04d", dp.ID, dp.Kind, dp.Reason, dp.State.Unit.name, dp.State.ResumePC)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
