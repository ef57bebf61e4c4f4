package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

// DependencyKind names an assumption optimized code relies on.
type DependencyKind uint8

const (
	// DepShapeStable: a prototype with this shape keeps its layout.
	DepShapeStable DependencyKind = iota
	// DepProtector: a realm-wide protector stays intact.
	DepProtector
	// DepGlobalCell: a global keeps the value it had at compile time.
	DepGlobalCell
)

var dependencyKindNames = [...]string{"shape-stable", "protector", "global-cell"}

func (k DependencyKind) String() string {
	if int(k) < len(dependencyKindNames) {
		return dependencyKindNames[k]
	}
	return "unknown"
}

// Dependency is one recorded assumption.
type Dependency struct {
	Kind      DependencyKind
	Shape     *Shape
	Protector ProtectorID
	Cell      *GlobalCell
	Version   uint64 // cell version at compile time
}

// Valid reports whether the assumption still holds.
func (d Dependency) Valid(r *Realm) bool {
	switch d.Kind {
	case DepShapeStable:
		return !d.Shape.Invalid()
	case DepProtector:
		return r.protectors.Get(d.Protector).Intact()
	case DepGlobalCell:
		return d.Cell.Version() == d.Version
	}
	return false
}

func (d Dependency) key() any {
	switch d.Kind {
	case DepShapeStable:
		return d.Shape
	case DepProtector:
		return d.Protector
	}
	return d.Cell
}

func (d Dependency) String() string {
	switch d.Kind {
	case DepShapeStable:
		return fmt.Sprintf("%s(%d)", d.Kind, d.Shape.id)
	case DepProtector:
		return fmt.Sprintf("%s(%d)", d.Kind, d.Protector)
	}
	return fmt.Sprintf("%s(%s@%d)", d.Kind, d.Cell.name, d.Version)
}

// dependencyIndex maps assumptions to the installed code relying on them so
// that breaking an assumption marks that code eagerly.
type dependencyIndex struct {
	mu      sync.Mutex
	byKey   map[any]map[*CompiledCode]struct{}
	onMark  func(code *CompiledCode, reason DeoptReason)
	counter atomic.Uint64
}

func newDependencyIndex() *dependencyIndex {
	return &dependencyIndex{byKey: make(map[any]map[*CompiledCode]struct{})}
}

func (ix *dependencyIndex) add(code *CompiledCode) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, d := range code.deps {
		k := d.key()
		set, ok := ix.byKey[k]
		if !ok {
			set = make(map[*CompiledCode]struct{})
			ix.byKey[k] = set
		}
		set[code] = struct{}{}
	}
}

func (ix *dependencyIndex) remove(code *CompiledCode) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, d := range code.deps {
		k := d.key()
		if set, ok := ix.byKey[k]; ok {
			delete(set, code)
			if len(set) == 0 {
				delete(ix.byKey, k)
			}
		}
	}
}

// invalidate marks every code object depending on key and returns how many
// were newly marked.
func (ix *dependencyIndex) invalidate(key any, reason DeoptReason) int {
	ix.mu.Lock()
	set := ix.byKey[key]
	delete(ix.byKey, key)
	ix.mu.Unlock()
	n := 0
	for code := range set {
		if code.invalidate(reason) {
			n++
			ix.counter.Add(1)
			if ix.onMark != nil {
				ix.onMark(code, reason)
			}
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// CompiledCode
// ---------------------------------------------------------------------------

// CompileKind distinguishes regular and on-stack-replacement compiles.
type CompileKind uint8

const (
	CompileOptimize CompileKind = iota
	CompileOSR
)

func (k CompileKind) String() string {
	if k == CompileOSR {
		return "osr"
	}
	return "optimize"
}

var nextCodeID atomic.Uint64

// CompiledCode is the output of the optimizing compiler for one function.
// It is immutable once built; only the validity flag and the reference
// counts change. The unit holds one reference while the code is installed
// and every running activation holds another.
type CompiledCode struct {
	id     uint64
	unit   *FunctionUnit
	kind   CompileKind
	instrs []MInstr

	numTagged int
	numRaw    int
	// Entry register layout: the entry block's variables.
	entry machineEntry
	// osrEntries maps a loop header offset to its entry.
	osrEntries map[int]machineEntry

	deopts      *btree.BTreeG[*DeoptPoint]
	deoptList   []*DeoptPoint
	deps        []Dependency
	inlined     []*FunctionUnit
	constants   []Value
	epoch       uint64
	fingerprint [32]byte

	invalid      atomic.Bool
	invalidWhy   atomic.Uint32
	deoptCounted atomic.Bool
	refs         atomic.Int32
	active       atomic.Int32
	entries      atomic.Uint64
}

// machineEntry describes how to seed the register file when entering.
type machineEntry struct {
	pc     int // first instruction
	locals []int32
	stack  []int32
}

func newDeoptTree() *btree.BTreeG[*DeoptPoint] {
	return btree.NewG(8, func(a, b *DeoptPoint) bool { return a.PC < b.PC })
}

// ID returns the code object's identifier.
func (c *CompiledCode) ID() uint64 { return c.id }

// Unit returns the function the code was compiled for.
func (c *CompiledCode) Unit() *FunctionUnit { return c.unit }

// Kind returns the compile kind.
func (c *CompiledCode) Kind() CompileKind { return c.kind }

// Len returns the number of machine instructions.
func (c *CompiledCode) Len() int { return len(c.instrs) }

// Fingerprint is a digest of the generated code, stable across compiles of
// the same function with the same feedback.
func (c *CompiledCode) Fingerprint() [32]byte { return c.fingerprint }

// Dependencies returns the assumptions the code relies on.
func (c *CompiledCode) Dependencies() []Dependency { return c.deps }

// Inlined returns the functions inlined into this code.
func (c *CompiledCode) Inlined() []*FunctionUnit { return c.inlined }

// DeoptPoints returns every deopt point in machine order.
func (c *CompiledCode) DeoptPoints() []*DeoptPoint {
	out := make([]*DeoptPoint, 0, c.deopts.Len())
	c.deopts.Ascend(func(dp *DeoptPoint) bool {
		out = append(out, dp)
		return true
	})
	return out
}

// DeoptPointAt returns the deopt point at machine pc.
func (c *CompiledCode) DeoptPointAt(pc int) (*DeoptPoint, bool) {
	return c.deopts.Get(&DeoptPoint{PC: pc})
}

// HasOSREntry reports whether the code can be entered at a loop header.
func (c *CompiledCode) HasOSREntry(offset int) bool {
	_, ok := c.osrEntries[offset]
	return ok
}

// RefCount returns the number of holders of the code: its unit while
// installed plus every live activation.
func (c *CompiledCode) RefCount() int { return int(c.refs.Load()) }

// LiveActivations returns how many activations are running the code.
func (c *CompiledCode) LiveActivations() int { return int(c.active.Load()) }

// Entries counts entries into the code, at function entry or through OSR.
func (c *CompiledCode) Entries() uint64 { return c.entries.Load() }

func (c *CompiledCode) retain() { c.refs.Add(1) }

func (c *CompiledCode) release() {
	if c.refs.Add(-1) < 0 {
		invariantf("%s code for %s released more often than retained", c.kind, c.unit.name)
	}
}

// Invalid reports whether the code was marked for deoptimization.
func (c *CompiledCode) Invalid() bool { return c.invalid.Load() }

// invalidate marks the code; it returns true the first time.
func (c *CompiledCode) invalidate(reason DeoptReason) bool {
	if !c.invalid.CompareAndSwap(false, true) {
		return false
	}
	c.invalidWhy.Store(uint32(reason))
	return true
}

// checkDependencies re-validates every dependency, marking the code invalid
// if one no longer holds.
func (c *CompiledCode) checkDependencies(r *Realm) bool {
	if c.invalid.Load() {
		return false
	}
	for _, d := range c.deps {
		if !d.Valid(r) {
			c.invalidate(ReasonDependencyChanged)
			return false
		}
	}
	return true
}

func (c *CompiledCode) visitRoots(visit func(Value)) {
	for _, v := range c.constants {
		visit(v)
	}
}

// Disassemble renders the machine code.
func (c *CompiledCode) Disassemble() string {
	return disassembleMachine(c)
}
