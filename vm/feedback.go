package vm

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Type Feedback
//
// Every site that can be specialized owns a slot in its function's
// FeedbackVector. The interpreter and baseline tiers record what they observe;
// the optimizing compiler reads an immutable snapshot. Slot states are
// immutable values swapped in with compare-and-swap, so a slot can only widen
// (Uninitialized -> Monomorphic -> Polymorphic -> Megamorphic) until it is
// explicitly cleared or invalidated, and readers on other goroutines never
// see a torn state.

// SlotKind identifies what a feedback slot records.
type SlotKind uint8

const (
	SlotNone SlotKind = iota
	SlotLoad
	SlotStore
	SlotKeyedLoad
	SlotKeyedStore
	SlotCall
	SlotBinaryOp
	SlotCompare
	SlotBranch
)

var slotKindNames = [...]string{"none", "load", "store", "keyed-load", "keyed-store", "call", "binary-op", "compare", "branch"}

func (k SlotKind) String() string {
	if int(k) < len(slotKindNames) {
		return slotKindNames[k]
	}
	return "unknown"
}

// ParseSlotKind converts a slot kind name back to a SlotKind.
func ParseSlotKind(s string) (SlotKind, bool) {
	for i, n := range slotKindNames {
		if n == s {
			return SlotKind(i), true
		}
	}
	return SlotNone, false
}

// Cardinality is how many distinct things a slot has observed.
type Cardinality uint8

const (
	Uninitialized Cardinality = iota
	Monomorphic
	Polymorphic
	Megamorphic
)

var cardinalityNames = [...]string{"uninitialized", "monomorphic", "polymorphic", "megamorphic"}

func (c Cardinality) String() string {
	if int(c) < len(cardinalityNames) {
		return cardinalityNames[c]
	}
	return "unknown"
}

// DefaultMaxPolymorphism is the entry limit before a slot goes megamorphic.
const DefaultMaxPolymorphism = 4

// TypeMask is a set of observed operand kinds.
type TypeMask uint8

const (
	TypeSignedSmall TypeMask = 1 << iota
	TypeFloat
	TypeString
	TypeOther

	TypeNumber = TypeSignedSmall | TypeFloat
)

// Has reports whether every bit of t is in m.
func (m TypeMask) Has(t TypeMask) bool { return m&t == t && t != 0 }

// Only reports whether m is non-empty and contained in t.
func (m TypeMask) Only(t TypeMask) bool { return m != 0 && m&^t == 0 }

// PropertyKind says where a cached property lives.
type PropertyKind uint8

const (
	PropOwn PropertyKind = iota
	PropProto
	PropMissing
	PropAdd // store that transitions the receiver shape
)

// ShapeEntry is one observed receiver layout of a property site.
type ShapeEntry struct {
	Receiver *Shape
	Kind     PropertyKind
	Index    int
	// Holder and Chain describe prototype lookups: the object holding the
	// property and the shapes of every prototype walked to reach it.
	Holder Value
	Chain  []*Shape
	// Transition is the receiver's shape after an adding store.
	Transition *Shape
}

func (e ShapeEntry) references(s *Shape) bool {
	if e.Receiver == s || e.Transition == s {
		return true
	}
	for _, c := range e.Chain {
		if c == s {
			return true
		}
	}
	return false
}

// CallEntry is one observed call target.
type CallEntry struct {
	Target Value
	Unit   *FunctionUnit
	Native *Native
}

// Element feedback bits for keyed sites.
const (
	ElemArrayInBounds uint8 = 1 << iota
	ElemArrayOutOfBounds
	ElemString
	ElemOther
)

// Branch feedback bits.
const (
	BranchTaken    uint8 = 1
	BranchNotTaken uint8 = 2
)

// SlotState is an immutable observation of one slot.
type SlotState struct {
	Kind        SlotKind
	Cardinality Cardinality
	Types       TypeMask
	Shapes      []ShapeEntry
	Calls       []CallEntry
	Elements    uint8
	Branch      uint8
}

var uninitializedStates [len(slotKindNames)]*SlotState

func init() {
	for i := range uninitializedStates {
		uninitializedStates[i] = &SlotState{Kind: SlotKind(i)}
	}
}

// FeedbackSlot is a single feedback site.
type FeedbackSlot struct {
	kind  SlotKind
	state atomic.Pointer[SlotState]
}

// Kind returns the slot kind.
func (s *FeedbackSlot) Kind() SlotKind { return s.kind }

// State returns the current immutable state.
func (s *FeedbackSlot) State() *SlotState { return s.state.Load() }

// update applies widen until it succeeds or reports no change.
func (s *FeedbackSlot) update(widen func(old *SlotState) *SlotState) bool {
	for {
		old := s.state.Load()
		next := widen(old)
		if next == nil || next == old {
			return false
		}
		if s.state.CompareAndSwap(old, next) {
			return true
		}
	}
}

func (s *FeedbackSlot) reset() {
	s.state.Store(uninitializedStates[s.kind])
}

// ---------------------------------------------------------------------------
// FeedbackVector
// ---------------------------------------------------------------------------

// FeedbackVector holds every slot of one function.
type FeedbackVector struct {
	unit    *FunctionUnit
	slots   []FeedbackSlot
	maxPoly int
	epoch   atomic.Uint64
}

func newFeedbackVector(u *FunctionUnit, kinds []SlotKind, maxPoly int) *FeedbackVector {
	v := &FeedbackVector{unit: u, slots: make([]FeedbackSlot, len(kinds)), maxPoly: maxPoly}
	for i, k := range kinds {
		v.slots[i].kind = k
		v.slots[i].reset()
	}
	return v
}

// Len returns the number of slots.
func (v *FeedbackVector) Len() int { return len(v.slots) }

// Slot returns slot i.
func (v *FeedbackVector) Slot(i int) *FeedbackSlot { return &v.slots[i] }

// Epoch changes whenever feedback is cleared or invalidated.
func (v *FeedbackVector) Epoch() uint64 { return v.epoch.Load() }

// RecordShape records a property access observation.
func (v *FeedbackVector) RecordShape(slot int, e ShapeEntry) bool {
	max := v.maxPoly
	return v.slots[slot].update(func(old *SlotState) *SlotState {
		if old.Cardinality == Megamorphic {
			return nil
		}
		for _, have := range old.Shapes {
			if have.Receiver == e.Receiver {
				return nil
			}
		}
		next := &SlotState{Kind: old.Kind}
		if len(old.Shapes) >= max {
			next.Cardinality = Megamorphic
			return next
		}
		next.Shapes = append(append(make([]ShapeEntry, 0, len(old.Shapes)+1), old.Shapes...), e)
		next.Cardinality = cardinalityOf(len(next.Shapes))
		return next
	})
}

// RecordGeneric moves a property or call site straight to megamorphic, used
// for receivers that have no shape (arrays, strings, nil).
func (v *FeedbackVector) RecordGeneric(slot int) bool {
	return v.slots[slot].update(func(old *SlotState) *SlotState {
		if old.Cardinality == Megamorphic {
			return nil
		}
		return &SlotState{Kind: old.Kind, Cardinality: Megamorphic}
	})
}

// RecordCall records a call target.
func (v *FeedbackVector) RecordCall(slot int, e CallEntry) bool {
	max := v.maxPoly
	return v.slots[slot].update(func(old *SlotState) *SlotState {
		if old.Cardinality == Megamorphic {
			return nil
		}
		for _, have := range old.Calls {
			if have.Target == e.Target {
				return nil
			}
		}
		next := &SlotState{Kind: old.Kind}
		if len(old.Calls) >= max {
			next.Cardinality = Megamorphic
			return next
		}
		next.Calls = append(append(make([]CallEntry, 0, len(old.Calls)+1), old.Calls...), e)
		next.Cardinality = cardinalityOf(len(next.Calls))
		return next
	})
}

// RecordTypes widens the type mask of a binary-op or compare slot.
func (v *FeedbackVector) RecordTypes(slot int, m TypeMask) bool {
	return v.slots[slot].update(func(old *SlotState) *SlotState {
		if old.Types|m == old.Types {
			return nil
		}
		types := old.Types | m
		return &SlotState{Kind: old.Kind, Types: types, Cardinality: typeCardinality(types)}
	})
}

// RecordElements widens the element bits of a keyed slot.
func (v *FeedbackVector) RecordElements(slot int, bitsSeen uint8) bool {
	return v.slots[slot].update(func(old *SlotState) *SlotState {
		if old.Elements|bitsSeen == old.Elements {
			return nil
		}
		e := old.Elements | bitsSeen
		c := cardinalityOf(bits.OnesCount8(e))
		if e&ElemOther != 0 {
			c = Megamorphic
		}
		return &SlotState{Kind: old.Kind, Elements: e, Cardinality: c}
	})
}

// RecordBranch records the direction a conditional jump took.
func (v *FeedbackVector) RecordBranch(slot int, taken bool) bool {
	bit := BranchNotTaken
	if taken {
		bit = BranchTaken
	}
	return v.slots[slot].update(func(old *SlotState) *SlotState {
		if old.Branch&bit != 0 {
			return nil
		}
		b := old.Branch | bit
		return &SlotState{Kind: old.Kind, Branch: b, Cardinality: cardinalityOf(bits.OnesCount8(b))}
	})
}

func cardinalityOf(n int) Cardinality {
	switch {
	case n == 0:
		return Uninitialized
	case n == 1:
		return Monomorphic
	}
	return Polymorphic
}

func typeCardinality(m TypeMask) Cardinality {
	if m&TypeOther != 0 {
		return Megamorphic
	}
	return cardinalityOf(bits.OnesCount8(uint8(m)))
}

// Clear resets every slot and advances the epoch.
func (v *FeedbackVector) Clear() {
	for i := range v.slots {
		v.slots[i].reset()
	}
	v.epoch.Add(1)
}

// invalidate resets slots matching pred and reports how many were reset.
func (v *FeedbackVector) invalidate(pred SlotPredicate) int {
	n := 0
	for i := range v.slots {
		if pred(v.unit, i, v.slots[i].State()) {
			v.slots[i].reset()
			n++
		}
	}
	if n > 0 {
		v.epoch.Add(1)
	}
	return n
}

// Snapshot copies the current slot states. States are immutable, so the
// snapshot shares them and stays consistent while recording continues.
func (v *FeedbackVector) Snapshot() *FeedbackSnapshot {
	s := &FeedbackSnapshot{Epoch: v.epoch.Load(), Slots: make([]*SlotState, len(v.slots))}
	for i := range v.slots {
		s.Slots[i] = v.slots[i].State()
	}
	return s
}

func (v *FeedbackVector) visitRoots(visit func(Value)) {
	for i := range v.slots {
		v.slots[i].State().visitRoots(visit)
	}
}

func (s *SlotState) visitRoots(visit func(Value)) {
	for _, e := range s.Shapes {
		visit(e.Holder)
		if e.Receiver != nil {
			visit(e.Receiver.proto)
		}
	}
	for _, c := range s.Calls {
		visit(c.Target)
	}
}

// FeedbackSnapshot is an immutable view of a vector taken for compilation.
type FeedbackSnapshot struct {
	Epoch uint64
	Slots []*SlotState
}

// Slot returns slot i of the snapshot.
func (s *FeedbackSnapshot) Slot(i int) *SlotState { return s.Slots[i] }

func (s *FeedbackSnapshot) visitRoots(visit func(Value)) {
	for _, st := range s.Slots {
		st.visitRoots(visit)
	}
}

// ---------------------------------------------------------------------------
// FeedbackStore
// ---------------------------------------------------------------------------

// SlotPredicate selects slots to invalidate.
type SlotPredicate func(u *FunctionUnit, slot int, st *SlotState) bool

// ReferencesShape selects property slots that cached s.
func ReferencesShape(s *Shape) SlotPredicate {
	return func(_ *FunctionUnit, _ int, st *SlotState) bool {
		for _, e := range st.Shapes {
			if e.references(s) {
				return true
			}
		}
		return false
	}
}

// FeedbackStore tracks the feedback vectors of every loaded function.
type FeedbackStore struct {
	mu      sync.RWMutex
	vectors map[uint64]*FeedbackVector
	maxPoly int
}

// NewFeedbackStore creates a store whose slots go megamorphic beyond maxPoly entries.
func NewFeedbackStore(maxPoly int) *FeedbackStore {
	if maxPoly <= 0 {
		maxPoly = DefaultMaxPolymorphism
	}
	return &FeedbackStore{vectors: make(map[uint64]*FeedbackVector), maxPoly: maxPoly}
}

// Register adds a unit's vector to the store.
func (fs *FeedbackStore) Register(u *FunctionUnit) {
	u.feedback.maxPoly = fs.maxPoly
	fs.mu.Lock()
	fs.vectors[u.id] = u.feedback
	fs.mu.Unlock()
}

// Unregister removes a unit's vector.
func (fs *FeedbackStore) Unregister(u *FunctionUnit) {
	fs.mu.Lock()
	delete(fs.vectors, u.id)
	fs.mu.Unlock()
}

// Snapshot returns an immutable snapshot of u's feedback.
func (fs *FeedbackStore) Snapshot(u *FunctionUnit) *FeedbackSnapshot {
	return u.feedback.Snapshot()
}

// Invalidate resets every slot matching pred in every vector and returns the
// units whose feedback changed.
func (fs *FeedbackStore) Invalidate(pred SlotPredicate) []*FunctionUnit {
	fs.mu.RLock()
	vecs := make([]*FeedbackVector, 0, len(fs.vectors))
	for _, v := range fs.vectors {
		vecs = append(vecs, v)
	}
	fs.mu.RUnlock()

	var changed []*FunctionUnit
	for _, v := range vecs {
		if v.invalidate(pred) > 0 {
			changed = append(changed, v.unit)
		}
	}
	return changed
}

func (fs *FeedbackStore) visitRoots(visit func(Value)) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, v := range fs.vectors {
		v.visitRoots(visit)
	}
}

// Stats summarizes slot cardinalities across all vectors.
func (fs *FeedbackStore) Stats() map[Cardinality]int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make(map[Cardinality]int)
	for _, v := range fs.vectors {
		for i := range v.slots {
			out[v.slots[i].State().Cardinality]++
		}
	}
	return out
}
