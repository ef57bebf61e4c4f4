package vm

import (
	"sync"
	"testing"
)

func TestFeedbackTypesWidenMonotonically(t *testing.T) {
	u := MustAssemble(addSrc).Functions[0]
	v := u.Feedback()
	if v.Len() != 1 || v.Slot(0).Kind() != SlotBinaryOp {
		t.Fatalf("Expected one binary-op slot, got %d", v.Len())
	}
	if c := v.Slot(0).State().Cardinality; c != Uninitialized {
		t.Fatalf("Expected uninitialized, got %s", c)
	}

	if !v.RecordTypes(0, TypeSignedSmall) {
		t.Error("first observation should change the slot")
	}
	if v.RecordTypes(0, TypeSignedSmall) {
		t.Error("repeating an observation should not change the slot")
	}
	if c := v.Slot(0).State().Cardinality; c != Monomorphic {
		t.Errorf("Expected monomorphic, got %s", c)
	}

	v.RecordTypes(0, TypeFloat)
	if c := v.Slot(0).State().Cardinality; c != Polymorphic {
		t.Errorf("Expected polymorphic, got %s", c)
	}

	v.RecordTypes(0, TypeOther)
	st := v.Slot(0).State()
	if st.Cardinality != Megamorphic {
		t.Errorf("Expected megamorphic, got %s", st.Cardinality)
	}
	// Nothing is ever forgotten by recording.
	if !st.Types.Has(TypeSignedSmall) || !st.Types.Has(TypeFloat) {
		t.Errorf("earlier types were lost: %08b", st.Types)
	}
}

func TestFeedbackShapesGoMegamorphic(t *testing.T) {
	u := MustAssemble(`
func get(o)
  load o
  getprop x
  return
end
`).Functions[0]
	v := newFeedbackVector(u, u.meta.Slots, 4)
	shapes := NewShapeTable()
	root := shapes.Root(Nil)

	keys := []string{"a", "b", "c", "d", "e"}
	for i, k := range keys {
		s := shapes.Transition(root, k)
		changed := v.RecordShape(0, ShapeEntry{Receiver: s, Kind: PropMissing})
		if !changed {
			t.Errorf("shape %d should change the slot", i)
		}
	}
	st := v.Slot(0).State()
	if st.Cardinality != Megamorphic {
		t.Fatalf("Expected megamorphic after 5 shapes, got %s", st.Cardinality)
	}
	if len(st.Shapes) != 0 {
		t.Errorf("megamorphic slots keep no shapes, got %d", len(st.Shapes))
	}
	if v.RecordShape(0, ShapeEntry{Receiver: root, Kind: PropMissing}) {
		t.Error("a megamorphic slot never changes")
	}
}

func TestFeedbackSnapshotIsStable(t *testing.T) {
	u := MustAssemble(addSrc).Functions[0]
	v := u.Feedback()
	v.RecordTypes(0, TypeSignedSmall)
	snap := v.Snapshot()

	v.RecordTypes(0, TypeFloat)
	if got := snap.Slot(0).Types; got != TypeSignedSmall {
		t.Errorf("snapshot changed after recording: %08b", got)
	}
	if snap.Epoch != v.Epoch() {
		t.Error("recording must not advance the epoch")
	}
}

func TestFeedbackClearAdvancesEpoch(t *testing.T) {
	u := MustAssemble(addSrc).Functions[0]
	v := u.Feedback()
	v.RecordTypes(0, TypeSignedSmall)
	before := v.Epoch()

	v.Clear()
	if v.Epoch() == before {
		t.Error("Clear should advance the epoch")
	}
	if c := v.Slot(0).State().Cardinality; c != Uninitialized {
		t.Errorf("Expected uninitialized after Clear, got %s", c)
	}
	if v.Slot(0).State().Kind != SlotBinaryOp {
		t.Error("Clear must keep the slot kind")
	}
}

func TestFeedbackConcurrentRecording(t *testing.T) {
	u := MustAssemble(addSrc).Functions[0]
	v := u.Feedback()
	masks := []TypeMask{TypeSignedSmall, TypeFloat, TypeString, TypeOther}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(m TypeMask) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.RecordTypes(0, m)
			}
		}(masks[i%len(masks)])
	}
	wg.Wait()

	want := TypeSignedSmall | TypeFloat | TypeString | TypeOther
	if got := v.Slot(0).State().Types; got != want {
		t.Errorf("Expected union %08b, got %08b", want, got)
	}
}

func TestFeedbackBranchDirections(t *testing.T) {
	u := MustAssemble(sumSrc).Functions[0]
	v := u.Feedback()
	branch := -1
	for i := 0; i < v.Len(); i++ {
		if v.Slot(i).Kind() == SlotBranch {
			branch = i
		}
	}
	if branch < 0 {
		t.Fatal("no branch slot")
	}
	v.RecordBranch(branch, false)
	if c := v.Slot(branch).State().Cardinality; c != Monomorphic {
		t.Errorf("Expected monomorphic, got %s", c)
	}
	v.RecordBranch(branch, true)
	if c := v.Slot(branch).State().Cardinality; c != Polymorphic {
		t.Errorf("Expected polymorphic, got %s", c)
	}
}

func TestFeedbackStoreInvalidate(t *testing.T) {
	p := MustAssemble(`
func get(o)
  load o
  getprop x
  return
end

func other(a, b)
  load a
  load b
  add
  return
end
`)
	fs := NewFeedbackStore(4)
	for _, u := range p.Functions {
		fs.Register(u)
	}
	get, _ := p.Function("get")
	other, _ := p.Function("other")

	shapes := NewShapeTable()
	proto := shapes.Root(Nil)
	s := shapes.Transition(proto, "x")
	get.Feedback().RecordShape(0, ShapeEntry{Receiver: s, Kind: PropOwn})
	other.Feedback().RecordTypes(0, TypeSignedSmall)

	changed := fs.Invalidate(ReferencesShape(s))
	if len(changed) != 1 || changed[0] != get {
		t.Fatalf("Expected only get to change, got %v", changed)
	}
	if c := get.Feedback().Slot(0).State().Cardinality; c != Uninitialized {
		t.Errorf("Expected the slot reset, got %s", c)
	}
	if c := other.Feedback().Slot(0).State().Cardinality; c != Monomorphic {
		t.Errorf("unrelated feedback was reset: %s", c)
	}

	stats := fs.Stats()
	if stats[Monomorphic] != 1 {
		t.Errorf("Expected 1 monomorphic slot, got %d", stats[Monomorphic])
	}
}
