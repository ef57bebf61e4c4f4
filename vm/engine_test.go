package vm

import (
	"errors"
	"testing"
)

func TestEngineTiersUpThroughBaselineAndOptimized(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineThreshold = 2
	cfg.OptimizeThreshold = 5
	cfg.OSRThreshold = 50
	e, sink := newTestEngine(t, cfg, addSrc)

	for i := 1; i <= 5; i++ {
		expectInt(t, mustCall(t, e, "add", FromInt(int32(i)), FromInt(1)), int32(i+1))
		switch {
		case i < 2:
			expectTier(t, e, "add", TierInterpreted)
		case i < 5:
			expectTier(t, e, "add", TierBaseline)
		default:
			expectTier(t, e, "add", TierOptimized)
		}
	}

	if n := sink.Count(EventTierTransition, "add"); n != 2 {
		t.Errorf("Expected 2 tier transitions, got %d", n)
	}
	u := mustUnit(t, e, "add")
	code := u.OptimizedCode()
	if code == nil {
		t.Fatal("add has no optimized code")
	}
	if code.Unit() != u {
		t.Error("optimized code belongs to another function")
	}
	if len(code.DeoptPoints()) == 0 {
		t.Error("speculative add should have deopt points")
	}

	// Optimized code still computes the right thing.
	expectInt(t, mustCall(t, e, "add", FromInt(40), FromInt(2)), 42)
	if e.Stats().Installs != 1 {
		t.Errorf("Expected 1 install, got %d", e.Stats().Installs)
	}
}

func TestEngineDeoptOnTypeChange(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineThreshold = 2
	cfg.OptimizeThreshold = 5
	cfg.OSRThreshold = 50
	cfg.BackoffInvocations = 10
	e, sink := newTestEngine(t, cfg, addSrc)

	for i := 0; i < 5; i++ {
		mustCall(t, e, "add", FromInt(int32(i)), FromInt(1))
	}
	expectTier(t, e, "add", TierOptimized)

	// A float breaks the small-integer speculation.
	expectFloat(t, mustCall(t, e, "add", FromFloat(1.5), FromInt(2)), 3.5)

	if n := sink.Count(EventDeopt, "add"); n != 1 {
		t.Fatalf("Expected 1 deopt, got %d", n)
	}
	ev, _ := findEvent(sink, EventDeopt, "add")
	if ev.DeoptKind != DeoptEager {
		t.Errorf("Expected eager deopt, got %s", ev.DeoptKind)
	}
	if ev.Reason != ReasonNotASmi {
		t.Errorf("Expected reason %q, got %q", ReasonNotASmi, ev.Reason)
	}
	u := mustUnit(t, e, "add")
	if u.Deopts() != 1 {
		t.Errorf("Expected 1 deopt on the unit, got %d", u.Deopts())
	}
	expectTier(t, e, "add", TierBaseline)
	if !e.Selector().InBackoff(u) {
		t.Error("add should be backing off after a deopt")
	}

	// The back-off window ends at invocation 16; by then feedback covers
	// both ints and floats.
	for i := 0; i < 10; i++ {
		mustCall(t, e, "add", FromInt(int32(i)), FromFloat(0.5))
	}
	expectTier(t, e, "add", TierOptimized)

	expectFloat(t, mustCall(t, e, "add", FromFloat(2.5), FromInt(1)), 3.5)
	expectInt(t, mustCall(t, e, "add", FromInt(2), FromInt(1)), 3)
	if u.Deopts() != 1 {
		t.Errorf("re-optimized add should accept numbers, got %d deopts", u.Deopts())
	}
}

func TestEngineOSR(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineThreshold = 2
	cfg.OptimizeThreshold = 5
	cfg.OSRThreshold = 10
	e, sink := newTestEngine(t, cfg, sumSrc)

	// Five back-edges, and the loop exit is observed once.
	expectInt(t, mustCall(t, e, "sum", FromInt(5)), 10)
	if n := sink.Count(EventOSREntry, "sum"); n != 0 {
		t.Fatalf("Expected no OSR entry yet, got %d", n)
	}

	// The tenth back-edge compiles the loop and enters it mid-call.
	expectInt(t, mustCall(t, e, "sum", FromInt(100)), 4950)

	if n := sink.Count(EventOSREntry, "sum"); n != 1 {
		t.Errorf("Expected 1 OSR entry, got %d", n)
	}
	if e.Stats().OSREntries != 1 {
		t.Errorf("Expected 1 OSR entry in stats, got %d", e.Stats().OSREntries)
	}
	u := mustUnit(t, e, "sum")
	if u.Deopts() != 0 {
		t.Errorf("Expected no deopts, got %d", u.Deopts())
	}
	expectTier(t, e, "sum", TierOptimizedOSR)
	status, err := e.OptimizationStatus("sum")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Has(StatusHasOSRCode) {
		t.Errorf("Expected OSR code in status, got %s", status)
	}
}

func TestEngineOSRDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.OSRThreshold = 10
	cfg.OptimizeThreshold = 5
	cfg.BaselineThreshold = 2
	cfg.EnableOSR = false
	e, sink := newTestEngine(t, cfg, sumSrc)

	expectInt(t, mustCall(t, e, "sum", FromInt(200)), 19900)
	if n := sink.Count(EventOSREntry, ""); n != 0 {
		t.Errorf("Expected no OSR entries with OSR disabled, got %d", n)
	}
}

func TestEngineGlobalCellInvalidation(t *testing.T) {
	e, sink := newTestEngine(t, testConfig(), `
func getk()
  gload k
  return
end
`)
	e.StoreGlobal("k", FromInt(1))
	if err := e.ForceTierUp("getk", TierOptimized); err != nil {
		t.Fatalf("ForceTierUp: %v", err)
	}
	expectInt(t, mustCall(t, e, "getk"), 1)

	// The folded constant must not survive a second store.
	e.StoreGlobal("k", FromInt(2))
	expectTier(t, e, "getk", TierInterpreted)
	if n := sink.Count(EventInvalidation, "getk"); n != 1 {
		t.Errorf("Expected 1 invalidation, got %d", n)
	}
	expectInt(t, mustCall(t, e, "getk"), 2)
}

const protoSrc = `
func mk(proto)
  load proto
  newobjproto
  return
end

func getv(o)
  load o
  getprop v
  return
end
`

func TestEnginePrototypeChangeInvalidates(t *testing.T) {
	e, sink := newTestEngine(t, testConfig(), protoSrc)

	proto, err := e.NewObject(Nil)
	if err != nil {
		t.Fatal(err)
	}
	e.StoreGlobal("keep", proto)
	if _, _, err := e.SetProperty(proto, "v", FromInt(7)); err != nil {
		t.Fatal(err)
	}
	obj := mustCall(t, e, "mk", proto)
	e.StoreGlobal("keepObj", obj)
	for i := 0; i < 3; i++ {
		expectInt(t, mustCall(t, e, "getv", obj), 7)
	}
	if err := e.ForceTierUp("getv", TierOptimized); err != nil {
		t.Fatalf("ForceTierUp: %v", err)
	}
	expectInt(t, mustCall(t, e, "getv", obj), 7)

	// Adding a property to the prototype retires its layout.
	if _, _, err := e.SetProperty(proto, "w", FromInt(1)); err != nil {
		t.Fatal(err)
	}
	expectTier(t, e, "getv", TierInterpreted)
	if sink.Count(EventInvalidation, "getv") == 0 {
		t.Error("Expected an invalidation event for getv")
	}
	u := mustUnit(t, e, "getv")
	if c := u.Feedback().Slot(0).State().Cardinality; c != Uninitialized {
		t.Errorf("Expected the property slot to be reset, got %s", c)
	}
	expectInt(t, mustCall(t, e, "getv", obj), 7)
}

func TestEngineMaxCallDepth(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCallDepth = 50
	e, _ := newTestEngine(t, cfg, `
func rec()
  gload rec
  call 0
  return
end
`)
	_, err := e.Call("rec")
	le, ok := AsLangError(err)
	if !ok {
		t.Fatalf("Expected a language error, got %v", err)
	}
	if le.Kind != RangeError {
		t.Errorf("Expected RangeError, got %s", le.Kind)
	}
}

func TestEngineUnknownFunction(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	if _, err := e.Call("nope"); !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("Expected ErrUnknownFunction, got %v", err)
	}
	if _, err := e.Lookup("nope"); !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("Expected ErrUnknownFunction, got %v", err)
	}
}

func TestEngineClosed(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Call("add", FromInt(1), FromInt(2)); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed, got %v", err)
	}
	// Closing twice is harmless.
	if err := e.Close(); err != nil {
		t.Error(err)
	}
}

func TestEngineLoadTwice(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	p := MustAssemble(addSrc)
	if err := e.Load(p); err != nil {
		t.Fatal(err)
	}
	if err := e.Load(p); err == nil {
		t.Error("loading the same program twice should fail")
	}
}

func TestEngineDispose(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	mustCall(t, e, "add", FromInt(1), FromInt(1))
	if err := e.ForceTierUp("add", TierOptimized); err != nil {
		t.Fatal(err)
	}
	u := mustUnit(t, e, "add")
	if err := e.Dispose("add"); err != nil {
		t.Fatal(err)
	}
	if !u.Disposed() {
		t.Error("unit should be disposed")
	}
	if u.OptimizedCode() != nil {
		t.Error("disposed unit kept its optimized code")
	}
	if _, err := e.Lookup("add"); !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("Expected ErrUnknownFunction after dispose, got %v", err)
	}
}

func TestEngineCollectGarbage(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	e.StoreGlobal("keep", e.NewString("kept"))
	e.NewString("garbage")
	e.NewArray(FromInt(1), FromInt(2))

	if freed := e.CollectGarbage(); freed < 2 {
		t.Errorf("Expected at least 2 objects freed, got %d", freed)
	}
	v, err := e.LoadGlobal("keep")
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := e.Str(v); !ok || s != "kept" {
		t.Errorf("global string did not survive collection: %q", s)
	}
	// Functions are still callable after a collection.
	expectInt(t, mustCall(t, e, "add", FromInt(1), FromInt(2)), 3)
}

func TestEngineSubscribe(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineThreshold = 1
	e, _ := newTestEngine(t, cfg, addSrc)
	sub := e.Subscribe(8)
	defer e.Unsubscribe(sub)

	mustCall(t, e, "add", FromInt(1), FromInt(2))
	select {
	case ev := <-sub.C:
		if ev.Kind != EventTierTransition || ev.To != TierBaseline {
			t.Errorf("Expected a baseline transition, got %s to %s", ev.Kind, ev.To)
		}
		if ev.Session != e.Session() {
			t.Error("event carries the wrong session")
		}
	default:
		t.Fatal("subscriber received no event")
	}
}

func TestEngineStats(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	for i := 0; i < 3; i++ {
		mustCall(t, e, "add", FromInt(1), FromInt(2))
	}
	s := e.Stats()
	if s.Calls != 3 {
		t.Errorf("Expected 3 calls, got %d", s.Calls)
	}
	if s.Functions != 1 {
		t.Errorf("Expected 1 function, got %d", s.Functions)
	}
}

const recSrc = `
func rec(n)
  load n
  push 0
  le
  jf deeper
  gload observe
  call 0
  return
deeper:
  gload rec
  load n
  push 1
  sub
  call 1
  return
end
`

func TestCompiledCodeRefCounts(t *testing.T) {
	cfg := testConfig()
	cfg.EnableInlining = false
	e, _ := newTestEngine(t, cfg, recSrc)
	u := mustUnit(t, e, "rec")

	var old, replacement *CompiledCode
	var oldRefs, oldLive, newRefs int
	armed := false
	observe := &Native{Name: "observe", Fn: func(e *Engine, _ []Value) (Value, error) {
		if !armed {
			return Nil, nil
		}
		armed = false
		if err := e.forceTierUp(u, TierOptimized); err != nil {
			return Nil, err
		}
		replacement = u.OptimizedCode()
		oldRefs, oldLive = old.RefCount(), old.LiveActivations()
		newRefs = replacement.RefCount()
		return Nil, nil
	}}
	e.StoreGlobal("observe", e.heap.Allocate(observe))

	mustCall(t, e, "rec", FromInt(2))
	if err := e.ForceTierUp("rec", TierOptimized); err != nil {
		t.Fatal(err)
	}
	old = u.OptimizedCode()
	if old.RefCount() != 1 || old.LiveActivations() != 0 {
		t.Fatalf("installed idle code: refs=%d live=%d, want 1/0", old.RefCount(), old.LiveActivations())
	}

	armed = true
	mustCall(t, e, "rec", FromInt(2))

	if replacement == nil || replacement == old {
		t.Fatal("expected the code to be replaced mid-call")
	}
	// Three activations still ran the old code; the unit had let go of it.
	if oldRefs != 3 || oldLive != 3 {
		t.Errorf("replaced code during the call: refs=%d live=%d, want 3/3", oldRefs, oldLive)
	}
	if newRefs != 1 {
		t.Errorf("new code during the call: refs=%d, want 1", newRefs)
	}
	if old.RefCount() != 0 || old.LiveActivations() != 0 {
		t.Errorf("replaced code after the call: refs=%d live=%d, want 0/0", old.RefCount(), old.LiveActivations())
	}
	if old.Entries() != 3 {
		t.Errorf("Expected 3 entries into the old code, got %d", old.Entries())
	}

	if err := e.ForceDeopt("rec"); err != nil {
		t.Fatal(err)
	}
	if replacement.RefCount() != 0 {
		t.Errorf("dropped code still has %d references", replacement.RefCount())
	}
}

func TestCompiledCodeReleasedOnDeopt(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	mustCall(t, e, "add", FromInt(1), FromInt(2))
	if err := e.ForceTierUp("add", TierOptimized); err != nil {
		t.Fatal(err)
	}
	code := mustUnit(t, e, "add").OptimizedCode()

	expectFloat(t, mustCall(t, e, "add", FromFloat(1.5), FromInt(2)), 3.5)
	if code.RefCount() != 0 || code.LiveActivations() != 0 {
		t.Errorf("deoptimized code: refs=%d live=%d, want 0/0", code.RefCount(), code.LiveActivations())
	}
}
