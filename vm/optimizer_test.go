package vm

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestOptimizerFingerprintIsDeterministic(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	warm := func() {
		for i := 0; i < 3; i++ {
			mustCall(t, e, "add", FromInt(int32(i)), FromInt(2))
		}
	}

	warm()
	if err := e.ForceTierUp("add", TierOptimized); err != nil {
		t.Fatal(err)
	}
	u := mustUnit(t, e, "add")
	first := u.OptimizedCode()

	if err := e.ClearFeedback("add"); err != nil {
		t.Fatal(err)
	}
	if u.OptimizedCode() != nil {
		t.Fatal("ClearFeedback should discard optimized code")
	}
	warm()
	if err := e.ForceTierUp("add", TierOptimized); err != nil {
		t.Fatal(err)
	}
	second := u.OptimizedCode()

	if first.ID() == second.ID() {
		t.Error("expected a fresh code object")
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("same bytecode and feedback should compile to the same code")
	}
}

func TestOptimizerFingerprintTracksFeedback(t *testing.T) {
	e1, _ := newTestEngine(t, testConfig(), addSrc)
	e2, _ := newTestEngine(t, testConfig(), addSrc)
	mustCall(t, e1, "add", FromInt(1), FromInt(2))
	mustCall(t, e2, "add", FromFloat(1.5), FromFloat(2))
	for _, e := range []*Engine{e1, e2} {
		if err := e.ForceTierUp("add", TierOptimized); err != nil {
			t.Fatal(err)
		}
	}
	if mustUnit(t, e1, "add").OptimizedCode().Fingerprint() == mustUnit(t, e2, "add").OptimizedCode().Fingerprint() {
		t.Error("int and float feedback should compile differently")
	}
}

func TestOptimizerFoldsConstants(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func five()
  push 2
  push 3
  add
  return
end
`)
	expectInt(t, mustCall(t, e, "five"), 5)
	if err := e.ForceTierUp("five", TierOptimized); err != nil {
		t.Fatal(err)
	}
	code := mustUnit(t, e, "five").OptimizedCode()
	if n := countOps(code, NInt32Add); n != 0 {
		t.Errorf("Expected the add to be folded, found %d", n)
	}
	if len(code.DeoptPoints()) != 0 {
		t.Errorf("folded code needs no deopt points, got %d", len(code.DeoptPoints()))
	}
	expectInt(t, mustCall(t, e, "five"), 5)
}

func TestOptimizerEliminatesRedundantChecks(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func double(a)
  load a
  load a
  add
  return
end
`)
	mustCall(t, e, "double", FromInt(4))
	if err := e.ForceTierUp("double", TierOptimized); err != nil {
		t.Fatal(err)
	}
	code := mustUnit(t, e, "double").OptimizedCode()
	if n := countOps(code, NCheckSmi); n != 1 {
		t.Errorf("Expected 1 small-integer check, got %d", n)
	}
	expectInt(t, mustCall(t, e, "double", FromInt(21)), 42)
}

func TestOptimizerOverflowDeopts(t *testing.T) {
	e, sink := newTestEngine(t, testConfig(), addSrc)
	mustCall(t, e, "add", FromInt(1), FromInt(2))
	if err := e.ForceTierUp("add", TierOptimized); err != nil {
		t.Fatal(err)
	}
	expectFloat(t, mustCall(t, e, "add", FromInt(2147483647), FromInt(2147483647)), 4294967294)
	ev, ok := findEvent(sink, EventDeopt, "add")
	if !ok {
		t.Fatal("Expected a deopt on overflow")
	}
	if ev.Reason != ReasonOverflow {
		t.Errorf("Expected reason %q, got %q", ReasonOverflow, ev.Reason)
	}
}

func TestOptimizerSoftDeoptOnMissingFeedback(t *testing.T) {
	e, sink := newTestEngine(t, testConfig(), addSrc)
	// Never called, so the add has no feedback at all.
	if err := e.ForceTierUp("add", TierOptimized); err != nil {
		t.Fatal(err)
	}
	expectInt(t, mustCall(t, e, "add", FromInt(1), FromInt(2)), 3)
	ev, ok := findEvent(sink, EventDeopt, "add")
	if !ok {
		t.Fatal("Expected a soft deopt")
	}
	if ev.DeoptKind != DeoptSoft || ev.Reason != ReasonInsufficientFeedback {
		t.Errorf("Expected soft deopt for insufficient feedback, got %s (%s)", ev.DeoptKind, ev.Reason)
	}
}

func TestOptimizerRejectsHandlers(t *testing.T) {
	e, sink := newTestEngine(t, testConfig(), `
func guarded()
  handler body catch catch 0
body:
  push 1
  return
catch:
  return
end
`)
	err := e.ForceTierUp("guarded", TierOptimized)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Expected ErrUnsupported, got %v", err)
	}
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Function != "guarded" {
		t.Errorf("Expected a CompileError for guarded, got %v", err)
	}
	u := mustUnit(t, e, "guarded")
	if !u.NeverOptimize() {
		t.Error("an unsupported function should never be optimized again")
	}
	if n := sink.Count(EventCompileFailed, "guarded"); n != 1 {
		t.Errorf("Expected 1 failed compile, got %d", n)
	}
	if err := e.ForceTierUp("guarded", TierOptimized); !errors.Is(err, ErrNeverOptimize) {
		t.Errorf("Expected ErrNeverOptimize, got %v", err)
	}
	expectInt(t, mustCall(t, e, "guarded"), 1)
}

func TestOptimizerOSRNeedsLoop(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	if err := e.ForceTierUp("add", TierOptimizedOSR); !errors.Is(err, ErrNotAtLoop) {
		t.Errorf("Expected ErrNotAtLoop, got %v", err)
	}
}

const inlineSrc = `
func inc(x)
  load x
  push 1
  add
  return
end

func twice(x)
  gload inc
  gload inc
  load x
  call 1
  call 1
  return
end
`

func TestOptimizerInlinesSmallCallees(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), inlineSrc)
	for i := 0; i < 3; i++ {
		mustCall(t, e, "twice", FromInt(int32(i)))
	}
	if err := e.ForceTierUp("twice", TierOptimized); err != nil {
		t.Fatal(err)
	}
	code := mustUnit(t, e, "twice").OptimizedCode()
	inc := mustUnit(t, e, "inc")
	if !slices.Contains(code.Inlined(), inc) {
		t.Fatal("Expected inc to be inlined")
	}
	if n := countOps(code, NCall); n != 0 {
		t.Errorf("Expected no generic calls, got %d", n)
	}
	before := inc.Invocations()
	expectInt(t, mustCall(t, e, "twice", FromInt(5)), 7)
	if inc.Invocations() != before {
		t.Error("inlined calls should not count as invocations")
	}
}

func TestOptimizerInliningDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableInlining = false
	e, _ := newTestEngine(t, cfg, inlineSrc)
	for i := 0; i < 3; i++ {
		mustCall(t, e, "twice", FromInt(int32(i)))
	}
	if err := e.ForceTierUp("twice", TierOptimized); err != nil {
		t.Fatal(err)
	}
	code := mustUnit(t, e, "twice").OptimizedCode()
	if len(code.Inlined()) != 0 {
		t.Errorf("Expected nothing inlined, got %v", code.Inlined())
	}
	expectInt(t, mustCall(t, e, "twice", FromInt(5)), 7)
}

func TestOptimizerInlinedDeoptRebuildsFrames(t *testing.T) {
	e, sink := newTestEngine(t, testConfig(), inlineSrc)
	for i := 0; i < 3; i++ {
		mustCall(t, e, "twice", FromInt(int32(i)))
	}
	if err := e.ForceTierUp("twice", TierOptimized); err != nil {
		t.Fatal(err)
	}
	// A float fails the check inside the inlined body.
	expectFloat(t, mustCall(t, e, "twice", FromFloat(0.5)), 2.5)
	ev, ok := findEvent(sink, EventDeopt, "twice")
	if !ok {
		t.Fatal("Expected a deopt")
	}
	if ev.Detail != "frames=2" {
		t.Errorf("Expected an inlined frame and its caller, got %s", ev.Detail)
	}
}

func TestOptimizerDisassemble(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	mustCall(t, e, "add", FromInt(1), FromInt(2))
	if err := e.ForceTierUp("add", TierOptimized); err != nil {
		t.Fatal(err)
	}
	out := mustUnit(t, e, "add").OptimizedCode().Disassemble()
	for _, want := range []string{"Int32Add", "Return"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly lacks %s:\n%s", want, out)
		}
	}
}

func TestParallelMovesBreakCycles(t *testing.T) {
	reg := func(r int32) *Node { return &Node{op: NVar, rep: RepTagged, reg: r} }
	l := &lowering{scratch: 10}
	// A three-register rotation plus a copy out of the cycle.
	l.moves([]Move{
		{Dst: 0, Src: reg(1)},
		{Dst: 1, Src: reg(2)},
		{Dst: 2, Src: reg(0)},
		{Dst: 3, Src: reg(0)},
		{Dst: 4, Src: reg(4)},
	})

	regs := make([]int, 11)
	for i := range regs {
		regs[i] = i * 10
	}
	for _, in := range l.instrs {
		if in.Op != MMove {
			t.Fatalf("unexpected op %s", in.Op)
		}
		regs[in.Dst] = regs[in.A]
	}
	want := []int{10, 20, 0, 0, 40}
	for i, w := range want {
		if regs[i] != w {
			t.Errorf("register %d: expected %d, got %d", i, w, regs[i])
		}
	}
	if len(l.instrs) != 5 {
		t.Errorf("Expected 5 moves for a rotation and a copy, got %d", len(l.instrs))
	}
}
