package vm

import (
	"bytes"
	"testing"
)

func TestNativePrint(t *testing.T) {
	var out bytes.Buffer
	e, _ := newTestEngine(t, testConfig(), `
func hello()
  gload print
  push "hi"
  push 3
  call 2
  return
end
`, WithOutput(&out))
	if v := mustCall(t, e, "hello"); v != Nil {
		t.Errorf("print should return nil, got %s", v)
	}
	if got := out.String(); got != "hi 3\n" {
		t.Errorf("Expected %q, got %q", "hi 3\n", got)
	}
}

const mathSrc = `
func abs1(x)
  gload abs
  load x
  call 1
  return
end

func sqrt1(x)
  gload sqrt
  load x
  call 1
  return
end

func floor1(x)
  gload floor
  load x
  call 1
  return
end
`

func TestNativeMath(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), mathSrc)
	expectInt(t, mustCall(t, e, "abs1", FromInt(-4)), 4)
	expectFloat(t, mustCall(t, e, "abs1", FromFloat(-2.5)), 2.5)
	expectFloat(t, mustCall(t, e, "sqrt1", FromInt(16)), 4)
	expectFloat(t, mustCall(t, e, "floor1", FromFloat(2.7)), 2)

	_, err := e.Call("abs1", e.NewString("x"))
	le, ok := AsLangError(err)
	if !ok || le.Kind != TypeError {
		t.Errorf("Expected TypeError, got %v", err)
	}
}

func TestNativeMathInlined(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), mathSrc)
	mustCall(t, e, "sqrt1", FromFloat(2.25))
	if err := e.ForceTierUp("sqrt1", TierOptimized); err != nil {
		t.Fatal(err)
	}
	code := mustUnit(t, e, "sqrt1").OptimizedCode()
	if countOps(code, NCallNative) != 0 || countOps(code, NMathSqrt) != 1 {
		t.Errorf("Expected sqrt to be inlined:\n%s", code.Disassemble())
	}
	expectFloat(t, mustCall(t, e, "sqrt1", FromFloat(6.25)), 2.5)
}

const driverSrc = addSrc + `
func drive()
  gload optimizeOnNextCall
  gload add
  call 1
  pop
  gload add
  push 1
  push 2
  call 2
  pop
  gload getOptimizationStatus
  gload add
  call 1
  return
end

func self()
  gload getOptimizationStatus
  gload self
  call 1
  return
end
`

func TestDebugNativesNeedFlag(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), driverSrc)
	mustCall(t, e, "add", FromInt(1), FromInt(2))
	_, err := e.Call("drive")
	le, ok := AsLangError(err)
	if !ok || le.Kind != ReferenceError {
		t.Fatalf("Expected ReferenceError without natives syntax, got %v", err)
	}
}

func TestDebugNativesDriveTiering(t *testing.T) {
	cfg := testConfig()
	cfg.AllowNativesSyntax = true
	e, _ := newTestEngine(t, cfg, driverSrc)
	mustCall(t, e, "add", FromInt(1), FromInt(2))

	v := mustCall(t, e, "drive")
	if !v.IsInt() {
		t.Fatalf("Expected a status bitfield, got %s", v)
	}
	s := StatusFlags(v.Int())
	if !s.Has(StatusIsFunction | StatusOptimized) {
		t.Errorf("Expected add optimized, got %s", s)
	}
	if s.Has(StatusMarkedForOptimization) {
		t.Errorf("the optimize-on-next-call mark should be consumed, got %s", s)
	}
	expectTier(t, e, "add", TierOptimized)

	self := StatusFlags(mustCall(t, e, "self").Int())
	if !self.Has(StatusIsExecuting | StatusInterpreted) {
		t.Errorf("Expected a running interpreted function, got %s", self)
	}
	if self.Has(StatusTopmostFrameIsOptimized) {
		t.Errorf("self is not optimized, got %s", self)
	}
}

func TestDebugNativeRejectsNonFunction(t *testing.T) {
	cfg := testConfig()
	cfg.AllowNativesSyntax = true
	e, _ := newTestEngine(t, cfg, `
func bad()
  gload neverOptimize
  push 1
  call 1
  return
end
`)
	_, err := e.Call("bad")
	le, ok := AsLangError(err)
	if !ok || le.Kind != TypeError {
		t.Errorf("Expected TypeError, got %v", err)
	}
}

func TestOverwritingBuiltinInvalidatesProtector(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), mathSrc)
	mustCall(t, e, "sqrt1", FromFloat(2.25))
	if err := e.ForceTierUp("sqrt1", TierOptimized); err != nil {
		t.Fatal(err)
	}
	code := mustUnit(t, e, "sqrt1").OptimizedCode()
	found := false
	for _, d := range code.Dependencies() {
		if d.Kind == DepProtector && d.Protector == ProtectorBuiltinsIntact {
			found = true
		}
	}
	if !found {
		t.Fatalf("Expected a BuiltinsIntact dependency, got %v", code.Dependencies())
	}

	floor, err := e.LoadGlobal("floor")
	if err != nil {
		t.Fatal(err)
	}
	e.StoreGlobal("sqrt", floor)

	if e.Realm().Protectors().Get(ProtectorBuiltinsIntact).Intact() {
		t.Error("BuiltinsIntact should be invalidated")
	}
	if !code.Invalid() {
		t.Error("code depending on the protector should be invalidated")
	}
	expectFloat(t, mustCall(t, e, "sqrt1", FromFloat(6.25)), 6)
}
