package vm

import (
	"strings"
	"testing"
)

func TestInterpreterSmallIntegerOverflow(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	v := mustCall(t, e, "add", FromInt(2147483647), FromInt(1))
	expectFloat(t, v, 2147483648)

	u := mustUnit(t, e, "add")
	st := u.Feedback().Slot(0).State()
	if !st.Types.Has(TypeFloat) {
		t.Errorf("an overflowing add should record float feedback, got types %08b", st.Types)
	}
}

func TestInterpreterDivisionIsFloat(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func div(a, b)
  load a
  load b
  div
  return
end
`)
	expectFloat(t, mustCall(t, e, "div", FromInt(7), FromInt(2)), 3.5)
	expectFloat(t, mustCall(t, e, "div", FromInt(6), FromInt(3)), 2)
}

func TestInterpreterModuloByZero(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func mod(a, b)
  load a
  load b
  mod
  return
end
`)
	expectInt(t, mustCall(t, e, "mod", FromInt(7), FromInt(3)), 1)
	_, err := e.Call("mod", FromInt(7), FromInt(0))
	le, ok := AsLangError(err)
	if !ok || le.Kind != RangeError {
		t.Fatalf("Expected RangeError, got %v", err)
	}
	// Float operands follow IEEE semantics instead.
	v := mustCall(t, e, "mod", FromFloat(7.5), FromInt(2))
	expectFloat(t, v, 1.5)
}

func TestInterpreterStringConcat(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func greet(n)
  push "item "
  load n
  add
  return
end
`)
	v := mustCall(t, e, "greet", FromInt(3))
	if s, ok := e.Str(v); !ok || s != "item 3" {
		t.Errorf("Expected %q, got %q", "item 3", e.Format(v))
	}
}

func TestInterpreterTypeError(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), addSrc)
	_, err := e.Call("add", Nil, FromInt(1))
	le, ok := AsLangError(err)
	if !ok || le.Kind != TypeError {
		t.Fatalf("Expected TypeError, got %v", err)
	}
}

func TestInterpreterHandlerCatchesThrow(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func safeThrow()
  handler body catch catch 0
body:
  push "boom"
  throw
catch:
  return
end
`)
	v := mustCall(t, e, "safeThrow")
	if s, ok := e.Str(v); !ok || s != "boom" {
		t.Errorf("Expected the thrown value, got %q", e.Format(v))
	}
}

func TestInterpreterHandlerReceivesErrorMessage(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func safe(a)
try:
  load a
  push 0
  mod
  return
catch:
  return
  handler try catch catch 0
end
`)
	v := mustCall(t, e, "safe", FromInt(1))
	s, ok := e.Str(v)
	if !ok || !strings.HasPrefix(s, "RangeError") {
		t.Errorf("Expected a RangeError message, got %q", e.Format(v))
	}
}

func TestInterpreterUncaughtThrow(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func fail()
  push 42
  throw
end
`)
	_, err := e.Call("fail")
	le, ok := AsLangError(err)
	if !ok || le.Kind != Thrown {
		t.Fatalf("Expected a thrown error, got %v", err)
	}
	expectInt(t, le.Value, 42)
}

func TestInterpreterUndefinedGlobal(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func g()
  gload missing
  return
end
`)
	_, err := e.Call("g")
	le, ok := AsLangError(err)
	if !ok || le.Kind != ReferenceError {
		t.Fatalf("Expected ReferenceError, got %v", err)
	}
}

func TestInterpreterObjectsAndArrays(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func point(x, y)
  local o
  newobj
  store o
  load o
  load x
  setprop x
  load o
  load y
  setprop y
  load o
  return
end

func getx(p)
  load p
  getprop x
  return
end

func third(a)
  load a
  push 2
  getindex
  return
end

func size(a)
  load a
  length
  return
end
`)
	p := mustCall(t, e, "point", FromInt(3), FromInt(4))
	expectInt(t, mustCall(t, e, "getx", p), 3)
	if got := e.Format(p); got != "{x: 3, y: 4}" {
		t.Errorf("Expected {x: 3, y: 4}, got %s", got)
	}

	arr := e.NewArray(FromInt(1), FromInt(2), FromInt(3))
	expectInt(t, mustCall(t, e, "third", arr), 3)
	expectInt(t, mustCall(t, e, "size", arr), 3)

	// Reading past the end yields nil.
	short := e.NewArray(FromInt(1))
	if v := mustCall(t, e, "third", short); v != Nil {
		t.Errorf("Expected nil, got %s", v)
	}
}

func TestInterpreterClosures(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), `
func outer()
  func inner(x)
    load x
    push 1
    add
    return
  end
  closure inner
  push 41
  call 1
  return
end
`)
	expectInt(t, mustCall(t, e, "outer"), 42)
	if n := len(e.Units()); n != 2 {
		t.Errorf("Expected 2 loaded units, got %d", n)
	}
}

func TestInterpreterRecordsBranchFeedback(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), sumSrc)
	mustCall(t, e, "sum", FromInt(3))
	u := mustUnit(t, e, "sum")

	var branch *SlotState
	for i := 0; i < u.Feedback().Len(); i++ {
		if s := u.Feedback().Slot(i); s.Kind() == SlotBranch {
			branch = s.State()
		}
	}
	if branch == nil {
		t.Fatal("sum has no branch slot")
	}
	if branch.Branch != BranchTaken|BranchNotTaken {
		t.Errorf("Expected both directions recorded, got %02b", branch.Branch)
	}
	if u.BackEdges() != 3 {
		t.Errorf("Expected 3 back-edges, got %d", u.BackEdges())
	}
}
