package vm

import (
	"testing"
)

const paritySrc = `
func fib(n)
  load n
  push 2
  lt
  jf rec
  load n
  return
rec:
  gload fib
  load n
  push 1
  sub
  call 1
  gload fib
  load n
  push 2
  sub
  call 1
  add
  return
end

func safeDiv(a, b)
  handler body catch catch 0
body:
  load a
  load b
  mod
  return
catch:
  pop
  push -1
  return
end

func build(n)
  local arr, i
  newarray 0
  store arr
  push 0
  store i
head:
  load i
  load n
  lt
  jf done
  load arr
  load i
  load i
  load i
  mul
  setindex
  load i
  push 1
  add
  store i
  loop head
done:
  load arr
  return
end
`

func TestBaselineMatchesInterpreter(t *testing.T) {
	interp := testConfig()
	interp.EnableBaseline = false
	base := testConfig()
	base.BaselineThreshold = 1

	ei, _ := newTestEngine(t, interp, paritySrc)
	eb, _ := newTestEngine(t, base, paritySrc)

	cases := []struct {
		fn   string
		args []Value
	}{
		{"fib", []Value{FromInt(15)}},
		{"safeDiv", []Value{FromInt(17), FromInt(5)}},
		{"safeDiv", []Value{FromInt(17), FromInt(0)}},
		{"safeDiv", []Value{FromFloat(7.5), FromInt(2)}},
		{"build", []Value{FromInt(6)}},
	}
	for _, c := range cases {
		vi := mustCall(t, ei, c.fn, c.args...)
		vb := mustCall(t, eb, c.fn, c.args...)
		if gi, gb := ei.Format(vi), eb.Format(vb); gi != gb {
			t.Errorf("%s%v: interpreter %s, baseline %s", c.fn, c.args, gi, gb)
		}
	}

	expectTier(t, eb, "fib", TierBaseline)
	expectTier(t, ei, "fib", TierInterpreted)
	expectInt(t, mustCall(t, eb, "fib", FromInt(10)), 55)
	if got := eb.Format(mustCall(t, eb, "build", FromInt(4))); got != "[0, 1, 4, 9]" {
		t.Errorf("Expected [0, 1, 4, 9], got %s", got)
	}
}

func TestBaselineRecordsFeedback(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineThreshold = 1
	e, _ := newTestEngine(t, cfg, addSrc)
	mustCall(t, e, "add", FromInt(1), FromInt(2))
	mustCall(t, e, "add", FromFloat(1.5), FromInt(2))

	st := mustUnit(t, e, "add").Feedback().Slot(0).State()
	if st.Types != TypeSignedSmall|TypeFloat {
		t.Errorf("Expected int and float feedback, got %08b", st.Types)
	}
	if st.Cardinality != Polymorphic {
		t.Errorf("Expected polymorphic, got %s", st.Cardinality)
	}
}

func TestForceTierUpBaselineAndBack(t *testing.T) {
	e, sink := newTestEngine(t, testConfig(), addSrc)
	if err := e.ForceTierUp("add", TierBaseline); err != nil {
		t.Fatal(err)
	}
	expectTier(t, e, "add", TierBaseline)
	expectInt(t, mustCall(t, e, "add", FromInt(1), FromInt(2)), 3)

	if err := e.ForceTierUp("add", TierInterpreted); err != nil {
		t.Fatal(err)
	}
	expectTier(t, e, "add", TierInterpreted)
	if n := sink.Count(EventTierTransition, "add"); n != 2 {
		t.Errorf("Expected 2 transitions, got %d", n)
	}
}
