package vm

import (
	"io"
	"testing"
)

const addSrc = `
func add(a, b)
  load a
  load b
  add
  return
end
`

const sumSrc = `
; sum of 0..n-1
func sum(n)
  local i, acc
  push 0
  store i
  push 0
  store acc
head:
  load i
  load n
  lt
  jf done
  load acc
  load i
  add
  store acc
  load i
  push 1
  add
  store i
  loop head
done:
  load acc
  return
end
`

// testConfig never tiers up on its own and compiles synchronously.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaselineThreshold = 1000
	cfg.OptimizeThreshold = 10000
	cfg.OSRThreshold = 100000
	cfg.ConcurrentCompilation = false
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, src string, opts ...Option) (*Engine, *RecordingSink) {
	t.Helper()
	sink := &RecordingSink{}
	opts = append([]Option{WithEventSink(sink), WithOutput(io.Discard)}, opts...)
	e, err := NewEngine(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	p, err := Assemble(src)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if err := e.Load(p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e, sink
}

func mustCall(t *testing.T, e *Engine, name string, args ...Value) Value {
	t.Helper()
	v, err := e.Call(name, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return v
}

func mustUnit(t *testing.T, e *Engine, name string) *FunctionUnit {
	t.Helper()
	u, err := e.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", name, err)
	}
	return u
}

func expectInt(t *testing.T, v Value, want int32) {
	t.Helper()
	if !v.IsInt() || v.Int() != want {
		t.Fatalf("Expected int %d, got %s", want, v)
	}
}

func expectFloat(t *testing.T, v Value, want float64) {
	t.Helper()
	if !v.IsFloat() || v.Float64() != want {
		t.Fatalf("Expected float %g, got %s", want, v)
	}
}

func expectTier(t *testing.T, e *Engine, name string, want TierState) {
	t.Helper()
	got, err := e.TierState(name)
	if err != nil {
		t.Fatalf("TierState(%s): %v", name, err)
	}
	if got != want {
		t.Fatalf("%s: expected tier %s, got %s", name, want, got)
	}
}

// findEvent returns the last event of kind for fn.
func findEvent(sink *RecordingSink, kind EventKind, fn string) (Event, bool) {
	events := sink.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind && events[i].Function == fn {
			return events[i], true
		}
	}
	return Event{}, false
}

// countOps counts machine instructions with operation op.
func countOps(code *CompiledCode, op NodeOp) int {
	n := 0
	for _, in := range code.instrs {
		if in.Op == MOp(op) {
			n++
		}
	}
	return n
}
