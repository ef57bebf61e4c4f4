package vm

import (
	"strings"
	"testing"
)

func selectorUnit(t *testing.T) *FunctionUnit {
	t.Helper()
	p := MustAssemble(addSrc)
	return p.Functions[0]
}

func TestSelectorThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineThreshold = 2
	cfg.OptimizeThreshold = 4
	cfg.OSRThreshold = 10
	s := NewTierSelector(cfg)
	u := selectorUnit(t)

	want := []Decision{DecideStay, DecideBaseline, DecideBaseline, DecideOptimize}
	for i, w := range want {
		if d := s.OnInvocation(u); d != w {
			t.Errorf("call %d: expected %s, got %s", i+1, w, d)
		}
	}
	if u.Invocations() != 4 {
		t.Errorf("Expected 4 invocations, got %d", u.Invocations())
	}
}

func TestSelectorOptimizerDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineThreshold = 1
	cfg.OptimizeThreshold = 2
	cfg.OSRThreshold = 3
	cfg.EnableOptimizer = false
	s := NewTierSelector(cfg)
	u := selectorUnit(t)
	for i := 0; i < 10; i++ {
		if d := s.OnInvocation(u); d == DecideOptimize || d == DecideOptimizeNow {
			t.Fatalf("call %d: optimizer is disabled but got %s", i+1, d)
		}
	}
}

func TestSelectorDedupesRequests(t *testing.T) {
	s := NewTierSelector(DefaultConfig())
	u := selectorUnit(t)

	if !s.RequestTierUp(u, CompileOptimize, false) {
		t.Fatal("first request should be accepted")
	}
	if s.RequestTierUp(u, CompileOptimize, false) {
		t.Error("duplicate request should be refused")
	}
	if !s.RequestTierUp(u, CompileOSR, false) {
		t.Error("an OSR request is a different promotion")
	}
	if got := s.Stats().InFlight; got != 2 {
		t.Errorf("Expected 2 in flight, got %d", got)
	}
	s.done(u, CompileOptimize)
	if !s.RequestTierUp(u, CompileOptimize, false) {
		t.Error("request should be accepted again once done")
	}
}

func TestSelectorPendingSuppressesOptimize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineThreshold = 1
	cfg.OptimizeThreshold = 2
	cfg.OSRThreshold = 3
	s := NewTierSelector(cfg)
	u := selectorUnit(t)
	s.OnInvocation(u)
	s.RequestTierUp(u, CompileOptimize, false)
	if d := s.OnInvocation(u); d == DecideOptimize {
		t.Error("an in-flight compile should not be requested again")
	}
}

func TestSelectorBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffInvocations = 50
	s := NewTierSelector(cfg)
	u := selectorUnit(t)
	u.invocations.Store(100)

	if s.OnDeopt(u) {
		t.Fatal("first deopt should not disable the function")
	}
	if got := u.backoffUntil.Load(); got != 150 {
		t.Errorf("Expected back-off until 150, got %d", got)
	}
	if !s.InBackoff(u) {
		t.Error("function should be backing off")
	}
	if s.RequestTierUp(u, CompileOptimize, false) {
		t.Error("unforced request during back-off should be refused")
	}
	if !s.RequestTierUp(u, CompileOptimize, true) {
		t.Error("forced request should bypass back-off")
	}
	s.done(u, CompileOptimize)

	// The window doubles with every deopt.
	s.OnDeopt(u)
	if got := u.backoffUntil.Load(); got != 200 {
		t.Errorf("Expected back-off until 200, got %d", got)
	}
	s.OnDeopt(u)
	if got := u.backoffUntil.Load(); got != 300 {
		t.Errorf("Expected back-off until 300, got %d", got)
	}
}

func TestSelectorRefusesUntilWindowElapses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffInvocations = 4
	s := NewTierSelector(cfg)
	u := selectorUnit(t)
	u.invocations.Store(10)
	s.OnDeopt(u)

	for n := 10; n < 14; n++ {
		if s.RequestTierUp(u, CompileOptimize, false) {
			t.Fatalf("invocation %d: request accepted inside the window", n)
		}
		u.invocations.Add(1)
	}
	if !s.RequestTierUp(u, CompileOptimize, false) {
		t.Error("request should be accepted once the window has elapsed")
	}
	if got := s.Stats().Refused; got != 4 {
		t.Errorf("Expected 4 refusals, got %d", got)
	}
}

func TestSelectorStartBackoffDoesNotCountDeopt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffInvocations = 50
	s := NewTierSelector(cfg)
	u := selectorUnit(t)
	u.invocations.Store(7)

	s.startBackoff(u)
	if got := u.backoffUntil.Load(); got != 57 {
		t.Errorf("Expected the base window, back-off until 57, got %d", got)
	}
	if u.Deopts() != 0 {
		t.Errorf("Expected no deopts charged, got %d", u.Deopts())
	}

	// After real deopts the window follows their count.
	s.OnDeopt(u)
	s.OnDeopt(u)
	s.startBackoff(u)
	if got := u.backoffUntil.Load(); got != 107 {
		t.Errorf("Expected back-off until 107, got %d", got)
	}
}

func TestSelectorBackoffIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffInvocations = 1
	cfg.MaxDeopts = 100
	s := NewTierSelector(cfg)
	u := selectorUnit(t)
	for i := 0; i < 20; i++ {
		s.OnDeopt(u)
	}
	if got := u.backoffUntil.Load(); got != 1<<maxBackoffShift {
		t.Errorf("Expected back-off capped at %d, got %d", 1<<maxBackoffShift, got)
	}
}

func TestSelectorDisablesAfterMaxDeopts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeopts = 2
	s := NewTierSelector(cfg)
	u := selectorUnit(t)

	if s.OnDeopt(u) || s.OnDeopt(u) {
		t.Fatal("function disabled too early")
	}
	if !s.OnDeopt(u) {
		t.Fatal("third deopt should disable the function")
	}
	if !u.NeverOptimize() {
		t.Error("function should be never-optimize")
	}
	if !strings.Contains(u.DisabledReason(), "deoptimized 3 times") {
		t.Errorf("unexpected disabled reason %q", u.DisabledReason())
	}
	if s.RequestTierUp(u, CompileOptimize, true) {
		t.Error("a disabled function cannot be promoted, even when forced")
	}
	if s.Stats().Disabled != 1 {
		t.Errorf("Expected 1 disabled, got %d", s.Stats().Disabled)
	}
}

func TestSelectorOSRThresholdGrowsWithDeopts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OSRThreshold = 4
	cfg.OptimizeThreshold = 2
	cfg.BaselineThreshold = 1
	s := NewTierSelector(cfg)
	u := selectorUnit(t)

	for i := 1; i <= 4; i++ {
		d := s.OnLoopBackEdge(u)
		if i < 4 && d != DecideStay {
			t.Errorf("back-edge %d: expected stay, got %s", i, d)
		}
		if i == 4 && d != DecideOptimize {
			t.Errorf("back-edge %d: expected optimize, got %s", i, d)
		}
	}

	// A deopt resets the count and doubles the threshold.
	s.OnDeopt(u)
	if u.BackEdges() != 0 {
		t.Errorf("Expected back-edges reset, got %d", u.BackEdges())
	}
	for i := 1; i <= 8; i++ {
		d := s.OnLoopBackEdge(u)
		if i < 8 && d != DecideStay {
			t.Errorf("back-edge %d after deopt: expected stay, got %s", i, d)
		}
		if i == 8 && d != DecideOptimize {
			t.Errorf("back-edge %d after deopt: expected optimize, got %s", i, d)
		}
	}
}

func TestSelectorOptimizeOnNextCall(t *testing.T) {
	s := NewTierSelector(DefaultConfig())
	u := selectorUnit(t)
	u.setFlag(flagOptimizeOnNextCall)
	if d := s.OnInvocation(u); d != DecideOptimizeNow {
		t.Errorf("Expected optimize-now, got %s", d)
	}
	if d := s.OnInvocation(u); d == DecideOptimizeNow {
		t.Error("the flag should be consumed by the first call")
	}
}
