package vm

import (
	"testing"

	"github.com/chazu/tiervm/vm/wire"
)

func TestProfilesRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineThreshold = 3
	src := addSrc + sumSrc
	e1, _ := newTestEngine(t, cfg, src)
	for i := 0; i < 4; i++ {
		mustCall(t, e1, "add", FromInt(int32(i)), FromFloat(0.5))
	}
	mustCall(t, e1, "sum", FromInt(3))

	b := e1.ExportProfiles()
	if len(b.Profiles) != 2 || b.Version != wire.Version {
		t.Fatalf("Expected 2 profiles at version %d, got %d at %d", wire.Version, len(b.Profiles), b.Version)
	}
	data, err := wire.EncodeBundle(b)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := wire.DecodeBundle(data)
	if err != nil {
		t.Fatal(err)
	}

	e2, _ := newTestEngine(t, cfg, src)
	applied, skipped := e2.ImportProfiles(decoded)
	if applied != 2 || skipped != 0 {
		t.Fatalf("Expected 2 applied and 0 skipped, got %d and %d", applied, skipped)
	}

	st := mustUnit(t, e2, "add").Feedback().Slot(0).State()
	if st.Types != TypeSignedSmall|TypeFloat {
		t.Errorf("Expected seeded int and float types, got %08b", st.Types)
	}
	// add was warm when exported, sum was not.
	expectTier(t, e2, "add", TierBaseline)
	expectTier(t, e2, "sum", TierInterpreted)
	if mustUnit(t, e2, "add").Invocations() != 0 {
		t.Error("importing must not count invocations")
	}
}

func TestProfilesSkipChangedBytecode(t *testing.T) {
	e1, _ := newTestEngine(t, testConfig(), addSrc)
	mustCall(t, e1, "add", FromInt(1), FromInt(2))
	b := e1.ExportProfiles()

	// Same name, different body.
	e2, _ := newTestEngine(t, testConfig(), `
func add(a, b)
  load a
  load b
  sub
  return
end
`)
	applied, skipped := e2.ImportProfiles(b)
	if applied != 0 || skipped != 1 {
		t.Errorf("Expected 0 applied and 1 skipped, got %d and %d", applied, skipped)
	}
	if c := mustUnit(t, e2, "add").Feedback().Slot(0).State().Cardinality; c != Uninitialized {
		t.Errorf("feedback should be untouched, got %s", c)
	}
}

func TestProfilesSeedOptimizedCode(t *testing.T) {
	e1, _ := newTestEngine(t, testConfig(), sumSrc)
	mustCall(t, e1, "sum", FromInt(5))

	e2, sink := newTestEngine(t, testConfig(), sumSrc)
	e2.ImportProfiles(e1.ExportProfiles())
	if err := e2.ForceTierUp("sum", TierOptimized); err != nil {
		t.Fatal(err)
	}
	expectInt(t, mustCall(t, e2, "sum", FromInt(10)), 45)
	if n := sink.Count(EventDeopt, "sum"); n != 0 {
		t.Errorf("seeded feedback should be enough to run without deopts, got %d", n)
	}
}
