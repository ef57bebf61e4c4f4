package vm

import (
	"github.com/chazu/tiervm/vm/wire"
)

// ---------------------------------------------------------------------------
// Feedback profiles
// ---------------------------------------------------------------------------

// ExportProfiles captures the portable feedback of every loaded function.
func (e *Engine) ExportProfiles() *wire.Bundle {
	units := e.Units()
	b := &wire.Bundle{Version: wire.Version, Session: e.session.String()}
	for _, u := range units {
		b.Profiles = append(b.Profiles, exportProfile(u))
	}
	return b
}

func exportProfile(u *FunctionUnit) wire.Profile {
	p := wire.Profile{
		Function:    u.name,
		Hash:        u.hash,
		Invocations: u.Invocations(),
		Deopts:      u.Deopts(),
		Slots:       make([]wire.Slot, u.feedback.Len()),
	}
	for i := range p.Slots {
		st := u.feedback.Slot(i).State()
		p.Slots[i] = wire.Slot{
			Kind:        uint8(st.Kind),
			Cardinality: uint8(st.Cardinality),
			Types:       uint8(st.Types),
			Elements:    st.Elements,
			Branch:      st.Branch,
		}
	}
	return p
}

// ImportProfiles seeds feedback from a bundle. A profile applies only to a
// loaded function with the same name and bytecode hash. Functions that were
// warm when the profile was written get baseline code right away. It
// returns how many profiles were applied and how many skipped.
func (e *Engine) ImportProfiles(b *wire.Bundle) (applied, skipped int) {
	type key struct {
		name string
		hash [32]byte
	}
	byKey := make(map[key]*FunctionUnit)
	for _, u := range e.Units() {
		byKey[key{u.name, u.hash}] = u
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range b.Profiles {
		u, ok := byKey[key{p.Function, p.Hash}]
		if !ok || !u.feedback.seed(p.Slots) {
			skipped++
			continue
		}
		applied++
		if e.cfg.EnableBaseline && p.Invocations >= e.cfg.BaselineThreshold {
			e.tierUpBaseline(u)
		}
	}
	e.log.Infof("imported %d profiles, skipped %d", applied, skipped)
	return applied, skipped
}

// seed widens the vector with portable slot observations. It reports false,
// changing nothing, when the slot layout does not match.
func (v *FeedbackVector) seed(slots []wire.Slot) bool {
	if len(slots) != len(v.slots) {
		return false
	}
	for i, s := range slots {
		if SlotKind(s.Kind) != v.slots[i].kind {
			return false
		}
	}
	for i, s := range slots {
		switch SlotKind(s.Kind) {
		case SlotBinaryOp, SlotCompare:
			if s.Types != 0 {
				v.RecordTypes(i, TypeMask(s.Types))
			}
		case SlotBranch:
			if s.Branch&BranchTaken != 0 {
				v.RecordBranch(i, true)
			}
			if s.Branch&BranchNotTaken != 0 {
				v.RecordBranch(i, false)
			}
		case SlotKeyedLoad, SlotKeyedStore:
			if s.Elements != 0 {
				v.RecordElements(i, s.Elements)
			}
		default:
			if Cardinality(s.Cardinality) == Megamorphic {
				v.RecordGeneric(i)
			}
		}
	}
	return true
}
