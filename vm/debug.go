package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Tiering controls for tests and tools
// ---------------------------------------------------------------------------

// StatusFlags describes a function's optimization state, in the manner of
// a %GetOptimizationStatus bitfield.
type StatusFlags uint32

const (
	StatusIsFunction StatusFlags = 1 << iota
	StatusNeverOptimize
	StatusMaybeDeopted
	StatusOptimized
	StatusInterpreted
	StatusBaseline
	StatusMarkedForOptimization
	StatusOptimizingConcurrently
	StatusIsExecuting
	StatusTopmostFrameIsOptimized
	StatusMarkedForDeoptimization
	StatusHasOSRCode
	StatusPrepared
	StatusDisposed
)

var statusNames = [...]string{
	"function", "never-optimize", "maybe-deopted", "optimized", "interpreted",
	"baseline", "marked-for-optimization", "optimizing-concurrently", "executing",
	"topmost-optimized", "marked-for-deoptimization", "osr", "prepared", "disposed",
}

func (s StatusFlags) Has(f StatusFlags) bool { return s&f == f }

func (s StatusFlags) String() string {
	var parts []string
	for i, name := range statusNames {
		if s&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// withUnit runs fn on the function named name with the execution lock held.
func (e *Engine) withUnit(name string, fn func(u *FunctionUnit) error) error {
	u, err := e.Lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return fn(u)
}

// ForceTierUp compiles name for tier synchronously and installs it.
func (e *Engine) ForceTierUp(name string, tier TierState) error {
	return e.withUnit(name, func(u *FunctionUnit) error { return e.forceTierUp(u, tier) })
}

func (e *Engine) forceTierUp(u *FunctionUnit, tier TierState) error {
	switch tier {
	case TierInterpreted:
		e.forceDeopt(u, ReasonForced)
		u.baseline.Store(nil)
		e.settleTier(u)
		return nil
	case TierBaseline:
		return e.tierUpBaseline(u)
	case TierOptimized:
		return e.compileNow(u, CompileOptimize, 0)
	case TierOptimizedOSR:
		if len(u.loopHeaders) == 0 {
			return &CompileError{Function: u.name, Offset: -1, Err: ErrNotAtLoop}
		}
		return e.compileNow(u, CompileOSR, u.loopHeaders[0])
	}
	return fmt.Errorf("unknown tier %d", tier)
}

// compileNow runs a forced synchronous compile and reports why nothing was
// installed, if so.
func (e *Engine) compileNow(u *FunctionUnit, kind CompileKind, offset int) error {
	if !e.cfg.EnableOptimizer {
		return ErrTierDisabled
	}
	if u.Disposed() {
		return ErrDisposed
	}
	if u.NeverOptimize() {
		return ErrNeverOptimize
	}
	e.pollInstalls()
	if err := e.requestOptimize(u, kind, offset, true, true); err != nil {
		return err
	}
	if kind == CompileOSR && u.osrCode.Load() == nil || kind == CompileOptimize && u.optimized.Load() == nil {
		return fmt.Errorf("%s: %s compile already in flight", u.name, kind)
	}
	return nil
}

// ForceDeopt discards name's optimized code and starts its back-off
// window without counting a deopt. Activations running it
// deoptimize at their next safepoint.
func (e *Engine) ForceDeopt(name string) error {
	return e.withUnit(name, func(u *FunctionUnit) error {
		e.forceDeopt(u, ReasonForced)
		return nil
	})
}

func (e *Engine) forceDeopt(u *FunctionUnit, reason DeoptReason) {
	dropped := false
	for _, code := range []*CompiledCode{u.optimized.Load(), u.osrCode.Load()} {
		if code == nil {
			continue
		}
		code.invalidate(reason)
		e.uninstall(code, reason)
		dropped = true
	}
	if dropped && reason == ReasonForced {
		e.selector.startBackoff(u)
	}
}

// ClearFeedback forgets everything learned about name and discards code
// compiled from it.
func (e *Engine) ClearFeedback(name string) error {
	return e.withUnit(name, func(u *FunctionUnit) error {
		e.clearFeedback(u)
		return nil
	})
}

func (e *Engine) clearFeedback(u *FunctionUnit) {
	u.feedback.Clear()
	e.forceDeopt(u, ReasonFeedbackCleared)
	e.selector.reset(u)
	e.events.Emit(Event{Kind: EventInvalidation, Session: e.session, Function: u.name, Reason: ReasonFeedbackCleared, Detail: "feedback cleared"})
}

// OptimizeOnNextCall compiles name synchronously when it is next called.
func (e *Engine) OptimizeOnNextCall(name string) error {
	return e.withUnit(name, e.optimizeOnNextCall)
}

func (e *Engine) optimizeOnNextCall(u *FunctionUnit) error {
	if !e.cfg.EnableOptimizer {
		return ErrTierDisabled
	}
	if u.NeverOptimize() {
		return ErrNeverOptimize
	}
	u.setFlag(flagOptimizeOnNextCall)
	return nil
}

// PrepareForOptimization marks name as a candidate for the optimizer and
// clears any back-off.
func (e *Engine) PrepareForOptimization(name string) error {
	return e.withUnit(name, func(u *FunctionUnit) error {
		e.prepareForOptimization(u)
		return nil
	})
}

func (e *Engine) prepareForOptimization(u *FunctionUnit) {
	u.setFlag(flagPrepared)
	u.backoffUntil.Store(0)
}

// NeverOptimize excludes name from optimization.
func (e *Engine) NeverOptimize(name string) error {
	return e.withUnit(name, func(u *FunctionUnit) error {
		e.neverOptimize(u)
		return nil
	})
}

func (e *Engine) neverOptimize(u *FunctionUnit) {
	u.disable("never-optimize requested")
	e.forceDeopt(u, ReasonForced)
}

// OptimizeOSR compiles name for on-stack replacement at its next loop
// back-edge.
func (e *Engine) OptimizeOSR(name string) error {
	return e.withUnit(name, e.optimizeOSR)
}

func (e *Engine) optimizeOSR(u *FunctionUnit) error {
	if !e.cfg.EnableOptimizer || !e.cfg.EnableOSR {
		return ErrTierDisabled
	}
	if u.NeverOptimize() {
		return ErrNeverOptimize
	}
	if len(u.loopHeaders) == 0 {
		return &CompileError{Function: u.name, Offset: -1, Err: ErrNotAtLoop}
	}
	u.setFlag(flagOSRRequested)
	return nil
}

// DeoptimizeNow asks the innermost optimized activation to deoptimize at
// its next safepoint. It is meant for natives running inside optimized
// code, and reports whether there was an activation to mark.
func (e *Engine) DeoptimizeNow() bool {
	return e.deoptimizeNow()
}

func (e *Engine) deoptimizeNow() bool {
	for i := len(e.stack) - 1; i >= 0; i-- {
		if act := e.stack[i].opt; act != nil {
			act.deoptRequested.Store(true)
			return true
		}
	}
	return false
}

// TierState returns the tier installed for name.
func (e *Engine) TierState(name string) (TierState, error) {
	u, err := e.Lookup(name)
	if err != nil {
		return TierInterpreted, err
	}
	return u.Tier(), nil
}

// IsTierState reports whether name currently runs in tier.
func (e *Engine) IsTierState(name string, tier TierState) bool {
	t, err := e.TierState(name)
	return err == nil && t == tier
}

// OptimizationStatus returns the status bitfield of name.
func (e *Engine) OptimizationStatus(name string) (StatusFlags, error) {
	var s StatusFlags
	err := e.withUnit(name, func(u *FunctionUnit) error {
		s = e.optimizationStatus(u)
		return nil
	})
	return s, err
}

func (e *Engine) optimizationStatus(u *FunctionUnit) StatusFlags {
	s := StatusIsFunction
	switch u.Tier() {
	case TierInterpreted:
		s |= StatusInterpreted
	case TierBaseline:
		s |= StatusBaseline
	case TierOptimized:
		s |= StatusOptimized
	}
	if u.osrCode.Load() != nil {
		s |= StatusHasOSRCode
	}
	if u.NeverOptimize() {
		s |= StatusNeverOptimize
	}
	if u.Deopts() > 0 {
		s |= StatusMaybeDeopted
	}
	if u.hasFlag(flagOptimizeOnNextCall) {
		s |= StatusMarkedForOptimization
	}
	if e.selector.pending(u, CompileOptimize) || e.selector.pending(u, CompileOSR) {
		s |= StatusOptimizingConcurrently
	}
	if u.hasFlag(flagMarkedForDeopt) {
		s |= StatusMarkedForDeoptimization
	}
	if u.hasFlag(flagPrepared) {
		s |= StatusPrepared
	}
	if u.Disposed() {
		s |= StatusDisposed
	}
	for i := len(e.stack) - 1; i >= 0; i-- {
		a := e.stack[i]
		if a.opt != nil && a.opt.code.unit == u || a.frame != nil && a.frame.Unit == u {
			s |= StatusIsExecuting
			if i == len(e.stack)-1 && a.opt != nil {
				s |= StatusTopmostFrameIsOptimized
			}
			break
		}
	}
	return s
}

// FunctionInfo summarizes one function's tiering state.
type FunctionInfo struct {
	Name        string
	Tier        TierState
	Invocations uint64
	BackEdges   uint64
	Deopts      uint32
	Status      StatusFlags
	Disabled    string
	CodeSize    int
}

// Functions lists the loaded functions.
func (e *Engine) Functions() []FunctionInfo {
	units := e.Units()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FunctionInfo, 0, len(units))
	for _, u := range units {
		info := FunctionInfo{
			Name:        u.name,
			Tier:        u.Tier(),
			Invocations: u.Invocations(),
			BackEdges:   u.BackEdges(),
			Deopts:      u.Deopts(),
			Status:      e.optimizationStatus(u),
			Disabled:    u.DisabledReason(),
		}
		if code := u.optimized.Load(); code != nil {
			info.CodeSize = code.Len()
		}
		out = append(out, info)
	}
	return out
}
