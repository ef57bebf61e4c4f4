package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// TierSelector: Hot function detection and promotion policy
// ---------------------------------------------------------------------------

// Decision is what the selector wants done for a function at a call.
type Decision uint8

const (
	DecideStay Decision = iota
	DecideBaseline
	DecideOptimize
	// DecideOptimizeNow asks for a synchronous compile, as requested by
	// OptimizeOnNextCall and OptimizeOSR.
	DecideOptimizeNow
)

func (d Decision) String() string {
	switch d {
	case DecideBaseline:
		return "baseline"
	case DecideOptimize:
		return "optimize"
	case DecideOptimizeNow:
		return "optimize-now"
	}
	return "stay"
}

// maxBackoffShift caps the back-off window at 64x the base.
const maxBackoffShift = 6

// requestKey identifies an in-flight promotion.
type requestKey struct {
	unit *FunctionUnit
	kind CompileKind
}

// TierSelector decides when functions move between tiers. Counts live on
// the FunctionUnit itself; the selector owns the thresholds, the back-off
// after deopts and the set of requests in flight.
type TierSelector struct {
	cfg Config

	mu       sync.Mutex
	inFlight map[requestKey]struct{}

	// Statistics
	baselinePromotions atomic.Uint64
	optimizeRequests   atomic.Uint64
	osrRequests        atomic.Uint64
	refused            atomic.Uint64
	disabled           atomic.Uint64
}

// NewTierSelector creates a selector with cfg's thresholds.
func NewTierSelector(cfg Config) *TierSelector {
	return &TierSelector{cfg: cfg, inFlight: make(map[requestKey]struct{})}
}

// OnInvocation counts one call of u and returns the promotion, if any, that
// is due.
func (s *TierSelector) OnInvocation(u *FunctionUnit) Decision {
	n := u.invocations.Add(1)
	if s.canOptimize(u) && u.optimized.Load() == nil {
		if u.takeFlag(flagOptimizeOnNextCall) {
			return DecideOptimizeNow
		}
		if n >= s.cfg.OptimizeThreshold && n >= u.backoffUntil.Load() && !s.pending(u, CompileOptimize) {
			return DecideOptimize
		}
	}
	if s.cfg.EnableBaseline && u.baseline.Load() == nil && n >= s.cfg.BaselineThreshold {
		return DecideBaseline
	}
	return DecideStay
}

// OnLoopBackEdge counts one back-edge of u and returns whether an OSR
// compile is due.
func (s *TierSelector) OnLoopBackEdge(u *FunctionUnit) Decision {
	n := u.backEdges.Add(1)
	if !s.cfg.EnableOSR || !s.canOptimize(u) || u.osrCode.Load() != nil {
		return DecideStay
	}
	if u.takeFlag(flagOSRRequested) {
		return DecideOptimizeNow
	}
	if n >= s.osrThreshold(u) && !s.pending(u, CompileOSR) {
		return DecideOptimize
	}
	return DecideStay
}

// osrThreshold grows with the back-off window so a loop that deoptimized
// runs longer in the lower tier before trying again.
func (s *TierSelector) osrThreshold(u *FunctionUnit) uint64 {
	k := u.deopts.Load()
	return s.cfg.OSRThreshold << min(k, maxBackoffShift)
}

func (s *TierSelector) canOptimize(u *FunctionUnit) bool {
	return s.cfg.EnableOptimizer && !u.NeverOptimize() && !u.Disposed()
}

// InBackoff reports whether u is still inside its post-deopt window.
func (s *TierSelector) InBackoff(u *FunctionUnit) bool {
	return u.invocations.Load() < u.backoffUntil.Load()
}

// RequestTierUp registers a promotion of u. It returns false when the same
// promotion is already in flight, when u cannot be optimized, or when u is
// backing off and the request is not forced.
func (s *TierSelector) RequestTierUp(u *FunctionUnit, kind CompileKind, forced bool) bool {
	if !s.canOptimize(u) {
		s.refused.Add(1)
		return false
	}
	if !forced && s.InBackoff(u) {
		s.refused.Add(1)
		return false
	}
	key := requestKey{u, kind}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[key]; ok {
		return false
	}
	s.inFlight[key] = struct{}{}
	if kind == CompileOSR {
		s.osrRequests.Add(1)
	} else {
		s.optimizeRequests.Add(1)
	}
	return true
}

// done clears an in-flight request once its compile has been handled.
func (s *TierSelector) done(u *FunctionUnit, kind CompileKind) {
	s.mu.Lock()
	delete(s.inFlight, requestKey{u, kind})
	s.mu.Unlock()
}

func (s *TierSelector) pending(u *FunctionUnit, kind CompileKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[requestKey{u, kind}]
	return ok
}

// OnBaselineInstalled records a baseline promotion.
func (s *TierSelector) OnBaselineInstalled(*FunctionUnit) {
	s.baselinePromotions.Add(1)
}

// OnDeopt applies the back-off after a deopt of u's optimized code. The k-th
// deopt delays the next optimization by BackoffInvocations << min(k-1, 6)
// invocations; beyond MaxDeopts the function is never optimized again. It
// reports whether u was disabled.
func (s *TierSelector) OnDeopt(u *FunctionUnit) bool {
	k := u.deopts.Add(1)
	u.backEdges.Store(0)
	if k > s.cfg.MaxDeopts {
		u.disable(fmt.Sprintf("deoptimized %d times", k))
		s.disabled.Add(1)
		return true
	}
	s.startBackoff(u)
	return false
}

// startBackoff opens the window for u's current deopt count without
// charging a deopt. A function that never deoptimized gets the base window.
func (s *TierSelector) startBackoff(u *FunctionUnit) {
	shift := min(max(u.deopts.Load(), 1)-1, maxBackoffShift)
	u.backoffUntil.Store(u.invocations.Load() + s.cfg.BackoffInvocations<<shift)
}

// reset forgets the back-off of u, used when its feedback is cleared.
func (s *TierSelector) reset(u *FunctionUnit) {
	u.backoffUntil.Store(0)
	u.backEdges.Store(0)
}

// SelectorStats summarizes the selector's decisions.
type SelectorStats struct {
	BaselinePromotions uint64
	OptimizeRequests   uint64
	OSRRequests        uint64
	Refused            uint64
	Disabled           uint64
	InFlight           int
}

// Stats returns the selector's counters.
func (s *TierSelector) Stats() SelectorStats {
	s.mu.Lock()
	inFlight := len(s.inFlight)
	s.mu.Unlock()
	return SelectorStats{
		BaselinePromotions: s.baselinePromotions.Load(),
		OptimizeRequests:   s.optimizeRequests.Load(),
		OSRRequests:        s.osrRequests.Load(),
		Refused:            s.refused.Load(),
		Disabled:           s.disabled.Load(),
		InFlight:           inFlight,
	}
}

func (s SelectorStats) String() string {
	return fmt.Sprintf("Tiering: %d baseline, %d optimize requests, %d OSR requests, %d refused, %d disabled, %d in flight",
		s.BaselinePromotions, s.OptimizeRequests, s.OSRRequests, s.Refused, s.Disabled, s.InFlight)
}
