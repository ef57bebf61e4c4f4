package vm

import (
	"fmt"
	"math"
)

// DeoptKind says when a deoptimization is triggered.
type DeoptKind uint8

const (
	// DeoptEager fires at a failed guard before the guarded operation.
	DeoptEager DeoptKind = iota
	// DeoptLazy fires at the next safepoint after code was invalidated.
	DeoptLazy
	// DeoptSoft fires where the compiler had no feedback to specialize on.
	DeoptSoft
)

var deoptKindNames = [...]string{"eager", "lazy", "soft"}

func (k DeoptKind) String() string {
	if int(k) < len(deoptKindNames) {
		return deoptKindNames[k]
	}
	return "unknown"
}

// DeoptReason explains why optimized code bailed out.
type DeoptReason uint8

const (
	ReasonNone DeoptReason = iota
	ReasonNotASmi
	ReasonNotANumber
	ReasonNotAString
	ReasonNotAnArray
	ReasonOverflow
	ReasonDivisionByZero
	ReasonWrongShape
	ReasonWrongCallTarget
	ReasonOutOfBounds
	ReasonInsufficientFeedback
	ReasonUnreachedBranch
	ReasonDependencyChanged
	ReasonLanguageError
	ReasonForced
	ReasonFeedbackCleared
)

var deoptReasonNames = [...]string{
	"none", "not a small integer", "not a number", "not a string", "not an array",
	"overflow", "division by zero", "wrong shape", "wrong call target", "out of bounds",
	"insufficient feedback", "unreached branch", "dependency changed", "language error", "forced", "feedback cleared",
}

func (r DeoptReason) String() string {
	if int(r) < len(deoptReasonNames) {
		return deoptReasonNames[r]
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Frame states
// ---------------------------------------------------------------------------

// LocationKind says how a value is stored in the optimized register file.
type LocationKind uint8

const (
	LocTagged LocationKind = iota
	LocInt32
	LocFloat64
	LocBool
	LocConstant
)

// Location is where one interpreter-visible value lives in optimized code.
type Location struct {
	Kind  LocationKind
	Index int32 // register index for LocTagged and raw kinds
	Const Value // for LocConstant
}

// TaggedAt returns a tagged register location.
func TaggedAt(i int) Location { return Location{Kind: LocTagged, Index: int32(i)} }

// ConstantLoc returns a constant location.
func ConstantLoc(v Value) Location { return Location{Kind: LocConstant, Const: v} }

// FrameState maps one interpreter frame onto the optimized register file at a
// deopt point. Inlined calls chain to the caller's state through Outer.
type FrameState struct {
	Unit *FunctionUnit
	// ResumePC is the bytecode offset the interpreter continues at.
	ResumePC int
	// PC is the offset of the instruction the frame is executing, used for
	// exception handler lookup and reporting.
	PC     int
	Locals []Location
	Stack  []Location
	// AwaitingResult marks a caller frame suspended in a call; the callee's
	// result is pushed onto its stack before it resumes.
	AwaitingResult bool
	Outer          *FrameState
}

// Depth returns the number of frames in the chain.
func (fs *FrameState) Depth() int {
	n := 0
	for s := fs; s != nil; s = s.Outer {
		n++
	}
	return n
}

// DeoptPoint describes one place optimized code can hand control back to the
// interpreter.
type DeoptPoint struct {
	ID     int
	PC     int // optimized instruction index
	Kind   DeoptKind
	Reason DeoptReason
	State  *FrameState // innermost frame
}

// Registers is the optimized register file: tagged values and raw machine
// words (int32, float64 bits, bool).
type Registers struct {
	Tagged []Value
	Raw    []uint64
}

func (r *Registers) materialize(loc Location) (Value, error) {
	switch loc.Kind {
	case LocConstant:
		return loc.Const, nil
	case LocTagged:
		if int(loc.Index) >= len(r.Tagged) || loc.Index < 0 {
			return Nil, fmt.Errorf("tagged register %d out of range", loc.Index)
		}
		return r.Tagged[loc.Index], nil
	}
	if int(loc.Index) >= len(r.Raw) || loc.Index < 0 {
		return Nil, fmt.Errorf("raw register %d out of range", loc.Index)
	}
	raw := r.Raw[loc.Index]
	switch loc.Kind {
	case LocInt32:
		return FromInt(int32(uint32(raw))), nil
	case LocFloat64:
		return FromFloat(math.Float64frombits(raw)), nil
	case LocBool:
		return Bool(raw != 0), nil
	}
	return Nil, fmt.Errorf("unknown location kind %d", loc.Kind)
}

// Reconstruct rebuilds the interpreter frames described by dp from the
// register file. Frames are returned innermost first. It does not modify regs.
func Reconstruct(dp *DeoptPoint, regs *Registers) ([]*Frame, error) {
	if dp == nil || dp.State == nil {
		return nil, fmt.Errorf("deopt point has no frame state")
	}
	var frames []*Frame
	for fs := dp.State; fs != nil; fs = fs.Outer {
		u := fs.Unit
		if u == nil {
			return nil, fmt.Errorf("deopt %d: frame state without function", dp.ID)
		}
		if len(fs.Locals) != u.meta.NumLocals {
			return nil, fmt.Errorf("deopt %d: %s expects %d locals, state has %d", dp.ID, u.name, u.meta.NumLocals, len(fs.Locals))
		}
		if fs.ResumePC < 0 || fs.ResumePC >= len(u.code) {
			return nil, fmt.Errorf("deopt %d: resume offset %d outside %s", dp.ID, fs.ResumePC, u.name)
		}
		f := &Frame{
			Unit:           u,
			IP:             fs.ResumePC,
			PC:             fs.PC,
			Locals:         make([]Value, len(fs.Locals)),
			Stack:          make([]Value, len(fs.Stack), u.maxStack+1),
			AwaitingResult: fs.AwaitingResult,
		}
		for i, loc := range fs.Locals {
			v, err := regs.materialize(loc)
			if err != nil {
				return nil, fmt.Errorf("deopt %d: %s local %d: %w", dp.ID, u.name, i, err)
			}
			f.Locals[i] = v
		}
		for i, loc := range fs.Stack {
			v, err := regs.materialize(loc)
			if err != nil {
				return nil, fmt.Errorf("deopt %d: %s stack %d: %w", dp.ID, u.name, i, err)
			}
			f.Stack[i] = v
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// ---------------------------------------------------------------------------
// Deoptimizer
// ---------------------------------------------------------------------------

// deoptState tracks an activation through deoptimization.
type deoptState uint8

const (
	deoptRunning deoptState = iota
	deoptTrapped
	deoptReconstructing
	deoptResumed
)

// Deoptimizer turns a trapped optimized activation back into interpreter
// frames and splices them into the activation stack.
type Deoptimizer struct {
	e *Engine
}

// deoptimize reconstructs the frames of act at dp, replaces act on the
// activation stack and applies the tiering consequences. The returned frames
// are innermost first and already pushed. reason overrides dp.Reason for lazy
// deopts, whose cause is only known at run time.
func (d *Deoptimizer) deoptimize(act *optActivation, dp *DeoptPoint, reason DeoptReason) []*Frame {
	e := d.e
	act.state = deoptTrapped
	code := act.code

	act.state = deoptReconstructing
	frames, err := Reconstruct(dp, &act.regs)
	if err != nil {
		invariantf("deoptimizing %s: %v", code.unit.name, err)
	}
	e.splice(act, frames)
	act.leave()
	act.state = deoptResumed

	e.stats.deopts.Add(1)
	e.events.Emit(Event{
		Kind:      EventDeopt,
		Session:   e.session,
		Function:  code.unit.name,
		DeoptKind: dp.Kind,
		Reason:    reason,
		Offset:    dp.State.PC,
		Detail:    fmt.Sprintf("frames=%d", len(frames)),
	})
	e.log.Debugf("deopt %s (%s, %s) at %04d", code.unit.name, dp.Kind, reason, dp.State.PC)

	// Discard the code and back off before the function is optimized again.
	e.uninstall(code, reason)
	e.noteDeopt(code)
	return frames
}
