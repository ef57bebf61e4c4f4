package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine.
var (
	ErrBadBytecode     = errors.New("malformed bytecode")
	ErrUnsupported     = errors.New("construct not supported by the optimizing compiler")
	ErrUnknownFunction = errors.New("unknown function")
	ErrNotAFunction    = errors.New("value is not a function")
	ErrNeverOptimize   = errors.New("function is marked never-optimize")
	ErrTierDisabled    = errors.New("tier disabled by configuration")
	ErrDisposed        = errors.New("function unit disposed")
	ErrQueueFull       = errors.New("compile queue full")
	ErrEngineClosed    = errors.New("engine closed")
	ErrNotAtLoop       = errors.New("no loop header at offset")
)

// ErrorKind classifies guest-visible errors.
type ErrorKind uint8

const (
	TypeError ErrorKind = iota
	RangeError
	ReferenceError
	Thrown // raised by the THROW instruction or a native
)

var errorKindNames = [...]string{"TypeError", "RangeError", "ReferenceError", "Error"}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "Error"
}

// LangError is an error observable by guest code. Exception handlers catch
// LangErrors; every other error unwinds to the host.
type LangError struct {
	Kind    ErrorKind
	Message string
	Value   Value // the thrown value for Thrown errors, a string otherwise
}

func (e *LangError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

func newTypeError(format string, args ...any) *LangError {
	return &LangError{Kind: TypeError, Message: fmt.Sprintf(format, args...), Value: Nil}
}

func newRangeError(format string, args ...any) *LangError {
	return &LangError{Kind: RangeError, Message: fmt.Sprintf(format, args...), Value: Nil}
}

func newReferenceError(name string) *LangError {
	return &LangError{Kind: ReferenceError, Message: name + " is not defined", Value: Nil}
}

// AsLangError reports whether err is (or wraps) a LangError.
func AsLangError(err error) (*LangError, bool) {
	var le *LangError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// CompileError reports why the optimizing compiler rejected a function.
type CompileError struct {
	Function string
	Offset   int // bytecode offset of the offending instruction, -1 if none
	Err      error
}

func (e *CompileError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("compile %s at %04d: %v", e.Function, e.Offset, e.Err)
	}
	return fmt.Sprintf("compile %s: %v", e.Function, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// InvariantViolation signals a broken engine invariant. It is raised with
// panic and never recovered by the engine: a deoptimization that cannot
// reconstruct state has no safe fallback.
type InvariantViolation struct {
	What string
}

func (e *InvariantViolation) Error() string {
	return "engine invariant violated: " + e.What
}

func invariantf(format string, args ...any) {
	panic(&InvariantViolation{What: fmt.Sprintf(format, args...)})
}
