package vm

import (
	"errors"
	"fmt"
)

// Config holds the tiering policy and compiler limits of an Engine.
type Config struct {
	// Invocation counts that trigger promotion. Must satisfy
	// BaselineThreshold < OptimizeThreshold.
	BaselineThreshold uint64
	OptimizeThreshold uint64
	// Loop back-edges within one function that trigger on-stack replacement.
	// Must exceed OptimizeThreshold.
	OSRThreshold uint64

	// BackoffInvocations is the fresh-invocation window after the first
	// deopt; it doubles with each further deopt, up to 64x.
	BackoffInvocations uint64
	// MaxDeopts marks a function never-optimize once exceeded.
	MaxDeopts uint32

	EnableBaseline  bool
	EnableOptimizer bool
	EnableOSR       bool

	// ConcurrentCompilation runs the optimizing compiler on worker
	// goroutines. When false compilation happens synchronously at the
	// promotion point.
	ConcurrentCompilation bool
	CompilerWorkers       int
	QueueSize             int

	EnableInlining        bool
	MaxInlineBytecodeSize int
	MaxInlineDepth        int
	MaxPolymorphism       int

	// AllowNativesSyntax exposes the tiering control natives to guest code.
	AllowNativesSyntax bool

	// MaxCallDepth bounds guest recursion.
	MaxCallDepth int
}

// DefaultConfig returns the default tiering policy.
func DefaultConfig() Config {
	return Config{
		BaselineThreshold:     8,
		OptimizeThreshold:     100,
		OSRThreshold:          1000,
		BackoffInvocations:    50,
		MaxDeopts:             8,
		EnableBaseline:        true,
		EnableOptimizer:       true,
		EnableOSR:             true,
		ConcurrentCompilation: true,
		CompilerWorkers:       1,
		QueueSize:             64,
		EnableInlining:        true,
		MaxInlineBytecodeSize: 64,
		MaxInlineDepth:        2,
		MaxPolymorphism:       DefaultMaxPolymorphism,
		MaxCallDepth:          2000,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	if c.BaselineThreshold >= c.OptimizeThreshold {
		errs = append(errs, fmt.Errorf("baseline threshold %d must be below optimize threshold %d", c.BaselineThreshold, c.OptimizeThreshold))
	}
	if c.OptimizeThreshold >= c.OSRThreshold {
		errs = append(errs, fmt.Errorf("optimize threshold %d must be below OSR threshold %d", c.OptimizeThreshold, c.OSRThreshold))
	}
	if c.ConcurrentCompilation && c.CompilerWorkers < 1 {
		errs = append(errs, errors.New("concurrent compilation needs at least one worker"))
	}
	if c.ConcurrentCompilation && c.QueueSize < 1 {
		errs = append(errs, errors.New("queue size must be positive"))
	}
	if c.MaxPolymorphism < 1 {
		errs = append(errs, errors.New("max polymorphism must be positive"))
	}
	if c.MaxInlineDepth < 0 || c.MaxInlineBytecodeSize < 0 {
		errs = append(errs, errors.New("inlining limits must not be negative"))
	}
	if c.MaxCallDepth < 1 {
		errs = append(errs, errors.New("max call depth must be positive"))
	}
	return errors.Join(errs...)
}
