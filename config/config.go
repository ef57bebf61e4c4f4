// Package config handles tiervm.toml engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/tiervm/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "tiervm.toml"

// File represents a tiervm.toml configuration.
type File struct {
	Tiering  Tiering  `toml:"tiering"`
	Tiers    Tiers    `toml:"tiers"`
	Compiler Compiler `toml:"compiler"`
	Runtime  Runtime  `toml:"runtime"`
	Log      Log      `toml:"log"`
	Profiles Profiles `toml:"profiles"`
	Server   Server   `toml:"server"`

	// Dir is the directory containing the tiervm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Tiering holds the promotion thresholds and deopt back-off.
type Tiering struct {
	BaselineThreshold  uint64 `toml:"baseline-threshold"`
	OptimizeThreshold  uint64 `toml:"optimize-threshold"`
	OSRThreshold       uint64 `toml:"osr-threshold"`
	BackoffInvocations uint64 `toml:"backoff-invocations"`
	MaxDeopts          uint32 `toml:"max-deopts"`
}

// Tiers switches individual tiers on and off.
type Tiers struct {
	Baseline      bool `toml:"baseline"`
	Optimizer     bool `toml:"optimizer"`
	OSR           bool `toml:"osr"`
	NativesSyntax bool `toml:"natives-syntax"`
}

// Compiler configures the optimizing compiler and its workers.
type Compiler struct {
	Concurrent      bool `toml:"concurrent"`
	Workers         int  `toml:"workers"`
	QueueSize       int  `toml:"queue-size"`
	Inlining        bool `toml:"inlining"`
	MaxInlineSize   int  `toml:"max-inline-size"`
	MaxInlineDepth  int  `toml:"max-inline-depth"`
	MaxPolymorphism int  `toml:"max-polymorphism"`
}

// Runtime holds interpreter limits.
type Runtime struct {
	MaxCallDepth int `toml:"max-call-depth"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Profiles configures the warm-start profile cache.
type Profiles struct {
	Cache string `toml:"cache"`
	Load  bool   `toml:"load"`
	Save  bool   `toml:"save"`
}

// Server configures the control API listener.
type Server struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() *File {
	c := vm.DefaultConfig()
	return &File{
		Tiering: Tiering{
			BaselineThreshold:  c.BaselineThreshold,
			OptimizeThreshold:  c.OptimizeThreshold,
			OSRThreshold:       c.OSRThreshold,
			BackoffInvocations: c.BackoffInvocations,
			MaxDeopts:          c.MaxDeopts,
		},
		Tiers: Tiers{
			Baseline:      c.EnableBaseline,
			Optimizer:     c.EnableOptimizer,
			OSR:           c.EnableOSR,
			NativesSyntax: c.AllowNativesSyntax,
		},
		Compiler: Compiler{
			Concurrent:      c.ConcurrentCompilation,
			Workers:         c.CompilerWorkers,
			QueueSize:       c.QueueSize,
			Inlining:        c.EnableInlining,
			MaxInlineSize:   c.MaxInlineBytecodeSize,
			MaxInlineDepth:  c.MaxInlineDepth,
			MaxPolymorphism: c.MaxPolymorphism,
		},
		Runtime:  Runtime{MaxCallDepth: c.MaxCallDepth},
		Log:      Log{Verbosity: 1},
		Profiles: Profiles{Cache: filepath.Join(".tiervm", "profiles.db")},
		Server:   Server{Addr: "localhost:7470"},
	}
}

// Load parses a tiervm.toml file from the given directory.
func Load(dir string) (*File, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses the configuration at path. Keys missing from the file
// keep their defaults; unknown keys are an error.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	f := Default()
	md, err := toml.Decode(string(data), f)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	f.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return f, nil
}

// FindAndLoad walks up from startDir to find a tiervm.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*File, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// EngineConfig maps the file onto a validated engine configuration.
func (f *File) EngineConfig() (vm.Config, error) {
	c := vm.Config{
		BaselineThreshold:     f.Tiering.BaselineThreshold,
		OptimizeThreshold:     f.Tiering.OptimizeThreshold,
		OSRThreshold:          f.Tiering.OSRThreshold,
		BackoffInvocations:    f.Tiering.BackoffInvocations,
		MaxDeopts:             f.Tiering.MaxDeopts,
		EnableBaseline:        f.Tiers.Baseline,
		EnableOptimizer:       f.Tiers.Optimizer,
		EnableOSR:             f.Tiers.OSR,
		AllowNativesSyntax:    f.Tiers.NativesSyntax,
		ConcurrentCompilation: f.Compiler.Concurrent,
		CompilerWorkers:       f.Compiler.Workers,
		QueueSize:             f.Compiler.QueueSize,
		EnableInlining:        f.Compiler.Inlining,
		MaxInlineBytecodeSize: f.Compiler.MaxInlineSize,
		MaxInlineDepth:        f.Compiler.MaxInlineDepth,
		MaxPolymorphism:       f.Compiler.MaxPolymorphism,
		MaxCallDepth:          f.Runtime.MaxCallDepth,
	}
	if err := c.Validate(); err != nil {
		return vm.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// ProfileCachePath returns the absolute path of the profile cache, or ""
// when the cache is disabled.
func (f *File) ProfileCachePath() string {
	p := f.Profiles.Cache
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.Dir, p)
}
