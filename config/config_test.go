package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/tiervm/vm"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[tiering]
baseline-threshold = 4
optimize-threshold = 40
osr-threshold = 400
max-deopts = 3

[tiers]
osr = false
natives-syntax = true

[compiler]
concurrent = false
inlining = false

[log]
verbosity = 2

[profiles]
cache = "cache/p.db"
load = true

[server]
addr = ":9000"
`)

	f, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg, err := f.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig failed: %v", err)
	}

	if cfg.BaselineThreshold != 4 || cfg.OptimizeThreshold != 40 || cfg.OSRThreshold != 400 {
		t.Errorf("thresholds = %d/%d/%d, want 4/40/400", cfg.BaselineThreshold, cfg.OptimizeThreshold, cfg.OSRThreshold)
	}
	if cfg.MaxDeopts != 3 {
		t.Errorf("max deopts = %d, want 3", cfg.MaxDeopts)
	}
	if cfg.EnableOSR || !cfg.AllowNativesSyntax {
		t.Error("tier switches not applied")
	}
	if !cfg.EnableBaseline || !cfg.EnableOptimizer {
		t.Error("unset switches should keep their defaults")
	}
	if cfg.ConcurrentCompilation || cfg.EnableInlining {
		t.Error("compiler switches not applied")
	}
	if cfg.BackoffInvocations != vm.DefaultConfig().BackoffInvocations {
		t.Errorf("backoff = %d, want default", cfg.BackoffInvocations)
	}
	if f.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", f.Log.Verbosity)
	}
	if f.Server.Addr != ":9000" {
		t.Errorf("server addr = %q, want :9000", f.Server.Addr)
	}
	abs, _ := filepath.Abs(dir)
	if got := f.ProfileCachePath(); got != filepath.Join(abs, "cache", "p.db") {
		t.Errorf("cache path = %q", got)
	}
	if !f.Profiles.Load || f.Profiles.Save {
		t.Error("profile switches not applied")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	f, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg, err := f.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig failed: %v", err)
	}
	if cfg != vm.DefaultConfig() {
		t.Errorf("empty file should give the default config, got %+v", cfg)
	}
}

func TestLoadConfigUnknownKey(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[tiering]
baseline-treshold = 4
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "tiering.baseline-treshold") {
		t.Errorf("Expected an unknown key error, got %v", err)
	}
}

func TestLoadConfigParseError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[tiering\n")
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("Expected a parse error, got %v", err)
	}
}

func TestEngineConfigValidates(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[tiering]
baseline-threshold = 50
optimize-threshold = 10
`)
	f, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.EngineConfig(); err == nil || !strings.Contains(err.Error(), "must be below") {
		t.Errorf("Expected a threshold error, got %v", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[server]\naddr = \":1234\"\n")
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	f, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if f == nil {
		t.Fatal("Expected to find the config in a parent directory")
	}
	if f.Server.Addr != ":1234" {
		t.Errorf("server addr = %q, want :1234", f.Server.Addr)
	}
	abs, _ := filepath.Abs(root)
	if f.Dir != abs {
		t.Errorf("dir = %q, want %q", f.Dir, abs)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected a not-exist error, got %v", err)
	}
}

func TestExampleConfig(t *testing.T) {
	f, err := LoadFile(filepath.Join("..", "examples", FileName))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if _, err := f.EngineConfig(); err != nil {
		t.Errorf("example config is invalid: %v", err)
	}
	if f.Compiler.Workers != 2 || !f.Profiles.Save {
		t.Errorf("unexpected example values %+v", f.Compiler)
	}
}
