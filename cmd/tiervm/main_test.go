package main

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/tiervm/vm"
)

const addSrc = `
func add(a, b)
  load a
  load b
  add
  return
end
`

func newEngine(t *testing.T) *vm.Engine {
	t.Helper()
	cfg := vm.DefaultConfig()
	cfg.ConcurrentCompilation = false
	e, err := vm.NewEngine(cfg, vm.WithOutput(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestParseArg(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		word string
		want string
	}{
		{"nil", "nil"},
		{"true", "true"},
		{"42", "42"},
		{"-7", "-7"},
		{"2.5", "2.5"},
		{"3000000000", "3e+09"},
		{`"quoted words"`, "quoted words"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := e.Format(parseArg(e, tt.word)); got != tt.want {
			t.Errorf("parseArg(%q) = %q, want %q", tt.word, got, tt.want)
		}
	}
	if v := parseArg(e, "3000000000"); !v.IsFloat() {
		t.Error("integers outside the small range should become floats")
	}
}

func TestParseFields(t *testing.T) {
	msg, err := parseFields([]string{"function=add", "args=1,x,true", "tier=optimized", "buffer=8", "empty="})
	if err != nil {
		t.Fatal(err)
	}
	f := msg.GetFields()
	if f["function"].GetStringValue() != "add" || f["tier"].GetStringValue() != "optimized" {
		t.Errorf("unexpected string fields %v", msg)
	}
	if f["buffer"].GetNumberValue() != 8 {
		t.Errorf("Expected buffer 8, got %v", f["buffer"])
	}
	args := f["args"].GetListValue().GetValues()
	if len(args) != 3 || args[0].GetNumberValue() != 1 || args[1].GetStringValue() != "x" || !args[2].GetBoolValue() {
		t.Errorf("unexpected args %v", args)
	}
	if f["empty"].GetStringValue() != "" {
		t.Errorf("Expected an empty string, got %v", f["empty"])
	}

	if _, err := parseFields([]string{"novalue"}); err == nil {
		t.Error("Expected an error for a word without '='")
	}
}

func TestParseFieldsEmptyArgs(t *testing.T) {
	msg, err := parseFields([]string{"args="})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := msg.GetFields()["args"].GetKind().(*structpb.Value_ListValue); !ok {
		t.Error("args should always be a list")
	}
}

func TestPrintMessage(t *testing.T) {
	msg, _ := structpb.NewStruct(map[string]any{"kind": "deopt", "offset": 4})
	var buf bytes.Buffer
	if err := printMessage(&buf, msg, false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Count(out, "\n") != 1 || !strings.Contains(out, `"kind":"deopt"`) {
		t.Errorf("Expected one compact line, got %q", out)
	}
}

func TestAssembleFileReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tvm")
	if err := os.WriteFile(path, []byte("func f()\n  frobnicate\nend\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := assembleFile(path)
	if err == nil || !strings.HasPrefix(err.Error(), path+":2:") {
		t.Errorf("Expected an error at line 2, got %v", err)
	}
}

func TestPrintUnit(t *testing.T) {
	p := vm.MustAssemble(addSrc)
	var buf bytes.Buffer
	printUnit(&buf, p.Functions[0], 0)
	out := buf.String()
	if !strings.Contains(out, "LOAD_LOCAL 0") || !strings.Contains(out, "RETURN") {
		t.Errorf("Expected a disassembly, got:\n%s", out)
	}
}

func TestPrintStats(t *testing.T) {
	e := newEngine(t)
	if err := e.Load(vm.MustAssemble(addSrc)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1500; i++ {
		if _, err := e.Call("add", vm.FromInt(1), vm.FromInt(2)); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	printStats(&buf, e)
	out := buf.String()
	if !strings.Contains(out, "Calls:         1,500") {
		t.Errorf("Expected a humanized call count, got:\n%s", out)
	}
	if !strings.Contains(out, "add") || !strings.Contains(out, "FUNCTION") {
		t.Errorf("Expected a function table, got:\n%s", out)
	}
}

func TestTraceSink(t *testing.T) {
	var buf bytes.Buffer
	s := &traceSink{w: &buf, start: time.Now()}
	s.Emit(vm.Event{Kind: vm.EventTierTransition, Function: "add", From: vm.TierInterpreted, To: vm.TierOptimized})
	s.Emit(vm.Event{Kind: vm.EventDeopt, Function: "add", Offset: 4, Detail: "frames=1"})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if !strings.HasSuffix(lines[0], "add interpreted -> optimized") {
		t.Errorf("unexpected transition line %q", lines[0])
	}
	if !strings.Contains(lines[1], "@4 (frames=1)") {
		t.Errorf("unexpected deopt line %q", lines[1])
	}
}

func TestEngineFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiervm.toml")
	if err := os.WriteFile(path, []byte("[tiering]\nbaseline-threshold = 5\noptimize-threshold = 50\n"), 0644); err != nil {
		t.Fatal(err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	ef := addEngineFlags(fs)
	if err := fs.Parse([]string{"-config", path, "-optimize", "70", "-no-osr", "-v", "-1"}); err != nil {
		t.Fatal(err)
	}
	file, cfg, err := ef.load(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaselineThreshold != 5 || cfg.OptimizeThreshold != 70 {
		t.Errorf("thresholds = %d/%d, want 5/70", cfg.BaselineThreshold, cfg.OptimizeThreshold)
	}
	if cfg.EnableOSR {
		t.Error("-no-osr not applied")
	}
	if !cfg.EnableOptimizer {
		t.Error("unset flags must not override the file")
	}
	if file.Log.Verbosity != -1 {
		t.Errorf("verbosity = %d, want -1", file.Log.Verbosity)
	}
}

func TestExamples(t *testing.T) {
	cfg := vm.DefaultConfig()
	cfg.ConcurrentCompilation = false
	cfg.AllowNativesSyntax = true
	e, err := vm.NewEngine(cfg, vm.WithOutput(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if err := loadFile(e, filepath.Join("..", "..", "examples", "loop.tvm")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		v, err := e.Call("main", vm.FromInt(1000))
		if err != nil {
			t.Fatal(err)
		}
		if !v.IsInt() || v.Int() != 332833500 {
			t.Fatalf("Expected 332833500, got %s", v)
		}
	}

	other, err := vm.NewEngine(cfg, vm.WithOutput(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if err := loadFile(other, filepath.Join("..", "..", "examples", "deopt.tvm")); err != nil {
		t.Fatal(err)
	}
	if _, err := other.Call("main"); err != nil {
		t.Fatal(err)
	}
	if n := other.Stats().Deopts; n != 1 {
		t.Errorf("Expected the float argument to deopt once, got %d", n)
	}
}
