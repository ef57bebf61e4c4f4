package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chazu/tiervm/config"
	"github.com/chazu/tiervm/profilecache"
	"github.com/chazu/tiervm/vm"
)

// runCommand handles `tiervm run` and `tiervm trace`.
func runCommand(args []string, trace bool) error {
	name := "run"
	if trace {
		name = "trace"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	ef := addEngineFlags(fs)
	repeat := fs.Int("repeat", 1, "Call the function this many times")
	stats := fs.Bool("stats", false, "Print engine statistics afterwards")
	showCode := fs.Bool("code", false, "Print optimized code of every optimized function afterwards")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tiervm %s [options] <file> [function] [args...]\n\nOptions:\n", name)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return flag.ErrHelp
	}

	file, cfg, err := ef.load(fs)
	if err != nil {
		return err
	}
	opts := []vm.Option{}
	if trace {
		opts = append(opts, vm.WithEventSink(&traceSink{w: os.Stdout, start: time.Now()}))
	}
	e, err := vm.NewEngine(cfg, opts...)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := loadFile(e, fs.Arg(0)); err != nil {
		return err
	}
	cache, err := openCache(file)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
		if file.Profiles.Load {
			applied, skipped, err := cache.Warm(context.Background(), e)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Warmed %d functions from %s (%d stale)\n", applied, cache.Path(), skipped)
		}
	}

	fn := "main"
	if fs.NArg() > 1 {
		fn = fs.Arg(1)
	}
	var callArgs []vm.Value
	if fs.NArg() > 2 {
		callArgs = parseArgs(e, fs.Args()[2:])
	}

	var result vm.Value
	for i := 0; i < *repeat; i++ {
		if result, err = e.Call(fn, callArgs...); err != nil {
			if le, ok := vm.AsLangError(err); ok {
				return fmt.Errorf("uncaught %s: %s", le.Kind, le.Message)
			}
			return err
		}
	}
	fmt.Println(e.Format(result))

	if *showCode {
		printOptimizedCode(os.Stdout, e)
	}
	if *stats {
		printStats(os.Stdout, e)
	}
	if cache != nil && file.Profiles.Save {
		if err := saveProfiles(cache, e); err != nil {
			return err
		}
	}
	return nil
}

// disasmCommand handles `tiervm disasm`.
func disasmCommand(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tiervm disasm <file> [function]\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return flag.ErrHelp
	}
	p, err := assembleFile(fs.Arg(0))
	if err != nil {
		return err
	}
	for _, u := range p.Functions {
		if fs.NArg() > 1 && u.Name() != fs.Arg(1) {
			continue
		}
		printUnit(os.Stdout, u, 0)
	}
	return nil
}

func printUnit(w io.Writer, u *vm.FunctionUnit, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%s  (%d bytes, hash %x)\n", indent, u, len(u.Code()), u.Hash())
	for _, line := range strings.Split(strings.TrimRight(u.Disassemble(), "\n"), "\n") {
		fmt.Fprintf(w, "%s  %s\n", indent, line)
	}
	for _, nested := range u.Meta().Functions {
		printUnit(w, nested, depth+1)
	}
	fmt.Fprintln(w)
}

func assembleFile(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := vm.Assemble(string(data))
	if err != nil {
		var asmErr *vm.AssembleError
		if errors.As(err, &asmErr) {
			return nil, fmt.Errorf("%s:%d: %s", path, asmErr.Line, asmErr.Msg)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func loadFile(e *vm.Engine, path string) error {
	p, err := assembleFile(path)
	if err != nil {
		return err
	}
	return e.Load(p)
}

// parseArgs turns command line words into guest values: nil, booleans,
// numbers and otherwise strings.
func parseArgs(e *vm.Engine, words []string) []vm.Value {
	vals := make([]vm.Value, len(words))
	for i, w := range words {
		vals[i] = parseArg(e, w)
	}
	return vals
}

func parseArg(e *vm.Engine, w string) vm.Value {
	switch w {
	case "nil":
		return vm.Nil
	case "true":
		return vm.True
	case "false":
		return vm.False
	}
	if n, err := strconv.ParseInt(w, 10, 64); err == nil {
		return vm.FromInt64(n)
	}
	if f, err := strconv.ParseFloat(w, 64); err == nil {
		return vm.FromFloat(f)
	}
	if s, err := strconv.Unquote(w); err == nil {
		return e.NewString(s)
	}
	return e.NewString(w)
}

func openCache(file *config.File) (*profilecache.Cache, error) {
	if !file.Profiles.Load && !file.Profiles.Save {
		return nil, nil
	}
	path := file.ProfileCachePath()
	if path == "" {
		return nil, nil
	}
	return profilecache.Open(path)
}

func saveProfiles(cache *profilecache.Cache, e *vm.Engine) error {
	n, err := cache.Persist(context.Background(), e)
	if err != nil {
		return err
	}
	size := "?"
	if fi, err := os.Stat(cache.Path()); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	fmt.Fprintf(os.Stderr, "Saved %d profiles to %s (%s)\n", n, cache.Path(), size)
	return nil
}

func printOptimizedCode(w io.Writer, e *vm.Engine) {
	for _, u := range e.Units() {
		code := u.OptimizedCode()
		if code == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s (optimized, %d instructions)\n", u.Name(), code.Len())
		fmt.Fprint(w, code.Disassemble())
	}
}

func printStats(w io.Writer, e *vm.Engine) {
	st := e.Stats()
	fmt.Fprintf(w, "\nEngine %s\n", e.Session())
	fmt.Fprintf(w, "  Calls:         %s\n", humanize.Comma(int64(st.Calls)))
	fmt.Fprintf(w, "  Installs:      %s (%s baseline)\n", humanize.Comma(int64(st.Installs)), humanize.Comma(int64(st.BaselineCompiles)))
	fmt.Fprintf(w, "  Deopts:        %s\n", humanize.Comma(int64(st.Deopts)))
	fmt.Fprintf(w, "  Invalidations: %s\n", humanize.Comma(int64(st.Invalidations)))
	fmt.Fprintf(w, "  OSR entries:   %s\n", humanize.Comma(int64(st.OSREntries)))
	fmt.Fprintf(w, "  Discarded:     %s\n", humanize.Comma(int64(st.Discarded)))
	fmt.Fprintf(w, "  Failures:      %s\n", humanize.Comma(int64(st.CompileFailures)))
	fmt.Fprintf(w, "  %s\n", st.Selector)
	fmt.Fprintf(w, "  %s\n\n", st.Queue)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tTIER\tCALLS\tLOOPS\tDEOPTS\tCODE\tSTATUS")
	for _, fi := range e.Functions() {
		status := fi.Status.String()
		if fi.Disabled != "" {
			status += " (" + fi.Disabled + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", fi.Name, fi.Tier,
			humanize.Comma(int64(fi.Invocations)), humanize.Comma(int64(fi.BackEdges)),
			fi.Deopts, fi.CodeSize, status)
	}
	tw.Flush()
}

// traceSink prints one line per engine event. Compile workers emit too.
type traceSink struct {
	mu    sync.Mutex
	w     io.Writer
	start time.Time
}

func (s *traceSink) Emit(ev vm.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%8s] %-17s %s", time.Since(s.start).Round(time.Microsecond), ev.Kind, ev.Function)
	switch ev.Kind {
	case vm.EventTierTransition:
		fmt.Fprintf(s.w, " %s -> %s", ev.From, ev.To)
	case vm.EventDeopt:
		fmt.Fprintf(s.w, " %s %s @%d", ev.DeoptKind, ev.Reason, ev.Offset)
	case vm.EventOSREntry:
		fmt.Fprintf(s.w, " @%d", ev.Offset)
	case vm.EventCompileFinished, vm.EventCompileFailed:
		fmt.Fprintf(s.w, " in %s", ev.Duration)
	}
	if ev.Detail != "" {
		fmt.Fprintf(s.w, " (%s)", ev.Detail)
	}
	fmt.Fprintln(s.w)
}
