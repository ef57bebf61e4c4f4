// tiervm - assemble and run programs on the tiered execution engine
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tiervm/config"
	"github.com/chazu/tiervm/vm"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCommand(args, false)
	case "trace":
		err = runCommand(args, true)
	case "disasm":
		err = disasmCommand(args)
	case "serve":
		err = serveCommand(args)
	case "ctl":
		err = ctlCommand(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tiervm <command> [options] ...\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run <file> [function] [args...]     Run a function (default main)\n")
	fmt.Fprintf(os.Stderr, "  trace <file> [function] [args...]   Run and print every tiering event\n")
	fmt.Fprintf(os.Stderr, "  disasm <file> [function]            Print bytecode\n")
	fmt.Fprintf(os.Stderr, "  serve [files...]                    Serve the control API (gRPC + Connect)\n")
	fmt.Fprintf(os.Stderr, "  ctl <procedure> [key=value...]      Call the control API\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  tiervm run -repeat 200 -stats examples/loop.tvm main 1000\n")
	fmt.Fprintf(os.Stderr, "  tiervm trace -natives examples/deopt.tvm\n")
	fmt.Fprintf(os.Stderr, "  tiervm serve -addr :7470 examples/loop.tvm\n")
	fmt.Fprintf(os.Stderr, "  tiervm ctl ForceTierUp function=add tier=optimized\n")
	fmt.Fprintf(os.Stderr, "  tiervm ctl WatchEvents function=add\n")
}

// engineFlags are the options shared by every command that builds an engine.
type engineFlags struct {
	configPath *string
	verbosity  *int
	logPath    *string
	baseline   *uint64
	optimize   *uint64
	osr        *uint64
	noBaseline *bool
	noOpt      *bool
	noOSR      *bool
	noInline   *bool
	sync       *bool
	natives    *bool
	profiles   *string
}

func addEngineFlags(fs *flag.FlagSet) *engineFlags {
	return &engineFlags{
		configPath: fs.String("config", "", "Path to tiervm.toml (default: search upwards from the working directory)"),
		verbosity:  fs.Int("v", 0, "Log verbosity (overrides [log].verbosity)"),
		logPath:    fs.String("log", "", "Log file (default stderr)"),
		baseline:   fs.Uint64("baseline", 0, "Baseline tier-up threshold"),
		optimize:   fs.Uint64("optimize", 0, "Optimization threshold"),
		osr:        fs.Uint64("osr", 0, "OSR back-edge threshold"),
		noBaseline: fs.Bool("no-baseline", false, "Disable the baseline tier"),
		noOpt:      fs.Bool("no-opt", false, "Disable the optimizing tier"),
		noOSR:      fs.Bool("no-osr", false, "Disable on-stack replacement"),
		noInline:   fs.Bool("no-inline", false, "Disable inlining"),
		sync:       fs.Bool("sync", false, "Compile on the calling goroutine"),
		natives:    fs.Bool("natives", false, "Allow the tiering debug natives in guest code"),
		profiles:   fs.String("profiles", "", "Profile cache database (overrides [profiles].cache)"),
	}
}

// load finds the configuration file and applies the flags that were set
// on the command line over it.
func (f *engineFlags) load(fs *flag.FlagSet) (*config.File, vm.Config, error) {
	var file *config.File
	var err error
	if *f.configPath != "" {
		file, err = config.LoadFile(*f.configPath)
	} else {
		file, err = config.FindAndLoad(".")
	}
	if err != nil {
		return nil, vm.Config{}, err
	}
	if file == nil {
		file = config.Default()
		if file.Dir, err = os.Getwd(); err != nil {
			return nil, vm.Config{}, err
		}
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "v":
			file.Log.Verbosity = *f.verbosity
		case "log":
			file.Log.Path = *f.logPath
		case "baseline":
			file.Tiering.BaselineThreshold = *f.baseline
		case "optimize":
			file.Tiering.OptimizeThreshold = *f.optimize
		case "osr":
			file.Tiering.OSRThreshold = *f.osr
		case "no-baseline":
			file.Tiers.Baseline = !*f.noBaseline
		case "no-opt":
			file.Tiers.Optimizer = !*f.noOpt
		case "no-osr":
			file.Tiers.OSR = !*f.noOSR
		case "no-inline":
			file.Compiler.Inlining = !*f.noInline
		case "sync":
			file.Compiler.Concurrent = !*f.sync
		case "natives":
			file.Tiers.NativesSyntax = *f.natives
		case "profiles":
			file.Profiles.Cache = *f.profiles
		}
	})

	configureLogging(file)
	cfg, err := file.EngineConfig()
	if err != nil {
		return nil, vm.Config{}, err
	}
	return file, cfg, nil
}

func configureLogging(file *config.File) {
	var path *string
	if file.Log.Path != "" {
		path = &file.Log.Path
	}
	commonlog.Configure(file.Log.Verbosity, path)
}
