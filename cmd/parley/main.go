// Parley CLI - runs, inspects and serves compiled dialogue programs
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/parley/manifest"
	"github.com/chazu/parley/pkg/bytecode"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	debug := flag.Bool("debug", false, "Trace every instruction")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: parley [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Runs, inspects and serves compiled dialogue programs.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run [program]     Play a dialogue in the terminal\n")
		fmt.Fprintf(os.Stderr, "  disasm [program]  Print a program listing\n")
		fmt.Fprintf(os.Stderr, "  pack [program]    Convert a program to the native format\n")
		fmt.Fprintf(os.Stderr, "  serve             Start the dialogue server (gRPC + Connect HTTP/JSON)\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nWithout a program argument the program named in parley.toml is used.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  parley run game.yarnc -strings game-Lines.csv\n")
		fmt.Fprintf(os.Stderr, "  parley run -node Shop -locale de\n")
		fmt.Fprintf(os.Stderr, "  parley pack -o game.prly game.yarnc -strings game-Lines.csv\n")
		fmt.Fprintf(os.Stderr, "  parley serve -addr :8080\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	if *debug {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "run":
		err = handleRunCommand(args[1:], os.Stdin, os.Stdout)
	case "disasm":
		err = handleDisasmCommand(args[1:], os.Stdout)
	case "pack":
		err = handlePackCommand(args[1:], os.Stdout)
	case "serve":
		err = handleServeCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// programFlags are shared by every command that loads a program.
type programFlags struct {
	config  *string
	strings *string
	format  *string
}

func addProgramFlags(fs *flag.FlagSet) programFlags {
	return programFlags{
		config:  fs.String("config", "", "Directory containing parley.toml (default: search upwards)"),
		strings: fs.String("strings", "", "CSV string table for the program"),
		format:  fs.String("format", "", "Program format: auto, native or yarnc"),
	}
}

// loadConfig finds parley.toml, falling back to defaults when there is none.
func (f programFlags) loadConfig() (*manifest.Manifest, error) {
	var m *manifest.Manifest
	var err error
	if *f.config != "" {
		m, err = manifest.Load(*f.config)
	} else {
		m, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if m == nil {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		m = manifest.Default(wd)
	}
	return m, nil
}

// loadProgram loads the program named on the command line, or the one in
// the config.
func (f programFlags) loadProgram(m *manifest.Manifest, fs *flag.FlagSet) (*bytecode.Program, error) {
	format := bytecode.Format(m.Program.Format)
	if *f.format != "" {
		format = bytecode.Format(*f.format)
	}
	if fs.NArg() > 0 {
		return manifest.LoadProgramFile(fs.Arg(0), *f.strings, format)
	}
	if *f.strings != "" {
		m.Program.Strings = *f.strings
	}
	m.Program.Format = string(format)
	return m.LoadProgram()
}
