package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// NativeExt is the file extension of native programs.
const NativeExt = ".prly"

// handlePackCommand processes the `parley pack` subcommand. It loads a
// program (typically a .yarnc with its CSV string table) and writes it in
// the native format with the string table embedded.
// Usage:
//
//	parley pack [-o out.prly] [-strings lines.csv] [program]
func handlePackCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pack", flag.ContinueOnError)
	pf := addProgramFlags(fs)
	output := fs.String("o", "", "Output file (default: program name with .prly extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := pf.loadConfig()
	if err != nil {
		return err
	}
	program, err := pf.loadProgram(m, fs)
	if err != nil {
		return err
	}

	out := *output
	if out == "" {
		src := m.ProgramPath()
		if fs.NArg() > 0 {
			src = fs.Arg(0)
		}
		out = strings.TrimSuffix(src, filepath.Ext(src)) + NativeExt
	}

	data, err := program.Serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("cannot write %s: %w", out, err)
	}
	fmt.Fprintf(stdout, "Wrote %s (%d nodes, %d lines, %d bytes)\n",
		out, len(program.Nodes), len(program.Lines), len(data))
	return nil
}
