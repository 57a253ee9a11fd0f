package main

import (
	"flag"
	"fmt"
	"io"
)

// handleDisasmCommand processes the `parley disasm` subcommand.
// Usage:
//
//	parley disasm [-strings lines.csv] [program]
func handleDisasmCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	pf := addProgramFlags(fs)
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
	_, err = fmt.Fprint(stdout, program.Disassemble())
	return err
}
