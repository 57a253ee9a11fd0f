package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/chazu/parley/vm"
	"github.com/chazu/parley/vm/storage"
)

// handleRunCommand processes the `parley run` subcommand.
// Usage:
//
//	parley run [-node Start] [-locale en] [-load save.cbor] [-save save.cbor] [program]
func handleRunCommand(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	pf := addProgramFlags(fs)
	node := fs.String("node", "", "Node to start at (default: runtime.start-node)")
	locale := fs.String("locale", "", "Locale for plural and ordinal selection")
	load := fs.String("load", "", "Restore variables from a snapshot before running")
	save := fs.String("save", "", "Write a variable snapshot after running")
	dump := fs.Bool("dump", false, "Print every variable when the dialogue ends")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := pf.loadConfig()
	if err != nil {
		return err
	}
	if *locale != "" {
		m.Runtime.Locale = *locale
	}
	if *node != "" {
		m.Runtime.StartNode = *node
	}

	program, err := pf.loadProgram(m, fs)
	if err != nil {
		return err
	}
	store, closeStorage, err := m.OpenStorage()
	if err != nil {
		return err
	}
	defer closeStorage()

	if *load != "" {
		if err := restoreSnapshot(store, *load); err != nil {
			return err
		}
	}

	opts, err := m.DialogueOptions()
	if err != nil {
		return err
	}
	d, err := vm.NewDialogue(store, opts...)
	if err != nil {
		return err
	}
	if err := d.SetProgram(program); err != nil {
		return err
	}

	if err := runDialogue(d, m.Runtime.StartNode, stdin, stdout); err != nil {
		return err
	}

	if *dump {
		dumpVariables(store, stdout)
	}
	if *save != "" {
		return saveSnapshot(store, *save)
	}
	return nil
}

// runDialogue plays a dialogue from start to finish, printing lines and
// commands and reading option choices (1-based) from in.
func runDialogue(d *vm.Dialogue, start string, in io.Reader, out io.Writer) error {
	if err := d.SetNode(start); err != nil {
		return err
	}
	scanner := bufio.NewScanner(in)

	for {
		events, err := d.Continue()
		if err != nil {
			return err
		}
		for {
			done := printEvents(events, out)
			if done {
				return nil
			}
			if !d.IsWaitingForOptionSelection() {
				break
			}
			events, err = chooseOption(d, scanner, out)
			if err != nil {
				return err
			}
		}
	}
}

// printEvents writes events and reports whether the dialogue ended.
func printEvents(events []vm.Event, out io.Writer) bool {
	for _, e := range events {
		switch e := e.(type) {
		case vm.LineEvent:
			fmt.Fprintln(out, e.Line.Text)
		case vm.CommandEvent:
			fmt.Fprintf(out, "<<%s>>\n", e.Command.Text)
		case vm.OptionsEvent:
			for _, o := range e.Options {
				if o.IsAvailable {
					fmt.Fprintf(out, "  %d) %s\n", o.Index+1, o.Line.Text)
				} else {
					fmt.Fprintf(out, "  %d) (unavailable) %s\n", o.Index+1, o.Line.Text)
				}
			}
		case vm.DialogueCompleteEvent:
			return true
		}
	}
	return false
}

// chooseOption prompts until a valid option is selected.
func chooseOption(d *vm.Dialogue, scanner *bufio.Scanner, out io.Writer) ([]vm.Event, error) {
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("no option selected: %w", io.ErrUnexpectedEOF)
		}
		input := strings.TrimSpace(scanner.Text())
		n, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(out, "Enter a number between 1 and %d\n", len(d.Options()))
			continue
		}
		events, err := d.SetSelectedOption(n - 1)
		if errors.Is(err, vm.ErrInvalidOption) {
			fmt.Fprintf(out, "Option %d cannot be chosen\n", n)
			continue
		}
		return events, err
	}
}

func dumpVariables(s vm.VariableStorage, out io.Writer) {
	e, ok := s.(vm.VariableEnumerator)
	if !ok {
		return
	}
	all, err := e.All()
	if err != nil {
		fmt.Fprintf(out, "cannot list variables: %v\n", err)
		return
	}
	for _, name := range slices.Sorted(maps.Keys(all)) {
		fmt.Fprintf(out, "%s = %s\n", name, all[name].GoString())
	}
}

func restoreSnapshot(s vm.VariableStorage, path string) error {
	e, ok := s.(vm.VariableEnumerator)
	if !ok {
		return fmt.Errorf("storage %T cannot restore snapshots", s)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	return storage.Restore(e, data)
}

func saveSnapshot(s vm.VariableStorage, path string) error {
	e, ok := s.(vm.VariableEnumerator)
	if !ok {
		return fmt.Errorf("storage %T cannot be snapshotted", s)
	}
	data, err := storage.Snapshot(e)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
