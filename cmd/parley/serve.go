package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chazu/parley/manifest"
	"github.com/chazu/parley/server"
	"github.com/chazu/parley/vm"
)

// handleServeCommand processes the `parley serve` subcommand.
// Usage:
//
//	parley serve [-addr :4567] [-ttl 30m] [-max-sessions 0] [program]
func handleServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	pf := addProgramFlags(fs)
	addr := fs.String("addr", "", "Listen address (default: server.addr)")
	ttl := fs.Duration("ttl", 30*time.Minute, "Idle session lifetime (0 keeps sessions forever)")
	maxSessions := fs.Int("max-sessions", 0, "Maximum concurrent sessions (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := pf.loadConfig()
	if err != nil {
		return err
	}
	if *addr != "" {
		m.Server.Addr = *addr
	}

	srv, closeStorage, err := newServer(m, pf, fs,
		server.WithSessionTTL(*ttl),
		server.WithMaxSessions(*maxSessions))
	if err != nil {
		return err
	}
	defer closeStorage()
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "Serving dialogue on %s\n", m.Server.Addr)
	return srv.ListenAndServe(ctx, m.Server.Addr)
}

// newServer builds a dialogue server from the configuration. Memory storage
// gives every session its own variables; SQLite storage is opened once and
// shared, so every session sees the same saved game.
func newServer(m *manifest.Manifest, pf programFlags, fs *flag.FlagSet, opts ...server.ServerOption) (*server.DialogueServer, func() error, error) {
	program, err := pf.loadProgram(m, fs)
	if err != nil {
		return nil, nil, err
	}
	dopts, err := m.DialogueOptions()
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, server.WithDialogueOptions(dopts...))

	closeStorage := func() error { return nil }
	if m.Storage.Driver == manifest.DriverSQLite {
		store, closeFn, err := m.OpenStorage()
		if err != nil {
			return nil, nil, err
		}
		closeStorage = closeFn
		opts = append(opts, server.WithStorage(func() (vm.VariableStorage, func() error, error) {
			return store, nil, nil
		}))
	}

	srv, err := server.New(program, opts...)
	if err != nil {
		closeStorage()
		return nil, nil, err
	}
	return srv, closeStorage, nil
}
