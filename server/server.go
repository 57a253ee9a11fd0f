package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/chazu/parley/pkg/bytecode"
	"github.com/chazu/parley/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("parley.server")

// DialogueServer hosts independent dialogue sessions over one program.
// It serves both gRPC (binary protobuf) and Connect (HTTP/JSON)
// on the same port.
type DialogueServer struct {
	program  *bytecode.Program
	cfg      *serverConfig
	sessions *SessionStore
	mux      *http.ServeMux

	stopSweeper func()
}

// StorageFactory opens the variable storage for a new session. The
// returned close function, if not nil, runs when the session ends.
type StorageFactory func() (vm.VariableStorage, func() error, error)

// ServerOption configures a DialogueServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	storage       StorageFactory
	dialogueOpts  []vm.DialogueOption
	handlerOpts   []connect.HandlerOption
	sweepInterval time.Duration
	sessionTTL    time.Duration
	maxSessions   int
}

// WithStorage sets how sessions get their variable storage. Without this,
// every session gets its own in-memory storage. A storage shared between
// sessions must be safe for concurrent use.
func WithStorage(fn StorageFactory) ServerOption {
	return func(c *serverConfig) { c.storage = fn }
}

// WithDialogueOptions sets options applied to every session's Dialogue.
func WithDialogueOptions(opts ...vm.DialogueOption) ServerOption {
	return func(c *serverConfig) { c.dialogueOpts = append(c.dialogueOpts, opts...) }
}

// WithHandlerOptions sets Connect handler options such as interceptors.
func WithHandlerOptions(opts ...connect.HandlerOption) ServerOption {
	return func(c *serverConfig) { c.handlerOpts = append(c.handlerOpts, opts...) }
}

// WithSessionTTL sets how long an unused session lives. Zero disables
// expiry.
func WithSessionTTL(ttl time.Duration) ServerOption {
	return func(c *serverConfig) { c.sessionTTL = ttl }
}

// WithMaxSessions limits the number of live sessions. Zero means no limit.
func WithMaxSessions(n int) ServerOption {
	return func(c *serverConfig) { c.maxSessions = n }
}

// New creates a DialogueServer for a program, linking it if necessary.
func New(program *bytecode.Program, opts ...ServerOption) (*DialogueServer, error) {
	if program == nil {
		return nil, vm.ErrNoProgram
	}
	if !program.IsLinked() {
		if err := program.Link(); err != nil {
			return nil, &bytecode.ProgramLoadError{Format: "program", Err: err}
		}
	}

	cfg := &serverConfig{
		storage: func() (vm.VariableStorage, func() error, error) {
			return vm.NewMemoryStorage(), nil, nil
		},
		sweepInterval: 5 * time.Minute,
		sessionTTL:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &DialogueServer{
		program:  program,
		cfg:      cfg,
		sessions: NewSessionStore(),
		mux:      http.NewServeMux(),
	}

	svc := NewDialogueService(s)
	path, handler := svc.Handler(cfg.handlerOpts...)
	s.mux.Handle(path, handler)

	if cfg.sessionTTL > 0 {
		interval := min(cfg.sweepInterval, cfg.sessionTTL)
		s.stopSweeper = s.sessions.StartSweeper(interval, cfg.sessionTTL)
	}
	return s, nil
}

// ErrTooManySessions is returned when WithMaxSessions is exceeded.
var ErrTooManySessions = errors.New("too many sessions")

// CreateSession starts a new dialogue over the server's program.
func (s *DialogueServer) CreateSession(name string) (*Session, error) {
	if s.cfg.maxSessions > 0 && s.sessions.Len() >= s.cfg.maxSessions {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, s.cfg.maxSessions)
	}

	storage, closeStorage, err := s.cfg.storage()
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	d, err := vm.NewDialogue(storage, s.cfg.dialogueOpts...)
	if err == nil {
		err = d.SetProgram(s.program)
	}
	if err != nil {
		if closeStorage != nil {
			closeStorage()
		}
		return nil, err
	}

	session := s.sessions.Add(name, d, closeStorage)
	log.Infof("session %s created", session.ID)
	return session, nil
}

// Sessions returns the session store.
func (s *DialogueServer) Sessions() *SessionStore { return s.sessions }

// Handler returns the HTTP handler serving the dialogue service.
func (s *DialogueServer) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is done. The address should be
// in the form "host:port" or ":port". gRPC clients are served over
// unencrypted HTTP/2.
func (s *DialogueServer) ListenAndServe(ctx context.Context, addr string) error {
	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		Protocols:         protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Noticef("dialogue server listening on %s", addr)
	log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, ContinueProcedure)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// Stop ends every session and the sweeper.
func (s *DialogueServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.sessions.DestroyAll()
}
