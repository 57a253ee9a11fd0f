package vm

import (
	"fmt"
	"math/rand/v2"

	"github.com/chazu/parley/pkg/bytecode"
	"github.com/chazu/parley/vm/markup"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/text/language"
)

// Dialogue is the host-facing runtime: it owns a program, a VM, the
// variable storage, the function library and the formatter, and turns the
// VM's output into rendered lines, options and commands.
//
// A Dialogue is not safe for concurrent use. Separate Dialogues share no
// mutable state unless the host gives them the same storage.
type Dialogue struct {
	id        string
	storage   VariableStorage
	library   *Library
	formatter *markup.Formatter
	lines     LineProvider
	maxSteps  int
	log       commonlog.Logger

	program *bytecode.Program
	vm      *VirtualMachine
}

// DialogueOption configures a Dialogue.
type DialogueOption func(*dialogueConfig)

type dialogueConfig struct {
	libraries []*Library
	locale    language.Tag
	rules     markup.PluralRules
	maxSteps  int
	log       commonlog.Logger
	lines     LineProvider
	rng       *rand.Rand
}

// WithLibrary adds host functions. Host functions replace built-ins with the
// same name.
func WithLibrary(l *Library) DialogueOption {
	return func(c *dialogueConfig) { c.libraries = append(c.libraries, l) }
}

// WithLocale sets the dialogue's locale, overriding the process default.
func WithLocale(tag language.Tag) DialogueOption {
	return func(c *dialogueConfig) { c.locale = tag }
}

// WithPluralRules replaces the CLDR plural rules.
func WithPluralRules(r markup.PluralRules) DialogueOption {
	return func(c *dialogueConfig) { c.rules = r }
}

// WithMaxSteps sets the per-call instruction budget.
func WithMaxSteps(n int) DialogueOption {
	return func(c *dialogueConfig) { c.maxSteps = n }
}

// WithLogger sets the logger used by the dialogue and its VM.
func WithLogger(log commonlog.Logger) DialogueOption {
	return func(c *dialogueConfig) { c.log = log }
}

// WithLineProvider supplies line text from outside the program, such as a
// localized string table.
func WithLineProvider(lp LineProvider) DialogueOption {
	return func(c *dialogueConfig) { c.lines = lp }
}

// WithRandomSource registers random, random_range and dice backed by rng.
func WithRandomSource(rng *rand.Rand) DialogueOption {
	return func(c *dialogueConfig) { c.rng = rng }
}

// NewDialogue creates a dialogue over a variable storage. A nil storage
// means a fresh MemoryStorage.
func NewDialogue(storage VariableStorage, opts ...DialogueOption) (*Dialogue, error) {
	cfg := &dialogueConfig{
		locale:   language.Und,
		maxSteps: DefaultMaxSteps,
		log:      commonlog.GetLogger("parley.dialogue"),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}

	d := &Dialogue{
		id:        uuid.NewString(),
		storage:   storage,
		library:   StandardLibrary(),
		formatter: markup.NewFormatter(cfg.locale, cfg.rules),
		lines:     cfg.lines,
		maxSteps:  cfg.maxSteps,
		log:       cfg.log,
	}

	if err := d.registerVisitFunctions(); err != nil {
		return nil, err
	}
	if cfg.rng != nil {
		if err := RegisterRandom(d.library, cfg.rng); err != nil {
			return nil, err
		}
	}
	for _, l := range cfg.libraries {
		if err := d.library.Import(l); err != nil {
			return nil, fmt.Errorf("import library: %w", err)
		}
	}
	return d, nil
}

func (d *Dialogue) registerVisitFunctions() error {
	if err := d.library.Register(FuncVisited, []Kind{KindString}, KindBool, func(args []Value) (Value, error) {
		n, err := d.VisitCount(args[0].str)
		return BoolValue(n > 0), err
	}); err != nil {
		return err
	}
	return d.library.Register(FuncVisitedCount, []Kind{KindString}, KindNumber, func(args []Value) (Value, error) {
		n, err := d.VisitCount(args[0].str)
		return NumberValue(float64(n)), err
	})
}

// ID returns the dialogue's unique identifier.
func (d *Dialogue) ID() string { return d.id }

// SetProgram replaces the program, linking it if necessary, and stops any
// running node. On error the previous program remains loaded.
func (d *Dialogue) SetProgram(p *bytecode.Program) error {
	if p == nil {
		return fmt.Errorf("set program: %w", ErrNoProgram)
	}
	if !p.IsLinked() {
		if err := p.Link(); err != nil {
			return &bytecode.ProgramLoadError{Format: "program", Err: err}
		}
	}

	if d.vm != nil {
		d.vm.Stop()
	}
	d.program = p
	d.vm = NewVirtualMachine(p, d.library, d.storage)
	d.vm.SetFormatter(d.formatter)
	d.vm.SetLineProvider(d.lines)
	d.vm.SetMaxSteps(d.maxSteps)
	d.vm.SetLogger(d.log)
	d.log.Infof("program %q loaded with %d nodes", p.Name, len(p.Nodes))
	return nil
}

// LoadProgram decodes a compiled program (native or .yarnc) and sets it.
// Malformed bytes return a *bytecode.ProgramLoadError and leave the
// previous program loaded.
func (d *Dialogue) LoadProgram(data []byte) error {
	p, err := bytecode.Load(data, bytecode.FormatAuto)
	if err != nil {
		return err
	}
	return d.SetProgram(p)
}

// Program returns the loaded program, or nil.
func (d *Dialogue) Program() *bytecode.Program { return d.program }

// SetNode selects the node to run. The next Continue starts it.
func (d *Dialogue) SetNode(name string) error {
	if d.vm == nil {
		return ErrNoProgram
	}
	return d.vm.SetNode(name)
}

// Continue runs to the next line, option set or command.
func (d *Dialogue) Continue() ([]Event, error) {
	if d.vm == nil {
		return nil, ErrNoProgram
	}
	return d.vm.Continue()
}

// SetSelectedOption selects an option by index and resumes.
func (d *Dialogue) SetSelectedOption(index int) ([]Event, error) {
	if d.vm == nil {
		return nil, ErrNoProgram
	}
	return d.vm.SelectOption(index)
}

// Stop abandons the running node, if any.
func (d *Dialogue) Stop() []Event {
	if d.vm == nil {
		return nil
	}
	return d.vm.Stop()
}

// VariableStorage returns the dialogue's storage.
func (d *Dialogue) VariableStorage() VariableStorage { return d.storage }

// Library returns the dialogue's function library. Functions must be
// registered before Continue is called, not from inside a running function.
func (d *Dialogue) Library() *Library { return d.library }

// SetLocale changes the locale used for plural and ordinal selection.
// Lines rendered after the call use the new locale.
func (d *Dialogue) SetLocale(locale string) error {
	tag, err := markup.ParseLocale(locale)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocale, err)
	}
	d.formatter.Locale = tag
	return nil
}

// Locale returns the locale in effect.
func (d *Dialogue) Locale() language.Tag {
	if d.formatter.Locale == language.Und {
		return markup.DefaultLocale()
	}
	return d.formatter.Locale
}

// State returns the VM's execution state.
func (d *Dialogue) State() ExecutionState {
	if d.vm == nil {
		return Stopped
	}
	return d.vm.State()
}

// CurrentNode returns the loaded node's name, or "".
func (d *Dialogue) CurrentNode() string {
	if d.vm == nil {
		return ""
	}
	return d.vm.CurrentNode()
}

// IsActive reports whether a node is loaded.
func (d *Dialogue) IsActive() bool {
	return d.CurrentNode() != ""
}

// IsWaitingForOptionSelection reports whether options are awaiting a choice.
func (d *Dialogue) IsWaitingForOptionSelection() bool {
	return d.State() == WaitingForOptionSelection
}

// Options returns the options awaiting selection.
func (d *Dialogue) Options() []Option {
	if d.vm == nil {
		return nil
	}
	return d.vm.Options()
}

// NodeNames returns the program's node names, sorted.
func (d *Dialogue) NodeNames() []string {
	if d.program == nil {
		return nil
	}
	return d.program.NodeNames()
}

// NodeExists reports whether the program has a node.
func (d *Dialogue) NodeExists(name string) bool {
	_, err := d.node(name)
	return err == nil
}

// NodeTags returns the tags of a node.
func (d *Dialogue) NodeTags(name string) ([]string, error) {
	n, err := d.node(name)
	if err != nil {
		return nil, err
	}
	return n.Tags, nil
}

// NodeHeaders returns the headers of a node.
func (d *Dialogue) NodeHeaders(name string) ([]bytecode.Header, error) {
	n, err := d.node(name)
	if err != nil {
		return nil, err
	}
	return n.Headers, nil
}

// LineIDsForNode returns the IDs of every line and option in a node.
func (d *Dialogue) LineIDsForNode(name string) ([]bytecode.LineID, error) {
	n, err := d.node(name)
	if err != nil {
		return nil, err
	}
	return n.LineIDs(), nil
}

func (d *Dialogue) node(name string) (*bytecode.Node, error) {
	if d.program == nil {
		return nil, ErrNoProgram
	}
	n, ok := d.program.Node(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	return n, nil
}

// VisitCount returns how many times a node has completed.
func (d *Dialogue) VisitCount(node string) (int, error) {
	v, ok, err := d.storage.Get(VisitCountPrefix + node)
	if err != nil || !ok {
		return 0, err
	}
	n, _ := v.AsNumber()
	return int(n), nil
}
