package vm

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/chazu/parley/pkg/bytecode"
	"github.com/chazu/parley/vm/markup"
	"github.com/tliron/commonlog"
)

// ExecutionState is the VM's position in its run/wait cycle.
type ExecutionState int

const (
	Stopped ExecutionState = iota
	Running
	WaitingForLineContinuation
	WaitingForOptionSelection
	WaitingForCommandContinuation
)

func (s ExecutionState) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Running:
		return "Running"
	case WaitingForLineContinuation:
		return "WaitingForLineContinuation"
	case WaitingForOptionSelection:
		return "WaitingForOptionSelection"
	case WaitingForCommandContinuation:
		return "WaitingForCommandContinuation"
	default:
		return fmt.Sprintf("ExecutionState(%d)", int(s))
	}
}

// DefaultMaxSteps bounds the instructions a single call may execute.
const DefaultMaxSteps = 100000

// VisitCountPrefix prefixes the storage variables counting how many times
// each node has completed.
const VisitCountPrefix = "$Yarn.Internal.Visiting."

// ErrLineNotFound is returned when no line text is available for a line ID.
var ErrLineNotFound = errors.New("line not found")

// LineProvider supplies the template text and metadata tags of a line.
type LineProvider interface {
	GetLine(id bytecode.LineID) (text string, tags []string, ok bool)
}

type programLines struct{ p *bytecode.Program }

func (pl programLines) GetLine(id bytecode.LineID) (string, []string, bool) {
	text, ok := pl.p.Line(id)
	return text, nil, ok
}

// chainedLines asks the host provider first and the program second.
type chainedLines []LineProvider

func (c chainedLines) GetLine(id bytecode.LineID) (string, []string, bool) {
	for _, lp := range c {
		if text, tags, ok := lp.GetLine(id); ok {
			return text, tags, true
		}
	}
	return "", nil, false
}

// ---------------------------------------------------------------------------
// VirtualMachine
// ---------------------------------------------------------------------------

// VirtualMachine executes one node of a linked program at a time, returning
// control to the caller at every line, option set and command.
//
// A VirtualMachine is not safe for concurrent use; callers must serialize
// SetNode, Continue, SelectOption and Stop.
type VirtualMachine struct {
	program   *bytecode.Program
	library   *Library
	storage   VariableStorage
	formatter *markup.Formatter
	lines     LineProvider
	maxSteps  int
	log       commonlog.Logger

	state   ExecutionState
	node    *bytecode.Node
	pc      int
	stack   []Value
	options []Option // accumulated by ADD_OPTION since the last SHOW_OPTIONS
	shown   []Option // the options awaiting selection
	pending []Event  // delivered at the start of the next call
	events  []Event  // produced by the current call
}

// NewVirtualMachine creates a VM over a linked program.
func NewVirtualMachine(program *bytecode.Program, library *Library, storage VariableStorage) *VirtualMachine {
	if library == nil {
		library = StandardLibrary()
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	vm := &VirtualMachine{
		program:   program,
		library:   library,
		storage:   storage,
		formatter: &markup.Formatter{},
		maxSteps:  DefaultMaxSteps,
		log:       commonlog.GetLogger("parley.vm"),
		stack:     make([]Value, 0, 16),
	}
	if program != nil {
		vm.lines = programLines{program}
	}
	return vm
}

// SetFormatter replaces the formatter used to render lines and options.
func (vm *VirtualMachine) SetFormatter(f *markup.Formatter) {
	if f != nil {
		vm.formatter = f
	}
}

// SetLineProvider sets a host source of line text, consulted before the
// program's string table.
func (vm *VirtualMachine) SetLineProvider(lp LineProvider) {
	if lp == nil || vm.program == nil {
		return
	}
	vm.lines = chainedLines{lp, programLines{vm.program}}
}

// SetMaxSteps sets the per-call instruction budget. n <= 0 restores the
// default.
func (vm *VirtualMachine) SetMaxSteps(n int) {
	if n <= 0 {
		n = DefaultMaxSteps
	}
	vm.maxSteps = n
}

// SetLogger replaces the VM's logger.
func (vm *VirtualMachine) SetLogger(log commonlog.Logger) {
	if log != nil {
		vm.log = log
	}
}

// State returns the execution state.
func (vm *VirtualMachine) State() ExecutionState { return vm.state }

// Program returns the program being executed.
func (vm *VirtualMachine) Program() *bytecode.Program { return vm.program }

// CurrentNode returns the name of the loaded node, or "".
func (vm *VirtualMachine) CurrentNode() string {
	if vm.node == nil {
		return ""
	}
	return vm.node.Name
}

// Options returns the options awaiting selection.
func (vm *VirtualMachine) Options() []Option {
	return slices.Clone(vm.shown)
}

// StackDepth returns the number of values on the operand stack.
func (vm *VirtualMachine) StackDepth() int { return len(vm.stack) }

// SetNode loads a node and resets the stack, program counter and options.
// The VM stays Stopped with the node loaded until the next Continue, which
// first delivers a NodeStartedEvent.
func (vm *VirtualMachine) SetNode(name string) error {
	if vm.program == nil {
		return ErrNoProgram
	}
	if !vm.program.IsLinked() {
		return fmt.Errorf("%w: program is not linked", ErrInvalidOperation)
	}
	if vm.state == Running {
		return fmt.Errorf("%w: cannot change node while running", ErrInvalidOperation)
	}
	n, ok := vm.program.Node(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}

	vm.reset()
	vm.node = n
	vm.pending = []Event{NodeStartedEvent{Name: n.Name}}
	vm.log.Infof("node %s loaded", n.Name)
	return nil
}

// Continue runs until the next line, option set, command or the end of the
// dialogue. It is valid when a node has been loaded and after a line or
// command.
func (vm *VirtualMachine) Continue() ([]Event, error) {
	switch vm.state {
	case Running:
		return nil, fmt.Errorf("%w: already running", ErrInvalidOperation)
	case WaitingForOptionSelection:
		return nil, fmt.Errorf("%w: waiting for an option to be selected", ErrInvalidOperation)
	case Stopped:
		if vm.node == nil {
			return nil, fmt.Errorf("%w: no node selected", ErrInvalidOperation)
		}
	}
	return vm.execute(nil)
}

// SelectOption chooses one of the shown options and resumes execution at
// its destination.
func (vm *VirtualMachine) SelectOption(index int) ([]Event, error) {
	if vm.state != WaitingForOptionSelection {
		return nil, fmt.Errorf("%w: no options are shown (state %s)", ErrInvalidOperation, vm.state)
	}
	if index < 0 || index >= len(vm.shown) {
		return nil, fmt.Errorf("%w: index %d of %d options", ErrInvalidOption, index, len(vm.shown))
	}
	opt := vm.shown[index]
	if !opt.IsAvailable {
		return nil, fmt.Errorf("%w: option %d is not available", ErrInvalidOption, index)
	}

	return vm.execute(func() {
		vm.shown = nil
		vm.pc = opt.destination
		if vm.program.Flags&bytecode.FlagOptionDestinationOnStack != 0 {
			vm.push(StringValue(opt.DestinationLabel))
		}
	})
}

// Stop abandons the current node from any state. It returns a
// DialogueCompleteEvent if a node was loaded.
func (vm *VirtualMachine) Stop() []Event {
	active := vm.node != nil || vm.state != Stopped
	vm.reset()
	if !active {
		return nil
	}
	vm.log.Infof("dialogue stopped")
	return []Event{DialogueCompleteEvent{}}
}

func (vm *VirtualMachine) reset() {
	vm.state = Stopped
	vm.node = nil
	vm.pc = 0
	vm.stack = vm.stack[:0]
	vm.options = nil
	vm.shown = nil
	vm.pending = nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// machineState is everything a usage error must leave untouched.
type machineState struct {
	state   ExecutionState
	node    *bytecode.Node
	pc      int
	stack   []Value
	options []Option
	shown   []Option
	pending []Event
}

func (vm *VirtualMachine) save() machineState {
	return machineState{
		state:   vm.state,
		node:    vm.node,
		pc:      vm.pc,
		stack:   slices.Clone(vm.stack),
		options: slices.Clone(vm.options),
		shown:   slices.Clone(vm.shown),
		pending: slices.Clone(vm.pending),
	}
}

func (vm *VirtualMachine) restore(s machineState) {
	vm.state = s.state
	vm.node = s.node
	vm.pc = s.pc
	vm.stack = s.stack
	vm.options = s.options
	vm.shown = s.shown
	vm.pending = s.pending
}

// execute runs the instruction loop. Fatal errors stop the VM; any other
// error restores the state saved on entry. Variable writes already made
// are not undone. A panic raised by a host function stops the VM and is
// re-raised.
func (vm *VirtualMachine) execute(prepare func()) ([]Event, error) {
	saved := vm.save()

	vm.events = vm.pending
	vm.pending = nil
	if prepare != nil {
		prepare()
	}
	vm.state = Running

	vm.library.freeze()
	defer vm.library.thaw()
	defer func() {
		if r := recover(); r != nil {
			vm.log.Errorf("panic in node %q: %v", vm.CurrentNode(), r)
			vm.events = nil
			vm.reset()
			panic(r)
		}
	}()
	err := vm.run()

	events := vm.events
	vm.events = nil

	if err != nil {
		if IsFatal(err) {
			vm.log.Errorf("%s", err.Error())
			vm.reset()
		} else {
			vm.restore(saved)
		}
		return nil, err
	}
	return events, nil
}

func (vm *VirtualMachine) run() error {
	for steps := 0; vm.state == Running; steps++ {
		if steps >= vm.maxSteps {
			return fmt.Errorf("%w: %d instructions in node %q without yielding", ErrRunawayExecution, steps, vm.CurrentNode())
		}

		node := vm.node
		if vm.pc < 0 || vm.pc >= len(node.Instructions) {
			// Falling off the end of a node ends the dialogue.
			if err := vm.complete(); err != nil {
				return err
			}
			continue
		}

		offset := vm.pc
		in := &node.Instructions[offset]
		vm.pc++
		if err := vm.exec(in); err != nil {
			if errors.Is(err, ErrIntegrity) {
				var ie *IntegrityError
				if !errors.As(err, &ie) {
					err = &IntegrityError{Node: node.Name, Offset: offset, Op: in.Op, Err: err}
				}
			}
			return err
		}
	}
	return nil
}

func (vm *VirtualMachine) exec(in *bytecode.Instruction) error {
	switch in.Op {
	case bytecode.OpPushString, bytecode.OpPushNumber, bytecode.OpPushBool:
		vm.push(ValueFromOperand(in.Operands[0]))

	case bytecode.OpPop:
		_, err := vm.pop()
		return err

	case bytecode.OpPushVariable:
		v, err := vm.variable(in.StringOperand(0))
		if err != nil {
			return err
		}
		vm.push(v)

	case bytecode.OpStoreVariable:
		v, err := vm.peek()
		if err != nil {
			return err
		}
		return vm.storeVariable(in.StringOperand(0), v)

	case bytecode.OpCallFunc:
		return vm.callFunction(in)

	case bytecode.OpJumpTo:
		vm.pc = in.Target

	case bytecode.OpJumpIfFalse, bytecode.OpPeekJumpIfFalse:
		var v Value
		var err error
		if in.Op == bytecode.OpJumpIfFalse {
			v, err = vm.pop()
		} else {
			v, err = vm.peek()
		}
		if err != nil {
			return err
		}
		b, ok := v.AsBool()
		if !ok {
			return fmt.Errorf("%w: condition is %s, want Bool", ErrTypeMismatch, v.Kind())
		}
		if !b {
			vm.pc = in.Target
		}

	case bytecode.OpPeekAndJump:
		v, err := vm.peek()
		if err != nil {
			return err
		}
		label, ok := v.AsString()
		if !ok {
			return fmt.Errorf("%w: jump destination is %s, want String", ErrTypeMismatch, v.Kind())
		}
		off, ok := vm.node.Label(label)
		if !ok {
			return fmt.Errorf("%w: %q", bytecode.ErrUnresolvedLabel, label)
		}
		vm.pc = off

	case bytecode.OpRunNode:
		return vm.transfer(in.StringOperand(0))

	case bytecode.OpPeekAndRunNode:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		name, ok := v.AsString()
		if !ok {
			return fmt.Errorf("%w: node name is %s, want String", ErrTypeMismatch, v.Kind())
		}
		return vm.transfer(name)

	case bytecode.OpStop:
		return vm.complete()

	case bytecode.OpRunLine:
		count, _ := in.CountOperand(1)
		subs, err := vm.popSubstitutions(count)
		if err != nil {
			return err
		}
		line, err := vm.renderLine(bytecode.LineID(in.StringOperand(0)), subs)
		if err != nil {
			return err
		}
		vm.emit(LineEvent{Line: line})
		vm.state = WaitingForLineContinuation
		vm.log.Debugf("line %s: %s", line.ID, line.Text)

	case bytecode.OpRunCommand:
		count, _ := in.CountOperand(1)
		subs, err := vm.popSubstitutions(count)
		if err != nil {
			return err
		}
		text, err := vm.formatter.Substitute(in.StringOperand(0), subs)
		if err != nil {
			return err
		}
		vm.emit(CommandEvent{Command: ParseCommand(text)})
		vm.state = WaitingForCommandContinuation
		vm.log.Debugf("command: %s", text)

	case bytecode.OpAddOption:
		return vm.addOption(in)

	case bytecode.OpShowOptions:
		if len(vm.options) == 0 {
			// Nothing to choose from: the dialogue is over.
			return vm.complete()
		}
		vm.shown = vm.options
		vm.options = nil
		vm.emit(OptionsEvent{Options: slices.Clone(vm.shown)})
		vm.state = WaitingForOptionSelection
		vm.log.Debugf("showing %d options", len(vm.shown))

	default:
		return fmt.Errorf("%w: unknown opcode 0x%02X", bytecode.ErrMalformedInstruction, byte(in.Op))
	}
	return nil
}

func (vm *VirtualMachine) emit(e Event) {
	vm.events = append(vm.events, e)
}

// complete finishes the current node and the dialogue.
func (vm *VirtualMachine) complete() error {
	name := vm.node.Name
	if err := vm.markVisited(name); err != nil {
		return err
	}
	vm.emit(NodeCompletedEvent{Name: name})
	vm.emit(DialogueCompleteEvent{})
	vm.state = Stopped
	vm.node = nil
	vm.pc = 0
	vm.stack = vm.stack[:0]
	vm.options = nil
	vm.log.Infof("node %s completed; dialogue complete", name)
	return nil
}

// transfer completes the current node and starts another.
func (vm *VirtualMachine) transfer(name string) error {
	target, ok := vm.program.Node(name)
	if !ok {
		return fmt.Errorf("%w: %q", bytecode.ErrUnresolvedNode, name)
	}
	from := vm.node.Name
	if err := vm.markVisited(from); err != nil {
		return err
	}
	vm.emit(NodeCompletedEvent{Name: from})

	vm.node = target
	vm.pc = 0
	vm.stack = vm.stack[:0]
	vm.options = nil
	vm.emit(NodeStartedEvent{Name: target.Name})
	vm.log.Infof("node %s -> %s", from, target.Name)
	return nil
}

func (vm *VirtualMachine) markVisited(node string) error {
	key := VisitCountPrefix + node
	count := 0.0
	v, ok, err := vm.storage.Get(key)
	if err != nil {
		return fmt.Errorf("visit count for %s: %w", node, err)
	}
	if ok {
		count, _ = v.AsNumber()
	}
	return vm.storage.Set(key, NumberValue(count+1))
}

// variable reads a variable from storage, falling back to the program's
// declared initial value. The fallback is never written to storage.
func (vm *VirtualMachine) variable(name string) (Value, error) {
	v, ok, err := vm.storage.Get(name)
	if err != nil {
		return Value{}, fmt.Errorf("read %s: %w", name, err)
	}
	decl, declared := vm.program.InitialValues[name]
	if ok {
		if declared {
			if want := ValueFromOperand(decl).Kind(); want != v.Kind() {
				return Value{}, fmt.Errorf("%w: %s is declared %s, storage holds %s", ErrTypeMismatch, name, want, v.Kind())
			}
		}
		return v, nil
	}
	if declared {
		return ValueFromOperand(decl), nil
	}
	return Value{}, fmt.Errorf("%w: %s", ErrVariableNotFound, name)
}

// storeVariable writes a variable. Its kind must match the declaration or,
// for undeclared variables, the kind already in storage.
func (vm *VirtualMachine) storeVariable(name string, v Value) error {
	if decl, ok := vm.program.InitialValues[name]; ok {
		if want := ValueFromOperand(decl).Kind(); want != v.Kind() {
			return fmt.Errorf("%w: %s is declared %s, cannot store %s", ErrTypeMismatch, name, want, v.Kind())
		}
	} else if have, ok := vm.storage.KindOf(name); ok && have != v.Kind() {
		return fmt.Errorf("%w: %s holds %s, cannot store %s", ErrTypeMismatch, name, have, v.Kind())
	}
	if err := vm.storage.Set(name, v); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (vm *VirtualMachine) callFunction(in *bytecode.Instruction) error {
	name := in.StringOperand(0)
	argc, ok := in.CountOperand(1)
	if !ok {
		// The argument count was pushed by the caller.
		v, err := vm.pop()
		if err != nil {
			return err
		}
		n, isNum := v.AsNumber()
		if !isNum || n < 0 || n > bytecode.MaxCount || n != math.Trunc(n) {
			return fmt.Errorf("%w: %s argument count is %#v", bytecode.ErrMalformedInstruction, name, v)
		}
		argc = int(n)
	}
	if argc < 0 || argc > len(vm.stack) {
		return fmt.Errorf("%w: %s needs %d arguments, %d on stack", ErrStackUnderflow, name, argc, len(vm.stack))
	}

	args := slices.Clone(vm.stack[len(vm.stack)-argc:])
	vm.stack = vm.stack[:len(vm.stack)-argc]

	result, err := vm.library.Call(name, args)
	if err != nil {
		return err
	}
	vm.push(result)
	return nil
}

func (vm *VirtualMachine) addOption(in *bytecode.Instruction) error {
	count, _ := in.CountOperand(2)
	subs, err := vm.popSubstitutions(count)
	if err != nil {
		return err
	}

	available := true
	if in.BoolOperand(3) {
		v, err := vm.pop()
		if err != nil {
			return err
		}
		b, ok := v.AsBool()
		if !ok {
			return fmt.Errorf("%w: option condition is %s, want Bool", ErrTypeMismatch, v.Kind())
		}
		available = b
	}

	line, err := vm.renderLine(bytecode.LineID(in.StringOperand(0)), subs)
	if err != nil {
		return err
	}
	vm.options = append(vm.options, Option{
		Index:            len(vm.options),
		Line:             line,
		DestinationLabel: in.StringOperand(1),
		IsAvailable:      available,
		destination:      in.Target,
	})
	return nil
}

// popSubstitutions pops n values; the deepest becomes substitution 0.
func (vm *VirtualMachine) popSubstitutions(n int) ([]string, error) {
	if n < 0 || n > len(vm.stack) {
		return nil, fmt.Errorf("%w: %d substitutions, %d values on stack", ErrStackUnderflow, n, len(vm.stack))
	}
	subs := make([]string, n)
	for i, v := range vm.stack[len(vm.stack)-n:] {
		subs[i] = v.String()
	}
	vm.stack = vm.stack[:len(vm.stack)-n]
	return subs, nil
}

func (vm *VirtualMachine) renderLine(id bytecode.LineID, subs []string) (Line, error) {
	if vm.lines == nil {
		return Line{}, fmt.Errorf("%w: %s", ErrLineNotFound, id)
	}
	text, tags, ok := vm.lines.GetLine(id)
	if !ok {
		return Line{}, fmt.Errorf("%w: %s", ErrLineNotFound, id)
	}
	res, err := vm.formatter.Format(text, subs)
	if err != nil {
		return Line{}, fmt.Errorf("line %s: %w", id, err)
	}
	for _, d := range res.Diagnostics {
		vm.log.Warningf("line %s: malformed markup at %s", id, d)
	}
	return Line{
		ID:            id,
		Text:          res.Text,
		Attributes:    res.Attributes,
		Diagnostics:   res.Diagnostics,
		Tags:          tags,
		Substitutions: subs,
	}, nil
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

func (vm *VirtualMachine) push(v Value) {
	vm.stack = append(vm.stack, v)
}

func (vm *VirtualMachine) pop() (Value, error) {
	if len(vm.stack) == 0 {
		return Value{}, ErrStackUnderflow
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

func (vm *VirtualMachine) peek() (Value, error) {
	if len(vm.stack) == 0 {
		return Value{}, ErrStackUnderflow
	}
	return vm.stack[len(vm.stack)-1], nil
}
