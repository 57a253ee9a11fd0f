package vm

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/chazu/parley/pkg/bytecode"
	"github.com/chazu/parley/vm/markup"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func buildProgram(t *testing.T, lines map[bytecode.LineID]string, nodes ...*bytecode.Node) *bytecode.Program {
	t.Helper()
	p := bytecode.NewProgram("test")
	for id, text := range lines {
		p.AddLine(id, text)
	}
	for _, n := range nodes {
		p.AddNode(n)
	}
	if err := p.Link(); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	return p
}

func startVM(t *testing.T, p *bytecode.Program) *VirtualMachine {
	t.Helper()
	vm := NewVirtualMachine(p, nil, nil)
	if err := vm.SetNode("Start"); err != nil {
		t.Fatalf("SetNode failed: %v", err)
	}
	return vm
}

func describe(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		switch e := e.(type) {
		case LineEvent:
			out = append(out, "line:"+e.Line.Text)
		case OptionsEvent:
			out = append(out, fmt.Sprintf("options:%d", len(e.Options)))
		case CommandEvent:
			out = append(out, "command:"+e.Command.Text)
		case NodeStartedEvent:
			out = append(out, "start:"+e.Name)
		case NodeCompletedEvent:
			out = append(out, "end:"+e.Name)
		case DialogueCompleteEvent:
			out = append(out, "complete")
		default:
			out = append(out, fmt.Sprintf("%T", e))
		}
	}
	return out
}

func expectEvents(t *testing.T, events []Event, err error, want ...string) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := describe(events); !slices.Equal(got, want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// Lines and completion
// ---------------------------------------------------------------------------

func TestRunLineThenStop(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"line:0": "Hi"},
		bytecode.NewNodeBuilder("Start").
			PushString("Hi").
			RunLine("line:0", 0).
			Stop().
			Build())
	vm := startVM(t, p)

	if vm.State() != Stopped || vm.CurrentNode() != "Start" {
		t.Fatalf("after SetNode: state %s node %q", vm.State(), vm.CurrentNode())
	}

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "line:Hi")
	if vm.State() != WaitingForLineContinuation {
		t.Fatalf("state = %s, want WaitingForLineContinuation", vm.State())
	}

	events, err = vm.Continue()
	expectEvents(t, events, err, "end:Start", "complete")
	if vm.State() != Stopped || vm.CurrentNode() != "" {
		t.Errorf("after stop: state %s node %q", vm.State(), vm.CurrentNode())
	}

	if _, err := vm.Continue(); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Continue after completion error = %v, want ErrInvalidOperation", err)
	}
}

func TestFallthroughCompletes(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "only"},
		bytecode.NewNodeBuilder("Start").RunLine("l", 0).Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "line:only")
	events, err = vm.Continue()
	expectEvents(t, events, err, "end:Start", "complete")
}

func TestLineSubstitutions(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "{0} has {1} coins"},
		bytecode.NewNodeBuilder("Start").
			PushString("Mae").
			PushNumber(12).
			RunLine("l", 2).
			Stop().
			Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "line:Mae has 12 coins")
	line := events[1].(LineEvent).Line
	if line.ID != "l" || !slices.Equal(line.Substitutions, []string{"Mae", "12"}) {
		t.Errorf("line = %+v", line)
	}
	if vm.StackDepth() != 0 {
		t.Errorf("substitutions should be popped, depth %d", vm.StackDepth())
	}
}

func TestLineMarkup(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "Ava: I [wave]love[/wave] it"},
		bytecode.NewNodeBuilder("Start").RunLine("l", 0).Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "line:Ava: I love it")
	line := events[1].(LineEvent).Line
	if name, ok := line.CharacterName(); !ok || name != "Ava" {
		t.Errorf("CharacterName = %q, %v", name, ok)
	}
	if got := line.TextWithoutCharacterName(); got != "I love it" {
		t.Errorf("TextWithoutCharacterName = %q", got)
	}
	if len(line.Attributes) != 2 {
		t.Errorf("Attributes = %+v", line.Attributes)
	}
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

func optionProgram(t *testing.T) *bytecode.Program {
	return buildProgram(t, map[bytecode.LineID]string{
		"opt:a": "Go left",
		"opt:b": "Go right",
		"opt:c": "Fly",
		"l:a":   "You went left",
		"l:b":   "You went right",
	},
		bytecode.NewNodeBuilder("Start").
			AddOption("opt:a", "a", 0, false).
			AddOption("opt:b", "b", 0, false).
			PushBool(false).
			AddOption("opt:c", "a", 0, true).
			ShowOptions().
			Label("a").
			RunLine("l:a", 0).
			Stop().
			Label("b").
			RunLine("l:b", 0).
			Stop().
			Build())
}

func TestOptionsInAccumulationOrder(t *testing.T) {
	vm := startVM(t, optionProgram(t))

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "options:3")
	if vm.State() != WaitingForOptionSelection {
		t.Fatalf("state = %s", vm.State())
	}

	opts := events[1].(OptionsEvent).Options
	wantText := []string{"Go left", "Go right", "Fly"}
	for i, o := range opts {
		if o.Index != i || o.Line.Text != wantText[i] {
			t.Errorf("option %d = %+v, want %q", i, o, wantText[i])
		}
	}
	if !opts[0].IsAvailable || !opts[1].IsAvailable || opts[2].IsAvailable {
		t.Errorf("availability = %v %v %v", opts[0].IsAvailable, opts[1].IsAvailable, opts[2].IsAvailable)
	}
	if opts[1].DestinationLabel != "b" {
		t.Errorf("DestinationLabel = %q", opts[1].DestinationLabel)
	}

	events, err = vm.SelectOption(1)
	expectEvents(t, events, err, "line:You went right")
	if len(vm.Options()) != 0 {
		t.Error("options should be cleared after selection")
	}
}

func TestSelectFirstOption(t *testing.T) {
	vm := startVM(t, optionProgram(t))
	if _, err := vm.Continue(); err != nil {
		t.Fatal(err)
	}
	events, err := vm.SelectOption(0)
	expectEvents(t, events, err, "line:You went left")
}

func TestSelectOptionErrors(t *testing.T) {
	vm := startVM(t, optionProgram(t))
	if _, err := vm.Continue(); err != nil {
		t.Fatal(err)
	}

	for _, index := range []int{-1, 3, 2} {
		if _, err := vm.SelectOption(index); !errors.Is(err, ErrInvalidOption) {
			t.Errorf("SelectOption(%d) error = %v, want ErrInvalidOption", index, err)
		}
		if vm.State() != WaitingForOptionSelection || len(vm.Options()) != 3 {
			t.Fatalf("SelectOption(%d) changed state to %s", index, vm.State())
		}
	}

	if _, err := vm.Continue(); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Continue while options shown error = %v, want ErrInvalidOperation", err)
	}
}

func TestSelectOptionWhileWaitingForLine(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "Hello", "m": "Again"},
		bytecode.NewNodeBuilder("Start").RunLine("l", 0).RunLine("m", 0).Build())
	vm := startVM(t, p)
	if _, err := vm.Continue(); err != nil {
		t.Fatal(err)
	}

	if _, err := vm.SelectOption(0); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("error = %v, want ErrInvalidOperation", err)
	}
	if vm.State() != WaitingForLineContinuation {
		t.Fatalf("state = %s, want WaitingForLineContinuation", vm.State())
	}
	events, err := vm.Continue()
	expectEvents(t, events, err, "line:Again")
}

func TestShowNoOptionsCompletes(t *testing.T) {
	p := buildProgram(t, nil, bytecode.NewNodeBuilder("Start").ShowOptions().Stop().Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "end:Start", "complete")
	if vm.State() != Stopped {
		t.Errorf("state = %s", vm.State())
	}
}

func TestOptionSubstitutionsAndCondition(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"buy": "Buy the {0} for {1}"},
		bytecode.NewNodeBuilder("Start").
			PushBool(true).
			PushString("sword").
			PushNumber(30).
			AddOption("buy", "done", 2, true).
			ShowOptions().
			Label("done").
			Stop().
			Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "options:1")
	o := events[1].(OptionsEvent).Options[0]
	if o.Line.Text != "Buy the sword for 30" || !o.IsAvailable {
		t.Errorf("option = %+v", o)
	}
}

func TestOptionDestinationOnStack(t *testing.T) {
	p := bytecode.NewProgram("flagged")
	p.Flags |= bytecode.FlagOptionDestinationOnStack
	p.AddLine("o", "Pick me")
	p.AddLine("l", "Picked")
	p.AddNode(bytecode.NewNodeBuilder("Start").
		AddOption("o", "dest", 0, false).
		ShowOptions().
		Label("dest").
		Pop().
		RunLine("l", 0).
		Stop().
		Build())
	if err := p.Link(); err != nil {
		t.Fatal(err)
	}

	vm := startVM(t, p)
	if _, err := vm.Continue(); err != nil {
		t.Fatal(err)
	}
	events, err := vm.SelectOption(0)
	expectEvents(t, events, err, "line:Picked")
	if vm.StackDepth() != 0 {
		t.Errorf("destination should have been popped, depth %d", vm.StackDepth())
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestJumpIfFalse(t *testing.T) {
	build := func(cond bool) *bytecode.Program {
		return buildProgram(t, map[bytecode.LineID]string{"yes": "yes", "no": "no"},
			bytecode.NewNodeBuilder("Start").
				PushBool(cond).
				JumpIfFalse("else").
				RunLine("yes", 0).
				Stop().
				Label("else").
				RunLine("no", 0).
				Stop().
				Build())
	}

	for cond, want := range map[bool]string{true: "line:yes", false: "line:no"} {
		vm := startVM(t, build(cond))
		events, err := vm.Continue()
		expectEvents(t, events, err, "start:Start", want)
		if vm.StackDepth() != 0 {
			t.Errorf("JUMP_IF_FALSE should pop its condition")
		}
	}
}

func TestRunNode(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "In other"},
		bytecode.NewNodeBuilder("Start").PushNumber(1).RunNode("Other").Build(),
		bytecode.NewNodeBuilder("Other").RunLine("l", 0).Stop().Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "end:Start", "start:Other", "line:In other")
	if vm.CurrentNode() != "Other" {
		t.Errorf("CurrentNode = %q", vm.CurrentNode())
	}
	if vm.StackDepth() != 0 {
		t.Errorf("stack should reset on node transfer, depth %d", vm.StackDepth())
	}

	v, ok, _ := vm.storage.Get(VisitCountPrefix + "Start")
	if !ok || v != NumberValue(1) {
		t.Errorf("visit count of Start = %#v, %v", v, ok)
	}
}

func TestPeekAndRunNode(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "there"},
		bytecode.NewNodeBuilder("Start").PushString("There").Build(),
		bytecode.NewNodeBuilder("There").RunLine("l", 0).Build())
	p.Nodes["Start"].Instructions = append(p.Nodes["Start"].Instructions,
		bytecode.Instruction{Op: bytecode.OpPeekAndRunNode, Target: -1})
	if err := p.Link(); err != nil {
		t.Fatal(err)
	}

	vm := startVM(t, p)
	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "end:Start", "start:There", "line:there")
}

func TestRunCommand(t *testing.T) {
	p := buildProgram(t, nil,
		bytecode.NewNodeBuilder("Start").
			PushString("Old Man").
			RunCommand(`move "{0}" door 2`, 1).
			Stop().
			Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", `command:move "Old Man" door 2`)
	cmd := events[1].(CommandEvent).Command
	if cmd.Name != "move" || !slices.Equal(cmd.Args, []string{"Old Man", "door", "2"}) {
		t.Errorf("command = %+v", cmd)
	}
	if vm.State() != WaitingForCommandContinuation {
		t.Errorf("state = %s", vm.State())
	}

	events, err = vm.Continue()
	expectEvents(t, events, err, "end:Start", "complete")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		name string
		args []string
	}{
		{"wait 2", "wait", []string{"2"}},
		{"  fade   out  ", "fade", []string{"out"}},
		{`say "hello \"you\"" now`, "say", []string{`hello "you"`, "now"}},
		{`set ""`, "set", []string{""}},
		{"", "", nil},
	}
	for _, tt := range tests {
		c := ParseCommand(tt.text)
		if c.Name != tt.name || !slices.Equal(c.Args, tt.args) {
			t.Errorf("ParseCommand(%q) = %q %q, want %q %q", tt.text, c.Name, c.Args, tt.name, tt.args)
		}
	}
}

// ---------------------------------------------------------------------------
// Variables and functions
// ---------------------------------------------------------------------------

func TestVariables(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "You have {0} gold"},
		bytecode.NewNodeBuilder("Start").
			PushVariable("$gold").
			RunLine("l", 1).
			PushNumber(10).
			StoreVariable("$gold").
			RunLine("l", 1).
			Stop().
			Build())
	p.DeclareVariable("$gold", bytecode.NumberOperand(5))
	storage := NewMemoryStorage()
	vm := NewVirtualMachine(p, nil, storage)
	if err := vm.SetNode("Start"); err != nil {
		t.Fatal(err)
	}

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "line:You have 5 gold")
	if _, ok, _ := storage.Get("$gold"); ok {
		t.Error("initial value must not be written back to storage")
	}

	// STORE_VARIABLE leaves the value on the stack for the next line.
	events, err = vm.Continue()
	expectEvents(t, events, err, "line:You have 10 gold")
	if v, _, _ := storage.Get("$gold"); v != NumberValue(10) {
		t.Errorf("$gold = %#v", v)
	}
}

func TestStoreVariableTypeMismatch(t *testing.T) {
	p := buildProgram(t, nil,
		bytecode.NewNodeBuilder("Start").PushString("lots").StoreVariable("$gold").Stop().Build())
	p.DeclareVariable("$gold", bytecode.NumberOperand(0))
	vm := startVM(t, p)

	_, err := vm.Continue()
	if !errors.Is(err, ErrTypeMismatch) || !IsFatal(err) {
		t.Fatalf("error = %v, want fatal ErrTypeMismatch", err)
	}
}

func TestStoreUndeclaredVariableKeepsStoredKind(t *testing.T) {
	p := buildProgram(t, nil,
		bytecode.NewNodeBuilder("Start").PushString("lots").StoreVariable("$gold").Stop().Build())
	storage := NewMemoryStorage()
	if err := storage.Set("$gold", NumberValue(5)); err != nil {
		t.Fatal(err)
	}
	vm := NewVirtualMachine(p, nil, storage)
	if err := vm.SetNode("Start"); err != nil {
		t.Fatal(err)
	}

	_, err := vm.Continue()
	if !errors.Is(err, ErrTypeMismatch) || !IsFatal(err) {
		t.Fatalf("error = %v, want fatal ErrTypeMismatch", err)
	}
	if v, _, _ := storage.Get("$gold"); v != NumberValue(5) {
		t.Errorf("$gold = %#v, want it unchanged", v)
	}
}

func TestStoredValueMustMatchDeclaration(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "{0}"},
		bytecode.NewNodeBuilder("Start").PushVariable("$gold").RunLine("l", 1).Stop().Build())
	p.DeclareVariable("$gold", bytecode.NumberOperand(0))
	storage := NewMemoryStorage()
	if err := storage.Set("$gold", StringValue("stale")); err != nil {
		t.Fatal(err)
	}
	vm := NewVirtualMachine(p, nil, storage)
	if err := vm.SetNode("Start"); err != nil {
		t.Fatal(err)
	}

	_, err := vm.Continue()
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("error = %v, want ErrTypeMismatch", err)
	}
}

func TestUnknownVariableIsRecoverable(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"a": "first", "b": "mood: {0}"},
		bytecode.NewNodeBuilder("Start").
			RunLine("a", 0).
			PushVariable("$mood").
			RunLine("b", 1).
			Stop().
			Build())
	storage := NewMemoryStorage()
	vm := NewVirtualMachine(p, nil, storage)
	if err := vm.SetNode("Start"); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Continue(); err != nil {
		t.Fatal(err)
	}

	_, err := vm.Continue()
	if !errors.Is(err, ErrVariableNotFound) {
		t.Fatalf("error = %v, want ErrVariableNotFound", err)
	}
	if IsFatal(err) {
		t.Error("unknown variable should not be fatal")
	}
	if vm.State() != WaitingForLineContinuation || vm.CurrentNode() != "Start" {
		t.Fatalf("state after usage error = %s %q", vm.State(), vm.CurrentNode())
	}

	if err := storage.Set("$mood", StringValue("calm")); err != nil {
		t.Fatal(err)
	}
	events, err := vm.Continue()
	expectEvents(t, events, err, "line:mood: calm")
}

func TestCallFunction(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "{0}"},
		bytecode.NewNodeBuilder("Start").
			PushNumber(7).
			PushNumber(2).
			CallFunc("Number.Minus", 2).
			RunLine("l", 1).
			Stop().
			Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "line:5")
}

func TestCallFunctionCountOnStack(t *testing.T) {
	n := bytecode.NewNodeBuilder("Start").
		PushString("a").
		PushString("b").
		PushNumber(2).
		Build()
	n.Instructions = append(n.Instructions,
		bytecode.Instruction{Op: bytecode.OpCallFunc, Operands: []bytecode.Operand{bytecode.StringOperand("String.Add")}, Target: -1},
		bytecode.Instruction{Op: bytecode.OpRunLine, Operands: []bytecode.Operand{bytecode.StringOperand("l"), bytecode.NumberOperand(1)}, Target: -1},
	)
	p := buildProgram(t, map[bytecode.LineID]string{"l": "{0}"}, n)
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "line:ab")
}

func TestCallFunctionCountOnStackOutOfRange(t *testing.T) {
	for _, argc := range []float64{1e300, -1} {
		n := bytecode.NewNodeBuilder("Start").
			PushString("a").
			PushNumber(argc).
			Build()
		n.Instructions = append(n.Instructions,
			bytecode.Instruction{Op: bytecode.OpCallFunc, Operands: []bytecode.Operand{bytecode.StringOperand("string")}, Target: -1},
		)
		p := buildProgram(t, nil, n)
		vm := startVM(t, p)

		_, err := vm.Continue()
		if !errors.Is(err, bytecode.ErrMalformedInstruction) || !IsFatal(err) {
			t.Errorf("argc %v: error = %v, want fatal ErrMalformedInstruction", argc, err)
		}
		if vm.State() != Stopped {
			t.Errorf("argc %v: state = %v, want Stopped", argc, vm.State())
		}
	}
}

func TestUnknownFunctionRestoresState(t *testing.T) {
	p := buildProgram(t, nil,
		bytecode.NewNodeBuilder("Start").PushNumber(1).CallFunc("missing", 1).Stop().Build())
	vm := startVM(t, p)

	_, err := vm.Continue()
	if !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("error = %v, want ErrFunctionNotFound", err)
	}
	if vm.State() != Stopped || vm.CurrentNode() != "Start" || vm.StackDepth() != 0 {
		t.Fatalf("state not restored: %s %q depth %d", vm.State(), vm.CurrentNode(), vm.StackDepth())
	}

	if err := vm.library.Register("missing", []Kind{KindNumber}, KindNumber, func(args []Value) (Value, error) {
		return args[0], nil
	}); err != nil {
		t.Fatal(err)
	}
	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "end:Start", "complete")
}

// ---------------------------------------------------------------------------
// Fatal errors
// ---------------------------------------------------------------------------

func TestJumpIfFalseNonBoolIsFatal(t *testing.T) {
	p := buildProgram(t, nil,
		bytecode.NewNodeBuilder("Start").PushNumber(1).JumpIfFalse("end").Label("end").Stop().Build())
	vm := startVM(t, p)

	_, err := vm.Continue()
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *IntegrityError", err)
	}
	if ie.Node != "Start" || ie.Offset != 1 || ie.Op != bytecode.OpJumpIfFalse {
		t.Errorf("IntegrityError = %+v", ie)
	}
	if !errors.Is(err, ErrIntegrity) {
		t.Error("should match ErrIntegrity")
	}
	if vm.State() != Stopped || vm.CurrentNode() != "" {
		t.Errorf("VM should stop after an integrity error: %s %q", vm.State(), vm.CurrentNode())
	}
}

func TestArithmeticTypeMismatchIsFatal(t *testing.T) {
	p := buildProgram(t, nil,
		bytecode.NewNodeBuilder("Start").PushNumber(1).PushString("1").CallFunc("Number.Add", 2).Stop().Build())
	vm := startVM(t, p)

	_, err := vm.Continue()
	if !errors.Is(err, ErrArgumentType) || !IsFatal(err) {
		t.Fatalf("error = %v, want fatal ErrArgumentType", err)
	}
}

func TestRunawayExecution(t *testing.T) {
	p := buildProgram(t, nil,
		bytecode.NewNodeBuilder("Start").Label("loop").JumpTo("loop").Build())
	vm := startVM(t, p)
	vm.SetMaxSteps(50)

	_, err := vm.Continue()
	if !errors.Is(err, ErrRunawayExecution) {
		t.Fatalf("error = %v, want ErrRunawayExecution", err)
	}
	if vm.State() != Stopped || vm.CurrentNode() != "" {
		t.Errorf("VM should stop after runaway execution")
	}
}

func TestPlaceholderOutOfRangeIsFatal(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "Hi {1}"},
		bytecode.NewNodeBuilder("Start").PushString("x").RunLine("l", 1).Build())
	vm := startVM(t, p)

	_, err := vm.Continue()
	var fe *markup.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *markup.FormatError", err)
	}
	if vm.CurrentNode() != "" {
		t.Error("VM should stop after a formatting error")
	}
}

func TestMissingCategoryIsRecoverable(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": `{0:select, a "A"}`},
		bytecode.NewNodeBuilder("Start").PushString("b").RunLine("l", 1).Build())
	vm := startVM(t, p)

	_, err := vm.Continue()
	if !errors.Is(err, markup.ErrMissingCategory) || IsFatal(err) {
		t.Fatalf("error = %v, want recoverable ErrMissingCategory", err)
	}
	if vm.State() != Stopped || vm.CurrentNode() != "Start" || vm.StackDepth() != 0 {
		t.Errorf("state not restored")
	}
	// The pending node-started event is still delivered on retry.
	_, err = vm.Continue()
	if !errors.Is(err, markup.ErrMissingCategory) {
		t.Errorf("retry error = %v", err)
	}
}

func TestMalformedMarkupPassesThrough(t *testing.T) {
	p := buildProgram(t, map[bytecode.LineID]string{"l": "An [b]unclosed tag"},
		bytecode.NewNodeBuilder("Start").RunLine("l", 0).Build())
	vm := startVM(t, p)

	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "line:An [b]unclosed tag")
	if line := events[1].(LineEvent).Line; len(line.Diagnostics) != 1 {
		t.Errorf("Diagnostics = %v", line.Diagnostics)
	}
}

// ---------------------------------------------------------------------------
// State management
// ---------------------------------------------------------------------------

func TestSetNodeErrors(t *testing.T) {
	vm := NewVirtualMachine(nil, nil, nil)
	if err := vm.SetNode("Start"); !errors.Is(err, ErrNoProgram) {
		t.Errorf("no program error = %v", err)
	}

	p := bytecode.NewProgram("unlinked")
	p.AddNode(bytecode.NewNodeBuilder("Start").Stop().Build())
	vm = NewVirtualMachine(p, nil, nil)
	if err := vm.SetNode("Start"); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("unlinked program error = %v", err)
	}

	if err := p.Link(); err != nil {
		t.Fatal(err)
	}
	if err := vm.SetNode("Nowhere"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("unknown node error = %v", err)
	}
	if _, err := vm.Continue(); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Continue with no node error = %v", err)
	}
}

func TestSetNodeResets(t *testing.T) {
	vm := startVM(t, optionProgram(t))
	if _, err := vm.Continue(); err != nil {
		t.Fatal(err)
	}
	if err := vm.SetNode("Start"); err != nil {
		t.Fatal(err)
	}
	if vm.State() != Stopped || len(vm.Options()) != 0 || vm.StackDepth() != 0 {
		t.Fatalf("SetNode did not reset: %s", vm.State())
	}
	events, err := vm.Continue()
	expectEvents(t, events, err, "start:Start", "options:3")
}

func TestStop(t *testing.T) {
	vm := startVM(t, optionProgram(t))
	if _, err := vm.Continue(); err != nil {
		t.Fatal(err)
	}

	events := vm.Stop()
	if got := describe(events); !slices.Equal(got, []string{"complete"}) {
		t.Errorf("Stop events = %q", got)
	}
	if vm.State() != Stopped || len(vm.Options()) != 0 || vm.CurrentNode() != "" {
		t.Errorf("Stop did not reset")
	}
	if events := vm.Stop(); events != nil {
		t.Errorf("second Stop = %v, want nil", events)
	}
}

func TestExecutionStateString(t *testing.T) {
	if WaitingForOptionSelection.String() != "WaitingForOptionSelection" {
		t.Error(WaitingForOptionSelection.String())
	}
	if ExecutionState(99).String() != "ExecutionState(99)" {
		t.Error(ExecutionState(99).String())
	}
}
