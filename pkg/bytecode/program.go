package bytecode

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// FormatVersion is the current native program format version.
// Increment when making incompatible changes to the format.
const FormatVersion uint16 = 1

// Magic bytes for native program files: "PRLY".
var ProgramMagic = []byte{'P', 'R', 'L', 'Y'}

// ProgramFlags contains compilation flags for a program.
type ProgramFlags uint16

const (
	// FlagOptionDestinationOnStack indicates the compiler expects the selected
	// option's destination label to be pushed onto the stack before the jump,
	// and pops it itself at the destination.
	FlagOptionDestinationOnStack ProgramFlags = 1 << 0

	// FlagExternalStrings indicates line text is supplied outside the program
	// (for example a CSV string table), so line IDs are not checked at link time.
	FlagExternalStrings ProgramFlags = 1 << 1
)

// MaxCount bounds the count operands of RUN_LINE, RUN_COMMAND, ADD_OPTION
// and CALL_FUNC.
const MaxCount = math.MaxInt32

// LineID identifies a line in the string table.
type LineID string

// Operand is a compiled constant attached to an instruction or used as a
// declared initial value.
type Operand struct {
	Kind OperandKind
	Str  string
	Num  float64
	Bool bool
}

// StringOperand creates a string operand.
func StringOperand(s string) Operand { return Operand{Kind: OperandString, Str: s} }

// NumberOperand creates a number operand.
func NumberOperand(n float64) Operand { return Operand{Kind: OperandNumber, Num: n} }

// BoolOperand creates a bool operand.
func BoolOperand(b bool) Operand { return Operand{Kind: OperandBool, Bool: b} }

// String renders the operand for listings.
func (o Operand) String() string {
	switch o.Kind {
	case OperandString:
		return strconv.Quote(o.Str)
	case OperandNumber:
		return strconv.FormatFloat(o.Num, 'g', -1, 64)
	case OperandBool:
		return strconv.FormatBool(o.Bool)
	default:
		return "<invalid>"
	}
}

// Instruction is one opcode with its operands.
type Instruction struct {
	Op       Opcode
	Operands []Operand

	// Target is the resolved instruction offset for jumps and options.
	// It is populated by Program.Link and is -1 before linking.
	Target int
}

// StringOperand returns operand i as a string, or "" if absent or mistyped.
func (in *Instruction) StringOperand(i int) string {
	if i < len(in.Operands) && in.Operands[i].Kind == OperandString {
		return in.Operands[i].Str
	}
	return ""
}

// CountOperand returns operand i as a count. ok is false when the operand
// is absent; n is -1 when it lies outside [0, MaxCount].
func (in *Instruction) CountOperand(i int) (n int, ok bool) {
	if i < len(in.Operands) && in.Operands[i].Kind == OperandNumber {
		num := in.Operands[i].Num
		if num < 0 || num > MaxCount {
			return -1, true
		}
		return int(num), true
	}
	return 0, false
}

// BoolOperand returns operand i as a bool, false if absent.
func (in *Instruction) BoolOperand(i int) bool {
	if i < len(in.Operands) && in.Operands[i].Kind == OperandBool {
		return in.Operands[i].Bool
	}
	return false
}

// Header is a key/value pair declared at the top of a node.
type Header struct {
	Key   string
	Value string
}

// Node is a named, independently addressable sequence of instructions.
type Node struct {
	Name         string
	Instructions []Instruction
	Labels       map[string]int
	Tags         []string
	Headers      []Header

	// SourceTextLineID names the string table entry holding the node's source
	// text, for nodes tagged rawText. Empty otherwise.
	SourceTextLineID LineID
}

// Label returns the offset of a label.
func (n *Node) Label(name string) (int, bool) {
	off, ok := n.Labels[name]
	return off, ok
}

// LineIDs returns every line ID referenced by the node, in instruction order.
func (n *Node) LineIDs() []LineID {
	var ids []LineID
	for i := range n.Instructions {
		in := &n.Instructions[i]
		if in.Op == OpRunLine || in.Op == OpAddOption {
			ids = append(ids, LineID(in.StringOperand(0)))
		}
	}
	return ids
}

// Program is the compiled artifact: named nodes, a string table and the
// declared variables with their initial values. A Program is immutable once
// linked and may be shared between dialogues.
type Program struct {
	Version       uint16
	Flags         ProgramFlags
	Name          string
	Nodes         map[string]*Node
	Lines         map[LineID]string
	InitialValues map[string]Operand

	linked bool
}

// NewProgram creates an empty program with the current format version.
func NewProgram(name string) *Program {
	return &Program{
		Version:       FormatVersion,
		Name:          name,
		Nodes:         make(map[string]*Node),
		Lines:         make(map[LineID]string),
		InitialValues: make(map[string]Operand),
	}
}

// AddNode adds a node to the program, replacing any node with the same name.
func (p *Program) AddNode(n *Node) {
	p.Nodes[n.Name] = n
	p.linked = false
}

// AddLine adds an entry to the string table.
func (p *Program) AddLine(id LineID, text string) {
	p.Lines[id] = text
}

// DeclareVariable records a variable's initial value.
func (p *Program) DeclareVariable(name string, value Operand) {
	p.InitialValues[name] = value
}

// Node returns the named node.
func (p *Program) Node(name string) (*Node, bool) {
	n, ok := p.Nodes[name]
	return n, ok
}

// NodeNames returns all node names in sorted order.
func (p *Program) NodeNames() []string {
	names := make([]string, 0, len(p.Nodes))
	for name := range p.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Line returns the template text for a line ID.
func (p *Program) Line(id LineID) (string, bool) {
	text, ok := p.Lines[id]
	return text, ok
}

// IsLinked reports whether Link has succeeded since the last modification.
func (p *Program) IsLinked() bool {
	return p.linked
}

// Merge adds every node, line and declaration of other into p.
// Nodes with the same name are an error.
func (p *Program) Merge(other *Program) error {
	for name := range other.Nodes {
		if _, exists := p.Nodes[name]; exists {
			return fmt.Errorf("%w: node %q defined in both programs", ErrDuplicateNode, name)
		}
	}
	for name, n := range other.Nodes {
		p.Nodes[name] = n
	}
	for id, text := range other.Lines {
		p.Lines[id] = text
	}
	for name, v := range other.InitialValues {
		p.InitialValues[name] = v
	}
	p.Flags |= other.Flags
	p.linked = false
	return nil
}
