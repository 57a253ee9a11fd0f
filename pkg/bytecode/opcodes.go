package bytecode

import "fmt"

// Opcode represents a dialogue VM instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpPushString Opcode = 0x01 // Push string operand
	OpPushNumber Opcode = 0x02 // Push number operand
	OpPushBool   Opcode = 0x03 // Push bool operand
	OpPop        Opcode = 0x04 // Pop top of stack

	// ========================================================================
	// Variables (0x10-0x1F)
	// ========================================================================

	OpPushVariable  Opcode = 0x10 // Push variable value: OpPushVariable <name>
	OpStoreVariable Opcode = 0x11 // Store top of stack (not popped): OpStoreVariable <name>

	// ========================================================================
	// Functions (0x20-0x2F)
	// ========================================================================

	OpCallFunc Opcode = 0x20 // Call library function: OpCallFunc <name> [argc]

	// ========================================================================
	// Control flow (0x30-0x3F)
	// ========================================================================

	OpJumpTo          Opcode = 0x30 // Unconditional jump: OpJumpTo <label>
	OpJumpIfFalse     Opcode = 0x31 // Pop bool, jump if false: OpJumpIfFalse <label>
	OpPeekJumpIfFalse Opcode = 0x32 // Peek bool, jump if false (legacy): OpPeekJumpIfFalse <label>
	OpPeekAndJump     Opcode = 0x33 // Jump to the label named by the string on top of stack
	OpRunNode         Opcode = 0x34 // Transfer to another node: OpRunNode <node>
	OpPeekAndRunNode  Opcode = 0x35 // Pop node name and transfer to it
	OpStop            Opcode = 0x36 // Stop the dialogue

	// ========================================================================
	// Content (0x40-0x4F) - yield points
	// ========================================================================

	OpRunLine     Opcode = 0x40 // Deliver line: OpRunLine <lineID> [substitutions]
	OpRunCommand  Opcode = 0x41 // Deliver command: OpRunCommand <text> [substitutions]
	OpAddOption   Opcode = 0x42 // Accumulate option: OpAddOption <lineID> <label> [substitutions] [hasCondition]
	OpShowOptions Opcode = 0x43 // Deliver accumulated options
)

// OperandKind is the type tag of an instruction operand.
type OperandKind uint8

const (
	OperandInvalid OperandKind = iota
	OperandString
	OperandNumber
	OperandBool
)

// String returns a human-readable name for OperandKind.
func (k OperandKind) String() string {
	switch k {
	case OperandString:
		return "string"
	case OperandNumber:
		return "number"
	case OperandBool:
		return "bool"
	default:
		return fmt.Sprintf("OperandKind(%d)", k)
	}
}

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name        string        // Human-readable name
	StackPop    int           // How many values popped from stack (-1 = depends on operands)
	StackPush   int           // How many values pushed to stack
	Operands    []OperandKind // Operand shape
	MinOperands int           // Trailing operands beyond this count are optional
	Yields      bool          // Suspends the VM and hands control to the host
}

var (
	noOperands  = []OperandKind{}
	oneString   = []OperandKind{OperandString}
	stringCount = []OperandKind{OperandString, OperandNumber}
)

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpPushString: {"PUSH_STRING", 0, 1, oneString, 1, false},
	OpPushNumber: {"PUSH_NUMBER", 0, 1, []OperandKind{OperandNumber}, 1, false},
	OpPushBool:   {"PUSH_BOOL", 0, 1, []OperandKind{OperandBool}, 1, false},
	OpPop:        {"POP", 1, 0, noOperands, 0, false},

	// Variables
	OpPushVariable:  {"PUSH_VARIABLE", 0, 1, oneString, 1, false},
	OpStoreVariable: {"STORE_VARIABLE", 1, 1, oneString, 1, false},

	// Functions
	OpCallFunc: {"CALL_FUNC", -1, 1, stringCount, 1, false},

	// Control flow
	OpJumpTo:          {"JUMP_TO", 0, 0, oneString, 1, false},
	OpJumpIfFalse:     {"JUMP_IF_FALSE", 1, 0, oneString, 1, false},
	OpPeekJumpIfFalse: {"PEEK_JUMP_IF_FALSE", 1, 1, oneString, 1, false},
	OpPeekAndJump:     {"PEEK_AND_JUMP", 1, 1, noOperands, 0, false},
	OpRunNode:         {"RUN_NODE", 0, 0, oneString, 1, false},
	OpPeekAndRunNode:  {"PEEK_AND_RUN_NODE", 1, 0, noOperands, 0, false},
	OpStop:            {"STOP", 0, 0, noOperands, 0, true},

	// Content
	OpRunLine:     {"RUN_LINE", -1, 0, stringCount, 1, true},
	OpRunCommand:  {"RUN_COMMAND", -1, 0, stringCount, 1, true},
	OpAddOption:   {"ADD_OPTION", -1, 0, []OperandKind{OperandString, OperandString, OperandNumber, OperandBool}, 2, false},
	OpShowOptions: {"SHOW_OPTIONS", 0, 0, noOperands, 0, true},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op)), StackPop: 0, StackPush: 0}
}

// IsValid reports whether op is a defined opcode.
func (op Opcode) IsValid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// IsJump returns true if this opcode carries a label operand resolved at link time.
func (op Opcode) IsJump() bool {
	return op == OpJumpTo || op == OpJumpIfFalse || op == OpPeekJumpIfFalse
}

// HasTarget returns true if the instruction's Target field is meaningful after linking.
func (op Opcode) HasTarget() bool {
	return op.IsJump() || op == OpAddOption
}

// Yields returns true if executing this opcode hands control back to the host.
func (op Opcode) Yields() bool {
	return GetOpcodeInfo(op).Yields
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
