// Package bytecode defines the compiled form of a dialogue program and the
// instruction set the dialogue VM executes.
//
// A Program is a set of named nodes. Each node is a flat list of instructions
// with a label table, plus tags and headers copied from the source. Lines of
// dialogue are referenced by ID and resolved through the program's string
// table, which may be supplied separately (see ReadStringTableCSV).
//
// # Instruction Set
//
// The VM is stack based. Operands are compiled constants of three kinds
// (string, number, bool); everything else flows through the value stack:
//
//   - Stack: PUSH_STRING, PUSH_NUMBER, PUSH_BOOL, POP
//   - Variables: PUSH_VARIABLE, STORE_VARIABLE (peeks, does not pop)
//   - Functions: CALL_FUNC name [argc]; the argument count is read from the
//     stack when the operand is absent
//   - Control flow: JUMP_TO, JUMP_IF_FALSE, PEEK_JUMP_IF_FALSE,
//     PEEK_AND_JUMP, RUN_NODE, PEEK_AND_RUN_NODE, STOP
//   - Content: RUN_LINE, RUN_COMMAND, ADD_OPTION, SHOW_OPTIONS
//
// Arithmetic, comparison and boolean logic are not opcodes. The compiler
// emits CALL_FUNC against operator functions such as "Number.Add" that the
// runtime library provides.
//
// # Linking
//
// Program.Link validates a program and resolves every jump and option label
// to an absolute offset, so that execution never searches label tables. Both
// decoders link before returning; a Program obtained from Load is ready to run.
//
// # Formats
//
// Two encodings are understood:
//
//   - native: the "PRLY" layout written by Program.Serialize
//   - yarnc: the protobuf layout produced by the Yarn Spinner v2 compiler
//
// Load picks between them by sniffing the magic bytes.
//
// # Disassembly
//
// Program.Disassemble renders a listing with resolved jump targets and the
// text of each line, for debugging compiled programs.
package bytecode
