package bytecode

import (
	"errors"
	"fmt"
)

// Program-integrity errors. A program that fails any of these checks is not
// well formed and must not be executed.
var (
	ErrIntegrity            = errors.New("program integrity violation")
	ErrMalformedInstruction = fmt.Errorf("%w: malformed instruction", ErrIntegrity)
	ErrUnresolvedLabel      = fmt.Errorf("%w: unresolved label", ErrIntegrity)
	ErrUnresolvedNode       = fmt.Errorf("%w: unresolved node", ErrIntegrity)
	ErrUnknownLine          = fmt.Errorf("%w: line missing from string table", ErrIntegrity)
	ErrStackUnderflow       = fmt.Errorf("%w: stack underflow", ErrIntegrity)
	ErrDuplicateNode        = fmt.Errorf("%w: duplicate node", ErrIntegrity)
)

// Decoding errors.
var (
	ErrInvalidMagic    = errors.New("invalid magic number: expected PRLY")
	ErrVersionMismatch = errors.New("program version mismatch")
	ErrUnexpectedEOF   = errors.New("unexpected end of program data")
	ErrCorruptData     = errors.New("corrupt program data")
	ErrUnknownFormat   = errors.New("unrecognized program format")
)

// ProgramLoadError reports bytes that could not be turned into a linked Program.
type ProgramLoadError struct {
	Format string // "native", "yarnc", ...
	Err    error
}

func (e *ProgramLoadError) Error() string {
	return fmt.Sprintf("load %s program: %v", e.Format, e.Err)
}

func (e *ProgramLoadError) Unwrap() error {
	return e.Err
}

// LinkError locates an integrity violation found while linking.
type LinkError struct {
	Node   string
	Offset int
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("node %q instruction %d: %v", e.Node, e.Offset, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
