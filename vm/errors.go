package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/parley/pkg/bytecode"
	"github.com/chazu/parley/vm/markup"
)

// Program-integrity errors. These mean the program violates the VM's
// structural contract; the VM stops when one is raised.
var (
	ErrIntegrity             = bytecode.ErrIntegrity
	ErrTypeMismatch          = fmt.Errorf("%w: type mismatch", ErrIntegrity)
	ErrArgumentCountMismatch = fmt.Errorf("%w: argument count mismatch", ErrIntegrity)
	ErrArgumentType          = fmt.Errorf("%w: argument type mismatch", ErrIntegrity)
	ErrDivisionByZero        = fmt.Errorf("%w: division by zero", ErrIntegrity)
	ErrStackUnderflow        = bytecode.ErrStackUnderflow
)

// Usage errors. The operation that returned one had no effect on the VM.
var (
	ErrNoProgram        = errors.New("no program loaded")
	ErrNodeNotFound     = errors.New("node not found")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidOption    = errors.New("invalid option")
	ErrFunctionNotFound = errors.New("function not found")
	ErrVariableNotFound = errors.New("variable not found")
	ErrLibraryFrozen    = errors.New("library cannot be modified while the dialogue is running")
	ErrInvalidLocale    = errors.New("invalid locale")
)

// ErrRunawayExecution is returned when a single call executes more
// instructions than the step budget allows without yielding. It stops the VM.
var ErrRunawayExecution = errors.New("runaway execution: instruction budget exhausted")

// IntegrityError locates a program-integrity violation found while executing.
type IntegrityError struct {
	Node   string
	Offset int
	Op     bytecode.Opcode
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("node %q instruction %04d (%s): %v", e.Node, e.Offset, e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err stopped the VM: integrity violations, runaway
// execution and template formatting failures. Any other error returned by
// the VM or Dialogue left the execution state as it was before the call.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *markup.FormatError
	return errors.Is(err, ErrIntegrity) || errors.Is(err, ErrRunawayExecution) || errors.As(err, &fe)
}
