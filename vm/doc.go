// Package vm implements the parley dialogue runtime.
//
// This package contains:
//   - Value, the tagged String/Number/Bool runtime value
//   - Library, the registry of callable functions, and the standard library
//     of operator functions the compiler targets
//   - VariableStorage and the default MemoryStorage
//   - VirtualMachine, the stack-based interpreter over one node at a time
//   - Dialogue, the host-facing orchestrator
//
// Execution is synchronous. SetNode, Continue, SetSelectedOption and Stop do
// all their work before returning, and each returns the Events produced, in
// order. Between calls the VM waits in one of the Waiting states; nothing
// runs in the background.
//
// Errors come in two tiers. Integrity errors (errors.Is ErrIntegrity),
// runaway execution and template formatting errors are fatal: the VM stops
// and the node is unloaded. Every other error leaves the VM exactly as it
// was before the call, so the host may correct its input and retry.
package vm
