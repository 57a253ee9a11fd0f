package bytecode

import (
	"fmt"
	"math"
)

// Link validates the program and resolves every label operand to an absolute
// instruction offset stored in Instruction.Target. After a successful Link the
// VM never looks labels up by name for jumps or options.
//
// Link checks that:
//   - every opcode is known and its operands match the opcode's shape
//   - every jump and option label exists in its node
//   - every RUN_NODE target names a node of the program
//   - every line referenced exists in the string table, unless the program
//     declares FlagExternalStrings
//   - no path through a node pops more values than were pushed, where the
//     stack effect of each instruction is known statically
func (p *Program) Link() error {
	for _, name := range p.NodeNames() {
		n := p.Nodes[name]
		if n.Name == "" {
			n.Name = name
		}
		if err := p.linkNode(n); err != nil {
			return err
		}
	}
	for _, name := range p.NodeNames() {
		if err := checkStackDepth(p.Nodes[name], p.Flags); err != nil {
			return err
		}
	}
	p.linked = true
	return nil
}

func (p *Program) linkNode(n *Node) error {
	for label, off := range n.Labels {
		if off < 0 || off > len(n.Instructions) {
			return &LinkError{Node: n.Name, Offset: off, Err: fmt.Errorf("%w: label %q out of range", ErrUnresolvedLabel, label)}
		}
	}

	checkLines := p.Flags&FlagExternalStrings == 0

	for pc := range n.Instructions {
		in := &n.Instructions[pc]
		in.Target = -1

		if err := checkOperands(in); err != nil {
			return &LinkError{Node: n.Name, Offset: pc, Err: err}
		}

		switch in.Op {
		case OpJumpTo, OpJumpIfFalse, OpPeekJumpIfFalse:
			label := in.StringOperand(0)
			off, ok := n.Labels[label]
			if !ok {
				return &LinkError{Node: n.Name, Offset: pc, Err: fmt.Errorf("%w: %q", ErrUnresolvedLabel, label)}
			}
			in.Target = off

		case OpAddOption:
			label := in.StringOperand(1)
			off, ok := n.Labels[label]
			if !ok {
				return &LinkError{Node: n.Name, Offset: pc, Err: fmt.Errorf("%w: option destination %q", ErrUnresolvedLabel, label)}
			}
			in.Target = off
			if checkLines {
				if err := p.checkLine(in.StringOperand(0)); err != nil {
					return &LinkError{Node: n.Name, Offset: pc, Err: err}
				}
			}

		case OpRunLine:
			if checkLines {
				if err := p.checkLine(in.StringOperand(0)); err != nil {
					return &LinkError{Node: n.Name, Offset: pc, Err: err}
				}
			}

		case OpRunNode:
			target := in.StringOperand(0)
			if _, ok := p.Nodes[target]; !ok {
				return &LinkError{Node: n.Name, Offset: pc, Err: fmt.Errorf("%w: %q", ErrUnresolvedNode, target)}
			}
		}
	}
	return nil
}

func (p *Program) checkLine(id string) error {
	if _, ok := p.Lines[LineID(id)]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLine, id)
	}
	return nil
}

func checkOperands(in *Instruction) error {
	if !in.Op.IsValid() {
		return fmt.Errorf("%w: unknown opcode 0x%02X", ErrMalformedInstruction, byte(in.Op))
	}
	info := GetOpcodeInfo(in.Op)
	if len(in.Operands) < info.MinOperands || len(in.Operands) > len(info.Operands) {
		return fmt.Errorf("%w: %s takes %d-%d operands, got %d",
			ErrMalformedInstruction, info.Name, info.MinOperands, len(info.Operands), len(in.Operands))
	}
	for i, o := range in.Operands {
		if o.Kind != info.Operands[i] {
			return fmt.Errorf("%w: %s operand %d is %s, want %s",
				ErrMalformedInstruction, info.Name, i, o.Kind, info.Operands[i])
		}
		if o.Kind == OperandNumber && in.Op != OpPushNumber {
			if o.Num < 0 || o.Num > MaxCount || o.Num != math.Trunc(o.Num) {
				return fmt.Errorf("%w: %s count operand %v is not an integer in [0, %d]",
					ErrMalformedInstruction, info.Name, o.Num, MaxCount)
			}
		}
	}
	return nil
}

// stackEffect returns the number of values an instruction pops and pushes.
// ok is false when the effect depends on runtime stack contents.
func stackEffect(in *Instruction) (pops, pushes int, ok bool) {
	info := GetOpcodeInfo(in.Op)
	switch in.Op {
	case OpCallFunc:
		argc, has := in.CountOperand(1)
		if !has {
			return 0, 0, false
		}
		return argc, 1, true
	case OpRunLine, OpRunCommand:
		subs, _ := in.CountOperand(1)
		return subs, 0, true
	case OpAddOption:
		subs, _ := in.CountOperand(2)
		if in.BoolOperand(3) {
			subs++
		}
		return subs, 0, true
	}
	return info.StackPop, info.StackPush, true
}

// checkStackDepth walks every reachable path of a node and reports the first
// instruction that could pop from an empty stack. Where paths merge, the
// shallowest depth is kept.
func checkStackDepth(n *Node, flags ProgramFlags) error {
	depth := make([]int, len(n.Instructions)+1)
	for i := range depth {
		depth[i] = -1
	}

	var work []int
	visit := func(pc, d int) {
		if pc < 0 || pc > len(n.Instructions) {
			return
		}
		if depth[pc] == -1 || d < depth[pc] {
			depth[pc] = d
			work = append(work, pc)
		}
	}
	visit(0, 0)

	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		if pc >= len(n.Instructions) {
			continue
		}

		in := &n.Instructions[pc]
		pops, pushes, ok := stackEffect(in)
		if !ok {
			// The rest of the node can only be checked at runtime.
			return nil
		}
		d := depth[pc]
		if d < pops {
			return &LinkError{Node: n.Name, Offset: pc, Err: fmt.Errorf("%w: %s needs %d values, %d available",
				ErrStackUnderflow, in.Op, pops, d)}
		}
		next := d - pops + pushes

		switch in.Op {
		case OpJumpTo:
			visit(in.Target, next)
		case OpJumpIfFalse, OpPeekJumpIfFalse:
			visit(pc+1, next)
			visit(in.Target, next)
		case OpAddOption:
			visit(pc+1, next)
			dest := next
			if flags&FlagOptionDestinationOnStack != 0 {
				dest++
			}
			visit(in.Target, dest)
		case OpStop, OpRunNode, OpPeekAndRunNode, OpPeekAndJump:
			// Path leaves the node or continues at a runtime-chosen label.
		default:
			visit(pc+1, next)
		}
	}
	return nil
}
