package bytecode

import (
	"fmt"
	"sort"
	"strings"
)

// Disassemble returns a human-readable listing of every node in the program.
func (p *Program) Disassemble() string {
	var sb strings.Builder

	// Header
	if p.Name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", p.Name))
	}
	sb.WriteString(fmt.Sprintf("; Parley Program v%d\n", p.Version))
	sb.WriteString(fmt.Sprintf("; Flags: 0x%04X", p.Flags))
	if p.Flags&FlagOptionDestinationOnStack != 0 {
		sb.WriteString(" [OPTION_DEST_ON_STACK]")
	}
	if p.Flags&FlagExternalStrings != 0 {
		sb.WriteString(" [EXTERNAL_STRINGS]")
	}
	sb.WriteString("\n\n")

	// Initial values
	if len(p.InitialValues) > 0 {
		sb.WriteString("; Variables:\n")
		names := make([]string, 0, len(p.InitialValues))
		for name := range p.InitialValues {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(fmt.Sprintf(";   %s = %s\n", name, p.InitialValues[name]))
		}
		sb.WriteString("\n")
	}

	for _, name := range p.NodeNames() {
		sb.WriteString(p.Nodes[name].disassemble(p))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (n *Node) disassemble(p *Program) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s:\n", n.Name))
	if len(n.Tags) > 0 {
		sb.WriteString(fmt.Sprintf("; Tags: %s\n", strings.Join(n.Tags, " ")))
	}
	for _, h := range n.Headers {
		sb.WriteString(fmt.Sprintf("; %s: %s\n", h.Key, h.Value))
	}

	labelsAt := make(map[int][]string)
	for label, off := range n.Labels {
		labelsAt[off] = append(labelsAt[off], label)
	}

	for pc := range n.Instructions {
		labels := labelsAt[pc]
		sort.Strings(labels)
		for _, label := range labels {
			sb.WriteString(fmt.Sprintf("  %s:\n", label))
		}
		sb.WriteString(fmt.Sprintf("%04d  %s\n", pc, n.Instructions[pc].disassemble(p)))
	}
	for _, label := range labelsAt[len(n.Instructions)] {
		sb.WriteString(fmt.Sprintf("  %s:\n", label))
	}
	return sb.String()
}

// disassemble formats a single instruction, annotating jump targets and line text.
func (in *Instruction) disassemble(p *Program) string {
	parts := make([]string, 0, len(in.Operands)+1)
	parts = append(parts, in.Op.String())
	for _, o := range in.Operands {
		parts = append(parts, o.String())
	}
	line := strings.Join(parts, " ")

	switch {
	case in.Op.HasTarget() && in.Target >= 0:
		line = fmt.Sprintf("%-40s ; -> %04d", line, in.Target)
	case in.Op == OpRunLine && p != nil:
		if text, ok := p.Lines[LineID(in.StringOperand(0))]; ok {
			if len(text) > 30 {
				text = text[:27] + "..."
			}
			line = fmt.Sprintf("%-40s ; %q", line, text)
		}
	}
	return line
}
