package bytecode

// NodeBuilder assembles a node instruction by instruction. It is used by tools
// and tests that produce programs without the external compiler.
type NodeBuilder struct {
	node *Node
}

// NewNodeBuilder starts a node with the given name.
func NewNodeBuilder(name string) *NodeBuilder {
	return &NodeBuilder{node: &Node{Name: name, Labels: make(map[string]int)}}
}

// Emit appends an instruction and returns its offset.
func (b *NodeBuilder) Emit(op Opcode, operands ...Operand) int {
	offset := len(b.node.Instructions)
	b.node.Instructions = append(b.node.Instructions, Instruction{Op: op, Operands: operands, Target: -1})
	return offset
}

// Label marks the next instruction offset with name.
func (b *NodeBuilder) Label(name string) *NodeBuilder {
	b.node.Labels[name] = len(b.node.Instructions)
	return b
}

// Tag adds a node tag.
func (b *NodeBuilder) Tag(tags ...string) *NodeBuilder {
	b.node.Tags = append(b.node.Tags, tags...)
	return b
}

// Header adds a node header.
func (b *NodeBuilder) Header(key, value string) *NodeBuilder {
	b.node.Headers = append(b.node.Headers, Header{Key: key, Value: value})
	return b
}

func (b *NodeBuilder) PushString(s string) *NodeBuilder {
	b.Emit(OpPushString, StringOperand(s))
	return b
}

func (b *NodeBuilder) PushNumber(n float64) *NodeBuilder {
	b.Emit(OpPushNumber, NumberOperand(n))
	return b
}

func (b *NodeBuilder) PushBool(v bool) *NodeBuilder {
	b.Emit(OpPushBool, BoolOperand(v))
	return b
}

func (b *NodeBuilder) Pop() *NodeBuilder {
	b.Emit(OpPop)
	return b
}

func (b *NodeBuilder) PushVariable(name string) *NodeBuilder {
	b.Emit(OpPushVariable, StringOperand(name))
	return b
}

func (b *NodeBuilder) StoreVariable(name string) *NodeBuilder {
	b.Emit(OpStoreVariable, StringOperand(name))
	return b
}

// CallFunc emits a call with an explicit argument count.
func (b *NodeBuilder) CallFunc(name string, argc int) *NodeBuilder {
	b.Emit(OpCallFunc, StringOperand(name), NumberOperand(float64(argc)))
	return b
}

func (b *NodeBuilder) JumpTo(label string) *NodeBuilder {
	b.Emit(OpJumpTo, StringOperand(label))
	return b
}

func (b *NodeBuilder) JumpIfFalse(label string) *NodeBuilder {
	b.Emit(OpJumpIfFalse, StringOperand(label))
	return b
}

func (b *NodeBuilder) RunNode(name string) *NodeBuilder {
	b.Emit(OpRunNode, StringOperand(name))
	return b
}

func (b *NodeBuilder) Stop() *NodeBuilder {
	b.Emit(OpStop)
	return b
}

func (b *NodeBuilder) RunLine(id LineID, substitutions int) *NodeBuilder {
	b.Emit(OpRunLine, StringOperand(string(id)), NumberOperand(float64(substitutions)))
	return b
}

func (b *NodeBuilder) RunCommand(text string, substitutions int) *NodeBuilder {
	b.Emit(OpRunCommand, StringOperand(text), NumberOperand(float64(substitutions)))
	return b
}

func (b *NodeBuilder) AddOption(id LineID, label string, substitutions int, hasCondition bool) *NodeBuilder {
	b.Emit(OpAddOption,
		StringOperand(string(id)),
		StringOperand(label),
		NumberOperand(float64(substitutions)),
		BoolOperand(hasCondition))
	return b
}

func (b *NodeBuilder) ShowOptions() *NodeBuilder {
	b.Emit(OpShowOptions)
	return b
}

// Build returns the assembled node.
func (b *NodeBuilder) Build() *Node {
	return b.node
}
