package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Serialize encodes the program to the native byte layout.
// Format:
//
//	[magic:4] [version:2] [flags:2]
//	[name:str16]
//	[line_count:4] ([id:str16] [text:str32])...
//	[var_count:4] ([name:str16] [operand])...
//	[node_count:4] [node]...
//
// node:
//
//	[name:str16] [source_line:str16]
//	[tag_count:2] [tag:str16]...
//	[header_count:2] ([key:str16] [value:str16])...
//	[label_count:2] ([name:str16] [offset:4])...
//	[instruction_count:4] ([op:1] [operand_count:1] [operand]...)...
//
// operand:
//
//	[kind:1] then string [len:4][bytes], number [float64 bits:8], bool [0|1]
//
// Maps are written in sorted key order so the output is deterministic.
func (p *Program) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 256)

	buf = append(buf, ProgramMagic...)
	buf = binary.BigEndian.AppendUint16(buf, p.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.Flags))

	var err error
	if buf, err = appendStr16(buf, p.Name); err != nil {
		return nil, err
	}

	// String table
	ids := make([]string, 0, len(p.Lines))
	for id := range p.Lines {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		if buf, err = appendStr16(buf, id); err != nil {
			return nil, err
		}
		buf = appendStr32(buf, p.Lines[LineID(id)])
	}

	// Initial values
	names := make([]string, 0, len(p.InitialValues))
	for name := range p.InitialValues {
		names = append(names, name)
	}
	sort.Strings(names)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(names)))
	for _, name := range names {
		if buf, err = appendStr16(buf, name); err != nil {
			return nil, err
		}
		if buf, err = appendOperand(buf, p.InitialValues[name]); err != nil {
			return nil, err
		}
	}

	// Nodes
	nodeNames := p.NodeNames()
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(nodeNames)))
	for _, name := range nodeNames {
		if buf, err = appendNode(buf, p.Nodes[name]); err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
	}

	return buf, nil
}

func appendNode(buf []byte, n *Node) ([]byte, error) {
	var err error
	if buf, err = appendStr16(buf, n.Name); err != nil {
		return nil, err
	}
	if buf, err = appendStr16(buf, string(n.SourceTextLineID)); err != nil {
		return nil, err
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.Tags)))
	for _, tag := range n.Tags {
		if buf, err = appendStr16(buf, tag); err != nil {
			return nil, err
		}
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.Headers)))
	for _, h := range n.Headers {
		if buf, err = appendStr16(buf, h.Key); err != nil {
			return nil, err
		}
		if buf, err = appendStr16(buf, h.Value); err != nil {
			return nil, err
		}
	}

	labels := make([]string, 0, len(n.Labels))
	for label := range n.Labels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(labels)))
	for _, label := range labels {
		if buf, err = appendStr16(buf, label); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(n.Labels[label]))
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.Instructions)))
	for _, in := range n.Instructions {
		if len(in.Operands) > math.MaxUint8 {
			return nil, fmt.Errorf("%s has %d operands", in.Op, len(in.Operands))
		}
		buf = append(buf, byte(in.Op), byte(len(in.Operands)))
		for _, o := range in.Operands {
			if buf, err = appendOperand(buf, o); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func appendOperand(buf []byte, o Operand) ([]byte, error) {
	buf = append(buf, byte(o.Kind))
	switch o.Kind {
	case OperandString:
		buf = appendStr32(buf, o.Str)
	case OperandNumber:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(o.Num))
	case OperandBool:
		if o.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	default:
		return nil, fmt.Errorf("cannot encode operand of kind %s", o.Kind)
	}
	return buf, nil
}

func appendStr16(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("string of %d bytes exceeds 16-bit length", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func appendStr32(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// decoder reads the native layout, tracking its position for error messages.
type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) need(n int, what string) error {
	if n < 0 || d.pos+n > len(d.data) {
		return fmt.Errorf("%w reading %s at pos %d", ErrUnexpectedEOF, what, d.pos)
	}
	return nil
}

func (d *decoder) u8(what string) (uint8, error) {
	if err := d.need(1, what); err != nil {
		return 0, err
	}
	v := d.data[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) u16(what string) (uint16, error) {
	if err := d.need(2, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) u32(what string) (uint32, error) {
	if err := d.need(4, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) u64(what string) (uint64, error) {
	if err := d.need(8, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) bytes(n int, what string) (string, error) {
	if err := d.need(n, what); err != nil {
		return "", err
	}
	s := string(d.data[d.pos : d.pos+n])
	d.pos += n
	return s, nil
}

func (d *decoder) str16(what string) (string, error) {
	n, err := d.u16(what + " length")
	if err != nil {
		return "", err
	}
	return d.bytes(int(n), what)
}

func (d *decoder) str32(what string) (string, error) {
	n, err := d.u32(what + " length")
	if err != nil {
		return "", err
	}
	return d.bytes(int(n), what)
}

// count reads a u32 element count and rejects counts that could not fit in the
// remaining data given a minimum encoded size per element.
func (d *decoder) count(minSize int, what string) (int, error) {
	n, err := d.u32(what)
	if err != nil {
		return 0, err
	}
	if int64(n)*int64(minSize) > int64(len(d.data)-d.pos) {
		return 0, fmt.Errorf("%w: %s %d exceeds remaining data", ErrCorruptData, what, n)
	}
	return int(n), nil
}

func (d *decoder) operand(what string) (Operand, error) {
	kind, err := d.u8(what + " kind")
	if err != nil {
		return Operand{}, err
	}
	switch OperandKind(kind) {
	case OperandString:
		s, err := d.str32(what)
		return StringOperand(s), err
	case OperandNumber:
		bits, err := d.u64(what)
		return NumberOperand(math.Float64frombits(bits)), err
	case OperandBool:
		b, err := d.u8(what)
		if err != nil {
			return Operand{}, err
		}
		if b > 1 {
			return Operand{}, fmt.Errorf("%w: bool %s has value %d", ErrCorruptData, what, b)
		}
		return BoolOperand(b == 1), nil
	default:
		return Operand{}, fmt.Errorf("%w: %s has unknown kind %d at pos %d", ErrCorruptData, what, kind, d.pos-1)
	}
}

// Deserialize decodes a program from the native layout and links it.
// Errors are returned as *ProgramLoadError.
func Deserialize(data []byte) (*Program, error) {
	p, err := decodeNative(data)
	if err == nil {
		err = p.Link()
	}
	if err != nil {
		return nil, &ProgramLoadError{Format: "native", Err: err}
	}
	return p, nil
}

func decodeNative(data []byte) (*Program, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: need at least 8 bytes, got %d", ErrUnexpectedEOF, len(data))
	}
	if string(data[0:4]) != string(ProgramMagic) {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, data[0:4])
	}

	d := &decoder{data: data, pos: 4}
	version, _ := d.u16("version")
	flags, _ := d.u16("flags")
	if version == 0 || version > FormatVersion {
		return nil, fmt.Errorf("%w: supported %d, got %d", ErrVersionMismatch, FormatVersion, version)
	}

	name, err := d.str16("program name")
	if err != nil {
		return nil, err
	}
	p := NewProgram(name)
	p.Version = version
	p.Flags = ProgramFlags(flags)

	lineCount, err := d.count(6, "line count")
	if err != nil {
		return nil, err
	}
	for i := 0; i < lineCount; i++ {
		id, err := d.str16(fmt.Sprintf("line %d id", i))
		if err != nil {
			return nil, err
		}
		text, err := d.str32(fmt.Sprintf("line %d text", i))
		if err != nil {
			return nil, err
		}
		p.Lines[LineID(id)] = text
	}

	varCount, err := d.count(4, "variable count")
	if err != nil {
		return nil, err
	}
	for i := 0; i < varCount; i++ {
		name, err := d.str16(fmt.Sprintf("variable %d name", i))
		if err != nil {
			return nil, err
		}
		v, err := d.operand(fmt.Sprintf("variable %q value", name))
		if err != nil {
			return nil, err
		}
		p.InitialValues[name] = v
	}

	nodeCount, err := d.count(14, "node count")
	if err != nil {
		return nil, err
	}
	for i := 0; i < nodeCount; i++ {
		n, err := d.node(i)
		if err != nil {
			return nil, err
		}
		if _, dup := p.Nodes[n.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, n.Name)
		}
		p.Nodes[n.Name] = n
	}

	if d.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptData, len(data)-d.pos)
	}
	return p, nil
}

func (d *decoder) node(index int) (*Node, error) {
	name, err := d.str16(fmt.Sprintf("node %d name", index))
	if err != nil {
		return nil, err
	}
	n := &Node{Name: name, Labels: make(map[string]int)}

	src, err := d.str16("source line id")
	if err != nil {
		return nil, err
	}
	n.SourceTextLineID = LineID(src)

	tagCount, err := d.u16("tag count")
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(tagCount); i++ {
		tag, err := d.str16("tag")
		if err != nil {
			return nil, err
		}
		n.Tags = append(n.Tags, tag)
	}

	headerCount, err := d.u16("header count")
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(headerCount); i++ {
		key, err := d.str16("header key")
		if err != nil {
			return nil, err
		}
		value, err := d.str16("header value")
		if err != nil {
			return nil, err
		}
		n.Headers = append(n.Headers, Header{Key: key, Value: value})
	}

	labelCount, err := d.u16("label count")
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(labelCount); i++ {
		label, err := d.str16("label name")
		if err != nil {
			return nil, err
		}
		off, err := d.u32("label offset")
		if err != nil {
			return nil, err
		}
		n.Labels[label] = int(off)
	}

	instCount, err := d.count(2, "instruction count")
	if err != nil {
		return nil, err
	}
	if instCount > 0 {
		n.Instructions = make([]Instruction, instCount)
	}
	for i := range n.Instructions {
		op, err := d.u8("opcode")
		if err != nil {
			return nil, err
		}
		argc, err := d.u8("operand count")
		if err != nil {
			return nil, err
		}
		in := Instruction{Op: Opcode(op), Target: -1}
		if argc > 0 {
			in.Operands = make([]Operand, argc)
		}
		for j := range in.Operands {
			if in.Operands[j], err = d.operand(fmt.Sprintf("%s operand %d", in.Op, j)); err != nil {
				return nil, err
			}
		}
		n.Instructions[i] = in
	}
	return n, nil
}
