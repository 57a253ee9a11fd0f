package bytecode

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Opcodes of the Yarn Spinner v2 compiled program format (.yarnc).
const (
	yarncJumpTo        = 0
	yarncJump          = 1
	yarncRunLine       = 2
	yarncRunCommand    = 3
	yarncAddOption     = 4
	yarncShowOptions   = 5
	yarncPushString    = 6
	yarncPushFloat     = 7
	yarncPushBool      = 8
	yarncPushNull      = 9
	yarncJumpIfFalse   = 10
	yarncPop           = 11
	yarncCallFunc      = 12
	yarncPushVariable  = 13
	yarncStoreVariable = 14
	yarncStop          = 15
	yarncRunNode       = 16
)

var yarncOpcodes = map[uint64]Opcode{
	yarncJumpTo:        OpJumpTo,
	yarncJump:          OpPeekAndJump,
	yarncRunLine:       OpRunLine,
	yarncRunCommand:    OpRunCommand,
	yarncAddOption:     OpAddOption,
	yarncShowOptions:   OpShowOptions,
	yarncPushString:    OpPushString,
	yarncPushFloat:     OpPushNumber,
	yarncPushBool:      OpPushBool,
	yarncJumpIfFalse:   OpPeekJumpIfFalse,
	yarncPop:           OpPop,
	yarncCallFunc:      OpCallFunc,
	yarncPushVariable:  OpPushVariable,
	yarncStoreVariable: OpStoreVariable,
	yarncStop:          OpStop,
	yarncRunNode:       OpRunNode,
}

// DecodeYarnc decodes a compiled Yarn Spinner v2 program (protobuf wire
// format) and links it. Line text is not part of .yarnc files; attach a string
// table with ReadStringTableCSV or supply lines at runtime.
//
// The v2 compiler leaves conditions on the stack across JUMP_IF_FALSE, passes
// the argument count of CALL_FUNC on the stack and expects the selected
// option's destination to be pushed before resuming. The decoded program
// carries FlagOptionDestinationOnStack and uses the peek variants of the
// affected opcodes so those conventions are preserved.
func DecodeYarnc(data []byte) (*Program, error) {
	p, err := decodeYarncProgram(data)
	if err == nil {
		err = p.Link()
	}
	if err != nil {
		return nil, &ProgramLoadError{Format: "yarnc", Err: err}
	}
	return p, nil
}

type wireField struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

func (f wireField) expect(typ protowire.Type, what string) error {
	if f.typ != typ {
		return fmt.Errorf("%w: %s has wire type %d, want %d", ErrCorruptData, what, f.typ, typ)
	}
	return nil
}

// readFields walks every field of a message, skipping unknown ones.
func readFields(b []byte, fn func(f wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptData, protowire.ParseError(n))
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorruptData, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeYarncProgram(data []byte) (*Program, error) {
	p := NewProgram("")
	p.Flags = FlagOptionDestinationOnStack | FlagExternalStrings

	err := readFields(data, func(f wireField) error {
		switch f.num {
		case 1: // name
			if err := f.expect(protowire.BytesType, "program name"); err != nil {
				return err
			}
			p.Name = string(f.bytes)
		case 2: // map<string, Node> nodes
			if err := f.expect(protowire.BytesType, "node entry"); err != nil {
				return err
			}
			key, value, err := decodeMapEntry(f.bytes)
			if err != nil {
				return err
			}
			n, err := decodeYarncNode(value)
			if err != nil {
				return fmt.Errorf("node %q: %w", key, err)
			}
			if n.Name == "" {
				n.Name = key
			}
			if _, dup := p.Nodes[key]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateNode, key)
			}
			p.Nodes[key] = n
		case 3: // map<string, Operand> initial_values
			if err := f.expect(protowire.BytesType, "initial value entry"); err != nil {
				return err
			}
			key, value, err := decodeMapEntry(f.bytes)
			if err != nil {
				return err
			}
			o, err := decodeYarncOperand(value)
			if err != nil {
				return fmt.Errorf("initial value %q: %w", key, err)
			}
			p.InitialValues[key] = o
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(p.Nodes) == 0 {
		return nil, fmt.Errorf("%w: program has no nodes", ErrCorruptData)
	}
	return p, nil
}

// decodeMapEntry splits a map<string, message|scalar> entry. The value is
// returned raw; scalar values are re-encoded as a one-field message so callers
// can share readFields.
func decodeMapEntry(b []byte) (key string, value []byte, err error) {
	err = readFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.BytesType, "map key"); err != nil {
				return err
			}
			key = string(f.bytes)
		case 2:
			switch f.typ {
			case protowire.BytesType:
				value = f.bytes
			case protowire.VarintType:
				value = protowire.AppendVarint(nil, f.varint)
			default:
				return fmt.Errorf("%w: unsupported map value wire type %d", ErrCorruptData, f.typ)
			}
		}
		return nil
	})
	return key, value, err
}

func decodeYarncNode(b []byte) (*Node, error) {
	n := &Node{Labels: make(map[string]int)}
	err := readFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.BytesType, "node name"); err != nil {
				return err
			}
			n.Name = string(f.bytes)
		case 2:
			if err := f.expect(protowire.BytesType, "instruction"); err != nil {
				return err
			}
			in, err := decodeYarncInstruction(f.bytes)
			if err != nil {
				return fmt.Errorf("instruction %d: %w", len(n.Instructions), err)
			}
			n.Instructions = append(n.Instructions, in)
		case 3: // map<string, int32> labels
			if err := f.expect(protowire.BytesType, "label entry"); err != nil {
				return err
			}
			key, value, err := decodeMapEntry(f.bytes)
			if err != nil {
				return err
			}
			off, m := protowire.ConsumeVarint(value)
			if m < 0 {
				return fmt.Errorf("%w: label %q offset", ErrCorruptData, key)
			}
			n.Labels[key] = int(int32(off))
		case 4:
			if err := f.expect(protowire.BytesType, "tag"); err != nil {
				return err
			}
			n.Tags = append(n.Tags, string(f.bytes))
		case 5:
			if err := f.expect(protowire.BytesType, "source text string id"); err != nil {
				return err
			}
			n.SourceTextLineID = LineID(f.bytes)
		case 6:
			if err := f.expect(protowire.BytesType, "header"); err != nil {
				return err
			}
			key, value, err := decodeMapEntry(f.bytes)
			if err != nil {
				return err
			}
			n.Headers = append(n.Headers, Header{Key: key, Value: string(value)})
		}
		return nil
	})
	return n, err
}

func decodeYarncInstruction(b []byte) (Instruction, error) {
	in := Instruction{Target: -1}
	var opcode uint64
	err := readFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.VarintType, "opcode"); err != nil {
				return err
			}
			opcode = f.varint
		case 2:
			if err := f.expect(protowire.BytesType, "operand"); err != nil {
				return err
			}
			o, err := decodeYarncOperand(f.bytes)
			if err != nil {
				return err
			}
			in.Operands = append(in.Operands, o)
		}
		return nil
	})
	if err != nil {
		return in, err
	}
	if opcode == yarncPushNull {
		return in, fmt.Errorf("%w: PUSH_NULL is not supported", ErrMalformedInstruction)
	}
	op, ok := yarncOpcodes[opcode]
	if !ok {
		return in, fmt.Errorf("%w: unknown yarnc opcode %d", ErrMalformedInstruction, opcode)
	}
	in.Op = op
	return in, nil
}

func decodeYarncOperand(b []byte) (Operand, error) {
	var o Operand
	err := readFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.BytesType, "string operand"); err != nil {
				return err
			}
			o = StringOperand(string(f.bytes))
		case 2:
			if err := f.expect(protowire.VarintType, "bool operand"); err != nil {
				return err
			}
			o = BoolOperand(protowire.DecodeBool(f.varint))
		case 3:
			if err := f.expect(protowire.Fixed32Type, "float operand"); err != nil {
				return err
			}
			o = NumberOperand(float64(math.Float32frombits(f.fixed32)))
		}
		return nil
	})
	if err == nil && o.Kind == OperandInvalid {
		err = fmt.Errorf("%w: operand has no value", ErrCorruptData)
	}
	return o, err
}
