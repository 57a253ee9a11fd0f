package bytecode

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestSerializeRoundTrip(t *testing.T) {
	p := greetingProgram(t)
	p.DeclareVariable("$gold", NumberOperand(12.5))
	p.DeclareVariable("$met", BoolOperand(true))
	p.Nodes["Other"].SourceTextLineID = "line:src"
	if err := p.Link(); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if !bytes.HasPrefix(data, ProgramMagic) {
		t.Fatalf("serialized data should start with magic, got %q", data[:4])
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("round trip mismatch:\nwant %s\ngot  %s", p.Disassemble(), got.Disassemble())
	}
}

func TestSerializeDeterministic(t *testing.T) {
	a, err := greetingProgram(t).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	b, err := greetingProgram(t).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("serializing equal programs produced different bytes")
	}
}

func TestDeserializeErrors(t *testing.T) {
	valid, err := greetingProgram(t).Serialize()
	if err != nil {
		t.Fatal(err)
	}

	withVersion := func(v uint16) []byte {
		data := append([]byte(nil), valid...)
		data[4], data[5] = byte(v>>8), byte(v)
		return data
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrUnexpectedEOF},
		{"short", []byte("PRL"), ErrUnexpectedEOF},
		{"bad magic", append([]byte("NOPE"), valid[4:]...), ErrInvalidMagic},
		{"future version", withVersion(FormatVersion + 1), ErrVersionMismatch},
		{"zero version", withVersion(0), ErrVersionMismatch},
		{"truncated", valid[:len(valid)-3], ErrUnexpectedEOF},
		{"trailing bytes", append(append([]byte(nil), valid...), 0xFF), ErrCorruptData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Deserialize() error = %v, want %v", err, tt.want)
			}
			var le *ProgramLoadError
			if !errors.As(err, &le) || le.Format != "native" {
				t.Errorf("error should be a native *ProgramLoadError, got %#v", err)
			}
		})
	}
}

func TestDeserializeRejectsUnlinkableProgram(t *testing.T) {
	p := NewProgram("bad")
	p.AddNode(NewNodeBuilder("Start").JumpTo("missing").Build())
	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	_, err = Deserialize(data)
	if !errors.Is(err, ErrUnresolvedLabel) {
		t.Fatalf("Deserialize() error = %v, want ErrUnresolvedLabel", err)
	}
}

func TestLoadRejectsOversizedCountOperand(t *testing.T) {
	p := NewProgram("bad")
	p.AddLine("line:a", "A")
	p.AddNode(&Node{Name: "Start", Instructions: []Instruction{
		{Op: OpRunLine, Operands: []Operand{StringOperand("line:a"), NumberOperand(1e300)}},
	}})
	data, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	_, err = Load(data, FormatAuto)
	var loadErr *ProgramLoadError
	if !errors.As(err, &loadErr) || !errors.Is(err, ErrMalformedInstruction) {
		t.Fatalf("Load() error = %v, want *ProgramLoadError wrapping ErrMalformedInstruction", err)
	}
}

func TestDeserializeHugeCount(t *testing.T) {
	p := NewProgram("")
	data, err := p.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	// Overwrite the line count (right after the empty name) with a huge value.
	off := 8 + 2
	data[off], data[off+1], data[off+2], data[off+3] = 0xFF, 0xFF, 0xFF, 0xFF

	if _, err := Deserialize(data); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("Deserialize() error = %v, want ErrCorruptData", err)
	}
}

func TestLoadSniffsFormat(t *testing.T) {
	native, err := greetingProgram(t).Serialize()
	if err != nil {
		t.Fatal(err)
	}

	p, err := Load(native, FormatAuto)
	if err != nil {
		t.Fatalf("Load(native) failed: %v", err)
	}
	if p.Flags&FlagOptionDestinationOnStack != 0 {
		t.Error("native program should not carry yarnc flags")
	}

	p, err = Load(sampleYarnc(), FormatAuto)
	if err != nil {
		t.Fatalf("Load(yarnc) failed: %v", err)
	}
	if p.Flags&FlagOptionDestinationOnStack == 0 {
		t.Error("yarnc program should carry FlagOptionDestinationOnStack")
	}

	if _, err := Load(native, Format("xml")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Load(xml) error = %v, want ErrUnknownFormat", err)
	}
}
