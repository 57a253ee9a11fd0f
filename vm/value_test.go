package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/parley/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Construction and display
// ---------------------------------------------------------------------------

func TestValueKinds(t *testing.T) {
	if (Value{}).IsValid() {
		t.Error("zero Value should be invalid")
	}
	if s, ok := StringValue("hi").AsString(); !ok || s != "hi" {
		t.Errorf("AsString = %q, %v", s, ok)
	}
	if n, ok := NumberValue(2.5).AsNumber(); !ok || n != 2.5 {
		t.Errorf("AsNumber = %v, %v", n, ok)
	}
	if b, ok := BoolValue(true).AsBool(); !ok || !b {
		t.Errorf("AsBool = %v, %v", b, ok)
	}
	if _, ok := NumberValue(1).AsString(); ok {
		t.Error("Number should not read as String")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{StringValue("text"), "text"},
		{NumberValue(1), "1"},
		{NumberValue(2.5), "2.5"},
		{NumberValue(-0.0), "0"},
		{NumberValue(1e21), "1000000000000000000000"},
		{NumberValue(0.1), "0.1"},
		{NumberValue(math.Inf(1)), "Infinity"},
		{BoolValue(false), "false"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("%#v.String() = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestValueOperandRoundTrip(t *testing.T) {
	for _, o := range []bytecode.Operand{
		bytecode.StringOperand("s"),
		bytecode.NumberOperand(4),
		bytecode.BoolOperand(true),
	} {
		if got := ValueFromOperand(o).Operand(); got != o {
			t.Errorf("round trip of %v = %v", o, got)
		}
	}
	if ValueFromOperand(bytecode.Operand{}).IsValid() {
		t.Error("invalid operand should give invalid value")
	}
}

// ---------------------------------------------------------------------------
// Equality and ordering
// ---------------------------------------------------------------------------

func TestEqual(t *testing.T) {
	eq, err := Equal(NumberValue(3), NumberValue(3))
	if err != nil || !eq {
		t.Errorf("3 == 3: %v, %v", eq, err)
	}
	eq, err = Equal(StringValue("a"), StringValue("b"))
	if err != nil || eq {
		t.Errorf(`"a" == "b": %v, %v`, eq, err)
	}
	if _, err := Equal(NumberValue(1), StringValue("1")); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("cross-kind Equal error = %v, want ErrTypeMismatch", err)
	}
	if _, err := Equal(NumberValue(1), BoolValue(true)); !errors.Is(err, ErrIntegrity) {
		t.Errorf("cross-kind Equal should be an integrity error, got %v", err)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b Value
		want int
	}{
		{NumberValue(1), NumberValue(2), -1},
		{NumberValue(2), NumberValue(2), 0},
		{NumberValue(3), NumberValue(2), 1},
		{StringValue("apple"), StringValue("banana"), -1},
	}
	for _, tt := range tests {
		got, err := Compare(tt.a, tt.b)
		if err != nil {
			t.Fatalf("Compare(%#v, %#v) error: %v", tt.a, tt.b, err)
		}
		if got != tt.want {
			t.Errorf("Compare(%#v, %#v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
	if _, err := Compare(BoolValue(true), BoolValue(false)); err == nil {
		t.Error("Bools should not be ordered")
	}
	if _, err := Compare(NumberValue(1), StringValue("1")); err == nil {
		t.Error("cross-kind Compare should fail")
	}
}

// ---------------------------------------------------------------------------
// Coercion
// ---------------------------------------------------------------------------

func TestConvertTo(t *testing.T) {
	tests := []struct {
		v    Value
		to   Kind
		want Value
	}{
		{NumberValue(2.5), KindString, StringValue("2.5")},
		{BoolValue(true), KindString, StringValue("true")},
		{StringValue(" 42 "), KindNumber, NumberValue(42)},
		{BoolValue(true), KindNumber, NumberValue(1)},
		{BoolValue(false), KindNumber, NumberValue(0)},
		{NumberValue(0), KindBool, BoolValue(false)},
		{NumberValue(-3), KindBool, BoolValue(true)},
		{StringValue("true"), KindBool, BoolValue(true)},
		{StringValue("same"), KindString, StringValue("same")},
	}
	for _, tt := range tests {
		got, err := tt.v.ConvertTo(tt.to)
		if err != nil {
			t.Errorf("%#v.ConvertTo(%s) error: %v", tt.v, tt.to, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%#v.ConvertTo(%s) = %#v, want %#v", tt.v, tt.to, got, tt.want)
		}
	}

	if _, err := StringValue("abc").ConvertTo(KindNumber); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("abc to Number error = %v, want ErrTypeMismatch", err)
	}
	if _, err := StringValue("yes").ConvertTo(KindBool); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("yes to Bool error = %v, want ErrTypeMismatch", err)
	}
}
