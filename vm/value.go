package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/parley/pkg/bytecode"
)

// Kind identifies the type held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool

	// KindAny is only used in function signatures, for a parameter or result
	// that may be of any kind. No Value has KindAny.
	KindAny
)

// String returns the kind name as used in error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "String"
	case KindNumber:
		return "Number"
	case KindBool:
		return "Bool"
	case KindAny:
		return "Any"
	default:
		return "Invalid"
	}
}

// ---------------------------------------------------------------------------
// Value: tagged runtime value
// ---------------------------------------------------------------------------

// Value is a runtime value: a String, a Number (float64) or a Bool.
// The zero Value has KindInvalid and is never produced by the VM.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

// StringValue creates a String value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue creates a Number value.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue creates a Bool value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// ValueFromOperand converts a compiled constant to a runtime value.
func ValueFromOperand(o bytecode.Operand) Value {
	switch o.Kind {
	case bytecode.OperandString:
		return StringValue(o.Str)
	case bytecode.OperandNumber:
		return NumberValue(o.Num)
	case bytecode.OperandBool:
		return BoolValue(o.Bool)
	default:
		return Value{}
	}
}

// Operand converts the value back to its compiled constant form.
func (v Value) Operand() bytecode.Operand {
	switch v.kind {
	case KindString:
		return bytecode.StringOperand(v.str)
	case KindNumber:
		return bytecode.NumberOperand(v.num)
	case KindBool:
		return bytecode.BoolOperand(v.b)
	default:
		return bytecode.Operand{}
	}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value holds one of the three kinds.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsString returns the string payload if the value is a String.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the number payload if the value is a Number.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the bool payload if the value is a Bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// String renders the value for display and text substitution.
// Numbers use the shortest representation that round-trips.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return FormatNumber(v.num)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<invalid>"
	}
}

// GoString renders the value with its kind, for debugging.
func (v Value) GoString() string {
	if v.kind == KindString {
		return fmt.Sprintf("String(%q)", v.str)
	}
	return fmt.Sprintf("%s(%s)", v.kind, v.String())
}

// FormatNumber renders a number the way substitutions display it.
func FormatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	}
	if n == 0 {
		return "0" // no "-0"
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// Equal compares two values of the same kind.
// Values of different kinds cannot be compared.
func Equal(a, b Value) (bool, error) {
	if a.kind != b.kind || a.kind == KindInvalid {
		return false, fmt.Errorf("%w: cannot compare %s with %s", ErrTypeMismatch, a.kind, b.kind)
	}
	switch a.kind {
	case KindString:
		return a.str == b.str, nil
	case KindNumber:
		return a.num == b.num, nil
	default:
		return a.b == b.b, nil
	}
}

// Compare orders two Numbers numerically or two Strings lexicographically,
// returning -1, 0 or +1.
func Compare(a, b Value) (int, error) {
	if a.kind != b.kind {
		return 0, fmt.Errorf("%w: cannot order %s against %s", ErrTypeMismatch, a.kind, b.kind)
	}
	switch a.kind {
	case KindNumber:
		switch {
		case a.num < b.num:
			return -1, nil
		case a.num > b.num:
			return 1, nil
		}
		return 0, nil
	case KindString:
		return strings.Compare(a.str, b.str), nil
	default:
		return 0, fmt.Errorf("%w: %s values are not ordered", ErrTypeMismatch, a.kind)
	}
}

// ConvertTo coerces the value to another kind, as the string(), number() and
// bool() library functions do.
func (v Value) ConvertTo(k Kind) (Value, error) {
	if v.kind == k {
		return v, nil
	}
	switch k {
	case KindString:
		if v.kind == KindInvalid {
			break
		}
		return StringValue(v.String()), nil

	case KindNumber:
		switch v.kind {
		case KindBool:
			if v.b {
				return NumberValue(1), nil
			}
			return NumberValue(0), nil
		case KindString:
			n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, v.str)
			}
			return NumberValue(n), nil
		}

	case KindBool:
		switch v.kind {
		case KindNumber:
			return BoolValue(v.num != 0 && !math.IsNaN(v.num)), nil
		case KindString:
			b, err := strconv.ParseBool(strings.TrimSpace(v.str))
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a bool", ErrTypeMismatch, v.str)
			}
			return BoolValue(b), nil
		}
	}
	return Value{}, fmt.Errorf("%w: cannot convert %s to %s", ErrTypeMismatch, v.kind, k)
}
