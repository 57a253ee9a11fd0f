package vm

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Names of the functions the dialogue runtime registers itself.
const (
	FuncVisited      = "visited"
	FuncVisitedCount = "visited_count"
)

type numberOp func(a, b float64) (Value, error)

// StandardLibrary returns a library holding the operator functions the
// compiler emits for expressions (Number.Add, String.EqualTo, Bool.Not, ...)
// and the conversion and rounding utilities. Random functions are only
// present after RegisterRandom.
func StandardLibrary() *Library {
	l := NewLibrary()
	mustRegister := func(err error) {
		if err != nil {
			panic(fmt.Sprintf("vm: standard library: %v", err))
		}
	}

	nn := []Kind{KindNumber, KindNumber}
	number := func(name string, returns Kind, op numberOp) {
		mustRegister(l.Register(name, nn, returns, func(args []Value) (Value, error) {
			return op(args[0].num, args[1].num)
		}))
	}
	arith := func(name string, op func(a, b float64) float64) {
		number(name, KindNumber, func(a, b float64) (Value, error) { return NumberValue(op(a, b)), nil })
	}
	compare := func(name string, op func(a, b float64) bool) {
		number(name, KindBool, func(a, b float64) (Value, error) { return BoolValue(op(a, b)), nil })
	}

	arith("Number.Add", func(a, b float64) float64 { return a + b })
	arith("Number.Minus", func(a, b float64) float64 { return a - b })
	arith("Number.Multiply", func(a, b float64) float64 { return a * b })
	number("Number.Divide", KindNumber, func(a, b float64) (Value, error) {
		if b == 0 {
			return Value{}, fmt.Errorf("%w: %s / 0", ErrDivisionByZero, FormatNumber(a))
		}
		return NumberValue(a / b), nil
	})
	number("Number.Modulo", KindNumber, func(a, b float64) (Value, error) {
		if b == 0 {
			return Value{}, fmt.Errorf("%w: %s %% 0", ErrDivisionByZero, FormatNumber(a))
		}
		return NumberValue(math.Mod(a, b)), nil
	})
	mustRegister(l.Register("Number.UnaryMinus", []Kind{KindNumber}, KindNumber, func(args []Value) (Value, error) {
		return NumberValue(-args[0].num), nil
	}))
	compare("Number.EqualTo", func(a, b float64) bool { return a == b })
	compare("Number.NotEqualTo", func(a, b float64) bool { return a != b })
	compare("Number.GreaterThan", func(a, b float64) bool { return a > b })
	compare("Number.GreaterThanOrEqualTo", func(a, b float64) bool { return a >= b })
	compare("Number.LessThan", func(a, b float64) bool { return a < b })
	compare("Number.LessThanOrEqualTo", func(a, b float64) bool { return a <= b })

	ss := []Kind{KindString, KindString}
	mustRegister(l.Register("String.Add", ss, KindString, func(args []Value) (Value, error) {
		return StringValue(args[0].str + args[1].str), nil
	}))
	mustRegister(l.Register("String.EqualTo", ss, KindBool, func(args []Value) (Value, error) {
		return BoolValue(args[0].str == args[1].str), nil
	}))
	mustRegister(l.Register("String.NotEqualTo", ss, KindBool, func(args []Value) (Value, error) {
		return BoolValue(args[0].str != args[1].str), nil
	}))

	bb := []Kind{KindBool, KindBool}
	logic := func(name string, op func(a, b bool) bool) {
		mustRegister(l.Register(name, bb, KindBool, func(args []Value) (Value, error) {
			return BoolValue(op(args[0].b, args[1].b)), nil
		}))
	}
	logic("Bool.EqualTo", func(a, b bool) bool { return a == b })
	logic("Bool.NotEqualTo", func(a, b bool) bool { return a != b })
	logic("Bool.And", func(a, b bool) bool { return a && b })
	logic("Bool.Or", func(a, b bool) bool { return a || b })
	logic("Bool.Xor", func(a, b bool) bool { return a != b })
	mustRegister(l.Register("Bool.Not", []Kind{KindBool}, KindBool, func(args []Value) (Value, error) {
		return BoolValue(!args[0].b), nil
	}))

	convert := func(name string, k Kind) {
		mustRegister(l.Register(name, []Kind{KindAny}, k, func(args []Value) (Value, error) {
			return args[0].ConvertTo(k)
		}))
	}
	convert("string", KindString)
	convert("number", KindNumber)
	convert("bool", KindBool)

	unary := func(name string, op func(float64) float64) {
		mustRegister(l.Register(name, []Kind{KindNumber}, KindNumber, func(args []Value) (Value, error) {
			return NumberValue(op(args[0].num)), nil
		}))
	}
	unary("round", math.RoundToEven)
	unary("floor", math.Floor)
	unary("ceil", math.Ceil)
	unary("int", math.Trunc)
	unary("decimal", func(n float64) float64 { return n - math.Trunc(n) })
	unary("inc", func(n float64) float64 {
		if n == math.Trunc(n) {
			return n + 1
		}
		return math.Ceil(n)
	})
	unary("dec", func(n float64) float64 {
		if n == math.Trunc(n) {
			return n - 1
		}
		return math.Floor(n)
	})
	mustRegister(l.Register("round_places", nn, KindNumber, func(args []Value) (Value, error) {
		places := args[1].num
		if places < 0 || places != math.Trunc(places) || places > 15 {
			return Value{}, fmt.Errorf("%w: round_places needs 0-15 places, got %s", ErrArgumentType, FormatNumber(places))
		}
		scale := math.Pow(10, places)
		return NumberValue(math.RoundToEven(args[0].num*scale) / scale), nil
	}))
	mustRegister(l.Register("format_invariant", []Kind{KindNumber}, KindString, func(args []Value) (Value, error) {
		return StringValue(FormatNumber(args[0].num)), nil
	}))

	return l
}

// RegisterRandom adds random, random_range and dice, drawing from rng.
// Without them a program's behaviour depends only on its storage and library.
func RegisterRandom(l *Library, rng *rand.Rand) error {
	if rng == nil {
		return fmt.Errorf("register random: nil source")
	}
	if err := l.Register("random", nil, KindNumber, func([]Value) (Value, error) {
		return NumberValue(rng.Float64()), nil
	}); err != nil {
		return err
	}
	if err := l.Register("random_range", []Kind{KindNumber, KindNumber}, KindNumber, func(args []Value) (Value, error) {
		lo, hi := math.Ceil(args[0].num), math.Floor(args[1].num)
		if hi < lo {
			return Value{}, fmt.Errorf("random_range: empty range [%s, %s]", FormatNumber(args[0].num), FormatNumber(args[1].num))
		}
		return NumberValue(lo + float64(rng.Int64N(int64(hi-lo)+1))), nil
	}); err != nil {
		return err
	}
	return l.Register("dice", []Kind{KindNumber}, KindNumber, func(args []Value) (Value, error) {
		sides := math.Floor(args[0].num)
		if sides < 1 {
			return Value{}, fmt.Errorf("dice: needs at least one side, got %s", FormatNumber(args[0].num))
		}
		return NumberValue(1 + float64(rng.Int64N(int64(sides)))), nil
	})
}
