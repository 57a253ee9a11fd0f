package vm

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"

	"github.com/tliron/commonlog"
)

// Impl is the implementation of a library function. Arguments have already
// been checked against the function's declared parameter kinds.
type Impl func(args []Value) (Value, error)

// Function is a callable registered in a Library.
type Function struct {
	Name    string
	Params  []Kind
	Returns Kind // KindAny when the result kind varies

	// Variadic is the kind of any arguments beyond Params, or KindInvalid when
	// the function takes exactly len(Params) arguments.
	Variadic Kind

	Impl Impl
}

// IsVariadic reports whether the function accepts extra arguments.
func (f *Function) IsVariadic() bool { return f.Variadic != KindInvalid }

// check validates arguments against the declared signature.
func (f *Function) check(args []Value) error {
	if len(args) < len(f.Params) || (!f.IsVariadic() && len(args) != len(f.Params)) {
		want := fmt.Sprint(len(f.Params))
		if f.IsVariadic() {
			want += " or more"
		}
		return fmt.Errorf("%w: %s takes %s arguments, got %d", ErrArgumentCountMismatch, f.Name, want, len(args))
	}
	for i, arg := range args {
		want := f.Variadic
		if i < len(f.Params) {
			want = f.Params[i]
		}
		if !arg.IsValid() || (want != KindAny && arg.Kind() != want) {
			return fmt.Errorf("%w: %s argument %d is %s, want %s", ErrArgumentType, f.Name, i, arg.Kind(), want)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Library: function registry
// ---------------------------------------------------------------------------

// Library maps function names to implementations. Registering a name that
// already exists replaces the earlier function. The library is frozen while
// a VM is executing; registrations attempted from inside a running function
// fail with ErrLibraryFrozen.
type Library struct {
	mu        sync.RWMutex
	functions map[string]*Function
	frozen    int
	log       commonlog.Logger
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{
		functions: make(map[string]*Function),
		log:       commonlog.GetLogger("parley.library"),
	}
}

// Register adds a fixed-arity function.
func (l *Library) Register(name string, params []Kind, returns Kind, impl Impl) error {
	return l.add(&Function{Name: name, Params: params, Returns: returns, Impl: impl})
}

// RegisterVariadic adds a function taking len(params) fixed arguments
// followed by any number of variadic arguments.
func (l *Library) RegisterVariadic(name string, params []Kind, variadic Kind, returns Kind, impl Impl) error {
	if variadic == KindInvalid {
		return fmt.Errorf("register %s: variadic arguments need a kind", name)
	}
	return l.add(&Function{Name: name, Params: params, Variadic: variadic, Returns: returns, Impl: impl})
}

// RegisterFunc adds a Go function, deriving the signature by reflection.
// Parameters and the result may be string, bool, any integer or float type,
// or Value (accepting any kind). A final variadic parameter is allowed, and
// the result may be followed by an error.
//
//	lib.RegisterFunc("greet", func(name string) string { return "hi " + name })
func (l *Library) RegisterFunc(name string, fn any) error {
	f, err := reflectFunction(name, fn)
	if err != nil {
		return err
	}
	return l.add(f)
}

func (l *Library) add(f *Function) error {
	if f.Name == "" {
		return fmt.Errorf("register: function name is empty")
	}
	if f.Impl == nil {
		return fmt.Errorf("register %s: implementation is nil", f.Name)
	}
	for i, k := range f.Params {
		if k == KindInvalid {
			return fmt.Errorf("register %s: parameter %d has no kind", f.Name, i)
		}
	}
	if f.Returns == KindInvalid {
		return fmt.Errorf("register %s: result has no kind", f.Name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen > 0 {
		return fmt.Errorf("register %s: %w", f.Name, ErrLibraryFrozen)
	}
	if _, exists := l.functions[f.Name]; exists {
		l.log.Debugf("function %s re-registered; replacing previous implementation", f.Name)
	}
	l.functions[f.Name] = f
	return nil
}

// Import copies every function of other into l. Functions of other replace
// functions of l with the same name.
func (l *Library) Import(other *Library) error {
	if other == nil || other == l {
		return nil
	}
	other.mu.RLock()
	fns := make([]*Function, 0, len(other.functions))
	for _, f := range other.functions {
		fns = append(fns, f)
	}
	other.mu.RUnlock()

	for _, f := range fns {
		if err := l.add(f); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the named function.
func (l *Library) Lookup(name string) (*Function, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.functions[name]
	return f, ok
}

// Has reports whether a function is registered.
func (l *Library) Has(name string) bool {
	_, ok := l.Lookup(name)
	return ok
}

// Names returns all registered function names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.functions))
	for name := range l.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call validates the arguments and invokes a function.
func (l *Library) Call(name string, args []Value) (Value, error) {
	f, ok := l.Lookup(name)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrFunctionNotFound, name)
	}
	if err := f.check(args); err != nil {
		return Value{}, err
	}
	result, err := f.Impl(args)
	if err != nil {
		return Value{}, fmt.Errorf("%s: %w", name, err)
	}
	if !result.IsValid() || (f.Returns != KindAny && result.Kind() != f.Returns) {
		return Value{}, fmt.Errorf("%w: %s returned %s, declared %s", ErrTypeMismatch, name, result.Kind(), f.Returns)
	}
	return result, nil
}

// freeze and thaw bracket VM execution.
func (l *Library) freeze() {
	l.mu.Lock()
	l.frozen++
	l.mu.Unlock()
}

func (l *Library) thaw() {
	l.mu.Lock()
	l.frozen--
	l.mu.Unlock()
}

// IsFrozen reports whether a VM is currently executing with this library.
func (l *Library) IsFrozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen > 0
}

// ---------------------------------------------------------------------------
// Reflection wrapper
// ---------------------------------------------------------------------------

var (
	valueType = reflect.TypeOf(Value{})
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

func kindOfGoType(t reflect.Type) (Kind, bool) {
	if t == valueType {
		return KindAny, true
	}
	switch t.Kind() {
	case reflect.String:
		return KindString, true
	case reflect.Bool:
		return KindBool, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindNumber, true
	}
	return KindInvalid, false
}

func reflectFunction(name string, fn any) (*Function, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, fmt.Errorf("register %s: %T is not a function", name, fn)
	}
	rt := rv.Type()

	switch {
	case rt.NumOut() == 1:
	case rt.NumOut() == 2 && rt.Out(1) == errorType:
	default:
		return nil, fmt.Errorf("register %s: must return one value, optionally followed by an error", name)
	}
	returns, ok := kindOfGoType(rt.Out(0))
	if !ok {
		return nil, fmt.Errorf("register %s: unsupported result type %s", name, rt.Out(0))
	}

	f := &Function{Name: name, Returns: returns}
	fixed := rt.NumIn()
	if rt.IsVariadic() {
		fixed--
		k, ok := kindOfGoType(rt.In(fixed).Elem())
		if !ok {
			return nil, fmt.Errorf("register %s: unsupported variadic type %s", name, rt.In(fixed))
		}
		f.Variadic = k
	}
	for i := 0; i < fixed; i++ {
		k, ok := kindOfGoType(rt.In(i))
		if !ok {
			return nil, fmt.Errorf("register %s: unsupported parameter type %s", name, rt.In(i))
		}
		f.Params = append(f.Params, k)
	}

	f.Impl = func(args []Value) (Value, error) {
		in := make([]reflect.Value, len(args))
		for i, arg := range args {
			v, err := toGo(arg, f.argType(rt, i))
			if err != nil {
				return Value{}, fmt.Errorf("%s argument %d: %w", f.Name, i, err)
			}
			in[i] = v
		}
		out := rv.Call(in)
		if len(out) == 2 && !out[1].IsNil() {
			return Value{}, out[1].Interface().(error)
		}
		return fromGo(out[0]), nil
	}
	return f, nil
}

func (f *Function) argType(rt reflect.Type, i int) reflect.Type {
	if f.IsVariadic() && i >= rt.NumIn()-1 {
		return rt.In(rt.NumIn() - 1).Elem()
	}
	return rt.In(i)
}

// toGo converts a Value for a Go parameter of type t. Numbers passed to
// integer parameters must be whole and in range.
func toGo(v Value, t reflect.Type) (reflect.Value, error) {
	if t == valueType {
		return reflect.ValueOf(v), nil
	}
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		out.SetString(v.str)
	case reflect.Bool:
		out.SetBool(v.b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := v.num
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 || out.OverflowInt(int64(n)) {
			return out, fmt.Errorf("%w: %s does not fit %s", ErrArgumentType, FormatNumber(n), t)
		}
		out.SetInt(int64(n))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := v.num
		if n != math.Trunc(n) || n < 0 || n >= math.MaxUint64 || out.OverflowUint(uint64(n)) {
			return out, fmt.Errorf("%w: %s does not fit %s", ErrArgumentType, FormatNumber(n), t)
		}
		out.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		out.SetFloat(v.num)
	}
	return out, nil
}

func fromGo(rv reflect.Value) Value {
	if rv.Type() == valueType {
		return rv.Interface().(Value)
	}
	switch rv.Kind() {
	case reflect.String:
		return StringValue(rv.String())
	case reflect.Bool:
		return BoolValue(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NumberValue(float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NumberValue(float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return NumberValue(rv.Float())
	}
	return Value{}
}
