package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/chazu/parley/vm"
	"github.com/fxamacker/cbor/v2"
)

// SnapshotVersion is the version written into every snapshot.
const SnapshotVersion = 1

// ErrBadSnapshot is returned when snapshot bytes cannot be restored.
var ErrBadSnapshot = errors.New("bad snapshot")

// cborEncMode uses canonical mode so equal storages produce equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// wireValue is the CBOR form of a vm.Value.
type wireValue struct {
	Kind uint8   `cbor:"1,keyasint"`
	Str  string  `cbor:"2,keyasint,omitempty"`
	Num  float64 `cbor:"3,keyasint,omitempty"`
	Bool bool    `cbor:"4,keyasint,omitempty"`
}

type snapshot struct {
	Version   int                  `cbor:"1,keyasint"`
	Variables map[string]wireValue `cbor:"2,keyasint"`
}

func toWire(v vm.Value) (wireValue, error) {
	switch v.Kind() {
	case vm.KindString:
		s, _ := v.AsString()
		return wireValue{Kind: uint8(vm.KindString), Str: s}, nil
	case vm.KindNumber:
		n, _ := v.AsNumber()
		return wireValue{Kind: uint8(vm.KindNumber), Num: n}, nil
	case vm.KindBool:
		b, _ := v.AsBool()
		return wireValue{Kind: uint8(vm.KindBool), Bool: b}, nil
	default:
		return wireValue{}, fmt.Errorf("cannot encode %s value", v.Kind())
	}
}

func fromWire(w wireValue) (vm.Value, error) {
	switch vm.Kind(w.Kind) {
	case vm.KindString:
		return vm.StringValue(w.Str), nil
	case vm.KindNumber:
		return vm.NumberValue(w.Num), nil
	case vm.KindBool:
		return vm.BoolValue(w.Bool), nil
	default:
		return vm.Value{}, fmt.Errorf("%w: unknown value kind %d", ErrBadSnapshot, w.Kind)
	}
}

// MarshalValue serializes a single value to CBOR bytes.
func MarshalValue(v vm.Value) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(w)
}

// UnmarshalValue deserializes a value written by MarshalValue.
func UnmarshalValue(data []byte) (vm.Value, error) {
	var w wireValue
	if err := cbor.Unmarshal(data, &w); err != nil {
		return vm.Value{}, fmt.Errorf("storage: unmarshal value: %w", err)
	}
	return fromWire(w)
}

// Snapshot serializes every variable of s, internal visit counters
// included. The encoding is deterministic.
func Snapshot(s vm.VariableEnumerator) ([]byte, error) {
	all, err := s.All()
	if err != nil {
		return nil, fmt.Errorf("storage: snapshot: %w", err)
	}
	snap := snapshot{Version: SnapshotVersion, Variables: make(map[string]wireValue, len(all))}
	for _, name := range slices.Sorted(maps.Keys(all)) {
		w, err := toWire(all[name])
		if err != nil {
			return nil, fmt.Errorf("storage: snapshot %s: %w", name, err)
		}
		snap.Variables[name] = w
	}
	return cborEncMode.Marshal(snap)
}

// Transactor is implemented by storages that can apply a batch of writes
// atomically, such as *SQLite.
type Transactor interface {
	Transaction(ctx context.Context, fn func(vm.VariableStorage) error) error
}

type clearer interface {
	Clear() error
}

// Restore replaces the contents of s with a snapshot. s is left untouched
// if the snapshot cannot be decoded. When s is a Transactor the replacement
// is atomic; otherwise a storage failure part way through can leave s
// partially restored.
func Restore(s vm.VariableEnumerator, data []byte) error {
	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrBadSnapshot, snap.Version, SnapshotVersion)
	}

	values := make(map[string]vm.Value, len(snap.Variables))
	for name, w := range snap.Variables {
		v, err := fromWire(w)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		values[name] = v
	}

	if t, ok := s.(Transactor); ok {
		return t.Transaction(context.Background(), func(tx vm.VariableStorage) error {
			c, ok := tx.(clearer)
			if !ok {
				return fmt.Errorf("storage: restore: %T cannot be cleared", tx)
			}
			return replace(tx, c, values)
		})
	}
	return replace(s, s, values)
}

func replace(s vm.VariableStorage, c clearer, values map[string]vm.Value) error {
	if err := c.Clear(); err != nil {
		return fmt.Errorf("storage: restore: %w", err)
	}
	for _, name := range slices.Sorted(maps.Keys(values)) {
		if err := s.Set(name, values[name]); err != nil {
			return fmt.Errorf("storage: restore %s: %w", name, err)
		}
	}
	return nil
}
