package vm

import "maps"

// VariableStorage holds dialogue variables. Implementations are supplied by
// the host; the VM never assumes they persist anything. A storage shared
// between dialogues must do its own locking.
type VariableStorage interface {
	// Get returns the stored value. ok is false if the variable has never
	// been set; err is reserved for failures of the storage itself.
	Get(name string) (v Value, ok bool, err error)

	// Set stores a value.
	Set(name string, v Value) error

	// KindOf returns the kind of a stored variable.
	KindOf(name string) (Kind, bool)
}

// VariableEnumerator is implemented by storages that can list and reset
// their contents, which snapshotting requires.
type VariableEnumerator interface {
	VariableStorage
	All() (map[string]Value, error)
	Clear() error
}

// MemoryStorage is the default in-memory VariableStorage.
// It is not safe for concurrent use.
type MemoryStorage struct {
	vars map[string]Value
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{vars: make(map[string]Value)}
}

func (s *MemoryStorage) Get(name string) (Value, bool, error) {
	v, ok := s.vars[name]
	return v, ok, nil
}

func (s *MemoryStorage) Set(name string, v Value) error {
	s.vars[name] = v
	return nil
}

func (s *MemoryStorage) KindOf(name string) (Kind, bool) {
	v, ok := s.vars[name]
	return v.Kind(), ok
}

func (s *MemoryStorage) All() (map[string]Value, error) {
	return maps.Clone(s.vars), nil
}

func (s *MemoryStorage) Clear() error {
	clear(s.vars)
	return nil
}
