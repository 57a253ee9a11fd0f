package manifest

import (
	"fmt"
	"os"

	"github.com/chazu/parley/pkg/bytecode"
	"github.com/chazu/parley/vm"
	"github.com/chazu/parley/vm/markup"
	"github.com/chazu/parley/vm/storage"
)

// LoadProgram reads the configured program and attaches its string table.
func (m *Manifest) LoadProgram() (*bytecode.Program, error) {
	if m.Program.Path == "" {
		return nil, fmt.Errorf("no program configured in %s", FileName)
	}
	return LoadProgramFile(m.ProgramPath(), m.StringsPath(), bytecode.Format(m.Program.Format))
}

// LoadProgramFile reads a compiled program and, when stringsPath is not
// empty, a CSV string table for it.
func LoadProgramFile(path, stringsPath string, format bytecode.Format) (*bytecode.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	p, err := bytecode.Load(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if stringsPath == "" {
		return p, nil
	}

	f, err := os.Open(stringsPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", stringsPath, err)
	}
	defer f.Close()
	lines, err := bytecode.ReadStringTableCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stringsPath, err)
	}
	p.AttachStrings(lines)
	return p, nil
}

// OpenStorage opens the configured variable storage. The returned close
// function must be called when the storage is no longer needed.
func (m *Manifest) OpenStorage() (vm.VariableStorage, func() error, error) {
	switch m.Storage.Driver {
	case DriverMemory, "":
		return vm.NewMemoryStorage(), func() error { return nil }, nil
	case DriverSQLite:
		s, err := storage.OpenSQLite(m.StoragePath())
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, m.Storage.Driver)
	}
}

// DialogueOptions returns the options configured by the [runtime] section.
func (m *Manifest) DialogueOptions() ([]vm.DialogueOption, error) {
	opts := []vm.DialogueOption{vm.WithMaxSteps(m.Runtime.MaxSteps)}
	if m.Runtime.Locale != "" {
		tag, err := markup.ParseLocale(m.Runtime.Locale)
		if err != nil {
			return nil, fmt.Errorf("%w: runtime.locale: %v", ErrInvalidConfig, err)
		}
		opts = append(opts, vm.WithLocale(tag))
	}
	return opts, nil
}
