// Package manifest handles parley.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/parley/pkg/bytecode"
	"github.com/chazu/parley/vm"
)

// FileName is the name of the configuration file.
const FileName = "parley.toml"

// Manifest represents a parley.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Program ProgramConfig `toml:"program"`
	Runtime Runtime       `toml:"runtime"`
	Storage Storage       `toml:"storage"`
	Server  Server        `toml:"server"`

	// Dir is the directory containing the parley.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// ProgramConfig locates the compiled program and its string table.
type ProgramConfig struct {
	Path    string `toml:"path"`
	Strings string `toml:"strings"`
	Format  string `toml:"format"`
}

// Runtime configures dialogues created from the project.
type Runtime struct {
	Locale    string `toml:"locale"`
	MaxSteps  int    `toml:"max-steps"`
	StartNode string `toml:"start-node"`
}

// Storage selects the variable storage backend.
type Storage struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// Server configures the dialogue server.
type Server struct {
	Addr string `toml:"addr"`
}

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Default returns the configuration used when no parley.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses a parley.toml file from the given directory and validates it.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes and validates configuration text. Dir is left empty.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Program.Format == "" {
		m.Program.Format = string(bytecode.FormatAuto)
	}
	if m.Runtime.MaxSteps == 0 {
		m.Runtime.MaxSteps = vm.DefaultMaxSteps
	}
	if m.Runtime.StartNode == "" {
		m.Runtime.StartNode = "Start"
	}
	if m.Storage.Driver == "" {
		m.Storage.Driver = DriverMemory
	}
	if m.Storage.Driver == DriverSQLite && m.Storage.Path == "" {
		m.Storage.Path = filepath.Join(".parley", "variables.db")
	}
	if m.Server.Addr == "" {
		m.Server.Addr = ":4567"
	}
}

// FindAndLoad walks up from startDir to find a parley.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// resolve returns p relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ProgramPath returns the absolute path of the compiled program.
func (m *Manifest) ProgramPath() string { return m.resolve(m.Program.Path) }

// StringsPath returns the absolute path of the string table, or "".
func (m *Manifest) StringsPath() string { return m.resolve(m.Program.Strings) }

// StoragePath returns the absolute path of the variable database.
func (m *Manifest) StoragePath() string { return m.resolve(m.Storage.Path) }
