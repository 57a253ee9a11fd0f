package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chazu/parley/vm"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("parley.storage")

// SQLite is a VariableStorage backed by a SQLite database. It is safe for
// concurrent use, so several dialogues may share one.
type SQLite struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	kinds  map[string]vm.Kind
}

// OpenSQLite opens (creating if needed) a variable database at dbPath.
// ":memory:" gives a private in-memory database.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS variables (
		name  TEXT PRIMARY KEY,
		kind  INTEGER NOT NULL,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	s := &SQLite{db: db, dbPath: dbPath, kinds: make(map[string]vm.Kind)}
	if err := s.loadKinds(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debugf("opened variable database %s", dbPath)
	return s, nil
}

// loadKinds caches the kind of every stored variable so KindOf, which
// cannot report errors, never touches the database.
func (s *SQLite) loadKinds() error {
	rows, err := s.db.Query("SELECT name, kind FROM variables")
	if err != nil {
		return fmt.Errorf("querying variables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var kind int
		if err := rows.Scan(&name, &kind); err != nil {
			return fmt.Errorf("scanning variable: %w", err)
		}
		s.kinds[name] = vm.Kind(kind)
	}
	return rows.Err()
}

// Path returns the database path.
func (s *SQLite) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get implements vm.VariableStorage.
func (s *SQLite) Get(name string) (vm.Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow("SELECT value FROM variables WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vm.Value{}, false, nil
		}
		return vm.Value{}, false, fmt.Errorf("querying variable %s: %w", name, err)
	}
	v, err := UnmarshalValue(data)
	if err != nil {
		return vm.Value{}, false, fmt.Errorf("variable %s: %w", name, err)
	}
	return v, true, nil
}

// Set implements vm.VariableStorage.
func (s *SQLite) Set(name string, v vm.Value) error {
	data, err := MarshalValue(v)
	if err != nil {
		return fmt.Errorf("variable %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO variables (name, kind, value) VALUES (?, ?, ?)",
		name, int(v.Kind()), data,
	); err != nil {
		return fmt.Errorf("saving variable %s: %w", name, err)
	}
	s.kinds[name] = v.Kind()
	return nil
}

// KindOf implements vm.VariableStorage.
func (s *SQLite) KindOf(name string) (vm.Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kinds[name]
	return k, ok
}

// All implements vm.VariableEnumerator.
func (s *SQLite) All() (map[string]vm.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT name, value FROM variables")
	if err != nil {
		return nil, fmt.Errorf("querying variables: %w", err)
	}
	defer rows.Close()

	all := make(map[string]vm.Value)
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("scanning variable: %w", err)
		}
		v, err := UnmarshalValue(data)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		all[name] = v
	}
	return all, rows.Err()
}

// Clear implements vm.VariableEnumerator.
func (s *SQLite) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM variables"); err != nil {
		return fmt.Errorf("clearing variables: %w", err)
	}
	clear(s.kinds)
	return nil
}

// Transaction runs fn with every write batched into one SQLite transaction.
// The storage passed to fn must not be used after fn returns.
func (s *SQLite) Transaction(ctx context.Context, fn func(vm.VariableStorage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	txs := &txStorage{tx: tx, kinds: make(map[string]vm.Kind)}
	if err := fn(txs); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	if txs.cleared {
		clear(s.kinds)
	}
	for name, k := range txs.kinds {
		s.kinds[name] = k
	}
	return nil
}

// txStorage is the view of a SQLite storage inside a transaction.
type txStorage struct {
	tx      *sql.Tx
	kinds   map[string]vm.Kind
	cleared bool
}

// Clear deletes every variable when the transaction commits.
func (t *txStorage) Clear() error {
	if _, err := t.tx.Exec("DELETE FROM variables"); err != nil {
		return fmt.Errorf("clearing variables: %w", err)
	}
	clear(t.kinds)
	t.cleared = true
	return nil
}

func (t *txStorage) Get(name string) (vm.Value, bool, error) {
	var data []byte
	err := t.tx.QueryRow("SELECT value FROM variables WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vm.Value{}, false, nil
		}
		return vm.Value{}, false, fmt.Errorf("querying variable %s: %w", name, err)
	}
	v, err := UnmarshalValue(data)
	return v, err == nil, err
}

func (t *txStorage) Set(name string, v vm.Value) error {
	data, err := MarshalValue(v)
	if err != nil {
		return fmt.Errorf("variable %s: %w", name, err)
	}
	if _, err := t.tx.Exec(
		"INSERT OR REPLACE INTO variables (name, kind, value) VALUES (?, ?, ?)",
		name, int(v.Kind()), data,
	); err != nil {
		return fmt.Errorf("saving variable %s: %w", name, err)
	}
	t.kinds[name] = v.Kind()
	return nil
}

func (t *txStorage) KindOf(name string) (vm.Kind, bool) {
	if k, ok := t.kinds[name]; ok {
		return k, true
	}
	var kind int
	if err := t.tx.QueryRow("SELECT kind FROM variables WHERE name = ?", name).Scan(&kind); err != nil {
		return vm.KindInvalid, false
	}
	return vm.Kind(kind), true
}
