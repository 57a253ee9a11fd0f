package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/parley/vm"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "saves", "vars.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteGetSet(t *testing.T) {
	s := openTemp(t)

	if _, ok, err := s.Get("$gold"); ok || err != nil {
		t.Fatalf("Get on empty storage = %v, %v", ok, err)
	}
	if _, ok := s.KindOf("$gold"); ok {
		t.Error("KindOf on empty storage should be false")
	}

	values := map[string]vm.Value{
		"$gold":  vm.NumberValue(12.5),
		"$name":  vm.StringValue("Mae"),
		"$brave": vm.BoolValue(true),
		"$zero":  vm.NumberValue(0),
	}
	for name, v := range values {
		if err := s.Set(name, v); err != nil {
			t.Fatalf("Set(%s) failed: %v", name, err)
		}
	}
	for name, want := range values {
		got, ok, err := s.Get(name)
		if err != nil || !ok || got != want {
			t.Errorf("Get(%s) = %#v, %v, %v; want %#v", name, got, ok, err, want)
		}
		if k, _ := s.KindOf(name); k != want.Kind() {
			t.Errorf("KindOf(%s) = %s", name, k)
		}
	}

	if err := s.Set("$gold", vm.StringValue("spent")); err != nil {
		t.Fatal(err)
	}
	if k, _ := s.KindOf("$gold"); k != vm.KindString {
		t.Errorf("KindOf after overwrite = %s", k)
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("$met", vm.BoolValue(true)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if v, ok, _ := s.Get("$met"); !ok || v != vm.BoolValue(true) {
		t.Errorf("$met after reopen = %#v, %v", v, ok)
	}
	if k, ok := s.KindOf("$met"); !ok || k != vm.KindBool {
		t.Errorf("KindOf after reopen = %s, %v", k, ok)
	}
}

func TestSQLiteAllAndClear(t *testing.T) {
	s := openTemp(t)
	s.Set("$a", vm.NumberValue(1))
	s.Set("$b", vm.StringValue("two"))

	all, err := s.All()
	if err != nil || len(all) != 2 || all["$b"] != vm.StringValue("two") {
		t.Fatalf("All = %v, %v", all, err)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if all, _ := s.All(); len(all) != 0 {
		t.Errorf("All after Clear = %v", all)
	}
	if _, ok := s.KindOf("$a"); ok {
		t.Error("Clear should forget kinds")
	}
}

func TestSQLiteRejectsInvalidValue(t *testing.T) {
	s := openTemp(t)
	if err := s.Set("$x", vm.Value{}); err == nil {
		t.Error("storing an invalid value should fail")
	}
}

func TestSQLiteTransaction(t *testing.T) {
	s := openTemp(t)
	s.Set("$gold", vm.NumberValue(10))

	err := s.Transaction(context.Background(), func(tx vm.VariableStorage) error {
		v, _, err := tx.Get("$gold")
		if err != nil {
			return err
		}
		n, _ := v.AsNumber()
		return tx.Set("$gold", vm.NumberValue(n-3))
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _, _ := s.Get("$gold"); v != vm.NumberValue(7) {
		t.Errorf("$gold = %#v, want 7", v)
	}

	boom := errors.New("boom")
	err = s.Transaction(context.Background(), func(tx vm.VariableStorage) error {
		tx.Set("$gold", vm.NumberValue(0))
		tx.Set("$new", vm.BoolValue(true))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if v, _, _ := s.Get("$gold"); v != vm.NumberValue(7) {
		t.Errorf("rolled-back write visible: %#v", v)
	}
	if _, ok := s.KindOf("$new"); ok {
		t.Error("rolled-back variable should have no kind")
	}
}

func TestSQLiteMemory(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Set("$x", vm.NumberValue(1)); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("$x"); !ok {
		t.Error("in-memory database lost a write")
	}
}

func TestSnapshotRestore(t *testing.T) {
	src := vm.NewMemoryStorage()
	src.Set("$gold", vm.NumberValue(42))
	src.Set("$name", vm.StringValue("Mae"))
	src.Set("$brave", vm.BoolValue(false))
	src.Set(vm.VisitCountPrefix+"Start", vm.NumberValue(2))

	data, err := Snapshot(src)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	again, err := Snapshot(src)
	if err != nil || !bytes.Equal(data, again) {
		t.Error("snapshots of the same storage should be identical")
	}

	dst := openTemp(t)
	dst.Set("$stale", vm.NumberValue(1))
	if err := Restore(dst, data); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	all, err := dst.All()
	if err != nil {
		t.Fatal(err)
	}
	want, _ := src.All()
	if len(all) != len(want) {
		t.Fatalf("restored %d variables, want %d", len(all), len(want))
	}
	for name, v := range want {
		if all[name] != v {
			t.Errorf("%s = %#v, want %#v", name, all[name], v)
		}
	}
}

func TestRestoreErrors(t *testing.T) {
	dst := vm.NewMemoryStorage()
	dst.Set("$keep", vm.NumberValue(1))

	future, err := cborEncMode.Marshal(snapshot{Version: SnapshotVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	badKind, err := cborEncMode.Marshal(snapshot{
		Version:   SnapshotVersion,
		Variables: map[string]wireValue{"$x": {Kind: 99}},
	})
	if err != nil {
		t.Fatal(err)
	}

	for name, data := range map[string][]byte{
		"garbage": []byte{0xff, 0x00},
		"version": future,
		"kind":    badKind,
	} {
		if err := Restore(dst, data); !errors.Is(err, ErrBadSnapshot) {
			t.Errorf("%s: error = %v, want ErrBadSnapshot", name, err)
		}
		if _, ok, _ := dst.Get("$keep"); !ok {
			t.Errorf("%s: failed restore modified the storage", name)
		}
	}
}

func TestRestoreSQLiteReplacesContents(t *testing.T) {
	src := vm.NewMemoryStorage()
	src.Set("$gold", vm.NumberValue(7))
	data, err := Snapshot(src)
	if err != nil {
		t.Fatal(err)
	}

	s := openTemp(t)
	if err := s.Set("$old", vm.StringValue("gone")); err != nil {
		t.Fatal(err)
	}
	if err := Restore(s, data); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if _, ok := s.KindOf("$old"); ok {
		t.Error("KindOf should forget variables removed by a restore")
	}
	if k, ok := s.KindOf("$gold"); !ok || k != vm.KindNumber {
		t.Errorf("KindOf($gold) = %v, %v", k, ok)
	}
	all, err := s.All()
	if err != nil || len(all) != 1 || all["$gold"] != vm.NumberValue(7) {
		t.Errorf("All = %v, %v", all, err)
	}
}

// stagedStorage applies a transaction's writes only when fn succeeds.
type stagedStorage struct {
	*vm.MemoryStorage
	failOn string
}

func (s *stagedStorage) Transaction(ctx context.Context, fn func(vm.VariableStorage) error) error {
	all, _ := s.All()
	staged := &failingStorage{MemoryStorage: vm.NewMemoryStorage(), failOn: s.failOn}
	for name, v := range all {
		staged.MemoryStorage.Set(name, v)
	}
	if err := fn(staged); err != nil {
		return err
	}
	all, _ = staged.All()
	s.Clear()
	for name, v := range all {
		s.MemoryStorage.Set(name, v)
	}
	return nil
}

type failingStorage struct {
	*vm.MemoryStorage
	failOn string
}

func (s *failingStorage) Set(name string, v vm.Value) error {
	if name == s.failOn {
		return errors.New("disk full")
	}
	return s.MemoryStorage.Set(name, v)
}

func TestRestoreUsesTransaction(t *testing.T) {
	src := vm.NewMemoryStorage()
	src.Set("$a", vm.NumberValue(1))
	src.Set("$b", vm.NumberValue(2))
	data, err := Snapshot(src)
	if err != nil {
		t.Fatal(err)
	}

	dst := &stagedStorage{MemoryStorage: vm.NewMemoryStorage(), failOn: "$b"}
	dst.MemoryStorage.Set("$keep", vm.BoolValue(true))

	if err := Restore(dst, data); err == nil {
		t.Fatal("Restore should fail when a write fails")
	}
	all, _ := dst.All()
	if len(all) != 1 || all["$keep"] != vm.BoolValue(true) {
		t.Errorf("failed restore left %v, want the original contents", all)
	}

	dst.failOn = ""
	if err := Restore(dst, data); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	all, _ = dst.All()
	if len(all) != 2 || all["$a"] != vm.NumberValue(1) {
		t.Errorf("restored %v", all)
	}
}

func TestDialogueOverSQLite(t *testing.T) {
	s := openTemp(t)
	d, err := vm.NewDialogue(s)
	if err != nil {
		t.Fatal(err)
	}
	if d.VariableStorage() != vm.VariableStorage(s) {
		t.Error("dialogue should use the given storage")
	}
	if err := s.Set(vm.VisitCountPrefix+"Start", vm.NumberValue(3)); err != nil {
		t.Fatal(err)
	}
	if n, err := d.VisitCount("Start"); err != nil || n != 3 {
		t.Errorf("VisitCount = %d, %v", n, err)
	}
}
