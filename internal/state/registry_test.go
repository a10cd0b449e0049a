package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildFromDSNMemory(t *testing.T) {
	store, err := BuildFromDSN("memory://")
	if err != nil {
		t.Fatalf("build state store failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if _, err := store.Update(context.Background(), Document{"drive": map[string]any{"page_token": "p3"}}); err != nil {
		t.Fatalf("memory store update failed: %v", err)
	}
	doc, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("memory store load failed: %v", err)
	}
	if got := String(Section(doc, "drive"), "page_token"); got != "p3" {
		t.Fatalf("expected page token p3, got %q", got)
	}
}

func TestBuildFromDSNFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sync-state")
	store, err := BuildFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("build file state store failed: %v", err)
	}
	fileStore, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("expected file store, got %T", store)
	}
	if fileStore.Dir != dir {
		t.Fatalf("expected dir %s, got %s", dir, fileStore.Dir)
	}
	if err := store.Save(context.Background(), Document{"gmail": map[string]any{"last_history_id": "7"}}); err != nil {
		t.Fatalf("file store save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, StateFileName)); err != nil {
		t.Fatalf("expected state file on disk: %v", err)
	}
}

func TestBuildFromDSNBarePath(t *testing.T) {
	dir := t.TempDir()
	store, err := BuildFromDSN(dir)
	if err != nil {
		t.Fatalf("build bare path state store failed: %v", err)
	}
	if fileStore, ok := store.(*FileStore); !ok || fileStore.Dir != dir {
		t.Fatalf("expected file store at %s, got %#v", dir, store)
	}
}

func TestBuildFromDSNPostgresAndUnsupported(t *testing.T) {
	store, err := BuildFromDSN("postgres://localhost/episodesync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres state store to be available, got %v", err)
	}
	if _, ok := store.(*PostgresStore); !ok {
		t.Fatalf("expected postgres store, got %T", store)
	}
	if _, err := BuildFromDSN("mysql://localhost/episodesync"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildFromDSN("gopher://nowhere"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestRegisterFactory(t *testing.T) {
	scheme := "statetestcustom"
	RegisterFactory(scheme, func(dsn string) (Store, error) {
		return NewMemoryStore(), nil
	})
	store, err := BuildFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build state store via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil store from registered factory")
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	if got := ExpandHome("~/sync"); got != "/home/tester/sync" {
		t.Fatalf("expected expanded path, got %s", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("expected untouched path, got %s", got)
	}
}
