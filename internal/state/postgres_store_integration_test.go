package state

import (
	"context"
	"os"
	"strings"
	"testing"
)

func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("EPISODESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("EPISODESYNC_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestPostgresStoreUpdateMerges(t *testing.T) {
	dsn := postgresTestDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store failed: %v", err)
	}
	store.stateKey = "test_" + strings.ReplaceAll(t.Name(), "/", "_")
	defer store.Close()

	ctx := context.Background()
	if err := store.Save(ctx, Document{"drive": map[string]any{"page_token": "p1"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	merged, err := store.Update(ctx, Document{"gmail": map[string]any{"last_history_id": "9"}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if String(Section(merged, "drive"), "page_token") != "p1" {
		t.Fatalf("expected sibling drive section to survive, got %#v", merged)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if String(Section(loaded, "gmail"), "last_history_id") != "9" {
		t.Fatalf("expected gmail cursor 9, got %#v", loaded)
	}
}
