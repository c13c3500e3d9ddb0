package lcmstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "lcm.db")
	store, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func queryOnePragma(t *testing.T, store *Store, pragma string) string {
	t.Helper()
	var val string
	if err := store.db.QueryRow("PRAGMA " + pragma + ";").Scan(&val); err != nil {
		t.Fatalf("query pragma %s: %v", pragma, err)
	}
	return val
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)

	if got := queryOnePragma(t, store, "journal_mode"); got != "wal" {
		t.Errorf("journal_mode = %q, want wal", got)
	}
	if got := queryOnePragma(t, store, "foreign_keys"); got != "1" {
		t.Errorf("foreign_keys = %q, want 1", got)
	}

	var version int
	if err := store.db.QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != schemaVersionLatest {
		t.Errorf("schema version = %d, want %d", version, schemaVersionLatest)
	}
}

func TestStore_OpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "lcm.db")

	store1, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	conv, err := store1.GetOrCreateConversation(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer store2.Close()

	got, err := store2.GetConversationByID(ctx, conv.ConversationID)
	if err != nil {
		t.Fatalf("GetConversationByID after reopen: %v", err)
	}
	if got.SessionID != "session-1" {
		t.Errorf("session_id = %q, want session-1", got.SessionID)
	}
}

func TestStore_OpenSharesSingletonAcrossCallersForSamePath(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "lcm.db")

	store1, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	store2, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if store1 != store2 {
		t.Fatalf("two Open calls for the same path returned distinct *Store values")
	}

	conv, err := store1.GetOrCreateConversation(ctx, "session-shared")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	// Closing the first holder must not tear down the connection while a
	// second holder is still outstanding.
	if err := store1.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	got, err := store2.GetConversationByID(ctx, conv.ConversationID)
	if err != nil {
		t.Fatalf("GetConversationByID via second holder after first Close: %v", err)
	}
	if got.SessionID != "session-shared" {
		t.Errorf("session_id = %q, want session-shared", got.SessionID)
	}

	if err := store2.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := storeRegistry[store2.regKey]; ok {
		t.Errorf("registry entry survives past the last Close")
	}

	// A fresh Open for the same path after every holder released it must
	// re-migrate rather than reuse the closed *sql.DB.
	store3, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open after full release: %v", err)
	}
	defer store3.Close()
	if store3 == store1 {
		t.Errorf("Open after full release reused the closed Store")
	}
}

func TestStore_OpenDoesNotShareInMemoryDatabases(t *testing.T) {
	store1, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer store1.Close()
	store2, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer store2.Close()

	if store1 == store2 {
		t.Errorf(":memory: Open calls must not share a Store")
	}
}

func TestStore_WithTransactionNestingReusesOutermost(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var outerTx, innerTx *sql.Tx
	err := store.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		outerTx = tx
		return store.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			innerTx = tx
			return nil
		})
	})
	if err != nil {
		t.Fatalf("withTransaction: %v", err)
	}
	if outerTx != innerTx {
		t.Errorf("nested withTransaction did not reuse the outer *sql.Tx")
	}
}

func TestStore_WithTransactionRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	wantErr := sql.ErrNoRows
	err := store.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversations (conversation_id, session_id) VALUES (?, ?);`, "conv_rollback", "session-rollback"); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("withTransaction error = %v, want %v", err, wantErr)
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(1) FROM conversations WHERE conversation_id = ?;`, "conv_rollback").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rolled-back insert is visible: count = %d", count)
	}
}
