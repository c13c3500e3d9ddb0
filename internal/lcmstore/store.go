// Package lcmstore is the durable persistence layer for the lossless
// context management engine: ConversationStore and SummaryStore backed by
// a single SQLite file per conversation database.
package lcmstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "lcm-v1-2026-07-initial-dag-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store is the durable backing store for conversations, messages, message
// parts, summaries, the context_items sequence, and large-file metadata.
// It is a per-path singleton: open one Store per database file and share
// it across every session that writes to that file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	regKey string // registry key this Store is shared under, "" for :memory:
}

// storeRegistry holds the process-wide per-path singletons: every Open
// call for the same absolute path shares one *Store (and one underlying
// *sql.DB), ref-counted so the connection and its migration only happen
// once no matter how many Facade/Engine instances open that path.
var (
	storeRegistryMu sync.Mutex
	storeRegistry   = map[string]*refCountedStore{}
)

type refCountedStore struct {
	store *Store
	refs  int
}

// DefaultDBPath mirrors the teacher's under-home layout for engine state.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".openclaw", "lcm.db")
}

// Open returns the per-path singleton Store for path: the first Open for
// a given absolute path creates the *sql.DB, applies pragmas, and runs
// schema migration; every subsequent Open for that same path increments
// a ref count and hands back the same *Store, doing no I/O. Close
// decrements the ref count and only closes the underlying connection
// once the last holder has released it. path=":memory:" is exempt from
// sharing (each caller gets an independent in-memory database, as tests
// expect). The shared connection itself holds a single pool slot
// (SetMaxOpenConns(1)) since SQLite serializes writers anyway and the
// engine's own per-session FIFO (internal/lcmfacade) is the intended
// concurrency boundary above the ref-counted singleton.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if path == ":memory:" {
		return openNew(path, logger, "")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}

	storeRegistryMu.Lock()
	defer storeRegistryMu.Unlock()

	if rc, ok := storeRegistry[abs]; ok {
		rc.refs++
		return rc.store, nil
	}

	s, err := openNew(abs, logger, abs)
	if err != nil {
		return nil, err
	}
	storeRegistry[abs] = &refCountedStore{store: s, refs: 1}
	return s, nil
}

func openNew(path string, logger *slog.Logger, regKey string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger, regKey: regKey}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for callers (e.g. lcmretrieve) that
// need raw query access beyond the typed accessors in this package.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases this holder's reference to the database connection. For
// a shared (non-:memory:) Store, the underlying *sql.DB is only actually
// closed once every Open caller for that path has called Close.
func (s *Store) Close() error {
	if s.regKey == "" {
		return s.db.Close()
	}

	storeRegistryMu.Lock()
	defer storeRegistryMu.Unlock()

	rc, ok := storeRegistry[s.regKey]
	if !ok {
		return s.db.Close()
	}
	rc.refs--
	if rc.refs > 0 {
		return nil
	}
	delete(storeRegistry, s.regKey)
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		title TEXT,
		bootstrapped_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		message_id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL CHECK(role IN ('system','user','assistant','tool')),
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(conversation_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS message_parts (
		part_id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL REFERENCES messages(message_id),
		session_id TEXT NOT NULL,
		part_type TEXT NOT NULL CHECK(part_type IN (
			'text','reasoning','tool','patch','file','subtask',
			'compaction','step_start','step_finish','snapshot','agent','retry'
		)),
		ordinal INTEGER NOT NULL,
		text_content TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		tool_input TEXT,
		tool_output TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(message_id, ordinal)
	);`,
	`CREATE TABLE IF NOT EXISTS summaries (
		summary_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		kind TEXT NOT NULL CHECK(kind IN ('leaf','condensed')),
		depth INTEGER NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		file_ids TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK ((kind = 'leaf' AND depth = 0) OR (kind = 'condensed' AND depth >= 1))
	);`,
	`CREATE TABLE IF NOT EXISTS summary_messages (
		summary_id TEXT NOT NULL REFERENCES summaries(summary_id),
		message_id INTEGER NOT NULL REFERENCES messages(message_id),
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (summary_id, message_id)
	);`,
	`CREATE TABLE IF NOT EXISTS summary_parents (
		summary_id TEXT NOT NULL REFERENCES summaries(summary_id),
		parent_summary_id TEXT NOT NULL REFERENCES summaries(summary_id),
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (summary_id, parent_summary_id)
	);`,
	`CREATE TABLE IF NOT EXISTS context_items (
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		ordinal INTEGER NOT NULL,
		item_type TEXT NOT NULL CHECK(item_type IN ('message','summary')),
		message_id INTEGER REFERENCES messages(message_id),
		summary_id TEXT REFERENCES summaries(summary_id),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (conversation_id, ordinal)
	);`,
	`CREATE TABLE IF NOT EXISTS large_files (
		file_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		file_name TEXT,
		mime_type TEXT,
		byte_size INTEGER,
		storage_uri TEXT NOT NULL,
		exploration_summary TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_message_parts_message ON message_parts(message_id, ordinal);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id, depth);`,
	`CREATE INDEX IF NOT EXISTS idx_summary_parents_parent ON summary_parents(parent_summary_id);`,
	`CREATE INDEX IF NOT EXISTS idx_summary_messages_message ON summary_messages(message_id);`,
	`CREATE INDEX IF NOT EXISTS idx_context_items_conversation ON context_items(conversation_id, ordinal);`,
	`CREATE INDEX IF NOT EXISTS idx_large_files_conversation ON large_files(conversation_id);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("%w: schema checksum mismatch for version %d: got %q want %q",
				ErrInvariantViolation, schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if err := s.createSearchIndexesTx(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

// txKey is the context key under which an in-flight *sql.Tx is stored so
// that nested withTransaction calls reuse the outermost transaction
// instead of nesting BEGINs (SQLite has no real nested transactions).
type txKey struct{}

// withTransaction runs fn under a transaction. A call nested inside an
// outer withTransaction reuses that outer transaction and commits/rolls
// back only at the outermost level; any failure anywhere in the chain
// rolls back every write made by the whole call tree.
func (s *Store) withTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return fn(ctx, tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	nestedCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(nestedCtx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so read/write helpers
// can run either standalone or nested inside withTransaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the active transaction from ctx if present, else the
// store's shared *sql.DB handle.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return s.db
}
