package item

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Schema for the item side-store database. The seq column records insertion
// order; ids already sort by allocation time, seq is the fallback index when
// a message's marker sequence cannot be trusted.
const schema = `
CREATE TABLE IF NOT EXISTS items (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    type TEXT NOT NULL,
    model TEXT,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    seq INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_message ON items(message_id, seq);
CREATE INDEX IF NOT EXISTS idx_items_chat_model ON items(chat_id, model, seq);

-- Provider-side continuation handles, one per chat.
CREATE TABLE IF NOT EXISTS continuations (
    chat_id TEXT PRIMARY KEY,
    handle TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// schemaVersion is the current schema version.
// - Fresh databases get the full schema from the schema const and start here
// - Existing databases run migrations to reach this version
// Increment when adding new migrations.
const schemaVersion = 1

// migration represents a schema migration.
type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations upgrade databases created before a schema change. The schema
// const always contains the FULL current schema, so fresh databases never
// run these.
var migrations = []migration{}

// NewSQLiteStore opens (creating if needed) the item database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// initSchema initializes the database schema and runs any pending migrations.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	err = db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err != nil {
		if err != sql.ErrNoRows && !strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("get current version: %w", err)
		}
		currentVersion = schemaVersion
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update version to %d: %w", m.version, err)
		}
	}
	return nil
}

// Put writes an item inside a transaction that also allocates its seq.
func (s *SQLiteStore) Put(ctx context.Context, it *Item) (string, error) {
	if it.ID == "" {
		it.ID = NewID()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM items WHERE chat_id = ?`, it.ChatID).Scan(&maxSeq)
	if err != nil {
		return "", fmt.Errorf("get max seq: %w", err)
	}
	seq := int64(0)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (id, chat_id, message_id, type, model, payload, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ChatID, it.MessageID, it.Type, nullString(it.Model),
		string(it.Payload), it.CreatedAt, seq)
	if err != nil {
		return "", fmt.Errorf("insert item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return it.ID, nil
}

// Get retrieves an item by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, message_id, type, model, payload, created_at
		FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	return it, nil
}

// GetByMessage retrieves a message's items in insertion order.
func (s *SQLiteStore) GetByMessage(ctx context.Context, messageID string) ([]*Item, error) {
	return s.query(ctx, `
		SELECT id, chat_id, message_id, type, model, payload, created_at
		FROM items WHERE message_id = ? ORDER BY seq ASC`, messageID)
}

// GetByModel retrieves a chat's items produced by the given model.
func (s *SQLiteStore) GetByModel(ctx context.Context, chatID, model string) ([]*Item, error) {
	return s.query(ctx, `
		SELECT id, chat_id, message_id, type, model, payload, created_at
		FROM items WHERE chat_id = ? AND model = ? ORDER BY seq ASC`, chatID, model)
}

// GetByChat retrieves every item in a chat in insertion order.
func (s *SQLiteStore) GetByChat(ctx context.Context, chatID string) ([]*Item, error) {
	return s.query(ctx, `
		SELECT id, chat_id, message_id, type, model, payload, created_at
		FROM items WHERE chat_id = ? ORDER BY seq ASC`, chatID)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var it Item
	var model sql.NullString
	var payload string
	if err := row.Scan(&it.ID, &it.ChatID, &it.MessageID, &it.Type, &model, &payload, &it.CreatedAt); err != nil {
		return nil, err
	}
	if model.Valid {
		it.Model = model.String
	}
	it.Payload = []byte(payload)
	return &it, nil
}

// Continuation returns the recorded continuation handle for a chat.
func (s *SQLiteStore) Continuation(ctx context.Context, chatID string) (string, error) {
	var handle string
	err := s.db.QueryRowContext(ctx,
		`SELECT handle FROM continuations WHERE chat_id = ?`, chatID).Scan(&handle)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get continuation: %w", err)
	}
	return handle, nil
}

// SetContinuation records (or clears) the continuation handle for a chat.
func (s *SQLiteStore) SetContinuation(ctx context.Context, chatID, handle string) error {
	if handle == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE chat_id = ?`, chatID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO continuations (chat_id, handle, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET handle = excluded.handle, updated_at = excluded.updated_at`,
		chatID, handle, time.Now().UTC())
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
