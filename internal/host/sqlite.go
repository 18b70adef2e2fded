package host

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const chatSchema = `
CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (chat_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
`

const chatSchemaVersion = 1

var chatMigrations = []struct {
	version int
	stmts   []string
}{}

// SQLiteStore is a file-backed MessageStore for hosting chats locally.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open chat db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(chatSchema); err != nil {
		return fmt.Errorf("init chat schema: %w", err)
	}
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("read chat schema version: %w", err)
	}
	for _, m := range chatMigrations {
		if m.version <= version {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("chat migration %d: %w", m.version, err)
			}
		}
		version = m.version
	}
	if version < chatSchemaVersion {
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, chatSchemaVersion); err != nil {
			return fmt.Errorf("record chat schema version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Messages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content FROM messages WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, chatID string, msg Message) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		chatID, now, now); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, chatID, msg.Role, msg.Content, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateContent(ctx context.Context, chatID, messageID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ? WHERE chat_id = ? AND id = ?`, content, chatID, messageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s not found in chat %s", messageID, chatID)
	}
	return nil
}

// ChatInfo summarizes one stored chat.
type ChatInfo struct {
	ID        string
	Title     string
	Messages  int
	UpdatedAt time.Time
}

// Chats lists stored chats, most recently updated first.
func (s *SQLiteStore) Chats(ctx context.Context) ([]ChatInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.updated_at, COUNT(m.seq)
		FROM chats c LEFT JOIN messages m ON m.chat_id = c.id
		GROUP BY c.id ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []ChatInfo
	for rows.Next() {
		var info ChatInfo
		if err := rows.Scan(&info.ID, &info.Title, &info.UpdatedAt, &info.Messages); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, info)
	}
	return chats, rows.Err()
}

// SetTitle updates a chat's display title.
func (s *SQLiteStore) SetTitle(ctx context.Context, chatID, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET title = ? WHERE id = ?`, title, chatID)
	return err
}
