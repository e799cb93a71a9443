package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/messaging"
	"github.com/recetas/chat-app/internal/protocol"
)

// sqliteTimeLayout keeps created_at sortable as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const selectMessagesSQLite = `
	SELECT m.id, m.content, m.sender_id, m.sender_email, m.created_at, u.email, u.role
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id`

// SQLiteStore is the messages table on a local SQLite file. Inserts are
// announced to in-process subscribers through Feed, in the same payload
// shape as the Postgres trigger.
type SQLiteStore struct {
	db   *sql.DB
	feed *messaging.LocalChannel
	log  zerolog.Logger
}

// NewSQLiteStore opens (and creates) the database at dbPath.
// If dbPath is empty, defaults to "./data/chat.db".
func NewSQLiteStore(ctx context.Context, dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chat.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		feed: messaging.NewLocalChannel(256),
		log:  logger.With().Str("component", "sqlite").Logger(),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member'
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL CHECK (length(content) BETWEEN 1 AND 500),
		sender_id TEXT NOT NULL,
		sender_email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Feed returns the change feed for this store.
func (s *SQLiteStore) Feed() chat.ChangeFeed { return s.feed }

// Recent implements chat.MessageTable.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessagesSQLite+`
	ORDER BY m.created_at DESC, m.rowid DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	return msgs, nil
}

// Get implements chat.MessageTable.
func (s *SQLiteStore) Get(ctx context.Context, id string) (chat.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, selectMessagesSQLite+`
	WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("store: get %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return m, nil
}

// Insert implements chat.MessageTable and announces the row on Feed.
func (s *SQLiteStore) Insert(ctx context.Context, m chat.NewMessage) error {
	rec := protocol.InsertRecord{
		ID:          uuid.New().String(),
		Content:     m.Content,
		SenderID:    m.SenderID,
		SenderEmail: m.SenderEmail,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, content, sender_id, sender_email, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, rec.SenderID, nullable(rec.SenderEmail), rec.CreatedAt.Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}

	payload, err := protocol.NewInsertEvent(rec)
	if err != nil {
		s.log.Error().Err(err).Str("id", rec.ID).Msg("encode insert event")
		return nil
	}
	if err := s.feed.Publish(ctx, payload); err != nil {
		s.log.Warn().Err(err).Str("id", rec.ID).Msg("insert event not delivered")
	}
	return nil
}

// Delete implements chat.MessageTable.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// UpsertUser records the joined identity shown next to u's messages.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u chat.User, role string) error {
	if role == "" {
		role = chat.DefaultRole
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, role) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, role = excluded.role`,
		u.ID, u.Email, role,
	)
	if err != nil {
		return fmt.Errorf("store: upsert user %s: %w", u.ID, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops feed subscribers and closes the database.
func (s *SQLiteStore) Close() error {
	s.feed.Close()
	return s.db.Close()
}
