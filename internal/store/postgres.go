package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/recetas/chat-app/internal/chat"
)

const selectMessagesPG = `
	SELECT m.id, m.content, m.sender_id, m.sender_email, m.created_at, u.email, u.role
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id`

// PostgresStore is the messages table on Postgres.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool and checks it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore wraps an open pool. Run RunMigrations first.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Recent implements chat.MessageTable.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessagesPG+`
	ORDER BY m.created_at DESC, m.id DESC
	LIMIT $1`, limit)
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
func (s *PostgresStore) Get(ctx context.Context, id string) (chat.Message, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: get %q: %w", id, chat.ErrNotFound)
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, selectMessagesPG+`
	WHERE m.id = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("store: get %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return m, nil
}

// Insert implements chat.MessageTable. The database assigns id and
// created_at; the trigger publishes the row on FeedChannel.
func (s *PostgresStore) Insert(ctx context.Context, m chat.NewMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (content, sender_id, sender_email) VALUES ($1, $2, $3)`,
		m.Content, m.SenderID, nullable(m.SenderEmail),
	)
	if err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

// Delete implements chat.MessageTable. An id that is not a UUID names no
// row, so deleting it succeeds.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	key, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, key); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// UpsertUser records the joined identity shown next to u's messages.
func (s *PostgresStore) UpsertUser(ctx context.Context, u chat.User, role string) error {
	if role == "" {
		role = chat.DefaultRole
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, role) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, role = EXCLUDED.role`,
		u.ID, u.Email, role,
	)
	if err != nil {
		return fmt.Errorf("store: upsert user %s: %w", u.ID, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
