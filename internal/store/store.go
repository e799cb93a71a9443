// Package store implements the chat message table and its change feed on
// Postgres (lib/pq, LISTEN/NOTIFY) and on SQLite for standalone runs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/protocol"
)

// FeedChannel is the Postgres NOTIFY channel the messages trigger writes to.
const FeedChannel = "messages_inserted"

type rowScanner interface {
	Scan(dest ...any) error
}

// timestamp scans both native time values (Postgres) and the text
// timestamps SQLite stores.
type timestamp struct {
	time.Time
}

func (t *timestamp) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = x
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	default:
		return fmt.Errorf("store: unsupported timestamp type %T", v)
	}
	return nil
}

func (t *timestamp) parse(s string) error {
	ts, err := protocol.ParseTimestamp(s)
	if err != nil {
		return fmt.Errorf("store: parse timestamp %q: %w", s, err)
	}
	t.Time = ts
	return nil
}

// scanMessage reads the column set selected by both backends:
// id, content, sender_id, sender_email, created_at, users.email, users.role.
func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m         chat.Message
		email     sql.NullString
		created   timestamp
		joinEmail sql.NullString
		joinRole  sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Content, &m.SenderID, &email, &created, &joinEmail, &joinRole); err != nil {
		return chat.Message{}, err
	}
	m.SenderEmail = email.String
	m.CreatedAt = created.Time
	if joinEmail.Valid {
		role := joinRole.String
		if role == "" {
			role = chat.DefaultRole
		}
		m.Sender = &chat.Sender{Email: joinEmail.String, Role: role}
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Table is a message table that also keeps the sender join current.
type Table interface {
	chat.MessageTable
	UpsertUser(ctx context.Context, u chat.User, role string) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Table = (*PostgresStore)(nil)
	_ Table = (*SQLiteStore)(nil)

	_ chat.ChangeFeed = (*PostgresFeed)(nil)
)
