package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/recetas/chat-app/internal/chat"
)

const (
	// TokenPrefix is the Redis key prefix for all token hashes.
	TokenPrefix = "auth:"

	// TokenTTL is the sliding time-to-live for token keys in Redis.
	TokenTTL = 24 * time.Hour
)

// ErrUnknownToken is returned when a token is missing or expired.
var ErrUnknownToken = errors.New("identity: unknown token")

// Record is the user bound to a token.
type Record struct {
	ID        string `redis:"id"`
	Email     string `redis:"email"`
	Role      string `redis:"role"`
	CreatedAt int64  `redis:"created_at"` // unix timestamp
}

// User returns the chat identity of r.
func (r Record) User() chat.User {
	return chat.User{ID: r.ID, Email: r.Email}
}

// Store reads and writes token hashes in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a token store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("identity: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Issue binds a fresh token to u and returns it.
func (s *Store) Issue(ctx context.Context, u chat.User, role string) (string, error) {
	if !u.Valid() {
		return "", fmt.Errorf("identity: issue: %w", chat.ErrNotAuthenticated)
	}
	if role == "" {
		role = chat.DefaultRole
	}

	token := uuid.New().String()
	key := TokenPrefix + token
	record := map[string]interface{}{
		"id":         u.ID,
		"email":      u.Email,
		"role":       role,
		"created_at": time.Now().Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, TokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("identity: issue: %w", err)
	}
	return token, nil
}

// Lookup returns the record bound to token and extends its TTL. It returns
// ErrUnknownToken when the token does not exist.
func (s *Store) Lookup(ctx context.Context, token string) (Record, error) {
	if token == "" {
		return Record{}, ErrUnknownToken
	}
	key := TokenPrefix + token

	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return Record{}, fmt.Errorf("identity: lookup: %w", err)
	}
	if rec.ID == "" {
		return Record{}, ErrUnknownToken
	}
	if rec.Role == "" {
		rec.Role = chat.DefaultRole
	}

	if err := s.client.Expire(ctx, key, TokenTTL).Err(); err != nil {
		return rec, fmt.Errorf("identity: refresh ttl: %w", err)
	}
	return rec, nil
}

// Revoke deletes token.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, TokenPrefix+token).Err(); err != nil {
		return fmt.Errorf("identity: revoke: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
