package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/identity"
)

// ErrUnauthorized is returned when an upgrade request carries no valid
// credentials.
var ErrUnauthorized = errors.New("ws: unauthorized")

// Principal is the authenticated user of a connection.
type Principal struct {
	User     chat.User
	Role     string
	Identity chat.Identity
}

// Authenticator resolves the user of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// TokenAuthenticator accepts bearer tokens issued into the identity store,
// from the Authorization header or the "token" query parameter (browsers
// cannot set headers on WebSocket requests).
type TokenAuthenticator struct {
	store *identity.Store
	log   zerolog.Logger
}

// NewTokenAuthenticator authenticates against store.
func NewTokenAuthenticator(store *identity.Store, logger zerolog.Logger) *TokenAuthenticator {
	return &TokenAuthenticator{store: store, log: logger}
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	token := bearerToken(r)
	if token == "" {
		return Principal{}, ErrUnauthorized
	}

	rec, err := a.store.Lookup(r.Context(), token)
	if errors.Is(err, identity.ErrUnknownToken) {
		return Principal{}, ErrUnauthorized
	}
	if err != nil && rec.ID == "" {
		return Principal{}, fmt.Errorf("ws: authenticate: %w", err)
	}

	user := rec.User()
	return Principal{
		User:     user,
		Role:     rec.Role,
		Identity: identity.NewProvider(a.store, token, user, a.log),
	}, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// DevAuthenticator trusts the "user_id" and "email" query parameters. It is
// meant for standalone development without an identity store.
type DevAuthenticator struct{}

// Authenticate implements Authenticator.
func (DevAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	q := r.URL.Query()
	user := chat.User{ID: q.Get("user_id"), Email: q.Get("email")}
	if !user.Valid() {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		User:     user,
		Role:     chat.DefaultRole,
		Identity: chat.StaticIdentity(user),
	}, nil
}
