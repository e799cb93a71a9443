package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
)

// Provider is the chat.Identity of one connection. Every call re-checks the
// token, so a revoked or expired token stops authorizing sends. When Redis
// itself fails, the last user seen for the token is kept.
type Provider struct {
	store *Store
	token string
	log   zerolog.Logger

	mu   sync.Mutex
	last chat.User
}

// NewProvider binds a provider to token. seed is the user resolved when the
// connection was authenticated and may be zero.
func NewProvider(store *Store, token string, seed chat.User, logger zerolog.Logger) *Provider {
	return &Provider{
		store: store,
		token: token,
		last:  seed,
		log:   logger.With().Str("component", "identity").Logger(),
	}
}

// CurrentUser implements chat.Identity.
func (p *Provider) CurrentUser(ctx context.Context) (chat.User, bool) {
	rec, err := p.store.Lookup(ctx, p.token)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case errors.Is(err, ErrUnknownToken):
		p.last = chat.User{}
		return chat.User{}, false
	case err != nil && rec.ID == "":
		p.log.Warn().Err(err).Msg("token lookup failed, using last known user")
		return p.last, p.last.Valid()
	}
	p.last = rec.User()
	return p.last, true
}
