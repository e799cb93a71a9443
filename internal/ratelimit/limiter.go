// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. The chat uses it to throttle message sends per user.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleSend allows 5 messages per 10 seconds per user.
var RuleSend = Rule{Key: "rl:send:", Limit: 5, Window: 10 * time.Second}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		log:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("GET failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// SendGuard applies one rule to message sends. It implements chat.Limiter.
type SendGuard struct {
	limiter *Limiter
	rule    Rule
}

// NewSendGuard guards sends with rule. A zero Limit disables the guard.
func NewSendGuard(limiter *Limiter, rule Rule) *SendGuard {
	return &SendGuard{limiter: limiter, rule: rule}
}

// Remaining implements chat.QuotaLimiter. A disabled guard reports -1.
func (g *SendGuard) Remaining(ctx context.Context, userID string) (int, error) {
	if g == nil || g.rule.Limit <= 0 {
		return -1, nil
	}
	return g.limiter.Remaining(ctx, userID, g.rule)
}

// Allow implements chat.Limiter.
func (g *SendGuard) Allow(ctx context.Context, userID string) (bool, error) {
	if g == nil || g.rule.Limit <= 0 {
		return true, nil
	}
	return g.limiter.Allow(ctx, userID, g.rule)
}
