// Package messaging provides the pub/sub transports of the chat: a NATS
// client wrapper for multi-instance deployments and an in-process channel
// for standalone mode. Both carry raw payloads; encoding lives in protocol.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS subjects used by the chat.
const (
	SubjectTyping = "chat.typing"
)

// NATSClient wraps the NATS connection and tracks subscriptions for cleanup.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[*nats.Subscription]string // subscription -> subject
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	log := logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[*nats.Subscription]string),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject and keeps the subscription for
// cleanup on Close.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[sub] = subject
	c.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes one subscription.
func (c *NATSClient) Unsubscribe(sub *nats.Subscription) error {
	c.mu.Lock()
	subject, ok := c.subs[sub]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, sub)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub, subject := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[*nats.Subscription]string)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}

	c.log.Info().Msg("client closed")
}
