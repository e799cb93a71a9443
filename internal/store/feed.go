package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
)

// Listener reconnect bounds and the idle interval after which the
// connection is pinged.
const (
	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

// PostgresFeed delivers the NOTIFY payloads the messages trigger emits.
// Each Subscribe opens its own LISTEN connection.
type PostgresFeed struct {
	dsn     string
	channel string
	log     zerolog.Logger
}

// NewPostgresFeed listens on FeedChannel using dsn.
func NewPostgresFeed(dsn string, logger zerolog.Logger) *PostgresFeed {
	return &PostgresFeed{
		dsn:     dsn,
		channel: FeedChannel,
		log:     logger.With().Str("component", "pgfeed").Logger(),
	}
}

// Subscribe implements chat.ChangeFeed. handler runs on the listener
// goroutine, one payload at a time.
func (f *PostgresFeed) Subscribe(ctx context.Context, handler func([]byte)) (chat.Subscription, error) {
	listener := pq.NewListener(f.dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			f.log.Info().Str("channel", f.channel).Msg("listening")
		case pq.ListenerEventDisconnected:
			f.log.Warn().Err(err).Msg("listener disconnected")
		case pq.ListenerEventReconnected:
			f.log.Info().Msg("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			f.log.Warn().Err(err).Msg("listener connection attempt failed")
		}
	})
	if err := listener.Listen(f.channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("store: listen %s: %w", f.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &listenerSubscription{listener: listener, cancel: cancel, done: make(chan struct{})}
	go f.run(ctx, sub, handler)
	return sub, nil
}

func (f *PostgresFeed) run(ctx context.Context, sub *listenerSubscription, handler func([]byte)) {
	defer close(sub.done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-sub.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; notifications sent while down are lost.
			if n == nil {
				continue
			}
			handler([]byte(n.Extra))
		case <-ticker.C:
			go func() {
				if err := sub.listener.Ping(); err != nil {
					f.log.Warn().Err(err).Msg("listener ping failed")
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

type listenerSubscription struct {
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (s *listenerSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if cerr := s.listener.Close(); cerr != nil {
			err = fmt.Errorf("store: close listener: %w", cerr)
		}
	})
	return err
}
