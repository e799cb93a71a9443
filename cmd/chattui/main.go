package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/config"
	"github.com/recetas/chat-app/internal/messaging"
	"github.com/recetas/chat-app/internal/metrics"
	"github.com/recetas/chat-app/internal/store"
)

func main() {
	userID := flag.String("user", "", "user id to chat as (required)")
	email := flag.String("email", "", "email shown to other users")
	logPath := flag.String("log", "", "write logs to this file")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	if err := run(chat.User{ID: *userID, Email: *email}, *logPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(self chat.User, logPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var out io.Writer = io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	log := cfg.Logger(out)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deps, table, cleanup, err := openDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := table.UpsertUser(ctx, self, chat.DefaultRole); err != nil {
		log.Warn().Err(err).Msg("upsert user")
	}
	deps.Identity = chat.StaticIdentity(self)

	session, err := chat.NewSession(deps, cfg.Chat())
	if err != nil {
		return err
	}
	defer session.Close()

	return NewApp(session, self, cfg.FetchTimeout).Run()
}

// openDeps wires the same backends the gateway uses. Typing goes through
// NATS when configured so the client sees gateway users composing.
func openDeps(ctx context.Context, cfg *config.Config, log zerolog.Logger) (chat.Deps, store.Table, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := chat.Deps{
		Reporter: metrics.NewReporter(log),
		Logger:   log,
	}
	var table store.Table

	if cfg.DatabaseURL != "" {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return deps, nil, cleanup, err
		}
		if err := store.RunMigrations(db); err != nil {
			db.Close()
			return deps, nil, cleanup, err
		}
		st := store.NewPostgresStore(db)
		closers = append(closers, func() { st.Close() })
		table = st
		deps.Table = st
		deps.Feed = store.NewPostgresFeed(cfg.DatabaseURL, log)
	} else {
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath, log)
		if err != nil {
			return deps, nil, cleanup, err
		}
		closers = append(closers, func() { st.Close() })
		table = st
		deps.Table = st
		deps.Feed = st.Feed()
	}

	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chat-tui"
		client, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			cleanup()
			return deps, nil, func() {}, err
		}
		closers = append(closers, client.Close)
		deps.Typing = messaging.NewTypingChannel(client)
	} else {
		local := messaging.NewLocalChannel(64)
		closers = append(closers, local.Close)
		deps.Typing = local
	}

	return deps, table, cleanup, nil
}
