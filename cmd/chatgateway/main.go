package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/config"
	"github.com/recetas/chat-app/internal/identity"
	"github.com/recetas/chat-app/internal/messaging"
	"github.com/recetas/chat-app/internal/metrics"
	"github.com/recetas/chat-app/internal/ratelimit"
	"github.com/recetas/chat-app/internal/store"
	"github.com/recetas/chat-app/internal/ws"
)

func main() {
	issue := flag.String("issue", "", "issue a bearer token for this email and exit")
	role := flag.String("role", chat.DefaultRole, "role recorded with -issue")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := cfg.Logger(os.Stdout)

	if *issue != "" {
		if err := issueToken(cfg, *issue, *role); err != nil {
			log.Fatal().Err(err).Msg("issue token")
		}
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// --- Message table and change feed ---
	table, feed, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer table.Close()

	// --- Typing channel ---
	var typing chat.BroadcastChannel
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		typing = messaging.NewTypingChannel(natsClient)
	} else {
		local := messaging.NewLocalChannel(256)
		defer local.Close()
		typing = local
	}

	// --- Identity and rate limiting ---
	var (
		auth  ws.Authenticator
		guard *ratelimit.SendGuard
	)
	if cfg.RedisAddr != "" {
		ids, err := identity.NewStore(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer ids.Close()
		auth = ws.NewTokenAuthenticator(ids, log)
		if cfg.SendRateLimit > 0 {
			guard = ratelimit.NewSendGuard(ratelimit.NewLimiter(ids.Client(), log), ratelimit.Rule{
				Key:    ratelimit.RuleSend.Key,
				Limit:  cfg.SendRateLimit,
				Window: ratelimit.RuleSend.Window,
			})
		}
	} else {
		log.Warn().Msg("REDIS_ADDR not set, trusting user_id query parameters")
		auth = ws.DevAuthenticator{}
	}

	deps := chat.Deps{
		Table:    table,
		Feed:     feed,
		Typing:   typing,
		Reporter: metrics.NewReporter(log),
		Channels: chat.NewChannels(chat.PolicyShare),
		Logger:   log,
	}
	if guard != nil {
		deps.Limiter = guard
	}

	gwConfig := ws.DefaultGatewayConfig()
	gwConfig.Chat = cfg.Chat()
	gateway := ws.NewGateway(gwConfig, deps, table, log)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.CORSOrigins = cfg.CORSOrigins

	server, err := ws.NewServer(serverConfig, log, auth, gateway.Dispatch)
	if err != nil {
		return err
	}
	gateway.Attach(server)

	log.Info().
		Str("env", cfg.Env).
		Str("listen_addr", serverConfig.ListenAddr).
		Int("worker_pool", serverConfig.WorkerPoolSize).
		Int("max_connections", serverConfig.MaxConnections).
		Bool("postgres", cfg.DatabaseURL != "").
		Bool("nats", cfg.NATSURL != "").
		Bool("redis", cfg.RedisAddr != "").
		Msg("chat gateway starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	return nil
}

// openBackend selects Postgres when DATABASE_URL is set and the embedded
// SQLite store otherwise.
func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Table, chat.ChangeFeed, error) {
	if cfg.DatabaseURL == "" {
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite store")
		return st, st.Feed(), nil
	}

	db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.RunMigrations(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info().Msg("using postgres store")
	return store.NewPostgresStore(db), store.NewPostgresFeed(cfg.DatabaseURL, log), nil
}

// issueToken creates a user id for email, records it in the user table and
// prints a bearer token for it.
func issueToken(cfg *config.Config, email, role string) error {
	if cfg.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required to issue tokens")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := identity.NewStore(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer ids.Close()

	user := chat.User{ID: uuid.New().String(), Email: email}
	token, err := ids.Issue(ctx, user, role)
	if err != nil {
		return err
	}

	table, _, err := openBackend(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer table.Close()
	if err := table.UpsertUser(ctx, user, role); err != nil {
		return err
	}

	fmt.Printf("user_id=%s\ntoken=%s\n", user.ID, token)
	return nil
}
