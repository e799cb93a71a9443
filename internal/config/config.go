// Package config loads the gateway and client configuration from the
// environment, with an optional .env file for development.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
)

// Config holds all configuration for the application.
type Config struct {
	Env        string
	LogLevel   string
	ListenAddr string

	// Backends. With DatabaseURL empty the SQLite store at SQLitePath is
	// used; with NATSURL empty typing stays in process; with RedisAddr
	// empty tokens and rate limits are unavailable.
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string
	NATSURL     string

	// Chat core
	HistoryLimit   int
	TypingDebounce time.Duration
	TypingExpiry   time.Duration
	FetchTimeout   time.Duration
	SendRateLimit  int // sends per 10 seconds per user, 0 disables

	// Gateway
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSOrigins    []string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, DATABASE_URL and REDIS_ADDR are required.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	defaults := chat.DefaultConfig()
	cfg := &Config{
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/chat.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		NATSURL:     os.Getenv("NATS_URL"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
	}

	var errs []string
	intVar := func(dst *int, key string, def int) {
		v, err := getInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		*dst = v
	}
	durVar := func(dst *time.Duration, key string, def time.Duration) {
		v, err := getDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		*dst = v
	}

	intVar(&cfg.HistoryLimit, "HISTORY_LIMIT", defaults.HistoryLimit)
	durVar(&cfg.TypingDebounce, "TYPING_DEBOUNCE", defaults.TypingDebounce)
	durVar(&cfg.TypingExpiry, "TYPING_EXPIRY", defaults.TypingExpiry)
	durVar(&cfg.FetchTimeout, "FETCH_TIMEOUT", defaults.FetchTimeout)
	intVar(&cfg.SendRateLimit, "SEND_RATE_LIMIT", 5)
	intVar(&cfg.WorkerPoolSize, "WORKER_POOL_SIZE", 256)
	intVar(&cfg.MaxConnections, "MAX_CONNECTIONS", 100000)
	durVar(&cfg.ReadTimeout, "READ_TIMEOUT", 10*time.Second)
	durVar(&cfg.WriteTimeout, "WRITE_TIMEOUT", 10*time.Second)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	if cfg.IsProduction() {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("config: DATABASE_URL is required in production")
		}
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("config: REDIS_ADDR is required in production")
		}
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Chat returns the session configuration.
func (c *Config) Chat() chat.Config {
	cc := chat.DefaultConfig()
	cc.HistoryLimit = c.HistoryLimit
	cc.TypingDebounce = c.TypingDebounce
	cc.TypingExpiry = c.TypingExpiry
	cc.FetchTimeout = c.FetchTimeout
	return cc
}

// Logger builds the root logger: console output in development, JSON
// otherwise.
func (c *Config) Logger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if c.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(out)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return defaultValue, fmt.Errorf("%s: invalid non-negative integer %q", key, value)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
