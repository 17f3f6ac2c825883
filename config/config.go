// Package config reads the daemon settings from the environment, optionally
// overlaid on a YAML file named by BOARDSYNC_CONFIG. Environment variables
// win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"boardsync/storage"
)

const (
	StoreTables   = "tables"
	StorePostgres = "postgres"
	// StoreMemory keeps boards in process; for local development only.
	StoreMemory   = "memory"

	FeedRedis    = "redis"
	FeedQueue    = "queue"
	FeedPostgres = "postgres"
)

type Config struct {
	Debug      bool   `yaml:"debug"`
	ListenAddr string `yaml:"listenAddr"`

	// Store selects the board backend, Feed the change feed transport.
	Store string `yaml:"store"`
	Feed  string `yaml:"feed"`

	StorageConnectionString string             `yaml:"storageConnectionString"`
	PostgresURL             string             `yaml:"postgresUrl"`
	RedisConnectionString   string             `yaml:"redisConnectionString"`
	Tables                  storage.TableNames `yaml:"tables"`

	FeedPrefix     string        `yaml:"feedPrefix"`
	QueuePoll      time.Duration `yaml:"queuePoll"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	RetryGrace     time.Duration `yaml:"retryGrace"`
	LoadTimeout    time.Duration `yaml:"loadTimeout"`
	MaxParked      int           `yaml:"maxParkedEvents"`
	DedupeWindow   int           `yaml:"dedupeWindow"`
	MaxSessions    int           `yaml:"maxSessions"`
	IdempotencyTTL time.Duration `yaml:"idempotencyTtl"`

	Auth AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	Audience string `yaml:"audience"`
	Domain   string `yaml:"domain"`

	// TestSecret switches bearer validation to HS256 with a shared secret.
	TestSecret string `yaml:"testSecret"`
}

// Default returns the settings used for everything left unset.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		Store:          StoreTables,
		Feed:           FeedRedis,
		Tables:         storage.TableNames{Boards: "Boards", Lists: "Lists", Cards: "Cards"},
		FeedPrefix:     "boardsync",
		QueuePoll:      time.Second,
		RetryGrace:     30 * time.Second,
		IdempotencyTTL: 24 * time.Hour,
	}
}

// Load builds the configuration from BOARDSYNC_CONFIG, if set, and the
// environment.
func Load() (Config, error) {
	return load(os.Getenv("BOARDSYNC_CONFIG"), os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	e := env{lookup: lookup}
	e.flag("DEBUG", &cfg.Debug)
	e.str("LISTEN_ADDR", &cfg.ListenAddr)
	if port, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		cfg.ListenAddr = ":" + port
	}
	e.str("BOARD_STORE", &cfg.Store)
	e.str("CHANGE_FEED", &cfg.Feed)
	e.str("STORAGE_CONNECTION_STRING", &cfg.StorageConnectionString)
	e.str("POSTGRES_URL", &cfg.PostgresURL)
	e.str("REDIS_CONNECTION_STRING", &cfg.RedisConnectionString)
	e.str("BOARDS_TABLE", &cfg.Tables.Boards)
	e.str("LISTS_TABLE", &cfg.Tables.Lists)
	e.str("CARDS_TABLE", &cfg.Tables.Cards)
	e.str("FEED_PREFIX", &cfg.FeedPrefix)
	e.duration("QUEUE_POLL_INTERVAL", &cfg.QueuePoll)
	e.duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	e.duration("RETRY_GRACE", &cfg.RetryGrace)
	e.duration("LOAD_TIMEOUT", &cfg.LoadTimeout)
	e.number("MAX_PARKED_EVENTS", &cfg.MaxParked)
	e.number("DEDUPE_WINDOW", &cfg.DedupeWindow)
	e.number("MAX_SESSIONS", &cfg.MaxSessions)
	e.duration("DEDUPER_TTL", &cfg.IdempotencyTTL)
	e.str("AUTH0_AUDIENCE", &cfg.Auth.Audience)
	e.str("AUTH0_DOMAIN", &cfg.Auth.Domain)
	e.str("TEST_JWT_SECRET", &cfg.Auth.TestSecret)
	if e.err != nil {
		return Config{}, e.err
	}
	cfg.Store = strings.ToLower(cfg.Store)
	cfg.Feed = strings.ToLower(cfg.Feed)
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Store {
	case StoreTables:
		if c.StorageConnectionString == "" {
			return fmt.Errorf("missing storage config: STORAGE_CONNECTION_STRING")
		}
		if c.Tables.Boards == "" || c.Tables.Lists == "" || c.Tables.Cards == "" {
			return fmt.Errorf("missing storage config: table names")
		}
	case StorePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("missing storage config: POSTGRES_URL")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown board store %q", c.Store)
	}
	switch c.Feed {
	case FeedRedis:
	case FeedQueue:
		if c.StorageConnectionString == "" {
			return fmt.Errorf("queue feed needs STORAGE_CONNECTION_STRING")
		}
	case FeedPostgres:
		if c.Store != StorePostgres {
			return fmt.Errorf("postgres feed needs the postgres store")
		}
	default:
		return fmt.Errorf("unknown change feed %q", c.Feed)
	}
	if c.RedisConnectionString == "" {
		return fmt.Errorf("missing redis config: REDIS_CONNECTION_STRING")
	}
	if c.Auth.TestSecret == "" && (c.Auth.Audience == "" || c.Auth.Domain == "") {
		return fmt.Errorf("missing Auth0 config")
	}
	return nil
}

// env reads typed variables and keeps the first parse error.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) get(name string) (string, bool) {
	v, ok := e.lookup(name)
	return v, ok && v != "" && e.err == nil
}

func (e *env) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *env) flag(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", name, err)
			return
		}
		*dst = b
	}
}

func (e *env) number(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", name, err)
			return
		}
		if n <= 0 {
			e.err = fmt.Errorf("invalid %s: must be greater than zero", name)
			return
		}
		*dst = n
	}
}

func (e *env) duration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", name, err)
			return
		}
		if d < 0 {
			e.err = fmt.Errorf("invalid %s: must not be negative", name)
			return
		}
		*dst = d
	}
}
