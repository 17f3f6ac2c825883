package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/config"
	"boardsync/engine"
	"boardsync/metrics"
	"boardsync/mutator"
	"boardsync/storage"
	"boardsync/subscription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	rc := redis.NewClient(config.RedisOptions(cfg.RedisConnectionString))
	defer rc.Close()

	var pool *pgxpool.Pool
	if cfg.Store == config.StorePostgres {
		pool, err = storage.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
	}
	backend, err := openBackend(cfg, pool)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	deps := engine.Deps{Backend: backend, Logger: logger, Metrics: m}
	switch cfg.Feed {
	case config.FeedRedis:
		deps.Feed = subscription.NewRedisFeed(rc, cfg.FeedPrefix)
		deps.Cursors = subscription.NewRedisCursors(rc, cfg.FeedPrefix)
		backend = storage.NewPublishing(backend, subscription.NewRedisPublisher(rc, cfg.FeedPrefix), logger)
	case config.FeedQueue:
		dial := subscription.ConnectionStringDialer(cfg.StorageConnectionString)
		deps.Feed = subscription.NewQueueFeed(dial, cfg.FeedPrefix, cfg.QueuePoll)
		backend = storage.NewPublishing(backend, subscription.NewQueuePublisher(dial, cfg.FeedPrefix), logger)
	case config.FeedPostgres:
		// the database trigger announces every write
		deps.Feed = subscription.NewPostgresFeed(pool)
	}
	deps.Backend = backend

	sessions := engine.NewRegistry(engine.Config{
		Mutator:         mutator.Config{WriteTimeout: cfg.WriteTimeout, RetryGrace: cfg.RetryGrace},
		LoadTimeout:     cfg.LoadTimeout,
		MaxParkedEvents: cfg.MaxParked,
		DedupeWindow:    cfg.DedupeWindow,
	}, deps, cfg.MaxSessions)
	defer sessions.Close()

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	api.Register(e, api.Options{
		Sessions: sessions,
		Boards:   backend,
		Auth:     auth,
		Deduper:  api.NewRedisDeduper(rc, cfg.IdempotencyTTL),
		Logger:   logger,
		Registry: reg,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
	}()
	logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "store": cfg.Store, "feed": cfg.Feed}).Info("boardsyncd starting")
	if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http: %v", err)
	}
}

func openBackend(cfg config.Config, pool *pgxpool.Pool) (storage.Backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return storage.NewPostgres(pool), nil
	case config.StoreTables:
		return storage.NewTables(cfg.StorageConnectionString, cfg.Tables)
	case config.StoreMemory:
		log.Warn("boards are kept in memory and lost on restart")
		return storage.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown board store %q", cfg.Store)
}

func newAuth(cfg config.AuthConfig) (*api.Auth, error) {
	if cfg.TestSecret != "" {
		log.Warn("bearer tokens are checked against the shared test secret")
		return api.NewTestAuth([]byte(cfg.TestSecret), cfg.Audience, ""), nil
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain), keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Audience, "https://"+cfg.Domain+"/"), nil
}
