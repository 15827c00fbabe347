package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/cache"
	"github.com/actuallystonmai/track-recommender/internal/catalog"
	"github.com/actuallystonmai/track-recommender/internal/collab"
	"github.com/actuallystonmai/track-recommender/internal/config"
	"github.com/actuallystonmai/track-recommender/internal/features"
	"github.com/actuallystonmai/track-recommender/internal/handler"
	"github.com/actuallystonmai/track-recommender/internal/index"
	"github.com/actuallystonmai/track-recommender/internal/interactions"
	"github.com/actuallystonmai/track-recommender/internal/logging"
	"github.com/actuallystonmai/track-recommender/internal/ranker"
	"github.com/actuallystonmai/track-recommender/internal/repository"
	"github.com/actuallystonmai/track-recommender/internal/router"
	"github.com/actuallystonmai/track-recommender/internal/service"
	"github.com/actuallystonmai/track-recommender/internal/stream"
	"github.com/actuallystonmai/track-recommender/seeds"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	base := logging.Logger()

	// ------------ PostgreSQL ---------------
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBPoolSize)
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := waitForDB(ctx, pool, log); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}
	log.Info().Msg("connected to PostgreSQL")

	// ------------ Run Migrations ---------------
	// for migrate-down using CLI command
	if len(os.Args) > 1 && os.Args[1] == "migrate-down" {
		return migrateDown(ctx, pool, log)
	}
	if err := migrateUp(ctx, pool, log); err != nil {
		return err
	}

	// ------------ Setup Seed Data ---------------
	if err := checkSeed(ctx, pool, log); err != nil {
		return fmt.Errorf("check seed: %w", err)
	}

	repo := repository.New(pool)

	// ------------ Redis (optional) ---------------
	var tier cache.Tier
	var redisStore *cache.RedisStore
	if cfg.RedisEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		redisStore = cache.NewRedisStore(client, cfg.CacheTTL, base)
		if err := redisStore.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, continuing with in-process cache only")
		}
		tier = redisStore
	}

	// ------------ Engine ---------------
	cat := catalog.New(repo, features.NewExtractor(), index.NewBruteForce(), base).
		WithSyncOverlap(cfg.CatalogSyncOverlap)
	store := interactions.NewStore(cat)
	cf := collab.New(store, repo, cfg.Neighbors, base)
	svc := service.NewService(service.Deps{
		Catalog: cat,
		Store:   store,
		Collab:  cf,
		Ranker:  ranker.New(cat, store, cf, base),
		Cache:   cache.New(cache.Config{TTL: cfg.CacheTTL, MaxEntries: cfg.CacheMaxEntries}, tier, base),
		Log:     repo,
		Users:   repo,
		Logger:  base,
	}, service.Options{DefaultK: cfg.DefaultK, MaxK: cfg.MaxK, Alpha: cfg.Alpha})

	if _, err := svc.SyncCatalog(ctx); err != nil {
		return fmt.Errorf("initial catalog sync: %w", err)
	}
	if _, err := svc.Warm(ctx); err != nil {
		return fmt.Errorf("warm interaction store: %w", err)
	}
	go svc.RunCatalogSync(ctx, cfg.CatalogSyncInterval)

	// ------------ Interaction stream ---------------
	checks := []handler.HealthCheck{{Name: "postgres", Check: repo.Ping}}
	if redisStore != nil {
		checks = append(checks, handler.HealthCheck{Name: "redis", Check: redisStore.Ping, Optional: true})
	}
	h := handler.NewHandler(svc, base, checks...)

	if cfg.StreamTopic != "" {
		pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, stream.NewLoggerAdapter(base))
		defer pubsub.Close()

		consumer := stream.NewConsumer(pubsub, cfg.StreamTopic, svc, base).
			WithRetryBackoff(cfg.StreamRetryBase, cfg.StreamRetryMax)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("interaction stream consumer stopped")
			}
		}()
		h.WithPublisher(stream.NewPublisher(pubsub, cfg.StreamTopic))
	}

	// ---------------- Server --------------------
	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: router.Setup(h, router.Options{
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			CORSOrigins:       cfg.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Uint64("catalog_version", cat.Version()).Msg("server running")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func waitForDB(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error {
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			return nil
		}
		log.Info().Int("attempt", i+1).Msg("waiting for database")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("database connection timeout after 30s")
}

func migrateDown(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error {
	sql, err := os.ReadFile("migrations/create_tables.down.sql")
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}
	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	log.Info().Msg("migrations dropped successfully")
	return nil
}

func migrateUp(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error {
	sql, err := os.ReadFile("migrations/create_tables.up.sql")
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}
	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	log.Info().Msg("migrations applied successfully")
	return nil
}

func checkSeed(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error {
	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return fmt.Errorf("check users count: %w", err)
	}
	if count > 0 {
		log.Info().Int("users", count).Msg("database already seeded, skipping")
		return nil
	}
	return seeds.Setup(ctx, pool, logging.Logger())
}
