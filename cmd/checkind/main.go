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

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kids-checkin-backend/config"
	"kids-checkin-backend/internal/api"
	"kids-checkin-backend/internal/authority"
	"kids-checkin-backend/internal/clock"
	"kids-checkin-backend/internal/db"
	"kids-checkin-backend/internal/distributor"
	"kids-checkin-backend/internal/metrics"
	"kids-checkin-backend/internal/notification"
	"kids-checkin-backend/internal/remote"
	"kids-checkin-backend/internal/repository"
	"kids-checkin-backend/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Str("service", "checkind").Logger()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load configuration")
	}
	logger.Info().Str("path", configPath).Msg("configuration loaded")

	metrics.Register()

	// Push subscriptions live in the database whatever the local store driver.
	gormDB, err := db.Init(&cfg.Database, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	logger.Info().Msg("database initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := gormDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	var localStore store.Store
	switch cfg.LocalStore.Driver {
	case config.StoreMemory:
		localStore = store.NewMemoryStore()
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisStore := store.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		if err := redisStore.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to reach redis")
		}
		defer rdb.Close()
		checks["store"] = redisStore.Ping
		localStore = redisStore
	default:
		localStore = store.NewGormStore(gormDB)
	}
	logger.Info().Str("driver", cfg.LocalStore.Driver).Msg("local store initialized")

	serverOfRecord := remote.NewHTTPClient(&cfg.Remote)
	checks["remote"] = serverOfRecord.Ping

	clk := clock.Real()
	repo := repository.New(localStore, serverOfRecord, clk, &logger)

	dist := distributor.New(repo, distributor.Intervals{
		Child:   cfg.Polling.ChildInterval,
		Service: cfg.Polling.ServiceInterval,
		Roster:  cfg.Polling.RosterInterval,
	}, clk, &logger)
	defer dist.Close()

	var webpushOptions *webpush.Options
	var notifier authority.Notifier
	if cfg.Push.Enabled {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, gormDB, webpushOptions, &logger)
		pool.Start(ctx)
		notifier = pool
		logger.Info().Int("workers", cfg.WorkerPool.Size).Msg("notification workers started")
	} else {
		logger.Warn().Msg("push notifications disabled")
	}

	auth := authority.New(localStore, repo, serverOfRecord, clk, notifier, authority.Config{
		TTL:         cfg.Requests.TTL,
		TokenLength: cfg.Requests.TokenLength,
	}, &logger)
	go authority.NewSweeper(auth, cfg.Requests.SweepInterval, &logger).Run(ctx)

	handler := api.NewHandler(api.Deps{
		Repository:  repo,
		Authority:   auth,
		Distributor: dist,
		DB:          gormDB,
		WebPush:     webpushOptions,
		Checks:      checks,
		Logger:      &logger,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler, cfg),
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info().Msg("shutdown signal received, stopping services")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	logger.Info().Msg("server gracefully stopped")
}
