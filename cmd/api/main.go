package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"courier/api/internal/app"
	"courier/api/internal/authpw"
	"courier/api/internal/avatars"
	"courier/api/internal/config"
	"courier/api/internal/feed"
	"courier/api/internal/identity"
	"courier/api/internal/jobs"
	"courier/api/internal/search"
	"courier/api/internal/session"
	"courier/api/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const feedBuffer = 64

func main() {
	cfg := config.Load()

	pflag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	pflag.StringVar(&cfg.MigrationsDir, "migrations-dir", cfg.MigrationsDir, "directory of SQL migrations")
	migrateOnly := pflag.Bool("migrate-only", false, "apply migrations and exit")
	pflag.Parse()

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: cfg.DBMaxOpen, MaxIdleConns: cfg.DBMaxIdle})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	logger.Info("migrations applied", zap.Strings("files", applied))
	if *migrateOnly {
		return
	}

	dataStore := store.NewPostgresStore(db)

	var (
		redisClient *redis.Client
		sessions    app.SessionStore
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		redisClient = redisStore.Client()
		sessions = redisStore
		logger.Info("using redis for refresh sessions and profile cache")
	} else {
		sessions = dataStore
		logger.Info("using postgres for refresh sessions")
	}

	directory := identity.NewDirectory(dataStore, redisClient, cfg.ProfileCacheTTL, logger)

	backoff := feed.Backoff{Min: cfg.LiveReconnectMin, Max: cfg.LiveReconnectMax}
	var broker feed.Broker
	switch cfg.FeedBackend {
	case config.FeedRedis:
		if redisClient == nil {
			logger.Fatal("redis feed backend requires REDIS_URL")
		}
		broker = feed.NewRedisBroker(redisClient, feedBuffer, backoff, logger)
	case config.FeedMemory:
		broker = feed.NewMemoryBroker(feedBuffer)
	default:
		broker = feed.NewPostgresBroker(cfg.DatabaseURL, feedBuffer, backoff, logger)
	}
	feedCtx, stopFeed := context.WithCancel(context.Background())
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := broker.Run(feedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("live feed stopped", zap.String("backend", broker.Name()), zap.Error(err))
		}
	}()
	logger.Info("live feed started", zap.String("backend", broker.Name()))

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(db), logger)

	var avatarStore *avatars.Store
	if cfg.AvatarsConfigured() {
		avatarStore, err = avatars.New(avatars.Config{
			Endpoint:   cfg.ObjectEndpoint,
			AccessKey:  cfg.ObjectAccessKey,
			SecretKey:  cfg.ObjectSecretKey,
			Bucket:     cfg.ObjectBucket,
			UseSSL:     cfg.ObjectUseSSL,
			PublicBase: cfg.ObjectPublicBase,
		})
		if err != nil {
			logger.Fatal("avatar storage setup failed", zap.Error(err))
		}
		if err := avatarStore.EnsureBucket(ctx); err != nil {
			logger.Warn("avatar bucket unavailable, uploads disabled", zap.Error(err))
			avatarStore = nil
		}
	}

	service := app.New(cfg, app.Deps{
		Store:       dataStore,
		Sessions:    sessions,
		Directory:   directory,
		Credentials: authpw.NewService(dataStore),
		Feed:        broker,
		Search:      searchService,
		Avatars:     avatarStore,
		Logger:      logger,
	})

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Add("duplicate-direct-sweep", cfg.DuplicateSweepSchedule, jobs.DuplicateSweep(dataStore, logger)); err != nil {
		logger.Fatal("job setup failed", zap.Error(err))
	}
	if err := scheduler.Add("search-reindex", cfg.SearchReindexSchedule, jobs.SearchReindex(searchService, dataStore, logger)); err != nil {
		logger.Fatal("job setup failed", zap.Error(err))
	}
	scheduler.Start()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("courier api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
	stopFeed()
	<-feedDone
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	logger, err := zcfg.Build()
	if err != nil {
		os.Stderr.WriteString("logger setup failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger
}
