package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ts03085781/silent-letter/internal/archive"
	"github.com/ts03085781/silent-letter/internal/config"
	"github.com/ts03085781/silent-letter/internal/events"
	"github.com/ts03085781/silent-letter/internal/handlers"
	"github.com/ts03085781/silent-letter/internal/identity"
	"github.com/ts03085781/silent-letter/internal/ratelimit"
	"github.com/ts03085781/silent-letter/internal/repository"
	"github.com/ts03085781/silent-letter/internal/repository/memstore"
	"github.com/ts03085781/silent-letter/internal/repository/mongostore"
	"github.com/ts03085781/silent-letter/internal/services"
	"github.com/ts03085781/silent-letter/internal/session"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Run wires the service from configuration and serves until SIGINT or SIGTERM
func Run() {
	// Load configuration
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level, cfg.App.IsDevelopment())

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Connect to the store
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("Failed to initialise store")
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("Store connection established")

	tokens, err := session.NewManager(cfg.JWT.Secret, cfg.JWT.TTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session manager")
	}

	loc, err := cfg.Rewards.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load rewards timezone")
	}

	limiter, closeLimiter := newLimiter(ctx, cfg)
	defer closeLimiter()

	// Notifications go through the broker when one is configured so every
	// replica's hub sees them
	wsHub := services.NewWSHub()
	var publisher events.Publisher = events.NewLocalBus(wsHub)
	if cfg.AMQP.URL != "" {
		bus := events.NewAMQPBus(cfg.AMQP.URL, cfg.AMQP.Exchange)
		defer bus.Close()
		go bus.Consume(ctx, wsHub)
		publisher = bus
		log.Info().Str("exchange", cfg.AMQP.Exchange).Msg("Publishing notifications to broker")
	}

	// Initialize services
	userService := services.NewUserService(store.Users, tokens, identity.NewGenerator(), loc)
	messageService := services.NewMessageService(store.Users, store.Messages, publisher)

	if cfg.Retention.Enabled {
		archiver, err := newArchiver(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create archiver")
		}
		retention := services.NewRetentionService(store.Users, store.Messages, archiver, cfg.Retention.Horizon, cfg.Retention.BatchSize)
		go retention.Run(ctx, cfg.Retention.Interval)
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Users:         userService,
		Messages:      messageService,
		Tokens:        tokens,
		Limiter:       limiter,
		Hub:           wsHub,
		Ping:          store.Ping,
		SecureCookies: cfg.App.IsProduction(),
		Debug:         cfg.App.IsDevelopment(),
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Str("env", cfg.App.Env).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Stop background workers before draining requests
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown
	wsHub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// openStore connects to the configured database driver
func openStore(ctx context.Context, cfg *config.Config) (*repository.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.Database.Driver {
	case config.DriverMongo:
		return mongostore.NewStore(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database)
	case config.DriverMemory:
		log.Warn().Msg("Using the in-memory store; data is lost on restart")
		return memstore.NewStore(), nil
	default:
		return repository.NewPostgresStore(connectCtx, cfg.Database.URL, cfg.Database.MaxConns)
	}
}

// newLimiter builds the configured rate limit backend
func newLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, func()) {
	if cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			// The limiter fails open, so an unreachable Redis is not fatal
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable at startup")
		}
		return ratelimit.NewRedisStore(client, "silent-letter:ratelimit"), func() { _ = client.Close() }
	}

	mem := ratelimit.NewMemoryStore(cfg.RateLimit.MaxEntries)
	go mem.Run(ctx, cfg.RateLimit.PruneInterval)
	return mem, func() {}
}

// newArchiver returns the S3 archiver when enabled, otherwise a no-op
func newArchiver(ctx context.Context, cfg *config.Config) (archive.Archiver, error) {
	if !cfg.Archive.Enabled {
		return archive.Noop{}, nil
	}
	return archive.NewS3Archiver(ctx, archive.Config{
		Region:    cfg.Archive.Region,
		Bucket:    cfg.Archive.Bucket,
		Prefix:    cfg.Archive.Prefix,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Endpoint:  cfg.Archive.Endpoint,
	})
}

// setupLogger configures zerolog logger
func setupLogger(level string, development bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if development {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
