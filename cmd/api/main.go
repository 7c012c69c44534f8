// Package main is the entry point for the messaging API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/cache"
	"github.com/fitcoach/coach-messaging/internal/config"
	"github.com/fitcoach/coach-messaging/internal/feed"
	"github.com/fitcoach/coach-messaging/internal/handler"
	natsclient "github.com/fitcoach/coach-messaging/internal/nats"
	"github.com/fitcoach/coach-messaging/internal/presence"
	"github.com/fitcoach/coach-messaging/internal/service"
	"github.com/fitcoach/coach-messaging/internal/store"
	"github.com/fitcoach/coach-messaging/internal/store/memory"
	"github.com/fitcoach/coach-messaging/internal/store/sqlstore"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting API server",
		zap.String("db_driver", cfg.DBDriver),
		zap.String("feed_backend", cfg.FeedBackend),
		zap.String("presence_backend", cfg.PresenceBackend),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "coach-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	var checks []handler.ReadinessCheck

	// Store
	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	checks = append(checks, handler.ReadinessCheck{Name: "store", Ping: st.Ping})

	// Redis backs the recent-page cache and, when selected, the feed and presence.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		checks = append(checks, handler.ReadinessCheck{
			Name: "redis",
			Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	var recent cache.Cache
	if redisClient != nil {
		recent = cache.NewRedis(redisClient)
	} else {
		recent = cache.NewMemory()
	}
	defer recent.Close()

	// Change feed
	var messageFeed feed.Feed
	switch cfg.FeedBackend {
	case config.BackendNATS:
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		natsFeed := natsclient.NewMessageFeed(natsClient, cfg.SubscriptionBuffer, log)
		if err := natsFeed.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		messageFeed = natsFeed
		checks = append(checks, handler.ReadinessCheck{Name: "nats", Ping: natsClient.Ping})
	case config.BackendRedis:
		messageFeed = feed.NewRedis(redisClient, cfg.SubscriptionBuffer, log.Named("feed"))
	default:
		messageFeed = feed.NewMemory(cfg.SubscriptionBuffer)
	}
	defer messageFeed.Close()

	// Presence
	var channel presence.Channel
	if cfg.PresenceBackend == config.BackendRedis {
		channel = presence.NewRedisChannel(redisClient, cfg.PresenceTTL)
	} else {
		channel = presence.NewMemoryChannel(cfg.PresenceTTL, nil)
	}
	tracker := presence.NewTracker(channel, presence.Config{
		HeartbeatInterval: cfg.PresenceHeartbeatInterval,
		SyncInterval:      cfg.PresenceSyncInterval,
	}, log)
	tracker.Start(ctx)
	defer tracker.Close()

	// Initialize services
	conversationSvc := service.NewConversationService(st, log)
	messageSvc := service.NewMessageService(st, messageFeed, recent, service.MessageConfig{
		PageSize:    cfg.MessagePageSize,
		MaxPageSize: cfg.MessagePageMax,
		CacheTTL:    cfg.RecentCacheTTL,
	}, log)
	readSvc := service.NewReadStateService(st, log)
	inboxSvc := service.NewInboxService(st, messageSvc, tracker, log)

	// Create router
	router := handler.NewRouter(handler.RouterConfig{
		Health:            handler.NewHealthHandler(checks...),
		Conversations:     handler.NewConversationHandler(conversationSvc, inboxSvc, readSvc, log),
		Messages:          handler.NewMessageHandler(messageSvc, conversationSvc, log),
		Stream:            handler.NewStreamHandler(conversationSvc, messageFeed, cfg.SSEHeartbeat, log),
		Presence:          handler.NewPresenceHandler(tracker, originChecker(cfg.CORSOrigins), log),
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		log.Error("server error", zap.Error(err))
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DBDriver == config.DriverMemory {
		return memory.New(), nil
	}

	db, err := sqlstore.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBAutoMigrate {
		if err := sqlstore.AutoMigrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return sqlstore.New(db), nil
}

// originChecker accepts websocket upgrades from the configured CORS origins.
// With no origins configured the upgrader's same-host check applies.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return allowed[u.Scheme+"://"+u.Host]
	}
}
