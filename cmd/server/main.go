package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opendeck/parley/internal/api"
	"github.com/opendeck/parley/internal/config"
	"github.com/opendeck/parley/internal/directory"
	"github.com/opendeck/parley/internal/middleware"
	"github.com/opendeck/parley/internal/presence"
	"github.com/opendeck/parley/internal/pubsub"
	"github.com/opendeck/parley/internal/server"
	"github.com/opendeck/parley/internal/sfu"
	"github.com/opendeck/parley/internal/storage"
	"github.com/opendeck/parley/internal/store"
	"github.com/opendeck/parley/internal/voice"
	"github.com/opendeck/parley/internal/ws"
)

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Document store
	var st store.Store
	switch cfg.StoreBackend {
	case "postgres":
		st, err = store.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	case "redis":
		st, err = store.NewRedisStore(ctx, cfg.RedisURL, logger)
	default:
		st, err = store.NewFileStore(cfg.StorePath, logger)
	}
	if err != nil {
		slog.Error("failed to open document store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("document store ready", "backend", cfg.StoreBackend)

	// PubSub (in-memory for single instance, Redis for horizontal scaling)
	var bus pubsub.PubSub
	if cfg.PubSubType == "redis" {
		bus, err = pubsub.NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect redis pubsub", "error", err)
			os.Exit(1)
		}
	} else {
		bus = pubsub.NewMemoryPubSub()
	}
	defer bus.Close()

	// Media engine
	engine, err := sfu.NewEngine(sfu.Config{
		RTCMinPort:  cfg.RTCMinPort,
		RTCMaxPort:  cfg.RTCMaxPort,
		AnnouncedIP: cfg.AnnouncedIP,
	}, logger)
	if err != nil {
		slog.Error("failed to start media engine", "error", err)
		os.Exit(1)
	}

	// Domain services
	broadcaster := ws.NewBroadcaster(bus, logger)
	dir := directory.NewService(st, broadcaster, logger)
	orchestrator := voice.NewOrchestrator(voice.NewEngine(engine), bus, logger)
	registry := presence.NewRegistry()
	index := presence.NewChannelIndex()

	// Avatar storage (optional - skip if not configured)
	var avatars *storage.AvatarStorage
	if cfg.AvatarsEnabled {
		avatars, err = storage.NewAvatarStorage(
			cfg.S3Endpoint, cfg.S3Region,
			cfg.S3AccessKeyID, cfg.S3SecretAccessKey,
			cfg.S3Bucket, cfg.S3PublicURL,
		)
		if err != nil {
			slog.Error("failed to initialize avatar storage", "error", err)
			os.Exit(1)
		}
		slog.Info("avatar storage initialized", "bucket", cfg.S3Bucket)
	} else {
		slog.Warn("avatar storage not configured - avatar uploads disabled")
	}

	// Gateway
	gateway := ws.NewGateway(dir, orchestrator, registry, index, bus, logger)
	gatewayCtx, stopGateway := context.WithCancel(context.Background())
	defer stopGateway()
	go func() {
		if err := gateway.Run(gatewayCtx); err != nil {
			slog.Error("gateway broadcast relay failed", "error", err)
			os.Exit(1)
		}
	}()
	wsHandler := ws.NewHandler(gateway, logger)

	// REST handlers
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMin)
	deps := &server.Dependencies{
		Store:         st,
		AuthHandler:   api.NewAuthHandler(dir, logger),
		ServerHandler: api.NewServerHandler(dir, logger),
		AvatarHandler: api.NewAvatarHandler(dir, avatars, logger),
		WSHandler:     wsHandler,
		RateLimiter:   limiter,
		Logger:        logger,
	}

	srv := server.New(cfg, deps)

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Evict idle rate-limit buckets periodically.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup()
			}
		}
	}()

	go func() {
		slog.Info("starting server", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	stopGateway()
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
