package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"

	"chorus/presence-tracker/config"
	"chorus/presence-tracker/db"
	"chorus/presence-tracker/handlers"
	"chorus/presence-tracker/services"
	"chorus/presence-tracker/utils"
)

func main() {
	// Bootstrap logger until the configured level is known
	logger := utils.NewLogger("info")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}
	logger = utils.NewLogger(cfg.LogLevel).With("service", "presence-tracker")

	// Connect to database
	database, err := db.Connect(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()
	store := db.NewPostgresStore(database)

	clock := quartz.NewReal()
	hub := handlers.NewStreamHub(logger)

	// Session events go straight to the hub unless Redis is configured, in
	// which case they travel through the channel and are relayed back.
	var publisher services.EventPublisher = hub
	if cfg.RedisURL != "" {
		redisClient, err := services.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", "error", err)
		}
		redisPublisher := services.NewRedisPublisher(redisClient, cfg.EventChannel, logger)
		redisPublisher.Relay(hub)
		defer redisPublisher.Stop()
		publisher = redisPublisher
		logger.Info("Publishing session events to Redis", "channel", cfg.EventChannel)
	}

	notifier := services.NewTelegramNotifier(cfg.TelegramAPIURL, cfg.TelegramBotToken, cfg.TelegramChatID)
	reconciler := services.NewReconciler(store, notifier, publisher, clock, cfg.Location, logger)

	heartbeat := services.NewHeartbeat(cfg.UpstreamBaseURL, cfg.InstanceID, cfg.AccessToken,
		cfg.HeartbeatInterval, nil, clock, logger)
	heartbeat.Start()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Webhook:   handlers.NewWebhookHandler(services.NewNormalizer(cfg.TrackedIdentity), reconciler, logger),
		Sessions:  handlers.NewSessionHandler(store, cfg.TrackedIdentity, logger),
		Stream:    hub,
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, read API and stream disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting presence tracker", "port", cfg.Port, "identity", cfg.TrackedIdentity, "timezone", cfg.Timezone)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	heartbeat.Stop()
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
