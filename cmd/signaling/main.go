package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/handlers"
	"github.com/mossy-p/webrtc-meet/internal/metrics"
	"github.com/mossy-p/webrtc-meet/internal/middleware"
	"github.com/mossy-p/webrtc-meet/internal/redis"
	"github.com/mossy-p/webrtc-meet/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := config.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	deps := relay.Deps{Metrics: m, Logger: logger.Named("relay")}

	var store *redis.Store
	if cfg.Redis.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		store, err = redis.Connect(connectCtx, cfg.Redis, cfg.Relay.DefaultCapacity)
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer store.Close()
		logger.Info("Redis connection established", zap.String("host", cfg.Redis.Host))

		deps.Directory = store
		deps.Identity = store
		deps.Presence = store
	} else {
		logger.Warn("Redis disabled, any room id is accepted")
		deps.Directory = relay.OpenDirectory{Capacity: cfg.Relay.DefaultCapacity}
	}

	registry := relay.NewRegistry(cfg.Relay, deps)
	m.Gauge("rooms", "Open rooms.", registry.RoomCount)
	m.Gauge("participants", "Joined participants.", registry.ParticipantCount)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"rooms":        registry.RoomCount(),
			"participants": registry.ParticipantCount(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(m)))

	apiGroup := router.Group("/api")
	{
		var names handlers.NameStore
		if store != nil {
			names = store
		}
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret, names, logger))

		if store != nil {
			rooms := handlers.NewRoomHandler(store, cfg.Relay.DefaultCapacity, logger)
			apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), rooms.Create)
			apiGroup.GET("/rooms", middleware.JWTAuth(cfg.JWTSecret), rooms.List)
			apiGroup.GET("/rooms/:roomId", rooms.Get)
			apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), rooms.Delete)
		}
	}

	signaling := handlers.NewSignalingHandler(registry, deps.Directory, handlers.SignalingConfig{
		JWTSecret:      cfg.JWTSecret,
		RequireAuth:    cfg.RequireAuth,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("", signaling.Handle)
		// accepts room code or ID
		wsGroup.GET("/signal/:roomId", signaling.Handle)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting WebRTC signaling server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Relay drain incomplete", zap.Error(err))
	}
}
