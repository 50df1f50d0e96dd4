// Package main runs the OnboardX HTTP API: tour authoring, the public widget
// endpoints, dashboard analytics, exports and the live activity WebSocket.
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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/onboardx/backend/config"
	"github.com/onboardx/backend/internal/analytics"
	"github.com/onboardx/backend/internal/auth"
	"github.com/onboardx/backend/internal/exports"
	"github.com/onboardx/backend/internal/middleware"
	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/internal/realtime"
	"github.com/onboardx/backend/internal/tours"
	"github.com/onboardx/backend/pkg/database"
	"github.com/onboardx/backend/pkg/queue"
	"github.com/onboardx/backend/pkg/redis"
	"github.com/onboardx/backend/pkg/response"
	"github.com/onboardx/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Server.AutoMigrate {
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var signer exports.Signer
	if cfg.AWS.ExportsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled, export downloads unavailable", zap.Error(err))
		} else {
			signer = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Tours
	tourRepo := tours.NewRepository(pool)
	tourHandler := tours.NewHandler(tourRepo, logger)
	requireOwner := tours.RequireOwner(tourRepo)

	// Analytics
	analyticsSvc := analytics.NewService(analytics.NewPostgresStore(pool), analytics.Options{
		CounterMode:             analytics.ParseCounterMode(cfg.Analytics.CounterMode),
		CountSkippedAsCompleted: cfg.Analytics.CountSkippedAsCompleted,
		Publisher:               hub,
		Logger:                  logger,
	})
	analyticsHandler := analytics.NewHandler(analyticsSvc, logger, cfg.Analytics.SummaryDays)

	// Exports
	jobQueue := queue.NewQueue(rdb.Client, logger)
	exportHandler := exports.NewHandler(exports.NewRepository(pool), jobQueue, signer, logger)

	tourOwner := func(ctx context.Context, id uuid.UUID) (uuid.UUID, bool, error) {
		t, err := tourRepo.GetByID(ctx, id)
		if errors.Is(err, tours.ErrNotFound) {
			return uuid.Nil, false, nil
		}
		if err != nil {
			return uuid.Nil, false, err
		}
		return t.OwnerID, true, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(splitCORS(middleware.PublicCORS(), middleware.CORS(cfg.Server.CORSAllowedOrigins)))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Widget API (public, any origin)
	router.GET("/public/tours/:id", tourHandler.Public)
	tracking := router.Group("/analytics/sessions")
	{
		tracking.POST("", analyticsHandler.StartSession)
		tracking.POST("/:id/events", analyticsHandler.RecordStepEvent)
		tracking.POST("/:id/complete", analyticsHandler.CompleteTour)
		tracking.POST("/:id/abandon", analyticsHandler.AbandonTour)
	}

	// Dashboard API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/tours", tourHandler.List)
		api.POST("/tours", tourHandler.Create)
		api.GET("/tours/:id", requireOwner, tourHandler.Get)
		api.PATCH("/tours/:id", requireOwner, tourHandler.Update)
		api.DELETE("/tours/:id", requireOwner, tourHandler.Delete)

		api.GET("/tours/:id/analytics", analyticsHandler.GetTourAnalytics)
		api.GET("/analytics/summary", analyticsHandler.Summary)
		api.GET("/analytics/recent", analyticsHandler.Recent)

		api.POST("/tours/:id/exports", requireOwner, exportHandler.Create)
		api.GET("/exports/:id", exportHandler.Get)

		api.POST("/admin/sweep", middleware.RequireRole(models.RoleAdmin), analyticsHandler.Sweep)
	}

	// Live activity feed (token in query)
	router.GET("/ws", realtime.ServeWs(hub, jwtService, tourOwner, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// splitCORS applies the open policy to widget routes and the dashboard
// allow-list everywhere else. It runs globally so preflights reach it.
func splitCORS(public, dashboard gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if strings.HasPrefix(p, "/public/") || strings.HasPrefix(p, "/analytics/sessions") {
			public(c)
			return
		}
		dashboard(c)
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
