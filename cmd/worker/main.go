// Package main runs the background worker: analytics exports to S3 and the
// scheduled stale-session sweep.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/onboardx/backend/config"
	"github.com/onboardx/backend/internal/analytics"
	"github.com/onboardx/backend/internal/exports"
	"github.com/onboardx/backend/internal/realtime"
	"github.com/onboardx/backend/internal/worker"
	"github.com/onboardx/backend/pkg/database"
	"github.com/onboardx/backend/pkg/queue"
	"github.com/onboardx/backend/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ExportsBucket:        cfg.AWS.ExportsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	analyticsStore := analytics.NewPostgresStore(pool)
	// Sweeps publish session_abandoned to dashboards connected to any server.
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	analyticsSvc := analytics.NewService(analyticsStore, analytics.Options{
		CounterMode:             analytics.ParseCounterMode(cfg.Analytics.CounterMode),
		CountSkippedAsCompleted: cfg.Analytics.CountSkippedAsCompleted,
		Publisher:               hub,
		Logger:                  logger,
	})

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewExportProcessor(exports.NewRepository(pool), analyticsStore, s3Client, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()

	var sweeper *worker.Sweeper
	if cfg.Analytics.StaleAfter > 0 {
		sweeper, err = worker.NewSweeper(analyticsSvc, cfg.Worker.SweepCron, cfg.Analytics.StaleAfter, logger)
		if err != nil {
			logger.Fatal("sweeper", zap.Error(err))
		}
		sweeper.Start()
	} else {
		logger.Info("stale session sweep disabled")
	}
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	if sweeper != nil {
		sweeper.Stop()
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("export worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
