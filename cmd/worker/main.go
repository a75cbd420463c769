// Package main runs the background job worker (deferred payment events, transcript archives).
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/soundstage/backend/config"
	"github.com/soundstage/backend/internal/chat"
	"github.com/soundstage/backend/internal/notifications"
	"github.com/soundstage/backend/internal/payments"
	"github.com/soundstage/backend/internal/realtime"
	"github.com/soundstage/backend/internal/worker"
	"github.com/soundstage/backend/pkg/database"
	"github.com/soundstage/backend/pkg/queue"
	"github.com/soundstage/backend/pkg/redis"
	"github.com/soundstage/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{
		Name:     "soundstage-worker",
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Endpoint:             cfg.AWS.Endpoint,
		TranscriptsBucket:    cfg.AWS.TranscriptsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	// Notifications raised here reach connections on every server instance through the bridge.
	hub := realtime.NewHub(logger, realtime.NewRedisBridge(rdb, logger), cfg.Realtime.QueueSize)
	dispatcher := notifications.NewDispatcher(notifications.NewRepository(pool), hub, logger)

	paymentRepo := payments.NewRepository(pool)
	engine := payments.NewEngine(paymentRepo, dispatcher, payments.NewClient(cfg.Stripe.APIBase, cfg.Stripe.SecretKey, nil, logger), logger)

	jobQueue := queue.NewQueue(rdb, logger)
	processor := worker.NewProcessor(jobQueue, engine, chat.NewRepository(pool), s3Client, logger)

	logger.Info("worker started")
	processor.Run(ctx)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
