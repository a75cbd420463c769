// Package main runs the live sessions HTTP server with WebSocket fan-out and graceful shutdown.
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
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/soundstage/backend/config"
	"github.com/soundstage/backend/internal/auth"
	"github.com/soundstage/backend/internal/chat"
	"github.com/soundstage/backend/internal/middleware"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/notifications"
	"github.com/soundstage/backend/internal/payments"
	"github.com/soundstage/backend/internal/presence"
	"github.com/soundstage/backend/internal/profiles"
	"github.com/soundstage/backend/internal/realtime"
	"github.com/soundstage/backend/internal/sessions"
	"github.com/soundstage/backend/pkg/database"
	"github.com/soundstage/backend/pkg/queue"
	"github.com/soundstage/backend/pkg/redis"
	"github.com/soundstage/backend/pkg/response"
	"github.com/soundstage/backend/pkg/storage"
	"github.com/soundstage/backend/pkg/validation"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := validation.Register(); err != nil {
		logger.Fatal("register validators", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Name:     "soundstage-server",
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
		logger.Warn("s3 disabled, transcript links unavailable", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpireHours)*time.Hour)
	hub := realtime.NewHub(logger, realtime.NewRedisBridge(rdb, logger), cfg.Realtime.QueueSize)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	relay := realtime.NewRelay(logger, iceServers)
	jobQueue := queue.NewQueue(rdb, logger)

	// Profiles (display fields and payout accounts)
	profileRepo := profiles.NewRepository(pool)
	profileCache := profiles.NewCache(profileRepo, rdb, cfg.Realtime.ProfileCacheTTL, logger)

	// Chat
	chatService := chat.NewService(chat.NewRepository(pool), profileCache, hub, logger)
	chatHandler := chat.NewHandler(chatService, logger)

	// Presence
	presenceService := presence.NewService(presence.NewRepository(pool), hub, logger)
	presenceHandler := presence.NewHandler(presenceService, logger)

	// Sessions
	sessionOpts := []sessions.Option{
		sessions.WithPresence(presenceService),
		sessions.WithAnnouncer(chatService),
		sessions.WithTranscripts(jobQueue),
		sessions.WithRelay(relay),
	}
	if s3Client != nil {
		sessionOpts = append(sessionOpts, sessions.WithTranscriptLinks(s3Client))
	}
	sessionService := sessions.NewService(sessions.NewRepository(pool), hub, logger, sessionOpts...)
	sessionHandler := sessions.NewHandler(sessionService, logger)

	// Notifications
	dispatcher := notifications.NewDispatcher(notifications.NewRepository(pool), hub, logger)
	notificationHandler := notifications.NewHandler(dispatcher, logger)

	// Payments
	paymentRepo := payments.NewRepository(pool)
	processor := payments.NewClient(cfg.Stripe.APIBase, cfg.Stripe.SecretKey, nil, logger)
	engine := payments.NewEngine(paymentRepo, dispatcher, processor, logger)
	paymentHandler := payments.NewHandler(payments.NewService(paymentRepo, processor, profileRepo, logger), logger)
	paymentWebhook := payments.NewWebhookHandler(engine, jobQueue, cfg.Stripe.WebhookSecret, logger)

	limiter := middleware.NewRateLimiter(float64(cfg.Server.RateLimitPerMinute) / 60)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := database.Healthy(c.Request.Context(), pool); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "connections": hub.ConnectionCount()})
	})

	// Webhooks (no JWT; the handler verifies the processor signature)
	router.POST("/webhooks/payments", paymentWebhook.Receive)

	// WebSocket (token in query, optional)
	router.GET("/ws", realtime.ServeWs(hub, logger, realtime.Options{
		Chat:        chatService,
		Presence:    presenceService,
		Sessions:    sessionService,
		Relay:       relay,
		Validate:    jwtService.ValidateIdentity,
		AllowOrigin: middleware.OriginAllowed(cfg.Server.AllowedOrigins()),
		ChatRate:    rate.Limit(cfg.Realtime.ChatRatePerSec),
		ChatBurst:   cfg.Realtime.ChatBurst,
	}))

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService), middleware.RateLimit(limiter))
	sessionHandler.Register(api)
	presenceHandler.Register(api)
	chatHandler.Register(api)
	notificationHandler.Register(api)
	paymentHandler.Register(api)

	admin := api.Group("/admin", middleware.RequireRole(models.RoleAdmin))
	paymentHandler.RegisterAdmin(admin)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	if err := hub.Start(ctx); err != nil {
		logger.Fatal("hub bridge", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		presenceService.Run(gctx, cfg.Presence.ReconcileInterval)
		return nil
	})
	g.Go(func() error {
		limiter.Cleanup(gctx, 5*time.Minute)
		return nil
	})
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
