// Package main runs the meeting HTTP server with the signaling relay and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-meet/backend/config"
	"github.com/aura-meet/backend/internal/auth"
	"github.com/aura-meet/backend/internal/meetings"
	"github.com/aura-meet/backend/internal/middleware"
	"github.com/aura-meet/backend/internal/presence"
	"github.com/aura-meet/backend/internal/realtime"
	"github.com/aura-meet/backend/internal/sessionlog"
	"github.com/aura-meet/backend/internal/worker"
	"github.com/aura-meet/backend/pkg/database"
	"github.com/aura-meet/backend/pkg/queue"
	"github.com/aura-meet/backend/pkg/redis"
	"github.com/aura-meet/backend/pkg/response"
	"github.com/aura-meet/backend/pkg/storage"
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

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Attendance events flow presence -> recorder -> queue -> processor.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var bg sync.WaitGroup
	recorder := worker.NewRecorder(jobQueue, logger)
	bg.Add(1)
	go func() {
		defer bg.Done()
		recorder.Run(bgCtx)
	}()

	attendanceRepo := sessionlog.NewRepository(pool)
	if cfg.Server.RunWorker {
		reports := newReportUploader(ctx, cfg, logger)
		processor := worker.NewAttendanceProcessor(attendanceRepo, reports, jobQueue, logger)
		bg.Add(1)
		go func() {
			defer bg.Done()
			processor.Run(bgCtx)
		}()
		logger.Info("attendance worker started")
	}

	// Presence is authoritative for live meetings; the relay hub is its notifier.
	meetingRepo := meetings.NewRepository(pool)
	presenceSvc := presence.NewService(meetingRepo, nil, recorder, logger)
	hub := realtime.NewHub(presenceSvc, realtime.NewRedisPubSub(rdb.Client, logger), cfg.Meeting.DisconnectGrace, logger)
	presenceSvc.SetNotifier(hub)
	bg.Add(1)
	go func() {
		defer bg.Done()
		sweepIdle(bgCtx, presenceSvc, hub, cfg.Meeting.IdleEvict)
	}()

	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)
	meetingHandler := meetings.NewHandler(meetingRepo, presenceSvc, attendanceRepo,
		cfg.Meeting.PublicBaseURL, cfg.WebRTC.ICEServers(), logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if !rdb.Healthy(ctx) {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "live_meetings": presenceSvc.Live(), "rooms": hub.Rooms()})
	})

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	api.GET("/me", authHandler.Me)
	meetingHandler.Register(api)

	// WebSocket (token in query or Authorization header)
	router.GET("/ws", realtime.ServeWs(hub, jwtService.ValidateUser, cfg.Meeting.SendBuffer))

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
	bgCancel()
	bg.Wait()
	logger.Info("server stopped")
}

// newReportUploader returns nil when no reports bucket is configured.
// sweepIdle drops in-memory meetings that nobody is connected to, such as meetings only
// touched over REST.
func sweepIdle(ctx context.Context, svc *presence.Service, hub *realtime.Hub, idle time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	inUse := func(code string) bool { return hub.Online(code) > 0 }
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.Sweep(idle, inUse)
		}
	}
}

func newReportUploader(ctx context.Context, cfg *config.Config, logger *zap.Logger) worker.ReportUploader {
	if cfg.AWS.Region == "" || cfg.AWS.ReportsBucket == "" {
		logger.Info("attendance reports disabled (AWS_REGION or AWS_S3_REPORTS_BUCKET not set)")
		return nil
	}
	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		ReportsBucket:   cfg.AWS.ReportsBucket,
	}, logger)
	if err != nil {
		logger.Warn("s3 disabled", zap.Error(err))
		return nil
	}
	return s3Client
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
