package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/taskroom/taskroom-api/api/swagger"
	"github.com/taskroom/taskroom-api/internal/handler"
	"github.com/taskroom/taskroom-api/internal/middleware"
	"github.com/taskroom/taskroom-api/internal/models"
	"github.com/taskroom/taskroom-api/internal/repository"
	"github.com/taskroom/taskroom-api/internal/service"
	"github.com/taskroom/taskroom-api/pkg/cache"
	"github.com/taskroom/taskroom-api/pkg/config"
	"github.com/taskroom/taskroom-api/pkg/database"
	"github.com/taskroom/taskroom-api/pkg/jobs"
	"github.com/taskroom/taskroom-api/pkg/logger"
	"github.com/taskroom/taskroom-api/pkg/mailer"
	corsmiddleware "github.com/taskroom/taskroom-api/pkg/middleware/cors"
	reqidmiddleware "github.com/taskroom/taskroom-api/pkg/middleware/requestid"
	"github.com/taskroom/taskroom-api/pkg/storage"
)

// @title Taskroom API
// @version 1.0.0
// @description Role-based task management for teachers and students
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close() //nolint:errcheck

	if err := database.Migrate(db, cfg.Database.MigrationsDir); err != nil {
		logr.Sugar().Fatalw("failed to run migrations", "error", err)
	}

	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
			redisClient = nil
		}
	}

	store, err := storage.NewLocalStorage(cfg.Uploads.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init upload storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Uploads.SignedURLSecret, cfg.Uploads.SignedURLTTL)

	var sender mailer.Sender
	if cfg.SMTP.Enabled {
		sender = mailer.NewSMTPSender(cfg.SMTP)
	} else {
		sender = mailer.NewLogSender(logr)
	}

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	validate := validator.New()
	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, cfg.Cache.Enabled && redisClient != nil)

	notifier := service.NewNotifier(sender, metricsSvc, logr, service.NotifierConfig{
		BaseURL:         cfg.BaseURL,
		VerificationTTL: cfg.Tokens.VerificationTTL,
		ResetTTL:        cfg.Tokens.ResetTTL,
	}, jobs.QueueConfig{Workers: 2})

	authSvc := service.NewAuthService(userRepo, tokenRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "taskroom-api",
	})
	accountSvc := service.NewAccountService(userRepo, tokenRepo, notifier, validate, logr, service.AccountConfig{
		VerificationTTL: cfg.Tokens.VerificationTTL,
		ResetTTL:        cfg.Tokens.ResetTTL,
	})
	taskSvc := service.NewTaskService(taskRepo, userRepo, cacheSvc, store, signer, validate, logr)
	digestSvc := service.NewDigestService(taskRepo, notifier, logr, service.DigestConfig{
		Enabled:    cfg.Digest.Enabled,
		Interval:   cfg.Digest.Interval,
		Recipients: cfg.Digest.Recipients,
	})

	authHandler := handler.NewAuthHandler(authSvc, accountSvc)
	taskHandler := handler.NewTaskHandler(taskSvc, cfg.Uploads.MaxFileSizeBytes)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.GET("/verify-email", authHandler.VerifyEmail)
		auth.POST("/login", authHandler.Login)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)

		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	tasks := api.Group("/tasks", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleTeacher, models.RoleStudent))
	{
		tasks.GET("", taskHandler.List)
		tasks.GET("/:id", taskHandler.Get)
		tasks.PATCH("/:id/status", taskHandler.UpdateStatus)
		tasks.POST("/:id/files", taskHandler.UploadFile)
		tasks.GET("/:id/files", taskHandler.ListFiles)
		tasks.GET("/:id/files/:fileID/link", taskHandler.FileLink)

		teacherOnly := middleware.RequireRoles(models.RoleTeacher)
		tasks.POST("", teacherOnly, taskHandler.Create)
		tasks.GET("/export", teacherOnly, middleware.Audit(userRepo, models.AuditActionTaskExport, "task"), taskHandler.Export)
		tasks.PUT("/:id", teacherOnly, taskHandler.Update)
		tasks.DELETE("/:id", teacherOnly, taskHandler.Delete)
	}

	api.GET("/users/students", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleTeacher), taskHandler.ListStudents)

	// Access is authorized by the signed token itself, no session required.
	api.GET("/files/download", taskHandler.Download)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier.Queue().Start(ctx)
	digestSvc.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("server shutdown failed", "error", err)
	}

	digestSvc.Stop()
	notifier.Queue().Stop()

	if err := cacheRepo.Close(); err != nil {
		logr.Sugar().Warnw("failed to close redis connection", "error", err)
	}
}
