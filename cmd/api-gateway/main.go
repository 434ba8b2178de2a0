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
	"go.uber.org/zap"

	_ "github.com/noah-isme/course-scheduler/api/swagger"
	"github.com/noah-isme/course-scheduler/internal/handler"
	internalmiddleware "github.com/noah-isme/course-scheduler/internal/middleware"
	"github.com/noah-isme/course-scheduler/internal/models"
	"github.com/noah-isme/course-scheduler/internal/repository"
	"github.com/noah-isme/course-scheduler/internal/service"
	"github.com/noah-isme/course-scheduler/internal/solver"
	"github.com/noah-isme/course-scheduler/pkg/cache"
	"github.com/noah-isme/course-scheduler/pkg/config"
	"github.com/noah-isme/course-scheduler/pkg/database"
	"github.com/noah-isme/course-scheduler/pkg/jobs"
	"github.com/noah-isme/course-scheduler/pkg/logger"
	corsmiddleware "github.com/noah-isme/course-scheduler/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/course-scheduler/pkg/middleware/requestid"
	"github.com/noah-isme/course-scheduler/pkg/storage"
)

// @title Course Scheduler API
// @version 1.0.0
// @description Builds course timetables from a catalog with a pseudo-boolean solver.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const (
	exportSweepInterval = time.Hour
	// jobGracePeriod covers decode, relaxation diagnosis and persistence after
	// the solver deadline.
	jobGracePeriod = time.Minute
)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database, 10*time.Second)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		logr.Fatal("failed to ensure schema", zap.Error(err))
	}

	var redisClient *redis.Client
	if client, err := cache.NewRedis(cfg.Redis); err != nil {
		logr.Warn("redis unavailable, result cache disabled", zap.Error(err))
	} else {
		redisClient = client
		defer redisClient.Close()
	}

	metricsSvc := service.NewMetricsService()
	validate := validator.New()

	assignmentRepo := repository.NewScheduleAssignmentRepository(db)
	runRepo := repository.NewScheduleRunRepository(db, assignmentRepo)
	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Scheduler.ResultCacheTTL, logr)

	pbSolver := solver.NewPBSolver(logr, solver.WithMaxSearches(cfg.Scheduler.MaxSearches))
	if err := metricsSvc.TrackLiveSearches(pbSolver.LiveSearches); err != nil {
		logr.Warn("live search gauge not registered", zap.Error(err))
	}
	schedulerSvc := service.NewSchedulerService(runRepo, cacheSvc, pbSolver, metricsSvc, validate, logr, cfg.Scheduler)
	schedulerSvc.AttachAssignments(assignmentRepo)

	if cfg.Scheduler.Enabled {
		queue := jobs.NewQueue("schedule_runs", schedulerSvc.ProcessJob, jobs.QueueConfig{
			Workers:    cfg.Scheduler.WorkerConcurrency,
			MaxRetries: cfg.Scheduler.WorkerRetries,
			JobTimeout: service.JobBudget(cfg.Scheduler.SolverTimeLimit) + jobGracePeriod,
			Observer:   metricsSvc.ObserveJob,
			Logger:     logr,
		})
		queue.Start(ctx)
		defer queue.Stop()
		schedulerSvc.AttachQueue(queue)
		if err := metricsSvc.TrackQueueDepth("schedule_runs", queue.Len); err != nil {
			logr.Warn("queue depth gauge not registered", zap.Error(err))
		}
	} else {
		logr.Warn("scheduler workers disabled, runs can only be previewed")
	}

	store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		logr.Fatal("failed to prepare export storage", zap.Error(err))
	}
	signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
	exportSvc := service.NewExportService(schedulerSvc, store, signer, validate, logr, cfg.APIPrefix)
	go sweepExports(ctx, store, cfg.Exports.SignedURLTTL, logr)

	tokenSvc := service.NewTokenService(cfg.JWT)
	runHandler := handler.NewScheduleRunHandler(schedulerSvc, exportSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.Pinger{
		"postgres": db.PingContext,
		"redis": func(ctx context.Context) error {
			return cache.Ping(ctx, redisClient)
		},
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.GET("/export/:token", runHandler.Download)

	runs := api.Group("/schedule-runs")
	runs.Use(internalmiddleware.JWT(tokenSvc))
	readers := internalmiddleware.RequireRoles(models.RoleAdmin, models.RolePlanner, models.RoleViewer)
	writers := internalmiddleware.RequireRoles(models.RoleAdmin, models.RolePlanner)

	runs.POST("", writers, runHandler.Submit)
	runs.POST("/preview", writers, runHandler.Preview)
	runs.POST("/:id/exports", writers, runHandler.Export)
	runs.GET("", readers, runHandler.List)
	runs.GET("/:id", readers, runHandler.Get)
	runs.GET("/:id/sections", readers, runHandler.Sections)
	runs.GET("/:id/students/:studentId/timetable", readers, runHandler.StudentTimetable)
	runs.GET("/:id/teachers/:teacherId/load", readers, runHandler.TeacherLoad)
	runs.GET("/:id/rooms/:roomId/occupancy", readers, runHandler.RoomOccupancy)
	runs.GET("/:id/diagnostics", readers, runHandler.Diagnostics)
	runs.GET("/:id/assignments", readers, runHandler.Assignments)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func sweepExports(ctx context.Context, store *storage.LocalStorage, ttl time.Duration, logr *zap.Logger) {
	ticker := time.NewTicker(exportSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupOlderThan(ttl)
			if err != nil {
				logr.Warn("export cleanup failed", zap.Error(err))
				continue
			}
			if len(removed) > 0 {
				logr.Info("expired exports removed", zap.Int("files", len(removed)))
			}
		}
	}
}
