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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sma-points-api/api/swagger"
	"github.com/noah-isme/sma-points-api/internal/handler"
	"github.com/noah-isme/sma-points-api/internal/middleware"
	"github.com/noah-isme/sma-points-api/internal/models"
	"github.com/noah-isme/sma-points-api/internal/repository"
	"github.com/noah-isme/sma-points-api/internal/service"
	"github.com/noah-isme/sma-points-api/pkg/cache"
	"github.com/noah-isme/sma-points-api/pkg/config"
	"github.com/noah-isme/sma-points-api/pkg/database"
	"github.com/noah-isme/sma-points-api/pkg/export"
	"github.com/noah-isme/sma-points-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-points-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-points-api/pkg/middleware/requestid"
)

// @title SMA Points API
// @version 1.0.0
// @description Behavior-points aggregation engine
// @BasePath /
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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSvc := service.NewMetricsService()
	validate := validator.New()

	pointsRepo := repository.NewPointsRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	behaviorRepo := repository.NewBehaviorRepository(db)
	rosterRepo := repository.NewRosterRepository(db)

	deps := service.PointsServiceDeps{
		Store:   pointsRepo,
		History: historyRepo,
		Catalog: behaviorRepo,
		Roster:  rosterRepo,
		Metrics: metricsSvc,
	}

	hub := service.NewNotifierService(cfg.Notifier.BufferSize, metricsSvc, logr)
	var subscriber interface {
		Subscribe(classID string) *service.Subscription
	} = hub
	var closeNotifier func() = hub.Close

	if cfg.Cache.Enabled || cfg.Notifier.RedisBridge {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect to redis", "error", err)
		}
		if cfg.Cache.Enabled {
			deps.Cache = repository.NewCacheRepository(redisClient)
		}
		if cfg.Notifier.RedisBridge {
			bridge := service.NewRedisNotifier(hub, redisClient, cfg.Notifier.RedisChannel, logr)
			if err := bridge.Start(ctx); err != nil {
				logr.Sugar().Fatalw("failed to start notifier bridge", "error", err)
			}
			deps.Notifier = bridge
			subscriber = bridge
			closeNotifier = bridge.Close
		} else {
			deps.Notifier = hub
		}
		defer redisClient.Close() //nolint:errcheck
	} else {
		deps.Notifier = hub
	}

	pointsSvc := service.NewPointsService(deps, cfg.Points, cfg.Cache, validate, logr)
	reconcileSvc := service.NewReconcileService(pointsRepo, historyRepo, metricsSvc, cfg.Reconciler, logr)
	exportSvc := service.NewExportService(historyRepo, export.NewCSVExporter(), export.NewPDFExporter(), logr)
	authSvc := service.NewAuthService(cfg.JWT)

	reconcileSvc.Start(ctx)
	defer reconcileSvc.StopSweep()
	defer closeNotifier()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	pointsHandler := handler.NewPointsHandler(pointsSvc, reconcileSvc, exportSvc)
	streamHandler := handler.NewStreamHandler(subscriber)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authSvc))
	{
		api.POST("/points/apply", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin, models.RoleSuperAdmin), pointsHandler.Apply)
		api.GET("/points/stream/:classId", streamHandler.Stream)
		api.GET("/points/:studentId/:classId", pointsHandler.Get)
		api.GET("/points/:studentId/:classId/history", pointsHandler.History)
		api.GET("/points/:studentId/:classId/history/export", pointsHandler.ExportHistory)
		api.POST("/points/:studentId/:classId/reconcile", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin), pointsHandler.Reconcile)
		api.GET("/behaviors", pointsHandler.Behaviors)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}
