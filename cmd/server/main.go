package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/roadscan/internal/api/handlers"
	"github.com/langchou/roadscan/internal/cluster"
	"github.com/langchou/roadscan/internal/config"
	"github.com/langchou/roadscan/internal/live"
	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/internal/query"
	"github.com/langchou/roadscan/internal/repository"
	"github.com/langchou/roadscan/internal/service"
	"github.com/langchou/roadscan/internal/session"
	"github.com/langchou/roadscan/internal/spatial"
	"github.com/langchou/roadscan/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting roadscan",
		zap.String("port", cfg.ServerPort),
		zap.Float64("grouping_radius_m", cfg.GroupingRadiusM),
		zap.String("no_fix_policy", cfg.NoFixPolicy))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog := models.DefaultCatalog()
	storeOpts := session.Options{Index: spatial.NewIndex(spatial.DefaultCellDeg)}

	// 连接数据库（可选）
	var db *repository.DB
	var persistence *repository.Persistence
	if cfg.DatabaseURL != "" {
		db, err = repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer db.Close()

		// 执行数据库迁移
		if err := repository.Migrate(ctx, db.Pool); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated successfully")

		persistence = repository.NewPersistence(db.Pool)
		if err := persistence.Lookups.Seed(ctx); err != nil {
			logger.Fatal("Failed to seed lookup tables", zap.Error(err))
		}
		if c, err := persistence.Lookups.LoadCatalog(ctx); err != nil {
			logger.Warn("Failed to load lookup tables, using defaults", zap.Error(err))
		} else {
			catalog = c
		}
		storeOpts.Persister = persistence
	} else {
		logger.Warn("DATABASE_URL not set, rides are kept in memory only")
	}

	// 会话存储
	store := session.NewStore(logger, storeOpts)
	if persistence != nil {
		if err := store.Restore(ctx, persistence); err != nil {
			logger.Fatal("Failed to restore rides", zap.Error(err))
		}
	}

	grouping := cluster.Config{RadiusM: cfg.GroupingRadiusM, Window: cfg.ClusterWindow}
	aggregator, err := cluster.New(grouping)
	if err != nil {
		logger.Fatal("Invalid grouping config", zap.Error(err))
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run(ctx)

	// 实时状态发布
	memPub := live.NewMemoryPublisher()
	publishers := []live.Publisher{memPub, live.NewHubPublisher(wsHub)}
	if cfg.LiveStateFile != "" {
		publishers = append(publishers, live.NewFilePublisher(cfg.LiveStateFile))
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, live status will retry on each publish", zap.Error(err))
		}
		publishers = append(publishers, live.NewRedisPublisher(rdb, cfg.RedisLiveKey))
	}

	liveSync, err := live.NewSync(logger, store, grouping, catalog, live.Config{
		EveryN:         cfg.LiveEveryN,
		Interval:       cfg.LiveInterval,
		RecentWindow:   cfg.LiveRecentWindow,
		MaxRoutePoints: cfg.LiveMaxRoutePoints,
		MaxGroups:      cfg.LiveMaxGroups,
	}, publishers...)
	if err != nil {
		logger.Fatal("Invalid live config", zap.Error(err))
	}
	store.SetHooks(liveSync.Notify, liveSync.NotifyClosed)
	if active, ok := store.ActiveRide(); ok {
		liveSync.Track(active.ID)
	}
	wsHub.SetInitDataProvider(func() interface{} {
		if s := memPub.Latest(); s != nil {
			return s
		}
		return nil
	})

	liveDone := make(chan struct{})
	go func() {
		liveSync.Run(ctx)
		close(liveDone)
	}()

	// 采集写入服务
	ingest, err := service.NewIngestService(service.IngestConfig{
		NoFixPolicy: cfg.NoFixPolicy,
		BufferSize:  cfg.NoFixBufferSize,
		MaxAge:      cfg.NoFixMaxAge,
		Catalog:     catalog,
	}, logger, store)
	if err != nil {
		logger.Fatal("Invalid ingest config", zap.Error(err))
	}

	// 创建 HTTP 处理器
	var pinger handlers.Pinger
	if db != nil {
		pinger = db
	}
	handler := handlers.NewHandler(
		logger,
		ingest,
		query.NewService(store, aggregator, catalog, cfg.NearbyDefaultRadiusM),
		memPub,
		wsHub,
		pinger,
	)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// 进行中的 ride 保持打开，下次启动时由 OpenRide 结束
	cancel()
	<-liveDone

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
