package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/quantumbridge/internal/audit"
	bridgeapp "github.com/wyfcoding/quantumbridge/internal/bridge/application"
	bridgedomain "github.com/wyfcoding/quantumbridge/internal/bridge/domain"
	"github.com/wyfcoding/quantumbridge/internal/bridge/infrastructure/chain"
	bridgemysql "github.com/wyfcoding/quantumbridge/internal/bridge/infrastructure/persistence/mysql"
	bridgehttp "github.com/wyfcoding/quantumbridge/internal/bridge/interfaces/http"
	quantumapp "github.com/wyfcoding/quantumbridge/internal/quantum/application"
	quantumdomain "github.com/wyfcoding/quantumbridge/internal/quantum/domain"
	"github.com/wyfcoding/quantumbridge/internal/quantum/infrastructure/crypto"
	quantummysql "github.com/wyfcoding/quantumbridge/internal/quantum/infrastructure/persistence/mysql"
	quantumhttp "github.com/wyfcoding/quantumbridge/internal/quantum/interfaces/http"
	ratelimitapp "github.com/wyfcoding/quantumbridge/internal/ratelimit/application"
	ratelimitdomain "github.com/wyfcoding/quantumbridge/internal/ratelimit/domain"
	ratelimitmysql "github.com/wyfcoding/quantumbridge/internal/ratelimit/infrastructure/persistence/mysql"
	ratelimithttp "github.com/wyfcoding/quantumbridge/internal/ratelimit/interfaces/http"
	riskapp "github.com/wyfcoding/quantumbridge/internal/risk/application"
	riskdomain "github.com/wyfcoding/quantumbridge/internal/risk/domain"
	"github.com/wyfcoding/quantumbridge/internal/risk/infrastructure/client"
	riskmysql "github.com/wyfcoding/quantumbridge/internal/risk/infrastructure/persistence/mysql"
	riskhttp "github.com/wyfcoding/quantumbridge/internal/risk/interfaces/http"
	"github.com/wyfcoding/quantumbridge/pkg/cache"
	"github.com/wyfcoding/quantumbridge/pkg/config"
	"github.com/wyfcoding/quantumbridge/pkg/db"
	"github.com/wyfcoding/quantumbridge/pkg/idgen"
	"github.com/wyfcoding/quantumbridge/pkg/logger"
	"github.com/wyfcoding/quantumbridge/pkg/metrics"
	"github.com/wyfcoding/quantumbridge/pkg/middleware"
	"github.com/wyfcoding/quantumbridge/pkg/mq"
	"github.com/wyfcoding/quantumbridge/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/bridge.toml", "path to config file")
	flag.Parse()

	// 1. 配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. 日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx := context.Background()

	// 3. ID 生成器
	if err := idgen.Init(cfg.Bridge.NodeID); err != nil {
		logger.Fatal(ctx, "failed to init id generator", "error", err)
	}

	// 4. 数据库
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init database", "error", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&bridgedomain.Transaction{},
		&bridgedomain.TransactionEvent{},
		&quantumdomain.QuantumKey{},
		&riskdomain.ReviewQueueEntry{},
		&riskdomain.RiskScoreHistory{},
		&ratelimitdomain.Violation{},
		&ratelimitdomain.HourlyStat{},
		&audit.Event{},
	); err != nil {
		logger.Fatal(ctx, "failed to migrate database", "error", err)
	}

	// 5. Redis
	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ConnTimeout:  cfg.Redis.ConnTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", "error", err)
	}
	defer redisCache.Close()

	// 6. Kafka 审计流（可选）
	var producer *mq.KafkaProducer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			GroupID:      cfg.Kafka.GroupID,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		if err != nil {
			logger.Fatal(ctx, "failed to init kafka producer", "error", err)
		}
		defer producer.Close()
	}
	auditor := audit.NewRecorder(database.DB, producer, cfg.Kafka.AuditTopic)

	// 7. 指标
	m := metrics.New("bridge")
	if cfg.Metrics.Enabled {
		if err := m.Register(); err != nil {
			logger.Fatal(ctx, "failed to register metrics", "error", err)
		}
	}

	// 8. 量子密钥服务
	vault, err := crypto.NewVault(cfg.Quantum.MasterKeyHex)
	if err != nil {
		logger.Fatal(ctx, "failed to init key vault", "error", err)
	}
	engine := crypto.NewEngine(vault)
	keyRepo := quantummysql.NewKeyRepository(database.DB)
	keyService := quantumapp.NewKeyService(keyRepo, engine, auditor, m,
		time.Duration(cfg.Quantum.DefaultTTLDays)*24*time.Hour)

	// 9. 风险网关
	scorer := client.NewScorerClient(cfg.Risk.ScorerURL, time.Duration(cfg.Risk.ScorerTimeout)*time.Second)
	riskService := riskapp.NewRiskService(
		riskmysql.NewReviewRepository(database.DB),
		riskmysql.NewHistoryRepository(database.DB),
		scorer,
		auditor,
		m,
		riskdomain.Thresholds{
			Low:      cfg.Risk.LowThreshold,
			Review:   cfg.Risk.ReviewThreshold,
			Critical: cfg.Risk.CriticalThreshold,
		},
		cfg.Risk.MaxEscalations,
	)

	// 10. 链适配器与编排服务
	registry := bridgedomain.NewChainRegistry(
		chain.NewRetryingAdapter(chain.NewSimulatedAdapter("ethereum", 2*time.Second), cfg.Bridge.MaxChainRetries, m),
		chain.NewRetryingAdapter(chain.NewSimulatedAdapter("near", time.Second), cfg.Bridge.MaxChainRetries, m),
	)
	bridgeService := bridgeapp.NewBridgeService(
		bridgemysql.NewTransactionRepository(database.DB),
		registry,
		riskService,
		keyService,
		auditor,
		m,
		cfg.Bridge.DefaultDeadline(),
		time.Duration(cfg.Bridge.ConfirmPollInterval)*time.Second,
	)
	riskService.SetResolutionHandler(bridgeService)

	// 11. 限流
	limiterService := ratelimitapp.NewLimiterService(
		ratelimit.NewRedisRateLimiter(redisCache.GetClient()),
		redisCache,
		ratelimitmysql.NewViolationRepository(database.DB),
		ratelimitmysql.NewStatRepository(database.DB),
		auditor,
		m,
	)

	// 12. 后台任务
	background, stopBackground := context.WithCancel(ctx)
	go bridgeService.RunSweeper(background, time.Duration(cfg.Bridge.SweepInterval)*time.Second)
	go riskService.RunSLASweeper(background, time.Duration(cfg.Risk.SweepInterval)*time.Second)
	go keyService.RunSweeper(background, time.Duration(cfg.Quantum.SweepInterval)*time.Second)
	go limiterService.RunRollup(background, time.Duration(cfg.RateLimit.RollupInterval)*time.Second)

	// 13. HTTP 路由
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinCORSMiddleware(),
		middleware.GinMetricsMiddleware(m),
		ratelimithttp.TieredRateLimitMiddleware(limiterService, cfg.RateLimit.Enabled),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName, "version": cfg.Version})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	api := router.Group("/api/v1")
	bridgehttp.NewHandler(bridgeService).RegisterRoutes(api)
	quantumhttp.NewHandler(keyService).RegisterRoutes(api)
	riskhttp.NewHandler(riskService).RegisterRoutes(api)
	ratelimithttp.NewHandler(limiterService).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info(ctx, "http server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "http server failed", "error", err)
		}
	}()

	// 14. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", "error", err)
	}

	stopBackground()
	bridgeService.Shutdown()
	logger.Info(ctx, "shutdown complete")
}
