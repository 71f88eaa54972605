package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"partsync/internal/api/middleware"
	"partsync/internal/api/scheduler"
	"partsync/internal/catalog"
	"partsync/internal/config"
	"partsync/internal/model"
	"partsync/internal/pkg/dedup"
	"partsync/internal/pkg/metrics"
	"partsync/internal/pkg/notify"
	"partsync/internal/pkg/queue"
	"partsync/internal/pkg/ratelimit"
	"partsync/internal/scraper"
	"partsync/internal/storage"
	"partsync/internal/syncjob"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、同步引擎以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	router   *gin.Engine
	sched    *scheduler.Scheduler
	engine   SyncEngine
	products ProductStore
	scraper  Scraper
	pricer   PriceApplier
	deduper  Deduper
	margin   decimal.Decimal

	startEngine    func(ctx context.Context)
	shutdownEngine func(timeout time.Duration) error
}

// SyncEngine 是 HTTP 层使用的同步引擎能力。
type SyncEngine interface {
	StartSync(req syncjob.Request) (string, error)
	Get(ctx context.Context, id string) (syncjob.Snapshot, error)
	List() []syncjob.Snapshot
	Pause(id string) (syncjob.Snapshot, error)
	Resume(id string) (syncjob.Snapshot, error)
	Cancel(id string) (syncjob.Snapshot, error)
	Wait(ctx context.Context, id string) (syncjob.Snapshot, error)
}

// ProductStore 是商品相关接口使用的存储操作。
type ProductStore interface {
	MarkForSync(ctx context.Context, ids []uint) (int64, error)
	GetProduct(ctx context.Context, id uint) (*model.Product, error)
	ActiveSupplierPrices(ctx context.Context, productID uint) ([]model.SupplierPrice, error)
	DeactivateSupplierPrice(ctx context.Context, productID uint, supplier model.Supplier) (int64, error)
	ListHistory(ctx context.Context, productID uint, limit int) ([]model.UpdateHistory, error)
	CreateHistory(ctx context.Context, h *model.UpdateHistory) error
	Ping(ctx context.Context) error
}

// PriceApplier 按现有供应商记录重新选价并更新商品。
type PriceApplier interface {
	ApplyBestPrice(ctx context.Context, p model.Product) syncjob.ItemResult
}

// Scraper 是单次抓取接口使用的抓取客户端。
type Scraper interface {
	Scrape(ctx context.Context, stockCode string, supplier model.Supplier) (scraper.Result, error)
}

// Deduper 拦截短时间内重复的同步请求。
type Deduper interface {
	IsDuplicate(ctx context.Context, fingerprint string) (bool, string, error)
	Bind(ctx context.Context, fingerprint, syncID string) error
	Delete(ctx context.Context, fingerprint string) error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 组装抓取客户端、店铺目录客户端与同步引擎
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := storage.OpenMySQL(cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	repo := storage.New(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = repo.Close()
		return nil, err
	}

	endpoints := map[model.Supplier]string{
		model.SupplierDinamik: cfg.Scraper.DinamikURL,
		model.SupplierBasbug:  cfg.Scraper.BasbugURL,
		model.SupplierDogus:   cfg.Scraper.DogusURL,
	}
	opts := []scraper.Option{scraper.WithTimeout(cfg.App.ScraperTimeout)}
	if cfg.Scraper.LocalLimiter {
		opts = append(opts, scraper.WithLocalRate(cfg.App.RateLimit, int(math.Ceil(cfg.App.RateBurst))))
	} else {
		for _, s := range model.KnownSuppliers() {
			limiter := ratelimit.NewRedisRateLimiter(rdb, logger, s.Code(), cfg.App.RateLimit, cfg.App.RateBurst)
			logger.Debug("scraper limiter configured", slog.String("supplier", s.Code()), slog.String("limiter", limiter.String()))
			opts = append(opts, scraper.WithLimiter(s, limiter))
		}
	}
	sc := scraper.NewClient(endpoints, logger, opts...)
	if len(sc.Suppliers()) == 0 {
		logger.Warn("no scraper endpoints configured, every sync item will fail")
	}

	cat := catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.ConsumerKey, cfg.Catalog.ConsumerSecret, cfg.App.CatalogTimeout, logger)
	margin := decimal.NewFromFloat(cfg.App.ProfitMargin)
	syncer := syncjob.NewSupplierSyncer(sc, repo, cat, margin, cfg.App.StaleAfter, logger)

	store := syncjob.NewStore(syncjob.StoreOptions{
		MaxErrors:   cfg.App.MaxJobErrors,
		Retention:   cfg.App.JobRetention,
		MaxRetained: cfg.App.MaxRetainedJobs,
	})
	engine := syncjob.NewEngine(store, repo, repo, syncer, logger, syncjob.Options{
		ItemDelay:        cfg.App.ItemDelay,
		StaleAfter:       cfg.App.StaleAfter,
		DefaultBatchSize: cfg.App.DefaultBatchSize,
		Workers:          cfg.App.MaxConcurrentJobs,
		QueueCapacity:    cfg.App.JobQueueCapacity,
	})
	engine.SetArchive(syncjob.NewRedisArchive(rdb, cfg.App.JobRetention))
	engine.SetNotifier(notify.NewEmailNotifier(&cfg.Email, logger))

	sched := scheduler.NewScheduler(engine, store, rdb, logger,
		cfg.App.ScheduleInterval, cfg.App.JanitorInterval, cfg.App.ScheduledBatchSize)

	// 初始化 Prometheus 指标
	metrics.InitMetrics(cfg.App.MaxConcurrentJobs)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:            cfg,
		logger:         logger,
		db:             db,
		rdb:            rdb,
		router:         r,
		sched:          sched,
		engine:         engine,
		products:       repo,
		scraper:        sc,
		pricer:         syncer,
		deduper:        dedup.NewDeduplicator(rdb, cfg.App.DedupWindow),
		margin:         margin,
		startEngine:    engine.Start,
		shutdownEngine: engine.Shutdown,
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartBackground 启动同步 worker 池，以及（未禁用时的）定时同步与清理循环。
func (s *Server) StartBackground(ctx context.Context) {
	if s.startEngine != nil {
		s.startEngine(ctx)
	}
	if s.sched == nil {
		return
	}
	if s.cfg.App.DisableScheduler {
		s.logger.Info("scheduled sync disabled")
		s.sched.StartJanitor(ctx)
		return
	}
	s.sched.Start(ctx)
}

// Shutdown 等待正在执行的同步任务结束，超时后剩余任务被取消。
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.shutdownEngine == nil {
		return nil
	}
	return s.shutdownEngine(timeout)
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))

	authed.POST("/sync", s.handleStartSync)
	authed.GET("/sync", s.handleListSyncs)
	authed.GET("/sync/:id", s.handleGetSync)
	authed.POST("/sync/:id/pause", s.handlePauseSync)
	authed.POST("/sync/:id/resume", s.handleResumeSync)
	authed.POST("/sync/:id/cancel", s.handleCancelSync)

	authed.POST("/products/mark-for-sync", s.handleMarkForSync)
	authed.GET("/products/:id/supplier-prices", s.handleSupplierPrices)
	authed.DELETE("/products/:id/supplier-prices/:supplier", s.handleDeactivateSupplierPrice)
	authed.POST("/products/:id/apply-best-price", s.handleApplyBestPrice)
	authed.GET("/products/:id/history", s.handleProductHistory)

	authed.POST("/scraper/request-update", s.handleRequestUpdate)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.products == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	if err := s.products.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "mysql"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
		return
	}

	body := gin.H{"status": "ok"}
	if qs, ok := s.engine.(interface{ QueueStats() queue.Stats }); ok {
		body["workers"] = qs.QueueStats()
	}
	c.JSON(http.StatusOK, body)
}

func respondOK(c *gin.Context, status int, data any, message string) {
	body := gin.H{"success": true, "data": data}
	if message != "" {
		body["message"] = message
	}
	c.JSON(status, body)
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// respondJobError 将同步任务错误映射为 HTTP 状态码。
func (s *Server) respondJobError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, syncjob.ErrJobNotFound):
		respondError(c, http.StatusNotFound, "sync job not found")
	case errors.Is(err, syncjob.ErrInvalidTransition), errors.Is(err, syncjob.ErrJobFinished):
		respondError(c, http.StatusConflict, err.Error())
	case errors.Is(err, syncjob.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("sync job operation failed",
			slog.String("sync_id", id),
			slog.String("error", err.Error()))
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}
